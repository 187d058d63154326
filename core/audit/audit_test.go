package audit

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cordum/crossctx/core/infra/bus"
	"github.com/cordum/crossctx/core/model"
	"github.com/cordum/crossctx/core/protocol/events"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func logBackends(t *testing.T) map[string]Log {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	out := map[string]Log{
		"memory": NewMemoryLog(),
		"redis":  NewRedisLog(client),
	}
	if dsn := os.Getenv("CROSSCTX_TEST_POSTGRES_URL"); dsn != "" {
		pool, pg, err := ConnectPostgres(context.Background(), dsn)
		require.NoError(t, err)
		t.Cleanup(pool.Close)
		out["postgres"] = pg
	}
	return out
}

func TestLogContract(t *testing.T) {
	for name, log := range logBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			room := "room-" + uuid.NewString()

			granted, err := log.Record(ctx, model.AuditEntry{
				RoomID:      room,
				RequesterID: "alice",
				TargetID:    "bob",
				Decision:    model.DecisionGranted,
				RequestID:   "req-1",
				Outcome:     model.OutcomeBundle,
				FragmentIDs: []string{"f1", "f2"},
			})
			require.NoError(t, err)
			require.NotEmpty(t, granted.ID)
			require.False(t, granted.Timestamp.IsZero())

			_, err = log.Record(ctx, model.AuditEntry{
				RoomID:      room,
				RequesterID: "carol",
				TargetID:    "dave",
				Decision:    model.DecisionAutoDenied,
				VerdictID:   "v-1",
			})
			require.NoError(t, err)

			for _, party := range []string{"alice", "bob"} {
				got, err := log.Query(ctx, party, room)
				require.NoError(t, err)
				require.Len(t, got, 1, party)
				require.Equal(t, granted.ID, got[0].ID)
				require.Equal(t, model.DecisionGranted, got[0].Decision)
				require.Equal(t, []string{"f1", "f2"}, got[0].FragmentIDs)
				require.Equal(t, "req-1", got[0].RequestID)
			}

			dave, err := log.Query(ctx, "dave", room)
			require.NoError(t, err)
			require.Len(t, dave, 1)
			require.Equal(t, model.OutcomeNone, dave[0].Outcome)
			require.Equal(t, "v-1", dave[0].VerdictID)

			other, err := log.Query(ctx, "alice", "room-elsewhere-"+uuid.NewString())
			require.NoError(t, err)
			require.Empty(t, other)
		})
	}
}

func TestLogPreservesOrder(t *testing.T) {
	for name, log := range logBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			room := "room-" + uuid.NewString()
			base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			var ids []string
			for i := 0; i < 3; i++ {
				e, err := log.Record(ctx, model.AuditEntry{
					RoomID:      room,
					RequesterID: "alice",
					TargetID:    "bob",
					Decision:    model.DecisionDenied,
					RequestID:   uuid.NewString(),
					Timestamp:   base.Add(time.Duration(i) * time.Second),
				})
				require.NoError(t, err)
				ids = append(ids, e.ID)
			}
			got, err := log.Query(ctx, "bob", room)
			require.NoError(t, err)
			require.Len(t, got, 3)
			for i := range ids {
				require.Equal(t, ids[i], got[i].ID)
				require.True(t, got[i].Timestamp.Equal(base.Add(time.Duration(i)*time.Second)))
			}
		})
	}
}

func TestLogRejectsIncompleteEntries(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	_, err := log.Record(ctx, model.AuditEntry{RoomID: "r1", RequesterID: "a", TargetID: "b"})
	require.ErrorIs(t, err, model.ErrAuditWriteFailed)

	_, err = log.Record(ctx, model.AuditEntry{RoomID: "r1", RequesterID: "a", TargetID: "b", Decision: model.DecisionDenied})
	require.ErrorIs(t, err, model.ErrAuditWriteFailed)

	_, err = log.Record(ctx, model.AuditEntry{RoomID: "r1", RequesterID: "a", TargetID: "b", Decision: model.DecisionDenied, RequestID: "x", VerdictID: "y"})
	require.ErrorIs(t, err, model.ErrAuditWriteFailed)
	require.Zero(t, log.Len())
}

func TestRedisLogUnavailable(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	log := NewRedisLog(client)
	srv.Close()

	_, err := log.Record(context.Background(), model.AuditEntry{
		RoomID: "r1", RequesterID: "a", TargetID: "b", Decision: model.DecisionGranted, RequestID: "x",
	})
	require.ErrorIs(t, err, model.ErrAuditWriteFailed)
}

type failingBus struct{}

func (failingBus) Publish(string, *events.Envelope) error { return errors.New("nats: connection closed") }
func (failingBus) Subscribe(string, string, bus.Handler) (bus.Subscription, error) {
	return nil, nil
}

func TestPublishingLogAnnouncesEntries(t *testing.T) {
	b := bus.NewLocalBus()
	var (
		mu  sync.Mutex
		got []model.AuditEntry
	)
	_, err := b.Subscribe(events.SubjectAuditAll, "", func(env *events.Envelope) error {
		var e model.AuditEntry
		require.NoError(t, env.Decode(&e))
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	log := NewPublishingLog(NewMemoryLog(), b)
	stored, err := log.Record(context.Background(), model.AuditEntry{
		RoomID: "r1", RequesterID: "a", TargetID: "b", Decision: model.DecisionAutoAllowed, VerdictID: "v1",
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	require.Equal(t, stored.ID, got[0].ID)

	entries, err := log.Query(context.Background(), "a", "r1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestPublishingLogIgnoresPublishFailure(t *testing.T) {
	mem := NewMemoryLog()
	log := NewPublishingLog(mem, failingBus{})
	_, err := log.Record(context.Background(), model.AuditEntry{
		RoomID: "r1", RequesterID: "a", TargetID: "b", Decision: model.DecisionGranted, RequestID: "x",
	})
	require.NoError(t, err)
	require.Equal(t, 1, mem.Len())
}
