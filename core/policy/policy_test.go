package policy

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/cordum/crossctx/core/infra/redisutil"
	"github.com/cordum/crossctx/core/model"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redisutil.Connect("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client)
}

func backends(t *testing.T) map[string]StoreDirectory {
	return map[string]StoreDirectory{
		"memory": NewMemoryStore(),
		"redis":  newRedisStore(t),
	}
}

func seed(t *testing.T, s StoreDirectory, room string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := s.Register(context.Background(), model.Participant{ID: id, RoomID: room, Role: model.RoleMember})
		require.NoError(t, err)
	}
}

func TestStoreContract(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed(t, s, "r1", "alice", "bob")

			got, err := s.Get(ctx, "alice", "r1")
			require.NoError(t, err)
			require.Equal(t, model.AskEachTime{}, got)

			_, err = s.Get(ctx, "carol", "r1")
			require.ErrorIs(t, err, model.ErrNotFound)
			require.ErrorIs(t, s.Set(ctx, "alice", "r2", model.Never{}), model.ErrNotFound)
			require.ErrorIs(t, s.AddAllowlistEntry(ctx, "carol", "r1", "bob"), model.ErrNotFound)

			require.NoError(t, s.Set(ctx, "alice", "r1", model.AlwaysAllow{Allowlist: []string{"bob", "bob"}}))
			require.NoError(t, s.Set(ctx, "alice", "r1", model.AlwaysAllow{Allowlist: []string{"bob"}}))
			got, err = s.Get(ctx, "alice", "r1")
			require.NoError(t, err)
			require.Equal(t, model.AlwaysAllow{Allowlist: []string{"bob"}}, got)

			// Switching mode keeps the allowlist dormant.
			require.NoError(t, s.Set(ctx, "alice", "r1", model.Never{}))
			require.NoError(t, s.AddAllowlistEntry(ctx, "alice", "r1", "dave"))
			got, err = s.Get(ctx, "alice", "r1")
			require.NoError(t, err)
			require.Equal(t, model.Never{}, got)

			require.NoError(t, s.Set(ctx, "alice", "r1", model.AlwaysAllow{Allowlist: []string{"bob", "dave"}}))
			require.NoError(t, s.RemoveAllowlistEntry(ctx, "alice", "r1", "dave"))
			got, err = s.Get(ctx, "alice", "r1")
			require.NoError(t, err)
			require.Equal(t, []string{"bob"}, model.AllowlistOf(got))

			require.ErrorIs(t, s.AddAllowlistEntry(ctx, "alice", "r1", " "), model.ErrInvalidRequest)
		})
	}
}

func TestDirectoryLifecycle(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed(t, s, "r1", "alice", "bob", "carol")

			require.NoError(t, s.Set(ctx, "alice", "r1", model.AlwaysAllow{Allowlist: []string{"bob", "carol"}}))
			require.NoError(t, s.Set(ctx, "carol", "r1", model.AlwaysAllow{Allowlist: []string{"bob"}}))

			// Re-registering updates the role and keeps the policy.
			p, err := s.Register(ctx, model.Participant{ID: "alice", RoomID: "r1", Role: "ADMIN"})
			require.NoError(t, err)
			require.Equal(t, model.RoleAdmin, p.Role)
			got, err := s.Get(ctx, "alice", "r1")
			require.NoError(t, err)
			require.Equal(t, model.ModeAlwaysAllow, got.Mode())

			require.NoError(t, s.SetRole(ctx, "r1", "bob", model.RoleViewer))
			bob, err := s.Participant(ctx, "r1", "bob")
			require.NoError(t, err)
			require.Equal(t, model.RoleViewer, bob.Role)
			require.False(t, bob.JoinedAt.IsZero())
			require.ErrorIs(t, s.SetRole(ctx, "r1", "bob", "owner"), model.ErrInvalidRequest)

			require.NoError(t, s.Remove(ctx, "r1", "bob"))
			_, err = s.Participant(ctx, "r1", "bob")
			require.ErrorIs(t, err, model.ErrNotFound)
			require.ErrorIs(t, s.Remove(ctx, "r1", "bob"), model.ErrNotFound)

			got, err = s.Get(ctx, "alice", "r1")
			require.NoError(t, err)
			require.Equal(t, []string{"carol"}, model.AllowlistOf(got))
			got, err = s.Get(ctx, "carol", "r1")
			require.NoError(t, err)
			require.Equal(t, model.AlwaysAllow{Allowlist: []string{}}, normalizeEmpty(got))

			members, err := s.Members(ctx, "r1")
			require.NoError(t, err)
			require.Len(t, members, 2)
			require.Equal(t, "alice", members[0].ID)
			require.Equal(t, "carol", members[1].ID)

			_, err = s.Register(ctx, model.Participant{ID: "", RoomID: "r1", Role: model.RoleMember})
			require.ErrorIs(t, err, model.ErrInvalidRequest)
			_, err = s.Register(ctx, model.Participant{ID: "x", RoomID: "r1", Role: "guest"})
			require.ErrorIs(t, err, model.ErrInvalidRequest)
		})
	}
}

func normalizeEmpty(p model.SharingPolicy) model.SharingPolicy {
	if aa, ok := p.(model.AlwaysAllow); ok && len(aa.Allowlist) == 0 {
		return model.AlwaysAllow{Allowlist: []string{}}
	}
	return p
}

func TestEngineEvaluate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seed(t, s, "r1", "target", "x", "y")
	engine := NewEngine(s)

	cases := []struct {
		name   string
		policy model.SharingPolicy
		from   string
		kind   VerdictKind
		reason string
	}{
		{"never", model.Never{}, "x", AutoDenied, ReasonPolicyNever},
		{"ask", model.AskEachTime{}, "x", NeedsLiveApproval, ReasonAskEachTime},
		{"always open", model.AlwaysAllow{}, "y", AutoApproved, ReasonAlwaysAllow},
		{"allowlisted", model.AlwaysAllow{Allowlist: []string{"x"}}, "x", AutoApproved, ReasonAllowlisted},
		{"not allowlisted", model.AlwaysAllow{Allowlist: []string{"x"}}, "y", NeedsLiveApproval, ReasonNotOnAllowlist},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, s.Set(ctx, "target", "r1", tc.policy))
			v, err := engine.Evaluate(ctx, Input{RequesterID: tc.from, TargetID: "target", RoomID: "r1", Query: "q"})
			require.NoError(t, err)
			require.Equal(t, tc.kind, v.Kind)
			require.Equal(t, tc.reason, v.Reason)
			require.Equal(t, tc.policy.Mode(), v.Mode)
			require.NotEmpty(t, v.ID)
		})
	}
}

func TestEngineRejectsSelfAndUnknown(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seed(t, s, "r1", "alice")
	engine := NewEngine(s)

	_, err := engine.Evaluate(ctx, Input{RequesterID: "alice", TargetID: "alice", RoomID: "r1"})
	require.ErrorIs(t, err, model.ErrInvalidRequest)
	_, err = engine.Evaluate(ctx, Input{RequesterID: "alice", TargetID: "ghost", RoomID: "r1"})
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestEngineReadsPolicyFresh(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seed(t, s, "r1", "alice", "bob")
	engine := NewEngine(s)
	in := Input{RequesterID: "bob", TargetID: "alice", RoomID: "r1"}

	require.NoError(t, s.Set(ctx, "alice", "r1", model.AlwaysAllow{}))
	v, err := engine.Evaluate(ctx, in)
	require.NoError(t, err)
	require.Equal(t, AutoApproved, v.Kind)

	require.NoError(t, s.Set(ctx, "alice", "r1", model.Never{}))
	v, err = engine.Evaluate(ctx, in)
	require.NoError(t, err)
	require.Equal(t, AutoDenied, v.Kind)
}
