package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cordum/crossctx/core/infra/redisutil"
	"github.com/cordum/crossctx/core/model"
	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 5

// RedisStore keeps participants and policies in Redis. A room's keys share a
// hash tag so multi-key transactions stay on one cluster slot.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func participantKey(roomID, participantID string) string {
	return redisutil.Key("participant", redisutil.RoomTag(roomID), participantID)
}

func allowlistKey(roomID, participantID string) string {
	return redisutil.Key("allowlist", redisutil.RoomTag(roomID), participantID)
}

func membersKey(roomID string) string {
	return redisutil.Key("members", redisutil.RoomTag(roomID))
}

func notFound(roomID, participantID string) error {
	return fmt.Errorf("%w: participant %q in room %q", model.ErrNotFound, participantID, roomID)
}

// withParticipant runs fn in an optimistic transaction guarded by the
// participant record, failing with ErrNotFound if the record is absent.
func (s *RedisStore) withParticipant(ctx context.Context, roomID, participantID string, fn func(tx *redis.Tx) error) error {
	pk := participantKey(roomID, participantID)
	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, pk).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return notFound(roomID, participantID)
		}
		return fn(tx)
	}
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, pk)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("policy store: too much contention on %s", pk)
}

func (s *RedisStore) Get(ctx context.Context, participantID, roomID string) (model.SharingPolicy, error) {
	pipe := s.client.TxPipeline()
	modeCmd := pipe.HGet(ctx, participantKey(roomID, participantID), "mode")
	listCmd := pipe.SMembers(ctx, allowlistKey(roomID, participantID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get policy: %w", err)
	}
	mode, err := modeCmd.Result()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(roomID, participantID)
	}
	if err != nil {
		return nil, fmt.Errorf("get policy: %w", err)
	}
	switch model.PolicyMode(mode) {
	case model.ModeNever:
		return model.Never{}, nil
	case model.ModeAlwaysAllow:
		return model.AlwaysAllow{Allowlist: model.NormalizeIDs(listCmd.Val())}, nil
	default:
		return model.AskEachTime{}, nil
	}
}

func (s *RedisStore) Set(ctx context.Context, participantID, roomID string, policy model.SharingPolicy) error {
	if policy == nil {
		return fmt.Errorf("%w: nil policy", model.ErrInvalidRequest)
	}
	pk := participantKey(roomID, participantID)
	ak := allowlistKey(roomID, participantID)
	return s.withParticipant(ctx, roomID, participantID, func(tx *redis.Tx) error {
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, pk, "mode", string(policy.Mode()))
			if aa, ok := policy.(model.AlwaysAllow); ok {
				pipe.Del(ctx, ak)
				if ids := model.NormalizeIDs(aa.Allowlist); len(ids) > 0 {
					pipe.SAdd(ctx, ak, toAny(ids)...)
				}
			}
			return nil
		})
		return err
	})
}

func (s *RedisStore) AddAllowlistEntry(ctx context.Context, participantID, roomID, requesterID string) error {
	requesterID = strings.TrimSpace(requesterID)
	if requesterID == "" {
		return fmt.Errorf("%w: empty allowlist entry", model.ErrInvalidRequest)
	}
	ak := allowlistKey(roomID, participantID)
	return s.withParticipant(ctx, roomID, participantID, func(tx *redis.Tx) error {
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SAdd(ctx, ak, requesterID)
			return nil
		})
		return err
	})
}

func (s *RedisStore) RemoveAllowlistEntry(ctx context.Context, participantID, roomID, requesterID string) error {
	ak := allowlistKey(roomID, participantID)
	return s.withParticipant(ctx, roomID, participantID, func(tx *redis.Tx) error {
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SRem(ctx, ak, strings.TrimSpace(requesterID))
			return nil
		})
		return err
	})
}

func (s *RedisStore) Register(ctx context.Context, p model.Participant) (model.Participant, error) {
	p, err := normalizeParticipant(p)
	if err != nil {
		return model.Participant{}, err
	}
	pk := participantKey(p.RoomID, p.ID)
	var out model.Participant
	txf := func(tx *redis.Tx) error {
		existing, err := tx.HGetAll(ctx, pk).Result()
		if err != nil {
			return err
		}
		if cur, ok := participantFromHash(existing); ok {
			cur.Role = p.Role
			out = cur
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, pk, "role", string(p.Role))
				return nil
			})
			return err
		}
		out = p
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, pk,
				"id", p.ID,
				"room_id", p.RoomID,
				"role", string(p.Role),
				"joined_at", p.JoinedAt.UTC().Format(time.RFC3339Nano),
				"mode", string(model.DefaultPolicy().Mode()),
			)
			pipe.SAdd(ctx, membersKey(p.RoomID), p.ID)
			return nil
		})
		return err
	}
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, pk)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return model.Participant{}, fmt.Errorf("register participant: %w", err)
		}
		return out, nil
	}
	return model.Participant{}, fmt.Errorf("register participant: too much contention on %s", pk)
}

func (s *RedisStore) Participant(ctx context.Context, roomID, participantID string) (model.Participant, error) {
	vals, err := s.client.HGetAll(ctx, participantKey(roomID, participantID)).Result()
	if err != nil {
		return model.Participant{}, fmt.Errorf("get participant: %w", err)
	}
	p, ok := participantFromHash(vals)
	if !ok {
		return model.Participant{}, notFound(roomID, participantID)
	}
	return p, nil
}

func (s *RedisStore) SetRole(ctx context.Context, roomID, participantID string, role model.Role) error {
	parsed, ok := model.ParseRole(string(role))
	if !ok {
		return fmt.Errorf("%w: unknown role %q", model.ErrInvalidRequest, role)
	}
	pk := participantKey(roomID, participantID)
	return s.withParticipant(ctx, roomID, participantID, func(tx *redis.Tx) error {
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, pk, "role", string(parsed))
			return nil
		})
		return err
	})
}

func (s *RedisStore) Remove(ctx context.Context, roomID, participantID string) error {
	mk := membersKey(roomID)
	return s.withParticipant(ctx, roomID, participantID, func(tx *redis.Tx) error {
		members, err := tx.SMembers(ctx, mk).Result()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, participantKey(roomID, participantID), allowlistKey(roomID, participantID))
			pipe.SRem(ctx, mk, participantID)
			for _, other := range members {
				if other == participantID {
					continue
				}
				pipe.SRem(ctx, allowlistKey(roomID, other), participantID)
			}
			return nil
		})
		return err
	})
}

func (s *RedisStore) Members(ctx context.Context, roomID string) ([]model.Participant, error) {
	ids, err := s.client.SMembers(ctx, membersKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	if len(ids) == 0 {
		return []model.Participant{}, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.HGetAll(ctx, participantKey(roomID, id)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	out := make([]model.Participant, 0, len(ids))
	for _, cmd := range cmds {
		if p, ok := participantFromHash(cmd.Val()); ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func participantFromHash(vals map[string]string) (model.Participant, bool) {
	if len(vals) == 0 || vals["id"] == "" {
		return model.Participant{}, false
	}
	p := model.Participant{
		ID:     vals["id"],
		RoomID: vals["room_id"],
		Role:   model.Role(vals["role"]),
	}
	if ts, err := time.Parse(time.RFC3339Nano, vals["joined_at"]); err == nil {
		p.JoinedAt = ts
	}
	return p, true
}

func toAny(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
