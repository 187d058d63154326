package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cordum/crossctx/core/infra/logging"
	"github.com/cordum/crossctx/core/infra/redisutil"
	"github.com/cordum/crossctx/core/model"
	"github.com/redis/go-redis/v9"
)

// RedisLog appends each entry to the room log and to one list per named
// party, all in one MULTI so a party never sees a partial write.
type RedisLog struct {
	client redis.UniversalClient
}

func NewRedisLog(client redis.UniversalClient) *RedisLog {
	return &RedisLog{client: client}
}

func roomLogKey(roomID string) string {
	return redisutil.Key("audit", redisutil.RoomTag(roomID), "log")
}

func partyLogKey(roomID, participantID string) string {
	return redisutil.Key("audit", redisutil.RoomTag(roomID), "party", participantID)
}

func (r *RedisLog) Record(ctx context.Context, entry model.AuditEntry) (model.AuditEntry, error) {
	entry, err := prepare(entry)
	if err != nil {
		return entry, err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return entry, fmt.Errorf("%w: %v", model.ErrAuditWriteFailed, err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, roomLogKey(entry.RoomID), data)
		pipe.RPush(ctx, partyLogKey(entry.RoomID, entry.RequesterID), data)
		if entry.TargetID != entry.RequesterID {
			pipe.RPush(ctx, partyLogKey(entry.RoomID, entry.TargetID), data)
		}
		return nil
	})
	if err != nil {
		return entry, fmt.Errorf("%w: %v", model.ErrAuditWriteFailed, err)
	}
	return entry, nil
}

func (r *RedisLog) Query(ctx context.Context, participantID, roomID string) ([]model.AuditEntry, error) {
	raw, err := r.client.LRange(ctx, partyLogKey(roomID, participantID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.AuditEntry, 0, len(raw))
	for _, payload := range raw {
		var e model.AuditEntry
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			logging.Error("audit", "corrupt audit entry", "room", roomID, "participant", participantID, "error", err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
