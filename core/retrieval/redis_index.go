package retrieval

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cordum/crossctx/core/infra/logging"
	"github.com/cordum/crossctx/core/infra/redisutil"
	"github.com/cordum/crossctx/core/model"
	"github.com/redis/go-redis/v9"
)

// RedisIndex stores each (room, owner) bucket as one hash of JSON documents.
// Search loads only the requested bucket and ranks it in process.
type RedisIndex struct {
	client redis.UniversalClient
}

func NewRedisIndex(client redis.UniversalClient) *RedisIndex {
	return &RedisIndex{client: client}
}

func bucketKey(roomID, ownerID string) string {
	return redisutil.Key("fragments", redisutil.RoomTag(roomID), ownerID)
}

func (r *RedisIndex) Upsert(ctx context.Context, doc Document) error {
	if doc.ID == "" || doc.RoomID == "" || doc.OwnerID == "" {
		return fmt.Errorf("%w: document id, room and owner required", model.ErrInvalidRequest)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if err := r.client.HSet(ctx, bucketKey(doc.RoomID, doc.OwnerID), doc.ID, data).Err(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrIndexUnavailable, err)
	}
	return nil
}

func (r *RedisIndex) Search(ctx context.Context, vector []float32, roomID, ownerID string, topK int) ([]Hit, error) {
	raw, err := r.client.HGetAll(ctx, bucketKey(roomID, ownerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrIndexUnavailable, err)
	}
	docs := make([]Document, 0, len(raw))
	for id, payload := range raw {
		var doc Document
		if err := json.Unmarshal([]byte(payload), &doc); err != nil {
			logging.Warn("retrieval", "skipping corrupt fragment", "id", id, "error", err)
			continue
		}
		docs = append(docs, doc)
	}
	return rank(docs, vector, topK), nil
}

func (r *RedisIndex) DeleteOwner(ctx context.Context, roomID, ownerID string) error {
	if err := r.client.Del(ctx, bucketKey(roomID, ownerID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrIndexUnavailable, err)
	}
	return nil
}
