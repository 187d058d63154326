package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cordum/crossctx/core/infra/redisutil"
	"github.com/cordum/crossctx/core/model"
	"github.com/redis/go-redis/v9"
)

// resolveScript performs the pending -> terminal transition atomically.
// Returns {0} when missing, {1, json} on success and {2, json} when the record
// was already terminal.
const resolveScript = `
local raw = redis.call('GET', KEYS[1])
if not raw then
  return {0, ''}
end
local req = cjson.decode(raw)
if req.status ~= 'PENDING' then
  return {2, raw}
end
req.status = ARGV[1]
req.resolution_reason = ARGV[2]
req.resolved_at = ARGV[3]
local out = cjson.encode(req)
redis.call('SET', KEYS[1], out)
return {1, out}
`

// RedisRequestStore keeps request history in Redis with a per-room index.
type RedisRequestStore struct {
	client redis.UniversalClient
}

func NewRedisRequestStore(client redis.UniversalClient) *RedisRequestStore {
	return &RedisRequestStore{client: client}
}

func requestKey(id string) string {
	return redisutil.Key("request", id)
}

func roomRequestsKey(roomID string) string {
	return redisutil.Key("requests", redisutil.RoomTag(roomID))
}

func (s *RedisRequestStore) Create(ctx context.Context, req model.ContextRequest) error {
	if req.ID == "" {
		return fmt.Errorf("%w: request id required", model.ErrInvalidRequest)
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, requestKey(req.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if !ok {
		return fmt.Errorf("request %s already exists", req.ID)
	}
	score := float64(req.CreatedAt.UnixNano())
	if err := s.client.ZAdd(ctx, roomRequestsKey(req.RoomID), redis.Z{Score: score, Member: req.ID}).Err(); err != nil {
		return fmt.Errorf("index request: %w", err)
	}
	return nil
}

func (s *RedisRequestStore) Resolve(ctx context.Context, id string, status model.RequestStatus, reason string, at time.Time) (model.ContextRequest, error) {
	res, err := s.client.Eval(ctx, resolveScript, []string{requestKey(id)},
		string(status),
		reason,
		at.UTC().Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return model.ContextRequest{}, fmt.Errorf("resolve request: %w", err)
	}
	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		return model.ContextRequest{}, fmt.Errorf("resolve request: unexpected reply %T", res)
	}
	code, _ := vals[0].(int64)
	payload, _ := vals[1].(string)
	switch code {
	case 0:
		return model.ContextRequest{}, fmt.Errorf("%w: request %s", model.ErrNotFound, id)
	case 2:
		req, err := decodeRequest(payload)
		if err != nil {
			return model.ContextRequest{}, err
		}
		return req, ErrAlreadyResolved
	default:
		return decodeRequest(payload)
	}
}

func (s *RedisRequestStore) Get(ctx context.Context, id string) (model.ContextRequest, error) {
	payload, err := s.client.Get(ctx, requestKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return model.ContextRequest{}, fmt.Errorf("%w: request %s", model.ErrNotFound, id)
	}
	if err != nil {
		return model.ContextRequest{}, fmt.Errorf("get request: %w", err)
	}
	return decodeRequest(payload)
}

func (s *RedisRequestStore) ListByRoom(ctx context.Context, roomID string, limit int) ([]model.ContextRequest, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, roomRequestsKey(roomID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	if len(ids) == 0 {
		return []model.ContextRequest{}, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, requestKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	out := make([]model.ContextRequest, 0, len(cmds))
	for _, cmd := range cmds {
		payload, err := cmd.Result()
		if err != nil {
			continue
		}
		req, err := decodeRequest(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

func decodeRequest(payload string) (model.ContextRequest, error) {
	var req model.ContextRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return model.ContextRequest{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}
