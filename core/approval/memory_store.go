package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cordum/crossctx/core/model"
)

// MemoryRequestStore keeps request history in process.
type MemoryRequestStore struct {
	mu   sync.RWMutex
	reqs map[string]model.ContextRequest
}

func NewMemoryRequestStore() *MemoryRequestStore {
	return &MemoryRequestStore{reqs: map[string]model.ContextRequest{}}
}

func (s *MemoryRequestStore) Create(_ context.Context, req model.ContextRequest) error {
	if req.ID == "" {
		return fmt.Errorf("%w: request id required", model.ErrInvalidRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reqs[req.ID]; ok {
		return fmt.Errorf("request %s already exists", req.ID)
	}
	s.reqs[req.ID] = req
	return nil
}

func (s *MemoryRequestStore) Resolve(_ context.Context, id string, status model.RequestStatus, reason string, at time.Time) (model.ContextRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.reqs[id]
	if !ok {
		return model.ContextRequest{}, fmt.Errorf("%w: request %s", model.ErrNotFound, id)
	}
	if req.Status.Terminal() {
		return req, ErrAlreadyResolved
	}
	req.Status = status
	req.ResolutionReason = reason
	req.ResolvedAt = at.UTC()
	s.reqs[id] = req
	return req, nil
}

func (s *MemoryRequestStore) Get(_ context.Context, id string) (model.ContextRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.reqs[id]
	if !ok {
		return model.ContextRequest{}, fmt.Errorf("%w: request %s", model.ErrNotFound, id)
	}
	return req, nil
}

func (s *MemoryRequestStore) ListByRoom(_ context.Context, roomID string, limit int) ([]model.ContextRequest, error) {
	s.mu.RLock()
	out := make([]model.ContextRequest, 0)
	for _, req := range s.reqs {
		if req.RoomID == roomID {
			out = append(out, req)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
