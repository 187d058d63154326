package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cordum/crossctx/core/model"
)

type record struct {
	participant model.Participant
	mode        model.PolicyMode
	allowlist   map[string]struct{}
}

func (r *record) policy() model.SharingPolicy {
	switch r.mode {
	case model.ModeNever:
		return model.Never{}
	case model.ModeAlwaysAllow:
		ids := make([]string, 0, len(r.allowlist))
		for id := range r.allowlist {
			ids = append(ids, id)
		}
		return model.AlwaysAllow{Allowlist: model.NormalizeIDs(ids)}
	default:
		return model.AskEachTime{}
	}
}

// MemoryStore is an in-process Store and Directory.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: map[string]map[string]*record{}}
}

func (s *MemoryStore) lookup(roomID, participantID string) (*record, error) {
	rec, ok := s.rooms[roomID][participantID]
	if !ok {
		return nil, fmt.Errorf("%w: participant %q in room %q", model.ErrNotFound, participantID, roomID)
	}
	return rec, nil
}

func (s *MemoryStore) Get(_ context.Context, participantID, roomID string) (model.SharingPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.lookup(roomID, participantID)
	if err != nil {
		return nil, err
	}
	return rec.policy(), nil
}

func (s *MemoryStore) Set(_ context.Context, participantID, roomID string, policy model.SharingPolicy) error {
	if policy == nil {
		return fmt.Errorf("%w: nil policy", model.ErrInvalidRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(roomID, participantID)
	if err != nil {
		return err
	}
	rec.mode = policy.Mode()
	if aa, ok := policy.(model.AlwaysAllow); ok {
		rec.allowlist = map[string]struct{}{}
		for _, id := range model.NormalizeIDs(aa.Allowlist) {
			rec.allowlist[id] = struct{}{}
		}
	}
	return nil
}

func (s *MemoryStore) AddAllowlistEntry(_ context.Context, participantID, roomID, requesterID string) error {
	requesterID = strings.TrimSpace(requesterID)
	if requesterID == "" {
		return fmt.Errorf("%w: empty allowlist entry", model.ErrInvalidRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(roomID, participantID)
	if err != nil {
		return err
	}
	rec.allowlist[requesterID] = struct{}{}
	return nil
}

func (s *MemoryStore) RemoveAllowlistEntry(_ context.Context, participantID, roomID, requesterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(roomID, participantID)
	if err != nil {
		return err
	}
	delete(rec.allowlist, strings.TrimSpace(requesterID))
	return nil
}

func (s *MemoryStore) Register(_ context.Context, p model.Participant) (model.Participant, error) {
	p, err := normalizeParticipant(p)
	if err != nil {
		return model.Participant{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	room := s.rooms[p.RoomID]
	if room == nil {
		room = map[string]*record{}
		s.rooms[p.RoomID] = room
	}
	if rec, ok := room[p.ID]; ok {
		rec.participant.Role = p.Role
		return rec.participant, nil
	}
	room[p.ID] = &record{
		participant: p,
		mode:        model.DefaultPolicy().Mode(),
		allowlist:   map[string]struct{}{},
	}
	return p, nil
}

func (s *MemoryStore) Participant(_ context.Context, roomID, participantID string) (model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.lookup(roomID, participantID)
	if err != nil {
		return model.Participant{}, err
	}
	return rec.participant, nil
}

func (s *MemoryStore) SetRole(_ context.Context, roomID, participantID string, role model.Role) error {
	parsed, ok := model.ParseRole(string(role))
	if !ok {
		return fmt.Errorf("%w: unknown role %q", model.ErrInvalidRequest, role)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(roomID, participantID)
	if err != nil {
		return err
	}
	rec.participant.Role = parsed
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, roomID, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.lookup(roomID, participantID); err != nil {
		return err
	}
	room := s.rooms[roomID]
	delete(room, participantID)
	for _, rec := range room {
		delete(rec.allowlist, participantID)
	}
	if len(room) == 0 {
		delete(s.rooms, roomID)
	}
	return nil
}

func (s *MemoryStore) Members(_ context.Context, roomID string) ([]model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room := s.rooms[roomID]
	out := make([]model.Participant, 0, len(room))
	for _, rec := range room {
		out = append(out, rec.participant)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func normalizeParticipant(p model.Participant) (model.Participant, error) {
	p.ID = strings.TrimSpace(p.ID)
	p.RoomID = strings.TrimSpace(p.RoomID)
	if p.ID == "" || p.RoomID == "" {
		return p, fmt.Errorf("%w: participant id and room id required", model.ErrInvalidRequest)
	}
	role, ok := model.ParseRole(string(p.Role))
	if !ok {
		return p, fmt.Errorf("%w: unknown role %q", model.ErrInvalidRequest, p.Role)
	}
	p.Role = role
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now().UTC()
	}
	return p, nil
}
