package audit

import (
	"context"
	"sync"

	"github.com/cordum/crossctx/core/model"
)

// MemoryLog keeps entries in process.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []model.AuditEntry
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (m *MemoryLog) Record(_ context.Context, entry model.AuditEntry) (model.AuditEntry, error) {
	entry, err := prepare(entry)
	if err != nil {
		return entry, err
	}
	m.mu.Lock()
	m.entries = append(m.entries, entry)
	m.mu.Unlock()
	return entry, nil
}

func (m *MemoryLog) Query(_ context.Context, participantID, roomID string) ([]model.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.AuditEntry
	for _, e := range m.entries {
		if e.RoomID == roomID && e.Involves(participantID) {
			e.FragmentIDs = append([]string(nil), e.FragmentIDs...)
			out = append(out, e)
		}
	}
	return out, nil
}

// Len reports how many entries have been recorded.
func (m *MemoryLog) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
