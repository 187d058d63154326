package retrieval

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cordum/crossctx/core/model"
)

type ownerKey struct {
	room  string
	owner string
}

// MemoryIndex is a brute-force in-process Index bucketed by (room, owner).
type MemoryIndex struct {
	mu      sync.RWMutex
	buckets map[ownerKey]map[string]Document
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{buckets: map[ownerKey]map[string]Document{}}
}

func (m *MemoryIndex) Upsert(_ context.Context, doc Document) error {
	if doc.ID == "" || doc.RoomID == "" || doc.OwnerID == "" {
		return fmt.Errorf("%w: document id, room and owner required", model.ErrInvalidRequest)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ownerKey{room: doc.RoomID, owner: doc.OwnerID}
	bucket := m.buckets[k]
	if bucket == nil {
		bucket = map[string]Document{}
		m.buckets[k] = bucket
	}
	bucket[doc.ID] = doc
	return nil
}

func (m *MemoryIndex) Search(_ context.Context, vector []float32, roomID, ownerID string, topK int) ([]Hit, error) {
	m.mu.RLock()
	bucket := m.buckets[ownerKey{room: roomID, owner: ownerID}]
	docs := make([]Document, 0, len(bucket))
	for _, d := range bucket {
		docs = append(docs, d)
	}
	m.mu.RUnlock()
	return rank(docs, vector, topK), nil
}

func (m *MemoryIndex) DeleteOwner(_ context.Context, roomID, ownerID string) error {
	m.mu.Lock()
	delete(m.buckets, ownerKey{room: roomID, owner: ownerID})
	m.mu.Unlock()
	return nil
}

// sortHits orders by similarity descending, then newest first, then id.
func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		if !hits[i].Timestamp.Equal(hits[j].Timestamp) {
			return hits[i].Timestamp.After(hits[j].Timestamp)
		}
		return hits[i].ID < hits[j].ID
	})
}
