// Package retrieval finds the slice of a target's private context relevant to
// a query and assembles a redacted, attributable bundle.
package retrieval

import (
	"context"
	"math"
	"time"
)

// Embedder turns text into a fixed-length vector. Failures wrap
// model.ErrEmbeddingUnavailable when a retry may help.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Document is one stored fragment with its embedding.
type Document struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	OwnerID   string    `json:"owner_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"ts"`
	Vector    []float32 `json:"vector"`
}

// Hit is a search result.
type Hit struct {
	ID         string
	RoomID     string
	OwnerID    string
	Content    string
	Timestamp  time.Time
	Similarity float64
}

// Index is a nearest-neighbour store. Search must only consider documents of
// (roomID, ownerID); filtering happens before ranking. Failures wrap
// model.ErrIndexUnavailable when a retry may help.
type Index interface {
	Upsert(ctx context.Context, doc Document) error
	Search(ctx context.Context, vector []float32, roomID, ownerID string, topK int) ([]Hit, error)
	DeleteOwner(ctx context.Context, roomID, ownerID string) error
}

var (
	_ Index = (*MemoryIndex)(nil)
	_ Index = (*RedisIndex)(nil)
)

// Cosine returns the cosine similarity of a and b, or 0 when either is zero
// or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func rank(docs []Document, vector []float32, topK int) []Hit {
	hits := make([]Hit, 0, len(docs))
	for _, d := range docs {
		hits = append(hits, Hit{
			ID:         d.ID,
			RoomID:     d.RoomID,
			OwnerID:    d.OwnerID,
			Content:    d.Content,
			Timestamp:  d.Timestamp,
			Similarity: Cosine(vector, d.Vector),
		})
	}
	sortHits(hits)
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}
