package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cordum/crossctx/core/model"
	"github.com/google/uuid"
)

// FragmentInput is an already chunked message or document owned by one
// participant in one room.
type FragmentInput struct {
	ID        string
	RoomID    string
	OwnerID   string
	Content   string
	Timestamp time.Time
}

// Ingestor embeds fragments and stores them under their (room, owner).
type Ingestor struct {
	embedder Embedder
	index    Index
}

func NewIngestor(embedder Embedder, index Index) *Ingestor {
	return &Ingestor{embedder: embedder, index: index}
}

// Ingest stores the fragment and returns its id. Re-ingesting an id replaces
// the stored content.
func (i *Ingestor) Ingest(ctx context.Context, in FragmentInput) (string, error) {
	in.RoomID = strings.TrimSpace(in.RoomID)
	in.OwnerID = strings.TrimSpace(in.OwnerID)
	if in.RoomID == "" || in.OwnerID == "" || strings.TrimSpace(in.Content) == "" {
		return "", fmt.Errorf("%w: room, owner and content required", model.ErrInvalidRequest)
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now().UTC()
	}
	vec, err := i.embedder.Embed(ctx, in.Content)
	if err != nil {
		return "", err
	}
	doc := Document{
		ID:        in.ID,
		RoomID:    in.RoomID,
		OwnerID:   in.OwnerID,
		Content:   in.Content,
		Timestamp: in.Timestamp,
		Vector:    vec,
	}
	if err := i.index.Upsert(ctx, doc); err != nil {
		return "", err
	}
	return in.ID, nil
}

// Forget drops every fragment of ownerID in roomID.
func (i *Ingestor) Forget(ctx context.Context, roomID, ownerID string) error {
	return i.index.DeleteOwner(ctx, roomID, ownerID)
}
