package approval

import (
	"context"
	"errors"
	"time"

	"github.com/cordum/crossctx/core/model"
)

// ErrAlreadyResolved is returned when a terminal request is resolved again.
var ErrAlreadyResolved = errors.New("request already resolved")

// RequestStore records ContextRequest history. Records are never deleted and
// are immutable once terminal.
type RequestStore interface {
	Create(ctx context.Context, req model.ContextRequest) error
	// Resolve moves a pending record to a terminal status. A record that is
	// already terminal is returned unchanged with ErrAlreadyResolved.
	Resolve(ctx context.Context, id string, status model.RequestStatus, reason string, at time.Time) (model.ContextRequest, error)
	Get(ctx context.Context, id string) (model.ContextRequest, error)
	// ListByRoom returns the newest requests first.
	ListByRoom(ctx context.Context, roomID string, limit int) ([]model.ContextRequest, error)
}

var (
	_ RequestStore = (*MemoryRequestStore)(nil)
	_ RequestStore = (*RedisRequestStore)(nil)
)
