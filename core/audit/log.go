// Package audit is the append-only record of access decisions.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cordum/crossctx/core/infra/bus"
	"github.com/cordum/crossctx/core/infra/logging"
	"github.com/cordum/crossctx/core/model"
	"github.com/cordum/crossctx/core/protocol/events"
	"github.com/google/uuid"
)

// Log is the audit sink. Record must not return until the entry is durable;
// any failure wraps model.ErrAuditWriteFailed. Query returns entries naming
// participantID in roomID, oldest first.
type Log interface {
	Record(ctx context.Context, entry model.AuditEntry) (model.AuditEntry, error)
	Query(ctx context.Context, participantID, roomID string) ([]model.AuditEntry, error)
}

var (
	_ Log = (*MemoryLog)(nil)
	_ Log = (*RedisLog)(nil)
	_ Log = (*PostgresLog)(nil)
	_ Log = (*PublishingLog)(nil)
)

// prepare validates an entry and fills its id and timestamp.
func prepare(entry model.AuditEntry) (model.AuditEntry, error) {
	entry.RoomID = strings.TrimSpace(entry.RoomID)
	if entry.RoomID == "" || entry.RequesterID == "" || entry.TargetID == "" || entry.Decision == "" {
		return entry, fmt.Errorf("%w: room, requester, target and decision required", model.ErrAuditWriteFailed)
	}
	if (entry.RequestID == "") == (entry.VerdictID == "") {
		return entry, fmt.Errorf("%w: exactly one of request id and verdict id required", model.ErrAuditWriteFailed)
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Outcome == "" {
		entry.Outcome = model.OutcomeNone
	}
	entry.FragmentIDs = append([]string(nil), entry.FragmentIDs...)
	return entry, nil
}

// PublishingLog records through an underlying Log and then announces the
// entry on the room's audit subject. Publishing is best effort.
type PublishingLog struct {
	log Log
	bus bus.Bus
}

func NewPublishingLog(log Log, b bus.Bus) *PublishingLog {
	return &PublishingLog{log: log, bus: b}
}

func (p *PublishingLog) Record(ctx context.Context, entry model.AuditEntry) (model.AuditEntry, error) {
	stored, err := p.log.Record(ctx, entry)
	if err != nil {
		return stored, err
	}
	if p.bus == nil {
		return stored, nil
	}
	env, err := events.NewEnvelope(events.KindAuditRecorded, stored)
	if err == nil {
		err = p.bus.Publish(events.AuditSubject(stored.RoomID), env)
	}
	if err != nil {
		logging.Warn("audit", "publish audit event failed", "entry_id", stored.ID, "room", stored.RoomID, "error", err)
	}
	return stored, nil
}

func (p *PublishingLog) Query(ctx context.Context, participantID, roomID string) ([]model.AuditEntry, error) {
	return p.log.Query(ctx, participantID, roomID)
}
