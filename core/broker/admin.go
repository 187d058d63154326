package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cordum/crossctx/core/infra/logging"
	"github.com/cordum/crossctx/core/model"
	"github.com/cordum/crossctx/core/protocol/events"
	"github.com/cordum/crossctx/core/retrieval"
	"github.com/google/uuid"
)

const auditTimeout = 5 * time.Second

func newVerdictID() string { return uuid.NewString() }

// CancelRequest withdraws a pending live approval on behalf of its requester.
func (b *Broker) CancelRequest(ctx context.Context, requestID, requesterID string) (model.ContextRequest, error) {
	if strings.TrimSpace(requestID) == "" || strings.TrimSpace(requesterID) == "" {
		return model.ContextRequest{}, fmt.Errorf("%w: request id and requester required", model.ErrInvalidRequest)
	}
	return b.coord.Cancel(ctx, requestID, requesterID)
}

// RespondApproval applies the target's answer to a pending request.
func (b *Broker) RespondApproval(ctx context.Context, requestID, responderID string, answer model.ApprovalAnswer) (model.ContextRequest, error) {
	if strings.TrimSpace(requestID) == "" || strings.TrimSpace(responderID) == "" {
		return model.ContextRequest{}, fmt.Errorf("%w: request id and responder required", model.ErrInvalidRequest)
	}
	return b.coord.Respond(ctx, requestID, responderID, answer)
}

// PendingApprovals lists prompts still awaiting the target's answer.
func (b *Broker) PendingApprovals(roomID, targetID string) []model.ContextRequest {
	return b.coord.PendingForTarget(roomID, targetID)
}

// OutgoingRequests lists the requester's own requests still awaiting an
// answer, so a client can find the id to cancel.
func (b *Broker) OutgoingRequests(ctx context.Context, roomID, requesterID string) ([]model.ContextRequest, error) {
	return b.coord.PendingForRequester(ctx, roomID, requesterID)
}

func (b *Broker) GetPolicy(ctx context.Context, participantID, roomID string) (model.SharingPolicy, error) {
	return b.policies.Get(ctx, participantID, roomID)
}

// SetPolicy replaces the participant's policy. Switching to Never supersedes
// requests still waiting on the participant's answer; the change is also
// announced so coordinators in other processes do the same.
func (b *Broker) SetPolicy(ctx context.Context, participantID, roomID string, pol model.SharingPolicy) error {
	if pol == nil {
		return fmt.Errorf("%w: policy required", model.ErrInvalidRequest)
	}
	if err := b.policies.Set(ctx, participantID, roomID, pol); err != nil {
		return err
	}
	mode := pol.Mode()
	if n := b.coord.PolicyChanged(roomID, participantID, mode); n > 0 {
		logging.Info("broker", "policy change superseded pending requests", "room", roomID, "participant", participantID, "count", n)
	}
	b.publish(events.SubjectPolicyChanged, events.KindPolicyChanged, events.PolicyChanged{
		RoomID:        roomID,
		ParticipantID: participantID,
		Mode:          mode,
	})
	return nil
}

// AddAllowlistEntry pre-approves requesterID under participantID's
// AlwaysAllow policy. The requester must be in the room.
func (b *Broker) AddAllowlistEntry(ctx context.Context, participantID, roomID, requesterID string) error {
	if participantID == requesterID {
		return fmt.Errorf("%w: cannot allowlist self", model.ErrInvalidRequest)
	}
	if _, err := b.policies.Participant(ctx, roomID, requesterID); err != nil {
		return err
	}
	return b.policies.AddAllowlistEntry(ctx, participantID, roomID, requesterID)
}

func (b *Broker) RemoveAllowlistEntry(ctx context.Context, participantID, roomID, requesterID string) error {
	return b.policies.RemoveAllowlistEntry(ctx, participantID, roomID, requesterID)
}

// RegisterParticipant adds a participant to a room with the default policy.
func (b *Broker) RegisterParticipant(ctx context.Context, p model.Participant) (model.Participant, error) {
	return b.policies.Register(ctx, p)
}

func (b *Broker) Participant(ctx context.Context, roomID, participantID string) (model.Participant, error) {
	return b.policies.Participant(ctx, roomID, participantID)
}

func (b *Broker) Members(ctx context.Context, roomID string) ([]model.Participant, error) {
	return b.policies.Members(ctx, roomID)
}

// SetRole changes a participant's role. Only room admins may do so.
func (b *Broker) SetRole(ctx context.Context, actorID, roomID, participantID string, role model.Role) error {
	actor, err := b.policies.Participant(ctx, roomID, actorID)
	if err != nil {
		return err
	}
	if actor.Role != model.RoleAdmin {
		return fmt.Errorf("%w: %s is not an admin of %s", model.ErrPermissionDenied, actorID, roomID)
	}
	return b.policies.SetRole(ctx, roomID, participantID, role)
}

// RemoveParticipant removes the participant and everything scoped to them in
// the room: policy, allowlist references, indexed fragments and any pending
// request naming them.
func (b *Broker) RemoveParticipant(ctx context.Context, roomID, participantID string) error {
	if err := b.policies.Remove(ctx, roomID, participantID); err != nil {
		return err
	}
	if n := b.coord.ParticipantLeft(roomID, participantID); n > 0 {
		logging.Info("broker", "participant removal superseded pending requests", "room", roomID, "participant", participantID, "count", n)
	}
	if b.ingestor != nil {
		if err := b.ingestor.Forget(ctx, roomID, participantID); err != nil {
			logging.Error("broker", "drop fragments of removed participant failed", "room", roomID, "participant", participantID, "error", err)
		}
	}
	b.publish(events.SubjectParticipantLeft, events.KindParticipantLeft, events.ParticipantLeft{
		RoomID:        roomID,
		ParticipantID: participantID,
	})
	return nil
}

// AuditTrail returns the entries naming participantID in roomID, oldest first.
func (b *Broker) AuditTrail(ctx context.Context, participantID, roomID string) ([]model.AuditEntry, error) {
	if strings.TrimSpace(participantID) == "" || strings.TrimSpace(roomID) == "" {
		return nil, fmt.Errorf("%w: participant and room required", model.ErrInvalidRequest)
	}
	return b.audit.Query(ctx, participantID, roomID)
}

// IndexFragment stores a fragment of the owner's private context.
func (b *Broker) IndexFragment(ctx context.Context, in retrieval.FragmentInput) (string, error) {
	if b.ingestor == nil {
		return "", fmt.Errorf("%w: fragment ingestion disabled", model.ErrInvalidRequest)
	}
	if _, err := b.policies.Participant(ctx, strings.TrimSpace(in.RoomID), strings.TrimSpace(in.OwnerID)); err != nil {
		return "", err
	}
	return b.ingestor.Ingest(ctx, in)
}
