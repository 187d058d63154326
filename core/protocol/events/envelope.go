package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cordum/crossctx/core/model"
	"github.com/google/uuid"
)

// Event kinds carried in Envelope.Kind.
const (
	KindApprovalPrompt    = "approval.prompt"
	KindApprovalWithdrawn = "approval.withdrawn"
	KindApprovalResponse  = "approval.response"
	KindPolicyChanged     = "policy.changed"
	KindParticipantLeft   = "participant.left"
	KindAuditRecorded     = "audit.recorded"
)

// Envelope is the JSON wire frame for every bus message.
type Envelope struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into a fresh envelope.
func NewEnvelope(kind string, payload any) (*Envelope, error) {
	if kind == "" {
		return nil, errors.New("empty event kind")
	}
	env := &Envelope{ID: uuid.NewString(), Kind: kind, Timestamp: time.Now().UTC()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		env.Payload = data
	}
	return env, nil
}

// Decode unmarshals the payload into dst.
func (e *Envelope) Decode(dst any) error {
	if e == nil || len(e.Payload) == 0 {
		return errors.New("empty envelope payload")
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// Marshal encodes the envelope for the wire.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes a wire frame.
func Unmarshal(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Kind == "" {
		return nil, errors.New("envelope missing kind")
	}
	return &env, nil
}

// ApprovalPrompt is delivered to the target participant's approval topic.
type ApprovalPrompt struct {
	RequestID   string    `json:"request_id"`
	RoomID      string    `json:"room_id"`
	RequesterID string    `json:"requester_id"`
	TargetID    string    `json:"target_id"`
	Query       string    `json:"query"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ApprovalWithdrawn tells the target that a prompt no longer needs an answer.
type ApprovalWithdrawn struct {
	RequestID string              `json:"request_id"`
	RoomID    string              `json:"room_id"`
	TargetID  string              `json:"target_id"`
	Status    model.RequestStatus `json:"status"`
	Reason    string              `json:"reason"`
}

// ApprovalResponse is a target's answer to a prompt.
type ApprovalResponse struct {
	RequestID   string               `json:"request_id"`
	ResponderID string               `json:"responder_id"`
	Answer      model.ApprovalAnswer `json:"answer"`
	RespondedAt time.Time            `json:"responded_at"`
}

// PolicyChanged announces a participant's new sharing mode.
type PolicyChanged struct {
	RoomID        string           `json:"room_id"`
	ParticipantID string           `json:"participant_id"`
	Mode          model.PolicyMode `json:"mode"`
}

// ParticipantLeft announces that a participant was removed from a room.
type ParticipantLeft struct {
	RoomID        string `json:"room_id"`
	ParticipantID string `json:"participant_id"`
}
