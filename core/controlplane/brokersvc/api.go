// Package brokersvc exposes the context broker over gRPC using JSON-encoded
// messages.
package brokersvc

import (
	"time"

	"github.com/cordum/crossctx/core/model"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "crossctx.v1.Broker"

type Empty struct{}

type RequestContextRequest struct {
	RequesterID string `json:"requester_id"`
	TargetID    string `json:"target_id"`
	RoomID      string `json:"room_id"`
	Query       string `json:"query"`
}

type RequestContextResponse struct {
	Result model.Result `json:"result"`
}

type CancelRequestRequest struct {
	RequestID   string `json:"request_id"`
	RequesterID string `json:"requester_id"`
}

type RespondApprovalRequest struct {
	RequestID   string               `json:"request_id"`
	ResponderID string               `json:"responder_id"`
	Answer      model.ApprovalAnswer `json:"answer"`
}

type ContextRequestResponse struct {
	Request model.ContextRequest `json:"request"`
}

type PendingApprovalsRequest struct {
	RoomID   string `json:"room_id"`
	TargetID string `json:"target_id"`
}

type PendingApprovalsResponse struct {
	Requests []model.ContextRequest `json:"requests"`
}

type OutgoingRequestsRequest struct {
	RoomID      string `json:"room_id"`
	RequesterID string `json:"requester_id"`
}

type OutgoingRequestsResponse struct {
	Requests []model.ContextRequest `json:"requests"`
}

type PolicyRequest struct {
	ParticipantID string `json:"participant_id"`
	RoomID        string `json:"room_id"`
}

// PolicyMessage is the wire form of a SharingPolicy.
type PolicyMessage struct {
	ParticipantID string           `json:"participant_id"`
	RoomID        string           `json:"room_id"`
	Mode          model.PolicyMode `json:"mode"`
	Allowlist     []string         `json:"allowlist,omitempty"`
}

type AllowlistRequest struct {
	ParticipantID string `json:"participant_id"`
	RoomID        string `json:"room_id"`
	RequesterID   string `json:"requester_id"`
}

type ParticipantMessage struct {
	Participant model.Participant `json:"participant"`
}

type SetRoleRequest struct {
	ActorID       string     `json:"actor_id"`
	RoomID        string     `json:"room_id"`
	ParticipantID string     `json:"participant_id"`
	Role          model.Role `json:"role"`
}

type RemoveParticipantRequest struct {
	RoomID        string `json:"room_id"`
	ParticipantID string `json:"participant_id"`
}

type MembersRequest struct {
	RoomID string `json:"room_id"`
}

type MembersResponse struct {
	Participants []model.Participant `json:"participants"`
}

type AuditTrailRequest struct {
	ParticipantID string `json:"participant_id"`
	RoomID        string `json:"room_id"`
}

type AuditTrailResponse struct {
	Entries []model.AuditEntry `json:"entries"`
}

type IndexFragmentRequest struct {
	ID        string    `json:"id,omitempty"`
	RoomID    string    `json:"room_id"`
	OwnerID   string    `json:"owner_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

type IndexFragmentResponse struct {
	ID string `json:"id"`
}
