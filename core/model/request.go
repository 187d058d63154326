package model

import "time"

// RequestStatus is the lifecycle state of a ContextRequest.
type RequestStatus string

const (
	StatusPending    RequestStatus = "PENDING"
	StatusGranted    RequestStatus = "GRANTED"
	StatusDenied     RequestStatus = "DENIED"
	StatusExpired    RequestStatus = "EXPIRED"
	StatusSuperseded RequestStatus = "SUPERSEDED"
)

// Terminal reports whether no further transitions are allowed.
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusGranted, StatusDenied, StatusExpired, StatusSuperseded:
		return true
	default:
		return false
	}
}

// Resolution reasons recorded on terminal requests.
const (
	ReasonGrantedOnce          = "granted_once"
	ReasonGrantedAlwaysAllow   = "granted_always_allow"
	ReasonDeniedByTarget       = "denied_by_target"
	ReasonCancelledByRequester = "CancelledByRequester"
	ReasonTimeout              = "timeout"
	ReasonPolicyChanged        = "target_policy_changed"
	ReasonTargetLeft           = "target_left_room"
	ReasonRequesterLeft        = "requester_left_room"
	ReasonDispatchFailed       = "dispatch_failed"
)

// ContextRequest is one attempt by a requester to read a target's private context.
type ContextRequest struct {
	ID               string        `json:"id"`
	RoomID           string        `json:"room_id"`
	RequesterID      string        `json:"requester_id"`
	TargetID         string        `json:"target_id"`
	Query            string        `json:"query"`
	Status           RequestStatus `json:"status"`
	CreatedAt        time.Time     `json:"created_at"`
	ExpiresAt        time.Time     `json:"expires_at"`
	ResolvedAt       time.Time     `json:"resolved_at,omitempty"`
	ResolutionReason string        `json:"resolution_reason,omitempty"`
}

// PairKey identifies the (requester, target, room) triple used for coalescing.
type PairKey struct {
	RoomID      string
	RequesterID string
	TargetID    string
}

func (k PairKey) String() string {
	return k.RoomID + "|" + k.RequesterID + "|" + k.TargetID
}

// Pair returns the coalescing key of the request.
func (r ContextRequest) Pair() PairKey {
	return PairKey{RoomID: r.RoomID, RequesterID: r.RequesterID, TargetID: r.TargetID}
}

// ApprovalAnswer is the target's reply to a live approval prompt.
type ApprovalAnswer string

const (
	AnswerGrant       ApprovalAnswer = "grant"
	AnswerAlwaysAllow ApprovalAnswer = "always_allow"
	AnswerDeny        ApprovalAnswer = "deny"
)

// Valid reports whether the answer is one of the known values.
func (a ApprovalAnswer) Valid() bool {
	switch a {
	case AnswerGrant, AnswerAlwaysAllow, AnswerDeny:
		return true
	default:
		return false
	}
}
