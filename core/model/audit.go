package model

import "time"

// Decision is the access decision captured in an audit entry.
type Decision string

const (
	DecisionGranted     Decision = "granted"
	DecisionDenied      Decision = "denied"
	DecisionExpired     Decision = "expired"
	DecisionAutoAllowed Decision = "auto-allowed"
	DecisionAutoDenied  Decision = "auto-denied"
)

// Grants reports whether the decision allowed retrieval.
func (d Decision) Grants() bool {
	return d == DecisionGranted || d == DecisionAutoAllowed
}

// Outcome captures what happened after the decision.
type Outcome string

const (
	OutcomeNone              Outcome = "none"
	OutcomeBundle            Outcome = "bundle"
	OutcomeNoRelevantContext Outcome = "no_relevant_context"
	OutcomeRetrievalFailed   Outcome = "retrieval_failed"
)

// AuditEntry is an immutable record of one access decision.
// Exactly one of RequestID and VerdictID is set.
type AuditEntry struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"room_id"`
	RequesterID string    `json:"requester_id"`
	TargetID    string    `json:"target_id"`
	Decision    Decision  `json:"decision"`
	Reason      string    `json:"reason,omitempty"`
	RequestID   string    `json:"request_id,omitempty"`
	VerdictID   string    `json:"verdict_id,omitempty"`
	Outcome     Outcome   `json:"outcome"`
	FragmentIDs []string  `json:"fragment_ids,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Involves reports whether participantID is named in the entry.
func (e AuditEntry) Involves(participantID string) bool {
	return e.RequesterID == participantID || e.TargetID == participantID
}
