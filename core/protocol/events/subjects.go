package events

import "strings"

const (
	// SubjectApprovalResponses carries target answers back to the broker.
	SubjectApprovalResponses = "ctx.approval.responses"
	SubjectPolicyChanged     = "ctx.policy.changed"
	SubjectParticipantLeft   = "ctx.participant.left"
	SubjectAuditAll          = "ctx.audit.>"

	subjectAuditPrefix = "ctx.audit."
)

// ApprovalSubject is the prompt topic owned by a single target participant.
func ApprovalSubject(participantID string) string {
	tok := Token(participantID)
	if tok == "" {
		return ""
	}
	return "ctx.participant." + tok + ".approvals"
}

// AuditSubject is the per-room audit stream subject.
func AuditSubject(roomID string) string {
	tok := Token(roomID)
	if tok == "" {
		return ""
	}
	return subjectAuditPrefix + tok
}

// IsAuditSubject reports whether subject belongs to the audit stream.
func IsAuditSubject(subject string) bool {
	return strings.HasPrefix(subject, subjectAuditPrefix)
}

// Token makes an identifier safe to embed as a single subject token.
func Token(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, id)
}
