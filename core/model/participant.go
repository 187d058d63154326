package model

import (
	"strings"
	"time"
)

// Role is a participant's role within a room.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

// ParseRole normalises a role string. Unknown values report false.
func ParseRole(raw string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleAdmin:
		return RoleAdmin, true
	case RoleMember:
		return RoleMember, true
	case RoleViewer:
		return RoleViewer, true
	default:
		return "", false
	}
}

// CanShareContext reports whether the role may act as a context requester or target.
func (r Role) CanShareContext() bool {
	return r == RoleAdmin || r == RoleMember
}

// Participant is an identity scoped to a single room.
type Participant struct {
	ID       string    `json:"id"`
	RoomID   string    `json:"room_id"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}
