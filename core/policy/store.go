// Package policy owns per-participant sharing policies and evaluates
// context requests against them.
package policy

import (
	"context"

	"github.com/cordum/crossctx/core/model"
)

// Store holds each participant's per-room sharing policy and allowlist.
// Every method fails with model.ErrNotFound for an unknown (participant, room) pair.
type Store interface {
	Get(ctx context.Context, participantID, roomID string) (model.SharingPolicy, error)
	// Set overwrites the policy. Never and AskEachTime leave a stored allowlist dormant;
	// AlwaysAllow replaces it.
	Set(ctx context.Context, participantID, roomID string, policy model.SharingPolicy) error
	AddAllowlistEntry(ctx context.Context, participantID, roomID, requesterID string) error
	RemoveAllowlistEntry(ctx context.Context, participantID, roomID, requesterID string) error
}

// Directory manages participant lifecycle within rooms.
type Directory interface {
	// Register adds a participant with the default policy. Re-registering keeps
	// the existing policy and updates the role.
	Register(ctx context.Context, p model.Participant) (model.Participant, error)
	Participant(ctx context.Context, roomID, participantID string) (model.Participant, error)
	SetRole(ctx context.Context, roomID, participantID string, role model.Role) error
	// Remove deletes the participant's record and policy and strips the id from
	// every other allowlist in the room.
	Remove(ctx context.Context, roomID, participantID string) error
	Members(ctx context.Context, roomID string) ([]model.Participant, error)
}

// StoreDirectory is implemented by backends that serve both roles.
type StoreDirectory interface {
	Store
	Directory
}

var (
	_ StoreDirectory = (*MemoryStore)(nil)
	_ StoreDirectory = (*RedisStore)(nil)
)
