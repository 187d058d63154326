package model

import (
	"fmt"
	"sort"
	"strings"
)

// PolicyMode names the active sharing mode of a participant.
type PolicyMode string

const (
	ModeAlwaysAllow PolicyMode = "always_allow"
	ModeAskEachTime PolicyMode = "ask_each_time"
	ModeNever       PolicyMode = "never"
)

// SharingPolicy is a closed set of variants: Never, AskEachTime and AlwaysAllow.
// Switch on the concrete type to branch per mode.
type SharingPolicy interface {
	Mode() PolicyMode
	sharingPolicy()
}

// Never denies every request without asking.
type Never struct{}

// AskEachTime routes every request to live approval.
type AskEachTime struct{}

// AlwaysAllow auto-approves requests. A non-empty Allowlist restricts
// auto-approval to the listed requesters; others fall through to live approval.
type AlwaysAllow struct {
	Allowlist []string
}

func (Never) Mode() PolicyMode       { return ModeNever }
func (AskEachTime) Mode() PolicyMode { return ModeAskEachTime }
func (AlwaysAllow) Mode() PolicyMode { return ModeAlwaysAllow }

func (Never) sharingPolicy()       {}
func (AskEachTime) sharingPolicy() {}
func (AlwaysAllow) sharingPolicy() {}

// Allows reports whether requesterID is auto-approved by the allowlist.
func (p AlwaysAllow) Allows(requesterID string) bool {
	if len(p.Allowlist) == 0 {
		return true
	}
	for _, id := range p.Allowlist {
		if id == requesterID {
			return true
		}
	}
	return false
}

// DefaultPolicy is assigned to newly registered participants.
func DefaultPolicy() SharingPolicy {
	return AskEachTime{}
}

// PolicyFromMode builds a policy value from its mode name and allowlist.
// The allowlist is ignored for modes other than always_allow.
func PolicyFromMode(mode string, allowlist []string) (SharingPolicy, error) {
	switch PolicyMode(strings.ToLower(strings.TrimSpace(mode))) {
	case ModeNever:
		return Never{}, nil
	case ModeAskEachTime:
		return AskEachTime{}, nil
	case ModeAlwaysAllow:
		return AlwaysAllow{Allowlist: NormalizeIDs(allowlist)}, nil
	default:
		return nil, fmt.Errorf("%w: unknown policy mode %q", ErrInvalidRequest, mode)
	}
}

// AllowlistOf returns the allowlist carried by p, if any.
func AllowlistOf(p SharingPolicy) []string {
	if aa, ok := p.(AlwaysAllow); ok {
		return aa.Allowlist
	}
	return nil
}

// NormalizeIDs trims, de-duplicates and sorts ids, dropping empty values.
func NormalizeIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
