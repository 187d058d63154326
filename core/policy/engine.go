package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/cordum/crossctx/core/model"
	"github.com/google/uuid"
)

// VerdictKind is the engine's immediate answer for a request.
type VerdictKind string

const (
	AutoApproved      VerdictKind = "AUTO_APPROVED"
	AutoDenied        VerdictKind = "AUTO_DENIED"
	NeedsLiveApproval VerdictKind = "NEEDS_LIVE_APPROVAL"
)

// Verdict reasons.
const (
	ReasonPolicyNever    = "policy_never"
	ReasonAlwaysAllow    = "policy_always_allow"
	ReasonAllowlisted    = "requester_allowlisted"
	ReasonNotOnAllowlist = "requester_not_on_allowlist"
	ReasonAskEachTime    = "policy_ask_each_time"
)

// Input is one request to evaluate.
type Input struct {
	RequesterID string
	TargetID    string
	RoomID      string
	Query       string
}

// Verdict is the engine's decision. ID identifies the verdict in audit
// entries that resolve without a live request.
type Verdict struct {
	ID     string
	Kind   VerdictKind
	Mode   model.PolicyMode
	Reason string
}

// Engine evaluates requests against the target's current policy.
type Engine struct {
	store Store
}

func NewEngine(store Store) *Engine {
	return &Engine{store: store}
}

// Evaluate reads the target's policy fresh on every call.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Verdict, error) {
	if strings.TrimSpace(in.RequesterID) == "" || strings.TrimSpace(in.TargetID) == "" {
		return Verdict{}, fmt.Errorf("%w: requester and target required", model.ErrInvalidRequest)
	}
	if in.RequesterID == in.TargetID {
		return Verdict{}, fmt.Errorf("%w: self request", model.ErrInvalidRequest)
	}
	pol, err := e.store.Get(ctx, in.TargetID, in.RoomID)
	if err != nil {
		return Verdict{}, err
	}
	v := Verdict{ID: uuid.NewString(), Mode: pol.Mode()}
	switch p := pol.(type) {
	case model.Never:
		v.Kind, v.Reason = AutoDenied, ReasonPolicyNever
	case model.AlwaysAllow:
		switch {
		case len(p.Allowlist) == 0:
			v.Kind, v.Reason = AutoApproved, ReasonAlwaysAllow
		case p.Allows(in.RequesterID):
			v.Kind, v.Reason = AutoApproved, ReasonAllowlisted
		default:
			v.Kind, v.Reason = NeedsLiveApproval, ReasonNotOnAllowlist
		}
	case model.AskEachTime:
		v.Kind, v.Reason = NeedsLiveApproval, ReasonAskEachTime
	default:
		return Verdict{}, fmt.Errorf("unsupported policy %T", pol)
	}
	return v, nil
}
