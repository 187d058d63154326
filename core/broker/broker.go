// Package broker is the single entry point for cross-context requests. It
// sequences policy evaluation, live approval, retrieval and auditing.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cordum/crossctx/core/approval"
	"github.com/cordum/crossctx/core/audit"
	"github.com/cordum/crossctx/core/infra/bus"
	"github.com/cordum/crossctx/core/infra/logging"
	"github.com/cordum/crossctx/core/infra/metrics"
	"github.com/cordum/crossctx/core/model"
	"github.com/cordum/crossctx/core/policy"
	"github.com/cordum/crossctx/core/protocol/events"
	"github.com/cordum/crossctx/core/retrieval"
	"golang.org/x/sync/singleflight"
)

// Reasons recorded on audit entries that do not come from a verdict or a
// resolved request.
const (
	ReasonPolicyUnavailable = "policy_unavailable"
	ReasonDispatchFailed    = model.ReasonDispatchFailed
)

// Deps wires the broker's collaborators.
type Deps struct {
	Policies    policy.StoreDirectory
	Coordinator *approval.Coordinator
	Retrieval   *retrieval.Engine
	Ingestor    *retrieval.Ingestor
	Audit       audit.Log
	Bus         bus.Bus
	Metrics     metrics.Metrics
}

// Request is one call to RequestContext.
type Request struct {
	RequesterID string
	TargetID    string
	RoomID      string
	Query       string
}

// Broker orchestrates context requests. Safe for concurrent use.
type Broker struct {
	policies  policy.StoreDirectory
	engine    *policy.Engine
	coord     *approval.Coordinator
	retrieval *retrieval.Engine
	ingestor  *retrieval.Ingestor
	audit     audit.Log
	bus       bus.Bus
	metrics   metrics.Metrics
	flight    singleflight.Group
}

func New(d Deps) (*Broker, error) {
	switch {
	case d.Policies == nil:
		return nil, errors.New("broker: policy store required")
	case d.Coordinator == nil:
		return nil, errors.New("broker: approval coordinator required")
	case d.Retrieval == nil:
		return nil, errors.New("broker: retrieval engine required")
	case d.Audit == nil:
		return nil, errors.New("broker: audit log required")
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Noop{}
	}
	return &Broker{
		policies:  d.Policies,
		engine:    policy.NewEngine(d.Policies),
		coord:     d.Coordinator,
		retrieval: d.Retrieval,
		ingestor:  d.Ingestor,
		audit:     d.Audit,
		bus:       d.Bus,
		metrics:   d.Metrics,
	}, nil
}

// RequestContext decides whether the requester may read the target's context
// and, if so, returns a redacted bundle or a NoRelevantContext result. Every
// call that passes validation writes exactly one audit entry before
// returning, and no bundle is returned unless that write succeeded.
func (b *Broker) RequestContext(ctx context.Context, in Request) (model.Result, error) {
	in, err := b.validate(ctx, in)
	if err != nil {
		return model.Result{}, err
	}
	verdict, err := b.engine.Evaluate(ctx, policy.Input{
		RequesterID: in.RequesterID,
		TargetID:    in.TargetID,
		RoomID:      in.RoomID,
		Query:       in.Query,
	})
	if err != nil {
		logging.Error("broker", "policy evaluation failed", "room", in.RoomID, "target", in.TargetID, "error", err)
		entry := b.entry(in, model.DecisionDenied, ReasonPolicyUnavailable)
		entry.VerdictID = newVerdictID()
		if aerr := b.record(entry); aerr != nil {
			return model.Result{}, aerr
		}
		return model.Result{}, fmt.Errorf("evaluate policy: %w", err)
	}

	switch verdict.Kind {
	case policy.AutoDenied:
		entry := b.entry(in, model.DecisionAutoDenied, verdict.Reason)
		entry.VerdictID = verdict.ID
		if err := b.record(entry); err != nil {
			return model.Result{}, err
		}
		return model.Result{}, fmt.Errorf("%w: %s", model.ErrPermissionDenied, verdict.Reason)
	case policy.AutoApproved:
		entry := b.entry(in, model.DecisionAutoAllowed, verdict.Reason)
		entry.VerdictID = verdict.ID
		return b.retrieveAndRecord(ctx, in, verdict.ID, entry)
	default:
		return b.live(ctx, in, verdict)
	}
}

type flightResult struct {
	result model.Result
}

// live runs one approval round per (room, requester, target). Concurrent
// callers for the same pair share the first caller's outcome; a caller whose
// ctx ends stops waiting without cancelling the shared round.
func (b *Broker) live(ctx context.Context, in Request, verdict policy.Verdict) (model.Result, error) {
	key := model.PairKey{RoomID: in.RoomID, RequesterID: in.RequesterID, TargetID: in.TargetID}.String()
	shared := context.WithoutCancel(ctx)
	ch := b.flight.DoChan(key, func() (any, error) {
		res, err := b.runApproval(shared, in, verdict)
		return flightResult{result: res}, err
	})
	select {
	case <-ctx.Done():
		return model.Result{}, ctx.Err()
	case out := <-ch:
		if out.Shared {
			logging.Info("broker", "request coalesced", "pair", key)
		}
		res, _ := out.Val.(flightResult)
		return res.result, out.Err
	}
}

func (b *Broker) runApproval(ctx context.Context, in Request, verdict policy.Verdict) (model.Result, error) {
	h, err := b.coord.Submit(ctx, model.ContextRequest{
		RoomID:      in.RoomID,
		RequesterID: in.RequesterID,
		TargetID:    in.TargetID,
		Query:       in.Query,
	})
	if err != nil {
		entry := b.entry(in, model.DecisionDenied, ReasonDispatchFailed)
		entry.VerdictID = verdict.ID
		if aerr := b.record(entry); aerr != nil {
			return model.Result{}, aerr
		}
		return model.Result{}, err
	}
	// Wait is bounded by the coordinator's own deadline.
	final, err := h.Wait(ctx)
	if err != nil {
		return model.Result{}, err
	}

	switch final.Status {
	case model.StatusGranted:
		entry := b.entry(in, model.DecisionGranted, final.ResolutionReason)
		entry.RequestID = final.ID
		return b.retrieveAndRecord(ctx, in, final.ID, entry)
	case model.StatusExpired:
		entry := b.entry(in, model.DecisionExpired, final.ResolutionReason)
		entry.RequestID = final.ID
		if err := b.record(entry); err != nil {
			return model.Result{}, err
		}
		return model.Result{RequestID: final.ID}, fmt.Errorf("%w: request %s", model.ErrRequestExpired, final.ID)
	default:
		entry := b.entry(in, model.DecisionDenied, final.ResolutionReason)
		entry.RequestID = final.ID
		if err := b.record(entry); err != nil {
			return model.Result{}, err
		}
		return model.Result{RequestID: final.ID}, fmt.Errorf("%w: %s", model.ErrPermissionDenied, final.ResolutionReason)
	}
}

// retrieveAndRecord runs retrieval for an approved request and records the
// outcome. The permission decision in entry is never re-evaluated.
func (b *Broker) retrieveAndRecord(ctx context.Context, in Request, requestID string, entry model.AuditEntry) (model.Result, error) {
	res, rerr := b.retrieval.Retrieve(ctx, retrieval.Query{
		RequestID: requestID,
		RoomID:    in.RoomID,
		TargetID:  in.TargetID,
		Text:      in.Query,
	})
	switch {
	case rerr != nil:
		entry.Outcome = model.OutcomeRetrievalFailed
	case res.NoRelevantContext:
		entry.Outcome = model.OutcomeNoRelevantContext
	default:
		entry.Outcome = model.OutcomeBundle
		entry.FragmentIDs = res.Bundle.FragmentIDs()
	}
	if err := b.record(entry); err != nil {
		return model.Result{}, err
	}
	if rerr != nil {
		logging.Error("broker", "retrieval failed after approval", "request_id", requestID, "error", rerr)
		if !errors.Is(rerr, model.ErrRetrievalFailed) {
			rerr = fmt.Errorf("%w: %v", model.ErrRetrievalFailed, rerr)
		}
		return model.Result{RequestID: requestID}, rerr
	}
	return res, nil
}

func (b *Broker) validate(ctx context.Context, in Request) (Request, error) {
	in.RequesterID = strings.TrimSpace(in.RequesterID)
	in.TargetID = strings.TrimSpace(in.TargetID)
	in.RoomID = strings.TrimSpace(in.RoomID)
	if in.RequesterID == "" || in.TargetID == "" || in.RoomID == "" {
		return in, fmt.Errorf("%w: requester, target and room required", model.ErrInvalidRequest)
	}
	if strings.TrimSpace(in.Query) == "" {
		return in, fmt.Errorf("%w: query text required", model.ErrInvalidRequest)
	}
	if in.RequesterID == in.TargetID {
		return in, fmt.Errorf("%w: self request", model.ErrInvalidRequest)
	}
	for _, id := range []string{in.RequesterID, in.TargetID} {
		p, err := b.policies.Participant(ctx, in.RoomID, id)
		if errors.Is(err, model.ErrNotFound) {
			return in, fmt.Errorf("%w: %s is not a participant of %s", model.ErrInvalidRequest, id, in.RoomID)
		}
		if err != nil {
			return in, err
		}
		if !p.Role.CanShareContext() {
			return in, fmt.Errorf("%w: %s has role %s", model.ErrInvalidRequest, id, p.Role)
		}
	}
	return in, nil
}

func (b *Broker) entry(in Request, decision model.Decision, reason string) model.AuditEntry {
	return model.AuditEntry{
		RoomID:      in.RoomID,
		RequesterID: in.RequesterID,
		TargetID:    in.TargetID,
		Decision:    decision,
		Reason:      reason,
		Outcome:     model.OutcomeNone,
	}
}

// record writes the audit entry even if the caller's context has ended.
func (b *Broker) record(entry model.AuditEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	stored, err := b.audit.Record(ctx, entry)
	if err != nil {
		b.metrics.IncAuditWriteFailures()
		logging.Error("broker", "audit write failed", "room", entry.RoomID, "requester", entry.RequesterID,
			"target", entry.TargetID, "decision", entry.Decision, "error", err)
		if !errors.Is(err, model.ErrAuditWriteFailed) {
			err = fmt.Errorf("%w: %v", model.ErrAuditWriteFailed, err)
		}
		return err
	}
	b.metrics.IncContextRequests(string(stored.Decision), string(stored.Outcome))
	logging.Info("broker", "access recorded", "entry_id", stored.ID, "room", stored.RoomID,
		"requester", stored.RequesterID, "target", stored.TargetID, "decision", stored.Decision, "outcome", stored.Outcome)
	return nil
}

func (b *Broker) publish(subject, kind string, payload any) {
	if b.bus == nil {
		return
	}
	env, err := events.NewEnvelope(kind, payload)
	if err == nil {
		err = b.bus.Publish(subject, env)
	}
	if err != nil {
		logging.Warn("broker", "event publish failed", "subject", subject, "kind", kind, "error", err)
	}
}
