// Package approval runs the live approval protocol: a prompt is published to
// the target, and the first valid answer, cancellation, supersession or the
// deadline resolves the request.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cordum/crossctx/core/infra/bus"
	"github.com/cordum/crossctx/core/infra/logging"
	"github.com/cordum/crossctx/core/infra/metrics"
	"github.com/cordum/crossctx/core/model"
	"github.com/cordum/crossctx/core/protocol/events"
	"github.com/google/uuid"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultRetention = 10 * time.Minute

	effectTimeout      = 5 * time.Second
	responseRetryDelay = time.Second
	// newest room requests scanned for a requester's open ones
	requesterScanLimit = 500
)

// Anomaly kinds reported for ignored responses.
const (
	AnomalyDuplicate = "duplicate"
	AnomalyLate      = "late"
	AnomalyUnknown   = "unknown_request"
	AnomalyForeign   = "foreign_responder"
)

// AllowlistWriter receives the allowlist side effect of an always_allow answer.
type AllowlistWriter interface {
	AddAllowlistEntry(ctx context.Context, participantID, roomID, requesterID string) error
}

// Config tunes the coordinator.
type Config struct {
	// Timeout is the hard deadline for a target's answer.
	Timeout time.Duration
	// Retention is how long resolved ids are remembered to classify late
	// and duplicate responses.
	Retention time.Duration
}

type pending struct {
	req     model.ContextRequest
	final   model.ContextRequest
	answer  model.ApprovalAnswer
	timer   *time.Timer
	created chan struct{}
	stored  bool
	done    chan struct{}
}

// Handle lets a caller wait for a submitted request to resolve.
type Handle struct {
	p         *pending
	req       model.ContextRequest
	coalesced bool
}

// Request is the request as it was when the handle was issued.
func (h *Handle) Request() model.ContextRequest { return h.req }

// Coalesced reports whether the submission joined an already pending request.
func (h *Handle) Coalesced() bool { return h.coalesced }

// Done is closed once the request is terminal.
func (h *Handle) Done() <-chan struct{} { return h.p.done }

// Wait blocks until the request is terminal or ctx ends. Abandoning the wait
// does not cancel the request.
func (h *Handle) Wait(ctx context.Context) (model.ContextRequest, error) {
	select {
	case <-h.p.done:
		return h.p.final, nil
	case <-ctx.Done():
		return h.req, ctx.Err()
	}
}

// Coordinator owns the pending-request state machine and its timers.
type Coordinator struct {
	bus       bus.Bus
	store     RequestStore
	allowlist AllowlistWriter
	metrics   metrics.Metrics
	timeout   time.Duration
	retention time.Duration

	mu       sync.Mutex
	pending  map[string]*pending
	byPair   map[model.PairKey]*pending
	resolved map[string]model.ContextRequest
	subs     []bus.Subscription
}

func NewCoordinator(b bus.Bus, store RequestStore, allowlist AllowlistWriter, m metrics.Metrics, cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &Coordinator{
		bus:       b,
		store:     store,
		allowlist: allowlist,
		metrics:   m,
		timeout:   cfg.Timeout,
		retention: cfg.Retention,
		pending:   map[string]*pending{},
		byPair:    map[model.PairKey]*pending{},
		resolved:  map[string]model.ContextRequest{},
	}
}

// Timeout is the configured approval deadline.
func (c *Coordinator) Timeout() time.Duration { return c.timeout }

// Start subscribes to approval responses and room events. Every replica
// subscribes without a queue group; ids it does not own are ignored.
func (c *Coordinator) Start() error {
	handlers := map[string]bus.Handler{
		events.SubjectApprovalResponses: c.handleResponse,
		events.SubjectPolicyChanged:     c.handlePolicyChanged,
		events.SubjectParticipantLeft:   c.handleParticipantLeft,
	}
	for subject, h := range handlers {
		sub, err := c.bus.Subscribe(subject, "", h)
		if err != nil {
			c.Close()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		c.mu.Lock()
		c.subs = append(c.subs, sub)
		c.mu.Unlock()
	}
	return nil
}

// Close drops bus subscriptions. Pending requests keep their timers.
func (c *Coordinator) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, s := range subs {
		_ = s.Unsubscribe()
	}
}

// Submit creates a pending request and prompts the target, or joins the
// pending request already open for the same (room, requester, target).
func (c *Coordinator) Submit(ctx context.Context, in model.ContextRequest) (*Handle, error) {
	if strings.TrimSpace(in.RoomID) == "" || strings.TrimSpace(in.RequesterID) == "" || strings.TrimSpace(in.TargetID) == "" {
		return nil, fmt.Errorf("%w: room, requester and target required", model.ErrInvalidRequest)
	}
	key := in.Pair()

	c.mu.Lock()
	if p, ok := c.byPair[key]; ok {
		snapshot := p.req
		c.mu.Unlock()
		logging.Info("approval", "coalesced into pending request", "request_id", snapshot.ID, "pair", key.String())
		return &Handle{p: p, req: snapshot, coalesced: true}, nil
	}
	now := time.Now().UTC()
	req := model.ContextRequest{
		ID:          uuid.NewString(),
		RoomID:      in.RoomID,
		RequesterID: in.RequesterID,
		TargetID:    in.TargetID,
		Query:       in.Query,
		Status:      model.StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(c.timeout),
	}
	p := &pending{req: req, created: make(chan struct{}), done: make(chan struct{})}
	c.pending[req.ID] = p
	c.byPair[key] = p
	id := req.ID
	p.timer = time.AfterFunc(c.timeout, func() { c.expire(id) })
	c.metrics.SetPendingApprovals(len(c.pending))
	c.mu.Unlock()

	err := c.store.Create(ctx, req)
	p.stored = err == nil
	close(p.created)
	if err != nil {
		c.resolveIfPending(id, model.StatusDenied, model.ReasonDispatchFailed)
		return nil, fmt.Errorf("persist context request: %w", err)
	}

	if err := c.publishPrompt(req); err != nil {
		logging.Error("approval", "prompt publish failed", "request_id", id, "target", req.TargetID, "error", err)
		c.resolveIfPending(id, model.StatusDenied, model.ReasonDispatchFailed)
	} else {
		logging.Info("approval", "prompt sent", "request_id", id, "room", req.RoomID, "requester", req.RequesterID, "target", req.TargetID)
	}
	return &Handle{p: p, req: req}, nil
}

// Respond applies a target's answer. Only the first answer from the target
// counts; duplicates and late answers are anomalies and return the terminal
// request without error. Anyone other than the target is refused whether or
// not the request is still pending.
func (c *Coordinator) Respond(ctx context.Context, requestID, responderID string, answer model.ApprovalAnswer) (model.ContextRequest, error) {
	if !answer.Valid() {
		return model.ContextRequest{}, fmt.Errorf("%w: unknown answer %q", model.ErrInvalidRequest, answer)
	}
	c.mu.Lock()
	p, ok := c.pending[requestID]
	if !ok {
		prev, seen := c.resolved[requestID]
		c.mu.Unlock()
		if !seen {
			req, err := c.store.Get(ctx, requestID)
			if err != nil {
				c.anomaly(AnomalyUnknown, requestID, responderID, answer)
				return model.ContextRequest{}, err
			}
			if req.TargetID != responderID {
				return model.ContextRequest{}, c.foreignResponder(requestID, responderID, answer)
			}
			c.anomaly(AnomalyUnknown, requestID, responderID, answer)
			return req, nil
		}
		if prev.TargetID != responderID {
			return model.ContextRequest{}, c.foreignResponder(requestID, responderID, answer)
		}
		kind := AnomalyDuplicate
		if prev.Status == model.StatusExpired {
			kind = AnomalyLate
		}
		c.anomaly(kind, requestID, responderID, answer)
		return prev, nil
	}
	if p.req.TargetID != responderID {
		c.mu.Unlock()
		return model.ContextRequest{}, c.foreignResponder(requestID, responderID, answer)
	}
	if time.Now().After(p.req.ExpiresAt) {
		c.resolveLocked(p, model.StatusExpired, model.ReasonTimeout)
		c.mu.Unlock()
		c.complete(p)
		c.anomaly(AnomalyLate, requestID, responderID, answer)
		return p.final, nil
	}
	status, reason := model.StatusDenied, model.ReasonDeniedByTarget
	switch answer {
	case model.AnswerGrant:
		status, reason = model.StatusGranted, model.ReasonGrantedOnce
	case model.AnswerAlwaysAllow:
		status, reason = model.StatusGranted, model.ReasonGrantedAlwaysAllow
	}
	p.answer = answer
	c.resolveLocked(p, status, reason)
	c.mu.Unlock()
	c.complete(p)
	return p.final, nil
}

func (c *Coordinator) foreignResponder(requestID, responderID string, answer model.ApprovalAnswer) error {
	c.anomaly(AnomalyForeign, requestID, responderID, answer)
	return fmt.Errorf("%w: only the target may answer", model.ErrPermissionDenied)
}

// Cancel withdraws a pending request on behalf of its requester. Cancelling a
// request that already resolved is a no-op returning its terminal state.
func (c *Coordinator) Cancel(ctx context.Context, requestID, requesterID string) (model.ContextRequest, error) {
	c.mu.Lock()
	p, ok := c.pending[requestID]
	if !ok {
		prev, seen := c.resolved[requestID]
		c.mu.Unlock()
		if seen {
			if prev.RequesterID != requesterID {
				return model.ContextRequest{}, fmt.Errorf("%w: not the requester", model.ErrPermissionDenied)
			}
			return prev, nil
		}
		req, err := c.store.Get(ctx, requestID)
		if err != nil {
			return model.ContextRequest{}, err
		}
		if req.RequesterID != requesterID {
			return model.ContextRequest{}, fmt.Errorf("%w: not the requester", model.ErrPermissionDenied)
		}
		return req, nil
	}
	if p.req.RequesterID != requesterID {
		c.mu.Unlock()
		return model.ContextRequest{}, fmt.Errorf("%w: not the requester", model.ErrPermissionDenied)
	}
	c.resolveLocked(p, model.StatusDenied, model.ReasonCancelledByRequester)
	c.mu.Unlock()
	c.complete(p)
	return p.final, nil
}

// PolicyChanged supersedes every pending request to targetID in roomID when
// the target switched to Never. It returns the number of requests superseded.
func (c *Coordinator) PolicyChanged(roomID, targetID string, mode model.PolicyMode) int {
	if mode != model.ModeNever {
		return 0
	}
	return c.supersede(model.ReasonPolicyChanged, func(r model.ContextRequest) bool {
		return r.RoomID == roomID && r.TargetID == targetID
	})
}

// ParticipantLeft supersedes pending requests naming the participant as
// target or requester.
func (c *Coordinator) ParticipantLeft(roomID, participantID string) int {
	n := c.supersede(model.ReasonTargetLeft, func(r model.ContextRequest) bool {
		return r.RoomID == roomID && r.TargetID == participantID
	})
	n += c.supersede(model.ReasonRequesterLeft, func(r model.ContextRequest) bool {
		return r.RoomID == roomID && r.RequesterID == participantID
	})
	return n
}

// PendingForTarget lists open prompts addressed to a participant, oldest first.
func (c *Coordinator) PendingForTarget(roomID, targetID string) []model.ContextRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.ContextRequest, 0)
	for _, p := range c.pending {
		if p.req.TargetID == targetID && (roomID == "" || p.req.RoomID == roomID) {
			out = append(out, p.req)
		}
	}
	sortByCreated(out)
	return out
}

// PendingForRequester lists a requester's open requests in a room, oldest
// first. It reads the shared request store, so requests waiting on another
// replica are included.
func (c *Coordinator) PendingForRequester(ctx context.Context, roomID, requesterID string) ([]model.ContextRequest, error) {
	if strings.TrimSpace(roomID) == "" || strings.TrimSpace(requesterID) == "" {
		return nil, fmt.Errorf("%w: room and requester required", model.ErrInvalidRequest)
	}
	recent, err := c.store.ListByRoom(ctx, roomID, requesterScanLimit)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]model.ContextRequest, 0)
	for _, req := range recent {
		if req.RequesterID == requesterID && req.Status == model.StatusPending && req.ExpiresAt.After(now) {
			out = append(out, req)
		}
	}
	sortByCreated(out)
	return out, nil
}

func sortByCreated(reqs []model.ContextRequest) {
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].CreatedAt.Before(reqs[j].CreatedAt) })
}

func (c *Coordinator) supersede(reason string, match func(model.ContextRequest) bool) int {
	c.mu.Lock()
	var hit []*pending
	for _, p := range c.pending {
		if match(p.req) {
			hit = append(hit, p)
		}
	}
	for _, p := range hit {
		c.resolveLocked(p, model.StatusSuperseded, reason)
	}
	c.mu.Unlock()
	for _, p := range hit {
		c.complete(p)
	}
	return len(hit)
}

func (c *Coordinator) expire(id string) {
	if c.resolveIfPending(id, model.StatusExpired, model.ReasonTimeout) {
		logging.Info("approval", "request expired", "request_id", id)
	}
}

func (c *Coordinator) resolveIfPending(id string, status model.RequestStatus, reason string) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	c.resolveLocked(p, status, reason)
	c.mu.Unlock()
	c.complete(p)
	return true
}

// resolveLocked claims the transition for p. Caller holds c.mu; whoever gets
// here first wins and later events find the request gone from c.pending.
func (c *Coordinator) resolveLocked(p *pending, status model.RequestStatus, reason string) {
	p.timer.Stop()
	final := p.req
	final.Status = status
	final.ResolutionReason = reason
	final.ResolvedAt = time.Now().UTC()
	p.final = final

	id := final.ID
	delete(c.pending, id)
	if cur := c.byPair[final.Pair()]; cur == p {
		delete(c.byPair, final.Pair())
	}
	c.resolved[id] = final
	time.AfterFunc(c.retention, func() {
		c.mu.Lock()
		delete(c.resolved, id)
		c.mu.Unlock()
	})
	c.metrics.SetPendingApprovals(len(c.pending))
	c.metrics.IncApprovalResolved(string(status), reason)
}

// complete runs the side effects of a transition and then releases waiters.
func (c *Coordinator) complete(p *pending) {
	final := p.final
	ctx, cancel := context.WithTimeout(context.Background(), effectTimeout)
	defer cancel()

	<-p.created
	if p.stored {
		if _, err := c.store.Resolve(ctx, final.ID, final.Status, final.ResolutionReason, final.ResolvedAt); err != nil {
			if errors.Is(err, ErrAlreadyResolved) {
				logging.Warn("approval", "request already resolved in store", "request_id", final.ID)
			} else {
				logging.Error("approval", "persist resolution failed", "request_id", final.ID, "error", err)
			}
		}
	}

	if p.answer == model.AnswerAlwaysAllow && final.Status == model.StatusGranted && c.allowlist != nil {
		if err := c.allowlist.AddAllowlistEntry(ctx, final.TargetID, final.RoomID, final.RequesterID); err != nil {
			logging.Error("approval", "allowlist update failed", "request_id", final.ID, "target", final.TargetID, "requester", final.RequesterID, "error", err)
		}
	}

	if withdrawsPrompt(final) {
		if err := c.publishWithdrawn(final); err != nil {
			logging.Warn("approval", "withdraw publish failed", "request_id", final.ID, "error", err)
		}
	}

	logging.Info("approval", "request resolved", "request_id", final.ID, "status", final.Status, "reason", final.ResolutionReason)
	close(p.done)
}

func withdrawsPrompt(r model.ContextRequest) bool {
	switch r.Status {
	case model.StatusExpired, model.StatusSuperseded:
		return true
	case model.StatusDenied:
		return r.ResolutionReason == model.ReasonCancelledByRequester
	default:
		return false
	}
}

func (c *Coordinator) anomaly(kind, requestID, responderID string, answer model.ApprovalAnswer) {
	c.metrics.IncApprovalAnomaly(kind)
	if kind == AnomalyUnknown {
		// Responses fan out to every replica; most unknown ids belong to a peer.
		logging.Info("approval", "response for unknown request ignored", "request_id", requestID, "responder", responderID)
		return
	}
	logging.Warn("approval", "approval response ignored", "kind", kind, "request_id", requestID, "responder", responderID, "answer", answer)
}

func (c *Coordinator) publishPrompt(req model.ContextRequest) error {
	env, err := events.NewEnvelope(events.KindApprovalPrompt, events.ApprovalPrompt{
		RequestID:   req.ID,
		RoomID:      req.RoomID,
		RequesterID: req.RequesterID,
		TargetID:    req.TargetID,
		Query:       req.Query,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		return err
	}
	return c.bus.Publish(events.ApprovalSubject(req.TargetID), env)
}

func (c *Coordinator) publishWithdrawn(req model.ContextRequest) error {
	env, err := events.NewEnvelope(events.KindApprovalWithdrawn, events.ApprovalWithdrawn{
		RequestID: req.ID,
		RoomID:    req.RoomID,
		TargetID:  req.TargetID,
		Status:    req.Status,
		Reason:    req.ResolutionReason,
	})
	if err != nil {
		return err
	}
	return c.bus.Publish(events.ApprovalSubject(req.TargetID), env)
}

func (c *Coordinator) handleResponse(env *events.Envelope) error {
	if env.Kind != events.KindApprovalResponse {
		return nil
	}
	var resp events.ApprovalResponse
	if err := env.Decode(&resp); err != nil {
		logging.Warn("approval", "malformed approval response", "error", err)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), effectTimeout)
	defer cancel()
	_, err := c.Respond(ctx, resp.RequestID, resp.ResponderID, resp.Answer)
	switch {
	case err == nil, errors.Is(err, model.ErrNotFound):
		return nil
	case errors.Is(err, model.ErrInvalidRequest), errors.Is(err, model.ErrPermissionDenied):
		logging.Warn("approval", "approval response rejected", "request_id", resp.RequestID, "error", err)
		return nil
	default:
		// request store lookup failed; durable transports redeliver
		return bus.RetryAfter(err, responseRetryDelay)
	}
}

func (c *Coordinator) handlePolicyChanged(env *events.Envelope) error {
	var evt events.PolicyChanged
	if err := env.Decode(&evt); err != nil {
		logging.Warn("approval", "malformed policy change", "error", err)
		return nil
	}
	if n := c.PolicyChanged(evt.RoomID, evt.ParticipantID, evt.Mode); n > 0 {
		logging.Info("approval", "superseded pending requests after policy change", "room", evt.RoomID, "target", evt.ParticipantID, "count", n)
	}
	return nil
}

func (c *Coordinator) handleParticipantLeft(env *events.Envelope) error {
	var evt events.ParticipantLeft
	if err := env.Decode(&evt); err != nil {
		logging.Warn("approval", "malformed participant left event", "error", err)
		return nil
	}
	if n := c.ParticipantLeft(evt.RoomID, evt.ParticipantID); n > 0 {
		logging.Info("approval", "superseded pending requests after participant left", "room", evt.RoomID, "participant", evt.ParticipantID, "count", n)
	}
	return nil
}
