package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cordum/crossctx/core/infra/bus"
	"github.com/cordum/crossctx/core/infra/metrics"
	"github.com/cordum/crossctx/core/model"
	"github.com/cordum/crossctx/core/policy"
	"github.com/cordum/crossctx/core/protocol/events"
	"github.com/stretchr/testify/require"
)

type recordingMetrics struct {
	metrics.Noop
	mu        sync.Mutex
	anomalies map[string]int
}

func (m *recordingMetrics) IncApprovalAnomaly(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.anomalies == nil {
		m.anomalies = map[string]int{}
	}
	m.anomalies[kind]++
}

func (m *recordingMetrics) count(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.anomalies[kind]
}

type inbox struct {
	mu   sync.Mutex
	envs []*events.Envelope
}

func (i *inbox) handle(env *events.Envelope) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.envs = append(i.envs, env)
	return nil
}

func (i *inbox) kinds() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]string, 0, len(i.envs))
	for _, e := range i.envs {
		out = append(out, e.Kind)
	}
	return out
}

type fixture struct {
	bus      *bus.LocalBus
	store    *MemoryRequestStore
	policies *policy.MemoryStore
	metrics  *recordingMetrics
	coord    *Coordinator
	bobInbox *inbox
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		bus:      bus.NewLocalBus(),
		store:    NewMemoryRequestStore(),
		policies: policy.NewMemoryStore(),
		metrics:  &recordingMetrics{},
		bobInbox: &inbox{},
	}
	ctx := context.Background()
	for _, id := range []string{"alice", "bob", "carol"} {
		_, err := f.policies.Register(ctx, model.Participant{ID: id, RoomID: "r1", Role: model.RoleMember})
		require.NoError(t, err)
	}
	_, err := f.bus.Subscribe(events.ApprovalSubject("bob"), "", f.bobInbox.handle)
	require.NoError(t, err)
	f.coord = NewCoordinator(f.bus, f.store, f.policies, f.metrics, Config{Timeout: timeout, Retention: time.Minute})
	require.NoError(t, f.coord.Start())
	t.Cleanup(f.coord.Close)
	return f
}

func (f *fixture) submit(t *testing.T, requester string) *Handle {
	t.Helper()
	h, err := f.coord.Submit(context.Background(), model.ContextRequest{
		RoomID:      "r1",
		RequesterID: requester,
		TargetID:    "bob",
		Query:       "auth endpoint",
	})
	require.NoError(t, err)
	return h
}

func waitResolved(t *testing.T, h *Handle) model.ContextRequest {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := h.Wait(ctx)
	require.NoError(t, err)
	return req
}

func TestSubmitPublishesPromptAndGrant(t *testing.T) {
	f := newFixture(t, time.Second)
	h := f.submit(t, "alice")
	require.Equal(t, model.StatusPending, h.Request().Status)
	require.False(t, h.Coalesced())

	require.Equal(t, []string{events.KindApprovalPrompt}, f.bobInbox.kinds())
	var prompt events.ApprovalPrompt
	require.NoError(t, f.bobInbox.envs[0].Decode(&prompt))
	require.Equal(t, h.Request().ID, prompt.RequestID)
	require.Equal(t, "alice", prompt.RequesterID)
	require.Equal(t, "auth endpoint", prompt.Query)

	got, err := f.coord.Respond(context.Background(), h.Request().ID, "bob", model.AnswerGrant)
	require.NoError(t, err)
	require.Equal(t, model.StatusGranted, got.Status)

	final := waitResolved(t, h)
	require.Equal(t, model.StatusGranted, final.Status)
	require.Equal(t, model.ReasonGrantedOnce, final.ResolutionReason)

	stored, err := f.store.Get(context.Background(), final.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusGranted, stored.Status)
}

func TestResponseOverBus(t *testing.T) {
	f := newFixture(t, time.Second)
	h := f.submit(t, "alice")
	env, err := events.NewEnvelope(events.KindApprovalResponse, events.ApprovalResponse{
		RequestID:   h.Request().ID,
		ResponderID: "bob",
		Answer:      model.AnswerDeny,
	})
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(events.SubjectApprovalResponses, env))

	final := waitResolved(t, h)
	require.Equal(t, model.StatusDenied, final.Status)
	require.Equal(t, model.ReasonDeniedByTarget, final.ResolutionReason)
}

func TestTimeoutExpiresNoEarlierThanDeadline(t *testing.T) {
	timeout := 60 * time.Millisecond
	f := newFixture(t, timeout)
	start := time.Now()
	h := f.submit(t, "alice")

	final := waitResolved(t, h)
	require.GreaterOrEqual(t, time.Since(start), timeout)
	require.Equal(t, model.StatusExpired, final.Status)
	require.Equal(t, model.ReasonTimeout, final.ResolutionReason)
	require.Contains(t, f.bobInbox.kinds(), events.KindApprovalWithdrawn)

	// A response after the deadline is a late anomaly, not an error.
	got, err := f.coord.Respond(context.Background(), final.ID, "bob", model.AnswerGrant)
	require.NoError(t, err)
	require.Equal(t, model.StatusExpired, got.Status)
	require.Equal(t, 1, f.metrics.count(AnomalyLate))
}

func TestSamePairCoalesces(t *testing.T) {
	f := newFixture(t, time.Second)
	first := f.submit(t, "alice")
	second := f.submit(t, "alice")
	other := f.submit(t, "carol")

	require.True(t, second.Coalesced())
	require.Equal(t, first.Request().ID, second.Request().ID)
	require.NotEqual(t, first.Request().ID, other.Request().ID)

	reqs, err := f.store.ListByRoom(context.Background(), "r1", 0)
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	require.Len(t, f.coord.PendingForTarget("r1", "bob"), 2)

	_, err = f.coord.Respond(context.Background(), first.Request().ID, "bob", model.AnswerGrant)
	require.NoError(t, err)
	require.Equal(t, model.StatusGranted, waitResolved(t, second).Status)
	require.Equal(t, model.StatusPending, other.Request().Status)

	// Once resolved, the pair opens a fresh request.
	third := f.submit(t, "alice")
	require.False(t, third.Coalesced())
	require.NotEqual(t, first.Request().ID, third.Request().ID)
}

func TestDuplicateResponseIgnored(t *testing.T) {
	f := newFixture(t, time.Second)
	h := f.submit(t, "alice")
	ctx := context.Background()

	_, err := f.coord.Respond(ctx, h.Request().ID, "bob", model.AnswerDeny)
	require.NoError(t, err)
	got, err := f.coord.Respond(ctx, h.Request().ID, "bob", model.AnswerGrant)
	require.NoError(t, err)
	require.Equal(t, model.StatusDenied, got.Status)
	require.Equal(t, 1, f.metrics.count(AnomalyDuplicate))
	require.Equal(t, model.StatusDenied, waitResolved(t, h).Status)
}

func TestCancelWinsOverLaterResponse(t *testing.T) {
	f := newFixture(t, time.Second)
	h := f.submit(t, "alice")
	ctx := context.Background()

	_, err := f.coord.Cancel(ctx, h.Request().ID, "carol")
	require.ErrorIs(t, err, model.ErrPermissionDenied)

	cancelled, err := f.coord.Cancel(ctx, h.Request().ID, "alice")
	require.NoError(t, err)
	require.Equal(t, model.StatusDenied, cancelled.Status)
	require.Equal(t, model.ReasonCancelledByRequester, cancelled.ResolutionReason)

	got, err := f.coord.Respond(ctx, h.Request().ID, "bob", model.AnswerGrant)
	require.NoError(t, err)
	require.Equal(t, model.StatusDenied, got.Status)

	again, err := f.coord.Cancel(ctx, h.Request().ID, "alice")
	require.NoError(t, err)
	require.Equal(t, model.ReasonCancelledByRequester, again.ResolutionReason)
	require.Contains(t, f.bobInbox.kinds(), events.KindApprovalWithdrawn)
}

func TestConcurrentResolutionHasOneWinner(t *testing.T) {
	f := newFixture(t, time.Second)
	h := f.submit(t, "alice")
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan model.ContextRequest, 3)
	wg.Add(3)
	go func() {
		defer wg.Done()
		r, _ := f.coord.Respond(ctx, h.Request().ID, "bob", model.AnswerGrant)
		results <- r
	}()
	go func() {
		defer wg.Done()
		r, _ := f.coord.Respond(ctx, h.Request().ID, "bob", model.AnswerDeny)
		results <- r
	}()
	go func() {
		defer wg.Done()
		r, _ := f.coord.Cancel(ctx, h.Request().ID, "alice")
		results <- r
	}()
	wg.Wait()
	close(results)

	final := waitResolved(t, h)
	for r := range results {
		require.Equal(t, final.Status, r.Status)
		require.Equal(t, final.ResolutionReason, r.ResolutionReason)
	}
}

func TestForeignResponderRejected(t *testing.T) {
	f := newFixture(t, time.Second)
	h := f.submit(t, "alice")

	_, err := f.coord.Respond(context.Background(), h.Request().ID, "carol", model.AnswerGrant)
	require.ErrorIs(t, err, model.ErrPermissionDenied)
	require.Equal(t, 1, f.metrics.count(AnomalyForeign))
	select {
	case <-h.Done():
		t.Fatalf("foreign response must not resolve the request")
	default:
	}

	_, err = f.coord.Respond(context.Background(), h.Request().ID, "bob", "maybe")
	require.ErrorIs(t, err, model.ErrInvalidRequest)
}

func TestAlwaysAllowAnswerUpdatesAllowlist(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	require.NoError(t, f.policies.Set(ctx, "bob", "r1", model.AlwaysAllow{Allowlist: []string{"carol"}}))
	h := f.submit(t, "alice")

	_, err := f.coord.Respond(ctx, h.Request().ID, "bob", model.AnswerAlwaysAllow)
	require.NoError(t, err)
	final := waitResolved(t, h)
	require.Equal(t, model.ReasonGrantedAlwaysAllow, final.ResolutionReason)

	pol, err := f.policies.Get(ctx, "bob", "r1")
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "carol"}, model.AllowlistOf(pol))
}

func TestPolicyChangeToNeverSupersedes(t *testing.T) {
	f := newFixture(t, time.Second)
	h1 := f.submit(t, "alice")
	h2 := f.submit(t, "carol")

	require.Equal(t, 0, f.coord.PolicyChanged("r1", "bob", model.ModeAlwaysAllow))

	env, err := events.NewEnvelope(events.KindPolicyChanged, events.PolicyChanged{RoomID: "r1", ParticipantID: "bob", Mode: model.ModeNever})
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(events.SubjectPolicyChanged, env))

	for _, h := range []*Handle{h1, h2} {
		final := waitResolved(t, h)
		require.Equal(t, model.StatusSuperseded, final.Status)
		require.Equal(t, model.ReasonPolicyChanged, final.ResolutionReason)
	}
	require.Empty(t, f.coord.PendingForTarget("r1", "bob"))
}

func TestParticipantLeftSupersedes(t *testing.T) {
	f := newFixture(t, time.Second)
	asTarget := f.submit(t, "alice")
	h, err := f.coord.Submit(context.Background(), model.ContextRequest{RoomID: "r1", RequesterID: "bob", TargetID: "carol", Query: "q"})
	require.NoError(t, err)

	require.Equal(t, 2, f.coord.ParticipantLeft("r1", "bob"))
	require.Equal(t, model.ReasonTargetLeft, waitResolved(t, asTarget).ResolutionReason)
	require.Equal(t, model.ReasonRequesterLeft, waitResolved(t, h).ResolutionReason)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, time.Second)
	_, err := f.coord.Submit(context.Background(), model.ContextRequest{RoomID: "r1", TargetID: "bob"})
	require.ErrorIs(t, err, model.ErrInvalidRequest)

	_, err = f.coord.Cancel(context.Background(), "missing", "alice")
	require.ErrorIs(t, err, model.ErrNotFound)
	_, err = f.coord.Respond(context.Background(), "missing", "bob", model.AnswerGrant)
	require.ErrorIs(t, err, model.ErrNotFound)
	require.Equal(t, 1, f.metrics.count(AnomalyUnknown))
}

func TestWaitHonoursContext(t *testing.T) {
	f := newFixture(t, time.Second)
	h := f.submit(t, "alice")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	req, err := h.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, model.StatusPending, req.Status)
}

type unreachableStore struct {
	*MemoryRequestStore
}

func (unreachableStore) Get(context.Context, string) (model.ContextRequest, error) {
	return model.ContextRequest{}, errors.New("dial tcp: connection refused")
}

func TestResponseForUnknownRequestAsksForRedelivery(t *testing.T) {
	f := newFixture(t, time.Second)
	env, err := events.NewEnvelope(events.KindApprovalResponse, events.ApprovalResponse{
		RequestID:   "missing",
		ResponderID: "bob",
		Answer:      model.AnswerGrant,
	})
	require.NoError(t, err)
	require.NoError(t, f.coord.handleResponse(env))

	coord := NewCoordinator(f.bus, unreachableStore{NewMemoryRequestStore()}, f.policies, f.metrics, Config{Timeout: time.Second})
	err = coord.handleResponse(env)
	delay, ok := bus.RetryDelay(err)
	require.True(t, ok, "expected redelivery request, got %v", err)
	require.Equal(t, responseRetryDelay, delay)
	require.Equal(t, 2, f.metrics.count(AnomalyUnknown))
}

func TestForeignResponderRefusedAfterResolution(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	h := f.submit(t, "alice")
	_, err := f.coord.Respond(ctx, h.Request().ID, "bob", model.AnswerGrant)
	require.NoError(t, err)
	require.Equal(t, model.StatusGranted, waitResolved(t, h).Status)

	got, err := f.coord.Respond(ctx, h.Request().ID, "carol", model.AnswerDeny)
	require.ErrorIs(t, err, model.ErrPermissionDenied)
	require.Empty(t, got.Query)
	require.Empty(t, got.RequesterID)
	require.Equal(t, 1, f.metrics.count(AnomalyForeign))
	require.Zero(t, f.metrics.count(AnomalyDuplicate))

	// A replica that never saw the request answers from the shared store.
	peerMetrics := &recordingMetrics{}
	peer := NewCoordinator(f.bus, f.store, f.policies, peerMetrics, Config{Timeout: time.Second})
	got, err = peer.Respond(ctx, h.Request().ID, "carol", model.AnswerDeny)
	require.ErrorIs(t, err, model.ErrPermissionDenied)
	require.Empty(t, got.Query)
	require.Equal(t, 1, peerMetrics.count(AnomalyForeign))
	require.Zero(t, peerMetrics.count(AnomalyUnknown))

	got, err = peer.Respond(ctx, h.Request().ID, "bob", model.AnswerDeny)
	require.NoError(t, err)
	require.Equal(t, model.StatusGranted, got.Status)
	require.Equal(t, 1, peerMetrics.count(AnomalyUnknown))
}

func TestAlwaysAllowAnswerUnderAskEachTimeStaysDormant(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	h := f.submit(t, "alice")

	_, err := f.coord.Respond(ctx, h.Request().ID, "bob", model.AnswerAlwaysAllow)
	require.NoError(t, err)
	require.Equal(t, model.ReasonGrantedAlwaysAllow, waitResolved(t, h).ResolutionReason)

	pol, err := f.policies.Get(ctx, "bob", "r1")
	require.NoError(t, err)
	require.Equal(t, model.AskEachTime{}, pol)

	v, err := policy.NewEngine(f.policies).Evaluate(ctx, policy.Input{RequesterID: "alice", TargetID: "bob", RoomID: "r1"})
	require.NoError(t, err)
	require.Equal(t, policy.NeedsLiveApproval, v.Kind)
}

func TestPendingForRequesterReadsSharedStore(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	mine := f.submit(t, "alice")
	f.submit(t, "carol")

	peer := NewCoordinator(f.bus, f.store, f.policies, nil, Config{Timeout: time.Second})
	for _, c := range []*Coordinator{f.coord, peer} {
		got, err := c.PendingForRequester(ctx, "r1", "alice")
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, mine.Request().ID, got[0].ID)
		require.Equal(t, "bob", got[0].TargetID)
	}

	_, err := f.coord.Cancel(ctx, mine.Request().ID, "alice")
	require.NoError(t, err)
	waitResolved(t, mine)
	got, err := peer.PendingForRequester(ctx, "r1", "alice")
	require.NoError(t, err)
	require.Empty(t, got)

	_, err = f.coord.PendingForRequester(ctx, "", "alice")
	require.ErrorIs(t, err, model.ErrInvalidRequest)
}
