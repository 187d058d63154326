package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cordum/crossctx/core/infra/logging"
	"github.com/cordum/crossctx/core/infra/metrics"
	"github.com/cordum/crossctx/core/infra/redact"
	"github.com/cordum/crossctx/core/model"
)

const (
	DefaultMaxResults     = 5
	DefaultMaxAttempts    = 3
	DefaultBackoffInitial = 100 * time.Millisecond
	DefaultBackoffMax     = 2 * time.Second
)

// Config tunes ranking and retries. Threshold is used as given, zero included.
// Non-positive counts and backoffs fall back to the Default* constants.
type Config struct {
	Threshold      float64
	MaxResults     int
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Query is one approved retrieval.
type Query struct {
	RequestID string
	RoomID    string
	TargetID  string
	Text      string
}

// Engine embeds a query, searches the target's fragments and assembles a
// redacted bundle.
type Engine struct {
	embedder Embedder
	index    Index
	redactor *redact.Redactor
	metrics  metrics.Metrics
	cfg      Config
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewEngine(embedder Embedder, index Index, redactor *redact.Redactor, m metrics.Metrics, cfg Config) *Engine {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = DefaultMaxResults
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = DefaultBackoffInitial
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = DefaultBackoffMax
		if cfg.BackoffMax < cfg.BackoffInitial {
			cfg.BackoffMax = cfg.BackoffInitial
		}
	}
	if redactor == nil {
		redactor = redact.Default()
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &Engine{
		embedder: embedder,
		index:    index,
		redactor: redactor,
		metrics:  m,
		cfg:      cfg,
		sleep:    sleepCtx,
	}
}

// Retrieve runs the query against the target's fragments. Transient embedding
// and index failures are retried with exponential backoff; once attempts are
// exhausted the error wraps model.ErrRetrievalFailed. A result with
// NoRelevantContext set is a success.
func (e *Engine) Retrieve(ctx context.Context, q Query) (model.Result, error) {
	if strings.TrimSpace(q.Text) == "" || q.RoomID == "" || q.TargetID == "" {
		return model.Result{}, fmt.Errorf("%w: room, target and query text required", model.ErrInvalidRequest)
	}
	start := time.Now()
	delay := e.cfg.BackoffInitial
	var (
		hits    []Hit
		err     error
		attempt int
	)
	for attempt = 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		hits, err = e.search(ctx, q)
		if err == nil || !model.Transient(err) {
			break
		}
		if attempt == e.cfg.MaxAttempts {
			break
		}
		logging.Warn("retrieval", "transient failure, retrying",
			"request_id", q.RequestID, "attempt", attempt, "delay", delay, "error", err)
		if serr := e.sleep(ctx, delay); serr != nil {
			err = serr
			break
		}
		delay *= 2
		if delay > e.cfg.BackoffMax {
			delay = e.cfg.BackoffMax
		}
	}
	if attempt > e.cfg.MaxAttempts {
		attempt = e.cfg.MaxAttempts
	}
	e.metrics.ObserveRetrieval(time.Since(start).Seconds(), attempt)
	if err != nil {
		if errors.Is(err, model.ErrInvalidRequest) {
			return model.Result{}, err
		}
		return model.Result{}, fmt.Errorf("%w after %d attempt(s): %v", model.ErrRetrievalFailed, attempt, err)
	}
	return e.assemble(q, hits), nil
}

func (e *Engine) search(ctx context.Context, q Query) ([]Hit, error) {
	vec, err := e.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, err
	}
	return e.index.Search(ctx, vec, q.RoomID, q.TargetID, e.cfg.MaxResults)
}

func (e *Engine) assemble(q Query, hits []Hit) model.Result {
	bundle := &model.ContextBundle{RequestID: q.RequestID, RoomID: q.RoomID, TargetID: q.TargetID}
	for _, h := range hits {
		if h.OwnerID != q.TargetID || h.RoomID != q.RoomID {
			logging.Error("retrieval", "index returned foreign fragment",
				"request_id", q.RequestID, "fragment_id", h.ID, "owner", h.OwnerID, "room", h.RoomID)
			continue
		}
		if h.Similarity < e.cfg.Threshold {
			continue
		}
		content, counts := e.redactor.Redact(h.Content)
		for rule, n := range counts {
			e.metrics.IncRedactions(rule, n)
		}
		bundle.Fragments = append(bundle.Fragments, model.Fragment{
			ID:         h.ID,
			OwnerID:    h.OwnerID,
			Content:    content,
			Timestamp:  h.Timestamp,
			Similarity: h.Similarity,
			Redactions: counts.Total(),
		})
		if len(bundle.Fragments) == e.cfg.MaxResults {
			break
		}
	}
	if len(bundle.Fragments) == 0 {
		return model.Result{RequestID: q.RequestID, NoRelevantContext: true}
	}
	return model.Result{RequestID: q.RequestID, Bundle: bundle}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
