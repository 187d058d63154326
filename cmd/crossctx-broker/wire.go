package main

import (
	"context"
	"fmt"

	"github.com/cordum/crossctx/core/approval"
	"github.com/cordum/crossctx/core/audit"
	"github.com/cordum/crossctx/core/broker"
	"github.com/cordum/crossctx/core/infra/bus"
	"github.com/cordum/crossctx/core/infra/config"
	"github.com/cordum/crossctx/core/infra/logging"
	infraMetrics "github.com/cordum/crossctx/core/infra/metrics"
	"github.com/cordum/crossctx/core/infra/redact"
	"github.com/cordum/crossctx/core/policy"
	"github.com/cordum/crossctx/core/retrieval"
	"github.com/redis/go-redis/v9"
)

type runtime struct {
	broker  *broker.Broker
	coord   *approval.Coordinator
	closers []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// assemble builds the broker and its collaborators on top of an existing bus
// and Redis connection.
func assemble(ctx context.Context, cfg *config.Config, settings *config.BrokerSettings, b bus.Bus, rdb redis.UniversalClient, m infraMetrics.Metrics) (*runtime, error) {
	if settings == nil {
		settings = config.DefaultBrokerSettings()
	}
	rt := &runtime{}

	policies := policy.NewRedisStore(rdb)

	coord := approval.NewCoordinator(b, approval.NewRedisRequestStore(rdb), policies, m, approval.Config{
		Timeout:   settings.Approval.Timeout.Std(),
		Retention: settings.Approval.Retention.Std(),
	})
	if err := coord.Start(); err != nil {
		return nil, fmt.Errorf("start approval coordinator: %w", err)
	}
	rt.coord = coord
	rt.closers = append(rt.closers, coord.Close)

	embedder, err := newEmbedder(cfg)
	if err != nil {
		rt.Close()
		return nil, err
	}
	redactor, err := newRedactor(settings.Redaction)
	if err != nil {
		rt.Close()
		return nil, err
	}
	index := retrieval.NewRedisIndex(rdb)
	engine := retrieval.NewEngine(embedder, index, redactor, m, retrieval.Config{
		Threshold:      settings.Retrieval.SimilarityThreshold,
		MaxResults:     settings.Retrieval.MaxResults,
		MaxAttempts:    settings.Retrieval.MaxAttempts,
		BackoffInitial: settings.Retrieval.BackoffInitial.Std(),
		BackoffMax:     settings.Retrieval.BackoffMax.Std(),
	})

	auditLog, closeAudit, err := newAuditLog(ctx, cfg, rdb)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if closeAudit != nil {
		rt.closers = append(rt.closers, closeAudit)
	}

	brk, err := broker.New(broker.Deps{
		Policies:    policies,
		Coordinator: coord,
		Retrieval:   engine,
		Ingestor:    retrieval.NewIngestor(embedder, index),
		Audit:       audit.NewPublishingLog(auditLog, b),
		Bus:         b,
		Metrics:     m,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.broker = brk
	logging.Info("broker", "assembled",
		"audit_backend", cfg.AuditBackend,
		"embedder", cfg.Embedder,
		"approval_timeout", settings.Approval.Timeout.Std().String(),
		"similarity_threshold", settings.Retrieval.SimilarityThreshold,
	)
	return rt, nil
}

func newEmbedder(cfg *config.Config) (retrieval.Embedder, error) {
	switch cfg.Embedder {
	case config.EmbedderHashing, "":
		return retrieval.NewHashingEmbedder(cfg.EmbeddingDims), nil
	case config.EmbedderOllama:
		return retrieval.NewOllamaEmbedder(cfg.OllamaURL, cfg.OllamaModel), nil
	}
	return nil, fmt.Errorf("unknown embedder %q", cfg.Embedder)
}

func newRedactor(s config.RedactionSettings) (*redact.Redactor, error) {
	extra := make([]redact.Pattern, 0, len(s.ExtraPatterns))
	for _, p := range s.ExtraPatterns {
		extra = append(extra, redact.Pattern{Name: p.Name, Expr: p.Pattern})
	}
	r, err := redact.New(extra...)
	if err != nil {
		return nil, fmt.Errorf("redaction settings: %w", err)
	}
	return r, nil
}

func newAuditLog(ctx context.Context, cfg *config.Config, rdb redis.UniversalClient) (audit.Log, func(), error) {
	switch cfg.AuditBackend {
	case config.AuditBackendRedis, "":
		return audit.NewRedisLog(rdb), nil, nil
	case config.AuditBackendMemory:
		logging.Warn("broker", "audit log is in memory and will not survive restarts")
		return audit.NewMemoryLog(), nil, nil
	case config.AuditBackendPostgres:
		if cfg.AuditPostgresURL == "" {
			return nil, nil, fmt.Errorf("AUDIT_POSTGRES_URL required for postgres audit backend")
		}
		pool, log, err := audit.ConnectPostgres(ctx, cfg.AuditPostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect audit postgres: %w", err)
		}
		return log, pool.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown audit backend %q", cfg.AuditBackend)
}
