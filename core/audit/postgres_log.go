package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cordum/crossctx/core/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS crossctx_audit (
	seq          BIGSERIAL PRIMARY KEY,
	id           TEXT NOT NULL UNIQUE,
	room_id      TEXT NOT NULL,
	requester_id TEXT NOT NULL,
	target_id    TEXT NOT NULL,
	decision     TEXT NOT NULL,
	reason       TEXT NOT NULL DEFAULT '',
	request_id   TEXT NOT NULL DEFAULT '',
	verdict_id   TEXT NOT NULL DEFAULT '',
	outcome      TEXT NOT NULL,
	fragment_ids TEXT[] NOT NULL DEFAULT '{}',
	recorded_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS crossctx_audit_requester ON crossctx_audit (room_id, requester_id, seq);
CREATE INDEX IF NOT EXISTS crossctx_audit_target ON crossctx_audit (room_id, target_id, seq);
`

// pgxPool is the subset of *pgxpool.Pool the log needs.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresLog stores entries in an insert-only table.
type PostgresLog struct {
	pool pgxPool
}

func NewPostgresLog(pool pgxPool) *PostgresLog {
	return &PostgresLog{pool: pool}
}

// ConnectPostgres opens a pool, verifies it and ensures the audit table exists.
func ConnectPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, *PostgresLog, error) {
	cfg, err := pgxpool.ParseConfig(normalizeDSN(dsn))
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 4
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("postgres: ping: %w", err)
	}
	log := NewPostgresLog(pool)
	if err := log.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return pool, log, nil
}

func normalizeDSN(dsn string) string {
	s := strings.TrimSpace(dsn)
	s = strings.Replace(s, "postgresql+pgx://", "postgresql://", 1)
	s = strings.Replace(s, "postgres+pgx://", "postgres://", 1)
	return s
}

func (p *PostgresLog) EnsureSchema(ctx context.Context) error {
	if p == nil || p.pool == nil {
		return errors.New("postgres audit: nil pool")
	}
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("postgres audit: ensure schema: %w", err)
	}
	return nil
}

func (p *PostgresLog) Record(ctx context.Context, entry model.AuditEntry) (model.AuditEntry, error) {
	entry, err := prepare(entry)
	if err != nil {
		return entry, err
	}
	if p == nil || p.pool == nil {
		return entry, fmt.Errorf("%w: nil pool", model.ErrAuditWriteFailed)
	}
	fragments := entry.FragmentIDs
	if fragments == nil {
		fragments = []string{}
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO crossctx_audit (
			id, room_id, requester_id, target_id, decision, reason, request_id, verdict_id, outcome, fragment_ids, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, entry.ID, entry.RoomID, entry.RequesterID, entry.TargetID, string(entry.Decision), entry.Reason,
		entry.RequestID, entry.VerdictID, string(entry.Outcome), fragments, entry.Timestamp)
	if err != nil {
		return entry, fmt.Errorf("%w: %v", model.ErrAuditWriteFailed, err)
	}
	return entry, nil
}

func (p *PostgresLog) Query(ctx context.Context, participantID, roomID string) ([]model.AuditEntry, error) {
	if p == nil || p.pool == nil {
		return nil, errors.New("postgres audit: nil pool")
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, room_id, requester_id, target_id, decision, reason, request_id, verdict_id, outcome, fragment_ids, recorded_at
		FROM crossctx_audit
		WHERE room_id = $1 AND (requester_id = $2 OR target_id = $2)
		ORDER BY seq ASC
	`, roomID, participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var (
			e                 model.AuditEntry
			decision, outcome string
			fragments         []string
		)
		if err := rows.Scan(&e.ID, &e.RoomID, &e.RequesterID, &e.TargetID, &decision, &e.Reason,
			&e.RequestID, &e.VerdictID, &outcome, &fragments, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Decision = model.Decision(decision)
		e.Outcome = model.Outcome(outcome)
		if len(fragments) > 0 {
			e.FragmentIDs = fragments
		}
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
