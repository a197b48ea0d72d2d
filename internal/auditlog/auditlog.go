// Package auditlog keeps a durable record of accepted runs, terminal
// executions, and optimizer proposals in Postgres. The platform works
// without it: with no POSTGRES_DSN a noop recorder is wired and every
// record call is a cheap no-op.
package auditlog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tradefleet/internal/config"
	"tradefleet/pkg/types"
)

// RunRecord is one accepted run as stored in the audit log.
type RunRecord struct {
	RequestID  string    `json:"requestId"`
	TraceID    string    `json:"traceId"`
	Symbol     string    `json:"symbol"`
	Mode       string    `json:"mode"`
	AcceptedAt time.Time `json:"acceptedAt"`
}

// Recorder persists audit entries. Implementations must tolerate duplicate
// records for the same id: stream redelivery will replay terminal statuses.
type Recorder interface {
	RecordRun(ctx context.Context, rec RunRecord) error
	RecordExec(ctx context.Context, st types.ExecStatus) error
	RecordOptJob(ctx context.Context, job types.OptJob) error
	RecentRuns(ctx context.Context, limit int) ([]RunRecord, error)
}

// Open returns the configured recorder. Disabled Postgres yields Noop;
// otherwise the schema is migrated and a pgx pool is dialed.
func Open(ctx context.Context, cfg config.PostgresConfig, logger *slog.Logger) (Recorder, error) {
	if !cfg.Enabled() {
		logger.Info("audit log disabled")
		return Noop{}, nil
	}

	dsn := cfg.ConnString()

	// Migrate is the first touch of Postgres; retrying it covers the
	// database still coming up alongside this process.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := Migrate(dsn, logger); err != nil {
			logger.Warn("postgres not ready", "error", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxElapsedTime(30*time.Second))
	if err != nil {
		return nil, fmt.Errorf("auditlog: migrate: %w", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("auditlog: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("auditlog: ping: %w", err)
	}
	logger.Info("audit log connected")
	return &Store{pool: pool}, nil
}

// Store is the Postgres recorder.
type Store struct {
	pool *pgxpool.Pool
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) RecordRun(ctx context.Context, rec RunRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO runs (request_id, trace_id, symbol, mode, accepted_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (request_id) DO NOTHING`,
		rec.RequestID, rec.TraceID, rec.Symbol, rec.Mode, rec.AcceptedAt)
	if err != nil {
		return fmt.Errorf("auditlog: record run %s: %w", rec.RequestID, err)
	}
	return nil
}

func (s *Store) RecordExec(ctx context.Context, st types.ExecStatus) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO executions (order_id, symbol, side, qty, status, price, fee, profit, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (order_id) DO UPDATE SET
			status = EXCLUDED.status,
			price  = EXCLUDED.price,
			fee    = EXCLUDED.fee,
			profit = EXCLUDED.profit,
			ts     = EXCLUDED.ts`,
		st.OrderID, st.Symbol, string(st.Side), st.Qty,
		string(st.Status), st.Price, st.Fee, st.Profit, st.TS)
	if err != nil {
		return fmt.Errorf("auditlog: record execution %s: %w", st.OrderID, err)
	}
	return nil
}

func (s *Store) RecordOptJob(ctx context.Context, job types.OptJob) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO opt_jobs (job_id, status, trigger_kind, trace_id, min_confidence, win_rate, sharpe, max_dd, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (job_id) DO UPDATE SET
			status     = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		job.JobID, string(job.Status), job.Trigger, job.TraceID,
		job.Proposed.MinConfidence, job.Backtest.WinRate, job.Backtest.Sharpe, job.Backtest.MaxDD,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("auditlog: record opt job %s: %w", job.JobID, err)
	}
	return nil
}

func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT request_id, trace_id, symbol, mode, accepted_at
		FROM runs ORDER BY accepted_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("auditlog: recent runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var rec RunRecord
		if err := rows.Scan(&rec.RequestID, &rec.TraceID, &rec.Symbol, &rec.Mode, &rec.AcceptedAt); err != nil {
			return nil, fmt.Errorf("auditlog: scan run: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("auditlog: recent runs: %w", err)
	}
	return out, nil
}

// Noop is the recorder used when Postgres is not configured.
type Noop struct{}

func (Noop) RecordRun(context.Context, RunRecord) error         { return nil }
func (Noop) RecordExec(context.Context, types.ExecStatus) error { return nil }
func (Noop) RecordOptJob(context.Context, types.OptJob) error   { return nil }

func (Noop) RecentRuns(context.Context, int) ([]RunRecord, error) {
	return nil, nil
}
