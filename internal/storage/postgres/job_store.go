// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sitelens/sitelens/internal/analysis"
)

// JobStoreConfig controls the Postgres connection pool used for job rows.
type JobStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// JobStore persists jobs in Postgres. All lifecycle transitions are
// guarded single-row updates, so concurrent workers cannot move a job
// backwards or out of a terminal state.
type JobStore struct {
	pool dbPool
}

// NewJobStore creates a Postgres-backed JobStore using the provided config.
func NewJobStore(ctx context.Context, cfg JobStoreConfig) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &JobStore{pool: pool}, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(pool dbPool) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const jobColumns = `id, url, traffic_hint, account_id, owner_ip, status, progress,
	current_step, error_text, result_ref, attempts, created_at, started_at, completed_at`

// CreateJob inserts a new queued job row.
func (s *JobStore) CreateJob(ctx context.Context, job analysis.Job) error {
	query := `
INSERT INTO jobs (` + jobColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	_, err := s.pool.Exec(ctx, query,
		job.ID,
		job.URL,
		job.TrafficHint,
		job.AccountID,
		job.OwnerIP,
		job.Status,
		job.Progress,
		job.CurrentStep,
		job.ErrorText,
		job.ResultRef,
		job.Attempts,
		job.CreatedAt,
		job.StartedAt,
		job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a single job row by id.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (analysis.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	job, err := scanJob(s.pool.QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return analysis.Job{}, analysis.ErrNotFound
		}
		return analysis.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// MarkProcessing transitions queued -> processing. A zero-row update
// against an existing job means another delivery won the race.
func (s *JobStore) MarkProcessing(ctx context.Context, jobID string, at time.Time) error {
	query := `
UPDATE jobs SET status = $2, started_at = $3
WHERE id = $1 AND status = $4`
	tag, err := s.pool.Exec(ctx, query, jobID, analysis.JobStatusProcessing, at, analysis.JobStatusQueued)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrMissing(ctx, jobID)
	}
	return nil
}

// UpdateProgress writes advisory progress. The guard drops regressions
// and writes against non-processing jobs without reporting an error.
func (s *JobStore) UpdateProgress(ctx context.Context, jobID string, progress int, step string) error {
	if progress > 100 {
		progress = 100
	}
	query := `
UPDATE jobs SET progress = $2, current_step = $3
WHERE id = $1 AND status = $4 AND progress <= $2`
	if _, err := s.pool.Exec(ctx, query, jobID, progress, step, analysis.JobStatusProcessing); err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// CompleteJob transitions processing -> completed in a single update.
func (s *JobStore) CompleteJob(ctx context.Context, jobID string, resultRef string, at time.Time) error {
	query := `
UPDATE jobs SET status = $2, progress = 100, current_step = '', result_ref = $3, completed_at = $4
WHERE id = $1 AND status = $5`
	tag, err := s.pool.Exec(ctx, query, jobID, analysis.JobStatusCompleted, resultRef, at, analysis.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrMissing(ctx, jobID)
	}
	return nil
}

// FailJob transitions any non-terminal state -> failed.
func (s *JobStore) FailJob(ctx context.Context, jobID string, errText string, at time.Time) error {
	query := `
UPDATE jobs SET status = $2, current_step = '', error_text = $3, completed_at = $4
WHERE id = $1 AND status IN ($5, $6)`
	tag, err := s.pool.Exec(ctx, query,
		jobID,
		analysis.JobStatusFailed,
		errText,
		at,
		analysis.JobStatusQueued,
		analysis.JobStatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrMissing(ctx, jobID)
	}
	return nil
}

// RequeueJob transitions processing -> queued with an attempt increment.
func (s *JobStore) RequeueJob(ctx context.Context, jobID string) error {
	query := `
UPDATE jobs SET status = $2, progress = 0, current_step = '', started_at = NULL, attempts = attempts + 1
WHERE id = $1 AND status = $3`
	tag, err := s.pool.Exec(ctx, query, jobID, analysis.JobStatusQueued, analysis.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrMissing(ctx, jobID)
	}
	return nil
}

// ListStaleProcessing returns processing jobs started before the cutoff.
func (s *JobStore) ListStaleProcessing(ctx context.Context, before time.Time) ([]analysis.Job, error) {
	query := `
SELECT ` + jobColumns + ` FROM jobs
WHERE status = $1 AND started_at < $2
ORDER BY started_at ASC`
	return s.listJobs(ctx, query, analysis.JobStatusProcessing, before)
}

// ListStaleQueued returns queued jobs created before the cutoff.
func (s *JobStore) ListStaleQueued(ctx context.Context, before time.Time) ([]analysis.Job, error) {
	query := `
SELECT ` + jobColumns + ` FROM jobs
WHERE status = $1 AND created_at < $2
ORDER BY created_at ASC`
	return s.listJobs(ctx, query, analysis.JobStatusQueued, before)
}

func (s *JobStore) listJobs(ctx context.Context, query string, args ...any) ([]analysis.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []analysis.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return jobs, nil
}

func (s *JobStore) conflictOrMissing(ctx context.Context, jobID string) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, jobID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check job existence: %w", err)
	}
	if !exists {
		return analysis.ErrNotFound
	}
	return analysis.ErrConflict
}

func scanJob(row pgx.Row) (analysis.Job, error) {
	var job analysis.Job
	err := row.Scan(
		&job.ID,
		&job.URL,
		&job.TrafficHint,
		&job.AccountID,
		&job.OwnerIP,
		&job.Status,
		&job.Progress,
		&job.CurrentStep,
		&job.ErrorText,
		&job.ResultRef,
		&job.Attempts,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
	)
	if err != nil {
		return analysis.Job{}, err
	}
	return job, nil
}
