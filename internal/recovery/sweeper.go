// Package recovery reclaims jobs stranded by crashes or lost enqueue
// triggers. The sweep is what makes fire-and-forget admission safe: the
// durable queued row is the source of truth and the sweep re-drives it.
package recovery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/analysis"
	"github.com/sitelens/sitelens/internal/telemetry"
)

// Config controls the Sweeper.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration
	// JobDeadline mirrors the worker hard deadline; processing jobs
	// started earlier than now minus this (plus slack) are stale.
	JobDeadline time.Duration
	// StaleQueuedAfter is how long a queued job may sit without a worker
	// picking it up before the sweep re-enqueues it.
	StaleQueuedAfter time.Duration
	// MaxRequeues bounds how many times a stale processing job is given
	// another run before it is failed outright.
	MaxRequeues int
}

// staleSlack keeps the sweep from racing a worker that is about to
// write the terminal state itself.
const staleSlack = 30 * time.Second

// Sweeper periodically scans the job store for stranded jobs.
type Sweeper struct {
	jobs   analysis.JobStore
	queue  analysis.Queue
	clock  analysis.Clock
	cfg    Config
	logger *zap.Logger
}

// New constructs a Sweeper.
func New(jobs analysis.JobStore, queue analysis.Queue, clock analysis.Clock, cfg Config, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.JobDeadline <= 0 {
		cfg.JobDeadline = 5 * time.Minute
	}
	if cfg.StaleQueuedAfter <= 0 {
		cfg.StaleQueuedAfter = 2 * time.Minute
	}
	if cfg.MaxRequeues <= 0 {
		cfg.MaxRequeues = 1
	}
	return &Sweeper{
		jobs:   jobs,
		queue:  queue,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
}

// Run sweeps on the configured interval until the context ends. One
// sweep runs immediately on startup to reclaim jobs from a previous
// process.
func (s *Sweeper) Run(ctx context.Context) {
	if err := s.SweepOnce(ctx); err != nil {
		s.logger.Error("startup sweep failed", zap.Error(err))
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce runs a single pass over stale processing and stale queued
// jobs. Per-job errors are logged and do not abort the pass.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	now := s.clock.Now()

	stale, err := s.jobs.ListStaleProcessing(ctx, now.Add(-(s.cfg.JobDeadline + staleSlack)))
	if err != nil {
		return err
	}
	for _, job := range stale {
		s.reclaimProcessing(ctx, job, now)
	}

	queued, err := s.jobs.ListStaleQueued(ctx, now.Add(-s.cfg.StaleQueuedAfter))
	if err != nil {
		return err
	}
	for _, job := range queued {
		s.reenqueue(ctx, job)
	}
	return nil
}

func (s *Sweeper) reclaimProcessing(ctx context.Context, job analysis.Job, now time.Time) {
	logger := s.logger.With(zap.String("job_id", job.ID), zap.Int("attempts", job.Attempts))

	if job.Attempts >= s.cfg.MaxRequeues {
		if err := s.jobs.FailJob(ctx, job.ID, "analysis timed out", now); err != nil {
			logger.Error("failing stale job failed", zap.Error(err))
			return
		}
		telemetry.ObserveSweepAction("failed")
		logger.Warn("stale processing job failed after requeue budget")
		return
	}

	if err := s.jobs.RequeueJob(ctx, job.ID); err != nil {
		logger.Error("requeue of stale job failed", zap.Error(err))
		return
	}
	if err := s.enqueue(ctx, job.ID, job.Attempts+1); err != nil {
		// The row is back in queued; the stale-queued pass will retry
		// the hand-off on a later sweep.
		logger.Warn("enqueue of requeued job failed", zap.Error(err))
		return
	}
	telemetry.ObserveSweepAction("requeued")
	logger.Info("stale processing job requeued")
}

func (s *Sweeper) reenqueue(ctx context.Context, job analysis.Job) {
	logger := s.logger.With(zap.String("job_id", job.ID))
	if err := s.enqueue(ctx, job.ID, job.Attempts); err != nil {
		logger.Warn("re-enqueue of stale queued job failed", zap.Error(err))
		return
	}
	telemetry.ObserveSweepAction("reenqueued")
	logger.Info("stale queued job re-enqueued")
}

func (s *Sweeper) enqueue(ctx context.Context, jobID string, attempt int) error {
	enqueueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.queue.Enqueue(enqueueCtx, analysis.QueueItem{
		JobID:     jobID,
		Attempt:   attempt,
		Submitted: s.clock.Now().Unix(),
	})
}
