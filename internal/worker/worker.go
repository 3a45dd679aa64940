// Package worker implements the job execution loop.
package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/analysis"
	"github.com/sitelens/sitelens/internal/telemetry"
)

// Config controls Worker behavior.
type Config struct {
	// JobDeadline is the hard wall-clock limit for one job, including
	// retries.
	JobDeadline time.Duration
	// ShutdownGrace is how long an in-flight job may keep running after
	// the run context ends. Jobs cut off here stay processing and are
	// reclaimed by the recovery sweep.
	ShutdownGrace time.Duration
}

// Worker consumes queue items and drives each job to a terminal state.
// A worker holds at most one job at a time.
type Worker struct {
	queue    analysis.Queue
	jobs     analysis.JobStore
	analyzer analysis.Analyzer
	events   analysis.EventPublisher
	retry    *analysis.ExponentialRetryPolicy
	clock    analysis.Clock
	cfg      Config
	logger   *zap.Logger
	active   atomic.Bool
}

// New constructs a Worker.
func New(
	queue analysis.Queue,
	jobs analysis.JobStore,
	analyzer analysis.Analyzer,
	events analysis.EventPublisher,
	retry *analysis.ExponentialRetryPolicy,
	clock analysis.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.JobDeadline <= 0 {
		cfg.JobDeadline = 5 * time.Minute
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	if retry == nil {
		retry = analysis.NewExponentialRetryPolicy(0, 0, 0)
	}
	return &Worker{
		queue:    queue,
		jobs:     jobs,
		analyzer: analyzer,
		events:   events,
		retry:    retry,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Active reports whether the worker currently holds a job.
func (w *Worker) Active() bool {
	return w.active.Load()
}

// Run blocks, consuming queue items until the context finishes. An
// in-flight job gets the configured shutdown grace before being cut off.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("dequeue failed", zap.Error(err))
			continue
		}
		w.processJob(ctx, item)
		if ctx.Err() != nil {
			return
		}
	}
}

func (w *Worker) processJob(runCtx context.Context, item analysis.QueueItem) {
	logger := w.logger.With(zap.String("job_id", item.JobID))

	startedAt := w.clock.Now()
	err := w.jobs.MarkProcessing(runCtx, item.JobID, startedAt)
	switch {
	case errors.Is(err, analysis.ErrConflict):
		// Duplicate delivery or already terminal; another worker owns it.
		logger.Debug("skipping job not in queued state")
		return
	case errors.Is(err, analysis.ErrNotFound):
		logger.Warn("dequeued unknown job")
		return
	case err != nil:
		logger.Error("mark processing failed", zap.Error(err))
		return
	}

	w.active.Store(true)
	telemetry.IncActiveWorkers()
	defer func() {
		w.active.Store(false)
		telemetry.DecActiveWorkers()
	}()

	job, err := w.jobs.GetJob(runCtx, item.JobID)
	if err != nil {
		logger.Error("load job failed", zap.Error(err))
		return
	}

	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(runCtx), w.cfg.JobDeadline)
	defer cancel()

	// Enforce the shutdown grace: once the run context ends, the job
	// gets a bounded window to finish before it is cut off. A cut-off
	// job keeps its processing row so the recovery sweep can requeue it.
	var graceCut atomic.Bool
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-done:
			return
		case <-runCtx.Done():
		}
		select {
		case <-done:
		case <-time.After(w.cfg.ShutdownGrace):
			graceCut.Store(true)
			cancel()
		}
	}()

	resultRef, err := w.runAnalysis(jobCtx, job, logger)
	if err != nil && graceCut.Load() && errors.Is(err, context.Canceled) {
		logger.Warn("job cut off at shutdown, leaving for recovery sweep")
		return
	}

	// Terminal writes use a fresh context so a blown job deadline or a
	// shutdown cannot lose the transition.
	writeCtx, writeCancel := context.WithTimeout(context.WithoutCancel(runCtx), 10*time.Second)
	defer writeCancel()

	finishedAt := w.clock.Now()
	if err != nil {
		w.finishFailed(writeCtx, job.ID, normalizeFailure(err), finishedAt, startedAt, logger)
		return
	}
	w.finishCompleted(writeCtx, job.ID, resultRef, finishedAt, startedAt, logger)
}

func (w *Worker) runAnalysis(ctx context.Context, job analysis.Job, logger *zap.Logger) (string, error) {
	report := w.progressFunc(ctx, job.ID, logger)

	var lastErr error
	for attempt := 0; ; attempt++ {
		resultRef, err := w.analyzer.Analyze(ctx, job, report)
		if err == nil {
			return resultRef, nil
		}
		lastErr = err
		if !w.retry.ShouldRetry(err, attempt) {
			return "", lastErr
		}
		backoff := w.retry.Backoff(attempt)
		logger.Warn("analysis attempt failed, backing off",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// progressFunc returns a callback that streams advisory progress into
// the job store. Progress never regresses and write errors never block
// the analysis.
func (w *Worker) progressFunc(ctx context.Context, jobID string, logger *zap.Logger) analysis.ProgressFunc {
	var best int
	return func(progress int, step string) {
		if progress < best {
			return
		}
		best = progress
		if err := w.jobs.UpdateProgress(ctx, jobID, progress, step); err != nil {
			logger.Debug("progress write failed", zap.Error(err))
		}
	}
}

func (w *Worker) finishCompleted(ctx context.Context, jobID, resultRef string, at, startedAt time.Time, logger *zap.Logger) {
	if err := w.jobs.CompleteJob(ctx, jobID, resultRef, at); err != nil {
		logger.Error("complete job failed", zap.Error(err))
		return
	}
	telemetry.ObserveJob(string(analysis.JobStatusCompleted), at.Sub(startedAt))
	logger.Info("job completed", zap.String("result_ref", resultRef))
	w.publishEvent(ctx, analysis.JobEvent{
		JobID:     jobID,
		Status:    analysis.JobStatusCompleted,
		ResultRef: resultRef,
		At:        at,
	}, logger)
}

func (w *Worker) finishFailed(ctx context.Context, jobID, errText string, at, startedAt time.Time, logger *zap.Logger) {
	if err := w.jobs.FailJob(ctx, jobID, errText, at); err != nil {
		logger.Error("fail job write failed", zap.Error(err))
		return
	}
	telemetry.ObserveJob(string(analysis.JobStatusFailed), at.Sub(startedAt))
	logger.Info("job failed", zap.String("reason", errText))
	w.publishEvent(ctx, analysis.JobEvent{
		JobID:     jobID,
		Status:    analysis.JobStatusFailed,
		ErrorText: errText,
		At:        at,
	}, logger)
}

func (w *Worker) publishEvent(ctx context.Context, event analysis.JobEvent, logger *zap.Logger) {
	if w.events == nil {
		return
	}
	if _, err := w.events.Publish(ctx, event); err != nil {
		logger.Warn("event publish failed", zap.Error(err))
	}
}

// normalizeFailure maps execution errors to the human-readable message
// stored on the job. Collaborator payloads and stack traces never leak
// past this point.
func normalizeFailure(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "analysis timed out"
	case errors.Is(err, context.Canceled):
		return "analysis was interrupted"
	case analysis.IsPermanent(err):
		return err.Error()
	default:
		return "analysis service unavailable, retries exhausted"
	}
}
