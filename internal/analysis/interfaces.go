package analysis

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by JobStore implementations.
var (
	// ErrNotFound indicates the job id has no row.
	ErrNotFound = errors.New("job not found")
	// ErrConflict indicates a guarded transition matched no row, e.g. a
	// duplicate delivery trying to mark a non-queued job as processing.
	ErrConflict = errors.New("job state conflict")
)

// JobStore persists jobs and enforces the lifecycle state machine with
// guarded single-row updates. Implementations must make each mutation
// atomic with respect to concurrent workers.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	// MarkProcessing transitions queued -> processing. Returns
	// ErrConflict when the job is not queued, which callers must treat
	// as "someone else owns this delivery" and skip.
	MarkProcessing(ctx context.Context, jobID string, at time.Time) error
	// UpdateProgress writes advisory progress while processing. Writes
	// that would decrease progress are dropped, not errors.
	UpdateProgress(ctx context.Context, jobID string, progress int, step string) error
	CompleteJob(ctx context.Context, jobID string, resultRef string, at time.Time) error
	FailJob(ctx context.Context, jobID string, errText string, at time.Time) error
	// RequeueJob transitions processing -> queued with an attempt
	// increment. Used only by the recovery sweep.
	RequeueJob(ctx context.Context, jobID string) error
	// ListStaleProcessing returns processing jobs started before the
	// cutoff.
	ListStaleProcessing(ctx context.Context, before time.Time) ([]Job, error)
	// ListStaleQueued returns queued jobs created before the cutoff,
	// candidates for a lost enqueue trigger.
	ListStaleQueued(ctx context.Context, before time.Time) ([]Job, error)
}

// Queue provides FIFO hand-off between admission and workers.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
	Depth() int
}

// Ledger answers "may this identity submit now" with atomic
// check-and-increment semantics. A reservation at the limit is denied.
type Ledger interface {
	Reserve(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

// ProgressFunc receives advisory progress updates from an Analyzer.
type ProgressFunc func(progress int, step string)

// Analyzer is the external design-analysis collaborator, seen from the
// worker. Analyze blocks until the collaborator reaches a terminal
// state and returns a reference to the stored result.
type Analyzer interface {
	Analyze(ctx context.Context, job Job, report ProgressFunc) (resultRef string, err error)
}

// EventPublisher pushes terminal job events to downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, event JobEvent) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
