// Package memory provides an in-memory JobStore for development/testing.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sitelens/sitelens/internal/analysis"
)

// JobStore keeps jobs in a mutex-guarded map while preserving the same
// guarded-transition semantics as the Postgres store.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]analysis.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]analysis.Job),
	}
}

// CreateJob stores a new job in queued status.
func (s *JobStore) CreateJob(_ context.Context, job analysis.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (analysis.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return analysis.Job{}, analysis.ErrNotFound
	}
	return job, nil
}

// MarkProcessing transitions queued -> processing.
func (s *JobStore) MarkProcessing(_ context.Context, jobID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return analysis.ErrNotFound
	}
	if job.Status != analysis.JobStatusQueued {
		return analysis.ErrConflict
	}
	job.Status = analysis.JobStatusProcessing
	job.StartedAt = pointerTime(at)
	s.jobs[jobID] = job
	return nil
}

// UpdateProgress writes advisory progress while processing. Regressions
// and writes against non-processing jobs are dropped silently.
func (s *JobStore) UpdateProgress(_ context.Context, jobID string, progress int, step string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return analysis.ErrNotFound
	}
	if job.Status != analysis.JobStatusProcessing || progress < job.Progress {
		return nil
	}
	if progress > 100 {
		progress = 100
	}
	job.Progress = progress
	job.CurrentStep = step
	s.jobs[jobID] = job
	return nil
}

// CompleteJob transitions processing -> completed in one update.
func (s *JobStore) CompleteJob(_ context.Context, jobID string, resultRef string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return analysis.ErrNotFound
	}
	if job.Status != analysis.JobStatusProcessing {
		return analysis.ErrConflict
	}
	job.Status = analysis.JobStatusCompleted
	job.Progress = 100
	job.CurrentStep = ""
	job.ResultRef = resultRef
	job.CompletedAt = pointerTime(at)
	s.jobs[jobID] = job
	return nil
}

// FailJob transitions any non-terminal state -> failed.
func (s *JobStore) FailJob(_ context.Context, jobID string, errText string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return analysis.ErrNotFound
	}
	if job.Status.IsTerminal() {
		return analysis.ErrConflict
	}
	job.Status = analysis.JobStatusFailed
	job.CurrentStep = ""
	job.ErrorText = errText
	job.CompletedAt = pointerTime(at)
	s.jobs[jobID] = job
	return nil
}

// RequeueJob transitions processing -> queued with an attempt increment.
func (s *JobStore) RequeueJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return analysis.ErrNotFound
	}
	if job.Status != analysis.JobStatusProcessing {
		return analysis.ErrConflict
	}
	job.Status = analysis.JobStatusQueued
	job.Progress = 0
	job.CurrentStep = ""
	job.StartedAt = nil
	job.Attempts++
	s.jobs[jobID] = job
	return nil
}

// ListStaleProcessing returns processing jobs started before the cutoff.
func (s *JobStore) ListStaleProcessing(_ context.Context, before time.Time) ([]analysis.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []analysis.Job
	for _, job := range s.jobs {
		if job.Status == analysis.JobStatusProcessing && job.StartedAt != nil && job.StartedAt.Before(before) {
			out = append(out, job)
		}
	}
	return out, nil
}

// ListStaleQueued returns queued jobs created before the cutoff.
func (s *JobStore) ListStaleQueued(_ context.Context, before time.Time) ([]analysis.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []analysis.Job
	for _, job := range s.jobs {
		if job.Status == analysis.JobStatusQueued && job.CreatedAt.Before(before) {
			out = append(out, job)
		}
	}
	return out, nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
