// Package analysis defines core types shared across subsystems.
package analysis

import (
	"time"
)

// JobStatus represents the lifecycle state of an analysis job.
type JobStatus string

// Job status values persisted in the job store. Transitions are
// monotonic: queued -> processing -> completed | failed.
const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further transitions are permitted.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is the metadata persisted for each submitted analysis request.
// Exactly one of AccountID or OwnerIP is set at creation and never
// changes. The ID doubles as a bearer capability for anonymous reads,
// so it must be unguessable.
type Job struct {
	ID          string     `json:"id"`
	URL         string     `json:"url"`
	TrafficHint string     `json:"traffic_hint,omitempty"`
	AccountID   string     `json:"account_id,omitempty"`
	OwnerIP     string     `json:"owner_ip,omitempty"`
	Status      JobStatus  `json:"status"`
	Progress    int        `json:"progress"`
	CurrentStep string     `json:"current_step,omitempty"`
	ErrorText   string     `json:"error_text,omitempty"`
	ResultRef   string     `json:"result_ref,omitempty"`
	Attempts    int        `json:"attempts"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Anonymous reports whether the job is owned by an IP rather than an
// account.
func (j Job) Anonymous() bool {
	return j.AccountID == ""
}

// Caller identifies the party making an HTTP request: an authenticated
// account (with its plan) or, failing that, the resolved client IP.
type Caller struct {
	AccountID string
	Plan      string
	IP        string
}

// Authenticated reports whether the caller presented a known account.
func (c Caller) Authenticated() bool {
	return c.AccountID != ""
}

// QueueItem wraps a job id ready for a worker to pick up.
type QueueItem struct {
	JobID     string
	Attempt   int
	Submitted int64
}

// JobEvent is published to the event topic on terminal transitions.
type JobEvent struct {
	JobID     string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	ResultRef string    `json:"result_ref,omitempty"`
	ErrorText string    `json:"error_text,omitempty"`
	At        time.Time `json:"at"`
}

// Decision is the outcome of a rate-limit reservation.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}
