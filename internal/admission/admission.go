// Package admission validates submissions, classifies callers, enforces
// quotas, and hands admitted jobs to the queue.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/analysis"
	"github.com/sitelens/sitelens/internal/ratelimit"
	"github.com/sitelens/sitelens/internal/telemetry"
)

// ErrAuthRequired is returned when the deployment disallows anonymous
// submissions and the caller presented no identity.
var ErrAuthRequired = errors.New("authentication required")

// Quota windows per identity class.
const (
	anonymousWindow = 24 * time.Hour
	accountWindow   = 7 * 24 * time.Hour
)

// PlanFree is the account plan subject to the weekly quota. Any other
// non-empty plan is treated as unlimited.
const PlanFree = "free"

// Caller classes reported to telemetry and carried on rejections.
const (
	ClassAnonymous = "anonymous"
	ClassFree      = "free"
	ClassPaid      = "paid"
)

// InputError marks a synchronous validation failure. Nothing is queued.
type InputError struct {
	Err error
}

func (e *InputError) Error() string { return e.Err.Error() }

func (e *InputError) Unwrap() error { return e.Err }

// QuotaError carries the window reset time so clients can back off.
type QuotaError struct {
	Class   string
	ResetAt time.Time
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s submission quota exceeded, resets at %s", e.Class, e.ResetAt.Format(time.RFC3339))
}

// Config sets per-class quotas.
type Config struct {
	AuthRequired    bool
	AnonymousPerDay int
	FreePerWeek     int
}

// SubmitRequest is the validated client input.
type SubmitRequest struct {
	URL         string
	TrafficHint string
}

// Controller implements the admission pipeline in front of the queue.
type Controller struct {
	jobs   analysis.JobStore
	ledger analysis.Ledger
	queue  analysis.Queue
	idGen  analysis.IDGenerator
	clock  analysis.Clock
	cfg    Config
	logger *zap.Logger
}

// NewController constructs a Controller.
func NewController(
	jobs analysis.JobStore,
	ledger analysis.Ledger,
	queue analysis.Queue,
	idGen analysis.IDGenerator,
	clock analysis.Clock,
	cfg Config,
	logger *zap.Logger,
) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		jobs:   jobs,
		ledger: ledger,
		queue:  queue,
		idGen:  idGen,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
}

// Submit validates the request, reserves quota, creates the durable job
// row, and enqueues it. A failed enqueue still returns success: the
// queued row is the source of truth and the recovery sweep re-enqueues
// it out of band.
func (c *Controller) Submit(ctx context.Context, req SubmitRequest, caller analysis.Caller) (analysis.Job, error) {
	normalized, err := analysis.NormalizeTargetURL(req.URL)
	if err != nil {
		return analysis.Job{}, &InputError{Err: err}
	}

	if !caller.Authenticated() {
		if c.cfg.AuthRequired {
			return analysis.Job{}, ErrAuthRequired
		}
		if caller.IP == "" {
			return analysis.Job{}, &InputError{Err: errors.New("client address could not be resolved")}
		}
	}

	class, err := c.reserveQuota(ctx, caller)
	if err != nil {
		return analysis.Job{}, err
	}

	jobID, err := c.idGen.NewID()
	if err != nil {
		return analysis.Job{}, fmt.Errorf("generate job id: %w", err)
	}

	now := c.clock.Now()
	job := analysis.Job{
		ID:          jobID,
		URL:         normalized,
		TrafficHint: req.TrafficHint,
		Status:      analysis.JobStatusQueued,
		CreatedAt:   now,
	}
	if caller.Authenticated() {
		job.AccountID = caller.AccountID
	} else {
		job.OwnerIP = caller.IP
	}

	if err := c.jobs.CreateJob(ctx, job); err != nil {
		return analysis.Job{}, fmt.Errorf("create job: %w", err)
	}
	telemetry.ObserveSubmission(class)

	queueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	item := analysis.QueueItem{
		JobID:     jobID,
		Attempt:   1,
		Submitted: now.Unix(),
	}
	if err := c.queue.Enqueue(queueCtx, item); err != nil {
		// Deliberately not fatal: the job row stays queued and the
		// recovery sweep picks it up.
		telemetry.ObserveEnqueueFailure()
		c.logger.Error("enqueue failed, leaving job for recovery sweep",
			zap.String("job_id", jobID),
			zap.Error(err),
		)
	}

	return job, nil
}

func (c *Controller) reserveQuota(ctx context.Context, caller analysis.Caller) (string, error) {
	var (
		class  string
		key    string
		limit  int
		window time.Duration
	)
	switch {
	case caller.Authenticated() && caller.Plan != PlanFree && caller.Plan != "":
		// Paid tiers are not metered.
		return ClassPaid, nil
	case caller.Authenticated():
		class = ClassFree
		key = ratelimit.Key(ratelimit.ClassAccount, caller.AccountID)
		limit = c.cfg.FreePerWeek
		window = accountWindow
	default:
		class = ClassAnonymous
		key = ratelimit.Key(ratelimit.ClassAnonymous, caller.IP)
		limit = c.cfg.AnonymousPerDay
		window = anonymousWindow
	}

	decision, err := c.ledger.Reserve(ctx, key, limit, window)
	if err != nil {
		return "", fmt.Errorf("reserve quota: %w", err)
	}
	if !decision.Allowed {
		telemetry.ObserveQuotaRejection(class)
		return "", &QuotaError{Class: class, ResetAt: decision.ResetAt}
	}
	return class, nil
}
