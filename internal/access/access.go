// Package access decides whether a caller may read a job's status.
package access

import (
	"time"

	"github.com/sitelens/sitelens/internal/analysis"
)

// Decision is the outcome of an ownership check.
type Decision int

const (
	// Allow grants the read.
	Allow Decision = iota
	// SignInRequired means the job belongs to an account and the caller
	// presented no identity. Distinct from Forbidden so the client can
	// prompt for sign-in.
	SignInRequired
	// Forbidden means the caller's identity does not match the owner.
	Forbidden
)

// Resolver applies the ownership rules. Anonymous jobs tolerate an IP
// mismatch inside a grace window measured from job creation, which
// covers mobile-network and proxy IP churn without granting long-lived
// anonymous access.
type Resolver struct {
	statusGrace time.Duration
	reportGrace time.Duration
}

// NewResolver builds a Resolver with the configured grace windows.
func NewResolver(statusGrace, reportGrace time.Duration) *Resolver {
	return &Resolver{
		statusGrace: statusGrace,
		reportGrace: reportGrace,
	}
}

// CanView decides whether caller may read job at the given time.
func (r *Resolver) CanView(job analysis.Job, caller analysis.Caller, now time.Time) Decision {
	if !job.Anonymous() {
		switch {
		case !caller.Authenticated():
			return SignInRequired
		case caller.AccountID == job.AccountID:
			return Allow
		default:
			return Forbidden
		}
	}

	if caller.IP != "" && caller.IP == job.OwnerIP {
		return Allow
	}

	// Completed jobs keep the longer report window; everything else gets
	// the short status window.
	grace := r.statusGrace
	if job.Status == analysis.JobStatusCompleted {
		grace = r.reportGrace
	}
	if now.Sub(job.CreatedAt) < grace {
		return Allow
	}
	return Forbidden
}
