package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/access"
	"github.com/sitelens/sitelens/internal/admission"
	"github.com/sitelens/sitelens/internal/analysis"
	"github.com/sitelens/sitelens/internal/id/uuid"
)

type submitRequest struct {
	URL         string `json:"url"`
	TrafficHint string `json:"trafficHint,omitempty"`
}

type submitResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

type quotaResponse struct {
	Error   string    `json:"error"`
	ResetAt time.Time `json:"resetAt"`
}

// jobView is the owner-facing projection of a job. Internal fields
// (owner identity, attempt counters) never leave the service.
type jobView struct {
	JobID       string     `json:"jobId"`
	URL         string     `json:"url"`
	Status      string     `json:"status"`
	Progress    int        `json:"progress"`
	CurrentStep string     `json:"currentStep,omitempty"`
	Error       string     `json:"error,omitempty"`
	ResultRef   string     `json:"resultRef,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

func (s *Server) submitAnalysis(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	caller := callerFromContext(r.Context())

	job, err := s.admit.Submit(r.Context(), admission.SubmitRequest{
		URL:         req.URL,
		TrafficHint: req.TrafficHint,
	}, caller)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, submitResponse{
		JobID:  job.ID,
		Status: string(job.Status),
	})
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	var inputErr *admission.InputError
	var quotaErr *admission.QuotaError
	switch {
	case errors.As(err, &inputErr):
		writeError(w, http.StatusBadRequest, inputErr.Error())
	case errors.Is(err, admission.ErrAuthRequired):
		writeError(w, http.StatusUnauthorized, "authentication required")
	case errors.As(err, &quotaErr):
		writeJSON(w, http.StatusTooManyRequests, quotaResponse{
			Error:   fmt.Sprintf("%s submission limit reached", quotaErr.Class),
			ResetAt: quotaErr.ResetAt.UTC(),
		})
	default:
		s.logger.Error("submission failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if !uuid.IsValid(jobID) {
		writeError(w, http.StatusBadRequest, "malformed job id")
		return
	}

	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, analysis.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("job lookup failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	caller := callerFromContext(r.Context())
	switch s.access.CanView(job, caller, s.clock.Now()) {
	case access.Allow:
	case access.SignInRequired:
		writeError(w, http.StatusUnauthorized, "sign in to view this job")
		return
	case access.Forbidden:
		writeError(w, http.StatusForbidden, "you do not have access to this job")
		return
	}

	w.Header().Set("Cache-Control", cacheControl(job.Status))
	writeJSON(w, http.StatusOK, jobView{
		JobID:       job.ID,
		URL:         job.URL,
		Status:      string(job.Status),
		Progress:    job.Progress,
		CurrentStep: job.CurrentStep,
		Error:       job.ErrorText,
		ResultRef:   job.ResultRef,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	})
}

// cacheControl lets clients poll non-terminal jobs briskly while
// terminal states cache for longer.
func cacheControl(status analysis.JobStatus) string {
	if status.IsTerminal() {
		return "private, max-age=300"
	}
	return "private, max-age=3"
}
