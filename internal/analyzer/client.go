// Package analyzer implements the HTTP client for the external
// design-analysis collaborator.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/analysis"
)

// Config points the client at the collaborator.
type Config struct {
	Endpoint     string
	Timeout      time.Duration
	PollInterval time.Duration
}

// Client drives one analysis run against the collaborator: a trigger
// call acknowledged with an analysis id, then status polling until a
// terminal state. HTTP failures and upstream 5xx are transient (the
// worker's retry policy handles them); 4xx and malformed responses are
// permanent.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// NewClient constructs a Client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type startRequest struct {
	JobID       string `json:"job_id"`
	URL         string `json:"url"`
	TrafficHint string `json:"traffic_hint,omitempty"`
	CallerRef   string `json:"caller_ref,omitempty"`
}

type startResponse struct {
	AnalysisID string `json:"analysis_id"`
}

type statusResponse struct {
	State     string `json:"state"`
	Progress  int    `json:"progress"`
	Step      string `json:"step"`
	ResultRef string `json:"result_ref"`
	Error     string `json:"error"`
}

// Collaborator terminal states.
const (
	stateRunning   = "running"
	statePending   = "pending"
	stateCompleted = "completed"
	stateFailed    = "failed"
)

// Analyze triggers the collaborator for job and polls until it reaches
// a terminal state, reporting advisory progress along the way.
func (c *Client) Analyze(ctx context.Context, job analysis.Job, report analysis.ProgressFunc) (string, error) {
	analysisID, err := c.start(ctx, job)
	if err != nil {
		return "", err
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		status, err := c.poll(ctx, analysisID)
		if err != nil {
			return "", err
		}
		if report != nil {
			report(status.Progress, status.Step)
		}

		switch status.State {
		case statePending, stateRunning:
			continue
		case stateCompleted:
			if status.ResultRef == "" {
				return "", analysis.Permanent(fmt.Errorf("analysis %s completed without a result reference", analysisID))
			}
			return status.ResultRef, nil
		case stateFailed:
			msg := status.Error
			if msg == "" {
				msg = "analysis failed"
			}
			return "", analysis.Permanent(fmt.Errorf("analysis failed: %s", msg))
		default:
			return "", analysis.Permanent(fmt.Errorf("analysis %s reported unknown state %q", analysisID, status.State))
		}
	}
}

func (c *Client) start(ctx context.Context, job analysis.Job) (string, error) {
	callerRef := job.AccountID
	if callerRef == "" {
		callerRef = "anonymous"
	}
	body, err := json.Marshal(startRequest{
		JobID:       job.ID,
		URL:         job.URL,
		TrafficHint: job.TrafficHint,
		CallerRef:   callerRef,
	})
	if err != nil {
		return "", fmt.Errorf("marshal start request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+"/analyses", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build start request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("trigger analysis: %w", err)
	}
	defer drainAndClose(resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted:
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("analysis service unavailable: status %d", resp.StatusCode)
	default:
		return "", analysis.Permanent(fmt.Errorf("analysis service rejected the target: status %d", resp.StatusCode))
	}

	var start startResponse
	if err := json.NewDecoder(resp.Body).Decode(&start); err != nil {
		return "", analysis.Permanent(fmt.Errorf("decode start response: %w", err))
	}
	if start.AnalysisID == "" {
		return "", analysis.Permanent(fmt.Errorf("start response missing analysis id"))
	}
	return start.AnalysisID, nil
}

func (c *Client) poll(ctx context.Context, analysisID string) (statusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint+"/analyses/"+analysisID, nil)
	if err != nil {
		return statusResponse{}, fmt.Errorf("build status request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return statusResponse{}, fmt.Errorf("poll analysis: %w", err)
	}
	defer drainAndClose(resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		return statusResponse{}, fmt.Errorf("analysis service unavailable: status %d", resp.StatusCode)
	default:
		return statusResponse{}, analysis.Permanent(fmt.Errorf("analysis %s lookup failed: status %d", analysisID, resp.StatusCode))
	}

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return statusResponse{}, analysis.Permanent(fmt.Errorf("decode status response: %w", err))
	}
	return status, nil
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
