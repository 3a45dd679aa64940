package analyzer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/analysis"
)

type fakeCollaborator struct {
	mu       sync.Mutex
	started  []startRequest
	statuses []statusResponse
	poll     int
	startErr int
}

func (f *fakeCollaborator) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /analyses", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.startErr != 0 {
			w.WriteHeader(f.startErr)
			return
		}
		var req startRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.started = append(f.started, req)
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(startResponse{AnalysisID: "an-1"})
	})
	mux.HandleFunc("GET /analyses/an-1", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		idx := f.poll
		if idx >= len(f.statuses) {
			idx = len(f.statuses) - 1
		}
		f.poll++
		_ = json.NewEncoder(w).Encode(f.statuses[idx])
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeCollaborator) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return NewClient(Config{
		Endpoint:     srv.URL,
		Timeout:      time.Second,
		PollInterval: 5 * time.Millisecond,
	}, zap.NewNop())
}

func TestAnalyze_ReportsProgressAndReturnsResult(t *testing.T) {
	t.Parallel()

	f := &fakeCollaborator{
		statuses: []statusResponse{
			{State: "running", Progress: 20, Step: "fetching page"},
			{State: "running", Progress: 70, Step: "scoring design"},
			{State: "completed", Progress: 100, ResultRef: "reports/an-1"},
		},
	}
	client := newTestClient(t, f)

	var mu sync.Mutex
	var steps []string
	job := analysis.Job{ID: "job-1", URL: "https://example.com/", OwnerIP: "203.0.113.5"}
	ref, err := client.Analyze(context.Background(), job, func(_ int, step string) {
		mu.Lock()
		steps = append(steps, step)
		mu.Unlock()
	})
	require.NoError(t, err)
	require.Equal(t, "reports/an-1", ref)
	require.Contains(t, steps, "fetching page")
	require.Contains(t, steps, "scoring design")

	require.Len(t, f.started, 1)
	require.Equal(t, "job-1", f.started[0].JobID)
	require.Equal(t, "anonymous", f.started[0].CallerRef)
}

func TestAnalyze_CollaboratorFailureIsPermanent(t *testing.T) {
	t.Parallel()

	f := &fakeCollaborator{
		statuses: []statusResponse{
			{State: "failed", Error: "target unreachable"},
		},
	}
	client := newTestClient(t, f)

	_, err := client.Analyze(context.Background(), analysis.Job{ID: "job-1", URL: "https://example.com/"}, nil)
	require.Error(t, err)
	require.True(t, analysis.IsPermanent(err))
	require.Contains(t, err.Error(), "target unreachable")
}

func TestAnalyze_UpstreamServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	f := &fakeCollaborator{startErr: http.StatusBadGateway}
	client := newTestClient(t, f)

	_, err := client.Analyze(context.Background(), analysis.Job{ID: "job-1", URL: "https://example.com/"}, nil)
	require.Error(t, err)
	require.False(t, analysis.IsPermanent(err))
}

func TestAnalyze_UpstreamRejectionIsPermanent(t *testing.T) {
	t.Parallel()

	f := &fakeCollaborator{startErr: http.StatusUnprocessableEntity}
	client := newTestClient(t, f)

	_, err := client.Analyze(context.Background(), analysis.Job{ID: "job-1", URL: "https://example.com/"}, nil)
	require.Error(t, err)
	require.True(t, analysis.IsPermanent(err))
}

func TestAnalyze_ContextCancellationStopsPolling(t *testing.T) {
	t.Parallel()

	f := &fakeCollaborator{
		statuses: []statusResponse{
			{State: "running", Progress: 10, Step: "fetching page"},
		},
	}
	client := newTestClient(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := client.Analyze(ctx, analysis.Job{ID: "job-1", URL: "https://example.com/"}, nil)
	require.Error(t, err)
}
