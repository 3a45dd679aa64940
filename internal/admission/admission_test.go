package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/analysis"
	queuememory "github.com/sitelens/sitelens/internal/queue/memory"
	ratelimitmemory "github.com/sitelens/sitelens/internal/ratelimit/memory"
	storagememory "github.com/sitelens/sitelens/internal/storage/memory"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type fakeIDGen struct {
	ids []string
	n   int
}

func (g *fakeIDGen) NewID() (string, error) {
	if g.n >= len(g.ids) {
		return "", errors.New("out of ids")
	}
	id := g.ids[g.n]
	g.n++
	return id, nil
}

type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, analysis.QueueItem) error {
	return errors.New("queue unavailable")
}

func (failingQueue) Dequeue(context.Context) (analysis.QueueItem, error) {
	return analysis.QueueItem{}, errors.New("queue unavailable")
}

func (failingQueue) Depth() int { return 0 }

func newController(t *testing.T, q analysis.Queue, cfg Config) (*Controller, *storagememory.JobStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1000, 0).UTC()}
	store := storagememory.NewJobStore()
	ledger := ratelimitmemory.NewLedger(clock)
	idGen := &fakeIDGen{ids: []string{"job-1", "job-2", "job-3"}}
	return NewController(store, ledger, q, idGen, clock, cfg, zap.NewNop()), store, clock
}

func defaultConfig() Config {
	return Config{AnonymousPerDay: 1, FreePerWeek: 2}
}

func TestSubmit_AnonymousOwnerIsIP(t *testing.T) {
	t.Parallel()

	q := queuememory.NewQueue(4)
	ctrl, store, _ := newController(t, q, defaultConfig())

	job, err := ctrl.Submit(context.Background(), SubmitRequest{URL: "https://example.com"}, analysis.Caller{IP: "203.0.113.5"})
	require.NoError(t, err)
	require.Equal(t, analysis.JobStatusQueued, job.Status)
	require.Equal(t, "203.0.113.5", job.OwnerIP)
	require.Empty(t, job.AccountID)
	require.Equal(t, "https://example.com/", job.URL)

	stored, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, job.ID, stored.ID)

	item, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, job.ID, item.JobID)
}

func TestSubmit_AuthenticatedOwnerIsAccount(t *testing.T) {
	t.Parallel()

	q := queuememory.NewQueue(4)
	ctrl, _, _ := newController(t, q, defaultConfig())
	caller := analysis.Caller{AccountID: "acct-1", Plan: "free", IP: "203.0.113.5"}

	job, err := ctrl.Submit(context.Background(), SubmitRequest{URL: "https://example.com"}, caller)
	require.NoError(t, err)
	require.Equal(t, "acct-1", job.AccountID)
	require.Empty(t, job.OwnerIP)
}

func TestSubmit_InvalidURLNeverCreatesJob(t *testing.T) {
	t.Parallel()

	q := queuememory.NewQueue(4)
	ctrl, _, _ := newController(t, q, defaultConfig())

	_, err := ctrl.Submit(context.Background(), SubmitRequest{URL: "http://localhost/"}, analysis.Caller{IP: "203.0.113.5"})
	var inputErr *InputError
	require.ErrorAs(t, err, &inputErr)
	require.ErrorIs(t, err, analysis.ErrLocalTarget)
	require.Equal(t, 0, q.Depth())
}

func TestSubmit_AnonymousQuotaExhaustedSecondSameDay(t *testing.T) {
	t.Parallel()

	q := queuememory.NewQueue(4)
	ctrl, _, clock := newController(t, q, defaultConfig())
	caller := analysis.Caller{IP: "203.0.113.5"}

	_, err := ctrl.Submit(context.Background(), SubmitRequest{URL: "https://example.com"}, caller)
	require.NoError(t, err)

	_, err = ctrl.Submit(context.Background(), SubmitRequest{URL: "https://example.org"}, caller)
	var quotaErr *QuotaError
	require.ErrorAs(t, err, &quotaErr)
	require.Equal(t, ClassAnonymous, quotaErr.Class)
	require.Equal(t, clock.now.Add(24*time.Hour), quotaErr.ResetAt)

	// A different IP is unaffected.
	_, err = ctrl.Submit(context.Background(), SubmitRequest{URL: "https://example.com"}, analysis.Caller{IP: "198.51.100.7"})
	require.NoError(t, err)
}

func TestSubmit_FreeAccountWeeklyBoundary(t *testing.T) {
	t.Parallel()

	q := queuememory.NewQueue(8)
	ctrl, _, clock := newController(t, q, defaultConfig())
	caller := analysis.Caller{AccountID: "acct-1", Plan: "free"}

	for i := 0; i < 2; i++ {
		_, err := ctrl.Submit(context.Background(), SubmitRequest{URL: "https://example.com"}, caller)
		require.NoError(t, err)
	}

	_, err := ctrl.Submit(context.Background(), SubmitRequest{URL: "https://example.com"}, caller)
	var quotaErr *QuotaError
	require.ErrorAs(t, err, &quotaErr)
	require.Equal(t, ClassFree, quotaErr.Class)
	require.True(t, quotaErr.ResetAt.After(clock.now))
}

func TestSubmit_PaidPlanIsUnmetered(t *testing.T) {
	t.Parallel()

	q := queuememory.NewQueue(16)
	ctrl, _, _ := newController(t, q, defaultConfig())
	caller := analysis.Caller{AccountID: "acct-pro", Plan: "pro"}

	for i := 0; i < 3; i++ {
		_, err := ctrl.Submit(context.Background(), SubmitRequest{URL: "https://example.com"}, caller)
		require.NoError(t, err)
	}
}

func TestSubmit_AuthRequiredRejectsAnonymous(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	cfg.AuthRequired = true
	q := queuememory.NewQueue(4)
	ctrl, _, _ := newController(t, q, cfg)

	_, err := ctrl.Submit(context.Background(), SubmitRequest{URL: "https://example.com"}, analysis.Caller{IP: "203.0.113.5"})
	require.ErrorIs(t, err, ErrAuthRequired)
}

func TestSubmit_EnqueueFailureStillAdmits(t *testing.T) {
	t.Parallel()

	ctrl, store, _ := newController(t, failingQueue{}, defaultConfig())

	job, err := ctrl.Submit(context.Background(), SubmitRequest{URL: "https://example.com"}, analysis.Caller{IP: "203.0.113.5"})
	require.NoError(t, err)

	stored, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, analysis.JobStatusQueued, stored.Status)
}
