package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/sitelens/sitelens/internal/analysis"
)

func newMockStore(t *testing.T) (*JobStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewJobStoreWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func TestCreateJobInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	job := analysis.Job{
		ID:        "d9b2d63d-a233-4123-847a-717d33688f80",
		URL:       "https://example.com/",
		OwnerIP:   "203.0.113.5",
		Status:    analysis.JobStatusQueued,
		CreatedAt: now,
	}

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(
			job.ID,
			job.URL,
			job.TrafficHint,
			job.AccountID,
			job.OwnerIP,
			job.Status,
			job.Progress,
			job.CurrentStep,
			job.ErrorText,
			job.ResultRef,
			job.Attempts,
			job.CreatedAt,
			job.StartedAt,
			job.CompletedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateJob(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkProcessingUpdatesQueuedRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	at := time.Unix(1700000100, 0).UTC()

	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs("job-1", analysis.JobStatusProcessing, at, analysis.JobStatusQueued).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.MarkProcessing(context.Background(), "job-1", at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkProcessingConflictWhenNotQueued(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	at := time.Unix(1700000100, 0).UTC()

	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs("job-1", analysis.JobStatusProcessing, at, analysis.JobStatusQueued).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	err := store.MarkProcessing(context.Background(), "job-1", at)
	require.ErrorIs(t, err, analysis.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkProcessingNotFoundWhenRowMissing(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	at := time.Unix(1700000100, 0).UTC()

	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs("job-x", analysis.JobStatusProcessing, at, analysis.JobStatusQueued).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("job-x").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	err := store.MarkProcessing(context.Background(), "job-x", at)
	require.ErrorIs(t, err, analysis.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateProgressIgnoresZeroRowUpdates(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE jobs SET progress").
		WithArgs("job-1", 40, "rendering page", analysis.JobStatusProcessing).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.UpdateProgress(context.Background(), "job-1", 40, "rendering page"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteJobWritesResultAtomically(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	at := time.Unix(1700000200, 0).UTC()

	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs("job-1", analysis.JobStatusCompleted, "reports/job-1", at, analysis.JobStatusProcessing).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.CompleteJob(context.Background(), "job-1", "reports/job-1", at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailJobGuardsTerminalStates(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	at := time.Unix(1700000300, 0).UTC()

	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs(
			"job-1",
			analysis.JobStatusFailed,
			"analysis timed out",
			at,
			analysis.JobStatusQueued,
			analysis.JobStatusProcessing,
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	err := store.FailJob(context.Background(), "job-1", "analysis timed out", at)
	require.ErrorIs(t, err, analysis.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeueJobIncrementsAttempts(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs("job-1", analysis.JobStatusQueued, analysis.JobStatusProcessing).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.RequeueJob(context.Background(), "job-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobScansRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	started := now.Add(time.Minute)

	rows := pgxmock.NewRows([]string{
		"id", "url", "traffic_hint", "account_id", "owner_ip", "status", "progress",
		"current_step", "error_text", "result_ref", "attempts", "created_at", "started_at", "completed_at",
	}).AddRow(
		"job-1", "https://example.com/", "", "", "203.0.113.5", analysis.JobStatusProcessing, 40,
		"rendering page", "", "", 0, now, &started, (*time.Time)(nil),
	)

	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id").
		WithArgs("job-1").
		WillReturnRows(rows)

	job, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, analysis.JobStatusProcessing, job.Status)
	require.Equal(t, 40, job.Progress)
	require.Equal(t, "203.0.113.5", job.OwnerIP)
	require.NotNil(t, job.StartedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	_, err := store.GetJob(context.Background(), "missing")
	require.ErrorIs(t, err, analysis.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListStaleProcessingScansRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	started := now.Add(-time.Hour)

	rows := pgxmock.NewRows([]string{
		"id", "url", "traffic_hint", "account_id", "owner_ip", "status", "progress",
		"current_step", "error_text", "result_ref", "attempts", "created_at", "started_at", "completed_at",
	}).AddRow(
		"job-stale", "https://example.com/", "", "", "203.0.113.5", analysis.JobStatusProcessing, 10,
		"fetching page", "", "", 0, now.Add(-2*time.Hour), &started, (*time.Time)(nil),
	)

	mock.ExpectQuery("SELECT (.+) FROM jobs").
		WithArgs(analysis.JobStatusProcessing, now).
		WillReturnRows(rows)

	jobs, err := store.ListStaleProcessing(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "job-stale", jobs[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}
