package dispatcher

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/analysis"
	queuemem "github.com/sitelens/sitelens/internal/queue/memory"
	storagemem "github.com/sitelens/sitelens/internal/storage/memory"
	"github.com/sitelens/sitelens/internal/worker"
)

type quickAnalyzer struct{}

func (quickAnalyzer) Analyze(ctx context.Context, job analysis.Job, report analysis.ProgressFunc) (string, error) {
	report(100, "done")
	return "reports/" + job.ID + ".json", nil
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

func TestDispatcherDrainsQueueAcrossWorkers(t *testing.T) {
	t.Parallel()

	store := storagemem.NewJobStore()
	queue := queuemem.NewQueue(16)

	const jobs = 8
	for i := 0; i < jobs; i++ {
		id := fmt.Sprintf("job-%d", i)
		require.NoError(t, store.CreateJob(context.Background(), analysis.Job{
			ID:        id,
			URL:       "https://example.com/",
			OwnerIP:   "203.0.113.9",
			Status:    analysis.JobStatusQueued,
			CreatedAt: time.Now().UTC(),
		}))
		require.NoError(t, queue.Enqueue(context.Background(), analysis.QueueItem{JobID: id}))
	}

	workers := make([]*worker.Worker, 3)
	for i := range workers {
		workers[i] = worker.New(queue, store, quickAnalyzer{}, nil, nil, utcClock{}, worker.Config{}, zap.NewNop())
	}

	d := New(queue, workers, Config{StatsInterval: 10 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		for i := 0; i < jobs; i++ {
			got, err := store.GetJob(context.Background(), fmt.Sprintf("job-%d", i))
			if err != nil || got.Status != analysis.JobStatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	require.Equal(t, 0, queue.Depth())
	require.Eventually(t, func() bool {
		return d.ActiveWorkers() == 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after cancel")
	}
}
