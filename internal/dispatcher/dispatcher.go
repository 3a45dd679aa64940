// Package dispatcher fans queue items out to a fixed pool of workers.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/analysis"
	"github.com/sitelens/sitelens/internal/telemetry"
	"github.com/sitelens/sitelens/internal/worker"
)

// Config controls the Dispatcher.
type Config struct {
	// StatsInterval is how often queue statistics are logged and the
	// depth gauge refreshed. Defaults to one minute.
	StatsInterval time.Duration
}

// Dispatcher runs the worker pool and a periodic stats snapshot.
type Dispatcher struct {
	queue   analysis.Queue
	workers []*worker.Worker
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Dispatcher over an already-built worker pool.
func New(queue analysis.Queue, workers []*worker.Worker, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = time.Minute
	}
	return &Dispatcher{
		queue:   queue,
		workers: workers,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run starts every worker plus the stats loop and blocks until all of
// them return after the context ends.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("starting worker pool", zap.Int("workers", len(d.workers)))

	var wg sync.WaitGroup
	for i, w := range d.workers {
		wg.Add(1)
		go func(i int, w *worker.Worker) {
			defer wg.Done()
			w.Run(ctx)
			d.logger.Debug("worker stopped", zap.Int("worker", i))
		}(i, w)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.statsLoop(ctx)
	}()

	wg.Wait()
	d.logger.Info("worker pool stopped")
}

// ActiveWorkers reports how many workers currently hold a job.
func (d *Dispatcher) ActiveWorkers() int {
	active := 0
	for _, w := range d.workers {
		if w.Active() {
			active++
		}
	}
	return active
}

func (d *Dispatcher) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth := d.queue.Depth()
			telemetry.SetQueueDepth(depth)
			d.logger.Info("queue stats",
				zap.Int("queue_depth", depth),
				zap.Int("active_workers", d.ActiveWorkers()),
			)
		}
	}
}
