// Package memory provides an in-memory ledger for development/testing.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/sitelens/sitelens/internal/analysis"
)

type window struct {
	start time.Time
	count int
}

// Ledger keeps windowed counters in a mutex-guarded map. Counters are
// not durable across restarts; production deployments use the Redis
// ledger.
type Ledger struct {
	mu      sync.Mutex
	windows map[string]window
	clock   analysis.Clock
}

// NewLedger constructs a Ledger.
func NewLedger(clock analysis.Clock) *Ledger {
	return &Ledger{
		windows: make(map[string]window),
		clock:   clock,
	}
}

// Reserve atomically checks and increments the counter for key.
func (l *Ledger) Reserve(_ context.Context, key string, limit int, length time.Duration) (analysis.Decision, error) {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.start.Add(length)) {
		w = window{start: now}
	}
	resetAt := w.start.Add(length)

	if w.count >= limit {
		return analysis.Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}

	w.count++
	l.windows[key] = w
	return analysis.Decision{
		Allowed:   true,
		Remaining: limit - w.count,
		ResetAt:   resetAt,
	}, nil
}
