// Package memory contains an in-memory event publisher for dev/tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/sitelens/sitelens/internal/analysis"
)

// Publisher stores published job events for inspection.
type Publisher struct {
	mu     sync.RWMutex
	events []analysis.JobEvent
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the event and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, event analysis.JobEvent) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return fmt.Sprintf("memory-%d", len(p.events)), nil
}

// Events returns the recorded publishes.
func (p *Publisher) Events() []analysis.JobEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]analysis.JobEvent, len(p.events))
	copy(out, p.events)
	return out
}
