// Package redis provides a Redis-backed ledger so counters survive
// process restarts and are shared across instances.
package redis

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/sitelens/sitelens/internal/analysis"
)

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Ledger counts submissions with INCR and bounds the window with a TTL
// set on the first increment.
type Ledger struct {
	client *redis.Client
	clock  analysis.Clock
}

// NewLedger connects to Redis and verifies the connection.
func NewLedger(ctx context.Context, cfg Config, clock analysis.Clock) (*Ledger, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Ledger{client: client, clock: clock}, nil
}

// Close releases the underlying client.
func (l *Ledger) Close() error {
	if err := l.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

// Reserve atomically checks and increments the counter for key. The
// increment and conditional expire run in one pipeline, so concurrent
// reservations for the same key serialize on the Redis side.
func (l *Ledger) Reserve(ctx context.Context, key string, limit int, window time.Duration) (analysis.Decision, error) {
	redisKey := "quota:" + key

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	// NX: only the first increment of a window sets the expiry.
	pipe.ExpireNX(ctx, redisKey, window)
	ttl := pipe.TTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return analysis.Decision{}, fmt.Errorf("reserve %s: %w", key, err)
	}

	remainingTTL := ttl.Val()
	if remainingTTL <= 0 {
		remainingTTL = window
	}
	resetAt := l.clock.Now().Add(remainingTTL)

	count := int(incr.Val())
	if count > limit {
		return analysis.Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}
	return analysis.Decision{
		Allowed:   true,
		Remaining: limit - count,
		ResetAt:   resetAt,
	}, nil
}
