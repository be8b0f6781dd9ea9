package indexer

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"
)

// RateLimiter paces requests against the indexer with a token bucket.
type RateLimiter struct {
	limiter *rate.Limiter
	name    string
}

// NewRateLimiter creates a rate limiter allowing rps requests per second.
func NewRateLimiter(name string, rps int) *RateLimiter {
	slog.Debug("rate limiter created",
		"name", name,
		"rps", rps,
	)
	return &RateLimiter{
		// Burst(1) spreads requests evenly across the second instead of
		// letting the client front-load a burst the indexer would throttle.
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		name:    name,
	}
}

// Wait blocks until the limiter allows another request or ctx is cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if err := rl.limiter.Wait(ctx); err != nil {
		slog.Warn("rate limiter wait cancelled",
			"name", rl.name,
			"error", err,
		)
		return err
	}
	return nil
}
