package client

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffConfig enumerates the dispatcher's retry schedule.
type BackoffConfig struct {
	MaxAttempts    int
	InitialMs      int
	MaxMs          int
	Factor         float64
	Randomization  float64
}

// DefaultBackoffConfig matches the exact retry schedule: initial 1s, factor
// 2x, max 5s, randomization 0.5, at most 5 attempts.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		MaxAttempts:   5,
		InitialMs:     1000,
		MaxMs:         5000,
		Factor:        2.0,
		Randomization: 0.5,
	}
}

// newBackOff builds a cenkalti/backoff/v4 ExponentialBackOff matching cfg,
// capped to run at most cfg.MaxAttempts times via backoff.WithMaxRetries.
// This replaces a hand-rolled jitter loop with the one real dependency in
// the pack purpose-built for this exact exponential-backoff shape.
func newBackOff(cfg BackoffConfig) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Duration(cfg.InitialMs) * time.Millisecond
	eb.MaxInterval = time.Duration(cfg.MaxMs) * time.Millisecond
	eb.Multiplier = cfg.Factor
	eb.RandomizationFactor = cfg.Randomization
	eb.MaxElapsedTime = 0 // bounded by attempt count, not elapsed time
	return backoff.WithMaxRetries(eb, uint64(cfg.MaxAttempts-1))
}

// sleepBackoff waits for the next interval b produces, or returns false
// immediately if ctx is done or the schedule is exhausted.
func sleepBackoff(ctx context.Context, b backoff.BackOff) bool {
	d := b.NextBackOff()
	if d == backoff.Stop {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
