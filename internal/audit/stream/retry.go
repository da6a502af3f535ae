package stream

import (
	"context"
	"fmt"
	"math"
	"time"
)

// RetryConfig controls exponential backoff between publish attempts.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultRetryConfig returns the relay's default backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     5,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
	}
}

// Backoff returns the delay before retry number attempt (0-based).
func (c RetryConfig) Backoff(attempt int) time.Duration {
	backoff := float64(c.InitialBackoff) * math.Pow(c.BackoffFactor, float64(attempt))
	if backoff > float64(c.MaxBackoff) {
		backoff = float64(c.MaxBackoff)
	}
	return time.Duration(backoff)
}

// Retry calls fn until it succeeds, MaxRetries is exhausted or ctx ends.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if attempt == cfg.MaxRetries {
			break
		}
		timer := time.NewTimer(cfg.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry aborted: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}
