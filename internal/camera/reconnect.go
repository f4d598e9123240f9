package camera

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ReconnectConfig controls pipeline restarts after bus errors.
type ReconnectConfig struct {
	MaxRetries    int           // consecutive failures before giving up (0 = never)
	RetryDelay    time.Duration // first backoff delay
	MaxRetryDelay time.Duration // backoff cap
}

// DefaultReconnectConfig returns 1s doubling up to 30s, retried forever.
// A camera unplugged for a minute should come back without a restart.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:    0,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

type reconnectState struct {
	currentRetries int
	reconnects     uint32 // atomic
}

// runFunc runs one pipeline incarnation until it fails (non-nil error) or
// ctx is cancelled (nil).
type runFunc func(ctx context.Context, attempt int) error

// runWithReconnect calls fn until ctx is cancelled, backing off
// exponentially after each failure.
func runWithReconnect(ctx context.Context, fn runFunc, cfg ReconnectConfig, state *reconnectState) error {
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return nil
		}

		err := fn(ctx, attempt)
		if err == nil || ctx.Err() != nil {
			return nil
		}

		state.currentRetries++
		atomic.AddUint32(&state.reconnects, 1)

		if cfg.MaxRetries > 0 && state.currentRetries > cfg.MaxRetries {
			return fmt.Errorf("camera: max retries exceeded (%d attempts): %w", cfg.MaxRetries, err)
		}

		delay := calculateBackoff(state.currentRetries, cfg)
		slog.Warn("camera: pipeline failed, retrying",
			"error", err,
			"attempt", state.currentRetries,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
		)

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil
		}
	}
}

func (s *reconnectState) reset() {
	s.currentRetries = 0
}

func calculateBackoff(attempt int, cfg ReconnectConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 31 {
		return cfg.MaxRetryDelay
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
