package model

import (
	"fmt"
	"time"
)

// RestartConfig controls respawning of a crashed worker process.
type RestartConfig struct {
	MaxRetries    int           // consecutive failed spawns before giving up (0 = never give up)
	RetryDelay    time.Duration // first backoff delay
	MaxRetryDelay time.Duration // backoff cap
}

// DefaultRestartConfig returns 1s initial backoff doubling up to 30s,
// retried indefinitely.
func DefaultRestartConfig() RestartConfig {
	return RestartConfig{
		MaxRetries:    0,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// restartState tracks consecutive spawn failures. Guarded by the worker's
// call lock.
type restartState struct {
	failures int
	next     time.Time
	restarts uint64
}

// calculateBackoff returns RetryDelay * 2^(attempt-1), capped.
//
//	attempt 1: 1s, 2: 2s, 3: 4s, 4: 8s, 5: 16s, 6+: 30s
func calculateBackoff(attempt int, cfg RestartConfig) time.Duration {
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

// allow reports whether a spawn may be attempted at now.
func (s *restartState) allow(now time.Time, cfg RestartConfig) error {
	if cfg.MaxRetries > 0 && s.failures >= cfg.MaxRetries {
		return fmt.Errorf("%w: max restarts exceeded (%d attempts)", ErrWorkerExited, cfg.MaxRetries)
	}
	if now.Before(s.next) {
		return fmt.Errorf("%w: restart backoff, next attempt in %s", ErrWorkerExited, s.next.Sub(now).Round(time.Millisecond))
	}
	return nil
}

func (s *restartState) failed(now time.Time, cfg RestartConfig) time.Duration {
	s.failures++
	d := calculateBackoff(s.failures, cfg)
	s.next = now.Add(d)
	return d
}

func (s *restartState) succeeded() {
	s.failures = 0
	s.next = time.Time{}
}
