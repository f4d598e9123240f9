package model

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"nil", nil, CategoryUnknown},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), CategoryTimeout},
		{"exited", fmt.Errorf("%w: signal: killed", ErrWorkerExited), CategoryWorkerExited},
		{"stopped", ErrWorkerStopped, CategoryWorkerExited},
		{"protocol", ErrProtocol, CategoryProtocol},
		{"malformed", ErrMalformedFrame, CategoryMalformedFrame},
		{"model", fmt.Errorf("%w: out of memory", ErrModel), CategoryModel},
		{"opaque", errors.New("boom"), CategoryUnknown},
		{"already classified", &InferenceError{Category: CategoryProtocol, Err: errors.New("x")}, CategoryProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestInferenceError(t *testing.T) {
	cause := fmt.Errorf("%w: too slow", context.DeadlineExceeded)
	err := inferenceError(42, cause)

	assert.Equal(t, CategoryTimeout, err.Category)
	assert.Equal(t, uint64(42), err.FrameSeq)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "[timeout]")
	assert.Contains(t, err.Error(), "frame_seq=42")
}

func TestCategoryString(t *testing.T) {
	assert.Equal(t, "worker_exited", CategoryWorkerExited.String())
	assert.Equal(t, "malformed_frame", CategoryMalformedFrame.String())
	assert.Equal(t, "unknown", Category(99).String())
}

func TestCalculateBackoff(t *testing.T) {
	cfg := DefaultRestartConfig()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{40, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, calculateBackoff(tt.attempt, cfg), "attempt %d", tt.attempt)
	}
}

func TestRestartState(t *testing.T) {
	cfg := RestartConfig{MaxRetries: 2, RetryDelay: time.Second, MaxRetryDelay: 5 * time.Second}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var s restartState
	require.NoError(t, s.allow(now, cfg))

	assert.Equal(t, time.Second, s.failed(now, cfg))
	err := s.allow(now.Add(500*time.Millisecond), cfg)
	assert.ErrorIs(t, err, ErrWorkerExited)
	require.NoError(t, s.allow(now.Add(time.Second), cfg))

	assert.Equal(t, 2*time.Second, s.failed(now, cfg))
	err = s.allow(now.Add(time.Hour), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max restarts exceeded")

	s.succeeded()
	require.NoError(t, s.allow(now, cfg))
}
