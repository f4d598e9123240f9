// Package model is the boundary to the pose-estimation model.
//
// The pipeline sees the model as a black box behind Estimator: one frame in,
// zero or more people out, with variable latency and possible failure.
// Failures are reported as *InferenceError carrying a Category so the
// scheduler can count and log them without knowing how the model runs.
package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/VibishanW/JointForJoint/internal/framebuf"
	"github.com/VibishanW/JointForJoint/internal/skeleton"
)

// Estimator runs pose estimation on one frame.
//
// Implementations must not retain frame after returning; the caller
// releases it immediately afterwards.
type Estimator interface {
	Estimate(ctx context.Context, frame *framebuf.Buffer) ([][]skeleton.Keypoint, error)
}

// EstimatorFunc adapts a function to Estimator.
type EstimatorFunc func(ctx context.Context, frame *framebuf.Buffer) ([][]skeleton.Keypoint, error)

func (f EstimatorFunc) Estimate(ctx context.Context, frame *framebuf.Buffer) ([][]skeleton.Keypoint, error) {
	return f(ctx, frame)
}

var (
	ErrWorkerExited   = errors.New("model: worker process exited")
	ErrWorkerStopped  = errors.New("model: worker stopped")
	ErrProtocol       = errors.New("model: protocol error")
	ErrMalformedFrame = errors.New("model: malformed frame")
	ErrModel          = errors.New("model: estimation failed")
)

// Category classifies inference failures for telemetry.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryTimeout
	CategoryWorkerExited
	CategoryProtocol
	CategoryModel
	CategoryMalformedFrame
)

func (c Category) String() string {
	switch c {
	case CategoryTimeout:
		return "timeout"
	case CategoryWorkerExited:
		return "worker_exited"
	case CategoryProtocol:
		return "protocol"
	case CategoryModel:
		return "model"
	case CategoryMalformedFrame:
		return "malformed_frame"
	default:
		return "unknown"
	}
}

// InferenceError is a failed model call. It is always recoverable.
type InferenceError struct {
	Category Category
	FrameSeq uint64
	Err      error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("model: inference failed [%s] frame_seq=%d: %v", e.Category, e.FrameSeq, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// Classify returns the category of err. Errors that are not
// *InferenceError are classified by their sentinel cause.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	var ie *InferenceError
	if errors.As(err, &ie) {
		return ie.Category
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	case errors.Is(err, ErrWorkerExited), errors.Is(err, ErrWorkerStopped):
		return CategoryWorkerExited
	case errors.Is(err, ErrProtocol):
		return CategoryProtocol
	case errors.Is(err, ErrMalformedFrame):
		return CategoryMalformedFrame
	case errors.Is(err, ErrModel):
		return CategoryModel
	default:
		return CategoryUnknown
	}
}

func inferenceError(seq uint64, err error) *InferenceError {
	return &InferenceError{Category: Classify(err), FrameSeq: seq, Err: err}
}
