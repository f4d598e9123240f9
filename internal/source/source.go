// Package source defines how frames enter the pipeline.
//
// A Source pushes borrowed frames into a callback at its own cadence. The
// callback must return quickly; the receiver copies what it needs (see
// framebuf.Lifecycle.Acquire) and paces consumption itself.
package source

import (
	"errors"

	"github.com/VibishanW/JointForJoint/internal/framebuf"
)

var (
	ErrAlreadyStarted = errors.New("source: already started")
	ErrUnknownHandle  = errors.New("source: unknown handle")
	ErrNilCallback    = errors.New("source: nil frame callback")
)

// Handle identifies one Start call.
type Handle uint64

// Source produces frames.
//
// Implementations must guarantee:
//   - Start returns immediately; frames arrive asynchronously
//   - onFrame is never called concurrently with itself
//   - after Stop returns, onFrame is not called again for that handle
//   - Stop is idempotent
type Source interface {
	Start(onFrame func(framebuf.Raw)) (Handle, error)
	Stop(h Handle) error
}

// Stats is a snapshot of source activity.
type Stats struct {
	FramesEmitted uint64  `json:"frames_emitted"`
	FPSTarget     float64 `json:"fps_target"`
	FPSReal       float64 `json:"fps_real"`
	Resolution    string  `json:"resolution"`
	Reconnects    uint32  `json:"reconnects"`
	BytesRead     uint64  `json:"bytes_read"`
	Connected     bool    `json:"connected"`
}

// StatsProvider is implemented by sources that report Stats.
type StatsProvider interface {
	Stats() Stats
}
