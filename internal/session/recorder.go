// Package session implements the timed recording state machine that
// observes the pose stream.
//
//	Idle --start--> Recording --(window elapsed | stop)--> Completed --start--> Recording
//
// The Recorder is the only owner of session state. It counts poses
// published while Recording, keeps a trailing one-second FPS estimate and
// freezes everything on completion. Completion is driven by a wall-clock
// timer, so a session with no poses at all still completes on time.
package session

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/VibishanW/JointForJoint/internal/cadence"
	"github.com/VibishanW/JointForJoint/internal/posebus"
	"github.com/VibishanW/JointForJoint/internal/timeutil"
)

// DefaultWindow is the recording length used when none is requested.
const DefaultWindow = 10 * time.Second

// fpsWindow is the trailing window for the live FPS estimate.
const fpsWindow = time.Second

// State of the recorder.
type State int

const (
	Idle State = iota
	Recording
	Completed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Completed:
		return "completed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a name produced by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "idle":
		*s = Idle
	case "recording":
		*s = Recording
	case "completed":
		*s = Completed
	default:
		return fmt.Errorf("session: unknown state %q", b)
	}
	return nil
}

// EndReason records why a session completed.
type EndReason string

const (
	WindowElapsed EndReason = "window_elapsed"
	Stopped       EndReason = "stopped"
)

// Snapshot is the read-only view of the current or last session.
type Snapshot struct {
	State                  State          `json:"state"`
	StartedAt              time.Time      `json:"started_at"`
	EndedAt                time.Time      `json:"ended_at"`
	WindowMs               int64          `json:"window_ms"`
	ElapsedMs              int64          `json:"elapsed_ms"`
	ElapsedFramesProcessed uint64         `json:"elapsed_frames_processed"`
	FPSEstimate            int            `json:"fps_estimate"`
	EndReason              EndReason      `json:"end_reason,omitempty"`
	Cadence                *cadence.Stats `json:"cadence,omitempty"`
}

// Options configures a Recorder.
type Options struct {
	DefaultWindow time.Duration
}

// Recorder is the session state machine.
type Recorder struct {
	clock         timeutil.Clock
	defaultWindow time.Duration

	mu       sync.Mutex
	state    State
	start    time.Time
	end      time.Time
	window   time.Duration
	frames   uint64
	fps      int
	recent   []time.Time
	arrivals []time.Time
	reason   EndReason
	summary  *cadence.Stats
	done     chan struct{}
	timer    timeutil.Timer

	listenersMu sync.RWMutex
	listeners   []func(Snapshot)
}

// New creates an Idle recorder.
func New(clock timeutil.Clock, opts Options) *Recorder {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if opts.DefaultWindow <= 0 {
		opts.DefaultWindow = DefaultWindow
	}
	return &Recorder{
		clock:         clock,
		defaultWindow: opts.DefaultWindow,
	}
}

// OnChange registers fn to be called after every start and completion.
// Callbacks run outside the recorder lock.
func (r *Recorder) OnChange(fn func(Snapshot)) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// StartSession begins a recording window of length d (DefaultWindow when
// d <= 0). It is a no-op returning false while a session is Recording.
func (r *Recorder) StartSession(d time.Duration) bool {
	if d <= 0 {
		d = r.defaultWindow
	}

	r.mu.Lock()
	if r.state == Recording {
		r.mu.Unlock()
		slog.Debug("session: start ignored, already recording")
		return false
	}

	r.state = Recording
	r.start = r.clock.Now()
	r.end = time.Time{}
	r.window = d
	r.frames = 0
	r.fps = 0
	r.recent = r.recent[:0]
	r.arrivals = nil
	r.reason = ""
	r.summary = nil

	done := make(chan struct{})
	timer := r.clock.NewTimer(d)
	r.done = done
	r.timer = timer
	snap := r.snapshotLocked()
	r.mu.Unlock()

	go r.watch(timer, done)

	slog.Info("session: recording started", "window_ms", d.Milliseconds())
	r.notify(snap)
	return true
}

// StopSession completes an active session early. It returns false when
// nothing was recording.
func (r *Recorder) StopSession() bool {
	r.mu.Lock()
	if r.state != Recording {
		r.mu.Unlock()
		return false
	}
	snap := r.completeLocked(Stopped, r.clock.Now())
	r.mu.Unlock()

	r.notify(snap)
	return true
}

// OnPose counts a published pose. It is registered as a synchronous pose
// bus subscriber.
func (r *Recorder) OnPose(_ posebus.Pose) {
	r.mu.Lock()
	if r.state != Recording {
		r.mu.Unlock()
		return
	}

	now := r.clock.Now()
	if now.Sub(r.start) >= r.window {
		snap := r.completeLocked(WindowElapsed, r.start.Add(r.window))
		r.mu.Unlock()
		r.notify(snap)
		return
	}

	r.frames++
	r.arrivals = append(r.arrivals, now)
	r.recent = append(r.recent, now)

	cutoff := now.Add(-fpsWindow)
	i := 0
	for i < len(r.recent) && !r.recent[i].After(cutoff) {
		i++
	}
	r.recent = append(r.recent[:0], r.recent[i:]...)
	r.fps = len(r.recent)
	r.mu.Unlock()
}

// Snapshot returns the current session view. A window that has elapsed
// but whose timer has not yet been observed is completed first.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	if r.state == Recording && r.clock.Since(r.start) >= r.window {
		snap := r.completeLocked(WindowElapsed, r.start.Add(r.window))
		r.mu.Unlock()
		r.notify(snap)
		return snap
	}
	snap := r.snapshotLocked()
	r.mu.Unlock()
	return snap
}

// State returns the current state.
func (r *Recorder) State() State {
	return r.Snapshot().State
}

func (r *Recorder) watch(timer timeutil.Timer, done <-chan struct{}) {
	select {
	case <-done:
	case <-timer.C():
		r.mu.Lock()
		if r.done != done || r.state != Recording {
			r.mu.Unlock()
			return
		}
		snap := r.completeLocked(WindowElapsed, r.start.Add(r.window))
		r.mu.Unlock()
		r.notify(snap)
	}
}

// completeLocked freezes metrics. Caller holds r.mu.
func (r *Recorder) completeLocked(reason EndReason, end time.Time) Snapshot {
	r.state = Completed
	r.reason = reason
	r.end = end

	stats := cadence.Calculate(r.arrivals, r.end.Sub(r.start))
	r.summary = &stats

	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if r.done != nil {
		close(r.done)
		r.done = nil
	}

	slog.Info("session: recording completed",
		"reason", string(reason),
		"frames_processed", r.frames,
		"fps_estimate", r.fps,
		"fps_mean", stats.FPSMean,
		"duration_ms", r.end.Sub(r.start).Milliseconds(),
	)
	return r.snapshotLocked()
}

func (r *Recorder) snapshotLocked() Snapshot {
	s := Snapshot{
		State:                  r.state,
		StartedAt:              r.start,
		EndedAt:                r.end,
		WindowMs:               r.window.Milliseconds(),
		ElapsedFramesProcessed: r.frames,
		FPSEstimate:            r.fps,
		EndReason:              r.reason,
	}
	switch r.state {
	case Recording:
		s.ElapsedMs = r.clock.Since(r.start).Milliseconds()
	case Completed:
		s.ElapsedMs = r.end.Sub(r.start).Milliseconds()
		if r.summary != nil {
			c := *r.summary
			s.Cadence = &c
		}
	}
	return s
}

func (r *Recorder) notify(s Snapshot) {
	r.listenersMu.RLock()
	listeners := slices.Clone(r.listeners)
	r.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(s)
	}
}
