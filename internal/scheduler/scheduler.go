// Package scheduler runs the frame-to-pose inference loop.
//
// The loop owns the single in-flight inference slot. Frames arrive from a
// source into a one-slot mailbox; the loop takes the latest frame, runs
// the model on it, projects the result and publishes a Pose, then goes back
// for the next frame. Frames that arrive while the model is busy replace
// the pending one, and the replaced buffer is released at once.
//
//	Idle -> AwaitingFrame -> Inferring -> Idle
//	  any state --Stop--> Stopped
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/VibishanW/JointForJoint/internal/framebuf"
	"github.com/VibishanW/JointForJoint/internal/model"
	"github.com/VibishanW/JointForJoint/internal/posebus"
	"github.com/VibishanW/JointForJoint/internal/skeleton"
	"github.com/VibishanW/JointForJoint/internal/source"
)

// DefaultInferenceTimeout bounds a single model call.
const DefaultInferenceTimeout = 2 * time.Second

var (
	ErrAlreadyStarted = errors.New("scheduler: already started")
	ErrStopped        = errors.New("scheduler: stopped")
)

// State of the inference loop.
type State int32

const (
	Idle State = iota
	AwaitingFrame
	Inferring
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingFrame:
		return "awaiting_frame"
	case Inferring:
		return "inferring"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Drop reasons reported to the Observer.
const (
	DropBackpressure = "backpressure"
	DropLate         = "late"
)

// Observer receives loop telemetry. Implementations must not block.
type Observer interface {
	ObserveState(State)
	// ObserveInference is called once per model call. category is empty on
	// success.
	ObserveInference(latency time.Duration, category string)
	ObserveDrop(reason string)
	ObservePublish()
}

type noopObserver struct{}

func (noopObserver) ObserveState(State)                    {}
func (noopObserver) ObserveInference(time.Duration, string) {}
func (noopObserver) ObserveDrop(string)                    {}
func (noopObserver) ObservePublish()                       {}

// Options configures a Scheduler.
type Options struct {
	Lifecycle *framebuf.Lifecycle
	Projector *skeleton.Projector
	Bus       *posebus.Bus

	// InferenceTimeout bounds each model call, including the one still in
	// flight when Stop is called.
	InferenceTimeout time.Duration

	Observer Observer
	Tracer   trace.Tracer
}

// Stats is a snapshot of loop activity.
type Stats struct {
	State        State         `json:"state"`
	Submitted    uint64        `json:"submitted"`
	Succeeded    uint64        `json:"succeeded"`
	Failed       uint64        `json:"failed"`
	Empty        uint64        `json:"empty"`
	Dropped      uint64        `json:"dropped"`
	LateReleased uint64        `json:"late_released"`
	Published    uint64        `json:"published"`
	LastLatency  time.Duration `json:"last_latency_ns"`
}

// Scheduler is the inference loop.
type Scheduler struct {
	lc        *framebuf.Lifecycle
	projector *skeleton.Projector
	bus       *posebus.Bus
	timeout   time.Duration
	observer  Observer
	tracer    trace.Tracer

	state atomic.Int32

	// Mailbox: source -> loop.
	inboxMu   sync.Mutex
	inboxCond *sync.Cond
	inbox     *framebuf.Buffer
	accepting bool

	src        source.Source
	handle     source.Handle
	srcStarted bool
	ctx        context.Context
	cancel     context.CancelFunc
	stopAfter  func() bool
	wg         sync.WaitGroup

	startedMu sync.Mutex
	started   bool
	stopped   bool
	startDone chan struct{} // closed once src.Start has returned
	done      chan struct{} // closed once the first Stop has finished

	submitted    uint64
	succeeded    uint64
	failed       uint64
	empty        uint64
	dropped      uint64
	lateReleased uint64
	published    uint64
	lastLatency  int64
}

// New validates opts and returns an Idle scheduler.
func New(opts Options) (*Scheduler, error) {
	if opts.Lifecycle == nil {
		return nil, fmt.Errorf("scheduler: lifecycle is required")
	}
	if opts.Projector == nil {
		return nil, fmt.Errorf("scheduler: projector is required")
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("scheduler: pose bus is required")
	}
	if opts.InferenceTimeout <= 0 {
		opts.InferenceTimeout = DefaultInferenceTimeout
	}
	if opts.Observer == nil {
		opts.Observer = noopObserver{}
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/VibishanW/JointForJoint/internal/scheduler")
	}

	s := &Scheduler{
		lc:        opts.Lifecycle,
		projector: opts.Projector,
		bus:       opts.Bus,
		timeout:   opts.InferenceTimeout,
		observer:  opts.Observer,
		tracer:    opts.Tracer,
		startDone: make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.inboxCond = sync.NewCond(&s.inboxMu)
	return s, nil
}

// Run starts the loop and then the source, and returns immediately.
//
// The loop runs until Stop is called or ctx is cancelled. ctx also carries
// trace context into inference spans; cancelling it does not abort an
// in-flight model call, which is bounded by InferenceTimeout instead.
func (s *Scheduler) Run(ctx context.Context, est model.Estimator, src source.Source) error {
	if est == nil || src == nil {
		return fmt.Errorf("scheduler: estimator and source are required")
	}

	s.startedMu.Lock()
	if s.stopped {
		s.startedMu.Unlock()
		return ErrStopped
	}
	if s.started {
		s.startedMu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.src = src
	s.inboxMu.Lock()
	s.accepting = true
	s.inboxMu.Unlock()
	s.startedMu.Unlock()

	s.wg.Add(1)
	go s.loop(est)

	h, err := src.Start(s.deliver)

	s.startedMu.Lock()
	s.handle = h
	s.srcStarted = err == nil
	stopped := s.stopped
	if err == nil && !stopped {
		s.stopAfter = context.AfterFunc(s.ctx, func() {
			s.Stop()
		})
	}
	close(s.startDone)
	s.startedMu.Unlock()

	if err != nil {
		s.Stop()
		return fmt.Errorf("scheduler: failed to start source: %w", err)
	}
	if stopped {
		// Stop ran while the source was starting; it stops the source
		// with the handle recorded above.
		return ErrStopped
	}

	slog.Info("scheduler: started", "inference_timeout", s.timeout)
	return nil
}

// deliver is the source callback. It copies the borrowed frame into an
// owned buffer and swaps it into the mailbox without blocking.
//
// Algorithm:
//  1. Acquire an owned buffer (the only copy of the pixels)
//  2. Lock the mailbox
//  3. Not accepting (stopping or stopped): release the buffer at once
//  4. Otherwise overwrite the slot; an unconsumed frame is released as dropped
//  5. Signal the loop
func (s *Scheduler) deliver(raw framebuf.Raw) {
	b := s.lc.Acquire(raw)

	s.inboxMu.Lock()
	if !s.accepting {
		s.inboxMu.Unlock()
		s.lc.Release(b)
		atomic.AddUint64(&s.lateReleased, 1)
		s.observer.ObserveDrop(DropLate)
		return
	}
	old := s.inbox
	s.inbox = b
	s.inboxCond.Signal()
	s.inboxMu.Unlock()

	if old != nil {
		s.lc.Release(old)
		atomic.AddUint64(&s.dropped, 1)
		s.observer.ObserveDrop(DropBackpressure)
		slog.Debug("scheduler: frame dropped (backpressure)",
			"frame_seq", old.Seq(),
			"replaced_by", b.Seq(),
		)
	}
}

// loop is the single consumer of the mailbox. It exits once the mailbox
// stops accepting and is empty.
func (s *Scheduler) loop(est model.Estimator) {
	defer s.wg.Done()

	for {
		s.setState(AwaitingFrame)

		s.inboxMu.Lock()
		for s.inbox == nil {
			if !s.accepting {
				s.inboxMu.Unlock()
				s.setState(Stopped)
				return
			}
			s.inboxCond.Wait()
		}
		b := s.inbox
		s.inbox = nil
		s.inboxMu.Unlock()

		s.setState(Inferring)
		s.infer(est, b)
		s.setState(Idle)
	}
}

// infer runs one model call on b and publishes the result. b is released
// on every exit path, before the pose is published.
func (s *Scheduler) infer(est model.Estimator, b *framebuf.Buffer) {
	released := false
	release := func() {
		if !released {
			released = true
			s.lc.Release(b)
		}
	}
	defer release()

	seq, traceID := b.Seq(), b.TraceID()
	captured := b.Timestamp()
	width, height := b.Width(), b.Height()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.timeout)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "scheduler.infer",
		trace.WithAttributes(
			attribute.Int64("frame.seq", int64(seq)),
			attribute.String("frame.trace_id", traceID),
			attribute.Int("frame.width", width),
			attribute.Int("frame.height", height),
		),
	)
	defer span.End()

	atomic.AddUint64(&s.submitted, 1)
	start := time.Now()
	poses, err := est.Estimate(ctx, b)
	latency := time.Since(start)
	atomic.StoreInt64(&s.lastLatency, int64(latency))

	if err != nil {
		category := model.Classify(err)
		release()
		atomic.AddUint64(&s.failed, 1)
		s.observer.ObserveInference(latency, category.String())
		span.RecordError(err)
		span.SetStatus(codes.Error, category.String())
		slog.Warn("scheduler: inference failed",
			"frame_seq", seq,
			"trace_id", traceID,
			"category", category.String(),
			"latency_ms", latency.Milliseconds(),
			"error", err,
		)
		return
	}
	s.observer.ObserveInference(latency, "")

	raw, ok := skeleton.SelectPose(poses)
	if !ok {
		release()
		atomic.AddUint64(&s.empty, 1)
		span.SetAttributes(attribute.Int("pose.people", 0))
		return
	}
	graph := s.projector.Project(raw)
	release()

	span.SetAttributes(
		attribute.Int("pose.people", len(poses)),
		attribute.Int("pose.joints", len(graph.Joints)),
		attribute.Int("pose.segments", len(graph.Segments)),
	)

	atomic.AddUint64(&s.succeeded, 1)
	s.bus.Publish(posebus.Pose{
		FrameSeq:   seq,
		TraceID:    traceID,
		CapturedAt: captured,
		Latency:    latency,
		Width:      width,
		Height:     height,
		People:     len(poses),
		Graph:      graph,
	})
	atomic.AddUint64(&s.published, 1)
	s.observer.ObservePublish()
}

// Stop ends the loop.
//
// Behavior:
//  1. The mailbox stops accepting; a pending frame is released as dropped
//  2. The source is stopped; deliveries racing with it are released as late
//  3. An in-flight model call finishes (bounded by InferenceTimeout) and its
//     buffer is released
//  4. The loop exits in Stopped
//
// Idempotent: a concurrent or later call blocks until the first one has
// finished and returns nil. Stop before Run marks the scheduler Stopped.
// Stop during Run waits for the source's Start to return.
func (s *Scheduler) Stop() error {
	s.startedMu.Lock()
	if s.stopped {
		s.startedMu.Unlock()
		<-s.done
		return nil
	}
	s.stopped = true
	started := s.started
	s.startedMu.Unlock()
	defer close(s.done)

	if !started {
		s.setState(Stopped)
		return nil
	}

	slog.Info("scheduler: stopping")

	s.inboxMu.Lock()
	s.accepting = false
	pending := s.inbox
	s.inbox = nil
	s.inboxCond.Broadcast()
	s.inboxMu.Unlock()

	if pending != nil {
		s.lc.Release(pending)
		atomic.AddUint64(&s.dropped, 1)
		s.observer.ObserveDrop(DropBackpressure)
	}

	<-s.startDone
	s.startedMu.Lock()
	src, handle, srcStarted := s.src, s.handle, s.srcStarted
	stopAfter := s.stopAfter
	s.startedMu.Unlock()

	var srcErr error
	if srcStarted {
		if err := src.Stop(handle); err != nil {
			srcErr = fmt.Errorf("scheduler: failed to stop source: %w", err)
		}
	}

	s.wg.Wait()
	if stopAfter != nil {
		stopAfter()
	}
	s.cancel()

	st := s.Stats()
	slog.Info("scheduler: stopped",
		"submitted", st.Submitted,
		"succeeded", st.Succeeded,
		"failed", st.Failed,
		"dropped", st.Dropped,
		"late_released", st.LateReleased,
	)
	return srcErr
}

// State returns the current loop state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

func (s *Scheduler) setState(st State) {
	if State(s.state.Swap(int32(st))) != st {
		s.observer.ObserveState(st)
	}
}

// Stats returns a snapshot of loop counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		State:        s.State(),
		Submitted:    atomic.LoadUint64(&s.submitted),
		Succeeded:    atomic.LoadUint64(&s.succeeded),
		Failed:       atomic.LoadUint64(&s.failed),
		Empty:        atomic.LoadUint64(&s.empty),
		Dropped:      atomic.LoadUint64(&s.dropped),
		LateReleased: atomic.LoadUint64(&s.lateReleased),
		Published:    atomic.LoadUint64(&s.published),
		LastLatency:  time.Duration(atomic.LoadInt64(&s.lastLatency)),
	}
}
