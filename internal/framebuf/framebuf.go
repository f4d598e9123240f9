// Package framebuf owns the lifetime of captured frame buffers.
//
// Every frame that enters the pipeline is acquired here and must be
// released exactly once, whatever happens to it downstream: inferred,
// dropped by backpressure, failed, or caught by shutdown. Pixel memory is
// recycled through a pool on release, so a leaked buffer is leaked memory
// and a double release would hand the same bytes to two frames.
//
// Ownership is transferred, never shared. Whoever holds a *Buffer is the
// only party allowed to read it or release it.
package framebuf

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Raw is a frame as produced by a source.
//
// Data is borrowed: it is only valid for the duration of the delivery
// callback. Acquire copies it into pooled memory.
type Raw struct {
	Data      []byte
	Width     int
	Height    int
	Timestamp time.Time
}

// Buffer is an owned, pooled frame.
type Buffer struct {
	seq       uint64
	width     int
	height    int
	timestamp time.Time
	traceID   string

	data     []byte
	pooled   *[]byte
	released atomic.Bool
	owner    *Lifecycle
}

// Seq is the monotonically increasing acquisition sequence number.
func (b *Buffer) Seq() uint64 { return b.seq }

// Width in pixels.
func (b *Buffer) Width() int { return b.width }

// Height in pixels.
func (b *Buffer) Height() int { return b.height }

// Timestamp is the capture time reported by the source.
func (b *Buffer) Timestamp() time.Time { return b.timestamp }

// TraceID correlates logs and spans for this frame.
func (b *Buffer) TraceID() string { return b.traceID }

// Len is the pixel payload size in bytes.
func (b *Buffer) Len() int { return len(b.data) }

// Released reports whether the buffer has been returned to its lifecycle.
func (b *Buffer) Released() bool { return b.released.Load() }

// Bytes returns the pixel payload. Reading a released buffer is a
// lifecycle violation.
func (b *Buffer) Bytes() []byte {
	if b.released.Load() {
		b.owner.violate(&LifecycleViolation{Op: "use after release", Seq: b.seq, TraceID: b.traceID})
		return nil
	}
	return b.data
}

// LifecycleViolation is a pipeline bug: a buffer released twice or read
// after release.
type LifecycleViolation struct {
	Op      string
	Seq     uint64
	TraceID string
}

func (v *LifecycleViolation) Error() string {
	return fmt.Sprintf("framebuf: lifecycle violation: %s (seq=%d trace_id=%s)", v.Op, v.Seq, v.TraceID)
}

// Options configures a Lifecycle.
type Options struct {
	// Strict panics on lifecycle violations. Lenient mode logs and counts.
	Strict bool

	// OnAcquire and OnRelease are optional hooks for metrics.
	OnAcquire func(*Buffer)
	OnRelease func(*Buffer)
}

// Stats is a snapshot of release accounting.
type Stats struct {
	Acquired    uint64
	Released    uint64
	Outstanding uint64
	Violations  uint64
}

// Lifecycle hands out buffers and accounts for their release.
type Lifecycle struct {
	opts Options
	pool sync.Pool

	seq        uint64
	acquired   uint64
	released   uint64
	violations uint64
}

// New creates a Lifecycle.
func New(opts Options) *Lifecycle {
	l := &Lifecycle{opts: opts}
	l.pool.New = func() any {
		b := make([]byte, 0)
		return &b
	}
	return l
}

// Acquire copies raw into a pooled buffer owned by the caller.
func (l *Lifecycle) Acquire(raw Raw) *Buffer {
	p := l.pool.Get().(*[]byte)
	if cap(*p) < len(raw.Data) {
		*p = make([]byte, len(raw.Data))
	}
	data := (*p)[:len(raw.Data)]
	copy(data, raw.Data)

	ts := raw.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	b := &Buffer{
		seq:       atomic.AddUint64(&l.seq, 1),
		width:     raw.Width,
		height:    raw.Height,
		timestamp: ts,
		traceID:   uuid.New().String(),
		data:      data,
		pooled:    p,
		owner:     l,
	}
	atomic.AddUint64(&l.acquired, 1)
	if l.opts.OnAcquire != nil {
		l.opts.OnAcquire(b)
	}
	return b
}

// Release returns b's memory to the pool. It must be called exactly once
// per buffer; a second call is a LifecycleViolation.
func (l *Lifecycle) Release(b *Buffer) {
	if b == nil {
		return
	}
	if b.owner != l {
		l.violate(&LifecycleViolation{Op: "release by foreign lifecycle", Seq: b.seq, TraceID: b.traceID})
		return
	}
	if !b.released.CompareAndSwap(false, true) {
		l.violate(&LifecycleViolation{Op: "double release", Seq: b.seq, TraceID: b.traceID})
		return
	}

	*b.pooled = b.data[:0]
	l.pool.Put(b.pooled)
	b.data = nil
	b.pooled = nil

	atomic.AddUint64(&l.released, 1)
	if l.opts.OnRelease != nil {
		l.opts.OnRelease(b)
	}
}

// Stats returns current accounting.
func (l *Lifecycle) Stats() Stats {
	acquired := atomic.LoadUint64(&l.acquired)
	released := atomic.LoadUint64(&l.released)
	return Stats{
		Acquired:    acquired,
		Released:    released,
		Outstanding: acquired - released,
		Violations:  atomic.LoadUint64(&l.violations),
	}
}

func (l *Lifecycle) violate(v *LifecycleViolation) {
	atomic.AddUint64(&l.violations, 1)
	if l.opts.Strict {
		panic(v)
	}
	slog.Error("framebuf: lifecycle violation",
		"op", v.Op,
		"frame_seq", v.Seq,
		"trace_id", v.TraceID,
	)
}
