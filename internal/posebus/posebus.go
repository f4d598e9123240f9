// Package posebus fans published poses out to subscribers.
//
// Two subscription styles are supported:
//
//   - SubscribeFunc: the callback runs synchronously inside Publish, in
//     publish order. Used by consumers that must observe every pose
//     (the session recorder).
//   - Subscribe: non-blocking send to a caller-owned channel. A full
//     channel drops the pose (DropNew) and counts it. Used by consumers
//     that must never slow the pipeline (MQTT, websocket renderers).
//
// Subscribers are served in registration order.
package posebus

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VibishanW/JointForJoint/internal/skeleton"
)

var (
	ErrBusClosed          = errors.New("posebus: bus is closed")
	ErrSubscriberExists   = errors.New("posebus: subscriber already exists")
	ErrSubscriberNotFound = errors.New("posebus: subscriber not found")
	ErrNilChannel         = errors.New("posebus: nil channel provided")
	ErrNilFunc            = errors.New("posebus: nil callback provided")
)

// Pose is one tracked skeleton produced by an inference cycle.
type Pose struct {
	FrameSeq   uint64         `json:"frame_seq"`
	TraceID    string         `json:"trace_id"`
	CapturedAt time.Time      `json:"captured_at"`
	Latency    time.Duration  `json:"latency_ns"`
	Width      int            `json:"width"`
	Height     int            `json:"height"`
	People     int            `json:"people"`
	Graph      skeleton.Graph `json:"graph"`
}

// SubscriberStats tracks delivery for one subscriber.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

// Stats is a snapshot of bus activity.
type Stats struct {
	TotalPublished uint64
	Subscribers    map[string]SubscriberStats
}

type subscriber struct {
	id      string
	fn      func(Pose)
	ch      chan<- Pose
	sent    uint64
	dropped uint64
}

// Bus distributes poses to subscribers.
type Bus struct {
	mu             sync.RWMutex
	subscribers    []*subscriber
	totalPublished uint64
	closed         bool
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{}
}

// SubscribeFunc registers a synchronous subscriber.
func (b *Bus) SubscribeFunc(id string, fn func(Pose)) error {
	if fn == nil {
		return ErrNilFunc
	}
	return b.add(&subscriber{id: id, fn: fn})
}

// Subscribe registers a channel subscriber with drop-new semantics.
func (b *Bus) Subscribe(id string, ch chan<- Pose) error {
	if ch == nil {
		return ErrNilChannel
	}
	return b.add(&subscriber{id: id, ch: ch})
}

func (b *Bus) add(s *subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	for _, existing := range b.subscribers {
		if existing.id == s.id {
			return ErrSubscriberExists
		}
	}
	b.subscribers = append(b.subscribers, s)
	return nil
}

// Unsubscribe removes a subscriber.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subscribers {
		if s.id == id {
			b.subscribers = append(b.subscribers[:i:i], b.subscribers[i+1:]...)
			return nil
		}
	}
	return ErrSubscriberNotFound
}

// Publish delivers p to every subscriber. It never blocks on channel
// subscribers; synchronous subscribers run inline.
func (b *Bus) Publish(p Pose) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	atomic.AddUint64(&b.totalPublished, 1)

	for _, s := range b.subscribers {
		if s.fn != nil {
			s.fn(p)
			atomic.AddUint64(&s.sent, 1)
			continue
		}
		select {
		case s.ch <- p:
			atomic.AddUint64(&s.sent, 1)
		default:
			atomic.AddUint64(&s.dropped, 1)
		}
	}
}

// Stats returns a snapshot of delivery counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st := Stats{
		TotalPublished: atomic.LoadUint64(&b.totalPublished),
		Subscribers:    make(map[string]SubscriberStats, len(b.subscribers)),
	}
	for _, s := range b.subscribers {
		st.Subscribers[s.id] = SubscriberStats{
			Sent:    atomic.LoadUint64(&s.sent),
			Dropped: atomic.LoadUint64(&s.dropped),
		}
	}
	return st
}

// Close drops all subscribers. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.subscribers = nil
}
