// Package render pushes poses and session transitions to websocket
// clients. Clients draw the skeleton themselves.
package render

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/VibishanW/JointForJoint/internal/posebus"
	"github.com/VibishanW/JointForJoint/internal/session"
)

// Message types sent to clients.
const (
	TypeHello   = "hello"
	TypePose    = "pose"
	TypeSession = "session"
)

// Hello is the first message on every connection.
type Hello struct {
	Type       string            `json:"type"`
	ClientID   string            `json:"client_id"`
	InstanceID string            `json:"instance_id"`
	Profile    string            `json:"profile"`
	Topology   string            `json:"topology,omitempty"`
	Session    *session.Snapshot `json:"session,omitempty"`
}

// PoseMessage carries one pose.
type PoseMessage struct {
	Type string       `json:"type"`
	Pose posebus.Pose `json:"pose"`
}

// SessionMessage carries one session transition.
type SessionMessage struct {
	Type    string           `json:"type"`
	Session session.Snapshot `json:"session"`
}

// Options configures a Hub.
type Options struct {
	InstanceID string
	Profile    string
	Topology   string
	// Session returns the snapshot included in the hello message.
	Session func() session.Snapshot

	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// Stats reports hub activity.
type Stats struct {
	Clients int    `json:"clients"`
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub fans messages out to connected clients.
type Hub struct {
	opts     Options
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewHub creates a hub.
func NewHub(opts Options) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 16
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	return &Hub{
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and serves the client until it leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("render: upgrade failed", "error", err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, h.opts.SendBuffer),
		done: make(chan struct{}),
	}

	hello := Hello{
		Type:       TypeHello,
		ClientID:   c.id,
		InstanceID: h.opts.InstanceID,
		Profile:    h.opts.Profile,
		Topology:   h.opts.Topology,
	}
	if h.opts.Session != nil {
		snap := h.opts.Session()
		hello.Session = &snap
	}
	payload, err := json.Marshal(hello)
	if err != nil {
		conn.Close()
		return
	}
	conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		conn.Close()
		return
	}

	if !h.register(c) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	slog.Info("render: client connected", "client_id", c.id, "remote", r.RemoteAddr)

	go func() {
		defer h.wg.Done()
		h.writeLoop(c)
	}()
	h.readLoop(c)

	h.unregister(c)
	slog.Info("render: client disconnected", "client_id", c.id)
}

// readLoop discards client input and returns when the connection fails.
func (h *Hub) readLoop(c *client) {
	defer c.close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(2 * h.opts.PingInterval))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * h.opts.PingInterval))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ping := time.NewTicker(h.opts.PingInterval)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.opts.WriteTimeout))
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
			h.sent.Add(1)
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.opts.WriteTimeout)); err != nil {
				c.close()
				return
			}
		}
	}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// broadcast queues msg for every client. Clients with a full queue miss it.
func (h *Hub) broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.dropped.Add(1)
		}
	}
}

// PublishPose sends a pose to every client.
func (h *Hub) PublishPose(p posebus.Pose) {
	payload, err := json.Marshal(PoseMessage{Type: TypePose, Pose: p})
	if err != nil {
		slog.Error("render: marshal pose", "error", err)
		return
	}
	h.broadcast(payload)
}

// PublishSession sends a session transition to every client.
func (h *Hub) PublishSession(s session.Snapshot) {
	payload, err := json.Marshal(SessionMessage{Type: TypeSession, Session: s})
	if err != nil {
		slog.Error("render: marshal session", "error", err)
		return
	}
	h.broadcast(payload)
}

// Forward publishes poses from ch until ctx is done or ch is closed.
func (h *Hub) Forward(ctx context.Context, ch <-chan posebus.Pose) {
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-ch:
			if !ok {
				return
			}
			h.PublishPose(p)
		}
	}
}

// Stats returns hub counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return Stats{Clients: n, Sent: h.sent.Load(), Dropped: h.dropped.Load()}
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		c.close()
	}
	h.mu.Unlock()
	h.wg.Wait()
}
