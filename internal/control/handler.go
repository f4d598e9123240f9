// Package control implements the MQTT control plane: JSON commands on the
// control topic, JSON responses on the health topic.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/VibishanW/JointForJoint/internal/config"
	"github.com/VibishanW/JointForJoint/internal/emitter"
	"github.com/VibishanW/JointForJoint/internal/session"
)

// Command is one control message.
type Command struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response acknowledges a command.
type Response struct {
	CommandAck string         `json:"command_ack"`
	Status     string         `json:"status"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// Callbacks connect commands to the service.
type Callbacks struct {
	OnStartSession func(window time.Duration) (session.Snapshot, bool)
	OnStopSession  func() (session.Snapshot, bool)
	OnGetSession   func() session.Snapshot
	OnGetStatus    func() map[string]any
	OnShutdown     func() error
}

// Handler handles control plane commands.
type Handler struct {
	cfg       *config.Config
	client    emitter.Client
	callbacks Callbacks
	commands  chan Command

	// shutdownDelay lets the acknowledgement leave before shutdown starts.
	shutdownDelay time.Duration

	mu       sync.Mutex
	closed   bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHandler creates a handler. Start subscribes it.
func NewHandler(cfg *config.Config, client emitter.Client, callbacks Callbacks) *Handler {
	return &Handler{
		cfg:           cfg,
		client:        client,
		callbacks:     callbacks,
		commands:      make(chan Command, 10),
		shutdownDelay: 500 * time.Millisecond,
	}
}

// Start subscribes to the control topic and processes commands until ctx
// is done or Stop is called.
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.MQTT.Topics.Control
	qos := h.cfg.MQTT.QoS["control"]

	slog.Info("control: subscribing", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.onMessage)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control: subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control: subscription failed: %w", err)
	}

	h.wg.Add(1)
	go h.processCommands(ctx)
	return nil
}

// Stop unsubscribes and waits for the command loop to exit.
func (h *Handler) Stop() {
	h.stopOnce.Do(func() {
		if h.client.IsConnected() {
			h.client.Unsubscribe(h.cfg.MQTT.Topics.Control).WaitTimeout(2 * time.Second)
		}
		h.mu.Lock()
		h.closed = true
		close(h.commands)
		h.mu.Unlock()
		h.wg.Wait()
		slog.Info("control: handler stopped")
	})
}

func (h *Handler) onMessage(_ mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Warn("control: invalid command payload", "error", err)
		h.sendResponse(Response{CommandAck: "unknown", Status: "error", Error: "invalid JSON"})
		return
	}

	slog.Info("control: command received", "command", cmd.Command)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	select {
	case h.commands <- cmd:
	default:
		slog.Warn("control: command queue full, dropping command", "command", cmd.Command)
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			h.sendResponse(h.handleCommand(cmd))
			if cmd.Command == "shutdown" && h.callbacks.OnShutdown != nil {
				go h.shutdown()
			}
		}
	}
}

func (h *Handler) shutdown() {
	time.Sleep(h.shutdownDelay)
	if err := h.callbacks.OnShutdown(); err != nil {
		slog.Error("control: shutdown callback failed", "error", err)
	}
}

func (h *Handler) handleCommand(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command}
	fail := func(format string, args ...any) Response {
		resp.Status = "error"
		resp.Error = fmt.Sprintf(format, args...)
		return resp
	}

	switch cmd.Command {
	case "start_session":
		if h.callbacks.OnStartSession == nil {
			return fail("start_session not available")
		}
		var window time.Duration
		if raw, ok := cmd.Params["duration_ms"]; ok {
			ms, ok := raw.(float64)
			if !ok || ms <= 0 {
				return fail("invalid 'duration_ms' parameter (expected positive number)")
			}
			window = time.Duration(ms) * time.Millisecond
		}
		snap, started := h.callbacks.OnStartSession(window)
		if !started {
			return fail("session already recording")
		}
		resp.Status = "success"
		resp.Data = map[string]any{"session": snap}

	case "stop_session":
		if h.callbacks.OnStopSession == nil {
			return fail("stop_session not available")
		}
		snap, stopped := h.callbacks.OnStopSession()
		if !stopped {
			return fail("no session recording")
		}
		resp.Status = "success"
		resp.Data = map[string]any{"session": snap}

	case "get_session":
		if h.callbacks.OnGetSession == nil {
			return fail("get_session not available")
		}
		resp.Status = "success"
		resp.Data = map[string]any{"session": h.callbacks.OnGetSession()}

	case "get_status":
		if h.callbacks.OnGetStatus == nil {
			return fail("get_status not available")
		}
		resp.Status = "success"
		resp.Data = h.callbacks.OnGetStatus()

	case "shutdown":
		if h.callbacks.OnShutdown == nil {
			return fail("shutdown not available")
		}
		slog.Warn("control: shutdown requested")
		resp.Status = "success"
		resp.Data = map[string]any{"shutdown_initiated": true}

	default:
		return fail("unknown command: %s", cmd.Command)
	}
	return resp
}

func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("control: failed to marshal response", "error", err)
		return
	}

	token := h.client.Publish(h.cfg.MQTT.Topics.Health, h.cfg.MQTT.QoS["health"], false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("control: response publish timeout", "command_ack", resp.CommandAck)
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("control: failed to publish response", "error", err)
		return
	}
	slog.Debug("control: response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
