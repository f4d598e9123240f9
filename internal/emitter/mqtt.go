// Package emitter publishes poses, session summaries and health reports
// to an MQTT broker.
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/VibishanW/JointForJoint/internal/config"
	"github.com/VibishanW/JointForJoint/internal/posebus"
	"github.com/VibishanW/JointForJoint/internal/session"
)

// ErrNotConnected is returned by publish calls while the broker is down.
var ErrNotConnected = errors.New("emitter: mqtt not connected")

const (
	publishTimeout = 2 * time.Second
	sessionQueue   = 16
)

// Client is the subset of mqtt.Client used here and by the control plane.
type Client interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

// PoseMessage is the payload on the poses topic.
type PoseMessage struct {
	InstanceID string       `json:"instance_id"`
	Timestamp  time.Time    `json:"timestamp"`
	Pose       posebus.Pose `json:"pose"`
}

// SessionMessage is the payload on the sessions topic.
type SessionMessage struct {
	InstanceID string           `json:"instance_id"`
	Timestamp  time.Time        `json:"timestamp"`
	Session    session.Snapshot `json:"session"`
}

// Stats contains emitter statistics.
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// MQTTEmitter publishes pipeline output to the broker.
type MQTTEmitter struct {
	cfg      *config.Config
	client   Client
	sessions chan session.Snapshot

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	connected bool
}

// NewMQTTEmitter creates an emitter. Call Connect before publishing.
func NewMQTTEmitter(cfg *config.Config) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		sessions:  make(chan session.Snapshot, sessionQueue),
		published: make(map[string]uint64),
	}
}

// newWithClient wires an already connected client.
func newWithClient(cfg *config.Config, c Client) *MQTTEmitter {
	e := NewMQTTEmitter(cfg)
	e.client = c
	e.connected = c.IsConnected()
	return e
}

// Connect establishes the broker connection. Reconnection afterwards is
// handled by the paho client.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(e.cfg.MQTT.Broker)
	opts.SetClientID("jointd-" + e.cfg.InstanceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	offline, err := json.Marshal(map[string]any{
		"instance_id": e.cfg.InstanceID,
		"status":      "offline",
	})
	if err == nil {
		opts.SetWill(e.cfg.MQTT.Topics.Health, string(offline), e.qos("health"), true)
	}

	opts.OnConnect = func(mqtt.Client) {
		e.setConnected(true)
		slog.Info("emitter: mqtt connection established",
			"broker", e.cfg.MQTT.Broker,
			"instance_id", e.cfg.InstanceID,
		)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("emitter: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.MQTT.Broker,
		)
	}

	client := mqtt.NewClient(opts)
	e.client = client

	slog.Info("emitter: connecting to mqtt broker", "broker", e.cfg.MQTT.Broker)

	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("emitter: mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("emitter: mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// Client returns the underlying client for the control plane.
func (e *MQTTEmitter) Client() Client { return e.client }

// PublishPose sends one pose on the poses topic.
func (e *MQTTEmitter) PublishPose(p posebus.Pose) error {
	return e.publishJSON(e.cfg.MQTT.Topics.Poses, e.qos("poses"), false, PoseMessage{
		InstanceID: e.cfg.InstanceID,
		Timestamp:  time.Now().UTC(),
		Pose:       p,
	})
}

// PublishSession sends a session snapshot. Completed sessions are
// retained so late subscribers see the last result.
func (e *MQTTEmitter) PublishSession(s session.Snapshot) error {
	return e.publishJSON(e.cfg.MQTT.Topics.Sessions, e.qos("sessions"), s.State == session.Completed, SessionMessage{
		InstanceID: e.cfg.InstanceID,
		Timestamp:  time.Now().UTC(),
		Session:    s,
	})
}

// QueueSession hands s to ForwardSessions without waiting on the broker.
// It is safe to call from pose bus subscribers.
func (e *MQTTEmitter) QueueSession(s session.Snapshot) {
	select {
	case e.sessions <- s:
	default:
		e.countError()
		slog.Warn("emitter: session queue full, snapshot dropped", "state", s.State.String())
	}
}

// ForwardSessions publishes queued snapshots in order until ctx is done,
// then flushes whatever is still queued.
func (e *MQTTEmitter) ForwardSessions(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case s := <-e.sessions:
					e.forwardSession(s)
				default:
					return
				}
			}
		case s := <-e.sessions:
			e.forwardSession(s)
		}
	}
}

func (e *MQTTEmitter) forwardSession(s session.Snapshot) {
	if err := e.PublishSession(s); err != nil {
		slog.Warn("emitter: session not published", "state", s.State.String(), "error", err)
	}
}

// PublishHealth sends a raw health payload.
func (e *MQTTEmitter) PublishHealth(payload []byte) error {
	return e.publish(e.cfg.MQTT.Topics.Health, e.qos("health"), false, payload)
}

// ForwardPoses publishes every pose from ch until ctx is done or ch is
// closed. Publish failures are counted and logged at debug level.
func (e *MQTTEmitter) ForwardPoses(ctx context.Context, ch <-chan posebus.Pose) {
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-ch:
			if !ok {
				return
			}
			if err := e.PublishPose(p); err != nil {
				slog.Debug("emitter: pose not published", "frame_seq", p.FrameSeq, "error", err)
			}
		}
	}
}

// Disconnect closes the broker connection.
func (e *MQTTEmitter) Disconnect() {
	if c, ok := e.client.(mqtt.Client); ok && c.IsConnected() {
		c.Disconnect(250)
		slog.Info("emitter: mqtt disconnected")
	}
	e.setConnected(false)
}

// Stats returns emitter statistics.
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

func (e *MQTTEmitter) publishJSON(topic string, qos byte, retained bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		e.countError()
		return fmt.Errorf("emitter: marshal %s: %w", topic, err)
	}
	return e.publish(topic, qos, retained, payload)
}

func (e *MQTTEmitter) publish(topic string, qos byte, retained bool, payload []byte) error {
	if !e.isConnected() {
		e.countError()
		return ErrNotConnected
	}

	token := e.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return fmt.Errorf("emitter: publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("emitter: publish to %s: %w", topic, err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("emitter: published", "topic", topic, "qos", qos, "size", len(payload))
	return nil
}

func (e *MQTTEmitter) qos(kind string) byte {
	return e.cfg.MQTT.QoS[kind]
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected && e.client != nil
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
