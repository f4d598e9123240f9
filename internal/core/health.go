package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/VibishanW/JointForJoint/internal/capability"
	"github.com/VibishanW/JointForJoint/internal/framebuf"
	"github.com/VibishanW/JointForJoint/internal/model"
	"github.com/VibishanW/JointForJoint/internal/render"
	"github.com/VibishanW/JointForJoint/internal/scheduler"
	"github.com/VibishanW/JointForJoint/internal/session"
	"github.com/VibishanW/JointForJoint/internal/source"
)

// HealthStatus is the readiness report.
type HealthStatus struct {
	Status            string               `json:"status"` // healthy, degraded, unhealthy
	UptimeSeconds     int64                `json:"uptime_seconds"`
	Profile           capability.Profile   `json:"profile"`
	CapabilityReasons []string             `json:"capability_reasons,omitempty"`
	Scheduler         *scheduler.Stats     `json:"scheduler,omitempty"`
	Buffers           framebuf.Stats       `json:"buffers"`
	Source            *source.Stats        `json:"source,omitempty"`
	Worker            *model.WorkerMetrics `json:"worker,omitempty"`
	MQTTConnected     *bool                `json:"mqtt_connected,omitempty"`
	Renderer          render.Stats         `json:"renderer"`
	Session           session.Snapshot     `json:"session"`
}

// HealthCheck builds the readiness report.
//
// Status rules:
//   - not running: unhealthy
//   - running without inference, with a stopped worker or with MQTT down:
//     degraded
//   - otherwise healthy
func (a *App) HealthCheck() HealthStatus {
	a.mu.RLock()
	running := a.isRunning
	started := a.started
	a.mu.RUnlock()

	h := HealthStatus{
		Status:            "healthy",
		Profile:           a.profile,
		CapabilityReasons: a.report.Reasons,
		Buffers:           a.lifecycle.Stats(),
		Renderer:          a.hub.Stats(),
		Session:           a.recorder.Snapshot(),
	}
	if running {
		h.UptimeSeconds = int64(time.Since(started).Seconds())
	}
	if a.scheduler != nil {
		st := a.scheduler.Stats()
		h.Scheduler = &st
	}
	if sp, ok := a.src.(source.StatsProvider); ok {
		st := sp.Stats()
		h.Source = &st
	}
	if a.worker != nil {
		m := a.worker.Metrics()
		h.Worker = &m
	}
	if a.emitter != nil {
		connected := a.emitter.Stats().Connected
		h.MQTTConnected = &connected
	}

	switch {
	case !running:
		h.Status = "unhealthy"
	case a.profile != capability.FullInference,
		h.Worker != nil && !h.Worker.Running,
		h.MQTTConnected != nil && !*h.MQTTConnected:
		h.Status = "degraded"
	}
	return h
}

// LivenessHandler serves /health.
func (a *App) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	a.mu.RLock()
	started := a.started
	a.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": int64(time.Since(started).Seconds()),
	})
}

// ReadinessHandler serves /readiness. Degraded is still ready.
func (a *App) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	health := a.HealthCheck()
	code := http.StatusOK
	if health.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

type startSessionRequest struct {
	DurationMS int64 `json:"duration_ms"`
}

// SessionHandler serves /session: GET returns the snapshot, POST starts a
// session, DELETE stops it.
func (a *App) SessionHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, a.recorder.Snapshot())

	case http.MethodPost:
		var req startSessionRequest
		if v := r.URL.Query().Get("duration_ms"); v != "" {
			ms, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("invalid duration_ms: %w", err))
				return
			}
			req.DurationMS = ms
		} else if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
				return
			}
		}
		if req.DurationMS < 0 {
			writeError(w, http.StatusBadRequest, errors.New("duration_ms must be >= 0"))
			return
		}
		snap, started := a.StartSession(time.Duration(req.DurationMS) * time.Millisecond)
		if !started {
			writeJSON(w, http.StatusConflict, snap)
			return
		}
		writeJSON(w, http.StatusCreated, snap)

	case http.MethodDelete:
		snap, stopped := a.StopSession()
		if !stopped {
			writeJSON(w, http.StatusConflict, snap)
			return
		}
		writeJSON(w, http.StatusOK, snap)

	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}

// Handler returns the HTTP surface.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.LivenessHandler)
	mux.HandleFunc("/readiness", a.ReadinessHandler)
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/session", a.SessionHandler)
	mux.Handle("/ws", a.hub)
	return mux
}

// StartHTTPServer binds cfg.HTTPAddr and serves in the background.
func (a *App) StartHTTPServer() error {
	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("core: listen %s: %w", a.cfg.HTTPAddr, err)
	}

	a.server = &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	slog.Info("core: http server listening",
		"addr", ln.Addr().String(),
		"endpoints", []string{"/health", "/readiness", "/metrics", "/session", "/ws"},
	)

	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("core: http server failed", "error", err)
		}
	}()
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("core: write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
