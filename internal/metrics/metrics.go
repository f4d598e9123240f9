// Package metrics exposes pipeline telemetry in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/VibishanW/JointForJoint/internal/capability"
	"github.com/VibishanW/JointForJoint/internal/framebuf"
	"github.com/VibishanW/JointForJoint/internal/scheduler"
	"github.com/VibishanW/JointForJoint/internal/session"
)

const namespace = "joint"

// Metrics holds all collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	FramesAcquired     prometheus.Counter
	FramesReleased     prometheus.Counter
	BuffersOutstanding prometheus.Gauge

	SchedulerState    prometheus.Gauge
	Inferences        *prometheus.CounterVec
	InferenceDuration prometheus.Histogram
	FramesDropped     *prometheus.CounterVec
	PosesPublished    prometheus.Counter

	SessionsActive    prometheus.Gauge
	SessionsCompleted *prometheus.CounterVec
	SessionFPS        prometheus.Gauge

	Profile       *prometheus.GaugeVec
	CameraFPS     prometheus.Gauge
	WorkerRestart prometheus.Counter
}

// New registers every collector on a fresh registry, together with the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		FramesAcquired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_acquired_total",
			Help:      "Frame buffers handed out by the lifecycle",
		}),
		FramesReleased: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_released_total",
			Help:      "Frame buffers returned to the lifecycle",
		}),
		BuffersOutstanding: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffers_outstanding",
			Help:      "Frame buffers acquired and not yet released",
		}),

		SchedulerState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_state",
			Help:      "Inference loop state (0 idle, 1 awaiting_frame, 2 inferring, 3 stopped)",
		}),
		Inferences: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inferences_total",
			Help:      "Model calls by result",
		}, []string{"result"}),
		InferenceDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_duration_seconds",
			Help:      "Model call latency",
			Buckets:   []float64{0.005, 0.01, 0.02, 0.033, 0.05, 0.1, 0.2, 0.5, 1, 2},
		}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames released without inference, by reason",
		}, []string{"reason"}),
		PosesPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poses_published_total",
			Help:      "Poses delivered to the pose bus",
		}),

		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_active",
			Help:      "1 while a recording session is running",
		}),
		SessionsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_completed_total",
			Help:      "Completed recording sessions by end reason",
		}, []string{"end_reason"}),
		SessionFPS: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_fps_estimate",
			Help:      "Trailing one second pose rate of the current or last session",
		}),

		Profile: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capability_profile",
			Help:      "Resolved capability profile (1 for the active one)",
		}, []string{"profile"}),
		CameraFPS: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "camera_fps_measured",
			Help:      "Camera frame rate measured during warmup",
		}),
		WorkerRestart: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_restarts_total",
			Help:      "Pose worker process respawns",
		}),
	}
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// LifecycleHooks returns framebuf options that count acquisitions and
// releases.
func (m *Metrics) LifecycleHooks(opts framebuf.Options) framebuf.Options {
	opts.OnAcquire = func(*framebuf.Buffer) {
		m.FramesAcquired.Inc()
		m.BuffersOutstanding.Inc()
	}
	opts.OnRelease = func(*framebuf.Buffer) {
		m.FramesReleased.Inc()
		m.BuffersOutstanding.Dec()
	}
	return opts
}

// ObserveState implements scheduler.Observer.
func (m *Metrics) ObserveState(s scheduler.State) {
	m.SchedulerState.Set(float64(s))
}

// ObserveInference implements scheduler.Observer.
func (m *Metrics) ObserveInference(latency time.Duration, category string) {
	result := category
	if result == "" {
		result = "ok"
	}
	m.Inferences.WithLabelValues(result).Inc()
	m.InferenceDuration.Observe(latency.Seconds())
}

// ObserveDrop implements scheduler.Observer.
func (m *Metrics) ObserveDrop(reason string) {
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// ObservePublish implements scheduler.Observer.
func (m *Metrics) ObservePublish() {
	m.PosesPublished.Inc()
}

// ObserveSession records a recorder transition. It is meant to be
// registered with session.Recorder.OnChange.
func (m *Metrics) ObserveSession(s session.Snapshot) {
	m.SessionFPS.Set(float64(s.FPSEstimate))
	switch s.State {
	case session.Recording:
		m.SessionsActive.Set(1)
	case session.Completed:
		m.SessionsActive.Set(0)
		m.SessionsCompleted.WithLabelValues(string(s.EndReason)).Inc()
	}
}

// SetProfile marks p as the active capability profile.
func (m *Metrics) SetProfile(p capability.Profile) {
	for _, candidate := range []capability.Profile{capability.FullInference, capability.CameraOnly, capability.NoCamera} {
		v := 0.0
		if candidate == p {
			v = 1
		}
		m.Profile.WithLabelValues(candidate.String()).Set(v)
	}
}

var _ scheduler.Observer = (*Metrics)(nil)
