// Package core wires the capability profile, frame path, inference loop,
// session recorder and outer surfaces (HTTP, websocket, MQTT) into one
// service.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/VibishanW/JointForJoint/internal/capability"
	"github.com/VibishanW/JointForJoint/internal/config"
	"github.com/VibishanW/JointForJoint/internal/control"
	"github.com/VibishanW/JointForJoint/internal/emitter"
	"github.com/VibishanW/JointForJoint/internal/framebuf"
	"github.com/VibishanW/JointForJoint/internal/metrics"
	"github.com/VibishanW/JointForJoint/internal/model"
	"github.com/VibishanW/JointForJoint/internal/posebus"
	"github.com/VibishanW/JointForJoint/internal/render"
	"github.com/VibishanW/JointForJoint/internal/scheduler"
	"github.com/VibishanW/JointForJoint/internal/session"
	"github.com/VibishanW/JointForJoint/internal/skeleton"
	"github.com/VibishanW/JointForJoint/internal/source"
	"github.com/VibishanW/JointForJoint/internal/timeutil"
)

// Deps overrides host-facing components. Zero values select the
// production implementation derived from the configuration.
type Deps struct {
	Clock timeutil.Clock

	CameraProbe capability.Probe
	EngineProbe capability.Probe

	Source    source.Source
	Estimator model.Estimator

	Tracer trace.Tracer
}

// App is the service orchestrator.
type App struct {
	cfg  *config.Config
	deps Deps

	report  capability.Report
	profile capability.Profile

	metrics   *metrics.Metrics
	lifecycle *framebuf.Lifecycle
	projector *skeleton.Projector
	bus       *posebus.Bus
	recorder  *session.Recorder
	hub       *render.Hub

	// Frame path; nil under NoCamera.
	src        source.Source
	preview    source.Handle
	previewing bool
	scheduler  *scheduler.Scheduler
	estimator  model.Estimator
	worker     *model.Worker

	emitter *emitter.MQTTEmitter
	control *control.Handler
	server  *http.Server

	ready     chan struct{}
	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	cancel    context.CancelFunc
}

// New resolves the capability profile and builds the components it
// allows. Nothing is started until Run.
func New(ctx context.Context, cfg *config.Config, deps Deps) (*App, error) {
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}

	a := &App{
		cfg:     cfg,
		deps:    deps,
		metrics: metrics.New(),
		bus:     posebus.New(),
		ready:   make(chan struct{}),
	}

	resolver, err := a.newResolver()
	if err != nil {
		return nil, err
	}
	a.profile = resolver.Resolve(ctx)
	a.report = resolver.Report(ctx)
	a.metrics.SetProfile(a.profile)

	topology, err := skeleton.Lookup(cfg.Model.Topology)
	if err != nil {
		return nil, fmt.Errorf("core: %w", err)
	}
	a.projector, err = skeleton.NewProjector(topology, cfg.Model.Threshold)
	if err != nil {
		return nil, fmt.Errorf("core: %w", err)
	}

	a.lifecycle = framebuf.New(a.metrics.LifecycleHooks(framebuf.Options{Strict: cfg.Strict()}))

	a.recorder = session.New(deps.Clock, session.Options{DefaultWindow: cfg.DefaultSessionWindow()})

	a.hub = render.NewHub(render.Options{
		InstanceID: cfg.InstanceID,
		Profile:    a.profile.String(),
		Topology:   topology.Name,
		Session:    a.recorder.Snapshot,
	})

	if err := a.buildFramePath(); err != nil {
		return nil, err
	}

	if cfg.MQTTEnabled() {
		a.emitter = emitter.NewMQTTEmitter(cfg)
	}

	slog.Info("core: service configured",
		"instance_id", cfg.InstanceID,
		"profile", a.profile.String(),
		"topology", topology.Name,
		"threshold", cfg.Model.Threshold,
		"mqtt", cfg.MQTTEnabled(),
	)
	return a, nil
}

// Profile returns the resolved capability profile.
func (a *App) Profile() capability.Profile { return a.profile }

// Recorder returns the session recorder.
func (a *App) Recorder() *session.Recorder { return a.recorder }

// Ready is closed once Run has started every component.
func (a *App) Ready() <-chan struct{} { return a.ready }

// Run starts every component and blocks until ctx is cancelled or a
// shutdown command arrives.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.isRunning {
		a.mu.Unlock()
		return fmt.Errorf("core: service is already running")
	}
	a.isRunning = true
	a.started = time.Now()
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()
	defer cancel()

	slog.Info("core: service starting", "instance_id", a.cfg.InstanceID, "profile", a.profile.String())

	if err := a.startOutputs(ctx); err != nil {
		return err
	}
	if err := a.startFramePath(ctx); err != nil {
		return err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logStats(ctx, 10*time.Second)
	}()

	slog.Info("core: service running")
	close(a.ready)
	<-ctx.Done()
	slog.Info("core: run loop exiting")
	return nil
}

// startOutputs wires pose and session consumers and the MQTT surfaces.
func (a *App) startOutputs(ctx context.Context) error {
	if err := a.bus.SubscribeFunc("session", a.recorder.OnPose); err != nil {
		return fmt.Errorf("core: subscribe recorder: %w", err)
	}

	renderCh := make(chan posebus.Pose, 8)
	if err := a.bus.Subscribe("render", renderCh); err != nil {
		return fmt.Errorf("core: subscribe renderer: %w", err)
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.hub.Forward(ctx, renderCh)
	}()

	a.recorder.OnChange(a.metrics.ObserveSession)
	a.recorder.OnChange(a.hub.PublishSession)
	a.recorder.OnChange(logSession)

	if a.emitter == nil {
		return nil
	}

	if err := a.emitter.Connect(ctx); err != nil {
		return fmt.Errorf("core: failed to connect mqtt: %w", err)
	}

	mqttCh := make(chan posebus.Pose, 32)
	if err := a.bus.Subscribe("mqtt", mqttCh); err != nil {
		return fmt.Errorf("core: subscribe emitter: %w", err)
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.emitter.ForwardPoses(ctx, mqttCh)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.emitter.ForwardSessions(ctx)
	}()
	a.recorder.OnChange(a.emitter.QueueSession)

	a.control = control.NewHandler(a.cfg, a.emitter.Client(), control.Callbacks{
		OnStartSession: a.StartSession,
		OnStopSession:  a.StopSession,
		OnGetSession:   a.recorder.Snapshot,
		OnGetStatus:    a.Status,
		OnShutdown:     a.shutdownViaControl,
	})
	if err := a.control.Start(ctx); err != nil {
		return fmt.Errorf("core: failed to start control plane: %w", err)
	}
	return nil
}

// Shutdown stops components in dependency order: frame path first, then
// consumers, then transports.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if !a.isRunning {
		a.mu.Unlock()
		return nil
	}
	a.isRunning = false
	cancel := a.cancel
	a.mu.Unlock()

	slog.Info("core: shutting down")

	a.stopFramePath()

	if a.recorder.StopSession() {
		slog.Info("core: active session stopped by shutdown")
	}

	if a.control != nil {
		a.control.Stop()
	}

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("core: goroutines still running at shutdown deadline")
	}

	a.hub.Close()
	if a.emitter != nil {
		a.emitter.Disconnect()
	}
	a.bus.Close()

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Error("core: http server shutdown failed", "error", err)
		}
	}

	stats := a.lifecycle.Stats()
	if stats.Outstanding != 0 {
		slog.Error("core: frame buffers outstanding after shutdown",
			"acquired", stats.Acquired,
			"released", stats.Released,
			"outstanding", stats.Outstanding,
		)
	}

	slog.Info("core: shutdown complete",
		"uptime", time.Since(a.started),
		"frames_acquired", stats.Acquired,
		"frames_released", stats.Released,
	)
	return nil
}

// ShutdownTimeout returns the configured graceful shutdown budget.
func (a *App) ShutdownTimeout() time.Duration {
	if t := a.cfg.ShutdownTimeout(); t > 0 {
		return t
	}
	return 5 * time.Second
}

func (a *App) shutdownViaControl() error {
	a.mu.RLock()
	cancel := a.cancel
	a.mu.RUnlock()
	if cancel == nil {
		return fmt.Errorf("core: service is not running")
	}
	cancel()
	return nil
}

func logSession(s session.Snapshot) {
	switch s.State {
	case session.Recording:
		slog.Info("core: session started", "window_ms", s.WindowMs)
	case session.Completed:
		attrs := []any{
			"end_reason", string(s.EndReason),
			"frames", s.ElapsedFramesProcessed,
			"elapsed_ms", s.ElapsedMs,
			"fps_estimate", s.FPSEstimate,
		}
		if s.Cadence != nil {
			attrs = append(attrs,
				"fps_mean", fmt.Sprintf("%.2f", s.Cadence.FPSMean),
				"stable", s.Cadence.IsStable,
			)
		}
		slog.Info("core: session completed", attrs...)
	}
}
