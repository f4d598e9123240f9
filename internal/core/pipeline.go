package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/VibishanW/JointForJoint/internal/camera"
	"github.com/VibishanW/JointForJoint/internal/capability"
	"github.com/VibishanW/JointForJoint/internal/framebuf"
	"github.com/VibishanW/JointForJoint/internal/model"
	"github.com/VibishanW/JointForJoint/internal/scheduler"
	"github.com/VibishanW/JointForJoint/internal/source"
)

// newResolver maps configuration and probes onto capability options.
func (a *App) newResolver() (*capability.Resolver, error) {
	surface, err := capability.ParseSurface(a.cfg.Capability.Surface)
	if err != nil {
		return nil, fmt.Errorf("core: %w", err)
	}

	opts := capability.Options{
		Surface:   surface,
		Sandboxed: a.cfg.Capability.Sandboxed,
		Camera:    a.deps.CameraProbe,
		Engine:    a.deps.EngineProbe,
	}
	if a.cfg.Capability.ForceProfile != "" {
		p, err := capability.ParseProfile(a.cfg.Capability.ForceProfile)
		if err != nil {
			return nil, fmt.Errorf("core: %w", err)
		}
		opts.Force = &p
	}

	if opts.Camera == nil {
		switch {
		case a.deps.Source != nil, a.cfg.Camera.Synthetic:
			opts.Camera = capability.ProbeFunc(func(context.Context) error { return nil })
		default:
			opts.Camera = camera.Probe(a.cameraConfig())
		}
	}
	if opts.Engine == nil {
		switch {
		case a.deps.Estimator != nil:
			opts.Engine = capability.ProbeFunc(func(context.Context) error { return nil })
		case a.cfg.Model.WorkerCmd != "":
			opts.Engine = capability.EngineProbe(a.cfg.Model.WorkerCmd, a.cfg.Model.ModelPath)
		}
	}
	return capability.NewResolver(opts), nil
}

func (a *App) cameraConfig() camera.Config {
	return camera.Config{
		Device:    a.cfg.Camera.Device,
		URL:       a.cfg.Camera.URL,
		Width:     a.cfg.Camera.Width,
		Height:    a.cfg.Camera.Height,
		FPS:       a.cfg.Camera.FPS,
		Facing:    a.cfg.Camera.Facing,
		Reconnect: camera.DefaultReconnectConfig(),
	}
}

// buildFramePath instantiates only what the profile allows.
func (a *App) buildFramePath() error {
	if !a.profile.HasCamera() {
		slog.Info("core: no camera, frame path not instantiated")
		return nil
	}

	src, err := a.newSource()
	if err != nil {
		return err
	}
	a.src = src

	if !a.profile.HasInference() {
		return nil
	}

	a.estimator = a.deps.Estimator
	if a.estimator == nil {
		a.worker, err = model.NewWorker(model.WorkerConfig{
			Command:     a.cfg.Model.WorkerCmd,
			Args:        a.cfg.Model.WorkerArgs,
			ModelPath:   a.cfg.Model.ModelPath,
			CallTimeout: a.cfg.InferenceTimeout(),
		})
		if err != nil {
			return fmt.Errorf("core: %w", err)
		}
		a.estimator = a.worker
	}

	a.scheduler, err = scheduler.New(scheduler.Options{
		Lifecycle:        a.lifecycle,
		Projector:        a.projector,
		Bus:              a.bus,
		InferenceTimeout: a.cfg.InferenceTimeout(),
		Observer:         a.metrics,
		Tracer:           a.deps.Tracer,
	})
	if err != nil {
		return fmt.Errorf("core: %w", err)
	}
	return nil
}

func (a *App) newSource() (source.Source, error) {
	if a.deps.Source != nil {
		return a.deps.Source, nil
	}
	if a.cfg.Camera.Synthetic {
		src, err := source.NewSynthetic(source.SyntheticConfig{
			Width:  a.cfg.Camera.Width,
			Height: a.cfg.Camera.Height,
			FPS:    a.cfg.Camera.FPS,
			Clock:  a.deps.Clock,
		})
		if err != nil {
			return nil, fmt.Errorf("core: %w", err)
		}
		return src, nil
	}
	cam, err := camera.New(a.cameraConfig())
	if err != nil {
		return nil, fmt.Errorf("core: %w", err)
	}
	return cam, nil
}

// startFramePath starts the source, and under FullInference the worker
// and the inference loop.
func (a *App) startFramePath(ctx context.Context) error {
	if a.src == nil {
		return nil
	}

	if a.scheduler == nil {
		// Camera-only preview: frames pass through the lifecycle and are
		// released at once.
		h, err := a.src.Start(func(raw framebuf.Raw) {
			a.lifecycle.Release(a.lifecycle.Acquire(raw))
		})
		if err != nil {
			return fmt.Errorf("core: failed to start camera preview: %w", err)
		}
		a.preview = h
		a.previewing = true
	} else {
		if a.worker != nil {
			if err := a.worker.Start(ctx); err != nil {
				return fmt.Errorf("core: failed to start pose worker: %w", err)
			}
		}
		if err := a.scheduler.Run(ctx, a.estimator, a.src); err != nil {
			return fmt.Errorf("core: failed to start inference loop: %w", err)
		}
	}

	if cam, ok := a.src.(*camera.Camera); ok && a.cfg.Warmup() > 0 {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.reportWarmup(ctx, cam, a.cfg.Warmup())
		}()
	}
	return nil
}

// reportWarmup logs the measured camera cadence once the warmup window
// has passed.
func (a *App) reportWarmup(ctx context.Context, cam *camera.Camera, window time.Duration) {
	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	stats := cam.Cadence(window)
	a.metrics.CameraFPS.Set(stats.FPSMean)
	if stats.Frames < 2 {
		slog.Warn("core: camera delivered too few frames during warmup",
			"frames", stats.Frames,
			"window", window,
		)
		return
	}
	slog.Info("core: camera warmup complete",
		"frames", stats.Frames,
		"fps_mean", fmt.Sprintf("%.2f", stats.FPSMean),
		"fps_stddev", fmt.Sprintf("%.2f", stats.FPSStdDev),
		"jitter_mean_ms", fmt.Sprintf("%.1f", stats.JitterMean*1000),
		"stable", stats.IsStable,
		"target_fps", a.cfg.Camera.FPS,
	)
}

// stopFramePath stops the loop (which stops the source), the preview
// source and the worker.
func (a *App) stopFramePath() {
	if a.scheduler != nil {
		if err := a.scheduler.Stop(); err != nil {
			slog.Error("core: failed to stop inference loop", "error", err)
		}
	} else if a.previewing {
		if err := a.src.Stop(a.preview); err != nil {
			slog.Error("core: failed to stop camera preview", "error", err)
		}
	}
	if a.worker != nil {
		if err := a.worker.Stop(); err != nil {
			slog.Error("core: failed to stop pose worker", "error", err)
		}
	}
}

// logStats periodically logs loop and buffer accounting, and feeds worker
// restarts into metrics.
func (a *App) logStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastRestarts uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		buffers := a.lifecycle.Stats()
		attrs := []any{
			"profile", a.profile.String(),
			"frames_acquired", buffers.Acquired,
			"frames_outstanding", buffers.Outstanding,
		}
		if a.scheduler != nil {
			st := a.scheduler.Stats()
			attrs = append(attrs,
				"state", st.State.String(),
				"submitted", st.Submitted,
				"published", st.Published,
				"failed", st.Failed,
				"dropped", st.Dropped,
				"last_latency_ms", st.LastLatency.Milliseconds(),
			)
		}
		if a.worker != nil {
			m := a.worker.Metrics()
			if m.Restarts > lastRestarts {
				a.metrics.WorkerRestart.Add(float64(m.Restarts - lastRestarts))
				lastRestarts = m.Restarts
			}
			attrs = append(attrs, "worker_running", m.Running, "worker_restarts", m.Restarts)
		}
		slog.Info("core: pipeline stats", attrs...)
	}
}
