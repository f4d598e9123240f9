// Command posebench drives the inference loop against a simulated or real
// pose model and prints cadence statistics for one recording session.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VibishanW/JointForJoint/internal/camera"
	"github.com/VibishanW/JointForJoint/internal/framebuf"
	"github.com/VibishanW/JointForJoint/internal/model"
	"github.com/VibishanW/JointForJoint/internal/posebus"
	"github.com/VibishanW/JointForJoint/internal/scheduler"
	"github.com/VibishanW/JointForJoint/internal/session"
	"github.com/VibishanW/JointForJoint/internal/skeleton"
	"github.com/VibishanW/JointForJoint/internal/source"
)

const version = "v0.1.0"

// Config holds the benchmark flags.
type Config struct {
	// Source
	Device string
	URL    string
	Width  int
	Height int
	FPS    float64

	// Model
	Worker    string
	ModelPath string
	Latency   time.Duration
	Jitter    time.Duration
	FailEvery uint64
	Seed      uint64
	Timeout   time.Duration

	Topology  string
	Threshold float64

	Duration      time.Duration
	StatsInterval time.Duration
	Debug         bool
}

func main() {
	config := parseFlags()

	logLevel := slog.LevelInfo
	if config.Debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	printBanner(config)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received, stopping session")
		cancel()
	}()

	if err := runBench(ctx, config, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("benchmark failed", "error", err)
		os.Exit(1)
	}
}

func parseFlags() Config {
	var config Config

	flag.StringVar(&config.Device, "device", "", "V4L2 device (default: synthetic frames)")
	flag.StringVar(&config.URL, "url", "", "RTSP URL (default: synthetic frames)")
	flag.IntVar(&config.Width, "width", 640, "Frame width")
	flag.IntVar(&config.Height, "height", 480, "Frame height")
	flag.Float64Var(&config.FPS, "fps", 30, "Source FPS")

	flag.StringVar(&config.Worker, "worker", "", "Pose worker command (default: simulated model)")
	flag.StringVar(&config.ModelPath, "model", "", "Model path passed to the worker")
	flag.DurationVar(&config.Latency, "latency", 40*time.Millisecond, "Simulated mean inference latency")
	flag.DurationVar(&config.Jitter, "jitter", 10*time.Millisecond, "Simulated latency standard deviation")
	flag.Uint64Var(&config.FailEvery, "fail-every", 0, "Fail every Nth simulated call (0 disables)")
	flag.Uint64Var(&config.Seed, "seed", uint64(time.Now().UnixNano()), "Simulated model seed")
	flag.DurationVar(&config.Timeout, "timeout", 2*time.Second, "Per-frame inference timeout")

	flag.StringVar(&config.Topology, "topology", skeleton.BlazePose.Name, "Skeleton topology")
	flag.Float64Var(&config.Threshold, "threshold", skeleton.DefaultThreshold, "Keypoint confidence threshold")

	flag.DurationVar(&config.Duration, "duration", 10*time.Second, "Session length")
	flag.DurationVar(&config.StatsInterval, "stats-interval", 2*time.Second, "Live statistics interval")
	flag.BoolVar(&config.Debug, "debug", false, "Enable debug logging")

	flag.Parse()

	if config.Device != "" && config.URL != "" {
		fmt.Fprintf(os.Stderr, "Error: -device and -url are mutually exclusive\n")
		os.Exit(1)
	}
	if config.FPS <= 0 || config.Width <= 0 || config.Height <= 0 {
		fmt.Fprintf(os.Stderr, "Error: -fps, -width and -height must be positive\n")
		os.Exit(1)
	}
	if config.Duration <= 0 {
		fmt.Fprintf(os.Stderr, "Error: -duration must be positive\n")
		os.Exit(1)
	}
	return config
}

// bench groups the components the stats display reads from.
type bench struct {
	src       source.Source
	lifecycle *framebuf.Lifecycle
	scheduler *scheduler.Scheduler
	bus       *posebus.Bus
	recorder  *session.Recorder
	sim       *SimulatedModel
	worker    *model.Worker
}

func runBench(ctx context.Context, config Config, logger *slog.Logger) error {
	topology, err := skeleton.Lookup(config.Topology)
	if err != nil {
		return err
	}
	projector, err := skeleton.NewProjector(topology, config.Threshold)
	if err != nil {
		return err
	}

	b := &bench{
		lifecycle: framebuf.New(framebuf.Options{Strict: true}),
		bus:       posebus.New(),
		recorder:  session.New(nil, session.Options{}),
	}
	defer b.bus.Close()

	// 1. Frame source
	b.src, err = newSource(config)
	if err != nil {
		return fmt.Errorf("failed to create source: %w", err)
	}

	// 2. Model
	var est model.Estimator
	if config.Worker != "" {
		b.worker, err = model.NewWorker(model.WorkerConfig{
			WorkerID:    "posebench",
			Command:     config.Worker,
			ModelPath:   config.ModelPath,
			CallTimeout: config.Timeout,
		})
		if err != nil {
			return fmt.Errorf("failed to create worker: %w", err)
		}
		if err := b.worker.Start(ctx); err != nil {
			return fmt.Errorf("failed to start worker: %w", err)
		}
		defer b.worker.Stop()
		est = b.worker
	} else {
		b.sim = NewSimulatedModel(SimConfig{
			Topology:  topology,
			Latency:   config.Latency,
			Jitter:    config.Jitter,
			FailEvery: config.FailEvery,
			Seed:      config.Seed,
		})
		est = b.sim
	}

	// 3. Session
	done := make(chan session.Snapshot, 1)
	b.recorder.OnChange(func(s session.Snapshot) {
		if s.State == session.Completed {
			done <- s
		}
	})
	if err := b.bus.SubscribeFunc("session", b.recorder.OnPose); err != nil {
		return err
	}

	// 4. Inference loop
	b.scheduler, err = scheduler.New(scheduler.Options{
		Lifecycle:        b.lifecycle,
		Projector:        projector,
		Bus:              b.bus,
		InferenceTimeout: config.Timeout,
	})
	if err != nil {
		return err
	}
	if err := b.scheduler.Run(ctx, est, b.src); err != nil {
		return err
	}
	b.recorder.StartSession(config.Duration)
	logger.Info("session started", "duration", config.Duration)

	statsCtx, stopStats := context.WithCancel(ctx)
	go reportStats(statsCtx, config.StatsInterval, b)

	var snap session.Snapshot
	select {
	case snap = <-done:
	case <-ctx.Done():
		b.recorder.StopSession()
		snap = <-done
	}
	stopStats()

	if err := b.scheduler.Stop(); err != nil {
		logger.Error("failed to stop scheduler", "error", err)
	}

	printFinalStats(b, snap)

	if leaked := b.lifecycle.Stats().Outstanding; leaked != 0 {
		return fmt.Errorf("%d frame buffers outstanding after stop", leaked)
	}
	return ctx.Err()
}

func newSource(config Config) (source.Source, error) {
	if config.Device == "" && config.URL == "" {
		return source.NewSynthetic(source.SyntheticConfig{
			Width:  config.Width,
			Height: config.Height,
			FPS:    config.FPS,
		})
	}
	return camera.New(camera.Config{
		Device: config.Device,
		URL:    config.URL,
		Width:  config.Width,
		Height: config.Height,
		FPS:    config.FPS,
	})
}

func sourceName(config Config) string {
	switch {
	case config.Device != "":
		return "V4L2 (" + config.Device + ")"
	case config.URL != "":
		return "RTSP (" + config.URL + ")"
	default:
		return "synthetic"
	}
}

func printBanner(config Config) {
	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║    posebench - frame to pose inference benchmark              ║")
	fmt.Printf("║                    Version %-34s ║\n", version)
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Println("Configuration:")

	fmt.Printf("  Source:          %s\n", sourceName(config))
	fmt.Printf("  Resolution:      %dx%d\n", config.Width, config.Height)
	fmt.Printf("  Target FPS:      %.2f fps\n", config.FPS)
	if config.Worker != "" {
		fmt.Printf("  Model:           worker (%s)\n", config.Worker)
	} else {
		fmt.Printf("  Model:           simulated (%s ± %s", config.Latency, config.Jitter)
		if config.FailEvery > 0 {
			fmt.Printf(", fails every %d", config.FailEvery)
		}
		fmt.Println(")")
	}
	fmt.Printf("  Topology:        %s (threshold %.2f)\n", config.Topology, config.Threshold)
	fmt.Printf("  Session:         %v\n", config.Duration)
	fmt.Println()
	fmt.Println("Pipeline:")
	fmt.Println("  source → scheduler → model → skeleton → posebus → session")
	fmt.Println()
	fmt.Println("Press Ctrl+C to end the session early")
	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Println()
}
