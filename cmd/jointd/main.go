package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/VibishanW/JointForJoint/internal/config"
	"github.com/VibishanW/JointForJoint/internal/core"
	"github.com/VibishanW/JointForJoint/internal/tracing"
)

const (
	version           = "v0.1.0"
	defaultConfigPath = "config/jointd.yaml"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file (empty: environment only)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("jointd", version)
		return
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(*configPath, *debug); err != nil {
		slog.Error("jointd failed", "error", err)
		os.Exit(1)
	}
	slog.Info("jointd stopped successfully")
}

func run(configPath string, debug bool) error {
	slog.Info("starting jointd", "version", version, "config", configPath, "debug", debug)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	tp, err := tracing.Init(ctx, tracing.Config{
		Endpoint:    cfg.Tracing.OTLPEndpoint,
		ServiceName: cfg.Tracing.ServiceName,
		InstanceID:  cfg.InstanceID,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return err
	}

	app, err := core.New(ctx, cfg, core.Deps{
		Tracer: tp.Tracer("github.com/VibishanW/JointForJoint/internal/scheduler"),
	})
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	if err := app.StartHTTPServer(); err != nil {
		return err
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- app.Run(ctx)
	}()

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case runErr = <-errChan:
		if runErr != nil {
			slog.Error("service error", "error", runErr)
		} else {
			slog.Info("service stopped (control plane shutdown)")
		}
	}

	timeout := app.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", timeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		slog.Warn("trace flush failed", "error", err)
	}
	return runErr
}
