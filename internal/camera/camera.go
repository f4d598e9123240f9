// Package camera captures RGB frames from a V4L2 device or an RTSP stream
// with GStreamer and pushes them into a source callback.
package camera

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/VibishanW/JointForJoint/internal/cadence"
	"github.com/VibishanW/JointForJoint/internal/framebuf"
	"github.com/VibishanW/JointForJoint/internal/source"
)

// maxArrivals bounds the arrival history kept for cadence measurement.
const maxArrivals = 1024

// Config configures a Camera. Exactly one of Device and URL is set.
type Config struct {
	Device    string
	URL       string
	Width     int
	Height    int
	FPS       float64
	Facing    string // "front" (default) or "back"; informational for V4L2
	Reconnect ReconnectConfig
}

func (c Config) sourceName() string {
	if c.URL != "" {
		return c.URL
	}
	return c.Device
}

func (c *Config) validate() error {
	if (c.Device == "") == (c.URL == "") {
		return fmt.Errorf("camera: exactly one of device or url is required")
	}
	if c.URL != "" {
		u, err := url.Parse(c.URL)
		if err != nil {
			return fmt.Errorf("camera: invalid url: %w", err)
		}
		if u.Scheme != "rtsp" && u.Scheme != "rtsps" {
			return fmt.Errorf("camera: unsupported url scheme %q", u.Scheme)
		}
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("camera: invalid resolution %dx%d", c.Width, c.Height)
	}
	if c.FPS < 0.1 || c.FPS > 60 {
		return fmt.Errorf("camera: fps must be between 0.1 and 60, got %.2f", c.FPS)
	}
	switch c.Facing {
	case "":
		c.Facing = "front"
	case "front", "back":
	default:
		return fmt.Errorf("camera: facing must be front or back, got %q", c.Facing)
	}
	if c.Reconnect.RetryDelay <= 0 || c.Reconnect.MaxRetryDelay <= 0 {
		c.Reconnect = DefaultReconnectConfig()
	}
	return nil
}

// Camera is a GStreamer-backed source.Source.
type Camera struct {
	cfg Config

	mu       sync.Mutex
	handle   source.Handle
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	elements *pipelineElements
	started  time.Time

	// cbMu serialises frame delivery against Stop so that no callback runs
	// after Stop returns.
	cbMu     sync.Mutex
	onFrame  func(framebuf.Raw)
	arrivals []time.Time

	reconnect  reconnectState
	connected  atomic.Bool
	frameCount uint64
	bytesRead  uint64

	errorsDevice  uint64
	errorsNetwork uint64
	errorsCodec   uint64
	errorsAuth    uint64
	errorsUnknown uint64
}

// New validates cfg and checks that GStreamer is usable.
func New(cfg Config) (*Camera, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := checkGStreamerAvailable(); err != nil {
		return nil, fmt.Errorf("camera: %w", err)
	}
	return &Camera{cfg: cfg}, nil
}

// Start builds the pipeline and begins delivering frames to onFrame. It
// returns once the pipeline is set to PLAYING; frames arrive asynchronously.
func (c *Camera) Start(onFrame func(framebuf.Raw)) (source.Handle, error) {
	if onFrame == nil {
		return 0, source.ErrNilCallback
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return 0, source.ErrAlreadyStarted
	}

	elements, err := c.play()
	if err != nil {
		return 0, fmt.Errorf("camera: %w", err)
	}

	c.handle++
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.elements = elements
	c.started = time.Now()

	c.cbMu.Lock()
	c.onFrame = onFrame
	c.arrivals = c.arrivals[:0]
	c.cbMu.Unlock()

	slog.Info("camera: capture started",
		"source", c.cfg.sourceName(),
		"resolution", fmt.Sprintf("%dx%d", c.cfg.Width, c.cfg.Height),
		"target_fps", c.cfg.FPS,
		"facing", c.cfg.Facing,
	)

	c.wg.Add(1)
	go c.run(c.ctx)

	return c.handle, nil
}

// play builds a pipeline, wires the appsink and sets it PLAYING.
func (c *Camera) play() (*pipelineElements, error) {
	elements, err := buildPipeline(c.cfg)
	if err != nil {
		return nil, err
	}
	elements.appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: c.onNewSample,
	})
	if err := elements.pipeline.SetState(gst.StatePlaying); err != nil {
		destroyPipeline(elements)
		return nil, fmt.Errorf("failed to start pipeline: %w", err)
	}
	return elements, nil
}

// run monitors the bus and rebuilds the pipeline after failures.
func (c *Camera) run(ctx context.Context) {
	defer c.wg.Done()

	err := runWithReconnect(ctx, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			c.mu.Lock()
			old := c.elements
			c.elements = nil
			c.mu.Unlock()
			destroyPipeline(old)

			elements, err := c.play()
			if err != nil {
				return err
			}
			c.mu.Lock()
			c.elements = elements
			c.mu.Unlock()
		}
		return c.monitor(ctx)
	}, c.cfg.Reconnect, &c.reconnect)

	c.connected.Store(false)
	if err != nil {
		slog.Error("camera: capture stopped after reconnection failure",
			"error", err,
			"source", c.cfg.sourceName(),
			"uptime", time.Since(c.started),
			"frames_captured", atomic.LoadUint64(&c.frameCount),
			"reconnects", atomic.LoadUint32(&c.reconnect.reconnects),
		)
	}
}

// monitor polls the pipeline bus. It returns an error on EOS or a pipeline
// error, and nil when ctx is cancelled.
func (c *Camera) monitor(ctx context.Context) error {
	c.mu.Lock()
	elements := c.elements
	c.mu.Unlock()
	if elements == nil {
		return fmt.Errorf("pipeline not initialized")
	}

	bus := elements.pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			c.connected.Store(false)
			slog.Info("camera: end of stream",
				"source", c.cfg.sourceName(),
				"frames_captured", atomic.LoadUint64(&c.frameCount),
			)
			return fmt.Errorf("end of stream")

		case gst.MessageError:
			c.connected.Store(false)
			gerr := msg.ParseError()
			category := ClassifyGStreamerError(gerr)
			c.countError(category)
			slog.Error("camera: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
				"source", c.cfg.sourceName(),
				"uptime", time.Since(c.started),
				"frames_captured", atomic.LoadUint64(&c.frameCount),
			)
			return fmt.Errorf("pipeline error [%s]: %s", category, gerr.Error())

		case gst.MessageStateChanged:
			if msg.Source() != elements.pipeline.GetName() {
				continue
			}
			old, state := msg.ParseStateChanged()
			slog.Debug("camera: pipeline state changed", "from", old, "to", state)
			if state == gst.StatePlaying {
				c.connected.Store(true)
				c.reconnect.reset()
			}
		}
	}
}

// onNewSample runs on the GStreamer streaming thread. The mapped buffer is
// handed to the callback as borrowed memory and unmapped after it returns.
func (c *Camera) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("camera: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("camera: failed to get buffer from sample, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	defer buffer.Unmap()
	data := mapInfo.Bytes()
	if len(data) == 0 {
		slog.Warn("camera: empty buffer received")
		return gst.FlowOK
	}

	now := time.Now()
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	if c.onFrame == nil {
		return gst.FlowOK
	}

	atomic.AddUint64(&c.frameCount, 1)
	atomic.AddUint64(&c.bytesRead, uint64(len(data)))
	if len(c.arrivals) == maxArrivals {
		c.arrivals = append(c.arrivals[:0], c.arrivals[maxArrivals/2:]...)
	}
	c.arrivals = append(c.arrivals, now)

	c.onFrame(framebuf.Raw{
		Data:      data,
		Width:     c.cfg.Width,
		Height:    c.cfg.Height,
		Timestamp: now,
	})
	return gst.FlowOK
}

// Stop halts capture and destroys the pipeline. Idempotent for the current
// handle.
func (c *Camera) Stop(h source.Handle) error {
	c.mu.Lock()
	if h != c.handle {
		c.mu.Unlock()
		return source.ErrUnknownHandle
	}
	if c.cancel == nil {
		c.mu.Unlock()
		return nil
	}
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	slog.Info("camera: stopping capture")

	c.cbMu.Lock()
	c.onFrame = nil
	c.cbMu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		slog.Warn("camera: stop timeout exceeded, monitor may still be running")
	}

	c.mu.Lock()
	elements := c.elements
	c.elements = nil
	c.mu.Unlock()

	var err error
	if derr := destroyPipeline(elements); derr != nil {
		err = fmt.Errorf("camera: %w", derr)
	}
	c.connected.Store(false)

	slog.Info("camera: capture stopped",
		"frames_captured", atomic.LoadUint64(&c.frameCount),
		"reconnects", atomic.LoadUint32(&c.reconnect.reconnects),
		"uptime", time.Since(c.started),
	)
	return err
}

// Stats returns capture statistics.
func (c *Camera) Stats() source.Stats {
	c.mu.Lock()
	started := c.started
	running := c.cancel != nil
	c.mu.Unlock()

	frames := atomic.LoadUint64(&c.frameCount)
	var fpsReal float64
	if running && frames > 0 {
		if elapsed := time.Since(started).Seconds(); elapsed > 0 {
			fpsReal = float64(frames) / elapsed
		}
	}
	return source.Stats{
		FramesEmitted: frames,
		FPSTarget:     c.cfg.FPS,
		FPSReal:       fpsReal,
		Resolution:    fmt.Sprintf("%dx%d", c.cfg.Width, c.cfg.Height),
		Reconnects:    atomic.LoadUint32(&c.reconnect.reconnects),
		BytesRead:     atomic.LoadUint64(&c.bytesRead),
		Connected:     c.connected.Load(),
	}
}

// ErrorCounts returns pipeline errors by category.
func (c *Camera) ErrorCounts() map[string]uint64 {
	return map[string]uint64{
		ErrCategoryDevice.String():  atomic.LoadUint64(&c.errorsDevice),
		ErrCategoryNetwork.String(): atomic.LoadUint64(&c.errorsNetwork),
		ErrCategoryCodec.String():   atomic.LoadUint64(&c.errorsCodec),
		ErrCategoryAuth.String():    atomic.LoadUint64(&c.errorsAuth),
		ErrCategoryUnknown.String(): atomic.LoadUint64(&c.errorsUnknown),
	}
}

// Cadence reports frame-rate stability over the arrivals of the last
// window. Used after warm-up to check that the camera delivers steadily.
func (c *Camera) Cadence(window time.Duration) cadence.Stats {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()

	cutoff := time.Now().Add(-window)
	i := 0
	for i < len(c.arrivals) && c.arrivals[i].Before(cutoff) {
		i++
	}
	recent := append([]time.Time(nil), c.arrivals[i:]...)
	return cadence.Calculate(recent, window)
}

func (c *Camera) countError(cat ErrorCategory) {
	switch cat {
	case ErrCategoryDevice:
		atomic.AddUint64(&c.errorsDevice, 1)
	case ErrCategoryNetwork:
		atomic.AddUint64(&c.errorsNetwork, 1)
	case ErrCategoryCodec:
		atomic.AddUint64(&c.errorsCodec, 1)
	case ErrCategoryAuth:
		atomic.AddUint64(&c.errorsAuth, 1)
	default:
		atomic.AddUint64(&c.errorsUnknown, 1)
	}
}
