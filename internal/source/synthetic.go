package source

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/VibishanW/JointForJoint/internal/framebuf"
	"github.com/VibishanW/JointForJoint/internal/timeutil"
)

// SyntheticConfig configures a Synthetic source.
type SyntheticConfig struct {
	Width  int
	Height int
	FPS    float64
	Clock  timeutil.Clock
}

// Synthetic generates a moving RGB gradient. It stands in for a camera in
// development and benchmarks.
type Synthetic struct {
	cfg   SyntheticConfig
	clock timeutil.Clock

	mu        sync.Mutex
	handle    Handle
	running   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
	emitted   uint64
	startTime time.Time
}

// NewSynthetic validates cfg and returns a stopped source.
func NewSynthetic(cfg SyntheticConfig) (*Synthetic, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("source: invalid synthetic resolution %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 || cfg.FPS > 240 {
		return nil, fmt.Errorf("source: synthetic fps must be in (0, 240], got %.2f", cfg.FPS)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Synthetic{cfg: cfg, clock: clock}, nil
}

// Start begins generating frames into onFrame.
func (s *Synthetic) Start(onFrame func(framebuf.Raw)) (Handle, error) {
	if onFrame == nil {
		return 0, ErrNilCallback
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return 0, ErrAlreadyStarted
	}

	s.handle++
	s.running = true
	s.stopCh = make(chan struct{})
	s.startTime = s.clock.Now()
	s.emitted = 0

	slog.Info("synthetic source starting",
		"width", s.cfg.Width,
		"height", s.cfg.Height,
		"fps", s.cfg.FPS,
	)

	// The ticker is armed before Start returns so the first interval is
	// measured from Start.
	interval := time.Duration(float64(time.Second) / s.cfg.FPS)
	ticker := s.clock.NewTicker(interval)

	s.wg.Add(1)
	go s.generate(onFrame, ticker, s.stopCh)
	return s.handle, nil
}

// Stop halts generation. Once it returns, onFrame is no longer called.
func (s *Synthetic) Stop(h Handle) error {
	s.mu.Lock()
	if h != s.handle {
		s.mu.Unlock()
		return ErrUnknownHandle
	}
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	emitted := s.emitted
	s.mu.Unlock()
	slog.Info("synthetic source stopped",
		"frames_emitted", emitted,
		"duration", s.clock.Since(s.startTime),
	)
	return nil
}

// Stats returns source statistics.
func (s *Synthetic) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fpsReal float64
	if s.running && s.emitted > 0 {
		if elapsed := s.clock.Since(s.startTime).Seconds(); elapsed > 0 {
			fpsReal = float64(s.emitted) / elapsed
		}
	}
	return Stats{
		FramesEmitted: s.emitted,
		FPSTarget:     s.cfg.FPS,
		FPSReal:       fpsReal,
		Resolution:    fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
		BytesRead:     s.emitted * uint64(s.cfg.Width*s.cfg.Height*3),
		Connected:     s.running,
	}
}

func (s *Synthetic) generate(onFrame func(framebuf.Raw), ticker timeutil.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()
	defer ticker.Stop()

	// One buffer is reused for every frame: Raw.Data is borrowed for the
	// duration of the callback only.
	pixels := make([]byte, s.cfg.Width*s.cfg.Height*3)
	var n int

	for {
		select {
		case <-stop:
			return
		case ts := <-ticker.C():
			select {
			case <-stop:
				return
			default:
			}
			paintGradient(pixels, s.cfg.Width, s.cfg.Height, n)
			n++
			onFrame(framebuf.Raw{
				Data:      pixels,
				Width:     s.cfg.Width,
				Height:    s.cfg.Height,
				Timestamp: ts,
			})
			s.mu.Lock()
			s.emitted++
			s.mu.Unlock()
		}
	}
}

// paintGradient fills an RGB24 frame with a diagonal gradient shifted by
// offset pixels.
func paintGradient(pixels []byte, width, height, offset int) {
	for y := 0; y < height; y++ {
		row := y * width * 3
		for x := 0; x < width; x++ {
			i := row + x*3
			pixels[i] = byte((x + offset) * 255 / max(width, 1))
			pixels[i+1] = byte(y * 255 / max(height, 1))
			pixels[i+2] = byte((x + y + offset) & 0xff)
		}
	}
}
