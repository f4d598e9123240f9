package model

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/VibishanW/JointForJoint/internal/framebuf"
	"github.com/VibishanW/JointForJoint/internal/skeleton"
)

// maxMessageSize bounds a single response frame from the worker.
const maxMessageSize = 16 << 20

// WorkerConfig configures a subprocess pose worker.
type WorkerConfig struct {
	WorkerID  string
	Command   string
	Args      []string
	Env       []string
	ModelPath string
	Format    string // pixel format announced to the worker (default "rgb24")

	CallTimeout  time.Duration // per-frame deadline (default 2s)
	WriteTimeout time.Duration // stdin write deadline (default 2s)
	StopTimeout  time.Duration // grace period before kill (default 2s)
	Restart      RestartConfig
}

// WorkerMetrics is a snapshot of worker health.
type WorkerMetrics struct {
	Calls        uint64
	Failures     uint64
	Restarts     uint64
	AvgLatencyMS float64
	LastSeenAt   time.Time
	Running      bool
	PID          int
}

// request is one frame sent to the worker.
//
// Wire format: 4-byte big-endian length prefix, then a msgpack map.
type request struct {
	Seq       uint64 `msgpack:"seq"`
	Width     int    `msgpack:"width"`
	Height    int    `msgpack:"height"`
	Format    string `msgpack:"format"`
	FrameData []byte `msgpack:"frame_data"`
	Timestamp string `msgpack:"timestamp"`
	TraceID   string `msgpack:"trace_id"`
}

// response is the worker's answer to one request.
type response struct {
	Seq    uint64                `msgpack:"seq"`
	Poses  [][]skeleton.Keypoint `msgpack:"poses"`
	Timing map[string]float64    `msgpack:"timing"`
	Error  string                `msgpack:"error"`
}

// proc is one spawned worker process.
type proc struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	cancel    context.CancelFunc
	responses chan response
	exited    chan struct{}
	exitErr   error
	wg        sync.WaitGroup
}

func (p *proc) alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// Worker runs pose estimation in a long-lived child process speaking a
// length-prefixed msgpack protocol over stdin/stdout. Calls are serialised;
// a crashed process is respawned on the next call with exponential backoff.
type Worker struct {
	cfg WorkerConfig

	ctx    context.Context
	cancel context.CancelFunc

	callMu  sync.Mutex // serialises Estimate and guards proc/restart
	proc    *proc
	restart restartState
	spawned bool

	calls          uint64
	failures       uint64
	totalLatencyUS uint64
	succeeded      uint64
	lastSeenAt     atomic.Value // time.Time
	active         atomic.Bool
}

// NewWorker validates cfg and returns an unstarted worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("model: worker command is required")
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "pose-worker"
	}
	if cfg.Format == "" {
		cfg.Format = "rgb24"
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 2 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	if cfg.Restart.RetryDelay <= 0 || cfg.Restart.MaxRetryDelay <= 0 {
		max := cfg.Restart.MaxRetries
		cfg.Restart = DefaultRestartConfig()
		cfg.Restart.MaxRetries = max
	}

	slog.Info("pose worker created",
		"worker_id", cfg.WorkerID,
		"command", cfg.Command,
		"model", cfg.ModelPath,
		"call_timeout", cfg.CallTimeout,
	)
	return &Worker{cfg: cfg}, nil
}

// ID returns the worker id.
func (w *Worker) ID() string { return w.cfg.WorkerID }

// Start spawns the worker process.
func (w *Worker) Start(ctx context.Context) error {
	if w.active.Load() {
		return fmt.Errorf("model: worker already started")
	}

	w.callMu.Lock()
	defer w.callMu.Unlock()

	w.ctx, w.cancel = context.WithCancel(ctx)
	p, err := w.spawn()
	if err != nil {
		w.cancel()
		return fmt.Errorf("model: failed to spawn worker: %w", err)
	}
	w.proc = p
	w.spawned = true
	w.active.Store(true)
	w.lastSeenAt.Store(time.Now())
	return nil
}

func (w *Worker) spawn() (*proc, error) {
	args := append([]string(nil), w.cfg.Args...)
	if w.cfg.ModelPath != "" {
		args = append(args, "--model", w.cfg.ModelPath)
	}

	pctx, cancel := context.WithCancel(w.ctx)
	cmd := exec.CommandContext(pctx, w.cfg.Command, args...)
	if len(w.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), w.cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start worker process: %w", err)
	}

	p := &proc{
		cmd:       cmd,
		stdin:     stdin,
		cancel:    cancel,
		responses: make(chan response, 4),
		exited:    make(chan struct{}),
	}

	slog.Info("pose worker process spawned",
		"worker_id", w.cfg.WorkerID,
		"pid", cmd.Process.Pid,
	)

	p.wg.Add(3)
	go w.readResults(p, stdout)
	go w.logStderr(p, stderr)
	go w.waitProcess(p, pctx)

	return p, nil
}

// Estimate sends frame to the worker and waits for its poses.
func (w *Worker) Estimate(ctx context.Context, frame *framebuf.Buffer) ([][]skeleton.Keypoint, error) {
	w.callMu.Lock()
	defer w.callMu.Unlock()

	atomic.AddUint64(&w.calls, 1)
	seq := frame.Seq()

	poses, err := w.estimate(ctx, frame)
	if err != nil {
		atomic.AddUint64(&w.failures, 1)
		return nil, inferenceError(seq, err)
	}
	return poses, nil
}

func (w *Worker) estimate(ctx context.Context, frame *framebuf.Buffer) ([][]skeleton.Keypoint, error) {
	if !w.active.Load() {
		return nil, ErrWorkerStopped
	}

	data := frame.Bytes()
	if frame.Width() <= 0 || frame.Height() <= 0 || len(data) == 0 {
		return nil, fmt.Errorf("%w: %dx%d with %d bytes", ErrMalformedFrame, frame.Width(), frame.Height(), len(data))
	}
	if w.cfg.Format == "rgb24" && len(data) != frame.Width()*frame.Height()*3 {
		return nil, fmt.Errorf("%w: rgb24 %dx%d needs %d bytes, got %d",
			ErrMalformedFrame, frame.Width(), frame.Height(), frame.Width()*frame.Height()*3, len(data))
	}

	p, err := w.ensureProcess()
	if err != nil {
		return nil, err
	}

	payload, err := msgpack.Marshal(&request{
		Seq:       frame.Seq(),
		Width:     frame.Width(),
		Height:    frame.Height(),
		Format:    w.cfg.Format,
		FrameData: data,
		Timestamp: frame.Timestamp().Format(time.RFC3339Nano),
		TraceID:   frame.TraceID(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to marshal request: %v", ErrProtocol, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	defer cancel()

	started := time.Now()
	if err := w.writeMessage(callCtx, p, payload); err != nil {
		return nil, err
	}

	for {
		select {
		case resp := <-p.responses:
			if resp.Seq != frame.Seq() {
				slog.Debug("discarding stale worker response",
					"worker_id", w.cfg.WorkerID,
					"response_seq", resp.Seq,
					"frame_seq", frame.Seq(),
				)
				continue
			}
			w.lastSeenAt.Store(time.Now())
			w.restart.succeeded()
			if resp.Error != "" {
				return nil, fmt.Errorf("%w: %s", ErrModel, resp.Error)
			}
			atomic.AddUint64(&w.succeeded, 1)
			atomic.AddUint64(&w.totalLatencyUS, uint64(time.Since(started).Microseconds()))
			return resp.Poses, nil

		case <-p.exited:
			w.markDead(p)
			return nil, fmt.Errorf("%w: %v", ErrWorkerExited, p.exitErr)

		case <-callCtx.Done():
			return nil, callCtx.Err()
		}
	}
}

// ensureProcess returns a live process, respawning a dead one when the
// backoff allows. Caller holds callMu.
func (w *Worker) ensureProcess() (*proc, error) {
	if w.proc != nil && w.proc.alive() {
		return w.proc, nil
	}

	if w.proc != nil {
		w.markDead(w.proc)
	}

	now := time.Now()
	if err := w.restart.allow(now, w.cfg.Restart); err != nil {
		return nil, err
	}

	p, err := w.spawn()
	if err != nil {
		delay := w.restart.failed(now, w.cfg.Restart)
		slog.Error("pose worker respawn failed",
			"worker_id", w.cfg.WorkerID,
			"error", err,
			"backoff", delay,
		)
		return nil, fmt.Errorf("%w: respawn failed: %v", ErrWorkerExited, err)
	}
	w.proc = p
	w.restart.restarts++
	return p, nil
}

// markDead records the loss of p and schedules the next spawn. Caller
// holds callMu.
func (w *Worker) markDead(p *proc) {
	if w.proc != p {
		return
	}
	w.proc = nil
	delay := w.restart.failed(time.Now(), w.cfg.Restart)
	slog.Warn("pose worker process down, scheduling restart",
		"worker_id", w.cfg.WorkerID,
		"error", p.exitErr,
		"attempt", w.restart.failures,
		"backoff", delay,
	)
}

// writeMessage writes one length-prefixed message with a deadline. A write
// that times out leaves the stream in an unknown state, so the process is
// killed and respawned on the next call.
func (w *Worker) writeMessage(ctx context.Context, p *proc, payload []byte) error {
	writeErr := make(chan error, 1)
	go func() {
		var prefix [4]byte
		binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
		if _, err := p.stdin.Write(prefix[:]); err != nil {
			writeErr <- fmt.Errorf("failed to write length prefix: %w", err)
			return
		}
		if _, err := p.stdin.Write(payload); err != nil {
			writeErr <- fmt.Errorf("failed to write msgpack data: %w", err)
			return
		}
		writeErr <- nil
	}()

	timer := time.NewTimer(w.cfg.WriteTimeout)
	defer timer.Stop()

	select {
	case err := <-writeErr:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrWorkerExited, err)
		}
		return nil
	case <-timer.C:
		slog.Error("pose worker stdin write timeout, killing process",
			"worker_id", w.cfg.WorkerID,
			"timeout", w.cfg.WriteTimeout,
			"action", "worker may be hung, it will be respawned on the next frame",
		)
		p.cancel()
		return fmt.Errorf("stdin write: %w", context.DeadlineExceeded)
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}

// readResults decodes length-prefixed msgpack responses from stdout.
func (w *Worker) readResults(p *proc, stdout io.Reader) {
	defer p.wg.Done()

	r := bufio.NewReader(stdout)
	var lengthBuf [4]byte
	for {
		if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
			if err != io.EOF && !errors.Is(err, os.ErrClosed) {
				slog.Error("failed to read length prefix from pose worker",
					"worker_id", w.cfg.WorkerID,
					"error", err,
				)
			}
			return
		}

		n := binary.BigEndian.Uint32(lengthBuf[:])
		if n > maxMessageSize {
			slog.Error("pose worker message too large, killing process",
				"worker_id", w.cfg.WorkerID,
				"length", n,
			)
			p.cancel()
			return
		}

		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			slog.Error("failed to read msgpack data from pose worker",
				"worker_id", w.cfg.WorkerID,
				"error", err,
				"expected_length", n,
			)
			return
		}

		var resp response
		if err := msgpack.Unmarshal(data, &resp); err != nil {
			slog.Error("failed to unmarshal pose worker response",
				"worker_id", w.cfg.WorkerID,
				"error", err,
				"data_length", len(data),
				"action", "check pose worker logs in stderr",
			)
			continue
		}

		select {
		case p.responses <- resp:
		case <-p.exited:
			return
		}
	}
}

// logStderr maps worker log levels onto slog.
func (w *Worker) logStderr(p *proc, stderr io.Reader) {
	defer p.wg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			slog.Error("pose worker error", "worker_id", w.cfg.WorkerID, "log", line)
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			slog.Warn("pose worker warning", "worker_id", w.cfg.WorkerID, "log", line)
		default:
			slog.Debug("pose worker log", "worker_id", w.cfg.WorkerID, "log", line)
		}
	}
}

// waitProcess reaps the process and marks it exited.
func (w *Worker) waitProcess(p *proc, pctx context.Context) {
	defer p.wg.Done()

	err := p.cmd.Wait()
	p.exitErr = err
	if err == nil {
		p.exitErr = errors.New("exit status 0")
	}
	close(p.exited)

	switch {
	case pctx.Err() != nil:
		slog.Debug("pose worker process exited (shutdown)",
			"worker_id", w.cfg.WorkerID,
			"pid", p.cmd.Process.Pid,
		)
	case err != nil:
		slog.Error("pose worker process exited unexpectedly",
			"worker_id", w.cfg.WorkerID,
			"pid", p.cmd.Process.Pid,
			"error", err,
		)
	default:
		slog.Warn("pose worker process exited cleanly while in use",
			"worker_id", w.cfg.WorkerID,
			"pid", p.cmd.Process.Pid,
		)
	}
}

// Metrics returns a snapshot of worker health.
func (w *Worker) Metrics() WorkerMetrics {
	m := WorkerMetrics{
		Calls:    atomic.LoadUint64(&w.calls),
		Failures: atomic.LoadUint64(&w.failures),
		Running:  w.active.Load(),
	}
	if ok := atomic.LoadUint64(&w.succeeded); ok > 0 {
		m.AvgLatencyMS = float64(atomic.LoadUint64(&w.totalLatencyUS)) / float64(ok) / 1000
	}
	if v := w.lastSeenAt.Load(); v != nil {
		m.LastSeenAt = v.(time.Time)
	}
	if w.callMu.TryLock() {
		m.Restarts = w.restart.restarts
		if w.proc != nil && w.proc.alive() {
			m.PID = w.proc.cmd.Process.Pid
		}
		w.callMu.Unlock()
	}
	return m
}

// Stop terminates the worker process. An in-flight Estimate is allowed to
// finish first; Stop then closes stdin and kills the process if it does
// not exit within StopTimeout.
func (w *Worker) Stop() error {
	if !w.active.Swap(false) {
		return nil
	}
	slog.Info("stopping pose worker", "worker_id", w.cfg.WorkerID)

	w.callMu.Lock()
	p := w.proc
	w.proc = nil
	w.callMu.Unlock()

	if p != nil {
		p.stdin.Close()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			slog.Info("pose worker stopped cleanly", "worker_id", w.cfg.WorkerID)
		case <-time.After(w.cfg.StopTimeout):
			slog.Warn("pose worker stop timeout, force killing process", "worker_id", w.cfg.WorkerID)
			p.cancel()
			<-done
		}
		p.cancel()
	}
	w.cancel()

	slog.Info("pose worker stopped",
		"worker_id", w.cfg.WorkerID,
		"calls", atomic.LoadUint64(&w.calls),
		"failures", atomic.LoadUint64(&w.failures),
	)
	return nil
}
