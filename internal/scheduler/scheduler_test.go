package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VibishanW/JointForJoint/internal/framebuf"
	"github.com/VibishanW/JointForJoint/internal/model"
	"github.com/VibishanW/JointForJoint/internal/posebus"
	"github.com/VibishanW/JointForJoint/internal/session"
	"github.com/VibishanW/JointForJoint/internal/skeleton"
	"github.com/VibishanW/JointForJoint/internal/source"
)

// manualSource hands the delivery callback to the test. deliver may be
// called after Stop to simulate a frame racing with shutdown.
type manualSource struct {
	mu      sync.Mutex
	onFrame func(framebuf.Raw)
	stops   int
}

func (m *manualSource) Start(onFrame func(framebuf.Raw)) (source.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFrame = onFrame
	return 1, nil
}

func (m *manualSource) Stop(source.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	return nil
}

// deliver sends a 1x1 frame whose first byte is tag.
func (m *manualSource) deliver(tag byte) {
	m.mu.Lock()
	fn := m.onFrame
	m.mu.Unlock()
	fn(framebuf.Raw{Data: []byte{tag, 0, 0}, Width: 1, Height: 1})
}

type fixture struct {
	lc    *framebuf.Lifecycle
	bus   *posebus.Bus
	sched *Scheduler
	src   *manualSource
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	projector, err := skeleton.NewProjector(skeleton.BlazePose, skeleton.DefaultThreshold)
	require.NoError(t, err)

	f := &fixture{
		lc:  framebuf.New(framebuf.Options{Strict: true}),
		bus: posebus.New(),
		src: &manualSource{},
	}
	f.sched, err = New(Options{
		Lifecycle:        f.lc,
		Projector:        projector,
		Bus:              f.bus,
		InferenceTimeout: timeout,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) run(t *testing.T, est model.Estimator) {
	t.Helper()
	require.NoError(t, f.sched.Run(context.Background(), est, f.src))
	t.Cleanup(func() { f.sched.Stop() })
}

// fullConfidence returns one person with every BlazePose joint at score 1.
func fullConfidence() [][]skeleton.Keypoint {
	kps := make([]skeleton.Keypoint, len(skeleton.BlazePose.Joints))
	for i, name := range skeleton.BlazePose.Joints {
		kps[i] = skeleton.Keypoint{Name: name, X: float64(i), Y: float64(i), Score: 1.0}
	}
	return [][]skeleton.Keypoint{kps}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestScheduler_BackpressureKeepsLatestFrame(t *testing.T) {
	f := newFixture(t, time.Second)

	started := make(chan struct{}, 4)
	gate := make(chan struct{})
	var mu sync.Mutex
	var seen []byte

	f.run(t, model.EstimatorFunc(func(ctx context.Context, b *framebuf.Buffer) ([][]skeleton.Keypoint, error) {
		mu.Lock()
		seen = append(seen, b.Bytes()[0])
		first := len(seen) == 1
		mu.Unlock()
		started <- struct{}{}
		if first {
			<-gate
		}
		return fullConfidence(), nil
	}))

	f.src.deliver(0)
	<-started
	require.Equal(t, Inferring, f.sched.State())

	// F1, F2, F3 arrive while the model is busy on F0.
	f.src.deliver(1)
	f.src.deliver(2)
	f.src.deliver(3)
	assert.Equal(t, uint64(2), f.sched.Stats().Dropped)

	close(gate)
	<-started

	require.Eventually(t, func() bool {
		return f.sched.Stats().Published == 2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []byte{0, 3}, seen, "F1 and F2 must never be submitted")
	mu.Unlock()

	require.NoError(t, f.sched.Stop())
	st := f.lc.Stats()
	assert.Equal(t, uint64(4), st.Acquired)
	assert.Equal(t, st.Acquired, st.Released)
	assert.Zero(t, st.Outstanding)
}

func TestScheduler_SingleFlight(t *testing.T) {
	f := newFixture(t, time.Second)

	var inflight, maxInflight, calls int32
	f.run(t, model.EstimatorFunc(func(ctx context.Context, b *framebuf.Buffer) ([][]skeleton.Keypoint, error) {
		n := atomic.AddInt32(&inflight, 1)
		for {
			m := atomic.LoadInt32(&maxInflight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInflight, m, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&inflight, -1)
		atomic.AddInt32(&calls, 1)
		return fullConfidence(), nil
	}))

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				f.src.deliver(byte(i))
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return f.sched.State() == AwaitingFrame && atomic.LoadInt32(&calls) > 0
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, f.sched.Stop())

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInflight))

	st := f.sched.Stats()
	assert.Equal(t, uint64(400), st.Submitted+st.Dropped, "every frame is either submitted or dropped")
	lc := f.lc.Stats()
	assert.Equal(t, uint64(400), lc.Acquired)
	assert.Equal(t, lc.Acquired, lc.Released)
}

func TestScheduler_FailureEveryThirdCallKeepsRunning(t *testing.T) {
	f := newFixture(t, time.Second)

	rec := session.New(nil, session.Options{})
	require.NoError(t, f.bus.SubscribeFunc("session", rec.OnPose))
	require.True(t, rec.StartSession(time.Minute))

	var calls int32
	f.run(t, model.EstimatorFunc(func(ctx context.Context, b *framebuf.Buffer) ([][]skeleton.Keypoint, error) {
		if atomic.AddInt32(&calls, 1)%3 == 0 {
			return nil, errors.New("detector fault")
		}
		return fullConfidence(), nil
	}))

	const frames = 30
	for i := 1; i <= frames; i++ {
		f.src.deliver(byte(i))
		require.Eventually(t, func() bool {
			st := f.sched.Stats()
			return st.Published+st.Failed == uint64(i)
		}, 2*time.Second, time.Millisecond)
	}

	st := f.sched.Stats()
	assert.Equal(t, uint64(frames/3), st.Failed)
	assert.Equal(t, uint64(frames-frames/3), st.Published)
	assert.NotEqual(t, Stopped, st.State)
	assert.Equal(t, st.Published, rec.Snapshot().ElapsedFramesProcessed)

	require.NoError(t, f.sched.Stop())
	assert.Equal(t, Stopped, f.sched.State())
	assert.Zero(t, f.lc.Stats().Outstanding)
}

func TestScheduler_FullConfidenceYieldsEveryEdge(t *testing.T) {
	f := newFixture(t, time.Second)

	poses := make(chan posebus.Pose, 16)
	require.NoError(t, f.bus.Subscribe("test", poses))

	f.run(t, model.EstimatorFunc(func(ctx context.Context, b *framebuf.Buffer) ([][]skeleton.Keypoint, error) {
		return fullConfidence(), nil
	}))

	for i := 0; i < 5; i++ {
		f.src.deliver(byte(i))
		select {
		case p := <-poses:
			assert.Len(t, p.Graph.Segments, len(skeleton.BlazePose.Edges))
			assert.Len(t, p.Graph.Joints, len(skeleton.BlazePose.Joints))
			assert.Equal(t, 1, p.People)
		case <-time.After(2 * time.Second):
			t.Fatalf("no pose for frame %d", i)
		}
	}
}

func TestScheduler_PublishesInSubmissionOrder(t *testing.T) {
	f := newFixture(t, time.Second)

	var mu sync.Mutex
	var order []uint64
	require.NoError(t, f.bus.SubscribeFunc("order", func(p posebus.Pose) {
		mu.Lock()
		order = append(order, p.FrameSeq)
		mu.Unlock()
	}))

	f.run(t, model.EstimatorFunc(func(ctx context.Context, b *framebuf.Buffer) ([][]skeleton.Keypoint, error) {
		time.Sleep(100 * time.Microsecond)
		return fullConfidence(), nil
	}))

	const frames = 20
	for i := 1; i <= frames; i++ {
		f.src.deliver(byte(i))
		require.Eventually(t, func() bool {
			return f.sched.Stats().Published == uint64(i)
		}, 2*time.Second, time.Millisecond, "frame %d not published", i)
	}
	require.NoError(t, f.sched.Stop())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, frames)
	for i := 1; i < len(order); i++ {
		assert.Less(t, order[i-1], order[i])
	}
	assert.Zero(t, f.sched.Stats().Dropped)
}

func TestScheduler_EmptyResultPublishesNothing(t *testing.T) {
	f := newFixture(t, time.Second)
	f.run(t, model.EstimatorFunc(func(ctx context.Context, b *framebuf.Buffer) ([][]skeleton.Keypoint, error) {
		return nil, nil
	}))

	f.src.deliver(1)
	require.Eventually(t, func() bool {
		return f.sched.Stats().Empty == 1
	}, 2*time.Second, time.Millisecond)
	assert.Zero(t, f.sched.Stats().Published)
	assert.Zero(t, f.bus.Stats().TotalPublished)
}

func TestScheduler_StopWaitsForInFlightCall(t *testing.T) {
	f := newFixture(t, 5*time.Second)

	started := make(chan struct{})
	gate := make(chan struct{})
	f.run(t, model.EstimatorFunc(func(ctx context.Context, b *framebuf.Buffer) ([][]skeleton.Keypoint, error) {
		close(started)
		<-gate
		return fullConfidence(), nil
	}))

	f.src.deliver(1)
	<-started
	f.src.deliver(2) // pending behind the in-flight call

	stopped := make(chan error)
	go func() { stopped <- f.sched.Stop() }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a call was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, uint64(1), f.lc.Stats().Outstanding, "only the in-flight buffer is still held")

	close(gate)
	require.NoError(t, <-stopped)

	assert.Equal(t, Stopped, f.sched.State())
	assert.Equal(t, uint64(1), f.sched.Stats().Submitted)
	assert.Equal(t, 1, f.src.stops)
	assert.Zero(t, f.lc.Stats().Outstanding)
}

// gatedSource blocks in Start until release is closed.
type gatedSource struct {
	entered chan struct{}
	release chan struct{}

	mu      sync.Mutex
	running bool
	stopped []source.Handle
}

func (g *gatedSource) Start(func(framebuf.Raw)) (source.Handle, error) {
	close(g.entered)
	<-g.release
	g.mu.Lock()
	g.running = true
	g.mu.Unlock()
	return 7, nil
}

func (g *gatedSource) Stop(h source.Handle) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = append(g.stopped, h)
	if h == 7 {
		g.running = false
	}
	return nil
}

func TestScheduler_StopDuringSourceStart(t *testing.T) {
	f := newFixture(t, time.Second)
	src := &gatedSource{entered: make(chan struct{}), release: make(chan struct{})}

	runErr := make(chan error, 1)
	go func() {
		runErr <- f.sched.Run(context.Background(), model.EstimatorFunc(func(ctx context.Context, b *framebuf.Buffer) ([][]skeleton.Keypoint, error) {
			return fullConfidence(), nil
		}), src)
	}()
	<-src.entered

	stopErr := make(chan error, 1)
	go func() { stopErr <- f.sched.Stop() }()

	select {
	case <-stopErr:
		t.Fatal("Stop returned before the source finished starting")
	case <-time.After(50 * time.Millisecond):
	}

	close(src.release)
	require.NoError(t, <-stopErr)
	assert.ErrorIs(t, <-runErr, ErrStopped)

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.False(t, src.running, "source left running after Stop")
	assert.Equal(t, []source.Handle{7}, src.stopped)
	assert.Equal(t, Stopped, f.sched.State())
}

func TestScheduler_ConcurrentStopWaitsForFirst(t *testing.T) {
	f := newFixture(t, 5*time.Second)

	started := make(chan struct{})
	gate := make(chan struct{})
	f.run(t, model.EstimatorFunc(func(ctx context.Context, b *framebuf.Buffer) ([][]skeleton.Keypoint, error) {
		close(started)
		<-gate
		return fullConfidence(), nil
	}))

	f.src.deliver(1)
	<-started

	first := make(chan error, 1)
	go func() { first <- f.sched.Stop() }()

	// Frames turn late once the first Stop has closed the mailbox.
	require.Eventually(t, func() bool {
		f.src.deliver(2)
		return f.sched.Stats().LateReleased > 0
	}, 2*time.Second, time.Millisecond)

	second := make(chan error, 1)
	go func() { second <- f.sched.Stop() }()

	select {
	case <-second:
		t.Fatal("second Stop returned while a call was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	require.NoError(t, <-second)
	assert.Equal(t, Stopped, f.sched.State())
	assert.Zero(t, f.lc.Stats().Outstanding)
	require.NoError(t, <-first)
}

func TestScheduler_LateFramesAreReleased(t *testing.T) {
	f := newFixture(t, time.Second)
	f.run(t, model.EstimatorFunc(func(ctx context.Context, b *framebuf.Buffer) ([][]skeleton.Keypoint, error) {
		return fullConfidence(), nil
	}))

	require.NoError(t, f.sched.Stop())
	require.NoError(t, f.sched.Stop())

	f.src.deliver(9)
	f.src.deliver(10)

	st := f.sched.Stats()
	assert.Equal(t, uint64(2), st.LateReleased)
	assert.Zero(t, st.Submitted)
	lc := f.lc.Stats()
	assert.Equal(t, uint64(2), lc.Acquired)
	assert.Zero(t, lc.Outstanding)
}

func TestScheduler_InferenceTimeoutIsRecoverable(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)

	var calls int32
	f.run(t, model.EstimatorFunc(func(ctx context.Context, b *framebuf.Buffer) ([][]skeleton.Keypoint, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return fullConfidence(), nil
	}))

	f.src.deliver(1)
	require.Eventually(t, func() bool { return f.sched.Stats().Failed == 1 }, 2*time.Second, time.Millisecond)

	f.src.deliver(2)
	require.Eventually(t, func() bool { return f.sched.Stats().Published == 1 }, 2*time.Second, time.Millisecond)
}

func TestScheduler_ContextCancelStops(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, f.sched.Run(ctx, model.EstimatorFunc(func(ctx context.Context, b *framebuf.Buffer) ([][]skeleton.Keypoint, error) {
		return fullConfidence(), nil
	}), f.src))

	cancel()
	require.Eventually(t, func() bool { return f.sched.State() == Stopped }, 2*time.Second, time.Millisecond)

	err := f.sched.Run(context.Background(), model.EstimatorFunc(nil), f.src)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestScheduler_RunTwice(t *testing.T) {
	f := newFixture(t, time.Second)
	est := model.EstimatorFunc(func(ctx context.Context, b *framebuf.Buffer) ([][]skeleton.Keypoint, error) {
		return nil, nil
	})
	f.run(t, est)
	assert.ErrorIs(t, f.sched.Run(context.Background(), est, f.src), ErrAlreadyStarted)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "awaiting_frame", AwaitingFrame.String())
	assert.Equal(t, "stopped", Stopped.String())
	b, err := Inferring.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "inferring", string(b))
}
