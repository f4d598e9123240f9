package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VibishanW/JointForJoint/internal/posebus"
	"github.com/VibishanW/JointForJoint/internal/timeutil"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newRecorder(t *testing.T) (*Recorder, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(epoch)
	return New(clock, Options{}), clock
}

func TestRecorder_StartsIdle(t *testing.T) {
	r, _ := newRecorder(t)
	s := r.Snapshot()
	assert.Equal(t, Idle, s.State)
	assert.Zero(t, s.ElapsedFramesProcessed)

	r.OnPose(posebus.Pose{})
	assert.Zero(t, r.Snapshot().ElapsedFramesProcessed, "poses outside a session are ignored")
	assert.False(t, r.StopSession())
}

func TestRecorder_CountsPosesThenCompletesWhenWindowElapses(t *testing.T) {
	r, clock := newRecorder(t)
	require.True(t, r.StartSession(2*time.Second))

	const n = 15
	for i := 0; i < n; i++ {
		clock.Advance(100 * time.Millisecond)
		r.OnPose(posebus.Pose{FrameSeq: uint64(i)})
	}
	assert.Equal(t, Recording, r.State())

	clock.Advance(2 * time.Second)

	s := r.Snapshot()
	assert.Equal(t, Completed, s.State)
	assert.Equal(t, uint64(n), s.ElapsedFramesProcessed)
	assert.Equal(t, WindowElapsed, s.EndReason)
	assert.Equal(t, int64(2000), s.ElapsedMs)
	require.NotNil(t, s.Cadence)
	assert.Equal(t, n, s.Cadence.Frames)
}

func TestRecorder_StartWhileRecordingIsNoop(t *testing.T) {
	r, clock := newRecorder(t)
	require.True(t, r.StartSession(5*time.Second))

	clock.Advance(200 * time.Millisecond)
	r.OnPose(posebus.Pose{})
	r.OnPose(posebus.Pose{})
	before := r.Snapshot()

	assert.False(t, r.StartSession(time.Second))

	after := r.Snapshot()
	assert.Equal(t, before.State, after.State)
	assert.Equal(t, before.StartedAt, after.StartedAt)
	assert.Equal(t, before.WindowMs, after.WindowMs)
	assert.Equal(t, before.ElapsedFramesProcessed, after.ElapsedFramesProcessed)
	assert.Equal(t, before.FPSEstimate, after.FPSEstimate)
}

func TestRecorder_FPSEstimateIsTrailingOneSecond(t *testing.T) {
	r, clock := newRecorder(t)
	require.True(t, r.StartSession(10*time.Second))

	// 20 poses 100ms apart: at the last one, the trailing second holds
	// poses at t=1.1s..2.0s.
	for i := 0; i < 20; i++ {
		clock.Advance(100 * time.Millisecond)
		r.OnPose(posebus.Pose{})
	}
	s := r.Snapshot()
	assert.Equal(t, uint64(20), s.ElapsedFramesProcessed)
	assert.Equal(t, 10, s.FPSEstimate)

	// Slow down to 4 per second.
	for i := 0; i < 8; i++ {
		clock.Advance(250 * time.Millisecond)
		r.OnPose(posebus.Pose{})
	}
	assert.Equal(t, 4, r.Snapshot().FPSEstimate)
}

func TestRecorder_StopFreezesMetrics(t *testing.T) {
	r, clock := newRecorder(t)
	require.True(t, r.StartSession(10*time.Second))

	clock.Advance(100 * time.Millisecond)
	r.OnPose(posebus.Pose{})
	clock.Advance(100 * time.Millisecond)
	r.OnPose(posebus.Pose{})

	require.True(t, r.StopSession())
	frozen := r.Snapshot()
	assert.Equal(t, Completed, frozen.State)
	assert.Equal(t, Stopped, frozen.EndReason)

	clock.Advance(100 * time.Millisecond)
	r.OnPose(posebus.Pose{})
	clock.Advance(20 * time.Second)

	assert.Equal(t, frozen, r.Snapshot())
	assert.Equal(t, 0, clock.PendingTimers(), "window timer must be released on stop")
}

func TestRecorder_PoseAfterWindowIsNotCounted(t *testing.T) {
	r, clock := newRecorder(t)
	require.True(t, r.StartSession(time.Second))

	clock.Advance(500 * time.Millisecond)
	r.OnPose(posebus.Pose{})
	clock.Advance(500 * time.Millisecond)
	r.OnPose(posebus.Pose{})

	s := r.Snapshot()
	assert.Equal(t, Completed, s.State)
	assert.Equal(t, uint64(1), s.ElapsedFramesProcessed)
}

func TestRecorder_RestartAfterCompletionResets(t *testing.T) {
	r, clock := newRecorder(t)
	require.True(t, r.StartSession(time.Second))
	clock.Advance(100 * time.Millisecond)
	r.OnPose(posebus.Pose{})
	require.True(t, r.StopSession())

	require.True(t, r.StartSession(3*time.Second))
	s := r.Snapshot()
	assert.Equal(t, Recording, s.State)
	assert.Zero(t, s.ElapsedFramesProcessed)
	assert.Zero(t, s.FPSEstimate)
	assert.Equal(t, int64(3000), s.WindowMs)
	assert.Empty(t, s.EndReason)
	assert.Nil(t, s.Cadence)
}

// TestRecorder_EmptySessionCompletesOnTimer covers a session with no pose
// stream at all: completion must come from the wall-clock timer alone.
func TestRecorder_EmptySessionCompletesOnTimer(t *testing.T) {
	r, clock := newRecorder(t)

	completed := make(chan Snapshot, 1)
	r.OnChange(func(s Snapshot) {
		if s.State == Completed {
			completed <- s
		}
	})

	require.True(t, r.StartSession(10000*time.Millisecond))
	clock.Advance(10 * time.Second)

	select {
	case s := <-completed:
		assert.Equal(t, uint64(0), s.ElapsedFramesProcessed)
		assert.Equal(t, WindowElapsed, s.EndReason)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not complete from timer")
	}
}

func TestRecorder_DefaultWindow(t *testing.T) {
	r, _ := newRecorder(t)
	require.True(t, r.StartSession(0))
	assert.Equal(t, DefaultWindow.Milliseconds(), r.Snapshot().WindowMs)
}

func TestSnapshot_JSON(t *testing.T) {
	r, clock := newRecorder(t)
	r.StartSession(time.Second)
	clock.Advance(100 * time.Millisecond)
	r.OnPose(posebus.Pose{})

	b, err := json.Marshal(r.Snapshot())
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "recording", m["state"])
	assert.EqualValues(t, 1, m["elapsed_frames_processed"])
	assert.EqualValues(t, 1000, m["window_ms"])
}

func TestRecorder_ListenersSeeEveryTransitionInOrder(t *testing.T) {
	r, _ := newRecorder(t)

	var got [2][]State
	for i := range got {
		r.OnChange(func(s Snapshot) { got[i] = append(got[i], s.State) })
	}

	require.True(t, r.StartSession(time.Second))
	require.True(t, r.StopSession())
	require.True(t, r.StartSession(time.Second))

	want := []State{Recording, Completed, Recording}
	assert.Equal(t, want, got[0])
	assert.Equal(t, want, got[1])
}
