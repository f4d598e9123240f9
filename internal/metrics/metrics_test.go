package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VibishanW/JointForJoint/internal/capability"
	"github.com/VibishanW/JointForJoint/internal/framebuf"
	"github.com/VibishanW/JointForJoint/internal/scheduler"
	"github.com/VibishanW/JointForJoint/internal/session"
)

func TestLifecycleHooks(t *testing.T) {
	m := New()
	lc := framebuf.New(m.LifecycleHooks(framebuf.Options{Strict: true}))

	a := lc.Acquire(framebuf.Raw{Data: []byte{1, 2, 3}, Width: 1, Height: 1})
	b := lc.Acquire(framebuf.Raw{Data: []byte{4, 5, 6}, Width: 1, Height: 1})
	lc.Release(a)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesAcquired))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesReleased))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BuffersOutstanding))

	lc.Release(b)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BuffersOutstanding))
}

func TestObserver(t *testing.T) {
	m := New()

	m.ObserveState(scheduler.Inferring)
	m.ObserveInference(20*time.Millisecond, "")
	m.ObserveInference(2*time.Second, "timeout")
	m.ObserveDrop(scheduler.DropBackpressure)
	m.ObserveDrop(scheduler.DropBackpressure)
	m.ObserveDrop(scheduler.DropLate)
	m.ObservePublish()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SchedulerState))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Inferences.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Inferences.WithLabelValues("timeout")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesDropped.WithLabelValues("backpressure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesDropped.WithLabelValues("late")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PosesPublished))
	assert.Equal(t, 1, testutil.CollectAndCount(m.InferenceDuration))
}

func TestObserveSession(t *testing.T) {
	m := New()

	m.ObserveSession(session.Snapshot{State: session.Recording, FPSEstimate: 12})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.SessionFPS))

	m.ObserveSession(session.Snapshot{State: session.Completed, EndReason: session.WindowElapsed, FPSEstimate: 9})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsCompleted.WithLabelValues("window_elapsed")))
}

func TestSetProfile(t *testing.T) {
	m := New()
	m.SetProfile(capability.CameraOnly)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Profile.WithLabelValues("camera_only")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Profile.WithLabelValues("full_inference")))

	m.SetProfile(capability.FullInference)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Profile.WithLabelValues("camera_only")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Profile.WithLabelValues("full_inference")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObservePublish()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "joint_poses_published_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}
