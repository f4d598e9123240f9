package camera

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"device", Config{Device: "/dev/video0", Width: 1280, Height: 720, FPS: 30}, false},
		{"rtsp", Config{URL: "rtsp://cam.local/stream", Width: 640, Height: 480, FPS: 5}, false},
		{"neither", Config{Width: 1280, Height: 720, FPS: 30}, true},
		{"both", Config{Device: "/dev/video0", URL: "rtsp://x/y", Width: 1, Height: 1, FPS: 1}, true},
		{"http url", Config{URL: "http://cam.local/mjpeg", Width: 1, Height: 1, FPS: 1}, true},
		{"zero height", Config{Device: "/dev/video0", Width: 1280, FPS: 30}, true},
		{"fps too high", Config{Device: "/dev/video0", Width: 1, Height: 1, FPS: 120}, true},
		{"bad facing", Config{Device: "/dev/video0", Width: 1, Height: 1, FPS: 1, Facing: "up"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "front", tt.cfg.Facing)
			assert.Equal(t, DefaultReconnectConfig(), tt.cfg.Reconnect)
		})
	}
}

func TestBuildCaps(t *testing.T) {
	tests := []struct {
		fps  float64
		want string
	}{
		{30, "video/x-raw,format=RGB,width=1280,height=720,framerate=30/1"},
		{0.5, "video/x-raw,format=RGB,width=1280,height=720,framerate=1/2"},
		{1, "video/x-raw,format=RGB,width=1280,height=720,framerate=1/1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, buildCaps(1280, 720, tt.fps))
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		msg, debug string
		want       ErrorCategory
	}{
		{"Could not open device '/dev/video0' for reading", "", ErrCategoryDevice},
		{"Device '/dev/video0' is busy", "", ErrCategoryDevice},
		{"Unauthorized", "RTSP 401", ErrCategoryAuth},
		{"Internal data stream error", "not negotiated", ErrCategoryCodec},
		{"Could not connect to server", "", ErrCategoryNetwork},
		{"something odd", "", ErrCategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.msg, tt.debug))
		})
	}
	assert.Equal(t, ErrCategoryUnknown, ClassifyGStreamerError(nil))
}

func TestCalculateBackoff(t *testing.T) {
	cfg := DefaultReconnectConfig()
	assert.Equal(t, time.Second, calculateBackoff(1, cfg))
	assert.Equal(t, 8*time.Second, calculateBackoff(4, cfg))
	assert.Equal(t, 30*time.Second, calculateBackoff(6, cfg))
	assert.Equal(t, 30*time.Second, calculateBackoff(64, cfg))
}

func TestRunWithReconnect_RetriesThenGivesUp(t *testing.T) {
	cfg := ReconnectConfig{MaxRetries: 3, RetryDelay: time.Millisecond, MaxRetryDelay: 2 * time.Millisecond}
	var state reconnectState
	var attempts []int

	err := runWithReconnect(context.Background(), func(ctx context.Context, attempt int) error {
		attempts = append(attempts, attempt)
		return errors.New("end of stream")
	}, cfg, &state)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.Equal(t, []int{0, 1, 2, 3}, attempts)
	assert.Equal(t, uint32(4), state.reconnects)
}

func TestRunWithReconnect_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var state reconnectState

	done := make(chan error)
	go func() {
		done <- runWithReconnect(ctx, func(ctx context.Context, attempt int) error {
			<-ctx.Done()
			return nil
		}, DefaultReconnectConfig(), &state)
	}()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("runWithReconnect did not return after cancel")
	}
	assert.Zero(t, state.reconnects)
}

func TestCamera_Cadence(t *testing.T) {
	c := &Camera{cfg: Config{FPS: 10}}
	now := time.Now()
	for i := 20; i > 0; i-- {
		c.arrivals = append(c.arrivals, now.Add(-time.Duration(i)*100*time.Millisecond+50*time.Millisecond))
	}

	st := c.Cadence(time.Second)
	assert.Equal(t, 10, st.Frames)
	assert.InDelta(t, 10.0, st.FPSMean, 0.5)
	assert.True(t, st.IsStable)
}
