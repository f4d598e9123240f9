package source

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VibishanW/JointForJoint/internal/framebuf"
	"github.com/VibishanW/JointForJoint/internal/timeutil"
)

func TestNewSynthetic_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  SyntheticConfig
	}{
		{"zero width", SyntheticConfig{Width: 0, Height: 4, FPS: 30}},
		{"zero fps", SyntheticConfig{Width: 4, Height: 4, FPS: 0}},
		{"absurd fps", SyntheticConfig{Width: 4, Height: 4, FPS: 1000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSynthetic(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestSynthetic_DeliversFramesUntilStopped(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	src, err := NewSynthetic(SyntheticConfig{Width: 8, Height: 4, FPS: 10, Clock: clock})
	require.NoError(t, err)

	frames := make(chan framebuf.Raw, 4)
	h, err := src.Start(func(raw framebuf.Raw) {
		frames <- framebuf.Raw{
			Data:      append([]byte(nil), raw.Data...),
			Width:     raw.Width,
			Height:    raw.Height,
			Timestamp: raw.Timestamp,
		}
	})
	require.NoError(t, err)

	_, err = src.Start(func(framebuf.Raw) {})
	assert.ErrorIs(t, err, ErrAlreadyStarted)

	clock.Advance(100 * time.Millisecond)
	select {
	case f := <-frames:
		assert.Equal(t, 8, f.Width)
		assert.Equal(t, 4, f.Height)
		assert.Len(t, f.Data, 8*4*3)
		assert.False(t, f.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("no frame delivered")
	}

	assert.ErrorIs(t, src.Stop(h+1), ErrUnknownHandle)
	require.NoError(t, src.Stop(h))
	require.NoError(t, src.Stop(h))

	clock.Advance(time.Second)
	select {
	case <-frames:
		t.Fatal("frame delivered after Stop returned")
	case <-time.After(50 * time.Millisecond):
	}

	st := src.Stats()
	assert.Equal(t, uint64(1), st.FramesEmitted)
	assert.Equal(t, "8x4", st.Resolution)
	assert.False(t, st.Connected)
}

func TestSynthetic_RejectsNilCallback(t *testing.T) {
	src, err := NewSynthetic(SyntheticConfig{Width: 2, Height: 2, FPS: 1})
	require.NoError(t, err)
	_, err = src.Start(nil)
	assert.ErrorIs(t, err, ErrNilCallback)
}

func TestPaintGradient_ChangesWithOffset(t *testing.T) {
	a := make([]byte, 4*2*3)
	b := make([]byte, 4*2*3)
	paintGradient(a, 4, 2, 0)
	paintGradient(b, 4, 2, 1)
	assert.NotEqual(t, a, b)
}
