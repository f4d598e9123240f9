package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VibishanW/JointForJoint/internal/framebuf"
	"github.com/VibishanW/JointForJoint/internal/model"
	"github.com/VibishanW/JointForJoint/internal/skeleton"
)

func TestSimulatedModel(t *testing.T) {
	m := NewSimulatedModel(SimConfig{
		Topology:  skeleton.COCO17,
		Latency:   time.Millisecond,
		FailEvery: 3,
		Seed:      7,
	})
	lc := framebuf.New(framebuf.Options{Strict: true})

	for i := 1; i <= 6; i++ {
		frame := lc.Acquire(framebuf.Raw{Data: make([]byte, 4*2*3), Width: 4, Height: 2})
		poses, err := m.Estimate(context.Background(), frame)
		lc.Release(frame)

		if i%3 == 0 {
			require.Error(t, err)
			assert.Equal(t, model.CategoryModel, model.Classify(err))
			continue
		}
		require.NoError(t, err)
		require.Len(t, poses, 1)
		require.Len(t, poses[0], len(skeleton.COCO17.Joints))
		for _, kp := range poses[0] {
			assert.GreaterOrEqual(t, kp.Score, 0.0)
			assert.LessOrEqual(t, kp.Score, 1.0)
			assert.Greater(t, kp.Y, 0.0)
			assert.Less(t, kp.Y, 2.0)
		}
	}

	stats := m.Stats()
	assert.Equal(t, uint64(6), stats.Calls)
	assert.Equal(t, uint64(2), stats.Failures)
}

func TestSimulatedModel_Cancelled(t *testing.T) {
	m := NewSimulatedModel(SimConfig{Topology: skeleton.BlazePose, Latency: time.Second, Seed: 1})
	lc := framebuf.New(framebuf.Options{Strict: true})
	frame := lc.Acquire(framebuf.Raw{Data: make([]byte, 3), Width: 1, Height: 1})
	defer lc.Release(frame)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := m.Estimate(ctx, frame)
	assert.Equal(t, model.CategoryTimeout, model.Classify(err))
}
