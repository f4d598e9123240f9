package main

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/VibishanW/JointForJoint/internal/framebuf"
	"github.com/VibishanW/JointForJoint/internal/model"
	"github.com/VibishanW/JointForJoint/internal/skeleton"
)

// SimulatedModel stands in for the pose worker. Latency is drawn from a
// normal distribution and joint confidences from a uniform one, so the
// projector filters a realistic share of joints.
type SimulatedModel struct {
	joints    []string
	failEvery uint64

	mu      sync.Mutex
	latency distuv.Normal
	score   distuv.Uniform
	offset  distuv.Normal

	calls     atomic.Uint64
	failures  atomic.Uint64
	totalWait atomic.Int64
}

// SimConfig configures a SimulatedModel.
type SimConfig struct {
	Topology  *skeleton.Topology
	Latency   time.Duration
	Jitter    time.Duration
	FailEvery uint64
	Seed      uint64
}

// NewSimulatedModel returns a model answering with one person per frame.
func NewSimulatedModel(cfg SimConfig) *SimulatedModel {
	src := rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)
	return &SimulatedModel{
		joints:    cfg.Topology.Joints,
		failEvery: cfg.FailEvery,
		latency: distuv.Normal{
			Mu:    float64(cfg.Latency),
			Sigma: math.Max(float64(cfg.Jitter), 1),
			Src:   src,
		},
		score:  distuv.Uniform{Min: 0, Max: 1, Src: src},
		offset: distuv.Normal{Mu: 0, Sigma: 0.05, Src: src},
	}
}

// Estimate implements model.Estimator.
func (m *SimulatedModel) Estimate(ctx context.Context, frame *framebuf.Buffer) ([][]skeleton.Keypoint, error) {
	n := m.calls.Add(1)

	m.mu.Lock()
	wait := time.Duration(math.Max(m.latency.Rand(), 0))
	m.mu.Unlock()
	m.totalWait.Add(int64(wait))

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		m.failures.Add(1)
		return nil, ctx.Err()
	case <-timer.C:
	}

	if m.failEvery > 0 && n%m.failEvery == 0 {
		m.failures.Add(1)
		return nil, fmt.Errorf("%w: simulated failure on call %d", model.ErrModel, n)
	}

	return [][]skeleton.Keypoint{m.person(frame.Width(), frame.Height())}, nil
}

// person lays joints on a vertical line through the frame centre.
func (m *SimulatedModel) person(width, height int) []skeleton.Keypoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	kps := make([]skeleton.Keypoint, len(m.joints))
	for i, name := range m.joints {
		frac := float64(i+1) / float64(len(m.joints)+1)
		kps[i] = skeleton.Keypoint{
			Name:  name,
			X:     float64(width) * (0.5 + m.offset.Rand()),
			Y:     float64(height) * frac,
			Score: m.score.Rand(),
		}
	}
	return kps
}

// ModelStats summarises simulated calls.
type ModelStats struct {
	Calls      uint64
	Failures   uint64
	AvgLatency time.Duration
}

// Stats returns call counters.
func (m *SimulatedModel) Stats() ModelStats {
	calls := m.calls.Load()
	var avg time.Duration
	if calls > 0 {
		avg = time.Duration(m.totalWait.Load() / int64(calls))
	}
	return ModelStats{Calls: calls, Failures: m.failures.Load(), AvgLatency: avg}
}
