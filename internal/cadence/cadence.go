// Package cadence computes frame-rate statistics from arrival timestamps.
//
// It is used twice: once when the camera warms up, to log the real capture
// rate before inference starts, and once per completed recording session,
// to summarise the pose rate the pipeline actually sustained.
package cadence

import (
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	// fpsStabilityThreshold is the maximum FPS stddev as a fraction of the mean.
	fpsStabilityThreshold = 0.15

	// jitterStabilityThreshold is the maximum mean jitter as a fraction of
	// the expected inter-frame interval.
	jitterStabilityThreshold = 0.20
)

// Stats summarises a sequence of arrivals.
type Stats struct {
	Frames   int           `json:"frames"`
	Duration time.Duration `json:"duration_ns"`

	FPSMean   float64 `json:"fps_mean"`
	FPSStdDev float64 `json:"fps_stddev"`
	FPSMin    float64 `json:"fps_min"`
	FPSMax    float64 `json:"fps_max"`

	// Jitter is the absolute deviation of each interval from 1/FPSMean,
	// in seconds.
	JitterMean   float64 `json:"jitter_mean_s"`
	JitterStdDev float64 `json:"jitter_stddev_s"`
	JitterMax    float64 `json:"jitter_max_s"`

	IsStable bool `json:"is_stable"`
}

// Calculate derives Stats from arrival times observed over total.
//
// FPSMean is frames/total. Instantaneous FPS is 1/interval for every
// strictly positive interval between consecutive arrivals. A stream is
// stable when the instantaneous FPS stddev is under 15% of the mean and
// mean jitter is under 20% of the expected interval.
func Calculate(times []time.Time, total time.Duration) Stats {
	s := Stats{Frames: len(times), Duration: total}
	if len(times) == 0 || total <= 0 {
		return s
	}

	s.FPSMean = float64(len(times)) / total.Seconds()

	intervals := make([]float64, 0, len(times)-1)
	instant := make([]float64, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		iv := times[i].Sub(times[i-1]).Seconds()
		intervals = append(intervals, iv)
		if iv > 0 {
			instant = append(instant, 1/iv)
		}
	}
	if len(instant) == 0 {
		return s
	}

	s.FPSMin = floats.Min(instant)
	s.FPSMax = floats.Max(instant)
	if len(instant) > 1 {
		_, s.FPSStdDev = stat.MeanStdDev(instant, nil)
	}

	expected := 1 / s.FPSMean
	jitter := make([]float64, len(intervals))
	for i, iv := range intervals {
		jitter[i] = math.Abs(iv - expected)
	}
	s.JitterMax = floats.Max(jitter)
	if len(jitter) > 1 {
		s.JitterMean, s.JitterStdDev = stat.MeanStdDev(jitter, nil)
	} else {
		s.JitterMean = jitter[0]
	}

	s.IsStable = s.FPSStdDev < s.FPSMean*fpsStabilityThreshold &&
		s.JitterMean < expected*jitterStabilityThreshold

	return s
}
