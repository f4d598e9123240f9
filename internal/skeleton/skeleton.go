// Package skeleton turns raw model keypoints into a drawable joint graph.
//
// Projection is a pure function of its input: joints below the confidence
// threshold are dropped and a static edge becomes a segment only when both
// of its endpoints survived. Nothing here keeps state between calls, so a
// Projector can be shared freely across goroutines.
package skeleton

import (
	"fmt"
	"math"
)

// DefaultThreshold is the minimum confidence for a joint to be drawn.
const DefaultThreshold = 0.3

// Keypoint is one joint as reported by the model.
//
// Name may be empty when the model reports joints positionally; in that case
// the keypoint's position in the slice is its joint index.
type Keypoint struct {
	Name  string  `json:"name,omitempty" msgpack:"name"`
	X     float64 `json:"x" msgpack:"x"`
	Y     float64 `json:"y" msgpack:"y"`
	Z     float64 `json:"z,omitempty" msgpack:"z"`
	Score float64 `json:"score" msgpack:"score"`
}

// Joint is an accepted keypoint bound to its topology index.
type Joint struct {
	Index int `json:"index"`
	Keypoint
}

// Segment is a drawable edge between two accepted joints.
type Segment struct {
	From int     `json:"from"`
	To   int     `json:"to"`
	X1   float64 `json:"x1"`
	Y1   float64 `json:"y1"`
	X2   float64 `json:"x2"`
	Y2   float64 `json:"y2"`
}

// Graph is the filtered skeleton of one person.
type Graph struct {
	Topology  string    `json:"topology"`
	Threshold float64   `json:"threshold"`
	Joints    []Joint   `json:"joints"`
	Segments  []Segment `json:"segments"`
}

// Projector projects raw keypoints onto a fixed topology.
type Projector struct {
	topology  *Topology
	threshold float64
}

// NewProjector validates the threshold and returns a Projector.
func NewProjector(t *Topology, threshold float64) (*Projector, error) {
	if t == nil {
		return nil, fmt.Errorf("skeleton: topology is required")
	}
	if math.IsNaN(threshold) || threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("skeleton: threshold %.3f outside [0,1]", threshold)
	}
	return &Projector{topology: t, threshold: threshold}, nil
}

// Topology returns the projector's topology.
func (p *Projector) Topology() *Topology { return p.topology }

// Threshold returns the acceptance threshold.
func (p *Projector) Threshold() float64 { return p.threshold }

// Project filters raw by confidence and materialises edges whose endpoints
// were both accepted. raw is never modified.
func (p *Projector) Project(raw []Keypoint) Graph {
	n := len(p.topology.Joints)
	slots := make([]Keypoint, n)
	present := make([]bool, n)

	for i, kp := range raw {
		idx := i
		if kp.Name != "" {
			j, ok := p.topology.JointIndex(kp.Name)
			if !ok {
				continue
			}
			idx = j
		}
		if idx >= n || present[idx] {
			continue
		}
		slots[idx] = kp
		present[idx] = true
	}

	g := Graph{
		Topology:  p.topology.Name,
		Threshold: p.threshold,
		Joints:    make([]Joint, 0, n),
		Segments:  make([]Segment, 0, len(p.topology.Edges)),
	}

	accepted := make([]bool, n)
	for i := 0; i < n; i++ {
		if !present[i] || !p.accepts(slots[i].Score) {
			continue
		}
		accepted[i] = true
		kp := slots[i]
		kp.Name = p.topology.Joints[i]
		g.Joints = append(g.Joints, Joint{Index: i, Keypoint: kp})
	}

	for _, e := range p.topology.Edges {
		a, b := e[0], e[1]
		if !accepted[a] || !accepted[b] {
			continue
		}
		g.Segments = append(g.Segments, Segment{
			From: a,
			To:   b,
			X1:   slots[a].X,
			Y1:   slots[a].Y,
			X2:   slots[b].X,
			Y2:   slots[b].Y,
		})
	}

	return g
}

func (p *Projector) accepts(score float64) bool {
	return !math.IsNaN(score) && score >= p.threshold
}

// SelectPose returns the pose the pipeline tracks out of one inference
// result. Only the first detected person is tracked.
func SelectPose(poses [][]Keypoint) ([]Keypoint, bool) {
	if len(poses) == 0 {
		return nil, false
	}
	return poses[0], true
}
