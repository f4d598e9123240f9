package skeleton

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownTopology is returned by Lookup for names not in the registry.
var ErrUnknownTopology = errors.New("skeleton: unknown topology")

// Edge is a pair of joint indices into a Topology's joint list.
type Edge [2]int

// Topology is the static joint list and adjacency of one pose model.
//
// Topologies are configuration data: they are declared once at package
// init and never derived from model output.
type Topology struct {
	Name   string
	Joints []string
	Edges  []Edge

	index map[string]int
}

func newTopology(name string, joints []string, edges []Edge) *Topology {
	t := &Topology{
		Name:   name,
		Joints: joints,
		Edges:  edges,
		index:  make(map[string]int, len(joints)),
	}
	for i, j := range joints {
		t.index[j] = i
	}
	if err := t.validate(); err != nil {
		panic(err)
	}
	return t
}

func (t *Topology) validate() error {
	if len(t.Joints) == 0 {
		return fmt.Errorf("skeleton: topology %q has no joints", t.Name)
	}
	if len(t.index) != len(t.Joints) {
		return fmt.Errorf("skeleton: topology %q has duplicate joint names", t.Name)
	}
	for _, e := range t.Edges {
		for _, i := range e {
			if i < 0 || i >= len(t.Joints) {
				return fmt.Errorf("skeleton: topology %q edge %v out of range", t.Name, e)
			}
		}
		if e[0] == e[1] {
			return fmt.Errorf("skeleton: topology %q has self edge %v", t.Name, e)
		}
	}
	return nil
}

// JointIndex returns the index of the named joint.
func (t *Topology) JointIndex(name string) (int, bool) {
	i, ok := t.index[name]
	return i, ok
}

// BlazePose joint names in model output order.
var blazePoseJoints = []string{
	"nose",
	"left_eye_inner", "left_eye", "left_eye_outer",
	"right_eye_inner", "right_eye", "right_eye_outer",
	"left_ear", "right_ear",
	"mouth_left", "mouth_right",
	"left_shoulder", "right_shoulder",
	"left_elbow", "right_elbow",
	"left_wrist", "right_wrist",
	"left_pinky", "right_pinky",
	"left_index", "right_index",
	"left_thumb", "right_thumb",
	"left_hip", "right_hip",
	"left_knee", "right_knee",
	"left_ankle", "right_ankle",
	"left_heel", "right_heel",
	"left_foot_index", "right_foot_index",
}

var cocoJoints = []string{
	"nose",
	"left_eye", "right_eye",
	"left_ear", "right_ear",
	"left_shoulder", "right_shoulder",
	"left_elbow", "right_elbow",
	"left_wrist", "right_wrist",
	"left_hip", "right_hip",
	"left_knee", "right_knee",
	"left_ankle", "right_ankle",
}

var (
	// BlazePose is the 33-keypoint topology with face, torso and limb edges.
	BlazePose = newTopology("blazepose", blazePoseJoints, []Edge{
		{0, 1}, {1, 2}, {2, 3}, {3, 7},
		{0, 4}, {4, 5}, {5, 6}, {6, 8},
		{9, 10},
		{11, 12}, {11, 13}, {13, 15}, {12, 14}, {14, 16},
		{11, 23}, {12, 24}, {23, 24},
		{23, 25}, {25, 27}, {24, 26}, {26, 28},
		{27, 31}, {28, 32}, {29, 31}, {30, 32},
	})

	// BlazePoseBody uses the BlazePose joints but draws the body only,
	// routing ankles through the heels.
	BlazePoseBody = newTopology("blazepose-body", blazePoseJoints, []Edge{
		{11, 12}, {11, 13}, {13, 15}, {12, 14}, {14, 16},
		{11, 23}, {12, 24}, {23, 24},
		{23, 25}, {25, 27}, {27, 29}, {29, 31},
		{24, 26}, {26, 28}, {28, 30}, {30, 32},
	})

	// COCO17 is the 17-keypoint COCO layout used by MoveNet style models.
	COCO17 = newTopology("coco17", cocoJoints, []Edge{
		{15, 13}, {13, 11}, {16, 14}, {14, 12}, {11, 12},
		{5, 11}, {6, 12}, {5, 6}, {5, 7}, {6, 8},
		{7, 9}, {8, 10}, {1, 2}, {0, 1}, {0, 2},
		{1, 3}, {2, 4}, {3, 5}, {4, 6},
	})
)

var registry = map[string]*Topology{
	BlazePose.Name:     BlazePose,
	BlazePoseBody.Name: BlazePoseBody,
	COCO17.Name:        COCO17,
}

// Lookup returns the registered topology with the given name.
func Lookup(name string) (*Topology, error) {
	t, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownTopology, name, Names())
	}
	return t, nil
}

// Names lists registered topology names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
