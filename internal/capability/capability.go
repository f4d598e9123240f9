// Package capability decides, once at startup, which parts of the pipeline
// can run on this host.
//
// The result is a closed Profile consumed by the service orchestrator:
//
//	FullInference  camera and pose model both usable
//	CameraOnly     camera usable, model not (preview without poses)
//	NoCamera       no camera; nothing in the frame path is instantiated
//
// Negative signals are recorded as *CapabilityError in the Report. They are
// classification outcomes, never returned as errors.
package capability

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Profile is the resolved capability class.
type Profile int

const (
	FullInference Profile = iota
	CameraOnly
	NoCamera
)

func (p Profile) String() string {
	switch p {
	case FullInference:
		return "full_inference"
	case CameraOnly:
		return "camera_only"
	case NoCamera:
		return "no_camera"
	default:
		return fmt.Sprintf("profile(%d)", int(p))
	}
}

// MarshalText renders the profile name in JSON.
func (p Profile) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses a profile name.
func (p *Profile) UnmarshalText(b []byte) error {
	v, err := ParseProfile(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParseProfile accepts the names produced by String.
func ParseProfile(s string) (Profile, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "full_inference", "full":
		return FullInference, nil
	case "camera_only", "camera":
		return CameraOnly, nil
	case "no_camera", "none":
		return NoCamera, nil
	default:
		return 0, fmt.Errorf("capability: unknown profile %q", s)
	}
}

// HasCamera reports whether a frame source should be instantiated.
func (p Profile) HasCamera() bool { return p == FullInference || p == CameraOnly }

// HasInference reports whether the inference loop should run.
func (p Profile) HasInference() bool { return p == FullInference }

// Surface is the kind of display the service renders to.
type Surface string

const (
	SurfaceNative   Surface = "native"
	SurfaceWeb      Surface = "web"
	SurfaceHeadless Surface = "headless"
)

// ParseSurface validates a configured surface. Empty means native.
func ParseSurface(s string) (Surface, error) {
	switch Surface(strings.ToLower(s)) {
	case "", SurfaceNative:
		return SurfaceNative, nil
	case SurfaceWeb:
		return SurfaceWeb, nil
	case SurfaceHeadless:
		return SurfaceHeadless, nil
	default:
		return "", fmt.Errorf("capability: unknown surface %q", s)
	}
}

// Reason names a negative capability signal.
type Reason string

const (
	ReasonNonNativeSurface  Reason = "non_native_surface"
	ReasonCameraDenied      Reason = "camera_denied"
	ReasonCameraUnavailable Reason = "camera_unavailable"
	ReasonEngineUnavailable Reason = "engine_unavailable"
	ReasonSandboxed         Reason = "sandboxed"
)

// ErrPermissionDenied may be wrapped by camera probes to signal a denied
// grant rather than a missing device.
var ErrPermissionDenied = errors.New("capability: permission denied")

// CapabilityError records why a capability is missing.
type CapabilityError struct {
	Reason Reason
	Err    error
}

func (e *CapabilityError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("capability: %s", e.Reason)
	}
	return fmt.Sprintf("capability: %s: %v", e.Reason, e.Err)
}

func (e *CapabilityError) Unwrap() error { return e.Err }

// Probe checks one host capability. A nil error means usable.
type Probe interface {
	Probe(ctx context.Context) error
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Probe(ctx context.Context) error { return f(ctx) }

// Options are the host signals.
type Options struct {
	Surface   Surface
	Sandboxed bool

	// Force skips probing and resolves to the given profile.
	Force *Profile

	Camera Probe
	Engine Probe
}

// Report is the outcome of resolution.
type Report struct {
	Profile    Profile            `json:"profile"`
	Forced     bool               `json:"forced,omitempty"`
	Errors     []*CapabilityError `json:"-"`
	Reasons    []string           `json:"reasons,omitempty"`
	ResolvedAt time.Time          `json:"resolved_at"`
}

// Resolver resolves the profile exactly once.
type Resolver struct {
	opts   Options
	once   sync.Once
	report Report
}

// NewResolver returns a resolver. Nil probes count as unavailable.
func NewResolver(opts Options) *Resolver {
	if opts.Surface == "" {
		opts.Surface = SurfaceNative
	}
	return &Resolver{opts: opts}
}

// Resolve runs the probes on the first call and returns the memoized
// profile on every call. It is terminal: a denied camera is not re-asked.
func (r *Resolver) Resolve(ctx context.Context) Profile {
	r.once.Do(func() {
		r.report = r.resolve(ctx)
		attrs := []any{
			"profile", r.report.Profile.String(),
			"surface", string(r.opts.Surface),
			"forced", r.report.Forced,
		}
		if len(r.report.Reasons) > 0 {
			attrs = append(attrs, "reasons", strings.Join(r.report.Reasons, ","))
		}
		slog.Info("capability: profile resolved", attrs...)
		for _, e := range r.report.Errors {
			slog.Warn("capability: unavailable", "reason", string(e.Reason), "error", e.Err)
		}
	})
	return r.report.Profile
}

// Report returns the resolution report. It resolves first if needed.
func (r *Resolver) Report(ctx context.Context) Report {
	r.Resolve(ctx)
	rep := r.report
	rep.Errors = append([]*CapabilityError(nil), r.report.Errors...)
	rep.Reasons = append([]string(nil), r.report.Reasons...)
	return rep
}

// resolve applies the rules in order:
//  1. non-native surface -> NoCamera
//  2. camera denied or unavailable -> NoCamera
//  3. engine unavailable or sandboxed -> CameraOnly
//  4. otherwise FullInference
func (r *Resolver) resolve(ctx context.Context) Report {
	rep := Report{ResolvedAt: time.Now()}
	add := func(reason Reason, err error) {
		rep.Errors = append(rep.Errors, &CapabilityError{Reason: reason, Err: err})
		rep.Reasons = append(rep.Reasons, string(reason))
	}

	if r.opts.Force != nil {
		rep.Profile = *r.opts.Force
		rep.Forced = true
		return rep
	}

	if r.opts.Surface != SurfaceNative {
		add(ReasonNonNativeSurface, fmt.Errorf("surface %q", r.opts.Surface))
		rep.Profile = NoCamera
		return rep
	}

	if err := runProbe(ctx, r.opts.Camera, "camera"); err != nil {
		if errors.Is(err, ErrPermissionDenied) || errors.Is(err, fs.ErrPermission) {
			add(ReasonCameraDenied, err)
		} else {
			add(ReasonCameraUnavailable, err)
		}
		rep.Profile = NoCamera
		return rep
	}

	if r.opts.Sandboxed {
		add(ReasonSandboxed, nil)
		rep.Profile = CameraOnly
		return rep
	}
	if err := runProbe(ctx, r.opts.Engine, "engine"); err != nil {
		add(ReasonEngineUnavailable, err)
		rep.Profile = CameraOnly
		return rep
	}

	rep.Profile = FullInference
	return rep
}

func runProbe(ctx context.Context, p Probe, name string) error {
	if p == nil {
		return fmt.Errorf("no %s probe configured", name)
	}
	return p.Probe(ctx)
}
