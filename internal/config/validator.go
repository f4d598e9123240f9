package config

import (
	"fmt"
	"regexp"

	"github.com/VibishanW/JointForJoint/internal/capability"
	"github.com/VibishanW/JointForJoint/internal/skeleton"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks cfg and fills defaults in place.
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}

	if err := validateCapability(&cfg.Capability); err != nil {
		return err
	}
	if err := validateCamera(&cfg.Camera); err != nil {
		return err
	}
	if err := validateModel(&cfg.Model); err != nil {
		return err
	}

	if cfg.Session.DefaultDurationMS < 0 {
		return fmt.Errorf("session.default_duration_ms must be >= 0")
	}
	if cfg.Session.DefaultDurationMS == 0 {
		cfg.Session.DefaultDurationMS = 10000
	}

	validateMQTT(cfg)

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "jointd"
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}
	if cfg.Tracing.SampleRatio == 0 {
		cfg.Tracing.SampleRatio = 1
	}

	return nil
}

func validateCapability(c *CapabilityConfig) error {
	surface, err := capability.ParseSurface(c.Surface)
	if err != nil {
		return fmt.Errorf("capability.surface: %w", err)
	}
	c.Surface = string(surface)
	if c.ForceProfile != "" {
		if _, err := capability.ParseProfile(c.ForceProfile); err != nil {
			return fmt.Errorf("capability.force_profile: %w", err)
		}
	}
	return nil
}

func validateCamera(c *CameraConfig) error {
	sources := 0
	for _, set := range []bool{c.Device != "", c.URL != "", c.Synthetic} {
		if set {
			sources++
		}
	}
	if sources > 1 {
		return fmt.Errorf("camera: only one of device, url or synthetic may be set")
	}
	if sources == 0 {
		c.Device = "/dev/video0"
	}

	if c.Width == 0 && c.Height == 0 {
		c.Width, c.Height = 1280, 720
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("camera: width and height must be > 0")
	}
	if c.FPS == 0 {
		c.FPS = 30
	}
	if c.FPS < 0.1 || c.FPS > 60 {
		return fmt.Errorf("camera.fps must be between 0.1 and 60")
	}
	switch c.Facing {
	case "":
		c.Facing = "front"
	case "front", "back":
	default:
		return fmt.Errorf("camera.facing must be front or back")
	}
	if c.WarmupS < 0 {
		return fmt.Errorf("camera.warmup_s must be >= 0")
	}
	return nil
}

func validateModel(m *ModelConfig) error {
	if m.InferenceTimeoutMS < 0 {
		return fmt.Errorf("model.inference_timeout_ms must be >= 0")
	}
	if m.InferenceTimeoutMS == 0 {
		m.InferenceTimeoutMS = 2000
	}
	if m.Topology == "" {
		m.Topology = "blazepose"
	}
	if _, err := skeleton.Lookup(m.Topology); err != nil {
		return fmt.Errorf("model.topology: %w", err)
	}
	if m.Threshold < 0 || m.Threshold > 1 {
		return fmt.Errorf("model.threshold must be between 0 and 1")
	}
	if m.Threshold == 0 {
		m.Threshold = skeleton.DefaultThreshold
	}
	return nil
}

func validateMQTT(cfg *Config) {
	t := &cfg.MQTT.Topics
	if t.Poses == "" {
		t.Poses = fmt.Sprintf("joint/poses/%s", cfg.InstanceID)
	}
	if t.Sessions == "" {
		t.Sessions = fmt.Sprintf("joint/sessions/%s", cfg.InstanceID)
	}
	if t.Health == "" {
		t.Health = fmt.Sprintf("joint/health/%s", cfg.InstanceID)
	}
	if t.Control == "" {
		t.Control = fmt.Sprintf("joint/control/%s", cfg.InstanceID)
	}
	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{
			"control":  1,
			"poses":    0,
			"sessions": 1,
			"health":   0,
		}
	}
}
