// Package config loads the service configuration from YAML, applies
// JOINT_* environment overrides and validates the result.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "JOINT_"

// Config is the complete service configuration.
type Config struct {
	InstanceID       string `yaml:"instance_id" env:"INSTANCE_ID"`
	ShutdownTimeoutS int    `yaml:"shutdown_timeout_s" env:"SHUTDOWN_TIMEOUT_S"`
	HTTPAddr         string `yaml:"http_addr" env:"HTTP_ADDR"`

	Capability CapabilityConfig `yaml:"capability" envPrefix:"CAPABILITY_"`
	Camera     CameraConfig     `yaml:"camera" envPrefix:"CAMERA_"`
	Model      ModelConfig      `yaml:"model" envPrefix:"MODEL_"`
	Pipeline   PipelineConfig   `yaml:"pipeline" envPrefix:"PIPELINE_"`
	Session    SessionConfig    `yaml:"session" envPrefix:"SESSION_"`
	MQTT       MQTTConfig       `yaml:"mqtt" envPrefix:"MQTT_"`
	Tracing    TracingConfig    `yaml:"tracing" envPrefix:"TRACING_"`
}

// CapabilityConfig carries the host signals that cannot be probed.
type CapabilityConfig struct {
	Surface      string `yaml:"surface" env:"SURFACE"`             // native, web, headless
	Sandboxed    bool   `yaml:"sandboxed" env:"SANDBOXED"`         // host forbids loading the engine
	ForceProfile string `yaml:"force_profile" env:"FORCE_PROFILE"` // skip probing
}

// CameraConfig selects and shapes the frame source.
type CameraConfig struct {
	Device    string  `yaml:"device" env:"DEVICE"`
	URL       string  `yaml:"url" env:"URL"`
	Synthetic bool    `yaml:"synthetic" env:"SYNTHETIC"` // generated frames, no hardware
	Width     int     `yaml:"width" env:"WIDTH"`
	Height    int     `yaml:"height" env:"HEIGHT"`
	FPS       float64 `yaml:"fps" env:"FPS"`
	Facing    string  `yaml:"facing" env:"FACING"`
	WarmupS   int     `yaml:"warmup_s" env:"WARMUP_S"`
}

// ModelConfig configures the pose worker and projection.
type ModelConfig struct {
	WorkerCmd          string   `yaml:"worker_cmd" env:"WORKER_CMD"`
	WorkerArgs         []string `yaml:"worker_args" env:"WORKER_ARGS"`
	ModelPath          string   `yaml:"model_path" env:"MODEL_PATH"`
	InferenceTimeoutMS int      `yaml:"inference_timeout_ms" env:"INFERENCE_TIMEOUT_MS"`
	Topology           string   `yaml:"topology" env:"TOPOLOGY"`
	Threshold          float64  `yaml:"threshold" env:"THRESHOLD"` // 0 means the default 0.3
}

// PipelineConfig tunes buffer accounting.
type PipelineConfig struct {
	// StrictBuffers panics on a lifecycle violation. Defaults to true.
	StrictBuffers *bool `yaml:"strict_buffers" env:"STRICT_BUFFERS"`
}

// SessionConfig configures recording windows.
type SessionConfig struct {
	DefaultDurationMS int `yaml:"default_duration_ms" env:"DEFAULT_DURATION_MS"`
}

// MQTTConfig configures the optional broker connection.
type MQTTConfig struct {
	Broker string          `yaml:"broker" env:"BROKER"`
	Topics MQTTTopics      `yaml:"topics" envPrefix:"TOPIC_"`
	QoS    map[string]byte `yaml:"qos" env:"QOS"`
}

// MQTTTopics are the topic names; defaults are derived from instance_id.
type MQTTTopics struct {
	Poses    string `yaml:"poses" env:"POSES"`
	Sessions string `yaml:"sessions" env:"SESSIONS"`
	Health   string `yaml:"health" env:"HEALTH"`
	Control  string `yaml:"control" env:"CONTROL"`
}

// TracingConfig configures OpenTelemetry export. An empty endpoint
// disables export.
type TracingConfig struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRatio  float64 `yaml:"sample_ratio" env:"SAMPLE_RATIO"`
}

// Load reads path (if non-empty), applies environment overrides and
// validates.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ShutdownTimeout is the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// InferenceTimeout bounds a single model call.
func (c *Config) InferenceTimeout() time.Duration {
	return time.Duration(c.Model.InferenceTimeoutMS) * time.Millisecond
}

// DefaultSessionWindow is the window used when a start request names none.
func (c *Config) DefaultSessionWindow() time.Duration {
	return time.Duration(c.Session.DefaultDurationMS) * time.Millisecond
}

// Warmup is how long to observe the camera before reporting its cadence.
func (c *Config) Warmup() time.Duration {
	return time.Duration(c.Camera.WarmupS) * time.Second
}

// Strict reports whether buffer lifecycle violations panic.
func (c *Config) Strict() bool {
	return c.Pipeline.StrictBuffers == nil || *c.Pipeline.StrictBuffers
}

// MQTTEnabled reports whether a broker is configured.
func (c *Config) MQTTEnabled() bool {
	return c.MQTT.Broker != ""
}
