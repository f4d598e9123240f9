package camera

import (
	"context"

	"github.com/VibishanW/JointForJoint/internal/capability"
)

// Probe returns a capability probe for the configured camera: the config
// must be valid, GStreamer must initialise and a device node must open for
// reading. Network URLs are not dialled; reachability is left to reconnect.
func Probe(cfg Config) capability.Probe {
	return capability.ProbeFunc(func(ctx context.Context) error {
		if err := cfg.validate(); err != nil {
			return err
		}
		if cfg.Device != "" {
			if err := capability.DeviceProbe(cfg.Device).Probe(ctx); err != nil {
				return err
			}
		}
		return checkGStreamerAvailable()
	})
}
