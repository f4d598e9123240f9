package capability

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// DeviceProbe checks that a camera device node exists and can be opened for
// reading. A permission error is reported as a denied grant.
func DeviceProbe(path string) Probe {
	return ProbeFunc(func(ctx context.Context) error {
		if path == "" {
			return fmt.Errorf("no camera device configured")
		}
		f, err := os.OpenFile(path, os.O_RDONLY, 0)
		if err != nil {
			if os.IsPermission(err) {
				return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
			}
			return fmt.Errorf("camera device %s: %w", path, err)
		}
		return f.Close()
	})
}

// EngineProbe checks that the worker command resolves to an executable and
// that the model file, when configured, exists.
func EngineProbe(command, modelPath string) Probe {
	return ProbeFunc(func(ctx context.Context) error {
		if command == "" {
			return fmt.Errorf("no worker command configured")
		}
		if _, err := exec.LookPath(command); err != nil {
			return fmt.Errorf("worker command: %w", err)
		}
		if modelPath != "" {
			st, err := os.Stat(modelPath)
			if err != nil {
				return fmt.Errorf("model file: %w", err)
			}
			if st.IsDir() {
				return fmt.Errorf("model file %s is a directory", modelPath)
			}
		}
		return nil
	})
}

// All combines probes; the first failure wins.
func All(probes ...Probe) Probe {
	return ProbeFunc(func(ctx context.Context) error {
		for _, p := range probes {
			if p == nil {
				continue
			}
			if err := p.Probe(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}
