package core

import (
	"time"

	"github.com/VibishanW/JointForJoint/internal/session"
)

// StartSession begins a recording window. A non-positive window uses the
// configured default. It reports false while a session is recording.
func (a *App) StartSession(window time.Duration) (session.Snapshot, bool) {
	started := a.recorder.StartSession(window)
	return a.recorder.Snapshot(), started
}

// StopSession ends the active session early. It reports false when no
// session is recording.
func (a *App) StopSession() (session.Snapshot, bool) {
	stopped := a.recorder.StopSession()
	return a.recorder.Snapshot(), stopped
}

// Status is the control plane status report.
func (a *App) Status() map[string]any {
	a.mu.RLock()
	running := a.isRunning
	started := a.started
	a.mu.RUnlock()

	status := map[string]any{
		"instance_id": a.cfg.InstanceID,
		"profile":     a.profile.String(),
		"running":     running,
		"uptime_s":    time.Since(started).Seconds(),
		"session":     a.recorder.Snapshot(),
		"buffers":     a.lifecycle.Stats(),
		"clients":     a.hub.Stats().Clients,
	}
	if len(a.report.Reasons) > 0 {
		status["capability_reasons"] = a.report.Reasons
	}
	if a.scheduler != nil {
		status["scheduler"] = a.scheduler.Stats()
	}
	if a.worker != nil {
		status["worker"] = a.worker.Metrics()
	}
	return status
}
