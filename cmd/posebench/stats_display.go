package main

import (
	"context"
	"fmt"
	"time"

	"github.com/VibishanW/JointForJoint/internal/session"
	"github.com/VibishanW/JointForJoint/internal/source"
)

// reportStats periodically prints statistics from all pipeline components
func reportStats(ctx context.Context, interval time.Duration, b *bench) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printLiveStats(time.Since(startTime), b)
		}
	}
}

func printLiveStats(uptime time.Duration, b *bench) {
	fmt.Println()
	fmt.Println("╭─────────────────────────────────────────────────────────────────╮")
	fmt.Printf("│ Pipeline Statistics (Uptime: %v)\n", uptime.Round(time.Second))
	fmt.Println("├─────────────────────────────────────────────────────────────────┤")
	printComponents(b)

	snap := b.recorder.Snapshot()
	fmt.Println("│")
	fmt.Println("│ Session:")
	fmt.Printf("│   State:              %6s\n", snap.State)
	fmt.Printf("│   Frames Processed:   %6d frames\n", snap.ElapsedFramesProcessed)
	fmt.Printf("│   FPS Estimate:       %6d fps\n", snap.FPSEstimate)
	fmt.Println("╰─────────────────────────────────────────────────────────────────╯")
}

func printFinalStats(b *bench, snap session.Snapshot) {
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                        Final Statistics                       ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	printComponents(b)

	fmt.Println("│")
	fmt.Println("│ Session:")
	fmt.Printf("│   End Reason:         %s\n", snap.EndReason)
	fmt.Printf("│   Elapsed:            %6d ms (window %d ms)\n", snap.ElapsedMs, snap.WindowMs)
	fmt.Printf("│   Frames Processed:   %6d frames\n", snap.ElapsedFramesProcessed)
	fmt.Printf("│   FPS Estimate:       %6d fps\n", snap.FPSEstimate)

	if c := snap.Cadence; c != nil && c.Frames > 1 {
		fmt.Println("│")
		fmt.Println("│ Cadence:")
		fmt.Printf("│   Mean FPS:           %6.2f fps (σ %.2f)\n", c.FPSMean, c.FPSStdDev)
		fmt.Printf("│   FPS Range:          %6.2f - %.2f fps\n", c.FPSMin, c.FPSMax)
		fmt.Printf("│   Jitter Mean:        %6.1f ms\n", c.JitterMean*1000)
		fmt.Printf("│   Jitter Max:         %6.1f ms\n", c.JitterMax*1000)
		fmt.Printf("│   Stable:             %6v\n", c.IsStable)
	}
	fmt.Println()
}

func printComponents(b *bench) {
	if sp, ok := b.src.(source.StatsProvider); ok {
		st := sp.Stats()
		fmt.Println("│ Source:")
		fmt.Printf("│   Frames Emitted:     %6d frames\n", st.FramesEmitted)
		fmt.Printf("│   Target FPS:         %6.2f fps\n", st.FPSTarget)
		fmt.Printf("│   Real FPS:           %6.2f fps\n", st.FPSReal)
		fmt.Printf("│   Resolution:         %s\n", st.Resolution)
		if st.Reconnects > 0 {
			fmt.Printf("│   Reconnects:         %6d\n", st.Reconnects)
		}
		fmt.Println("│")
	}

	ss := b.scheduler.Stats()
	dropRate := 0.0
	if total := ss.Submitted + ss.Dropped; total > 0 {
		dropRate = float64(ss.Dropped) / float64(total) * 100.0
	}
	fmt.Println("│ Scheduler:")
	fmt.Printf("│   State:              %s\n", ss.State)
	fmt.Printf("│   Submitted:          %6d frames\n", ss.Submitted)
	fmt.Printf("│   Succeeded:          %6d\n", ss.Succeeded)
	fmt.Printf("│   Failed:             %6d\n", ss.Failed)
	fmt.Printf("│   Empty:              %6d\n", ss.Empty)
	fmt.Printf("│   Dropped:            %6d frames (%.1f%%)\n", ss.Dropped, dropRate)
	fmt.Printf("│   Published:          %6d poses\n", ss.Published)
	fmt.Printf("│   Last Latency:       %6d ms\n", ss.LastLatency.Milliseconds())

	if b.sim != nil {
		ms := b.sim.Stats()
		fmt.Println("│")
		fmt.Println("│ Simulated Model:")
		fmt.Printf("│   Calls:              %6d\n", ms.Calls)
		fmt.Printf("│   Failures:           %6d\n", ms.Failures)
		fmt.Printf("│   Avg Latency:        %6d ms\n", ms.AvgLatency.Milliseconds())
	}
	if b.worker != nil {
		wm := b.worker.Metrics()
		fmt.Println("│")
		fmt.Println("│ Worker:")
		fmt.Printf("│   Running:            %6v (pid %d)\n", wm.Running, wm.PID)
		fmt.Printf("│   Calls:              %6d\n", wm.Calls)
		fmt.Printf("│   Failures:           %6d\n", wm.Failures)
		fmt.Printf("│   Restarts:           %6d\n", wm.Restarts)
		fmt.Printf("│   Avg Latency:        %6.1f ms\n", wm.AvgLatencyMS)
	}

	ls := b.lifecycle.Stats()
	fmt.Println("│")
	fmt.Println("│ Frame Buffers:")
	fmt.Printf("│   Acquired:           %6d\n", ls.Acquired)
	fmt.Printf("│   Released:           %6d\n", ls.Released)
	fmt.Printf("│   Outstanding:        %6d\n", ls.Outstanding)
	if ls.Violations > 0 {
		fmt.Printf("│   Violations:         %6d\n", ls.Violations)
	}
}
