package guardian

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bobmatnyc/memguardian/pkg/degrade"
	"github.com/bobmatnyc/memguardian/pkg/protection"
	"github.com/bobmatnyc/memguardian/pkg/retry"
)

// Start launches the monitoring loop. When auto_start is enabled and the
// child is not running, it is started first; a start failure is recorded
// as a failed restart so the circuit breaker sees it.
func (g *Guardian) Start(ctx context.Context) error {
	g.runMu.Lock()
	if g.running {
		g.runMu.Unlock()
		return errAlreadyRunning
	}
	g.running = true
	g.startedAt = time.Now()
	ctx, g.cancel = context.WithCancel(ctx)
	g.runMu.Unlock()

	if g.cfg.AutoStart && g.child != nil && !g.child.Alive() {
		if err := g.child.Start(ctx); err != nil {
			g.logger.Error("initial process start failed", map[string]interface{}{"error": err.Error()})
			g.protection.RecordRestart("initial start", 0, false)
		} else if restored := g.restoreSession(); restored != nil {
			g.handOff(restored)
		}
	}

	g.wg.Add(1)
	go g.run(ctx)

	g.logger.Info("guardian started", map[string]interface{}{
		"check_interval": g.cfg.Monitoring.CheckInterval().String(),
		"emergency_mb":   g.cfg.Thresholds.EmergencyMB,
	})
	return nil
}

// Stop cancels the monitoring loop and blocks until it has fully exited.
// No sample or restart record is written after Stop returns.
func (g *Guardian) Stop() {
	g.runMu.Lock()
	if !g.running {
		g.runMu.Unlock()
		return
	}
	cancel := g.cancel
	g.runMu.Unlock()

	cancel()
	g.wg.Wait()

	g.runMu.Lock()
	g.running = false
	g.runMu.Unlock()

	g.logger.Info("guardian stopped")
}

// Shutdown stops monitoring, flushes a final metrics snapshot and releases
// the child process handle
func (g *Guardian) Shutdown() {
	g.Stop()

	g.mu.Lock()
	flush := g.flush
	g.mu.Unlock()
	if flush != nil {
		if err := flush(); err != nil {
			g.logger.Warn("final metrics flush failed", map[string]interface{}{"error": err.Error()})
		}
	}

	if g.store != nil && g.cfg.PersistState {
		if err := g.store.Persist(g.SessionState()); err != nil {
			g.logger.Warn("final state persist failed", map[string]interface{}{"error": err.Error()})
		}
	}

	if g.child != nil && g.child.Alive() {
		g.stopChild()
	}

	g.logger.Info("guardian shutdown complete")
}

// run is the monitoring loop. One logical writer: every mutation of the
// sample stats, restart records and feature registry happens here.
func (g *Guardian) run(ctx context.Context) {
	defer g.wg.Done()

	// First sample immediately rather than one interval in
	g.safeTick(ctx)

	timer := time.NewTimer(g.checkInterval(g.MemoryState()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			g.safeTick(ctx)
			timer.Reset(g.checkInterval(g.MemoryState()))
		}
	}
}

// safeTick runs one tick, catching panics so a single bad iteration can
// never kill the watchdog
func (g *Guardian) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("monitoring tick panicked", map[string]interface{}{"panic": fmt.Sprint(r)})
		}
	}()
	g.tick(ctx)
}

// tick samples memory, reclassifies state and drives the policy response
func (g *Guardian) tick(ctx context.Context) {
	rssMB, ok := g.sampler.Sample()

	g.mu.Lock()
	if !ok {
		// Probe unavailable is a soft failure: carry the last known value
		if g.probeHealthy {
			g.logger.Warn("memory probe unavailable, using last known value", map[string]interface{}{
				"last_mb": g.currentMB,
			})
		}
		g.probeHealthy = false
		rssMB = g.currentMB
	} else {
		g.probeHealthy = true
	}

	g.currentMB = rssMB
	if rssMB > g.peakMB {
		g.peakMB = rssMB
	}
	g.sampleSum += rssMB
	g.sampleCount++
	g.lastSampleAt = time.Now()

	oldState := g.memState
	newState := ClassifyMemory(rssMB, g.cfg.Thresholds)
	g.memState = newState
	g.mu.Unlock()

	if ok {
		g.protection.RecordMemorySample(rssMB)
	}

	if newState != oldState {
		g.logger.Info("memory state changed", map[string]interface{}{
			"from":       oldState.String(),
			"to":         newState.String(),
			"current_mb": rssMB,
		})
	}

	trend := g.checkLeakTrend()
	g.applyDegradation(newState, trend.LeakSuspected)
	g.logMemoryStats(rssMB, newState)

	if newState == StateEmergency {
		g.attemptRestart(ctx, rssMB)
	}
}

// applyDegradation adjusts the feature registry for the current state.
// WARNING sheds verbose logging; CRITICAL sheds everything nonessential.
// Recovery back to NORMAL restores all features, except that a suspected
// leak keeps verbose logging shed until the trend clears.
func (g *Guardian) applyDegradation(state MemoryState, leakSuspected bool) {
	switch state {
	case StateNormal:
		for _, f := range g.features.Features() {
			if f.Name == FeatureVerboseLogging && leakSuspected {
				continue
			}
			if f.State != degrade.FeatureAvailable {
				g.features.RecoverFeature(f.Name)
			}
		}
		if leakSuspected {
			g.features.DegradeFeature(FeatureVerboseLogging,
				"memory leak suspected", "summary logging only")
		}
	case StateWarning:
		g.features.DegradeFeature(FeatureVerboseLogging,
			"memory warning threshold reached", "summary logging only")
	case StateCritical, StateEmergency:
		g.features.DegradeFeature(FeatureVerboseLogging,
			"memory critical threshold reached", "summary logging only")
		g.features.DegradeFeature(FeatureMetricsExport,
			"memory critical threshold reached", "export on demand only")
		g.features.DegradeFeature(FeatureLeakDetection,
			"memory critical threshold reached", "threshold checks only")
	}
}

// checkLeakTrend refreshes the regression fit and logs a suspected leak
// before a hard threshold is ever hit
func (g *Guardian) checkLeakTrend() protection.Trend {
	trend := g.protection.DetectMemoryLeak()

	g.mu.Lock()
	previous := g.lastTrend
	g.lastTrend = trend
	g.mu.Unlock()

	if trend.LeakSuspected && !previous.LeakSuspected {
		g.logger.Warn("memory leak suspected", map[string]interface{}{
			"slope_mb_per_min": trend.SlopeMBPerMin,
			"r_squared":        trend.RSquared,
			"samples":          trend.SampleCount,
		})
	}
	return trend
}

// logMemoryStats emits periodic usage logging when enabled
func (g *Guardian) logMemoryStats(rssMB float64, state MemoryState) {
	if !g.cfg.Monitoring.LogMemoryStats {
		return
	}
	interval := time.Duration(g.cfg.Monitoring.LogIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	g.runMu.Lock()
	due := time.Since(g.lastLogAt) >= interval
	if due {
		g.lastLogAt = time.Now()
	}
	g.runMu.Unlock()

	if due {
		stats := g.Stats()
		g.logger.Info("memory stats", map[string]interface{}{
			"current_mb": fmt.Sprintf("%.1f", rssMB),
			"peak_mb":    fmt.Sprintf("%.1f", stats.PeakMB),
			"average_mb": fmt.Sprintf("%.1f", stats.AverageMB),
			"state":      state.String(),
		})
	}
}

// attemptRestart runs the restart sequence, gated by restart protection
func (g *Guardian) attemptRestart(ctx context.Context, rssMB float64) {
	if g.child == nil {
		return
	}
	allowed, denyReason := g.protection.ShouldAllowRestart()
	if !allowed {
		g.logger.Warn("restart denied", map[string]interface{}{"reason": denyReason})
		return
	}

	reason := fmt.Sprintf("memory %.1f MB exceeded emergency threshold %.1f MB",
		rssMB, g.cfg.Thresholds.EmergencyMB)
	g.logger.Warn("initiating restart", map[string]interface{}{"reason": reason})

	g.persistSession()
	g.stopChild()

	err := retry.Do(ctx, retry.Config{
		MaxRetries:     2,
		InitialBackoff: time.Second,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
	}, func() error {
		return g.child.Start(ctx)
	})

	success := err == nil
	if success {
		if restored := g.restoreSession(); restored != nil {
			g.handOff(restored)
		}
		g.logger.Info("process restarted", map[string]interface{}{"pid": g.child.Pid()})
	} else {
		g.logger.Error("process restart failed", map[string]interface{}{"error": err.Error()})
	}

	g.protection.RecordRestart(reason, rssMB, success)
}

// persistSession saves the opaque session state before a restart
func (g *Guardian) persistSession() {
	if g.store == nil || !g.cfg.PersistState {
		return
	}
	if err := g.store.Persist(g.SessionState()); err != nil {
		g.logger.Warn("failed to persist session state", map[string]interface{}{"error": err.Error()})
	}
}

// restoreSession loads the persisted session state after a restart.
// Missing or corrupt state degrades to empty; this never fails.
func (g *Guardian) restoreSession() map[string]json.RawMessage {
	if g.store == nil || !g.cfg.PersistState {
		return nil
	}
	restored := g.store.Restore()

	g.mu.Lock()
	g.sessionState = restored
	g.mu.Unlock()
	return restored
}

// handOff passes the restored state to the child's bootstrap hook
func (g *Guardian) handOff(restored map[string]json.RawMessage) {
	g.mu.Lock()
	bootstrap := g.bootstrap
	g.mu.Unlock()
	if bootstrap != nil {
		bootstrap(restored)
	}
}

// stopChild terminates the child: SIGTERM with a graceful wait, escalating
// to SIGKILL on timeout. Both waits are hard timeouts; expiry advances to
// the next recovery step rather than retrying.
func (g *Guardian) stopChild() {
	if g.child == nil || !g.child.Alive() {
		return
	}

	if err := g.child.Terminate(); err != nil {
		g.logger.Warn("graceful terminate failed", map[string]interface{}{"error": err.Error()})
	}
	if g.child.WaitExit(g.cfg.RestartPolicy.GracefulTimeout()) {
		return
	}

	g.logger.Warn("graceful timeout expired, force killing", map[string]interface{}{
		"timeout": g.cfg.RestartPolicy.GracefulTimeout().String(),
	})
	if err := g.child.Kill(); err != nil {
		g.logger.Warn("force kill failed", map[string]interface{}{"error": err.Error()})
	}
	if !g.child.WaitExit(g.cfg.RestartPolicy.ForceKillTimeout()) {
		g.logger.Error("process did not exit after force kill")
	}
}
