package guardian

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bobmatnyc/memguardian/pkg/config"
	"github.com/bobmatnyc/memguardian/pkg/degrade"
	"github.com/bobmatnyc/memguardian/pkg/health"
	"github.com/bobmatnyc/memguardian/pkg/logging"
	"github.com/bobmatnyc/memguardian/pkg/protection"
)

// MemoryState classifies the latest sample against configured thresholds
type MemoryState int

const (
	StateNormal MemoryState = iota
	StateWarning
	StateCritical
	StateEmergency
)

func (s MemoryState) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateWarning:
		return "warning"
	case StateCritical:
		return "critical"
	case StateEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// ClassifyMemory maps a sample to a memory state. Boundaries are half-open:
// a sample equal to a threshold belongs to the higher state.
func ClassifyMemory(rssMB float64, t config.MemoryThresholds) MemoryState {
	switch {
	case rssMB >= t.EmergencyMB:
		return StateEmergency
	case rssMB >= t.CriticalMB:
		return StateCritical
	case rssMB >= t.WarningMB:
		return StateWarning
	default:
		return StateNormal
	}
}

// Sampler provides memory samples for the supervised process.
// The production sampler reads the probe; tests inject synthetic series.
type Sampler interface {
	Sample() (rssMB float64, ok bool)
}

// ChildProcess is the supervised external process. The guardian only
// starts it, signals it and waits on it; it never interprets its work.
type ChildProcess interface {
	Start(ctx context.Context) error
	Pid() int32
	Alive() bool
	Terminate() error
	Kill() error
	WaitExit(timeout time.Duration) bool
	StartedAt() time.Time
}

// StateStore persists the opaque session state across restarts
type StateStore interface {
	Persist(state map[string]json.RawMessage) error
	Restore() map[string]json.RawMessage
}

// Features the guardian degrades under pressure
const (
	FeatureVerboseLogging   = "verbose_logging"
	FeatureLeakDetection    = "leak_detection"
	FeatureMetricsExport    = "metrics_export"
	FeatureStatePersistence = "state_persistence"
)

// MemoryStats is a point-in-time view of memory tracking for the dashboard
type MemoryStats struct {
	CurrentMB    float64
	PeakMB       float64
	AverageMB    float64
	State        MemoryState
	LastSampleAt time.Time
	ProbeHealthy bool
}

// ProcessInfo describes the supervised process for the dashboard
type ProcessInfo struct {
	State       string
	Pid         int32
	UptimeHours float64
}

// Guardian owns the monitoring loop and restart sequencing for exactly one
// supervised process. All mutation happens from the loop goroutine; the
// dashboard only reads through the mutex-guarded accessors.
type Guardian struct {
	cfg        *config.Config
	logger     *logging.Logger
	sampler    Sampler
	child      ChildProcess
	protection *protection.RestartProtection
	store      StateStore
	healthMon  *health.Monitor
	features   *degrade.Registry

	mu           sync.Mutex
	memState     MemoryState
	currentMB    float64
	peakMB       float64
	sampleSum    float64
	sampleCount  int64
	lastSampleAt time.Time
	probeHealthy bool
	lastTrend    protection.Trend
	sessionState map[string]json.RawMessage
	bootstrap    func(map[string]json.RawMessage)
	flush        func() error

	runMu     sync.Mutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time
	lastLogAt time.Time
}

// New wires a guardian from its collaborators. Pass a nil store to disable
// state persistence.
func New(cfg *config.Config, sampler Sampler, child ChildProcess,
	prot *protection.RestartProtection, store StateStore,
	healthMon *health.Monitor, features *degrade.Registry,
	logger *logging.Logger) *Guardian {

	g := &Guardian{
		cfg:          cfg,
		logger:       logger,
		sampler:      sampler,
		child:        child,
		protection:   prot,
		store:        store,
		healthMon:    healthMon,
		features:     features,
		probeHealthy: true,
		sessionState: make(map[string]json.RawMessage),
	}

	for _, name := range []string{
		FeatureVerboseLogging,
		FeatureLeakDetection,
		FeatureMetricsExport,
		FeatureStatePersistence,
	} {
		features.RegisterFeature(name)
	}

	g.registerHealthChecks()
	return g
}

func (g *Guardian) registerHealthChecks() {
	g.healthMon.RegisterCheck("memory_state", func() health.Status {
		switch g.MemoryState() {
		case StateWarning:
			return health.StatusDegraded
		case StateCritical:
			return health.StatusUnhealthy
		case StateEmergency:
			return health.StatusCritical
		default:
			return health.StatusHealthy
		}
	})
	g.healthMon.RegisterCheck("circuit_breaker", func() health.Status {
		if g.protection.State() == protection.CircuitOpen {
			return health.StatusUnhealthy
		}
		return health.StatusHealthy
	})
	g.healthMon.RegisterCheck("memory_probe", func() health.Status {
		g.mu.Lock()
		healthy := g.probeHealthy
		g.mu.Unlock()
		if !healthy {
			return health.StatusDegraded
		}
		return health.StatusHealthy
	})
	g.healthMon.RegisterCheck("process", func() health.Status {
		if g.child == nil {
			return health.StatusHealthy
		}
		if !g.child.Alive() {
			return health.StatusUnhealthy
		}
		return health.StatusHealthy
	})
}

// SetBootstrap registers the hook that hands restored session state back to
// a freshly started child
func (g *Guardian) SetBootstrap(fn func(map[string]json.RawMessage)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bootstrap = fn
}

// SetFlush registers the final-snapshot flush run during Shutdown
func (g *Guardian) SetFlush(fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.flush = fn
}

// SetSessionValue stores one opaque session entry, persisted on restart
func (g *Guardian) SetSessionValue(key string, value json.RawMessage) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessionState[key] = value
}

// SessionState returns a copy of the current opaque session state
func (g *Guardian) SessionState() map[string]json.RawMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]json.RawMessage, len(g.sessionState))
	for k, v := range g.sessionState {
		out[k] = v
	}
	return out
}

// MemoryState returns the current classified state
func (g *Guardian) MemoryState() MemoryState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.memState
}

// Stats returns a copy of the rolling memory statistics
func (g *Guardian) Stats() MemoryStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	avg := 0.0
	if g.sampleCount > 0 {
		avg = g.sampleSum / float64(g.sampleCount)
	}
	return MemoryStats{
		CurrentMB:    g.currentMB,
		PeakMB:       g.peakMB,
		AverageMB:    avg,
		State:        g.memState,
		LastSampleAt: g.lastSampleAt,
		ProbeHealthy: g.probeHealthy,
	}
}

// Trend returns the most recent leak-detection fit
func (g *Guardian) Trend() protection.Trend {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastTrend
}

// Process returns the supervised process state for the dashboard
func (g *Guardian) Process() ProcessInfo {
	if g.child == nil {
		return ProcessInfo{State: "none"}
	}
	info := ProcessInfo{State: "stopped", Pid: g.child.Pid()}
	if g.child.Alive() {
		info.State = "running"
		if started := g.child.StartedAt(); !started.IsZero() {
			info.UptimeHours = time.Since(started).Hours()
		}
	}
	return info
}

// Protection exposes the restart protection for dashboard reads
func (g *Guardian) Protection() *protection.RestartProtection {
	return g.protection
}

// Health exposes the health monitor
func (g *Guardian) Health() *health.Monitor {
	return g.healthMon
}

// Features exposes the degradation registry
func (g *Guardian) Features() *degrade.Registry {
	return g.features
}

// Thresholds returns the configured memory thresholds
func (g *Guardian) Thresholds() config.MemoryThresholds {
	return g.cfg.Thresholds
}

// Running reports whether the monitoring loop is active
func (g *Guardian) Running() bool {
	g.runMu.Lock()
	defer g.runMu.Unlock()
	return g.running
}

// StartedAt returns when monitoring began
func (g *Guardian) StartedAt() time.Time {
	g.runMu.Lock()
	defer g.runMu.Unlock()
	return g.startedAt
}

// checkInterval returns the sampling interval for a memory state.
// Pressure shortens the interval: responsiveness over overhead.
func (g *Guardian) checkInterval(state MemoryState) time.Duration {
	m := g.cfg.Monitoring
	switch state {
	case StateWarning:
		if m.CheckIntervalWarningSec > 0 {
			return m.CheckIntervalWarning()
		}
	case StateCritical, StateEmergency:
		if m.CheckIntervalCriticalSec > 0 {
			return m.CheckIntervalCritical()
		}
	}
	return m.CheckInterval()
}

var errAlreadyRunning = fmt.Errorf("guardian already running")
