package guardian

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/bobmatnyc/memguardian/pkg/config"
	"github.com/bobmatnyc/memguardian/pkg/degrade"
	"github.com/bobmatnyc/memguardian/pkg/health"
	"github.com/bobmatnyc/memguardian/pkg/logging"
	"github.com/bobmatnyc/memguardian/pkg/protection"
)

// fakeSampler returns scripted values; the last value repeats
type fakeSampler struct {
	mu     sync.Mutex
	values []float64
	oks    []bool
	idx    int
	calls  int
}

func (s *fakeSampler) Sample() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	i := s.idx
	if i >= len(s.values) {
		i = len(s.values) - 1
	} else {
		s.idx++
	}
	ok := true
	if i < len(s.oks) {
		ok = s.oks[i]
	}
	return s.values[i], ok
}

func (s *fakeSampler) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// fakeChild simulates the supervised process without spawning anything
type fakeChild struct {
	mu         sync.Mutex
	alive      bool
	ignoreTerm bool
	startErr   error
	starts     int
	terminates int
	kills      int
	startedAt  time.Time
}

func (c *fakeChild) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	c.starts++
	c.alive = true
	c.startedAt = time.Now()
	return nil
}

func (c *fakeChild) Pid() int32 { return 4242 }

func (c *fakeChild) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func (c *fakeChild) Terminate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminates++
	if !c.ignoreTerm {
		c.alive = false
	}
	return nil
}

func (c *fakeChild) Kill() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kills++
	c.alive = false
	return nil
}

func (c *fakeChild) WaitExit(timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.alive
}

func (c *fakeChild) StartedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startedAt
}

// fakeStore captures persisted state and serves a canned restore
type fakeStore struct {
	mu          sync.Mutex
	persisted   []map[string]json.RawMessage
	restoreData map[string]json.RawMessage
}

func (s *fakeStore) Persist(state map[string]json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persisted = append(s.persisted, state)
	return nil
}

func (s *fakeStore) Restore() map[string]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.restoreData == nil {
		return map[string]json.RawMessage{}
	}
	return s.restoreData
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Thresholds = config.MemoryThresholds{WarningMB: 100, CriticalMB: 200, EmergencyMB: 300}
	cfg.RestartPolicy.GracefulTimeoutSec = 0
	cfg.RestartPolicy.ForceKillTimeoutSec = 0
	cfg.Monitoring.CheckIntervalSec = 1
	cfg.Monitoring.LogMemoryStats = false
	cfg.ProcessCommand = []string{"sleep", "3600"}
	cfg.AutoStart = false
	cfg.PersistState = true
	return cfg
}

func newTestGuardian(cfg *config.Config, sampler Sampler, child ChildProcess, store StateStore) *Guardian {
	logger := logging.NewLogger(logging.FATAL, false)
	prot := protection.New(protection.Options{
		MaxAttempts:       cfg.RestartPolicy.MaxAttempts,
		AttemptWindow:     cfg.RestartPolicy.AttemptWindow(),
		Cooldown:          cfg.RestartPolicy.Cooldown(),
		FailureThreshold:  3,
		SampleWindow:      60,
		LeakSlopeMBPerMin: 10,
		LeakMinRSquared:   0.8,
	}, logger)
	return New(cfg, sampler, child, prot, store, health.NewMonitor(), degrade.NewRegistry(logger), logger)
}

func TestClassifyMemory(t *testing.T) {
	thresholds := config.MemoryThresholds{WarningMB: 100, CriticalMB: 200, EmergencyMB: 300}

	cases := []struct {
		sample float64
		want   MemoryState
	}{
		{0, StateNormal},
		{99.9, StateNormal},
		{100, StateWarning},
		{150, StateWarning},
		{199.9, StateWarning},
		{200, StateCritical},
		{250, StateCritical},
		{299.9, StateCritical},
		{300, StateEmergency},
		{350, StateEmergency},
		{10000, StateEmergency},
	}
	for _, c := range cases {
		if got := ClassifyMemory(c.sample, thresholds); got != c.want {
			t.Errorf("ClassifyMemory(%.1f) = %s, want %s", c.sample, got, c.want)
		}
	}
}

func TestCriticalDegradesWithoutRestart(t *testing.T) {
	cfg := testConfig()
	child := &fakeChild{alive: true}
	store := &fakeStore{}
	g := newTestGuardian(cfg, &fakeSampler{values: []float64{250}}, child, store)

	g.tick(context.Background())

	if g.MemoryState() != StateCritical {
		t.Fatalf("Expected critical state at 250 MB, got %s", g.MemoryState())
	}
	if g.Protection().TotalRestarts() != 0 {
		t.Error("Expected no restart at critical pressure")
	}
	if child.terminates != 0 || child.starts != 0 {
		t.Error("Expected child untouched at critical pressure")
	}

	degraded := 0
	for _, f := range g.Features().Features() {
		if f.State == degrade.FeatureDegraded {
			degraded++
		}
	}
	if degraded == 0 {
		t.Error("Expected features degraded at critical pressure")
	}
}

func TestEmergencyRestartSequence(t *testing.T) {
	cfg := testConfig()
	child := &fakeChild{alive: true}
	store := &fakeStore{
		restoreData: map[string]json.RawMessage{"session": json.RawMessage(`"restored"`)},
	}
	g := newTestGuardian(cfg, &fakeSampler{values: []float64{350}}, child, store)
	g.SetSessionValue("session", json.RawMessage(`"live"`))

	var handedOff map[string]json.RawMessage
	g.SetBootstrap(func(m map[string]json.RawMessage) { handedOff = m })

	g.tick(context.Background())

	if g.MemoryState() != StateEmergency {
		t.Fatalf("Expected emergency state at 350 MB, got %s", g.MemoryState())
	}

	// Persist happened before the child was stopped
	if len(store.persisted) != 1 {
		t.Fatalf("Expected one persisted state, got %d", len(store.persisted))
	}
	if string(store.persisted[0]["session"]) != `"live"` {
		t.Errorf("Expected live session persisted, got %s", store.persisted[0]["session"])
	}

	if child.terminates != 1 {
		t.Errorf("Expected one graceful terminate, got %d", child.terminates)
	}
	if child.kills != 0 {
		t.Errorf("Expected no force kill when terminate succeeds, got %d", child.kills)
	}
	if child.starts != 1 {
		t.Errorf("Expected one restart, got %d", child.starts)
	}

	// Restored state handed back to the child bootstrap
	if handedOff == nil || string(handedOff["session"]) != `"restored"` {
		t.Errorf("Expected restored state handed to bootstrap, got %v", handedOff)
	}

	records := g.Protection().RecentRestarts(1)
	if len(records) != 1 {
		t.Fatalf("Expected one restart record, got %d", len(records))
	}
	if !records[0].Success {
		t.Error("Expected restart recorded as success")
	}
	if records[0].MemoryMB != 350 {
		t.Errorf("Expected record to carry the triggering sample, got %.1f", records[0].MemoryMB)
	}
}

func TestGracefulTimeoutEscalatesToKill(t *testing.T) {
	cfg := testConfig()
	child := &fakeChild{alive: true, ignoreTerm: true}
	g := newTestGuardian(cfg, &fakeSampler{values: []float64{350}}, child, &fakeStore{})

	g.tick(context.Background())

	if child.terminates != 1 {
		t.Errorf("Expected terminate attempted first, got %d", child.terminates)
	}
	if child.kills != 1 {
		t.Errorf("Expected escalation to force kill, got %d", child.kills)
	}
	if child.starts != 1 {
		t.Errorf("Expected restart after force kill, got %d", child.starts)
	}
}

func TestRestartDeniedByRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RestartPolicy.MaxAttempts = 3
	cfg.RestartPolicy.AttemptWindowSec = 300
	child := &fakeChild{alive: true}
	g := newTestGuardian(cfg, &fakeSampler{values: []float64{350}}, child, &fakeStore{})

	for i := 0; i < 3; i++ {
		g.Protection().RecordRestart("memory emergency", 350, true)
	}

	g.tick(context.Background())

	if g.Protection().TotalRestarts() != 3 {
		t.Errorf("Expected denied restart to record nothing, got %d records", g.Protection().TotalRestarts())
	}
	if child.starts != 0 {
		t.Error("Expected child untouched while rate limited")
	}
	if g.MemoryState() != StateEmergency {
		t.Errorf("Expected guardian to remain in emergency, got %s", g.MemoryState())
	}
}

func TestStartFailureRecordsFailedRestart(t *testing.T) {
	cfg := testConfig()
	child := &fakeChild{alive: true, startErr: context.DeadlineExceeded}
	g := newTestGuardian(cfg, &fakeSampler{values: []float64{350}}, child, &fakeStore{})

	g.tick(context.Background())

	records := g.Protection().RecentRestarts(1)
	if len(records) != 1 {
		t.Fatalf("Expected one restart record, got %d", len(records))
	}
	if records[0].Success {
		t.Error("Expected failed start recorded as failure")
	}
}

func TestWarningDegradesAndNormalRecovers(t *testing.T) {
	cfg := testConfig()
	g := newTestGuardian(cfg, &fakeSampler{values: []float64{150, 50}}, &fakeChild{alive: true}, &fakeStore{})

	g.tick(context.Background())
	if g.MemoryState() != StateWarning {
		t.Fatalf("Expected warning at 150 MB, got %s", g.MemoryState())
	}
	found := false
	for _, f := range g.Features().Features() {
		if f.Name == FeatureVerboseLogging && f.State == degrade.FeatureDegraded {
			found = true
		}
	}
	if !found {
		t.Error("Expected verbose logging degraded at warning")
	}

	g.tick(context.Background())
	if g.MemoryState() != StateNormal {
		t.Fatalf("Expected normal at 50 MB, got %s", g.MemoryState())
	}
	for _, f := range g.Features().Features() {
		if f.State != degrade.FeatureAvailable {
			t.Errorf("Expected %s recovered at normal, got %s", f.Name, f.State)
		}
	}
}

func TestLeakSuspicionDegradesVerboseLogging(t *testing.T) {
	cfg := testConfig()
	// Steady climb well below the warning threshold: the state machine sees
	// nothing, the trend analyzer should
	sampler := &fakeSampler{values: []float64{10, 25, 40, 55, 70, 85}}
	g := newTestGuardian(cfg, sampler, &fakeChild{alive: true}, &fakeStore{})

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		g.tick(ctx)
	}

	if g.MemoryState() != StateNormal {
		t.Fatalf("Expected normal state below warning threshold, got %s", g.MemoryState())
	}
	if !g.Trend().LeakSuspected {
		t.Fatalf("Expected leak suspected for a steady climb, got slope=%.2f r2=%.3f",
			g.Trend().SlopeMBPerMin, g.Trend().RSquared)
	}

	for _, f := range g.Features().Features() {
		switch f.Name {
		case FeatureVerboseLogging:
			if f.State != degrade.FeatureDegraded {
				t.Errorf("Expected verbose logging degraded on leak suspicion, got %s", f.State)
			}
		default:
			if f.State != degrade.FeatureAvailable {
				t.Errorf("Expected %s untouched at normal state, got %s", f.Name, f.State)
			}
		}
	}
}

func TestProbeUnavailableUsesLastKnownValue(t *testing.T) {
	cfg := testConfig()
	sampler := &fakeSampler{values: []float64{220, 0}, oks: []bool{true, false}}
	g := newTestGuardian(cfg, sampler, &fakeChild{alive: true}, &fakeStore{})

	g.tick(context.Background())
	g.tick(context.Background())

	stats := g.Stats()
	if stats.CurrentMB != 220 {
		t.Errorf("Expected last known value carried forward, got %.1f", stats.CurrentMB)
	}
	if stats.ProbeHealthy {
		t.Error("Expected probe marked unhealthy")
	}
	if g.MemoryState() != StateCritical {
		t.Errorf("Expected state held at critical, got %s", g.MemoryState())
	}
}

func TestPanicInTickDoesNotEscape(t *testing.T) {
	cfg := testConfig()
	g := newTestGuardian(cfg, panickingSampler{}, &fakeChild{alive: true}, &fakeStore{})

	// Must not propagate
	g.safeTick(context.Background())
}

type panickingSampler struct{}

func (panickingSampler) Sample() (float64, bool) { panic("probe exploded") }

func TestRollingPeakAndAverage(t *testing.T) {
	cfg := testConfig()
	g := newTestGuardian(cfg, &fakeSampler{values: []float64{100, 300, 200}}, &fakeChild{alive: true}, &fakeStore{})
	// 300 triggers a restart; that's fine, stats still accumulate
	ctx := context.Background()
	g.tick(ctx)
	g.tick(ctx)
	g.tick(ctx)

	stats := g.Stats()
	if stats.PeakMB != 300 {
		t.Errorf("Expected peak 300, got %.1f", stats.PeakMB)
	}
	if stats.AverageMB != 200 {
		t.Errorf("Expected average 200, got %.1f", stats.AverageMB)
	}
	if stats.CurrentMB != 200 {
		t.Errorf("Expected current 200, got %.1f", stats.CurrentMB)
	}
}

func TestStopBlocksUntilNoFurtherWrites(t *testing.T) {
	cfg := testConfig()
	sampler := &fakeSampler{values: []float64{50}}
	g := newTestGuardian(cfg, sampler, &fakeChild{alive: true}, &fakeStore{})

	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !g.Running() {
		t.Fatal("Expected guardian running after Start")
	}

	g.Stop()
	if g.Running() {
		t.Fatal("Expected guardian stopped after Stop")
	}

	calls := sampler.callCount()
	before := g.Stats()
	time.Sleep(1500 * time.Millisecond)

	if sampler.callCount() != calls {
		t.Error("Expected no sampling after Stop returned")
	}
	after := g.Stats()
	if after.LastSampleAt != before.LastSampleAt {
		t.Error("Expected no stat writes after Stop returned")
	}
}

func TestShutdownTerminatesChildGracefully(t *testing.T) {
	cfg := testConfig()
	child := &fakeChild{alive: true}
	store := &fakeStore{}
	g := newTestGuardian(cfg, &fakeSampler{values: []float64{50}}, child, store)
	g.SetSessionValue("cursor", json.RawMessage(`42`))

	flushed := false
	g.SetFlush(func() error { flushed = true; return nil })

	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	g.Shutdown()

	if !flushed {
		t.Error("Expected final flush during shutdown")
	}
	if len(store.persisted) == 0 {
		t.Fatal("Expected session state persisted during shutdown")
	}
	last := store.persisted[len(store.persisted)-1]
	if string(last["cursor"]) != `42` {
		t.Errorf("Expected session state in final persist, got %s", last["cursor"])
	}

	// Cancellation stops only the loop; the child goes through SIGTERM
	if child.terminates != 1 {
		t.Errorf("Expected one graceful terminate, got %d", child.terminates)
	}
	if child.kills != 0 {
		t.Errorf("Expected no force kill on a cooperative child, got %d", child.kills)
	}
	if child.Alive() {
		t.Error("Expected child stopped after shutdown")
	}
}

func TestStartTwiceFails(t *testing.T) {
	cfg := testConfig()
	g := newTestGuardian(cfg, &fakeSampler{values: []float64{50}}, &fakeChild{alive: true}, &fakeStore{})

	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer g.Stop()

	if err := g.Start(context.Background()); err == nil {
		t.Error("Expected second Start to fail")
	}
}

func TestAutoStartLaunchesChild(t *testing.T) {
	cfg := testConfig()
	cfg.AutoStart = true
	child := &fakeChild{}
	g := newTestGuardian(cfg, &fakeSampler{values: []float64{50}}, child, &fakeStore{})

	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer g.Stop()

	if child.starts != 1 {
		t.Errorf("Expected auto-started child, got %d starts", child.starts)
	}
}

func TestHealthChecksReflectState(t *testing.T) {
	cfg := testConfig()
	g := newTestGuardian(cfg, &fakeSampler{values: []float64{250}}, &fakeChild{alive: true}, &fakeStore{})

	g.tick(context.Background())

	report := g.Health().RunChecks()
	if report.Status != health.StatusUnhealthy {
		t.Errorf("Expected unhealthy aggregate at critical memory, got %s", report.Status)
	}

	var memCheck string
	for _, c := range report.Checks {
		if c.Name == "memory_state" {
			memCheck = c.Status
		}
	}
	if memCheck != "unhealthy" {
		t.Errorf("Expected memory_state check unhealthy, got %s", memCheck)
	}
}
