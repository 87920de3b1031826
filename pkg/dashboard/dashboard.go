package dashboard

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bobmatnyc/memguardian/pkg/config"
	"github.com/bobmatnyc/memguardian/pkg/degrade"
	"github.com/bobmatnyc/memguardian/pkg/guardian"
	"github.com/bobmatnyc/memguardian/pkg/health"
	"github.com/bobmatnyc/memguardian/pkg/logging"
	"github.com/bobmatnyc/memguardian/pkg/protection"
)

// DefaultHistoryLimit bounds the in-memory metrics history:
// 24 hours at one-minute resolution
const DefaultHistoryLimit = 1440

// recentHistoryCount is how many restart records DashboardData includes
const recentHistoryCount = 10

// MemoryMetrics flattens guardian memory tracking for export
type MemoryMetrics struct {
	CurrentMB float64 `json:"current_mb"`
	PeakMB    float64 `json:"peak_mb"`
	AverageMB float64 `json:"average_mb"`
	State     string  `json:"state"`

	StateOrdinal int `json:"-"`
}

// ProcessMetrics flattens supervised process state for export
type ProcessMetrics struct {
	State       string  `json:"state"`
	UptimeHours float64 `json:"uptime_hours"`
}

// RestartMetrics summarizes restart protection counters
type RestartMetrics struct {
	Total  int `json:"total"`
	Recent int `json:"recent"`
}

// HealthMetrics summarizes health and degradation
type HealthMetrics struct {
	Status           string `json:"status"`
	DegradationLevel string `json:"degradation_level"`
	ActiveFeatures   int    `json:"active_features"`
	DegradedFeatures int    `json:"degraded_features"`

	StatusOrdinal int `json:"-"`
}

// Metrics is an immutable point-in-time snapshot of everything the
// guardian and its companions expose. It is never mutated after creation.
type Metrics struct {
	Timestamp    int64          `json:"timestamp"`
	TimestampISO string         `json:"timestamp_iso"`
	Memory       MemoryMetrics  `json:"memory"`
	Process      ProcessMetrics `json:"process"`
	Restarts     RestartMetrics `json:"restarts"`
	Health       HealthMetrics  `json:"health"`
}

// Data composes a snapshot with trimmed history and component detail
type Data struct {
	Metrics        Metrics                    `json:"metrics"`
	RestartHistory []protection.RestartRecord `json:"restart_history"`
	HealthChecks   []health.CheckResult       `json:"health_checks"`
	Features       []degrade.Feature          `json:"features"`
	Thresholds     config.MemoryThresholds    `json:"thresholds"`
	History        []Metrics                  `json:"history"`
}

// Dashboard is the pure read side: it builds snapshots from live component
// state and renders them, never mutating the guardian or its companions.
type Dashboard struct {
	guardian     *guardian.Guardian
	logger       *logging.Logger
	historyLimit int

	mu      sync.Mutex
	history []Metrics

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a dashboard over a guardian
func New(g *guardian.Guardian, logger *logging.Logger, historyLimit int) *Dashboard {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Dashboard{
		guardian:     g,
		logger:       logger,
		historyLimit: historyLimit,
	}
}

// CurrentMetrics builds a fresh immutable snapshot
func (d *Dashboard) CurrentMetrics() Metrics {
	now := time.Now()
	stats := d.guardian.Stats()
	proc := d.guardian.Process()
	prot := d.guardian.Protection()
	report := d.guardian.Health().RunChecks()
	degradation := d.guardian.Features().Status()

	return Metrics{
		Timestamp:    now.Unix(),
		TimestampISO: now.UTC().Format(time.RFC3339),
		Memory: MemoryMetrics{
			CurrentMB:    stats.CurrentMB,
			PeakMB:       stats.PeakMB,
			AverageMB:    stats.AverageMB,
			State:        stats.State.String(),
			StateOrdinal: int(stats.State),
		},
		Process: ProcessMetrics{
			State:       proc.State,
			UptimeHours: proc.UptimeHours,
		},
		Restarts: RestartMetrics{
			Total:  prot.TotalRestarts(),
			Recent: prot.RestartsInWindow(),
		},
		Health: HealthMetrics{
			Status:           report.Status.String(),
			StatusOrdinal:    int(report.Status),
			DegradationLevel: string(degradation.Level),
			ActiveFeatures:   degradation.AvailableCount,
			DegradedFeatures: degradation.DegradedCount + degradation.UnavailableCount,
		},
	}
}

// DashboardData composes the current snapshot with recent restart history,
// health checks, feature states, thresholds and the bounded history
func (d *Dashboard) DashboardData() Data {
	metrics := d.CurrentMetrics()
	report := d.guardian.Health().RunChecks()

	d.mu.Lock()
	history := make([]Metrics, len(d.history))
	copy(history, d.history)
	d.mu.Unlock()

	return Data{
		Metrics:        metrics,
		RestartHistory: d.guardian.Protection().RecentRestarts(recentHistoryCount),
		HealthChecks:   report.Checks,
		Features:       d.guardian.Features().Features(),
		Thresholds:     d.guardian.Thresholds(),
		History:        history,
	}
}

// ExportJSON renders the current snapshot as indented JSON
func (d *Dashboard) ExportJSON() ([]byte, error) {
	data, err := json.MarshalIndent(d.CurrentMetrics(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metrics: %w", err)
	}
	return data, nil
}

// ExportPrometheus renders the current snapshot in Prometheus text format
func (d *Dashboard) ExportPrometheus() string {
	m := d.CurrentMetrics()
	ts := m.Timestamp * 1000 // Prometheus timestamps are milliseconds

	var b strings.Builder

	writeMetric := func(name, kind, help string, value float64) {
		fmt.Fprintf(&b, "# HELP %s %s\n", name, help)
		fmt.Fprintf(&b, "# TYPE %s %s\n", name, kind)
		fmt.Fprintf(&b, "%s %g %d\n", name, value, ts)
	}

	writeMetric("memory_current_mb", "gauge", "Current supervised process RSS in MB", m.Memory.CurrentMB)
	writeMetric("memory_peak_mb", "gauge", "Peak supervised process RSS in MB", m.Memory.PeakMB)
	writeMetric("memory_average_mb", "gauge", "Average supervised process RSS in MB", m.Memory.AverageMB)
	writeMetric("process_uptime_hours", "counter", "Supervised process uptime in hours", m.Process.UptimeHours)
	writeMetric("total_restarts", "counter", "Total restarts since guardian start", float64(m.Restarts.Total))
	writeMetric("recent_restarts", "gauge", "Restarts inside the trailing attempt window", float64(m.Restarts.Recent))
	writeMetric("degraded_features", "gauge", "Features currently degraded or unavailable", float64(m.Health.DegradedFeatures))
	writeMetric("memory_state", "gauge", "Memory state ordinal (0=normal 1=warning 2=critical 3=emergency)", float64(m.Memory.StateOrdinal))
	writeMetric("health_status", "gauge", "Health status ordinal (0=healthy 1=degraded 2=unhealthy 3=critical)", float64(m.Health.StatusOrdinal))

	return b.String()
}

// Summary renders a short human-readable text overview
func (d *Dashboard) Summary() string {
	m := d.CurrentMetrics()
	var b strings.Builder
	fmt.Fprintf(&b, "Memory Guardian @ %s\n", m.TimestampISO)
	fmt.Fprintf(&b, "  memory:  %.1f MB current, %.1f MB peak, %.1f MB avg (%s)\n",
		m.Memory.CurrentMB, m.Memory.PeakMB, m.Memory.AverageMB, m.Memory.State)
	fmt.Fprintf(&b, "  process: %s, up %.2f h\n", m.Process.State, m.Process.UptimeHours)
	fmt.Fprintf(&b, "  restarts: %d total, %d recent\n", m.Restarts.Total, m.Restarts.Recent)
	fmt.Fprintf(&b, "  health:  %s, degradation %s (%d active / %d degraded)\n",
		m.Health.Status, m.Health.DegradationLevel, m.Health.ActiveFeatures, m.Health.DegradedFeatures)
	return b.String()
}

// WriteSnapshot writes the current snapshot to path, choosing the format
// by extension: .prom gets Prometheus text, everything else JSON
func (d *Dashboard) WriteSnapshot(path string) error {
	var data []byte
	switch strings.ToLower(filepath.Ext(path)) {
	case ".prom":
		data = []byte(d.ExportPrometheus())
	default:
		jsonData, err := d.ExportJSON()
		if err != nil {
			return err
		}
		data = jsonData
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create export directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// RecordSnapshot appends the current snapshot to the bounded history,
// dropping the oldest point on overflow
func (d *Dashboard) RecordSnapshot() Metrics {
	m := d.CurrentMetrics()

	d.mu.Lock()
	d.history = append(d.history, m)
	if len(d.history) > d.historyLimit {
		d.history = d.history[len(d.history)-d.historyLimit:]
	}
	d.mu.Unlock()

	return m
}

// HistoryLen returns the number of points in the bounded history
func (d *Dashboard) HistoryLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.history)
}

// StartExportLoop launches the background export task: every interval it
// appends a snapshot to history and, when path is set, writes it to disk
func (d *Dashboard) StartExportLoop(interval time.Duration, path string) error {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	if d.running {
		return fmt.Errorf("export loop already running")
	}
	if interval <= 0 {
		interval = time.Minute
	}

	d.running = true
	d.stopCh = make(chan struct{})
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-d.stopCh:
				return
			case <-ticker.C:
				d.RecordSnapshot()
				if path != "" {
					if err := d.WriteSnapshot(path); err != nil && d.logger != nil {
						d.logger.Warn("snapshot export failed", map[string]interface{}{
							"path":  path,
							"error": err.Error(),
						})
					}
				}
			}
		}
	}()

	if d.logger != nil {
		d.logger.Info("export loop started", map[string]interface{}{
			"interval": interval.String(),
			"path":     path,
		})
	}
	return nil
}

// Stop cancels the export loop and blocks until it has exited
func (d *Dashboard) Stop() {
	d.runMu.Lock()
	if !d.running {
		d.runMu.Unlock()
		return
	}
	close(d.stopCh)
	d.running = false
	d.runMu.Unlock()

	d.wg.Wait()
}
