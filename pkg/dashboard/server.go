package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bobmatnyc/memguardian/pkg/logging"
)

// Server exposes the dashboard over HTTP: JSON endpoints for the data and
// a Prometheus registry for scraping. Strictly read-only.
type Server struct {
	dashboard *Dashboard
	logger    *logging.Logger
	srv       *http.Server
	registry  *prometheus.Registry
}

// NewServer creates the dashboard HTTP server on addr
func NewServer(d *Dashboard, addr string, logger *logging.Logger) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(&snapshotCollector{dashboard: d})

	s := &Server{
		dashboard: d,
		logger:    logger,
		registry:  registry,
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/dashboard", s.handleDashboard).Methods("GET")
	r.HandleFunc("/api/metrics", s.handleMetrics).Methods("GET")
	r.HandleFunc("/api/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving in the background
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("dashboard server failed", map[string]interface{}{"error": err.Error()})
		}
	}()
	s.logger.Info("dashboard server listening", map[string]interface{}{"addr": s.srv.Addr})
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.dashboard.DashboardData())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.dashboard.CurrentMetrics())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.dashboard.guardian.Health().RunChecks()

	status := http.StatusOK
	if report.StatusStr == "unhealthy" || report.StatusStr == "critical" {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(report)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, fmt.Sprintf("encode error: %v", err), http.StatusInternalServerError)
	}
}

// snapshotCollector adapts a dashboard snapshot to the Prometheus client.
// One snapshot per scrape keeps the exported family values consistent.
type snapshotCollector struct {
	dashboard *Dashboard
}

var (
	descMemoryCurrent = prometheus.NewDesc("memguardian_memory_current_mb",
		"Current supervised process RSS in MB", nil, nil)
	descMemoryPeak = prometheus.NewDesc("memguardian_memory_peak_mb",
		"Peak supervised process RSS in MB", nil, nil)
	descMemoryAverage = prometheus.NewDesc("memguardian_memory_average_mb",
		"Average supervised process RSS in MB", nil, nil)
	descUptimeHours = prometheus.NewDesc("memguardian_process_uptime_hours",
		"Supervised process uptime in hours", nil, nil)
	descTotalRestarts = prometheus.NewDesc("memguardian_total_restarts",
		"Total restarts since guardian start", nil, nil)
	descRecentRestarts = prometheus.NewDesc("memguardian_recent_restarts",
		"Restarts inside the trailing attempt window", nil, nil)
	descDegradedFeatures = prometheus.NewDesc("memguardian_degraded_features",
		"Features currently degraded or unavailable", nil, nil)
	descMemoryState = prometheus.NewDesc("memguardian_memory_state",
		"Memory state ordinal (0=normal 1=warning 2=critical 3=emergency)", nil, nil)
	descHealthStatus = prometheus.NewDesc("memguardian_health_status",
		"Health status ordinal (0=healthy 1=degraded 2=unhealthy 3=critical)", nil, nil)
)

func (c *snapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descMemoryCurrent
	ch <- descMemoryPeak
	ch <- descMemoryAverage
	ch <- descUptimeHours
	ch <- descTotalRestarts
	ch <- descRecentRestarts
	ch <- descDegradedFeatures
	ch <- descMemoryState
	ch <- descHealthStatus
}

func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	m := c.dashboard.CurrentMetrics()

	ch <- prometheus.MustNewConstMetric(descMemoryCurrent, prometheus.GaugeValue, m.Memory.CurrentMB)
	ch <- prometheus.MustNewConstMetric(descMemoryPeak, prometheus.GaugeValue, m.Memory.PeakMB)
	ch <- prometheus.MustNewConstMetric(descMemoryAverage, prometheus.GaugeValue, m.Memory.AverageMB)
	ch <- prometheus.MustNewConstMetric(descUptimeHours, prometheus.CounterValue, m.Process.UptimeHours)
	ch <- prometheus.MustNewConstMetric(descTotalRestarts, prometheus.CounterValue, float64(m.Restarts.Total))
	ch <- prometheus.MustNewConstMetric(descRecentRestarts, prometheus.GaugeValue, float64(m.Restarts.Recent))
	ch <- prometheus.MustNewConstMetric(descDegradedFeatures, prometheus.GaugeValue, float64(m.Health.DegradedFeatures))
	ch <- prometheus.MustNewConstMetric(descMemoryState, prometheus.GaugeValue, float64(m.Memory.StateOrdinal))
	ch <- prometheus.MustNewConstMetric(descHealthStatus, prometheus.GaugeValue, float64(m.Health.StatusOrdinal))
}
