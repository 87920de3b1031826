package health

import (
	"sort"
	"sync"
	"time"
)

// Status is an ordinal health status; higher is worse
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnhealthy
	StatusCritical
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	case StatusCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// CheckFunc evaluates one aspect of system health
type CheckFunc func() Status

// CheckResult is the outcome of a single named check
type CheckResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Report aggregates all checks; the overall status is the worst of them
type Report struct {
	Status    Status        `json:"-"`
	StatusStr string        `json:"status"`
	Checks    []CheckResult `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Monitor runs a set of named health checks
type Monitor struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewMonitor creates an empty health monitor
func NewMonitor() *Monitor {
	return &Monitor{checks: make(map[string]CheckFunc)}
}

// RegisterCheck adds or replaces a named check
func (m *Monitor) RegisterCheck(name string, fn CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = fn
}

// UnregisterCheck removes a named check
func (m *Monitor) UnregisterCheck(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checks, name)
}

// RunChecks evaluates every check and aggregates to the worst status
func (m *Monitor) RunChecks() Report {
	m.mu.RLock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	fns := make([]CheckFunc, len(names))
	for i, name := range names {
		fns[i] = m.checks[name]
	}
	m.mu.RUnlock()

	report := Report{
		Status:    StatusHealthy,
		Checks:    make([]CheckResult, 0, len(names)),
		CheckedAt: time.Now(),
	}
	for i, name := range names {
		status := fns[i]()
		if status > report.Status {
			report.Status = status
		}
		report.Checks = append(report.Checks, CheckResult{Name: name, Status: status.String()})
	}
	report.StatusStr = report.Status.String()
	return report
}
