package protection

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bobmatnyc/memguardian/pkg/logging"
)

// CircuitState represents the restart circuit breaker state
type CircuitState string

const (
	CircuitClosed CircuitState = "closed"
	CircuitOpen   CircuitState = "open"
)

// RestartRecord is one restart attempt, successful or not
type RestartRecord struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
	MemoryMB  float64   `json:"memory_mb"`
	Success   bool      `json:"success"`
}

// MemorySample is one point of the leak-detection history
type MemorySample struct {
	Timestamp time.Time `json:"timestamp"`
	RSSMB     float64   `json:"rss_mb"`
}

// Options configures restart protection
type Options struct {
	MaxAttempts        int           // Restarts allowed inside AttemptWindow
	AttemptWindow      time.Duration // Trailing window for rate limiting
	Cooldown           time.Duration // Base circuit-open duration
	ExponentialBackoff bool          // Scale cooldown with consecutive failures
	FailureThreshold   int           // Consecutive failures that open the circuit
	SampleWindow       int           // Bounded memory sample history size
	LeakSlopeMBPerMin  float64       // Growth rate that flags a leak
	LeakMinRSquared    float64       // Fit quality required to trust the slope
}

// DefaultOptions returns production defaults
func DefaultOptions() Options {
	return Options{
		MaxAttempts:        3,
		AttemptWindow:      300 * time.Second,
		Cooldown:           60 * time.Second,
		ExponentialBackoff: true,
		FailureThreshold:   3,
		SampleWindow:       60,
		LeakSlopeMBPerMin:  10.0,
		LeakMinRSquared:    0.8,
	}
}

// RestartProtection is the sole authority on whether a restart is allowed.
// It rate-limits restarts inside a trailing window, opens a circuit breaker
// after consecutive failures, and watches the memory sample history for
// slow leaks. All methods are safe for concurrent use; the dashboard reads
// while the guardian's monitor loop writes.
type RestartProtection struct {
	mu   sync.Mutex
	opts Options

	records             []RestartRecord
	consecutiveFailures int
	circuit             CircuitState
	openedAt            time.Time

	samples []MemorySample

	logger *logging.Logger
	now    func() time.Time
}

// New creates restart protection with the given options
func New(opts Options, logger *logging.Logger) *RestartProtection {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.SampleWindow <= 0 {
		opts.SampleWindow = 60
	}
	return &RestartProtection{
		opts:    opts,
		circuit: CircuitClosed,
		logger:  logger,
		now:     time.Now,
	}
}

// ShouldAllowRestart reports whether a restart may proceed right now,
// with a human-readable denial reason when it may not
func (p *RestartProtection) ShouldAllowRestart() (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()

	if p.circuit == CircuitOpen {
		cooldown := p.effectiveCooldown()
		remaining := p.openedAt.Add(cooldown).Sub(now)
		if remaining > 0 {
			return false, fmt.Sprintf("circuit breaker open after %d consecutive failures, retry in %s",
				p.consecutiveFailures, remaining.Round(time.Second))
		}
		// Cooldown expired, but the attempt-window limit still binds
		if limited, reason := p.rateLimited(now); limited {
			return false, reason
		}
		// Half-open: one attempt may probe recovery
		return true, "circuit breaker half-open, probing recovery"
	}

	if limited, reason := p.rateLimited(now); limited {
		return false, reason
	}

	return true, ""
}

// rateLimited applies the trailing attempt-window limit. Caller holds the
// mutex.
func (p *RestartProtection) rateLimited(now time.Time) (bool, string) {
	if recent := p.restartsInWindow(now); recent >= p.opts.MaxAttempts {
		return true, fmt.Sprintf("restart rate limit reached: %d restarts in the last %s (max %d)",
			recent, p.opts.AttemptWindow, p.opts.MaxAttempts)
	}
	return false, ""
}

// effectiveCooldown scales the base cooldown with consecutive failures.
// Caller holds the mutex.
func (p *RestartProtection) effectiveCooldown() time.Duration {
	cooldown := p.opts.Cooldown
	if !p.opts.ExponentialBackoff {
		return cooldown
	}
	for i := p.opts.FailureThreshold; i < p.consecutiveFailures; i++ {
		cooldown *= 2
		if cooldown >= 30*time.Minute {
			return 30 * time.Minute
		}
	}
	return cooldown
}

// restartsInWindow counts restarts inside the trailing attempt window.
// Caller holds the mutex.
func (p *RestartProtection) restartsInWindow(now time.Time) int {
	cutoff := now.Add(-p.opts.AttemptWindow)
	count := 0
	for _, r := range p.records {
		if r.Timestamp.After(cutoff) {
			count++
		}
	}
	return count
}

// RecordRestart appends a restart record and updates the circuit breaker
func (p *RestartProtection) RecordRestart(reason string, memoryMB float64, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	record := RestartRecord{
		ID:        uuid.New().String(),
		Timestamp: p.now(),
		Reason:    reason,
		MemoryMB:  memoryMB,
		Success:   success,
	}
	p.records = append(p.records, record)

	if success {
		p.consecutiveFailures = 0
		if p.circuit == CircuitOpen {
			p.circuit = CircuitClosed
			if p.logger != nil {
				p.logger.Info("circuit breaker closed after successful restart")
			}
		}
		return
	}

	p.consecutiveFailures++
	if p.consecutiveFailures >= p.opts.FailureThreshold && p.circuit == CircuitClosed {
		p.circuit = CircuitOpen
		p.openedAt = record.Timestamp
		if p.logger != nil {
			p.logger.Error("circuit breaker opened", map[string]interface{}{
				"consecutive_failures": p.consecutiveFailures,
			})
		}
	} else if p.circuit == CircuitOpen {
		// Failed half-open probe, restart the cooldown clock
		p.openedAt = record.Timestamp
	}
}

// ResetCircuitBreaker is a manual override that closes the circuit
// and clears the failure counter
func (p *RestartProtection) ResetCircuitBreaker() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.circuit = CircuitClosed
	p.consecutiveFailures = 0
	if p.logger != nil {
		p.logger.Info("circuit breaker manually reset")
	}
}

// RecordMemorySample appends a measurement to the bounded sample history
func (p *RestartProtection) RecordMemorySample(rssMB float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.samples = append(p.samples, MemorySample{Timestamp: p.now(), RSSMB: rssMB})
	if len(p.samples) > p.opts.SampleWindow {
		p.samples = p.samples[len(p.samples)-p.opts.SampleWindow:]
	}
}

// State returns the current circuit state
func (p *RestartProtection) State() CircuitState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.circuit
}

// ConsecutiveFailures returns the current failure streak
func (p *RestartProtection) ConsecutiveFailures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consecutiveFailures
}

// TotalRestarts returns the lifetime restart count
func (p *RestartProtection) TotalRestarts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

// RecentRestarts returns a copy of the most recent n restart records,
// newest last
func (p *RestartProtection) RecentRestarts(n int) []RestartRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n <= 0 || n > len(p.records) {
		n = len(p.records)
	}
	out := make([]RestartRecord, n)
	copy(out, p.records[len(p.records)-n:])
	return out
}

// RestartsInWindow returns the count of restarts inside the trailing
// attempt window
func (p *RestartProtection) RestartsInWindow() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restartsInWindow(p.now())
}
