package probe

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/bobmatnyc/memguardian/pkg/logging"
)

// MemoryInfo holds a single process memory measurement
type MemoryInfo struct {
	RSSMB float64 `json:"rss_mb"`
	VMSMB float64 `json:"vms_mb,omitempty"`
}

// Pressure is a coarse system-wide memory pressure hint
type Pressure string

const (
	PressureNormal   Pressure = "normal"
	PressureWarning  Pressure = "warning"
	PressureCritical Pressure = "critical"
	PressureUnknown  Pressure = "unknown"
)

// Strategy measures the memory usage of a single process.
// Strategies are tried in order; the first success wins.
type Strategy interface {
	Name() string
	Measure(pid int32) (*MemoryInfo, error)
}

// Probe measures process memory through an ordered fallback chain
type Probe struct {
	strategies []Strategy
	logger     *logging.Logger
}

// New creates a probe with the default strategy chain for this platform
func New(logger *logging.Logger) *Probe {
	strategies := []Strategy{gopsutilStrategy{}}
	if runtime.GOOS == "linux" {
		strategies = append(strategies, procStatusStrategy{}, cgroupStrategy{})
	}
	if runtime.GOOS == "linux" || runtime.GOOS == "darwin" {
		strategies = append(strategies, psStrategy{})
	}
	return &Probe{strategies: strategies, logger: logger}
}

// NewWithStrategies creates a probe with an explicit chain
func NewWithStrategies(logger *logging.Logger, strategies ...Strategy) *Probe {
	return &Probe{strategies: strategies, logger: logger}
}

// Measure returns the memory usage of pid, or ok=false when every strategy
// failed. An exhausted chain is a soft failure: it is logged, never fatal.
func (p *Probe) Measure(pid int32) (*MemoryInfo, bool) {
	var lastErr error
	for _, s := range p.strategies {
		info, err := s.Measure(pid)
		if err == nil && info != nil {
			return info, true
		}
		lastErr = err
	}
	if p.logger != nil {
		p.logger.Warn("all memory probe strategies failed", map[string]interface{}{
			"pid":   pid,
			"error": fmt.Sprint(lastErr),
		})
	}
	return nil, false
}

// SystemMemory returns the host's total and available memory in MB
func (p *Probe) SystemMemory() (totalMB, availableMB float64, err error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read system memory: %w", err)
	}
	return float64(vm.Total) / 1024 / 1024, float64(vm.Available) / 1024 / 1024, nil
}

// PressureHint classifies system-wide memory availability. This is a coarse
// fallback signal, independent of any configured process thresholds.
func (p *Probe) PressureHint() Pressure {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return PressureUnknown
	}
	switch {
	case vm.UsedPercent >= 95:
		return PressureCritical
	case vm.UsedPercent >= 85:
		return PressureWarning
	default:
		return PressureNormal
	}
}

// gopsutilStrategy is the generic cross-platform measurement
type gopsutilStrategy struct{}

func (gopsutilStrategy) Name() string { return "gopsutil" }

func (gopsutilStrategy) Measure(pid int32) (*MemoryInfo, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("gopsutil: %w", err)
	}
	info, err := proc.MemoryInfo()
	if err != nil {
		return nil, fmt.Errorf("gopsutil memory info: %w", err)
	}
	return &MemoryInfo{
		RSSMB: float64(info.RSS) / 1024 / 1024,
		VMSMB: float64(info.VMS) / 1024 / 1024,
	}, nil
}

// procStatusStrategy reads VmRSS from /proc/<pid>/status (Linux only)
type procStatusStrategy struct{}

func (procStatusStrategy) Name() string { return "proc_status" }

func (procStatusStrategy) Measure(pid int32) (*MemoryInfo, error) {
	file, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return nil, fmt.Errorf("proc status: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("proc status: bad VmRSS value %q", fields[1])
		}
		return &MemoryInfo{RSSMB: kb / 1024}, nil
	}
	return nil, fmt.Errorf("proc status: VmRSS not found for pid %d", pid)
}

// psStrategy shells out to ps(1) as a last resort
type psStrategy struct{}

func (psStrategy) Name() string { return "ps" }

func (psStrategy) Measure(pid int32) (*MemoryInfo, error) {
	out, err := exec.Command("ps", "-o", "rss=", "-p", strconv.Itoa(int(pid))).Output()
	if err != nil {
		return nil, fmt.Errorf("ps: %w", err)
	}
	value := strings.TrimSpace(string(out))
	if value == "" {
		return nil, fmt.Errorf("ps: no output for pid %d", pid)
	}
	kb, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("ps: bad rss value %q", value)
	}
	return &MemoryInfo{RSSMB: kb / 1024}, nil
}
