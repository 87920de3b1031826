package probe

import (
	"fmt"
	"os"
	"testing"
)

type fakeStrategy struct {
	name  string
	info  *MemoryInfo
	err   error
	calls int
}

func (s *fakeStrategy) Name() string { return s.name }

func (s *fakeStrategy) Measure(pid int32) (*MemoryInfo, error) {
	s.calls++
	return s.info, s.err
}

func TestMeasure_FirstStrategyWins(t *testing.T) {
	first := &fakeStrategy{name: "first", info: &MemoryInfo{RSSMB: 512}}
	second := &fakeStrategy{name: "second", info: &MemoryInfo{RSSMB: 999}}
	p := NewWithStrategies(nil, first, second)

	info, ok := p.Measure(1234)
	if !ok {
		t.Fatal("Expected measurement to succeed")
	}
	if info.RSSMB != 512 {
		t.Errorf("Expected first strategy's value, got %.1f", info.RSSMB)
	}
	if second.calls != 0 {
		t.Error("Expected fallback strategy untouched when the first succeeds")
	}
}

func TestMeasure_FallsThroughChain(t *testing.T) {
	first := &fakeStrategy{name: "first", err: fmt.Errorf("unsupported")}
	second := &fakeStrategy{name: "second", err: fmt.Errorf("no such pid")}
	third := &fakeStrategy{name: "third", info: &MemoryInfo{RSSMB: 256}}
	p := NewWithStrategies(nil, first, second, third)

	info, ok := p.Measure(1234)
	if !ok {
		t.Fatal("Expected the last strategy to succeed")
	}
	if info.RSSMB != 256 {
		t.Errorf("Expected 256 from the last strategy, got %.1f", info.RSSMB)
	}
	if first.calls != 1 || second.calls != 1 || third.calls != 1 {
		t.Error("Expected every strategy tried exactly once")
	}
}

func TestMeasure_AllStrategiesFailIsSoft(t *testing.T) {
	first := &fakeStrategy{name: "first", err: fmt.Errorf("broken")}
	second := &fakeStrategy{name: "second", err: fmt.Errorf("also broken")}
	p := NewWithStrategies(nil, first, second)

	info, ok := p.Measure(1234)
	if ok {
		t.Error("Expected failure when every strategy fails")
	}
	if info != nil {
		t.Error("Expected nil info on failure")
	}
}

func TestMeasure_OwnProcess(t *testing.T) {
	p := New(nil)

	info, ok := p.Measure(int32(os.Getpid()))
	if !ok {
		t.Fatal("Expected to measure our own process")
	}
	if info.RSSMB <= 0 {
		t.Errorf("Expected positive RSS for a live process, got %.2f", info.RSSMB)
	}
}

func TestSystemMemory(t *testing.T) {
	p := New(nil)

	total, available, err := p.SystemMemory()
	if err != nil {
		t.Fatalf("SystemMemory failed: %v", err)
	}
	if total <= 0 {
		t.Errorf("Expected positive total memory, got %.1f", total)
	}
	if available <= 0 || available > total {
		t.Errorf("Expected 0 < available <= total, got %.1f / %.1f", available, total)
	}
}

func TestPressureHint(t *testing.T) {
	p := New(nil)

	hint := p.PressureHint()
	switch hint {
	case PressureNormal, PressureWarning, PressureCritical, PressureUnknown:
	default:
		t.Errorf("Unexpected pressure hint: %s", hint)
	}
}
