package process

import (
	"context"
	"syscall"
	"testing"
	"time"
)

func TestStartEmptyCommand(t *testing.T) {
	c := NewChild(nil, nil)
	if err := c.Start(context.Background()); err == nil {
		t.Fatal("Expected error for empty command")
	}
}

func TestStartNonexistentBinary(t *testing.T) {
	c := NewChild([]string{"/nonexistent/binary"}, nil)
	if err := c.Start(context.Background()); err == nil {
		t.Fatal("Expected error for nonexistent binary")
	}
	if c.Pid() != 0 {
		t.Errorf("Expected pid 0 after failed start, got %d", c.Pid())
	}
}

func TestStartAndTerminate(t *testing.T) {
	c := NewChild([]string{"sleep", "3600"}, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer c.Kill()

	if c.Pid() <= 0 {
		t.Errorf("Expected positive pid, got %d", c.Pid())
	}
	if !c.Alive() {
		t.Error("Expected child to be alive after start")
	}
	if c.StartedAt().IsZero() {
		t.Error("Expected StartedAt to be set")
	}

	if err := c.Terminate(); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if !c.WaitExit(5 * time.Second) {
		t.Fatal("Child did not exit after SIGTERM")
	}
	if c.Alive() {
		t.Error("Expected child to be dead after exit")
	}

	_, reason := c.ExitInfo()
	if reason != ExitReasonSignal {
		t.Errorf("Expected signal exit reason, got %q", reason)
	}
}

func TestContextCancelDoesNotKillChild(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := NewChild([]string{"sleep", "3600"}, nil)
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() {
		c.Kill()
		c.WaitExit(5 * time.Second)
	}()

	cancel()
	time.Sleep(200 * time.Millisecond)

	if !c.Alive() {
		t.Fatal("Expected child to survive monitor context cancellation")
	}

	// Shutdown still goes through the graceful path
	if err := c.Terminate(); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if !c.WaitExit(5 * time.Second) {
		t.Fatal("Child did not exit after SIGTERM")
	}
	_, reason := c.ExitInfo()
	if reason != ExitReasonSignal {
		t.Errorf("Expected signal exit reason from SIGTERM, got %q", reason)
	}
}

func TestDoubleStartRejected(t *testing.T) {
	c := NewChild([]string{"sleep", "3600"}, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() {
		c.Kill()
		c.WaitExit(5 * time.Second)
	}()

	if err := c.Start(context.Background()); err == nil {
		t.Fatal("Expected error when starting an already running child")
	}
}

func TestExitCodeCaptured(t *testing.T) {
	c := NewChild([]string{"sh", "-c", "exit 3"}, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !c.WaitExit(5 * time.Second) {
		t.Fatal("Child did not exit")
	}

	code, reason := c.ExitInfo()
	if code != 3 {
		t.Errorf("Expected exit code 3, got %d", code)
	}
	if reason != ExitReasonError {
		t.Errorf("Expected error exit reason, got %q", reason)
	}
}

func TestCleanExit(t *testing.T) {
	c := NewChild([]string{"true"}, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !c.WaitExit(5 * time.Second) {
		t.Fatal("Child did not exit")
	}

	code, reason := c.ExitInfo()
	if code != 0 {
		t.Errorf("Expected exit code 0, got %d", code)
	}
	if reason != ExitReasonSuccess {
		t.Errorf("Expected success exit reason, got %q", reason)
	}
}

func TestKillEscalation(t *testing.T) {
	// A child that ignores SIGTERM must be killable
	c := NewChild([]string{"sh", "-c", "trap '' TERM; sleep 3600"}, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	// Kill only signals the shell; reap the whole process group so a
	// surviving sleep does not hold the test binary's stdout open.
	pgid := int(c.Pid())
	defer syscall.Kill(-pgid, syscall.SIGKILL)

	// Give the shell a moment to install the trap
	time.Sleep(100 * time.Millisecond)

	if err := c.Terminate(); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if c.WaitExit(300 * time.Millisecond) {
		t.Skip("Shell did not ignore SIGTERM on this platform")
	}

	if err := c.Kill(); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	if !c.WaitExit(5 * time.Second) {
		t.Fatal("Child did not exit after SIGKILL")
	}

	_, reason := c.ExitInfo()
	if reason != ExitReasonOOM {
		t.Errorf("Expected oom-style reason for SIGKILL, got %q", reason)
	}
}

func TestWaitExitBeforeStart(t *testing.T) {
	c := NewChild([]string{"sleep", "1"}, nil)
	if !c.WaitExit(10 * time.Millisecond) {
		t.Error("WaitExit on an unstarted child should return immediately")
	}
}

func TestTerminateNotRunning(t *testing.T) {
	c := NewChild([]string{"sleep", "1"}, nil)
	if err := c.Terminate(); err == nil {
		t.Error("Expected error terminating an unstarted child")
	}
}
