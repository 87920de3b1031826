package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/bobmatnyc/memguardian/pkg/logging"
)

// ExitReason describes why the child terminated
type ExitReason string

const (
	ExitReasonSuccess ExitReason = "success"
	ExitReasonError   ExitReason = "error"
	ExitReasonSignal  ExitReason = "signal"
	ExitReasonOOM     ExitReason = "oom"
	ExitReasonUnknown ExitReason = "unknown"
)

// Child wraps a supervised external process. The guardian never interprets
// what the process does; it only starts it, measures it and terminates it.
type Child struct {
	command []string
	logger  *logging.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	exitCh    chan struct{}
	exitCode  int
	exitReason ExitReason
}

// NewChild creates a child for an argv-style command line
func NewChild(command []string, logger *logging.Logger) *Child {
	return &Child{
		command:    command,
		logger:     logger,
		exitReason: ExitReasonUnknown,
	}
}

// Start spawns the child process in its own process group so it survives
// a guardian crash. A background goroutine reaps the process on exit.
func (c *Child) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.command) == 0 {
		return fmt.Errorf("no process command configured")
	}
	if c.cmd != nil && c.alive() {
		return fmt.Errorf("process already running (pid %d)", c.pid)
	}

	// Deliberately not CommandContext: cancelling the monitor must never
	// kill the workload. Termination goes through Terminate/Kill only.
	cmd := exec.Command(c.command[0], c.command[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start process: %w", err)
	}

	c.cmd = cmd
	c.pid = cmd.Process.Pid
	c.startedAt = time.Now()
	c.exitCh = make(chan struct{})
	c.exitReason = ExitReasonUnknown

	if c.logger != nil {
		c.logger.Info("process started", map[string]interface{}{"pid": c.pid})
	}

	exitCh := c.exitCh
	go func() {
		err := cmd.Wait()
		c.mu.Lock()
		c.recordExit(err)
		c.mu.Unlock()
		close(exitCh)
	}()

	return nil
}

// recordExit analyzes the Wait error. Caller holds the mutex.
func (c *Child) recordExit(err error) {
	if err == nil {
		c.exitCode = 0
		c.exitReason = ExitReasonSuccess
		return
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		c.exitCode = 1
		c.exitReason = ExitReasonError
		return
	}
	c.exitCode = exitErr.ExitCode()
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
		c.exitReason = determineExitReason(c.exitCode, status)
	} else {
		c.exitReason = ExitReasonError
	}
}

// determineExitReason analyzes the wait status. Exit codes 137/143 are the
// shell conventions for SIGKILL/SIGTERM, commonly the kernel OOM killer.
func determineExitReason(exitCode int, status syscall.WaitStatus) ExitReason {
	if status.Exited() {
		switch {
		case exitCode == 0:
			return ExitReasonSuccess
		case exitCode == 137 || exitCode == 143:
			return ExitReasonOOM
		default:
			return ExitReasonError
		}
	}
	if status.Signaled() {
		if status.Signal() == syscall.SIGKILL {
			return ExitReasonOOM
		}
		return ExitReasonSignal
	}
	return ExitReasonUnknown
}

// Pid returns the child's PID, or 0 when not started
func (c *Child) Pid() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int32(c.pid)
}

// StartedAt returns when the current child was started
func (c *Child) StartedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startedAt
}

// Alive reports whether the child process is still running
func (c *Child) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive()
}

func (c *Child) alive() bool {
	if c.cmd == nil || c.cmd.Process == nil {
		return false
	}
	select {
	case <-c.exitCh:
		return false
	default:
	}
	// Signal 0 probes existence without delivering anything
	return c.cmd.Process.Signal(syscall.Signal(0)) == nil
}

// Terminate sends SIGTERM for a graceful stop
func (c *Child) Terminate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil || c.cmd.Process == nil {
		return fmt.Errorf("process not running")
	}
	return c.cmd.Process.Signal(syscall.SIGTERM)
}

// Kill sends SIGKILL
func (c *Child) Kill() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil || c.cmd.Process == nil {
		return fmt.Errorf("process not running")
	}
	return c.cmd.Process.Kill()
}

// WaitExit blocks until the child exits or the timeout expires.
// Returns true if the child exited within the timeout.
func (c *Child) WaitExit(timeout time.Duration) bool {
	c.mu.Lock()
	exitCh := c.exitCh
	c.mu.Unlock()

	if exitCh == nil {
		return true
	}
	select {
	case <-exitCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

// ExitInfo returns the last observed exit code and reason
func (c *Child) ExitInfo() (int, ExitReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode, c.exitReason
}
