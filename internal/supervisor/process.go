package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// Sweep terminates every process other than this one whose command line matches
// role's pattern. It returns the number of processes signalled.
func (s *Supervisor) Sweep(role Role) int {
	pattern := s.patterns[role]
	if len(pattern) == 0 {
		return 0
	}

	procs, err := process.Processes()
	if err != nil {
		slog.Debug("Failed to list processes", "error", err)
		return 0
	}

	self := os.Getpid()
	count := 0
	for _, p := range procs {
		pid := int(p.Pid)
		if pid == self {
			continue
		}
		cmdline, err := p.Cmdline()
		if err != nil || !matchesCommandLine(cmdline, pattern) {
			continue
		}
		slog.Debug("Terminating orphaned process", "role", role, "pid", pid, "cmdline", cmdline)
		if err := terminatePID(pid, s.TerminateTimeout, string(role)); err != nil {
			slog.Warn("Failed to terminate orphaned process", "role", role, "pid", pid, "error", err)
			continue
		}
		count++
	}
	return count
}

// matchesCommandLine reports whether actual contains every expected argument.
// An empty pattern matches nothing.
func matchesCommandLine(actual string, expected []string) bool {
	if actual == "" || len(expected) == 0 {
		return false
	}
	for _, arg := range expected {
		if !strings.Contains(actual, arg) {
			return false
		}
	}
	return true
}

func processCommandLine(pid int) (string, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return "", err
	}
	cmdline, err := p.Cmdline()
	if err != nil {
		return "", err
	}
	cmdline = strings.TrimSpace(cmdline)
	if cmdline == "" {
		return "", fmt.Errorf("empty command line for PID %d", pid)
	}
	return cmdline, nil
}

// pidAlive reports whether pid exists and has not already exited.
// Zombies count as dead.
func pidAlive(pid int) bool {
	if unix.Kill(pid, 0) != nil {
		return false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	status, err := p.Status()
	if err != nil {
		return true
	}
	for _, st := range status {
		if st == process.Zombie {
			return false
		}
	}
	return true
}

// terminatePID sends SIGTERM, polls until the process is gone and falls back to
// SIGKILL after timeout. A process that no longer exists counts as terminated.
func terminatePID(pid int, timeout time.Duration, label string) error {
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		slog.Warn(fmt.Sprintf("Failed to send SIGTERM to %s, forcing kill", label), "pid", pid, "error", err)
		return killPID(pid)
	}

	// Poll with signal 0 since these children are usually not ours to Wait() on
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			slog.Debug(fmt.Sprintf("Process %s terminated gracefully", label), "pid", pid)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	slog.Warn(fmt.Sprintf("Process %s did not exit within %v, forcing kill", label, timeout), "pid", pid)
	if err := killPID(pid); err != nil {
		return err
	}

	time.Sleep(100 * time.Millisecond)
	if pidAlive(pid) {
		return fmt.Errorf("process %s (pid %d) survived SIGKILL", label, pid)
	}
	return nil
}

func killPID(pid int) error {
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}
