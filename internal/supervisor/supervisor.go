package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.olrik.dev/ttsrelay/internal/core"
)

// Role identifies one of the long-running children
type Role string

const (
	RoleListener Role = "listener"
	RoleTunnel   Role = "tunnel"
)

// Record is the persisted handle of a launched child
type Record struct {
	Role    Role
	PID     int
	LogPath string
}

// Supervisor launches detached children and tracks them through PID files in the
// state directory. A PID file is only trusted after the process behind it has been
// validated against the role's command-line pattern.
type Supervisor struct {
	cfg              *core.Configuration
	patterns         map[Role][]string
	TerminateTimeout time.Duration
}

// New creates a Supervisor. patterns maps each role to the arguments its command
// line must contain.
func New(cfg *core.Configuration, patterns map[Role][]string) *Supervisor {
	return &Supervisor{
		cfg:              cfg,
		patterns:         patterns,
		TerminateTimeout: 5 * time.Second,
	}
}

// DefaultPatterns returns the command-line patterns of the listener and the tunnel client
func DefaultPatterns(cfg *core.Configuration) map[Role][]string {
	return map[Role][]string{
		RoleListener: {"listen", "--config", cfg.ListenerConfigPath()},
		RoleTunnel:   {filepath.Base(cfg.Tunnel.Command), "http", "--log=stdout"},
	}
}

// Launch starts argv detached in its own session with output captured in the
// role's log file, and persists its record before returning.
func (s *Supervisor) Launch(role Role, argv []string, env []string) (Record, error) {
	if len(argv) == 0 {
		return Record{}, fmt.Errorf("%w: empty command for %s", core.ErrProcessSpawnFailed, role)
	}

	if err := os.MkdirAll(s.cfg.StateDir, 0700); err != nil {
		return Record{}, fmt.Errorf("failed to create state directory: %w", err)
	}

	logPath := s.cfg.LogFilePath(string(role))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return Record{}, fmt.Errorf("failed to open %s log: %w", role, err)
	}
	defer logFile.Close()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = env
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Own session so the child outlives this invocation and ignores its terminal
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return Record{}, fmt.Errorf("%w: %s: %v", core.ErrProcessSpawnFailed, argv[0], err)
	}

	rec := Record{Role: role, PID: cmd.Process.Pid, LogPath: logPath}
	if err := s.writeRecord(rec); err != nil {
		_ = terminatePID(rec.PID, s.TerminateTimeout, string(role))
		return Record{}, err
	}

	// Reap in the background so an exited child never lingers as a zombie
	go func() {
		_ = cmd.Wait()
	}()

	slog.Debug("Process launched", "role", role, "pid", rec.PID, "log", logPath)
	return rec, nil
}

// Lookup returns the validated record for role. Records pointing at a dead
// process or at a process with a foreign command line are deleted.
func (s *Supervisor) Lookup(role Role) (Record, bool) {
	rec, ok := s.readRecord(role)
	if !ok {
		return Record{}, false
	}
	if !s.validate(rec) {
		slog.Debug("Purging stale process record", "role", role, "pid", rec.PID)
		s.removeRecord(role)
		return Record{}, false
	}
	return rec, true
}

// IsAlive reports whether role has a valid running process, without touching state
func (s *Supervisor) IsAlive(role Role) bool {
	rec, ok := s.readRecord(role)
	return ok && s.validate(rec)
}

// Terminate stops the recorded process for role, removes its record and sweeps
// any orphaned process matching the role. Stopping an absent role is not an error.
func (s *Supervisor) Terminate(role Role) error {
	var err error
	if rec, ok := s.Lookup(role); ok {
		slog.Debug("Terminating process", "role", role, "pid", rec.PID)
		err = terminatePID(rec.PID, s.TerminateTimeout, string(role))
	}
	s.removeRecord(role)

	if n := s.Sweep(role); n > 0 {
		slog.Debug("Swept orphaned processes", "role", role, "count", n)
	}
	return err
}

func (s *Supervisor) validate(rec Record) bool {
	if !pidAlive(rec.PID) {
		return false
	}
	cmdline, err := processCommandLine(rec.PID)
	if err != nil {
		slog.Debug("Failed to get process command line", "pid", rec.PID, "role", rec.Role, "error", err)
		return false
	}
	if !matchesCommandLine(cmdline, s.patterns[rec.Role]) {
		slog.Debug("Process command line mismatch",
			"pid", rec.PID,
			"role", rec.Role,
			"expected", strings.Join(s.patterns[rec.Role], " "),
			"actual", cmdline)
		return false
	}
	return true
}

func (s *Supervisor) readRecord(role Role) (Record, bool) {
	path := s.cfg.PIDFilePath(string(role))
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return Record{}, false
	}
	return Record{Role: role, PID: pid, LogPath: s.cfg.LogFilePath(string(role))}, true
}

func (s *Supervisor) writeRecord(rec Record) error {
	path := s.cfg.PIDFilePath(string(rec.Role))
	if err := core.WriteFileAtomic(path, []byte(strconv.Itoa(rec.PID)+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write %s pid file: %w", rec.Role, err)
	}
	return nil
}

func (s *Supervisor) removeRecord(role Role) {
	if err := os.Remove(s.cfg.PIDFilePath(string(role))); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to remove pid file", "role", role, "error", err)
	}
}
