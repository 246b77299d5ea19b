package supervisor

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"testing"
	"time"

	"go.olrik.dev/ttsrelay/internal/core"
)

// quietLogger silences slog output for the duration of a test.
func quietLogger(t *testing.T) {
	t.Helper()
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(99)})))
	t.Cleanup(func() { slog.SetDefault(old) })
}

func newTestSupervisor(t *testing.T, pattern ...string) (*Supervisor, *core.Configuration) {
	t.Helper()
	cfg := &core.Configuration{StateDir: t.TempDir()}
	s := New(cfg, map[Role][]string{RoleListener: pattern})
	s.TerminateTimeout = 2 * time.Second
	return s, cfg
}

func TestMatchesCommandLine(t *testing.T) {
	tests := []struct {
		name     string
		actual   string
		expected []string
		want     bool
	}{
		{"all args present", "/usr/bin/ttsrelay listen --config /s/listener.hcl", []string{"listen", "--config", "/s/listener.hcl"}, true},
		{"extra args tolerated", "ngrok http 1414 --log=stdout --region eu", []string{"ngrok", "http", "--log=stdout"}, true},
		{"missing arg", "ngrok http 1414", []string{"ngrok", "http", "--log=stdout"}, false},
		{"foreign process", "/usr/bin/vim notes.txt", []string{"listen", "--config"}, false},
		{"empty pattern matches nothing", "anything", nil, false},
		{"empty actual", "", []string{"ngrok"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchesCommandLine(tt.actual, tt.expected); got != tt.want {
				t.Errorf("matchesCommandLine(%q, %v) = %v, want %v", tt.actual, tt.expected, got, tt.want)
			}
		})
	}
}

func TestLaunchLookupTerminate(t *testing.T) {
	quietLogger(t)
	s, cfg := newTestSupervisor(t, "sleep", "37.25")

	rec, err := s.Launch(RoleListener, []string{"sleep", "37.25"}, os.Environ())
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if rec.PID <= 0 {
		t.Fatalf("invalid pid %d", rec.PID)
	}

	data, err := os.ReadFile(cfg.PIDFilePath("listener"))
	if err != nil {
		t.Fatalf("pid file not written: %v", err)
	}
	if got := string(data); got != strconv.Itoa(rec.PID)+"\n" {
		t.Errorf("pid file = %q", got)
	}

	got, ok := s.Lookup(RoleListener)
	if !ok || got.PID != rec.PID {
		t.Fatalf("Lookup = %+v, %v", got, ok)
	}
	if !s.IsAlive(RoleListener) {
		t.Error("expected IsAlive to be true")
	}

	if err := s.Terminate(RoleListener); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if pidAlive(rec.PID) {
		t.Error("process still alive after Terminate")
	}
	if _, err := os.Stat(cfg.PIDFilePath("listener")); !os.IsNotExist(err) {
		t.Error("pid file should be removed")
	}

	// Second terminate is a no-op
	if err := s.Terminate(RoleListener); err != nil {
		t.Errorf("second Terminate returned error: %v", err)
	}
}

func TestLaunch_SpawnFailure(t *testing.T) {
	quietLogger(t)
	s, cfg := newTestSupervisor(t, "nothing")

	_, err := s.Launch(RoleListener, []string{"/nonexistent/binary-for-test"}, nil)
	if err == nil {
		t.Fatal("expected spawn failure")
	}
	if !errors.Is(err, core.ErrProcessSpawnFailed) {
		t.Errorf("expected ErrProcessSpawnFailed, got %v", err)
	}
	if _, err := os.Stat(cfg.PIDFilePath("listener")); !os.IsNotExist(err) {
		t.Error("no pid file should be written on spawn failure")
	}
}

func TestLookup_PurgesForeignProcess(t *testing.T) {
	quietLogger(t)
	s, cfg := newTestSupervisor(t, "ttsrelay-never-matches")

	// Our own PID is alive but its command line does not match the pattern
	pidFile := cfg.PIDFilePath("listener")
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
		t.Fatal(err)
	}

	if s.IsAlive(RoleListener) {
		t.Error("IsAlive should reject a foreign command line")
	}
	if _, err := os.Stat(pidFile); err != nil {
		t.Error("IsAlive must not remove the pid file")
	}

	if _, ok := s.Lookup(RoleListener); ok {
		t.Error("Lookup should reject a foreign command line")
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Error("Lookup should purge the stale pid file")
	}
}

func TestLookup_PurgesDeadProcess(t *testing.T) {
	quietLogger(t)
	s, cfg := newTestSupervisor(t, "true")

	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Fatalf("run true: %v", err)
	}

	pidFile := cfg.PIDFilePath("listener")
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(cmd.Process.Pid)), 0600); err != nil {
		t.Fatal(err)
	}

	if _, ok := s.Lookup(RoleListener); ok {
		t.Error("Lookup should reject a dead process")
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Error("Lookup should purge the dead pid file")
	}
}

func TestLookup_GarbagePIDFile(t *testing.T) {
	s, cfg := newTestSupervisor(t, "sleep")
	if err := os.WriteFile(cfg.PIDFilePath("listener"), []byte("not-a-pid"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Lookup(RoleListener); ok {
		t.Error("Lookup should reject garbage pid file")
	}
}

func TestTerminate_SweepsOrphans(t *testing.T) {
	quietLogger(t)
	s, _ := newTestSupervisor(t, "sleep", "41.75")

	// Started outside the supervisor, so no record exists
	cmd := exec.Command("sleep", "41.75")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	if err := s.Terminate(RoleListener); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		t.Fatal("orphan was not swept")
	}
}
