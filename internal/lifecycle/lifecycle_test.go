package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"go.olrik.dev/ttsrelay/internal/core"
	"go.olrik.dev/ttsrelay/internal/supervisor"
)

func quietLogger(t *testing.T) {
	t.Helper()
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(99)})))
	t.Cleanup(func() { slog.SetDefault(old) })
}

// world is a shared fake of every dependency, recording calls in order
type world struct {
	mu    sync.Mutex
	calls []string

	resolveErr   error
	secrets      map[string]string
	listenerErr  error
	listenerEnv  []string
	tunnelErr    error
	endpoint     core.ServiceEndpoint
	alive        map[supervisor.Role]bool
	terminateErr map[supervisor.Role]error
	saved        *core.ServiceEndpoint
	removeErr    error
	healthy      bool

	probeErr     error
	configureErr error
	verifyErr    error

	events []string
}

func newWorld(t *testing.T) *world {
	t.Helper()
	ep, err := core.ParseServiceEndpoint("https://abc.ngrok.app")
	if err != nil {
		t.Fatal(err)
	}
	return &world{
		secrets:      map[string]string{"webhook-token": "tok", "elevenlabs": "key"},
		endpoint:     ep,
		alive:        map[supervisor.Role]bool{},
		terminateErr: map[supervisor.Role]error{},
		healthy:      true,
	}
}

func (w *world) call(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, name)
}

func (w *world) called(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Contains(w.calls, name)
}

func (w *world) Resolve(ctx context.Context, svc string) (core.PortAssignment, error) {
	w.call("resolve")
	if w.resolveErr != nil {
		return core.PortAssignment{}, w.resolveErr
	}
	return core.PortAssignment{ServiceName: svc, Port: 1414, Source: core.PortSourceProbe}, nil
}

func (w *world) Fetch(ctx context.Context, name string) (string, error) {
	w.call("fetch:" + name)
	if v, ok := w.secrets[name]; ok {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", core.ErrCredentialUnavailable, name)
}

type fakeListener struct{ *world }

func (l fakeListener) Start(ctx context.Context, port int, env []string) error {
	l.call("listener.start")
	l.listenerEnv = env
	if l.listenerErr != nil {
		return l.listenerErr
	}
	l.alive[supervisor.RoleListener] = true
	return nil
}

func (l fakeListener) Healthy(ctx context.Context, port int) bool {
	l.call("listener.healthy")
	return l.healthy
}

func (l fakeListener) ConfiguredPort() (int, error) { return 1414, nil }

type fakeTunnel struct{ *world }

func (t fakeTunnel) Start(ctx context.Context, port int) (core.ServiceEndpoint, error) {
	t.call("tunnel.start")
	if t.tunnelErr != nil {
		return core.ServiceEndpoint{}, t.tunnelErr
	}
	t.alive[supervisor.RoleTunnel] = true
	ep := t.endpoint
	t.saved = &ep
	return ep, nil
}

func (w *world) Terminate(role supervisor.Role) error {
	w.call("terminate:" + string(role))
	if err := w.terminateErr[role]; err != nil {
		return err
	}
	w.alive[role] = false
	return nil
}

func (w *world) IsAlive(role supervisor.Role) bool { return w.alive[role] }

func (w *world) Load() (core.ServiceEndpoint, bool, error) {
	if w.saved == nil {
		return core.ServiceEndpoint{}, false, nil
	}
	return *w.saved, true, nil
}

func (w *world) Remove() error {
	w.call("endpoint.remove")
	if w.removeErr != nil {
		return w.removeErr
	}
	w.saved = nil
	return nil
}

func (w *world) Probe(ctx context.Context) error {
	w.call("remote.probe")
	return w.probeErr
}

func (w *world) Configure(ctx context.Context, ep core.ServiceEndpoint, token string) error {
	w.call("remote.configure:" + token)
	return w.configureErr
}

func (w *world) Verify(ctx context.Context, ep core.ServiceEndpoint, token string) error {
	w.call("remote.verify")
	return w.verifyErr
}

func (w *world) ManualInstructions(ep core.ServiceEndpoint) string {
	return "MANUAL " + ep.URL()
}

func (w *world) LogLifecycleEvent(component, eventType, details string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, component+":"+eventType)
	return nil
}

func newOrchestrator(t *testing.T, w *world) (*Orchestrator, *bytes.Buffer) {
	t.Helper()
	cfg := core.GetDefaultConfig()
	cfg.StateDir = t.TempDir()
	cfg.Remote.Host = "peer.example"

	o := New(cfg, Dependencies{
		Ports:       w,
		Credentials: w,
		Listener:    fakeListener{w},
		Tunnel:      fakeTunnel{w},
		Processes:   w,
		Endpoints:   w,
		Remote:      w,
		Events:      w,
	})
	var out bytes.Buffer
	o.Out = &out
	o.SettleDelay = 0
	return o, &out
}

func TestStart_HappyPathWithRemote(t *testing.T) {
	quietLogger(t)
	w := newWorld(t)
	o, out := newOrchestrator(t, w)

	result, err := o.Start(context.Background(), StartOptions{ConfigureRemote: true})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if result.Remote != RemoteConfigured {
		t.Errorf("expected remote configured, got %s", result.Remote)
	}
	if result.Port.Port != 1414 {
		t.Errorf("unexpected port %d", result.Port.Port)
	}

	want := []string{
		"resolve",
		"fetch:webhook-token",
		"fetch:elevenlabs",
		"listener.start",
		"tunnel.start",
		"remote.probe",
		"remote.configure:tok",
		"remote.verify",
	}
	if !slices.Equal(w.calls, want) {
		t.Errorf("unexpected call order:\n got %v\nwant %v", w.calls, want)
	}

	if !slices.Contains(w.listenerEnv, core.ListenerTokenEnv+"=tok") || !slices.Contains(w.listenerEnv, core.ListenerAPIKeyEnv+"=key") {
		t.Error("secrets should be handed to the listener through its environment")
	}
	if !strings.Contains(out.String(), "https://abc.ngrok.app/tts") {
		t.Errorf("summary missing public URL:\n%s", out.String())
	}
	if !slices.Contains(w.events, "remote:verified") {
		t.Errorf("expected lifecycle events to be recorded, got %v", w.events)
	}
}

func TestStart_MissingCredentialsDegrade(t *testing.T) {
	quietLogger(t)
	w := newWorld(t)
	w.secrets = map[string]string{}
	o, _ := newOrchestrator(t, w)

	result, err := o.Start(context.Background(), StartOptions{})
	if err != nil {
		t.Fatalf("missing credentials must not abort start: %v", err)
	}
	if len(result.Warnings) != 2 {
		t.Errorf("expected a warning per missing credential, got %v", result.Warnings)
	}
	for _, kv := range w.listenerEnv {
		if strings.HasPrefix(kv, core.ListenerTokenEnv+"=") {
			t.Error("no token should be passed when none is available")
		}
	}
}

func TestStart_Aborts(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(*world)
		wantErr   error
		notCalled []string
	}{
		{
			name:      "port exhausted",
			setup:     func(w *world) { w.resolveErr = core.ErrPortExhausted },
			wantErr:   core.ErrPortExhausted,
			notCalled: []string{"listener.start", "tunnel.start"},
		},
		{
			name:      "unhealthy listener",
			setup:     func(w *world) { w.listenerErr = core.ErrListenerUnhealthy },
			wantErr:   core.ErrListenerUnhealthy,
			notCalled: []string{"tunnel.start", "remote.probe"},
		},
		{
			name:      "tunnel timeout",
			setup:     func(w *world) { w.tunnelErr = core.ErrTunnelDiscoveryTimeout },
			wantErr:   core.ErrTunnelDiscoveryTimeout,
			notCalled: []string{"remote.probe", "terminate:listener"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			quietLogger(t)
			w := newWorld(t)
			tt.setup(w)
			o, _ := newOrchestrator(t, w)

			_, err := o.Start(context.Background(), StartOptions{ConfigureRemote: true})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			for _, name := range tt.notCalled {
				if w.called(name) {
					t.Errorf("%s should not be called", name)
				}
			}
			if w.saved != nil {
				t.Error("no endpoint should be persisted on abort")
			}
		})
	}
}

func TestStart_TunnelFailureLeavesListenerRunning(t *testing.T) {
	quietLogger(t)
	w := newWorld(t)
	w.tunnelErr = core.ErrTunnelDiscoveryTimeout
	o, _ := newOrchestrator(t, w)

	if _, err := o.Start(context.Background(), StartOptions{}); err == nil {
		t.Fatal("expected error")
	}
	if !w.alive[supervisor.RoleListener] {
		t.Error("listener should be left running after a tunnel failure")
	}
}

func TestStart_RemoteOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		opts    StartOptions
		confirm func(string) bool
		setup   func(*world)
		want    RemoteOutcome
		output  string
	}{
		{
			name:   "non-interactive defaults to no",
			want:   RemoteSkipped,
			output: "MANUAL https://abc.ngrok.app",
		},
		{
			name:    "operator declines",
			confirm: func(string) bool { return false },
			want:    RemoteSkipped,
			output:  "MANUAL https://abc.ngrok.app",
		},
		{
			name:    "operator accepts",
			confirm: func(string) bool { return true },
			want:    RemoteConfigured,
		},
		{
			name:   "unreachable prints manual instructions",
			opts:   StartOptions{ConfigureRemote: true},
			setup:  func(w *world) { w.probeErr = core.ErrRemoteUnreachable },
			want:   RemoteManual,
			output: "MANUAL https://abc.ngrok.app",
		},
		{
			name:  "write failure",
			opts:  StartOptions{ConfigureRemote: true},
			setup: func(w *world) { w.configureErr = core.ErrRemoteWriteFailed },
			want:  RemoteFailed,
		},
		{
			name:  "verification failure keeps configuration",
			opts:  StartOptions{ConfigureRemote: true},
			setup: func(w *world) { w.verifyErr = core.ErrVerificationFailed },
			want:  RemoteUnverified,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			quietLogger(t)
			w := newWorld(t)
			if tt.setup != nil {
				tt.setup(w)
			}
			o, out := newOrchestrator(t, w)
			o.Confirm = tt.confirm

			result, err := o.Start(context.Background(), tt.opts)
			if err != nil {
				t.Fatalf("remote problems must not fail start: %v", err)
			}
			if result.Remote != tt.want {
				t.Errorf("expected %s, got %s", tt.want, result.Remote)
			}
			if tt.output != "" && !strings.Contains(out.String(), tt.output) {
				t.Errorf("output missing %q:\n%s", tt.output, out.String())
			}
		})
	}
}

func TestStart_NoRemoteHost(t *testing.T) {
	quietLogger(t)
	w := newWorld(t)
	o, out := newOrchestrator(t, w)
	o.cfg.Remote.Host = ""

	result, err := o.Start(context.Background(), StartOptions{ConfigureRemote: true})
	if err != nil {
		t.Fatal(err)
	}
	if result.Remote != RemoteUnavailable || w.called("remote.probe") {
		t.Errorf("remote should not be touched without a host, got %s", result.Remote)
	}
	if !strings.Contains(out.String(), "MANUAL https://abc.ngrok.app") {
		t.Errorf("manual setup instructions missing:\n%s", out.String())
	}
}

func TestStop(t *testing.T) {
	quietLogger(t)
	w := newWorld(t)
	o, _ := newOrchestrator(t, w)

	if _, err := o.Start(context.Background(), StartOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := o.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if w.alive[supervisor.RoleListener] || w.alive[supervisor.RoleTunnel] {
		t.Error("both processes should be stopped")
	}
	if w.saved != nil {
		t.Error("endpoint should be removed")
	}

	// Idempotent
	if err := o.Stop(context.Background()); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}
}

func TestStop_AttemptsEverything(t *testing.T) {
	quietLogger(t)
	w := newWorld(t)
	w.terminateErr[supervisor.RoleListener] = errors.New("permission denied")
	o, _ := newOrchestrator(t, w)

	err := o.Stop(context.Background())
	if err == nil || !strings.Contains(err.Error(), "permission denied") {
		t.Fatalf("expected listener error, got %v", err)
	}
	for _, name := range []string{"terminate:tunnel", "endpoint.remove"} {
		if !w.called(name) {
			t.Errorf("%s should still run after an earlier failure", name)
		}
	}
}

func TestStatus_ReadOnly(t *testing.T) {
	quietLogger(t)
	w := newWorld(t)
	o, _ := newOrchestrator(t, w)

	report := o.Status(context.Background())
	if report.Running() || report.HasEndpoint {
		t.Errorf("nothing should be running: %+v", report)
	}

	if _, err := o.Start(context.Background(), StartOptions{}); err != nil {
		t.Fatal(err)
	}
	w.calls = nil

	report = o.Status(context.Background())
	if !report.Running() {
		t.Errorf("expected running report, got %+v", report)
	}
	for _, c := range w.calls {
		if c != "listener.healthy" {
			t.Errorf("Status made a mutating call: %s", c)
		}
	}

	var buf bytes.Buffer
	report.Print(&buf, "/tts")
	for _, want := range []string{"running, healthy (port 1414)", "https://abc.ngrok.app/tts"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("status output missing %q:\n%s", want, buf.String())
		}
	}
}

func TestRestart(t *testing.T) {
	quietLogger(t)
	w := newWorld(t)
	o, _ := newOrchestrator(t, w)

	if _, err := o.Restart(context.Background(), StartOptions{}); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	stop := slices.Index(w.calls, "terminate:listener")
	start := slices.Index(w.calls, "listener.start")
	if stop < 0 || start < 0 || stop > start {
		t.Errorf("expected stop before start, got %v", w.calls)
	}
}

func TestRestart_Cancelled(t *testing.T) {
	quietLogger(t)
	w := newWorld(t)
	o, _ := newOrchestrator(t, w)
	o.SettleDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := o.Restart(ctx, StartOptions{}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if w.called("listener.start") {
		t.Error("start should not run after cancellation")
	}
}
