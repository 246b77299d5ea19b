package remote

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.olrik.dev/ttsrelay/internal/core"
	"go.olrik.dev/ttsrelay/internal/testutil/sshserver"
)

func quietLogger(t *testing.T) {
	t.Helper()
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(99)})))
	t.Cleanup(func() { slog.SetDefault(old) })
}

var testEndpoint = core.ServiceEndpoint{Protocol: "https", Host: "abc.ngrok.app", Port: 443}

// startPeer runs an in-process SSH server executing commands in a temp dir and
// returns a configuration pointing at it with a trusted host key.
func startPeer(t *testing.T, opts sshserver.Options) (*sshserver.Server, *core.Configuration) {
	t.Helper()
	t.Setenv("SSH_AUTH_SOCK", "")

	dir := t.TempDir()
	_, pubKey, keyPath := sshserver.GenerateClientKeyPair(t, dir)

	opts.Username = "cc-user"
	opts.AuthorizedKeys = append(opts.AuthorizedKeys, pubKey)
	if opts.Dir == "" {
		opts.Dir = dir
	}
	srv := sshserver.New(t, opts)
	srv.Start()
	t.Cleanup(srv.Stop)

	cfg := core.GetDefaultConfig()
	cfg.Remote.Host = "127.0.0.1"
	cfg.Remote.Port = srv.Port()
	cfg.Remote.User = "cc-user"
	cfg.Remote.IdentityFiles = []string{keyPath}
	cfg.Remote.KnownHostsFile = srv.WriteKnownHosts(dir)
	cfg.Remote.EnvFile = filepath.Join(dir, "asw", ".env")
	cfg.Remote.ConnectTimeout = 5 * time.Second
	cfg.Remote.CommandTimeout = 10 * time.Second

	if err := os.MkdirAll(filepath.Dir(cfg.Remote.EnvFile), 0755); err != nil {
		t.Fatal(err)
	}
	return srv, cfg
}

func TestProbe(t *testing.T) {
	quietLogger(t)
	_, cfg := startPeer(t, sshserver.Options{})

	c := NewConfigurator(cfg, NewClient(cfg.Remote))
	if err := c.Probe(context.Background()); err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
}

func TestProbe_Unreachable(t *testing.T) {
	quietLogger(t)
	t.Setenv("SSH_AUTH_SOCK", "")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	dir := t.TempDir()
	_, _, keyPath := sshserver.GenerateClientKeyPair(t, dir)

	cfg := core.GetDefaultConfig()
	cfg.Remote.Host = "127.0.0.1"
	cfg.Remote.Port = port
	cfg.Remote.IdentityFiles = []string{keyPath}
	cfg.Remote.InsecureIgnoreHostKey = true

	c := NewConfigurator(cfg, NewClient(cfg.Remote))
	if err := c.Probe(context.Background()); !errors.Is(err, core.ErrRemoteUnreachable) {
		t.Fatalf("expected ErrRemoteUnreachable, got %v", err)
	}
}

func TestProbe_UnknownHostKey(t *testing.T) {
	quietLogger(t)
	_, cfg := startPeer(t, sshserver.Options{})

	empty := filepath.Join(t.TempDir(), "known_hosts")
	if err := os.WriteFile(empty, nil, 0600); err != nil {
		t.Fatal(err)
	}
	cfg.Remote.KnownHostsFile = empty

	c := NewConfigurator(cfg, NewClient(cfg.Remote))
	if err := c.Probe(context.Background()); !errors.Is(err, core.ErrRemoteUnreachable) {
		t.Fatalf("expected ErrRemoteUnreachable for unknown host key, got %v", err)
	}
}

func TestConfigure_Idempotent(t *testing.T) {
	quietLogger(t)
	_, cfg := startPeer(t, sshserver.Options{})

	existing := "OTHER=keep\nTTS_WEBHOOK_URL=https://stale.example.com/tts\nTTS_WEBHOOK_URL=https://duplicate.example.com/tts\n"
	if err := os.WriteFile(cfg.Remote.EnvFile, []byte(existing), 0644); err != nil {
		t.Fatal(err)
	}

	c := NewConfigurator(cfg, NewClient(cfg.Remote))
	ctx := context.Background()

	first := core.ServiceEndpoint{Protocol: "https", Host: "first.ngrok.app", Port: 443}
	if err := c.Configure(ctx, first, ""); err != nil {
		t.Fatalf("first Configure failed: %v", err)
	}
	if err := c.Configure(ctx, testEndpoint, "s3cret"); err != nil {
		t.Fatalf("second Configure failed: %v", err)
	}

	data, err := os.ReadFile(cfg.Remote.EnvFile)
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)

	if n := strings.Count(content, "TTS_WEBHOOK_URL="); n != 1 {
		t.Errorf("expected exactly one URL line, got %d in %q", n, content)
	}
	if !strings.Contains(content, "TTS_WEBHOOK_URL=https://abc.ngrok.app/tts\n") {
		t.Errorf("URL line missing or stale: %q", content)
	}
	if !strings.Contains(content, "TTS_WEBHOOK_TOKEN=s3cret\n") {
		t.Errorf("token line missing: %q", content)
	}
	if !strings.Contains(content, "OTHER=keep\n") {
		t.Errorf("unrelated lines must survive: %q", content)
	}

	info, err := os.Stat(cfg.Remote.EnvFile)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected mode 0600, got %o", perm)
	}

	lines, err := c.Inspect(ctx)
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if got := lines[URLKey]; len(got) != 1 || got[0] != "https://abc.ngrok.app/tts" {
		t.Errorf("Inspect URL = %v", got)
	}
}

func TestConfigure_CreatesMissingFile(t *testing.T) {
	quietLogger(t)
	_, cfg := startPeer(t, sshserver.Options{})

	c := NewConfigurator(cfg, NewClient(cfg.Remote))
	if err := c.Configure(context.Background(), testEndpoint, ""); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	data, err := os.ReadFile(cfg.Remote.EnvFile)
	if err != nil {
		t.Fatalf("env file not created: %v", err)
	}
	if string(data) != "TTS_WEBHOOK_URL=https://abc.ngrok.app/tts\n" {
		t.Errorf("unexpected content %q", data)
	}
}

func TestConfigure_WriteFailure(t *testing.T) {
	quietLogger(t)
	_, cfg := startPeer(t, sshserver.Options{})
	cfg.Remote.EnvFile = filepath.Join(t.TempDir(), "missing-dir", ".env")

	c := NewConfigurator(cfg, NewClient(cfg.Remote))
	err := c.Configure(context.Background(), testEndpoint, "")
	if !errors.Is(err, core.ErrRemoteWriteFailed) {
		t.Fatalf("expected ErrRemoteWriteFailed, got %v", err)
	}
}

type fakeRunner struct {
	out      string
	err      error
	commands []string
}

func (f *fakeRunner) Run(ctx context.Context, command string) (string, error) {
	f.commands = append(f.commands, command)
	return f.out, f.err
}

func TestConfigure_ReadBackMismatch(t *testing.T) {
	cfg := core.GetDefaultConfig()
	runner := &fakeRunner{out: "TTS_WEBHOOK_URL=https://abc.ngrok.app/tts\nTTS_WEBHOOK_URL=https://abc.ngrok.app/tts\n"}

	err := NewConfigurator(cfg, runner).Configure(context.Background(), testEndpoint, "")
	if !errors.Is(err, core.ErrRemoteWriteFailed) {
		t.Fatalf("expected ErrRemoteWriteFailed for duplicate read-back, got %v", err)
	}
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		err     error
		wantErr bool
	}{
		{name: "http 200", out: "200"},
		{name: "http 502", out: "502", wantErr: true},
		{name: "curl timeout", out: "000", err: &CommandError{Status: 28}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := core.GetDefaultConfig()
			runner := &fakeRunner{out: tt.out, err: tt.err}

			err := NewConfigurator(cfg, runner).Verify(context.Background(), testEndpoint, "tok")
			if tt.wantErr {
				if !errors.Is(err, core.ErrVerificationFailed) {
					t.Fatalf("expected ErrVerificationFailed, got %v", err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			cmd := runner.commands[0]
			for _, want := range []string{"curl", "--max-time 5", "'https://abc.ngrok.app/tts'", "'Authorization: Bearer tok'", VerifyText} {
				if !strings.Contains(cmd, want) {
					t.Errorf("verify command missing %q: %s", want, cmd)
				}
			}
		})
	}
}

func TestVerify_OverSSH(t *testing.T) {
	quietLogger(t)
	_, cfg := startPeer(t, sshserver.Options{
		Exec: func(command string) (string, int) {
			if strings.Contains(command, "curl") {
				return "200", 0
			}
			return "", 127
		},
	})

	c := NewConfigurator(cfg, NewClient(cfg.Remote))
	if err := c.Verify(context.Background(), testEndpoint, ""); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
}

func TestRunNotifier(t *testing.T) {
	cfg := core.GetDefaultConfig()
	runner := &fakeRunner{}

	if _, err := NewConfigurator(cfg, runner).RunNotifier(context.Background(), "it's done"); err != nil {
		t.Fatal(err)
	}
	if got := runner.commands[0]; got != `ttsrelay notify 'it'\''s done'` {
		t.Errorf("unexpected notifier command %q", got)
	}
}

func TestManualInstructions(t *testing.T) {
	cfg := core.GetDefaultConfig()
	cfg.Remote.Host = "peer.example.com"
	cfg.Remote.User = "cc-user"
	cfg.Remote.Port = 2222

	text := NewConfigurator(cfg, &fakeRunner{}).ManualInstructions(testEndpoint)
	for _, want := range []string{"ssh -p 2222 cc-user@peer.example.com", "TTS_WEBHOOK_URL=https://abc.ngrok.app/tts", `export TTS_WEBHOOK_URL="https://abc.ngrok.app/tts"`} {
		if !strings.Contains(text, want) {
			t.Errorf("instructions missing %q:\n%s", want, text)
		}
	}
}

func TestShellQuote(t *testing.T) {
	tests := map[string]string{
		"plain":     "'plain'",
		"it's":      `'it'\''s'`,
		"$HOME `x`": "'$HOME `x`'",
		"":          "''",
	}
	for in, want := range tests {
		if got := shellQuote(in); got != want {
			t.Errorf("shellQuote(%q) = %q, want %q", in, got, want)
		}
	}
}
