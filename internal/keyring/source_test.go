package keyring

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"go.olrik.dev/ttsrelay/internal/core"
)

func quietLogger(t *testing.T) {
	t.Helper()
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(99)})))
	t.Cleanup(func() { slog.SetDefault(old) })
}

type memStore map[string]string

func (m memStore) Get(name string) (string, error) { return m[name], nil }
func (m memStore) Set(name, value string) error    { m[name] = value; return nil }
func (m memStore) Delete(name string) error        { delete(m, name); return nil }

type brokenStore struct{}

func (brokenStore) Get(string) (string, error) { return "", errors.New("keyring locked") }
func (brokenStore) Set(string, string) error   { return errors.New("keyring locked") }
func (brokenStore) Delete(string) error        { return errors.New("keyring locked") }

func newTestSource(store Store, op CommandRunner) *Source {
	cfg := core.GetDefaultConfig()
	cfg.Credentials["elevenlabs"] = &core.CredentialConfig{
		Name:    "elevenlabs",
		Env:     "TTSRELAY_TEST_ELEVENLABS",
		OpItem:  "elevenlabs - API - claude-code",
		OpVault: "Dev-Vault",
		OpField: "credential",
	}
	s := NewSource(cfg)
	s.Store = store
	s.RunOp = op
	return s
}

func TestFetch_Order(t *testing.T) {
	quietLogger(t)

	var opArgs []string
	opOK := func(ctx context.Context, name string, args ...string) ([]byte, error) {
		opArgs = append([]string{name}, args...)
		return []byte("from-op\n"), nil
	}
	opFail := func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, errors.New("op: not signed in")
	}

	tests := []struct {
		name  string
		store Store
		op    CommandRunner
		env   string
		want  string
	}{
		{name: "keyring wins", store: memStore{"elevenlabs": "from-keyring"}, op: opOK, env: "from-env", want: "from-keyring"},
		{name: "op when keyring empty", store: memStore{}, op: opOK, env: "from-env", want: "from-op"},
		{name: "env when op fails", store: memStore{}, op: opFail, env: "from-env", want: "from-env"},
		{name: "broken keyring falls through", store: brokenStore{}, op: opFail, env: "from-env", want: "from-env"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TTSRELAY_TEST_ELEVENLABS", tt.env)
			s := newTestSource(tt.store, tt.op)

			got, err := s.Fetch(context.Background(), "elevenlabs")
			if err != nil {
				t.Fatalf("Fetch failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	want := "op item get elevenlabs - API - claude-code --reveal --field credential --vault Dev-Vault"
	if got := strings.Join(opArgs, " "); got != want {
		t.Errorf("op invocation = %q, want %q", got, want)
	}
}

func TestFetch_Unavailable(t *testing.T) {
	quietLogger(t)
	t.Setenv("TTSRELAY_TEST_ELEVENLABS", "")

	opFail := func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, errors.New("op: command not found")
	}
	s := newTestSource(memStore{}, opFail)

	if _, err := s.Fetch(context.Background(), "elevenlabs"); !errors.Is(err, core.ErrCredentialUnavailable) {
		t.Fatalf("expected ErrCredentialUnavailable, got %v", err)
	}
	if _, err := s.Fetch(context.Background(), "undeclared"); !errors.Is(err, core.ErrCredentialUnavailable) {
		t.Fatalf("expected ErrCredentialUnavailable for undeclared name, got %v", err)
	}
}

func TestFetch_SkipsOpWithoutItem(t *testing.T) {
	quietLogger(t)
	t.Setenv("TTS_WEBHOOK_TOKEN", "env-token")

	called := false
	s := newTestSource(memStore{}, func(ctx context.Context, name string, args ...string) ([]byte, error) {
		called = true
		return nil, nil
	})

	got, err := s.Fetch(context.Background(), "webhook-token")
	if err != nil || got != "env-token" {
		t.Fatalf("Fetch = %q, %v", got, err)
	}
	if called {
		t.Error("op must not run for credentials without an item")
	}
}

func TestGenerateToken(t *testing.T) {
	a, err := GenerateToken()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := GenerateToken()
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
	if a == b {
		t.Error("tokens should differ")
	}
}
