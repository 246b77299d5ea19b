package keyring

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.olrik.dev/ttsrelay/internal/core"
)

// CommandRunner executes a command and returns its stdout
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Source resolves named credentials from the keyring, the 1Password CLI and the
// environment, in that order.
type Source struct {
	creds     map[string]*core.CredentialConfig
	Store     Store
	RunOp     CommandRunner
	OpTimeout time.Duration
}

func NewSource(cfg *core.Configuration) *Source {
	return &Source{
		creds:     cfg.Credentials,
		Store:     SystemStore{},
		RunOp:     runCommand,
		OpTimeout: 10 * time.Second,
	}
}

// Fetch returns the credential value or core.ErrCredentialUnavailable
func (s *Source) Fetch(ctx context.Context, name string) (string, error) {
	if s.Store != nil {
		value, err := s.Store.Get(name)
		if err != nil {
			slog.Debug("Keyring lookup failed", "credential", name, "error", err)
		} else if value != "" {
			slog.Debug("Credential found in keyring", "credential", name)
			return value, nil
		}
	}

	cred := s.creds[name]
	if cred == nil {
		return "", fmt.Errorf("%w: %s", core.ErrCredentialUnavailable, name)
	}

	if cred.OpItem != "" {
		value, err := s.fetchOp(ctx, cred)
		if err != nil {
			slog.Debug("1Password lookup failed", "credential", name, "error", err)
		} else if value != "" {
			slog.Debug("Credential found in 1Password", "credential", name)
			return value, nil
		}
	}

	if cred.Env != "" {
		if value := os.Getenv(cred.Env); value != "" {
			slog.Debug("Credential found in environment", "credential", name, "env", cred.Env)
			return value, nil
		}
	}

	return "", fmt.Errorf("%w: %s", core.ErrCredentialUnavailable, name)
}

func (s *Source) fetchOp(ctx context.Context, cred *core.CredentialConfig) (string, error) {
	timeout := s.OpTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	field := cred.OpField
	if field == "" {
		field = "credential"
	}
	args := []string{"item", "get", cred.OpItem, "--reveal", "--field", field}
	if cred.OpVault != "" {
		args = append(args, "--vault", cred.OpVault)
	}

	run := s.RunOp
	if run == nil {
		run = runCommand
	}
	out, err := run(ctx, "op", args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}
