package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.olrik.dev/ttsrelay/internal/core"
)

const (
	URLKey   = "TTS_WEBHOOK_URL"
	TokenKey = "TTS_WEBHOOK_TOKEN"

	probeMarker = "ttsrelay-probe-ok"
	VerifyText  = "SSH TTS setup complete"
)

// Configurator writes the webhook endpoint into the remote peer's env file
type Configurator struct {
	cfg    *core.Configuration
	runner Runner
}

func NewConfigurator(cfg *core.Configuration, runner Runner) *Configurator {
	return &Configurator{cfg: cfg, runner: runner}
}

// Probe checks that the peer accepts a session and runs a trivial command
func (c *Configurator) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout())
	defer cancel()

	out, err := c.runner.Run(ctx, "echo "+probeMarker)
	if err != nil {
		if errors.Is(err, core.ErrRemoteUnreachable) {
			return err
		}
		return fmt.Errorf("%w: %v", core.ErrRemoteUnreachable, err)
	}
	if !strings.Contains(out, probeMarker) {
		return fmt.Errorf("%w: unexpected probe output %q", core.ErrRemoteUnreachable, strings.TrimSpace(out))
	}
	return nil
}

// Configure replaces the webhook lines of the remote env file in one command
// batch and confirms the result from the read-back. The token line is only
// touched when token is non-empty.
func (c *Configurator) Configure(ctx context.Context, ep core.ServiceEndpoint, token string) error {
	ctx, cancel := context.WithTimeout(ctx, c.commandTimeout())
	defer cancel()

	want := map[string]string{URLKey: c.webhookURL(ep)}
	keys := []string{URLKey}
	if token != "" {
		want[TokenKey] = token
		keys = append(keys, TokenKey)
	}

	out, err := c.runner.Run(ctx, buildConfigureScript(c.cfg.Remote.EnvFile, keys, want))
	if err != nil {
		if errors.Is(err, core.ErrRemoteUnreachable) {
			return err
		}
		return fmt.Errorf("%w: %v", core.ErrRemoteWriteFailed, err)
	}

	got := parseEnvLines(out)
	for _, key := range keys {
		values := got[key]
		if len(values) != 1 || values[0] != want[key] {
			return fmt.Errorf("%w: read-back of %s has %d matching lines", core.ErrRemoteWriteFailed, key, len(values))
		}
	}

	slog.Info("Remote webhook configured", "env_file", c.cfg.Remote.EnvFile, "url", want[URLKey])
	return nil
}

// Verify posts a test message from the peer to the webhook and expects HTTP 200.
// A failed verification leaves the configuration in place.
func (c *Configurator) Verify(ctx context.Context, ep core.ServiceEndpoint, token string) error {
	ctx, cancel := context.WithTimeout(ctx, c.commandTimeout())
	defer cancel()

	body, _ := json.Marshal(map[string]string{"text": VerifyText})

	args := []string{
		"curl", "-s", "-o", "/dev/null", "-w", "'%{http_code}'", "--max-time", "5",
		"-X", "POST", "-H", shellQuote("Content-Type: application/json"),
	}
	if token != "" {
		args = append(args, "-H", shellQuote("Authorization: Bearer "+token))
	}
	args = append(args, "-d", shellQuote(string(body)), shellQuote(c.webhookURL(ep)))

	out, err := c.runner.Run(ctx, strings.Join(args, " "))
	code := strings.TrimSpace(out)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrVerificationFailed, err)
	}
	if code != "200" {
		return fmt.Errorf("%w: webhook answered HTTP %s", core.ErrVerificationFailed, code)
	}
	return nil
}

// Inspect returns the webhook lines currently present in the remote env file
func (c *Configurator) Inspect(ctx context.Context) (map[string][]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.commandTimeout())
	defer cancel()

	f := shellQuote(c.cfg.Remote.EnvFile)
	out, err := c.runner.Run(ctx, fmt.Sprintf("grep -e '^%s=' -e '^%s=' %s || true", URLKey, TokenKey, f))
	if err != nil {
		return nil, err
	}
	return parseEnvLines(out), nil
}

// RunNotifier runs the peer's notifier command with text
func (c *Configurator) RunNotifier(ctx context.Context, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.commandTimeout())
	defer cancel()

	return c.runner.Run(ctx, c.cfg.Remote.NotifierCommand+" "+shellQuote(text))
}

// ManualInstructions explains how to configure the peer by hand
func (c *Configurator) ManualInstructions(ep core.ServiceEndpoint) string {
	url := c.webhookURL(ep)
	target := c.cfg.Remote.Host
	if c.cfg.Remote.User != "" {
		target = c.cfg.Remote.User + "@" + target
	}
	if target == "" {
		target = "<remote-host>"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Configure the remote server manually:\n")
	fmt.Fprintf(&b, "  1. ssh -p %d %s\n", c.cfg.Remote.Port, target)
	fmt.Fprintf(&b, "  2. Add this line to %s (replacing any existing one):\n", c.cfg.Remote.EnvFile)
	fmt.Fprintf(&b, "       %s=%s\n", URLKey, url)
	fmt.Fprintf(&b, "     or export it for the current shell:\n")
	fmt.Fprintf(&b, "       export %s=%q\n", URLKey, url)
	if c.cfg.Listener.TokenCredential != "" {
		fmt.Fprintf(&b, "  3. Set %s to the listener's bearer token if one is configured\n", TokenKey)
	}
	return b.String()
}

func (c *Configurator) webhookURL(ep core.ServiceEndpoint) string {
	return ep.WebhookURL(c.cfg.Listener.Path)
}

func (c *Configurator) connectTimeout() time.Duration {
	if c.cfg.Remote.ConnectTimeout > 0 {
		return c.cfg.Remote.ConnectTimeout
	}
	return 5 * time.Second
}

func (c *Configurator) commandTimeout() time.Duration {
	if c.cfg.Remote.CommandTimeout > 0 {
		return c.cfg.Remote.CommandTimeout
	}
	return 30 * time.Second
}

// buildConfigureScript produces a POSIX sh batch that drops every existing line
// for keys, appends the new values, restricts the file to its owner and prints
// the resulting key lines.
func buildConfigureScript(envFile string, keys []string, values map[string]string) string {
	f := shellQuote(envFile)
	tmp := shellQuote(envFile + ".ttsrelay.tmp")

	var match []string
	for _, key := range keys {
		match = append(match, "-e "+shellQuote("^"+key+"="))
	}
	pattern := strings.Join(match, " ")

	lines := []string{
		"set -e",
		"umask 077",
		"touch " + f,
		fmt.Sprintf("grep -v %s %s > %s || [ $? -eq 1 ]", pattern, f, tmp),
	}
	for _, key := range keys {
		lines = append(lines, fmt.Sprintf("printf '%%s\\n' %s >> %s", shellQuote(key+"="+values[key]), tmp))
	}
	lines = append(lines,
		fmt.Sprintf("cat %s > %s", tmp, f),
		"rm -f "+tmp,
		"chmod 600 "+f,
		fmt.Sprintf("grep %s %s || true", pattern, f),
	)
	return strings.Join(lines, "\n")
}

// parseEnvLines collects KEY=VALUE lines, keeping duplicates
func parseEnvLines(out string) map[string][]string {
	result := make(map[string][]string)
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok || key == "" {
			continue
		}
		result[key] = append(result[key], value)
	}
	return result
}

// shellQuote wraps s in single quotes for POSIX sh
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
