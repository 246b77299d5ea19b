package launcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"text/template"
	"time"

	"go.olrik.dev/ttsrelay/internal/core"
	"go.olrik.dev/ttsrelay/internal/supervisor"
	"go.olrik.dev/ttsrelay/internal/webhook"
)

var portLine = regexp.MustCompile(`(?m)^(\s*port\s*=\s*)\d+`)

// hclQuoter escapes a value for a double-quoted HCL string, including the
// template sequences HCL would otherwise interpolate.
var hclQuoter = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
	"${", "$${",
	"%{", "%%{",
)

func hclString(v string) string {
	return `"` + hclQuoter.Replace(v) + `"`
}

var listenerTemplate = template.Must(template.New("listener.hcl").Funcs(template.FuncMap{"hcl": hclString}).Parse(`# Listener settings for ttsrelay. The port line is rewritten on every start;
# path and speech changes are picked up without a restart.
port        = {{ .Port }}
bind        = {{ hcl .Listener.Bind }}
path        = {{ hcl .Listener.Path }}
health_path = {{ hcl .Listener.HealthPath }}

speech {
  voice_id         = {{ hcl .Speech.VoiceID }}
  model_id         = {{ hcl .Speech.ModelID }}
  output_format    = {{ hcl .Speech.OutputFormat }}
  desktop_fallback = {{ .Speech.DesktopFallback }}
}
`))

// ListenerLauncher runs the webhook listener as a detached "ttsrelay listen" process
type ListenerLauncher struct {
	cfg        *core.Configuration
	sup        Supervisor
	client     *http.Client
	Executable string
}

func NewListenerLauncher(cfg *core.Configuration, sup Supervisor) *ListenerLauncher {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	return &ListenerLauncher{
		cfg:        cfg,
		sup:        sup,
		client:     &http.Client{Timeout: time.Second},
		Executable: exe,
	}
}

// PrepareConfig writes listener.hcl for port. An existing file keeps its other
// settings and only has its port line rewritten.
func (l *ListenerLauncher) PrepareConfig(port int) error {
	path := l.cfg.ListenerConfigPath()

	var data []byte
	existing, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		var buf bytes.Buffer
		if err := listenerTemplate.Execute(&buf, struct {
			Port     int
			Listener core.ListenerConfig
			Speech   core.SpeechConfig
		}{port, l.cfg.Listener, l.cfg.Speech}); err != nil {
			return fmt.Errorf("failed to render listener config: %w", err)
		}
		data = buf.Bytes()
	case err != nil:
		return fmt.Errorf("failed to read listener config: %w", err)
	default:
		data = rewritePort(existing, port)
	}

	if err := core.WriteFileAtomic(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write listener config: %w", err)
	}
	return nil
}

func rewritePort(data []byte, port int) []byte {
	if portLine.Match(data) {
		return portLine.ReplaceAll(data, []byte("${1}"+strconv.Itoa(port)))
	}
	return append([]byte(fmt.Sprintf("port = %d\n", port)), data...)
}

// Start replaces any running listener with a fresh one on port and waits until
// its health route answers.
func (l *ListenerLauncher) Start(ctx context.Context, port int, env []string) error {
	if err := l.sup.Terminate(supervisor.RoleListener); err != nil {
		slog.Warn("Failed to stop previous listener", "error", err)
	}

	if err := l.PrepareConfig(port); err != nil {
		return err
	}

	// The child resolves its event database from the same state directory
	env = append(env[:len(env):len(env)], "TTSRELAY_STATE_DIR="+l.cfg.StateDir)

	argv := []string{l.Executable, "listen", "--config", l.cfg.ListenerConfigPath()}
	if l.cfg.Verbose > 0 {
		argv = append(argv, "-v")
	}
	rec, err := l.sup.Launch(supervisor.RoleListener, argv, env)
	if err != nil {
		return err
	}
	slog.Info("Listener launched", "pid", rec.PID, "port", port, "log", rec.LogPath)

	timeout := l.cfg.Listener.HealthTimeout
	interval := l.cfg.Listener.HealthInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}

	deadline := time.Now().Add(timeout)
	for {
		if l.Healthy(ctx, port) {
			slog.Info("Listener is healthy", "port", port)
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: no answer on port %d within %v (see %s)", core.ErrListenerUnhealthy, port, timeout, rec.LogPath)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Healthy reports whether the health route on port answers 200
func (l *ListenerLauncher) Healthy(ctx context.Context, port int) bool {
	url := fmt.Sprintf("http://%s%s", net.JoinHostPort(l.healthHost(), strconv.Itoa(port)), l.cfg.Listener.HealthPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ConfiguredPort returns the port recorded in listener.hcl
func (l *ListenerLauncher) ConfiguredPort() (int, error) {
	settings, err := webhook.LoadSettings(l.cfg.ListenerConfigPath())
	if err != nil {
		return 0, err
	}
	return settings.Port, nil
}

func (l *ListenerLauncher) healthHost() string {
	switch l.cfg.Listener.Bind {
	case "", "0.0.0.0", "::":
		return "127.0.0.1"
	}
	return l.cfg.Listener.Bind
}
