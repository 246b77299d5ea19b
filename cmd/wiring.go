package cmd

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"go.olrik.dev/ttsrelay/internal/core"
	"go.olrik.dev/ttsrelay/internal/db"
	"go.olrik.dev/ttsrelay/internal/keyring"
	"go.olrik.dev/ttsrelay/internal/launcher"
	"go.olrik.dev/ttsrelay/internal/lifecycle"
	"go.olrik.dev/ttsrelay/internal/ports"
	"go.olrik.dev/ttsrelay/internal/remote"
	"go.olrik.dev/ttsrelay/internal/supervisor"
	"golang.org/x/term"
)

// newOrchestrator wires the production components. With record set, lifecycle
// steps go to the event database; status passes false so it never writes to
// the state directory.
func newOrchestrator(cfg *core.Configuration, record bool) (*lifecycle.Orchestrator, func()) {
	sup := supervisor.New(cfg, supervisor.DefaultPatterns(cfg))
	store := launcher.NewEndpointStore(cfg.EndpointFilePath())

	deps := lifecycle.Dependencies{
		Ports:       ports.NewResolver(cfg),
		Credentials: keyring.NewSource(cfg),
		Listener:    launcher.NewListenerLauncher(cfg, sup),
		Tunnel:      launcher.NewTunnelLauncher(cfg, sup, store),
		Processes:   sup,
		Endpoints:   store,
		// Without remote.host only the manual setup instructions are used
		Remote: newConfigurator(cfg),
	}

	cleanup := func() {}
	if record {
		if events, err := db.Open(cfg.EventsDBPath()); err != nil {
			slog.Debug("Event database unavailable", "error", err)
		} else {
			deps.Events = events
			cleanup = func() { events.Close() }
		}
	}

	o := lifecycle.New(cfg, deps)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		o.Confirm = confirm
	}
	return o, cleanup
}

func newConfigurator(cfg *core.Configuration) *remote.Configurator {
	return remote.NewConfigurator(cfg, remote.NewClient(cfg.Remote))
}

// confirm asks a y/n question on the terminal, defaulting to no
func confirm(question string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N] ", question)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}
