// Package lifecycle sequences the relay: port, credentials, listener, tunnel and
// the optional remote configuration, plus stop, status and restart.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"go.olrik.dev/ttsrelay/internal/core"
	"go.olrik.dev/ttsrelay/internal/supervisor"
)

// PortResolver picks the listener port
type PortResolver interface {
	Resolve(ctx context.Context, serviceName string) (core.PortAssignment, error)
}

// CredentialSource fetches named secrets
type CredentialSource interface {
	Fetch(ctx context.Context, name string) (string, error)
}

// Listener starts and probes the webhook listener
type Listener interface {
	Start(ctx context.Context, port int, env []string) error
	Healthy(ctx context.Context, port int) bool
	ConfiguredPort() (int, error)
}

// Tunnel starts the tunnel client and returns its public endpoint
type Tunnel interface {
	Start(ctx context.Context, port int) (core.ServiceEndpoint, error)
}

// Processes is the supervisor surface used for stop and status
type Processes interface {
	Terminate(role supervisor.Role) error
	IsAlive(role supervisor.Role) bool
}

// Endpoints reads and removes the persisted public endpoint
type Endpoints interface {
	Load() (core.ServiceEndpoint, bool, error)
	Remove() error
}

// Remote configures the remote peer
type Remote interface {
	Probe(ctx context.Context) error
	Configure(ctx context.Context, ep core.ServiceEndpoint, token string) error
	Verify(ctx context.Context, ep core.ServiceEndpoint, token string) error
	ManualInstructions(ep core.ServiceEndpoint) string
}

// EventLogger records lifecycle steps
type EventLogger interface {
	LogLifecycleEvent(component, eventType, details string) error
}

// Dependencies wires the orchestrator. Remote and Events may be nil; without
// Remote no manual setup instructions are printed either.
type Dependencies struct {
	Ports       PortResolver
	Credentials CredentialSource
	Listener    Listener
	Tunnel      Tunnel
	Processes   Processes
	Endpoints   Endpoints
	Remote      Remote
	Events      EventLogger
}

// Orchestrator runs the lifecycle commands
type Orchestrator struct {
	cfg  *core.Configuration
	deps Dependencies

	// Out receives the operator-facing summary
	Out io.Writer
	// Confirm asks a y/n question; nil means non-interactive, which answers no
	Confirm     func(question string) bool
	SettleDelay time.Duration
}

func New(cfg *core.Configuration, deps Dependencies) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		deps:        deps,
		Out:         os.Stdout,
		SettleDelay: 2 * time.Second,
	}
}

// StartOptions controls a start invocation
type StartOptions struct {
	// ConfigureRemote skips the prompt and configures the remote peer
	ConfigureRemote bool
}

// RemoteOutcome describes what happened to the remote peer during start
type RemoteOutcome string

const (
	RemoteSkipped     RemoteOutcome = "skipped"
	RemoteManual      RemoteOutcome = "manual"
	RemoteFailed      RemoteOutcome = "failed"
	RemoteUnverified  RemoteOutcome = "unverified"
	RemoteConfigured  RemoteOutcome = "configured"
	RemoteUnavailable RemoteOutcome = "not configured"
)

// StartResult summarizes a successful start
type StartResult struct {
	Port     core.PortAssignment
	Endpoint core.ServiceEndpoint
	Remote   RemoteOutcome
	Warnings []string
}

// Start brings the relay up. A listener or tunnel failure aborts and leaves
// already launched processes running for inspection. Remote failures only warn.
func (o *Orchestrator) Start(ctx context.Context, opts StartOptions) (StartResult, error) {
	var result StartResult

	assignment, err := o.deps.Ports.Resolve(ctx, o.cfg.ServiceName)
	if err != nil {
		o.record("ports", "failed", err.Error())
		return result, err
	}
	result.Port = assignment
	slog.Info("Listener port selected", "port", assignment.Port, "source", assignment.Source)
	o.record("ports", "resolved", fmt.Sprintf("port=%d source=%s", assignment.Port, assignment.Source))

	token := o.fetchCredential(ctx, o.cfg.Listener.TokenCredential, &result)
	apiKey := o.fetchCredential(ctx, o.cfg.Speech.CloudCredential, &result)

	env := os.Environ()
	if token != "" {
		env = append(env, core.ListenerTokenEnv+"="+token)
	}
	if apiKey != "" {
		env = append(env, core.ListenerAPIKeyEnv+"="+apiKey)
	}

	if err := o.deps.Listener.Start(ctx, assignment.Port, env); err != nil {
		o.record("listener", "failed", err.Error())
		return result, err
	}
	o.record("listener", "started", fmt.Sprintf("port=%d", assignment.Port))

	ep, err := o.deps.Tunnel.Start(ctx, assignment.Port)
	if err != nil {
		o.record("tunnel", "failed", err.Error())
		return result, err
	}
	result.Endpoint = ep
	o.record("tunnel", "started", ep.URL())

	result.Remote = o.configureRemote(ctx, opts, ep, token, &result)

	o.printSummary(result)
	return result, nil
}

func (o *Orchestrator) fetchCredential(ctx context.Context, name string, result *StartResult) string {
	if name == "" {
		return ""
	}
	value, err := o.deps.Credentials.Fetch(ctx, name)
	if err != nil {
		slog.Warn("Credential not available, continuing without it", "credential", name, "error", err)
		result.Warnings = append(result.Warnings, fmt.Sprintf("credential %q unavailable: %s", name, core.Remediation(err)))
		return ""
	}
	return value
}

func (o *Orchestrator) configureRemote(ctx context.Context, opts StartOptions, ep core.ServiceEndpoint, token string, result *StartResult) RemoteOutcome {
	if o.deps.Remote == nil {
		return RemoteUnavailable
	}
	if o.cfg.Remote.Host == "" {
		fmt.Fprintln(o.Out, o.deps.Remote.ManualInstructions(ep))
		return RemoteUnavailable
	}

	if !opts.ConfigureRemote {
		question := fmt.Sprintf("Configure %s on %s to use %s?", o.cfg.Remote.EnvFile, o.cfg.Remote.Host, ep.URL())
		if o.Confirm == nil || !o.Confirm(question) {
			o.record("remote", "skipped", "operator declined")
			fmt.Fprintln(o.Out, o.deps.Remote.ManualInstructions(ep))
			return RemoteSkipped
		}
	}

	if err := o.deps.Remote.Probe(ctx); err != nil {
		slog.Warn("Remote peer unreachable", "host", o.cfg.Remote.Host, "error", err)
		o.record("remote", "unreachable", err.Error())
		fmt.Fprintln(o.Out, o.deps.Remote.ManualInstructions(ep))
		result.Warnings = append(result.Warnings, core.Remediation(err))
		return RemoteManual
	}

	if err := o.deps.Remote.Configure(ctx, ep, token); err != nil {
		slog.Error("Remote configuration failed", "host", o.cfg.Remote.Host, "error", err)
		o.record("remote", "failed", err.Error())
		result.Warnings = append(result.Warnings, fmt.Sprintf("%v. %s", err, core.Remediation(err)))
		return RemoteFailed
	}
	o.record("remote", "configured", ep.URL())

	if err := o.deps.Remote.Verify(ctx, ep, token); err != nil {
		slog.Warn("Remote verification failed, configuration kept", "error", err)
		o.record("remote", "unverified", err.Error())
		result.Warnings = append(result.Warnings, fmt.Sprintf("%v. %s", err, core.Remediation(err)))
		return RemoteUnverified
	}
	o.record("remote", "verified", ep.URL())
	return RemoteConfigured
}

func (o *Orchestrator) printSummary(r StartResult) {
	fmt.Fprintln(o.Out, "TTS relay is running:")
	fmt.Fprintf(o.Out, "  Listener: http://%s:%d%s (port from %s)\n", o.cfg.Listener.Bind, r.Port.Port, o.cfg.Listener.Path, r.Port.Source)
	fmt.Fprintf(o.Out, "  Public:   %s\n", r.Endpoint.WebhookURL(o.cfg.Listener.Path))
	fmt.Fprintf(o.Out, "  Remote:   %s\n", r.Remote)
	for _, w := range r.Warnings {
		fmt.Fprintf(o.Out, "  Warning:  %s\n", w)
	}
}

// Stop terminates the listener and the tunnel and forgets the endpoint. Every
// step is attempted; errors are joined.
func (o *Orchestrator) Stop(ctx context.Context) error {
	var errs []error
	for _, role := range []supervisor.Role{supervisor.RoleListener, supervisor.RoleTunnel} {
		if err := o.deps.Processes.Terminate(role); err != nil {
			slog.Error("Failed to stop process", "role", role, "error", err)
			o.record(string(role), "stop_failed", err.Error())
			errs = append(errs, fmt.Errorf("stop %s: %w", role, err))
			continue
		}
		o.record(string(role), "stopped", "")
	}

	if err := o.deps.Endpoints.Remove(); err != nil {
		errs = append(errs, fmt.Errorf("remove endpoint: %w", err))
	}

	if len(errs) == 0 {
		fmt.Fprintln(o.Out, "TTS relay stopped")
	}
	return errors.Join(errs...)
}

// StatusReport is a read-only snapshot
type StatusReport struct {
	ListenerRunning bool
	ListenerPort    int
	ListenerHealthy bool
	TunnelRunning   bool
	Endpoint        core.ServiceEndpoint
	HasEndpoint     bool
}

// Running reports whether every component is up
func (s StatusReport) Running() bool {
	return s.ListenerRunning && s.ListenerHealthy && s.TunnelRunning && s.HasEndpoint
}

// Status inspects the relay without changing any state
func (o *Orchestrator) Status(ctx context.Context) StatusReport {
	var report StatusReport

	report.ListenerRunning = o.deps.Processes.IsAlive(supervisor.RoleListener)
	if port, err := o.deps.Listener.ConfiguredPort(); err == nil {
		report.ListenerPort = port
		report.ListenerHealthy = o.deps.Listener.Healthy(ctx, port)
	}
	report.TunnelRunning = o.deps.Processes.IsAlive(supervisor.RoleTunnel)

	ep, ok, err := o.deps.Endpoints.Load()
	if err != nil {
		slog.Debug("Endpoint unreadable", "error", err)
	}
	report.Endpoint, report.HasEndpoint = ep, ok && err == nil

	return report
}

// Print renders the status report
func (s StatusReport) Print(w io.Writer, path string) {
	state := func(ok bool, up, down string) string {
		if ok {
			return up
		}
		return down
	}

	listener := state(s.ListenerRunning, "running", "stopped")
	if s.ListenerRunning {
		listener += state(s.ListenerHealthy, ", healthy", ", not answering")
	}
	if s.ListenerPort > 0 {
		listener += fmt.Sprintf(" (port %d)", s.ListenerPort)
	}

	fmt.Fprintln(w, "TTS relay status:")
	fmt.Fprintf(w, "  Listener: %s\n", listener)
	fmt.Fprintf(w, "  Tunnel:   %s\n", state(s.TunnelRunning, "running", "stopped"))
	if s.HasEndpoint {
		fmt.Fprintf(w, "  Public:   %s\n", s.Endpoint.WebhookURL(path))
	} else {
		fmt.Fprintln(w, "  Public:   none")
	}
}

// Restart stops the relay, waits for ports to be released and starts it again
func (o *Orchestrator) Restart(ctx context.Context, opts StartOptions) (StartResult, error) {
	if err := o.Stop(ctx); err != nil {
		slog.Warn("Stop reported errors, starting anyway", "error", err)
	}

	select {
	case <-ctx.Done():
		return StartResult{}, ctx.Err()
	case <-time.After(o.SettleDelay):
	}

	return o.Start(ctx, opts)
}

func (o *Orchestrator) record(component, eventType, details string) {
	if o.deps.Events == nil {
		return
	}
	if err := o.deps.Events.LogLifecycleEvent(component, eventType, details); err != nil {
		slog.Debug("Failed to record lifecycle event", "component", component, "event", eventType, "error", err)
	}
}
