package ports

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Registry answers which port a named service has been assigned
type Registry interface {
	Lookup(ctx context.Context, serviceName string) (int, error)
}

// CommandRunner executes a command and returns its stdout
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// CommandRegistry queries an external port-manager executable.
// It first asks "<command> get <service>" and falls back to scanning the
// "<command> infra-list" table for a line naming the service.
type CommandRegistry struct {
	Command string
	Timeout time.Duration
	Run     CommandRunner
}

// NewCommandRegistry returns a registry backed by command, or nil when command is empty
func NewCommandRegistry(command string) *CommandRegistry {
	if command == "" {
		return nil
	}
	return &CommandRegistry{Command: command, Timeout: 5 * time.Second, Run: runCommand}
}

func (r *CommandRegistry) Lookup(ctx context.Context, serviceName string) (int, error) {
	if r == nil || r.Command == "" {
		return 0, fmt.Errorf("no port registry configured")
	}

	out, err := r.run(ctx, "get", serviceName)
	if err == nil {
		if port, perr := parsePort(strings.TrimSpace(string(out))); perr == nil {
			return port, nil
		}
	}

	out, err = r.run(ctx, "infra-list")
	if err != nil {
		return 0, fmt.Errorf("port registry lookup for %s failed: %w", serviceName, err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, serviceName) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		port, err := parsePort(fields[0])
		if err != nil {
			return 0, fmt.Errorf("malformed registry line %q: %w", line, err)
		}
		return port, nil
	}

	return 0, fmt.Errorf("service %s not found in port registry", serviceName)
}

func (r *CommandRegistry) run(ctx context.Context, args ...string) ([]byte, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	run := r.Run
	if run == nil {
		run = runCommand
	}
	return run(ctx, r.Command, args...)
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return port, nil
}
