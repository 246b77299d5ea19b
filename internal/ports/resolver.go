package ports

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"go.olrik.dev/ttsrelay/internal/core"
)

// ProbeFunc reports whether a local port can be bound right now
type ProbeFunc func(port int) bool

// Resolver picks the listener port: the registry's answer when there is one,
// otherwise the first free port in the configured range.
type Resolver struct {
	Registry Registry
	Base     int
	Max      int
	Avoid    []int
	Probe    ProbeFunc
}

// NewResolver builds a Resolver from configuration
func NewResolver(cfg *core.Configuration) *Resolver {
	r := &Resolver{
		Base:  cfg.Ports.Base,
		Max:   cfg.Ports.Max,
		Avoid: cfg.Ports.Avoid,
		Probe: CanBind,
	}
	// Keep the interface nil rather than holding a typed nil pointer
	if reg := NewCommandRegistry(cfg.Registry.Command); reg != nil {
		r.Registry = reg
	}
	return r
}

// Resolve returns the port assignment for serviceName. The probed fallback is
// never written back to the registry.
func (r *Resolver) Resolve(ctx context.Context, serviceName string) (core.PortAssignment, error) {
	if r.Registry != nil {
		port, err := r.Registry.Lookup(ctx, serviceName)
		if err == nil {
			slog.Debug("Port assigned by registry", "service", serviceName, "port", port)
			return core.PortAssignment{ServiceName: serviceName, Port: port, Source: core.PortSourceRegistry}, nil
		}
		slog.Debug("Port registry lookup failed, probing", "service", serviceName, "error", err)
	}

	avoid := make(map[int]bool, len(r.Avoid))
	for _, p := range r.Avoid {
		avoid[p] = true
	}

	probe := r.Probe
	if probe == nil {
		probe = CanBind
	}

	for port := r.Base; port < r.Max; port++ {
		if err := ctx.Err(); err != nil {
			return core.PortAssignment{}, err
		}
		if avoid[port] {
			continue
		}
		if probe(port) {
			slog.Debug("Port found by probe", "service", serviceName, "port", port)
			return core.PortAssignment{ServiceName: serviceName, Port: port, Source: core.PortSourceProbe}, nil
		}
	}

	return core.PortAssignment{}, fmt.Errorf("%w: %d-%d", core.ErrPortExhausted, r.Base, r.Max-1)
}

// CanBind binds and immediately releases a TCP listener on localhost
func CanBind(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
