package launcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.olrik.dev/ttsrelay/internal/core"
	"go.olrik.dev/ttsrelay/internal/supervisor"
)

// tunnelList mirrors the agent's GET /api/tunnels response
type tunnelList struct {
	Tunnels []struct {
		Name      string `json:"name"`
		PublicURL string `json:"public_url"`
		Proto     string `json:"proto"`
	} `json:"tunnels"`
}

// TunnelLauncher runs the tunnel client and discovers its public HTTPS endpoint
type TunnelLauncher struct {
	cfg    *core.Configuration
	sup    Supervisor
	store  *EndpointStore
	client *http.Client
}

func NewTunnelLauncher(cfg *core.Configuration, sup Supervisor, store *EndpointStore) *TunnelLauncher {
	return &TunnelLauncher{
		cfg:    cfg,
		sup:    sup,
		store:  store,
		client: &http.Client{Timeout: 3 * time.Second},
	}
}

// Start replaces any running tunnel with one forwarding to port and returns the
// first secure endpoint the agent reports. Nothing is persisted on failure.
func (t *TunnelLauncher) Start(ctx context.Context, port int) (core.ServiceEndpoint, error) {
	if err := t.sup.Terminate(supervisor.RoleTunnel); err != nil {
		slog.Warn("Failed to stop previous tunnel", "error", err)
	}
	// The previous tunnel's URL is dead from here on
	if err := t.store.Remove(); err != nil {
		return core.ServiceEndpoint{}, err
	}

	argv := append([]string{t.cfg.Tunnel.Command, "http", strconv.Itoa(port), "--log=stdout"}, t.cfg.Tunnel.Args...)
	rec, err := t.sup.Launch(supervisor.RoleTunnel, argv, os.Environ())
	if err != nil {
		return core.ServiceEndpoint{}, err
	}
	slog.Info("Tunnel launched", "pid", rec.PID, "port", port, "log", rec.LogPath)

	attempts := t.cfg.Tunnel.PollAttempts
	if attempts <= 0 {
		attempts = 1
	}

	logged := false
	for attempt := 1; attempt <= attempts; attempt++ {
		select {
		case <-ctx.Done():
			return core.ServiceEndpoint{}, ctx.Err()
		case <-time.After(t.cfg.Tunnel.PollInterval):
		}

		list, err := t.fetch(ctx)
		if err != nil {
			slog.Debug("Tunnel API not ready", "attempt", attempt, "error", err)
			continue
		}

		if !logged {
			for _, tun := range list.Tunnels {
				slog.Debug("Tunnel reported", "name", tun.Name, "proto", tun.Proto, "url", tun.PublicURL)
			}
			logged = true
		}

		for _, tun := range list.Tunnels {
			if tun.Proto != "https" {
				continue
			}
			ep, err := core.ParseServiceEndpoint(tun.PublicURL)
			if err != nil {
				slog.Debug("Ignoring malformed tunnel url", "url", tun.PublicURL, "error", err)
				continue
			}
			if err := t.store.Save(ep); err != nil {
				return core.ServiceEndpoint{}, err
			}
			slog.Info("Tunnel endpoint discovered", "url", ep.URL(), "attempt", attempt)
			return ep, nil
		}

		slog.Debug("No secure tunnel yet", "attempt", attempt, "tunnels", len(list.Tunnels))
	}

	return core.ServiceEndpoint{}, fmt.Errorf("%w after %d attempts (see %s)", core.ErrTunnelDiscoveryTimeout, attempts, rec.LogPath)
}

// Healthy reports whether the tunnel's control API answers
func (t *TunnelLauncher) Healthy(ctx context.Context) bool {
	_, err := t.fetch(ctx)
	return err == nil
}

func (t *TunnelLauncher) fetch(ctx context.Context) (*tunnelList, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.Tunnel.APIURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tunnel API returned %s", resp.Status)
	}

	var list tunnelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("failed to decode tunnel API response: %w", err)
	}
	return &list, nil
}
