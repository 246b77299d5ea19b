package core

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ServiceEndpoint is a public address discovered from the tunnel client.
// It is immutable once captured and deleted on stop.
type ServiceEndpoint struct {
	Protocol string // "http" or "https"
	Host     string
	Port     int
	Path     string
}

// ParseServiceEndpoint parses a tunnel public URL such as https://abc.ngrok.app
func ParseServiceEndpoint(raw string) (ServiceEndpoint, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ServiceEndpoint{}, fmt.Errorf("invalid endpoint url %q: %w", raw, err)
	}

	ep := ServiceEndpoint{Protocol: strings.ToLower(u.Scheme), Host: u.Hostname(), Path: u.Path}
	switch ep.Protocol {
	case "https":
		ep.Port = 443
	case "http":
		ep.Port = 80
	default:
		return ServiceEndpoint{}, fmt.Errorf("unsupported endpoint scheme %q in %q", u.Scheme, raw)
	}
	if ep.Host == "" {
		return ServiceEndpoint{}, fmt.Errorf("endpoint url %q has no host", raw)
	}

	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return ServiceEndpoint{}, fmt.Errorf("invalid port in endpoint url %q", raw)
		}
		ep.Port = port
	}

	return ep, nil
}

// Secure reports whether the endpoint uses TLS
func (e ServiceEndpoint) Secure() bool {
	return e.Protocol == "https"
}

// URL renders the endpoint, omitting the port when it is the scheme default
func (e ServiceEndpoint) URL() string {
	host := e.Host
	if !(e.Protocol == "https" && e.Port == 443) && !(e.Protocol == "http" && e.Port == 80) {
		host = net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
	}
	return fmt.Sprintf("%s://%s%s", e.Protocol, host, strings.TrimSuffix(e.Path, "/"))
}

// WebhookURL joins the listener route onto the endpoint
func (e ServiceEndpoint) WebhookURL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return e.URL() + path
}

// PortAssignment records which local port the listener binds to and where it came from
type PortAssignment struct {
	ServiceName string
	Port        int
	Source      string // "registry" or "probe"
}

const (
	PortSourceRegistry = "registry"
	PortSourceProbe    = "probe"
)
