// Package diagnostics probes every hop of the relay without changing anything:
// the local listener, the tunnel and the remote peer.
package diagnostics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.olrik.dev/ttsrelay/internal/core"
	"go.olrik.dev/ttsrelay/internal/remote"
	"go.olrik.dev/ttsrelay/internal/webhook"
)

// Scope selects which side of the relay is probed
type Scope int

const (
	ScopeAll Scope = iota
	ScopeLocal
	ScopeServer
)

const (
	localTestText    = "TTS diagnostics local test"
	tunnelTestText   = "TTS diagnostics tunnel test"
	endToEndTestText = "TTS diagnostics end-to-end test"
)

// ScopeFromFlags maps the --local-only/--server-only flags to a Scope
func ScopeFromFlags(localOnly, serverOnly bool) (Scope, error) {
	switch {
	case localOnly && serverOnly:
		return ScopeAll, fmt.Errorf("--local-only and --server-only are mutually exclusive")
	case localOnly:
		return ScopeLocal, nil
	case serverOnly:
		return ScopeServer, nil
	}
	return ScopeAll, nil
}

// Status is the outcome of one check
type Status string

const (
	StatusPass Status = "PASS"
	StatusFail Status = "FAIL"
	StatusSkip Status = "SKIP"
)

// Result describes one check
type Result struct {
	Name           string
	Status         Status
	Detail         string
	Recommendation string
}

// Report collects every check of one run
type Report struct {
	Results []Result
}

// Counts returns the number of passed, failed and skipped checks
func (r Report) Counts() (passed, failed, skipped int) {
	for _, res := range r.Results {
		switch res.Status {
		case StatusPass:
			passed++
		case StatusFail:
			failed++
		default:
			skipped++
		}
	}
	return passed, failed, skipped
}

// Healthy reports whether no check failed
func (r Report) Healthy() bool {
	_, failed, _ := r.Counts()
	return failed == 0
}

// Remote is the part of remote.Configurator the probe uses
type Remote interface {
	Probe(ctx context.Context) error
	Inspect(ctx context.Context) (map[string][]string, error)
	RunNotifier(ctx context.Context, text string) (string, error)
}

// EndpointLoader reads the persisted public endpoint
type EndpointLoader interface {
	Load() (core.ServiceEndpoint, bool, error)
}

// Diagnostics runs the checks
type Diagnostics struct {
	cfg       *core.Configuration
	endpoints EndpointLoader
	remote    Remote
	token     string
	client    *http.Client
}

// New returns a probe. token may be empty when the listener runs without auth.
func New(cfg *core.Configuration, endpoints EndpointLoader, rem Remote, token string) *Diagnostics {
	return &Diagnostics{
		cfg:       cfg,
		endpoints: endpoints,
		remote:    rem,
		token:     token,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Run executes the checks selected by scope in order
func (d *Diagnostics) Run(ctx context.Context, scope Scope) Report {
	var report Report
	add := func(res Result) {
		slog.Debug("Diagnostic check finished", "check", res.Name, "status", res.Status, "detail", res.Detail)
		report.Results = append(report.Results, res)
	}

	if scope != ScopeServer {
		settings, err := webhook.LoadSettings(d.cfg.ListenerConfigPath())
		if err != nil {
			add(Result{
				Name:           "Listener health",
				Status:         StatusFail,
				Detail:         err.Error(),
				Recommendation: "Start the relay with 'ttsrelay start'",
			})
			add(Result{Name: "Listener function", Status: StatusSkip, Detail: "listener config unavailable"})
		} else {
			health := d.checkListenerHealth(ctx, settings)
			add(health)
			if health.Status == StatusPass {
				add(d.checkListenerFunction(ctx, settings))
			} else {
				add(Result{Name: "Listener function", Status: StatusSkip, Detail: "listener is not healthy"})
			}
		}

		ep, endpointResult := d.checkEndpointFile()
		add(endpointResult)
		add(d.checkTunnelHealth(ctx))
		if endpointResult.Status == StatusPass {
			add(d.checkTunnelSpeech(ctx, ep))
		} else {
			add(Result{Name: "Tunnel TTS", Status: StatusSkip, Detail: "no public endpoint"})
		}
	}

	if scope != ScopeLocal {
		if d.remote == nil || d.cfg.Remote.Host == "" {
			add(Result{
				Name:           "Remote connection",
				Status:         StatusSkip,
				Detail:         "no remote peer configured",
				Recommendation: "Set remote.host in config.hcl to probe the remote side",
			})
			return report
		}

		conn := d.checkRemoteConnection(ctx)
		add(conn)
		if conn.Status != StatusPass {
			add(Result{Name: "Remote webhook config", Status: StatusSkip, Detail: "remote peer unreachable"})
			add(Result{Name: "End-to-end notification", Status: StatusSkip, Detail: "remote peer unreachable"})
			return report
		}
		add(d.checkRemoteConfig(ctx))
		add(d.checkEndToEnd(ctx))
	}

	return report
}

func (d *Diagnostics) checkListenerHealth(ctx context.Context, s webhook.Settings) Result {
	res := Result{Name: "Listener health"}
	url := listenerURL(s, s.HealthPath)

	resp, err := d.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		res.Status = StatusFail
		res.Detail = fmt.Sprintf("no answer on %s: %v", url, err)
		res.Recommendation = "Start the relay with 'ttsrelay start' or check " + d.cfg.LogFilePath("listener")
		return res
	}
	if resp.StatusCode != http.StatusOK {
		res.Status = StatusFail
		res.Detail = fmt.Sprintf("%s answered %d", url, resp.StatusCode)
		res.Recommendation = "Another service may own port " + strconv.Itoa(s.Port) + "; run 'ttsrelay restart'"
		return res
	}
	res.Status = StatusPass
	res.Detail = "listening on port " + strconv.Itoa(s.Port)
	return res
}

func (d *Diagnostics) checkListenerFunction(ctx context.Context, s webhook.Settings) Result {
	res := Result{Name: "Listener function"}
	url := listenerURL(s, s.Path)

	resp, err := d.do(ctx, http.MethodPost, url, speechBody(localTestText))
	if err != nil {
		res.Status = StatusFail
		res.Detail = err.Error()
		return res
	}
	switch resp.StatusCode {
	case http.StatusOK:
		res.Status = StatusPass
		res.Detail = "test request accepted"
	case http.StatusUnauthorized:
		res.Status = StatusFail
		res.Detail = "listener rejected the bearer token"
		res.Recommendation = "Store the token with 'ttsrelay secret set " + d.cfg.Listener.TokenCredential + "' and restart"
	default:
		res.Status = StatusFail
		res.Detail = fmt.Sprintf("listener answered %d", resp.StatusCode)
	}
	return res
}

func (d *Diagnostics) checkEndpointFile() (core.ServiceEndpoint, Result) {
	res := Result{Name: "Endpoint file"}
	ep, ok, err := d.endpoints.Load()
	switch {
	case err != nil:
		res.Status = StatusFail
		res.Detail = err.Error()
		res.Recommendation = "Run 'ttsrelay restart' to rediscover the tunnel endpoint"
	case !ok:
		res.Status = StatusFail
		res.Detail = "no endpoint recorded at " + d.cfg.EndpointFilePath()
		res.Recommendation = "Start the relay with 'ttsrelay start'"
	default:
		res.Status = StatusPass
		res.Detail = ep.URL()
	}
	return ep, res
}

func (d *Diagnostics) checkTunnelHealth(ctx context.Context) Result {
	res := Result{Name: "Tunnel health"}
	resp, err := d.do(ctx, http.MethodGet, d.cfg.Tunnel.APIURL, nil)
	if err != nil || resp.StatusCode != http.StatusOK {
		res.Status = StatusFail
		if err != nil {
			res.Detail = err.Error()
		} else {
			res.Detail = fmt.Sprintf("tunnel API answered %d", resp.StatusCode)
		}
		res.Recommendation = "Check " + d.cfg.LogFilePath("tunnel") + " and run 'ttsrelay restart'"
		return res
	}
	res.Status = StatusPass
	res.Detail = "tunnel API answering at " + d.cfg.Tunnel.APIURL
	return res
}

func (d *Diagnostics) checkTunnelSpeech(ctx context.Context, ep core.ServiceEndpoint) Result {
	res := Result{Name: "Tunnel TTS"}
	url := ep.WebhookURL(d.cfg.Listener.Path)

	resp, err := d.do(ctx, http.MethodPost, url, speechBody(tunnelTestText))
	if err != nil {
		res.Status = StatusFail
		res.Detail = err.Error()
		res.Recommendation = "The public URL may be stale; run 'ttsrelay restart'"
		return res
	}
	if resp.StatusCode != http.StatusOK {
		res.Status = StatusFail
		res.Detail = fmt.Sprintf("%s answered %d", url, resp.StatusCode)
		res.Recommendation = "The public URL may be stale; run 'ttsrelay restart'"
		return res
	}
	res.Status = StatusPass
	res.Detail = "reachable through " + url
	return res
}

func (d *Diagnostics) checkRemoteConnection(ctx context.Context) Result {
	res := Result{Name: "Remote connection"}
	if err := d.remote.Probe(ctx); err != nil {
		res.Status = StatusFail
		res.Detail = err.Error()
		res.Recommendation = core.Remediation(err)
		return res
	}
	res.Status = StatusPass
	res.Detail = "session established with " + d.cfg.Remote.Host
	return res
}

func (d *Diagnostics) checkRemoteConfig(ctx context.Context) Result {
	res := Result{Name: "Remote webhook config"}
	values, err := d.remote.Inspect(ctx)
	if err != nil {
		res.Status = StatusFail
		res.Detail = err.Error()
		return res
	}

	urls := values[remote.URLKey]
	switch len(urls) {
	case 0:
		res.Status = StatusFail
		res.Detail = remote.URLKey + " not set in " + d.cfg.Remote.EnvFile
		res.Recommendation = "Run 'ttsrelay start --remote' to configure the remote peer"
		return res
	case 1:
	default:
		res.Status = StatusFail
		res.Detail = fmt.Sprintf("%d %s lines in %s", len(urls), remote.URLKey, d.cfg.Remote.EnvFile)
		res.Recommendation = "Run 'ttsrelay start --remote' to rewrite the remote env file"
		return res
	}

	if ep, ok, _ := d.endpoints.Load(); ok {
		if want := ep.WebhookURL(d.cfg.Listener.Path); urls[0] != want {
			res.Status = StatusFail
			res.Detail = fmt.Sprintf("remote points at %s, expected %s", urls[0], want)
			res.Recommendation = "Run 'ttsrelay start --remote' to update the remote peer"
			return res
		}
	}

	res.Status = StatusPass
	res.Detail = urls[0]
	if len(values[remote.TokenKey]) > 0 {
		res.Detail += " (token set)"
	}
	return res
}

func (d *Diagnostics) checkEndToEnd(ctx context.Context) Result {
	res := Result{Name: "End-to-end notification"}
	if d.cfg.Remote.NotifierCommand == "" {
		res.Status = StatusSkip
		res.Detail = "no remote notifier command configured"
		return res
	}
	if _, err := d.remote.RunNotifier(ctx, endToEndTestText); err != nil {
		res.Status = StatusFail
		res.Detail = err.Error()
		res.Recommendation = "Check that '" + d.cfg.Remote.NotifierCommand + "' is installed on the remote peer"
		return res
	}
	res.Status = StatusPass
	res.Detail = "notifier ran; listen for the test message"
	return res
}

// do performs a request and drains the response body
func (d *Diagnostics) do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		if d.token != "" {
			req.Header.Set("Authorization", "Bearer "+d.token)
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp, nil
}

func speechBody(text string) []byte {
	body, _ := json.Marshal(map[string]string{"text": text})
	return body
}

func listenerURL(s webhook.Settings, path string) string {
	host := s.Bind
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(s.Port)) + path
}

// Print writes the results, a summary and the recommendations for failed checks
func (r Report) Print(w io.Writer) {
	fmt.Fprintln(w, "Diagnostics:")
	for _, res := range r.Results {
		fmt.Fprintf(w, "  [%s] %-24s %s\n", res.Status, res.Name, res.Detail)
	}

	passed, failed, skipped := r.Counts()
	fmt.Fprintf(w, "\nSummary: %d passed, %d failed, %d skipped\n", passed, failed, skipped)

	var recs []string
	for _, res := range r.Results {
		if res.Status == StatusFail && res.Recommendation != "" {
			recs = append(recs, fmt.Sprintf("  - %s: %s", res.Name, res.Recommendation))
		}
	}
	if len(recs) > 0 {
		fmt.Fprintln(w, "\nRecommendations:")
		fmt.Fprintln(w, strings.Join(recs, "\n"))
	} else if failed == 0 {
		fmt.Fprintln(w, "\nAll checks passed.")
	}
}
