// Package notify is the remote side of the relay: it posts text to the laptop's
// webhook and never fails the calling workflow.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultText    = "Your agent needs your input"
	DefaultEnvFile = "/opt/asw/.env"

	urlVar      = "TTS_WEBHOOK_URL"
	tokenVar    = "TTS_WEBHOOK_TOKEN"
	envFileVar  = "TTS_ENV_FILE"
	debugLogVar = "TTS_WEBHOOK_DEBUG_LOG"
)

// Notifier posts speech requests to the configured webhook
type Notifier struct {
	EnvFile  string
	DebugLog string
	Timeout  time.Duration
	client   *http.Client
}

// New returns a notifier reading its settings from the environment, falling back
// to envFile (or TTS_ENV_FILE, or /opt/asw/.env when empty).
func New(envFile string) *Notifier {
	if envFile == "" {
		envFile = os.Getenv(envFileVar)
	}
	if envFile == "" {
		envFile = DefaultEnvFile
	}
	return &Notifier{
		EnvFile:  envFile,
		DebugLog: os.Getenv(debugLogVar),
		Timeout:  3 * time.Second,
		client:   &http.Client{},
	}
}

// Config returns the webhook URL and token. Environment variables win over the env file.
func (n *Notifier) Config() (url, token string) {
	url = os.Getenv(urlVar)
	token = os.Getenv(tokenVar)
	if url != "" {
		return url, token
	}

	values, err := godotenv.Read(n.EnvFile)
	if err != nil {
		return "", token
	}
	if token == "" {
		token = values[tokenVar]
	}
	return values[urlVar], token
}

// Text joins args, or returns the default prompt when there are none
func Text(args []string) string {
	if text := strings.TrimSpace(strings.Join(args, " ")); text != "" {
		return text
	}
	return DefaultText
}

// Notify delivers the text built from args. An unconfigured webhook is a silent
// no-op. Delivery errors are returned for logging only; callers exit 0 regardless.
func (n *Notifier) Notify(ctx context.Context, args []string) error {
	url, token := n.Config()
	if url == "" {
		return nil
	}

	err := n.send(ctx, url, token, Text(args))
	if err != nil {
		n.recordFailure(url, err)
	}
	return err
}

func (n *Notifier) send(ctx context.Context, url, token, text string) error {
	ctx, cancel := context.WithTimeout(ctx, n.Timeout)
	defer cancel()

	payload, err := json.Marshal(map[string]string{"text": text, "voice": "default"})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook answered %s", resp.Status)
	}
	return nil
}

// recordFailure appends one line to the optional debug log
func (n *Notifier) recordFailure(url string, err error) {
	if n.DebugLog == "" {
		return
	}
	f, ferr := os.OpenFile(n.DebugLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if ferr != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s delivery to %s failed: %v\n", time.Now().Format(time.RFC3339), url, err)
}
