// Package speech turns webhook text into audible (or at least visible) output.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrUnavailable marks a backend that cannot run on this machine right now
// (missing binary, missing API key, unsupported platform).
var ErrUnavailable = errors.New("speech backend unavailable")

// Player speaks text through one backend
type Player interface {
	Play(ctx context.Context, text string) error
	Name() string
}

// Chain tries each player in order; the first success wins
type Chain []Player

// Speak plays text and returns the name of the backend that succeeded
func (c Chain) Speak(ctx context.Context, text string) (string, error) {
	var failures []string
	for _, p := range c {
		err := p.Play(ctx, text)
		if err == nil {
			return p.Name(), nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, ErrUnavailable) {
			slog.Debug("Speech backend skipped", "backend", p.Name(), "reason", err)
		} else {
			slog.Warn("Speech backend failed", "backend", p.Name(), "error", err)
		}
		failures = append(failures, fmt.Sprintf("%s: %v", p.Name(), err))
	}
	if len(failures) == 0 {
		return "", fmt.Errorf("no speech backend configured")
	}
	return "", fmt.Errorf("all speech backends failed (%s)", strings.Join(failures, "; "))
}

// Options select and configure the backends of a default chain
type Options struct {
	APIKey          string
	VoiceID         string
	ModelID         string
	OutputFormat    string
	DesktopFallback bool
}

// NewChain returns cloud voice, then system voice, then optionally a desktop notification
func NewChain(opts Options) Chain {
	chain := Chain{
		NewElevenLabs(opts.APIKey, opts.VoiceID, opts.ModelID, opts.OutputFormat),
		System{},
	}
	if opts.DesktopFallback {
		chain = append(chain, DesktopNotification{})
	}
	return chain
}
