package webhook

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Settings is the listener's own configuration, read from listener.hcl
type Settings struct {
	Port       int
	Bind       string
	Path       string
	HealthPath string
	Speech     SpeechSettings
}

// SpeechSettings selects the voice used for playback
type SpeechSettings struct {
	VoiceID         string
	ModelID         string
	OutputFormat    string
	DesktopFallback bool
	Timeout         time.Duration
}

type hclSettings struct {
	Port       int             `hcl:"port"`
	Bind       string          `hcl:"bind,optional"`
	Path       string          `hcl:"path,optional"`
	HealthPath string          `hcl:"health_path,optional"`
	Speech     *hclSpeechBlock `hcl:"speech,block"`
}

type hclSpeechBlock struct {
	VoiceID         string `hcl:"voice_id,optional"`
	ModelID         string `hcl:"model_id,optional"`
	OutputFormat    string `hcl:"output_format,optional"`
	DesktopFallback bool   `hcl:"desktop_fallback,optional"`
	Timeout         string `hcl:"timeout,optional"`
}

// DefaultSettings returns listener settings for port with stock routes
func DefaultSettings(port int) Settings {
	return Settings{
		Port:       port,
		Bind:       "127.0.0.1",
		Path:       "/tts",
		HealthPath: "/health",
		Speech: SpeechSettings{
			Timeout: 60 * time.Second,
		},
	}
}

// LoadSettings parses a listener.hcl file
func LoadSettings(filename string) (Settings, error) {
	var raw hclSettings
	if err := hclsimple.DecodeFile(filename, nil, &raw); err != nil {
		return Settings{}, fmt.Errorf("failed to parse listener config: %w", err)
	}

	if raw.Port <= 0 || raw.Port > 65535 {
		return Settings{}, fmt.Errorf("invalid listener port %d", raw.Port)
	}

	s := DefaultSettings(raw.Port)
	if raw.Bind != "" {
		s.Bind = raw.Bind
	}
	if raw.Path != "" {
		s.Path = raw.Path
	}
	if raw.HealthPath != "" {
		s.HealthPath = raw.HealthPath
	}
	for _, route := range []*string{&s.Path, &s.HealthPath} {
		if !strings.HasPrefix(*route, "/") {
			*route = "/" + *route
		}
		if strings.ContainsAny(*route, " \t{}") {
			return Settings{}, fmt.Errorf("invalid listener route %q", *route)
		}
	}
	if s.Path == s.HealthPath {
		return Settings{}, fmt.Errorf("path and health_path must differ (both %q)", s.Path)
	}

	if sp := raw.Speech; sp != nil {
		s.Speech.VoiceID = sp.VoiceID
		s.Speech.ModelID = sp.ModelID
		s.Speech.OutputFormat = sp.OutputFormat
		s.Speech.DesktopFallback = sp.DesktopFallback
		if sp.Timeout != "" {
			d, err := time.ParseDuration(sp.Timeout)
			if err != nil {
				return Settings{}, fmt.Errorf("invalid speech.timeout %q: %w", sp.Timeout, err)
			}
			s.Speech.Timeout = d
		}
	}

	return s, nil
}
