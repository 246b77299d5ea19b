package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

const (
	BaseDirName    = ".config/ttsrelay"
	ConfigFileName = "config.hcl"
)

// Secrets reach the listener only through its environment
const (
	ListenerTokenEnv  = "TTSRELAY_WEBHOOK_TOKEN"
	ListenerAPIKeyEnv = "TTSRELAY_SPEECH_API_KEY"
)

// Config is the global configuration instance
var Config *Configuration

// Configuration represents the complete ttsrelay configuration
type Configuration struct {
	ConfigPath  string // Directory containing config files
	StateDir    string // PID files, logs, endpoint and listener config
	Verbose     int
	ServiceName string // Name looked up in the port registry

	Registry    RegistryConfig
	Ports       PortsConfig
	Listener    ListenerConfig
	Tunnel      TunnelConfig
	Remote      RemoteConfig
	Speech      SpeechConfig
	Credentials map[string]*CredentialConfig
}

// RegistryConfig points at the external port registry command
type RegistryConfig struct {
	Command string // Empty disables the registry lookup
}

// PortsConfig controls the local port scan used when the registry has no answer
type PortsConfig struct {
	Base  int
	Max   int   // Exclusive upper bound
	Avoid []int // Ports known to collide with unrelated local services
}

// ListenerConfig describes the local webhook listener
type ListenerConfig struct {
	Bind            string
	Path            string
	HealthPath      string
	HealthTimeout   time.Duration
	HealthInterval  time.Duration
	TokenCredential string // Credential name holding the shared bearer token
}

// TunnelConfig describes the tunnel client and its local control API
type TunnelConfig struct {
	Command      string
	Args         []string // Extra args appended after "http <port>"
	APIURL       string
	PollInterval time.Duration
	PollAttempts int
}

// RemoteConfig describes the remote peer reached over SSH
type RemoteConfig struct {
	Host                  string
	Port                  int
	User                  string
	EnvFile               string
	IdentityFiles         []string
	KnownHostsFile        string
	InsecureIgnoreHostKey bool
	ConnectTimeout        time.Duration
	CommandTimeout        time.Duration
	NotifierCommand       string // Remote notifier used by the end-to-end diagnostic
}

// SpeechConfig holds the voice settings handed to the listener
type SpeechConfig struct {
	CloudCredential string // Credential name holding the cloud voice API key
	VoiceID         string
	ModelID         string
	OutputFormat    string
	DesktopFallback bool
}

// CredentialConfig describes where a named secret may be found
type CredentialConfig struct {
	Name    string
	Env     string // Environment variable fallback
	OpItem  string // 1Password item name
	OpVault string
	OpField string
}

// HCL parsing structs

type hclConfig struct {
	Verbose     int             `hcl:"verbose,optional"`
	StateDir    string          `hcl:"state_dir,optional"`
	ServiceName string          `hcl:"service_name,optional"`
	Registry    *hclRegistry    `hcl:"registry,block"`
	Ports       *hclPorts       `hcl:"ports,block"`
	Listener    *hclListener    `hcl:"listener,block"`
	Tunnel      *hclTunnel      `hcl:"tunnel,block"`
	Remote      *hclRemote      `hcl:"remote,block"`
	Speech      *hclSpeech      `hcl:"speech,block"`
	Credentials []hclCredential `hcl:"credential,block"`
}

type hclRegistry struct {
	Command string `hcl:"command,optional"`
}

type hclPorts struct {
	Base  int   `hcl:"base,optional"`
	Max   int   `hcl:"max,optional"`
	Avoid []int `hcl:"avoid,optional"`
}

type hclListener struct {
	Bind            string `hcl:"bind,optional"`
	Path            string `hcl:"path,optional"`
	HealthPath      string `hcl:"health_path,optional"`
	HealthTimeout   string `hcl:"health_timeout,optional"`
	HealthInterval  string `hcl:"health_interval,optional"`
	TokenCredential string `hcl:"token_credential,optional"`
}

type hclTunnel struct {
	Command      string   `hcl:"command,optional"`
	Args         []string `hcl:"args,optional"`
	APIURL       string   `hcl:"api_url,optional"`
	PollInterval string   `hcl:"poll_interval,optional"`
	PollAttempts int      `hcl:"poll_attempts,optional"`
}

type hclRemote struct {
	Host                  string   `hcl:"host,optional"`
	Port                  int      `hcl:"port,optional"`
	User                  string   `hcl:"user,optional"`
	EnvFile               string   `hcl:"env_file,optional"`
	IdentityFiles         []string `hcl:"identity_files,optional"`
	KnownHostsFile        string   `hcl:"known_hosts,optional"`
	InsecureIgnoreHostKey *bool    `hcl:"insecure_ignore_host_key,optional"`
	ConnectTimeout        string   `hcl:"connect_timeout,optional"`
	CommandTimeout        string   `hcl:"command_timeout,optional"`
	NotifierCommand       string   `hcl:"notifier_command,optional"`
}

type hclSpeech struct {
	CloudCredential string `hcl:"cloud_credential,optional"`
	VoiceID         string `hcl:"voice_id,optional"`
	ModelID         string `hcl:"model_id,optional"`
	OutputFormat    string `hcl:"output_format,optional"`
	DesktopFallback *bool  `hcl:"desktop_fallback,optional"`
}

type hclCredential struct {
	Name    string `hcl:"name,label"`
	Env     string `hcl:"env,optional"`
	OpItem  string `hcl:"op_item,optional"`
	OpVault string `hcl:"op_vault,optional"`
	OpField string `hcl:"op_field,optional"`
}

// LoadConfig loads the HCL configuration file and returns a Configuration struct.
// Blocks missing from the file keep their defaults.
func LoadConfig(filename string) (*Configuration, error) {
	var hclCfg hclConfig

	if err := hclsimple.DecodeFile(filename, nil, &hclCfg); err != nil {
		return nil, fmt.Errorf("failed to parse HCL config: %w", err)
	}

	cfg := GetDefaultConfig()
	cfg.ConfigPath = filepath.Dir(filename)
	cfg.Verbose = hclCfg.Verbose

	if hclCfg.StateDir != "" {
		cfg.StateDir = ExpandPath(hclCfg.StateDir)
	}
	if hclCfg.ServiceName != "" {
		cfg.ServiceName = hclCfg.ServiceName
	}

	if r := hclCfg.Registry; r != nil {
		cfg.Registry.Command = r.Command
	}

	if p := hclCfg.Ports; p != nil {
		if p.Base > 0 {
			cfg.Ports.Base = p.Base
		}
		if p.Max > 0 {
			cfg.Ports.Max = p.Max
		}
		if p.Avoid != nil {
			cfg.Ports.Avoid = p.Avoid
		}
	}

	var err error

	if l := hclCfg.Listener; l != nil {
		setString(&cfg.Listener.Bind, l.Bind)
		setString(&cfg.Listener.Path, l.Path)
		setString(&cfg.Listener.HealthPath, l.HealthPath)
		setString(&cfg.Listener.TokenCredential, l.TokenCredential)
		if cfg.Listener.HealthTimeout, err = parseDuration("listener.health_timeout", l.HealthTimeout, cfg.Listener.HealthTimeout); err != nil {
			return nil, err
		}
		if cfg.Listener.HealthInterval, err = parseDuration("listener.health_interval", l.HealthInterval, cfg.Listener.HealthInterval); err != nil {
			return nil, err
		}
	}

	if t := hclCfg.Tunnel; t != nil {
		setString(&cfg.Tunnel.Command, t.Command)
		setString(&cfg.Tunnel.APIURL, t.APIURL)
		if t.Args != nil {
			cfg.Tunnel.Args = t.Args
		}
		if t.PollAttempts > 0 {
			cfg.Tunnel.PollAttempts = t.PollAttempts
		}
		if cfg.Tunnel.PollInterval, err = parseDuration("tunnel.poll_interval", t.PollInterval, cfg.Tunnel.PollInterval); err != nil {
			return nil, err
		}
	}

	if r := hclCfg.Remote; r != nil {
		setString(&cfg.Remote.Host, r.Host)
		setString(&cfg.Remote.User, r.User)
		setString(&cfg.Remote.EnvFile, r.EnvFile)
		setString(&cfg.Remote.NotifierCommand, r.NotifierCommand)
		if r.KnownHostsFile != "" {
			cfg.Remote.KnownHostsFile = ExpandPath(r.KnownHostsFile)
		}
		if r.Port > 0 {
			cfg.Remote.Port = r.Port
		}
		for _, f := range r.IdentityFiles {
			cfg.Remote.IdentityFiles = append(cfg.Remote.IdentityFiles, ExpandPath(f))
		}
		if r.InsecureIgnoreHostKey != nil {
			cfg.Remote.InsecureIgnoreHostKey = *r.InsecureIgnoreHostKey
		}
		if cfg.Remote.ConnectTimeout, err = parseDuration("remote.connect_timeout", r.ConnectTimeout, cfg.Remote.ConnectTimeout); err != nil {
			return nil, err
		}
		if cfg.Remote.CommandTimeout, err = parseDuration("remote.command_timeout", r.CommandTimeout, cfg.Remote.CommandTimeout); err != nil {
			return nil, err
		}
	}

	if s := hclCfg.Speech; s != nil {
		setString(&cfg.Speech.CloudCredential, s.CloudCredential)
		setString(&cfg.Speech.VoiceID, s.VoiceID)
		setString(&cfg.Speech.ModelID, s.ModelID)
		setString(&cfg.Speech.OutputFormat, s.OutputFormat)
		if s.DesktopFallback != nil {
			cfg.Speech.DesktopFallback = *s.DesktopFallback
		}
	}

	// Declared credentials replace the built-in ones of the same name
	for _, c := range hclCfg.Credentials {
		cfg.Credentials[c.Name] = &CredentialConfig{
			Name:    c.Name,
			Env:     c.Env,
			OpItem:  c.OpItem,
			OpVault: c.OpVault,
			OpField: c.OpField,
		}
	}

	return cfg, nil
}

// InitializeConfig loads config.hcl from configPath, falling back to defaults when
// the file does not exist. TTSRELAY_STATE_DIR overrides the state directory.
func InitializeConfig(configPath string, verbose int) (*Configuration, error) {
	filename := filepath.Join(configPath, ConfigFileName)

	var cfg *Configuration
	if ConfigExists(filename) {
		loaded, err := LoadConfig(filename)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = GetDefaultConfig()
		cfg.ConfigPath = configPath
	}

	if dir := os.Getenv("TTSRELAY_STATE_DIR"); dir != "" {
		cfg.StateDir = ExpandPath(dir)
	}
	if verbose > cfg.Verbose {
		cfg.Verbose = verbose
	}

	Config = cfg
	return cfg, nil
}

// GetDefaultConfig returns a Configuration with default values
func GetDefaultConfig() *Configuration {
	homeDir, _ := os.UserHomeDir()
	configPath := filepath.Join(homeDir, BaseDirName)

	return &Configuration{
		ConfigPath:  configPath,
		StateDir:    filepath.Join(configPath, "state"),
		ServiceName: "tts-laptop-server",
		Ports: PortsConfig{
			Base:  1414,
			Max:   9000,
			Avoid: []int{5555, 5556, 4040},
		},
		Listener: ListenerConfig{
			Bind:            "127.0.0.1",
			Path:            "/tts",
			HealthPath:      "/health",
			HealthTimeout:   3 * time.Second,
			HealthInterval:  250 * time.Millisecond,
			TokenCredential: "webhook-token",
		},
		Tunnel: TunnelConfig{
			Command:      "ngrok",
			APIURL:       "http://127.0.0.1:4040/api/tunnels",
			PollInterval: 3 * time.Second,
			PollAttempts: 10,
		},
		Remote: RemoteConfig{
			Port:            22,
			EnvFile:         "/opt/asw/.env",
			KnownHostsFile:  filepath.Join(homeDir, ".ssh", "known_hosts"),
			ConnectTimeout:  5 * time.Second,
			CommandTimeout:  30 * time.Second,
			NotifierCommand: "ttsrelay notify",
		},
		Speech: SpeechConfig{
			CloudCredential: "elevenlabs",
			VoiceID:         "MM489xMK9DfnbQX6x7OW",
			ModelID:         "eleven_turbo_v2_5",
			OutputFormat:    "mp3_44100_128",
		},
		Credentials: map[string]*CredentialConfig{
			"elevenlabs":    {Name: "elevenlabs", Env: "ELEVENLABS_API_KEY"},
			"webhook-token": {Name: "webhook-token", Env: "TTS_WEBHOOK_TOKEN"},
		},
	}
}

// ConfigExists checks if a config file exists
func ConfigExists(configPath string) bool {
	_, err := os.Stat(configPath)
	return err == nil
}

// ExpandPath expands a leading ~ to the user's home directory
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func parseDuration(key, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return d, nil
}
