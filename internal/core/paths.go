package core

import (
	"fmt"
	"path/filepath"
)

const (
	EndpointFileName       = "tunnel_url.txt"
	ListenerConfigFileName = "listener.hcl"
	EventsDBFileName       = "events.db"
)

// PIDFilePath returns the PID file for a process role
func (c *Configuration) PIDFilePath(role string) string {
	return filepath.Join(c.StateDir, fmt.Sprintf("%s.pid", role))
}

// LogFilePath returns the captured output file for a process role
func (c *Configuration) LogFilePath(role string) string {
	return filepath.Join(c.StateDir, fmt.Sprintf("%s.log", role))
}

func (c *Configuration) EndpointFilePath() string {
	return filepath.Join(c.StateDir, EndpointFileName)
}

func (c *Configuration) ListenerConfigPath() string {
	return filepath.Join(c.StateDir, ListenerConfigFileName)
}

func (c *Configuration) EventsDBPath() string {
	return filepath.Join(c.StateDir, EventsDBFileName)
}
