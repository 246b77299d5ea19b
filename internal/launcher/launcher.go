// Package launcher starts the webhook listener and the tunnel client and waits
// for each to become usable.
package launcher

import (
	"go.olrik.dev/ttsrelay/internal/supervisor"
)

// Supervisor is the subset of supervisor.Supervisor the launchers need
type Supervisor interface {
	Launch(role supervisor.Role, argv []string, env []string) (supervisor.Record, error)
	Terminate(role supervisor.Role) error
	IsAlive(role supervisor.Role) bool
}
