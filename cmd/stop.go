package cmd

import (
	"github.com/spf13/cobra"
	"go.olrik.dev/ttsrelay/internal/core"
)

func NewStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the listener and the tunnel",
		Long: `Stop the listener and the tunnel and forget the public URL.

Stopping an already stopped relay is not an error.`,
		Aliases: []string{"down", "shutdown"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, cleanup := newOrchestrator(core.Config, true)
			defer cleanup()

			return o.Stop(cmd.Context())
		},
	}
}
