package cmd

import (
	"github.com/spf13/cobra"
	"go.olrik.dev/ttsrelay/internal/core"
	"go.olrik.dev/ttsrelay/internal/lifecycle"
)

func NewRestartCommand() *cobra.Command {
	var opts lifecycle.StartOptions

	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the listener and the tunnel",
		Long: `Stop the relay, wait for the ports to be released and start it again.

The tunnel gets a new public URL, so the remote peer usually needs to be
reconfigured (use --remote to do it without asking).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, cleanup := newOrchestrator(core.Config, true)
			defer cleanup()

			if _, err := o.Restart(cmd.Context(), opts); err != nil {
				if reportKnown(err) {
					return nil
				}
				return err
			}
			return nil
		},
	}
	restartCmd.Flags().BoolVar(&opts.ConfigureRemote, "remote", false, "configure the remote peer without asking")

	return restartCmd
}
