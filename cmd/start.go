package cmd

import (
	"github.com/spf13/cobra"
	"go.olrik.dev/ttsrelay/internal/core"
	"go.olrik.dev/ttsrelay/internal/lifecycle"
)

func NewStartCommand() *cobra.Command {
	var opts lifecycle.StartOptions

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the listener and the tunnel",
		Long: `Start the webhook listener and the tunnel in the background.

The listener port comes from the port registry when one is configured, otherwise
the first free port from ports.base is used. The registry lookup is off until a
command is set in the config file:

  registry {
    command = "asw-port-manager"
  }

It is asked "<command> get <service_name>" first, then its "infra-list" table. Once the tunnel reports a public
HTTPS URL, the remote peer can be pointed at it (use --remote to skip the prompt).

Running processes from a previous start are replaced.`,
		Aliases: []string{"up"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, cleanup := newOrchestrator(core.Config, true)
			defer cleanup()

			if _, err := o.Start(cmd.Context(), opts); err != nil {
				if reportKnown(err) {
					return nil
				}
				return err
			}
			return nil
		},
	}
	startCmd.Flags().BoolVar(&opts.ConfigureRemote, "remote", false, "configure the remote peer without asking")

	return startCmd
}
