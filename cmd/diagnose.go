package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"go.olrik.dev/ttsrelay/internal/core"
	"go.olrik.dev/ttsrelay/internal/diagnostics"
	"go.olrik.dev/ttsrelay/internal/keyring"
	"go.olrik.dev/ttsrelay/internal/launcher"
)

func NewDiagnoseCommand() *cobra.Command {
	var localOnly, serverOnly bool

	diagnoseCmd := &cobra.Command{
		Use:     "diagnose",
		Aliases: []string{"doctor"},
		Short:   "Check every hop from the remote peer to the speaker",
		Long: `Check the listener, the tunnel and the remote peer without changing anything.

The listener and tunnel checks send short test messages, so expect to hear them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := diagnostics.ScopeFromFlags(localOnly, serverOnly)
			if err != nil {
				return err
			}

			cfg := core.Config
			token := ""
			if cfg.Listener.TokenCredential != "" {
				token, _ = keyring.NewSource(cfg).Fetch(cmd.Context(), cfg.Listener.TokenCredential)
			}

			var rem diagnostics.Remote
			if cfg.Remote.Host != "" {
				rem = newConfigurator(cfg)
			}

			d := diagnostics.New(cfg, launcher.NewEndpointStore(cfg.EndpointFilePath()), rem, token)
			report := d.Run(cmd.Context(), scope)
			report.Print(os.Stdout)

			return cmd.Context().Err()
		},
	}
	diagnoseCmd.Flags().BoolVar(&localOnly, "local-only", false, "only check the listener and the tunnel")
	diagnoseCmd.Flags().BoolVar(&serverOnly, "server-only", false, "only check the remote peer")
	diagnoseCmd.MarkFlagsMutuallyExclusive("local-only", "server-only")

	return diagnoseCmd
}
