package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"
	"go.olrik.dev/ttsrelay/internal/notify"
)

func NewNotifyCommand() *cobra.Command {
	var envFile string

	notifyCmd := &cobra.Command{
		Use:   "notify [text...]",
		Short: "Send text to the laptop's webhook",
		Long: `Send text to the laptop's webhook (run this on the remote server).

The webhook URL and token come from TTS_WEBHOOK_URL and TTS_WEBHOOK_TOKEN, or
from the env file written by 'ttsrelay start'. Delivery problems never fail
the command, so it is safe to call from agent hooks.`,
		Run: func(cmd *cobra.Command, args []string) {
			n := notify.New(envFile)
			if err := n.Notify(cmd.Context(), args); err != nil {
				slog.Debug("Notification not delivered", "error", err)
			}
		},
	}
	notifyCmd.Flags().StringVar(&envFile, "env-file", "", "env file to read when TTS_WEBHOOK_URL is unset (default $TTS_ENV_FILE or /opt/asw/.env)")

	return notifyCmd
}
