package cmd

import (
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.olrik.dev/ttsrelay/internal/core"
	"go.olrik.dev/ttsrelay/internal/db"
	"go.olrik.dev/ttsrelay/internal/speech"
	"go.olrik.dev/ttsrelay/internal/webhook"
)

func NewListenCommand() *cobra.Command {
	var configFile string

	listenCmd := &cobra.Command{
		Use:    "listen",
		Short:  "Run the webhook listener in the foreground",
		Long:   `Run the webhook listener in the foreground. 'ttsrelay start' launches this in the background.`,
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile == "" {
				configFile = core.Config.ListenerConfigPath()
			}
			settings, err := webhook.LoadSettings(configFile)
			if err != nil {
				return err
			}

			token := os.Getenv(core.ListenerTokenEnv)
			apiKey := os.Getenv(core.ListenerAPIKeyEnv)
			if token == "" {
				slog.Warn("No webhook token configured, accepting unauthenticated requests")
			}

			var events webhook.EventLogger
			if store, err := db.Open(core.Config.EventsDBPath()); err != nil {
				slog.Warn("Event database unavailable, speech requests will not be recorded", "error", err)
			} else {
				defer store.Close()
				events = store
			}

			newSpeaker := func(s webhook.SpeechSettings) webhook.Speaker {
				return speech.NewChain(speech.Options{
					APIKey:          apiKey,
					VoiceID:         s.VoiceID,
					ModelID:         s.ModelID,
					OutputFormat:    s.OutputFormat,
					DesktopFallback: s.DesktopFallback,
				})
			}

			server := webhook.NewServer(settings, token, newSpeaker, events)
			if err := server.Watch(cmd.Context(), configFile, 100*time.Millisecond); err != nil {
				slog.Warn("Config reload disabled", "path", configFile, "error", err)
			}

			slog.Info("Listener starting", "port", settings.Port, "bind", settings.Bind, "path", settings.Path, "version", core.Version)
			return server.Serve(cmd.Context())
		},
	}
	listenCmd.Flags().StringVar(&configFile, "config", "", "listener config file (default <state dir>/listener.hcl)")

	return listenCmd
}
