package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"go.olrik.dev/ttsrelay/internal/core"
	"golang.org/x/term"
)

func NewRootCommand() *cobra.Command {
	var configPath string
	var verbose int

	homeDir, _ := os.UserHomeDir()

	rootCmd := &cobra.Command{
		Use:           "ttsrelay",
		Short:         "ttsrelay - speak remote agent notifications on this laptop",
		Long:          `ttsrelay - speak remote agent notifications on this laptop`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(verbose)
			_, err := core.InitializeConfig(core.ExpandPath(configPath), verbose)
			return err
		},
	}
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config-path", filepath.Join(homeDir, core.BaseDirName),
		"config path",
	)
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "more output, repeat for even more")

	rootCmd.AddCommand(
		NewStartCommand(),
		NewStopCommand(),
		NewStatusCommand(),
		NewRestartCommand(),
		NewListenCommand(),
		NewNotifyCommand(),
		NewDiagnoseCommand(),
		NewSecretCommand(),
		NewHistoryCommand(),
		NewLogsCommand(),
		NewVersionCommand(),
	)

	return rootCmd
}

// setupLogging installs a tint handler on stderr; -v enables debug output
func setupLogging(verbose int) {
	level := slog.LevelInfo
	if verbose > 0 {
		level = slog.LevelDebug
	}

	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
		NoColor:    !term.IsTerminal(int(os.Stderr.Fd())),
	})
	slog.SetDefault(slog.New(handler))
}

// reportKnown prints a taxonomy failure with its remediation. It reports false
// for errors outside the taxonomy, which the caller should return.
func reportKnown(err error) bool {
	if !core.IsKnown(err) {
		return false
	}
	slog.Error(err.Error())
	if hint := core.Remediation(err); hint != "" {
		fmt.Fprintf(os.Stderr, "Hint: %s\n", hint)
	}
	return true
}
