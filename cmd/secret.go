package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.olrik.dev/ttsrelay/internal/core"
	"go.olrik.dev/ttsrelay/internal/keyring"
)

func NewSecretCommand() *cobra.Command {
	secretCmd := &cobra.Command{
		Use:     "secret",
		Aliases: []string{"secrets"},
		Short:   "Manage the webhook token and the speech API key",
		Long: `Store, delete, and list secrets in the system keyring (Keychain on macOS,
Secret Service on Linux). Secrets found in the keyring win over 1Password and
environment variables.`,
	}

	var generate bool
	setCmd := &cobra.Command{
		Use:               "set <name>",
		Short:             "Store a secret",
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: credentialCompletionFunc,
		Run: func(cmd *cobra.Command, args []string) {
			name := args[0]

			var value string
			var err error
			if generate {
				value, err = keyring.GenerateToken()
			} else {
				value, err = keyring.PromptAndConfirmSecret(name)
			}
			if err != nil {
				slog.Error(fmt.Sprintf("Failed to read secret: %v", err))
				os.Exit(1)
			}

			if err := (keyring.SystemStore{}).Set(name, value); err != nil {
				slog.Error(fmt.Sprintf("Failed to store secret: %v", err))
				os.Exit(1)
			}

			slog.Info(fmt.Sprintf("Secret stored securely for '%s'", name))
			if generate {
				// Printed once so it can be copied to the remote peer
				fmt.Println(value)
			}
		},
	}
	setCmd.Flags().BoolVar(&generate, "generate", false, "generate a random token instead of prompting")

	deleteCmd := &cobra.Command{
		Use:               "delete <name>",
		Aliases:           []string{"del", "remove", "rm"},
		Short:             "Delete a stored secret",
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: credentialCompletionFunc,
		Run: func(cmd *cobra.Command, args []string) {
			name := args[0]

			if !keyring.Has(name) {
				slog.Warn(fmt.Sprintf("No secret stored for '%s'", name))
				return
			}
			if err := (keyring.SystemStore{}).Delete(name); err != nil {
				slog.Error(fmt.Sprintf("Failed to delete secret: %v", err))
				os.Exit(1)
			}

			slog.Info(fmt.Sprintf("Secret deleted for '%s'", name))
		},
	}

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List configured secrets and whether they are stored",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			stored, err := keyring.List()
			if err != nil {
				slog.Error(fmt.Sprintf("Failed to list secrets: %v", err))
				os.Exit(1)
			}

			fmt.Println("Secrets:")
			for _, line := range secretListing(core.Config.Credentials, stored) {
				fmt.Printf("  - %s\n", line)
			}
		},
	}

	secretCmd.AddCommand(setCmd, deleteCmd, listCmd)
	return secretCmd
}

// secretListing describes every configured credential plus any stray keyring entries
func secretListing(creds map[string]*core.CredentialConfig, stored []string) []string {
	inKeyring := make(map[string]bool, len(stored))
	for _, name := range stored {
		inKeyring[name] = true
	}

	var lines []string
	for _, name := range credentialNames(creds) {
		cred := creds[name]
		var sources []string
		if inKeyring[name] {
			sources = append(sources, "keyring")
		}
		if cred.OpItem != "" {
			sources = append(sources, "1password:"+cred.OpItem)
		}
		if cred.Env != "" {
			sources = append(sources, "env:"+cred.Env)
		}
		if len(sources) == 0 {
			sources = append(sources, "not stored")
		}
		lines = append(lines, fmt.Sprintf("%s (%s)", name, strings.Join(sources, ", ")))
	}

	for _, name := range stored {
		if _, ok := creds[name]; !ok {
			lines = append(lines, fmt.Sprintf("%s (keyring, unused)", name))
		}
	}
	return lines
}
