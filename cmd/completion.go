package cmd

import (
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.olrik.dev/ttsrelay/internal/core"
)

// credentialNames returns the configured credential names, sorted
func credentialNames(creds map[string]*core.CredentialConfig) []string {
	names := make([]string, 0, len(creds))
	for name := range creds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func credentialCompletionFunc(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	// Completion runs without PersistentPreRunE, so fall back to defaults
	cfg := core.Config
	if cfg == nil {
		cfg = core.GetDefaultConfig()
	}

	var matches []string
	for _, name := range credentialNames(cfg.Credentials) {
		if strings.HasPrefix(name, toComplete) {
			matches = append(matches, name)
		}
	}
	return matches, cobra.ShellCompDirectiveNoFileComp
}
