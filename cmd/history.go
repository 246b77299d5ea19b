package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.olrik.dev/ttsrelay/internal/core"
	"go.olrik.dev/ttsrelay/internal/db"
)

func NewHistoryCommand() *cobra.Command {
	var limit int
	var speechOnly, lifecycleOnly bool

	historyCmd := &cobra.Command{
		Use:     "history",
		Aliases: []string{"events"},
		Short:   "Show recent lifecycle events and speech requests",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := core.Config.EventsDBPath()
			if !core.ConfigExists(path) {
				fmt.Println("No history recorded yet")
				return nil
			}

			store, err := db.Open(path)
			if err != nil {
				return err
			}
			defer store.Close()

			if !speechOnly {
				events, err := store.GetRecentLifecycleEvents(limit)
				if err != nil {
					return fmt.Errorf("failed to read lifecycle events: %w", err)
				}
				printLifecycleEvents(os.Stdout, events)
			}
			if !lifecycleOnly {
				requests, err := store.GetRecentSpeechRequests(limit)
				if err != nil {
					return fmt.Errorf("failed to read speech requests: %w", err)
				}
				printSpeechRequests(os.Stdout, requests)
			}
			return nil
		},
	}
	historyCmd.Flags().IntVarP(&limit, "lines", "n", 20, "number of entries to show")
	historyCmd.Flags().BoolVar(&speechOnly, "speech", false, "only show speech requests")
	historyCmd.Flags().BoolVar(&lifecycleOnly, "lifecycle", false, "only show lifecycle events")
	historyCmd.MarkFlagsMutuallyExclusive("speech", "lifecycle")

	return historyCmd
}

func printLifecycleEvents(w io.Writer, events []db.LifecycleEvent) {
	fmt.Fprintln(w, "Lifecycle events:")
	if len(events) == 0 {
		fmt.Fprintln(w, "  none")
		return
	}
	for _, e := range events {
		line := fmt.Sprintf("  %s  %-9s %-12s", e.Timestamp.Local().Format(time.DateTime), e.Component, e.EventType)
		if e.Details != "" {
			line += " " + e.Details
		}
		fmt.Fprintln(w, line)
	}
}

func printSpeechRequests(w io.Writer, requests []db.SpeechRequest) {
	fmt.Fprintln(w, "Speech requests:")
	if len(requests) == 0 {
		fmt.Fprintln(w, "  none")
		return
	}
	for _, r := range requests {
		backend := r.Backend
		if backend == "" {
			backend = "-"
		}
		fmt.Fprintf(w, "  %s  %-8s %-10s %4d chars  %s\n",
			r.Timestamp.Local().Format(time.DateTime), shortID(r.RequestID), r.Outcome, r.TextLength, backend)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
