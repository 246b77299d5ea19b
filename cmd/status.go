package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.olrik.dev/ttsrelay/internal/core"
	"go.olrik.dev/ttsrelay/internal/lifecycle"
)

// statusJSON is the machine-readable form of a status report
type statusJSON struct {
	Running         bool   `json:"running"`
	ListenerRunning bool   `json:"listener_running"`
	ListenerHealthy bool   `json:"listener_healthy"`
	ListenerPort    int    `json:"listener_port,omitempty"`
	TunnelRunning   bool   `json:"tunnel_running"`
	PublicURL       string `json:"public_url,omitempty"`
}

func NewStatusCommand() *cobra.Command {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the listener and the tunnel are running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, cleanup := newOrchestrator(core.Config, false)
			defer cleanup()

			report := o.Status(cmd.Context())
			format, _ := cmd.Flags().GetString("format")
			return writeStatus(os.Stdout, format, report, core.Config.Listener.Path)
		},
	}
	statusCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")

	return statusCmd
}

func writeStatus(w io.Writer, format string, report lifecycle.StatusReport, path string) error {
	switch format {
	case "text":
		report.Print(w, path)
		return nil
	case "json":
		out := statusJSON{
			Running:         report.Running(),
			ListenerRunning: report.ListenerRunning,
			ListenerHealthy: report.ListenerHealthy,
			ListenerPort:    report.ListenerPort,
			TunnelRunning:   report.TunnelRunning,
		}
		if report.HasEndpoint {
			out.PublicURL = report.Endpoint.WebhookURL(path)
		}
		data, err := json.Marshal(out)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
		return nil
	}
	return fmt.Errorf("unknown format %q", format)
}
