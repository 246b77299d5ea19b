package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.olrik.dev/ttsrelay/internal/core"
	"go.olrik.dev/ttsrelay/internal/supervisor"
)

func NewLogsCommand() *cobra.Command {
	var lines int
	var follow, verbose, noColor bool
	var filter string

	logsCmd := &cobra.Command{
		Use:     "logs [listener|tunnel]",
		Aliases: []string{"log"},
		Short:   "Show the captured output of the listener or the tunnel",
		Long: `Show the captured output of the listener (default) or the tunnel.

Examples:
  ttsrelay logs              # Last 20 listener lines, INFO and above
  ttsrelay logs -v           # Include DEBUG lines
  ttsrelay logs tunnel -f    # Follow the tunnel log
  ttsrelay logs -F speech    # Only speech related lines`,
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{string(supervisor.RoleListener), string(supervisor.RoleTunnel)},
		RunE: func(cmd *cobra.Command, args []string) error {
			role := supervisor.RoleListener
			if len(args) == 1 {
				role = supervisor.Role(args[0])
				if role != supervisor.RoleListener && role != supervisor.RoleTunnel {
					return fmt.Errorf("unknown process %q (want listener or tunnel)", args[0])
				}
			}

			f, err := os.Open(core.Config.LogFilePath(string(role)))
			if err != nil {
				return fmt.Errorf("no log for %s: %w", role, err)
			}
			defer f.Close()

			keep := func(line string) bool {
				if !verbose && isDebugLog(line) {
					return false
				}
				return filter == "" || matchesFilter(line, filter)
			}
			emit := func(line string) {
				if noColor {
					line = stripANSI(line)
				}
				fmt.Print(line)
			}

			for _, line := range tailLines(f, lines, keep) {
				emit(line)
			}
			if !follow {
				return nil
			}

			// Tail the file until interrupted; the launcher truncates it on restart
			reader := bufio.NewReader(f)
			ctx := cmd.Context()
			for {
				line, err := reader.ReadString('\n')
				if err == nil {
					if keep(line) {
						emit(line)
					}
					continue
				}
				if err != io.EOF {
					return err
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(500 * time.Millisecond):
				}
				if info, statErr := f.Stat(); statErr == nil {
					if pos, _ := f.Seek(0, io.SeekCurrent); info.Size() < pos {
						f.Seek(0, io.SeekStart)
						reader.Reset(f)
					}
				}
			}
		},
	}

	logsCmd.Flags().IntVarP(&lines, "lines", "L", 20, "Number of history lines to show")
	logsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new lines")
	logsCmd.Flags().BoolVar(&verbose, "debug", false, "Show DEBUG level lines")
	logsCmd.Flags().StringVarP(&filter, "filter", "F", "", "Filter lines by keyword (e.g., speech, auth, reload, tunnel)")
	logsCmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	return logsCmd
}

// tailLines returns the last n lines of r that pass keep, leaving r at EOF
func tailLines(r io.Reader, n int, keep func(string) bool) []string {
	var ring []string
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if line != "" && keep(line) {
			if !strings.HasSuffix(line, "\n") {
				line += "\n"
			}
			ring = append(ring, line)
			if len(ring) > n {
				ring = ring[1:]
			}
		}
		if err != nil {
			return ring
		}
	}
}

// isDebugLog checks if a log line is a DEBUG level log
func isDebugLog(line string) bool {
	stripped := stripANSI(line)
	return strings.Contains(stripped, " DBG ") || strings.Contains(stripped, "\tDBG\t") ||
		strings.Contains(stripped, "lvl=dbug")
}

// matchesFilter checks if a log line matches a category or a plain keyword
func matchesFilter(line, filter string) bool {
	filter = strings.ToLower(filter)
	lineLower := strings.ToLower(line)

	switch filter {
	case "speech":
		return strings.Contains(lineLower, "speech") ||
			strings.Contains(lineLower, "playback") ||
			strings.Contains(lineLower, "backend")
	case "auth":
		return strings.Contains(lineLower, "unauthorized") ||
			strings.Contains(lineLower, "token")
	case "reload":
		return strings.Contains(lineLower, "reload") ||
			strings.Contains(lineLower, "settings")
	case "tunnel":
		return strings.Contains(lineLower, "tunnel") ||
			strings.Contains(lineLower, "url=")
	default:
		return strings.Contains(lineLower, filter)
	}
}

// stripANSI removes ANSI escape codes from a string
func stripANSI(s string) string {
	var result strings.Builder
	inEscape := false

	for i := 0; i < len(s); i++ {
		if s[i] == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if s[i] == 'm' {
				inEscape = false
			}
			continue
		}
		result.WriteByte(s[i])
	}

	return result.String()
}
