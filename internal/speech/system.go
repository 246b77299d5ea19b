package speech

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// System speaks through the operating system's voice
type System struct{}

func (System) Name() string { return "system" }

func (System) Play(ctx context.Context, text string) error {
	argv, stdin, err := systemCommand(runtime.GOOS, text, exec.LookPath)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("speech failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// systemCommand returns the voice command and the text to feed it on stdin.
// Webhook text never lands in argv where it could be parsed as an option.
func systemCommand(goos, text string, lookPath func(string) (string, error)) ([]string, string, error) {
	switch goos {
	case "darwin":
		return []string{"say", "-f", "-"}, text, nil
	case "windows":
		script := fmt.Sprintf("Add-Type -AssemblyName System.Speech; (New-Object System.Speech.Synthesis.SpeechSynthesizer).Speak(%s)", psQuote(text))
		return []string{"powershell", "-NoProfile", "-Command", script}, "", nil
	default:
		for _, bin := range []string{"espeak-ng", "espeak"} {
			if path, err := lookPath(bin); err == nil {
				return []string{path, "--stdin"}, text, nil
			}
		}
		return nil, "", fmt.Errorf("%w: install espeak-ng or espeak", ErrUnavailable)
	}
}

// psQuote renders s as a single-quoted PowerShell string literal
func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
