package keyring

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// PromptSecret reads a secret from the terminal without echo
func PromptSecret(label string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s: ", label)

	// Prefer /dev/tty so piped stdin does not swallow the prompt
	fd := int(os.Stdin.Fd())
	tty, err := os.Open("/dev/tty")
	if err == nil {
		defer tty.Close()
		fd = int(tty.Fd())
	}

	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)

	if err != nil {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	return string(secret), nil
}

// PromptAndConfirmSecret prompts twice for the secret called name and checks both entries match
func PromptAndConfirmSecret(name string) (string, error) {
	first, err := PromptSecret(fmt.Sprintf("Enter value for '%s'", name))
	if err != nil {
		return "", err
	}
	if first == "" {
		return "", fmt.Errorf("empty value for '%s'", name)
	}

	second, err := PromptSecret(fmt.Sprintf("Confirm value for '%s'", name))
	if err != nil {
		return "", err
	}
	if first != second {
		return "", fmt.Errorf("values do not match")
	}
	return first, nil
}
