package keyring

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// GenerateToken returns a random 256-bit hex token for the webhook bearer secret
func GenerateToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}
