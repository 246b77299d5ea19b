package keyring

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/99designs/keyring"
)

const (
	serviceName = "ttsrelay"
)

var (
	ring     keyring.Keyring
	ringOnce sync.Once
	ringErr  error
)

// initKeyring opens the platform keyring once per process
func initKeyring() (keyring.Keyring, error) {
	ringOnce.Do(func() {
		// No FileBackend: it needs a directory and a passphrase prompt
		ring, ringErr = keyring.Open(keyring.Config{
			ServiceName: serviceName,
			AllowedBackends: []keyring.BackendType{
				keyring.KeychainBackend,      // macOS Keychain
				keyring.SecretServiceBackend, // Linux Secret Service (GNOME Keyring, KWallet)
				keyring.WinCredBackend,       // Windows Credential Manager
				keyring.PassBackend,          // Pass (password-store.org)
			},
		})
	})
	return ring, ringErr
}

// Store is a named secret store
type Store interface {
	Get(name string) (string, error)
	Set(name, value string) error
	Delete(name string) error
}

// SystemStore is the platform keyring
type SystemStore struct{}

// Set stores a secret under name
func (SystemStore) Set(name, value string) error {
	kr, err := initKeyring()
	if err != nil {
		return fmt.Errorf("failed to open keyring: %w", err)
	}

	return kr.Set(keyring.Item{
		Key:         name,
		Data:        []byte(value),
		Label:       fmt.Sprintf("ttsrelay %s", name),
		Description: "ttsrelay credential",
	})
}

// Get returns the secret stored under name, or "" if there is none
func (SystemStore) Get(name string) (string, error) {
	kr, err := initKeyring()
	if err != nil {
		return "", fmt.Errorf("failed to open keyring: %w", err)
	}

	item, err := kr.Get(name)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to retrieve secret: %w", err)
	}
	return string(item.Data), nil
}

// Delete removes the secret stored under name
func (SystemStore) Delete(name string) error {
	kr, err := initKeyring()
	if err != nil {
		return fmt.Errorf("failed to open keyring: %w", err)
	}

	err = kr.Remove(name)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("no secret stored for '%s'", name)
	}
	return err
}

// Has reports whether a secret is stored under name
func Has(name string) bool {
	kr, err := initKeyring()
	if err != nil {
		return false
	}

	_, err = kr.Get(name)
	return err == nil
}

// List returns the names of all stored secrets
func List() ([]string, error) {
	kr, err := initKeyring()
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}

	keys, err := kr.Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}
