package launcher

import (
	"errors"
	"fmt"
	"os"

	"go.olrik.dev/ttsrelay/internal/core"
)

// EndpointStore persists the discovered public endpoint as a single URL line
type EndpointStore struct {
	path string
}

func NewEndpointStore(path string) *EndpointStore {
	return &EndpointStore{path: path}
}

func (s *EndpointStore) Path() string {
	return s.path
}

// Save atomically replaces the stored endpoint
func (s *EndpointStore) Save(ep core.ServiceEndpoint) error {
	if err := core.WriteFileAtomic(s.path, []byte(ep.URL()+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to save endpoint: %w", err)
	}
	return nil
}

// Load returns the stored endpoint. A missing file is reported as ok=false, not an error.
func (s *EndpointStore) Load() (core.ServiceEndpoint, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return core.ServiceEndpoint{}, false, nil
	}
	if err != nil {
		return core.ServiceEndpoint{}, false, fmt.Errorf("failed to read endpoint file: %w", err)
	}

	ep, err := core.ParseServiceEndpoint(string(data))
	if err != nil {
		return core.ServiceEndpoint{}, false, err
	}
	return ep, true, nil
}

// Remove deletes the stored endpoint; removing an absent file succeeds
func (s *EndpointStore) Remove() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove endpoint file: %w", err)
	}
	return nil
}
