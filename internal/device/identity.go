// Package device assigns and persists the stable identifier of a yuki installation.
package device

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// file is the on-disk form of the identity: {"id": "<uuid>"}.
type file struct {
	ID string `json:"id"`
}

// Identity resolves the device id lazily and memoizes it for the process lifetime.
type Identity struct {
	path string

	mu sync.Mutex
	id string
}

// New returns an Identity backed by the JSON file at path. Nothing is read
// until ID is called.
func New(path string) *Identity {
	return &Identity{path: path}
}

// Path returns the identity file location.
func (i *Identity) Path() string {
	return i.path
}

// ID returns the device id. On first use it reads the identity file; if the
// file is absent or malformed a new UUID is minted and persisted. A persist
// failure is returned and nothing is memoized, so the next call retries.
func (i *Identity) ID() (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.id != "" {
		return i.id, nil
	}

	if id, ok := readIdentity(i.path); ok {
		i.id = id
		return id, nil
	}

	id := uuid.NewString()
	if err := writeIdentity(i.path, id); err != nil {
		return "", err
	}
	i.id = id
	return id, nil
}

// readIdentity returns the stored id, or false if the file is missing,
// unreadable, or does not hold a valid UUID.
func readIdentity(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}

	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return "", false
	}
	if _, err := uuid.Parse(f.ID); err != nil {
		return "", false
	}
	return f.ID, true
}

// writeIdentity persists id atomically (temp file + rename).
func writeIdentity(path, id string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create identity directory: %w", err)
	}

	data, err := json.Marshal(file{ID: id})
	if err != nil {
		return fmt.Errorf("failed to encode device identity: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".device-*.json")
	if err != nil {
		return fmt.Errorf("failed to create identity temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write device identity: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write device identity: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to persist device identity: %w", err)
	}
	return nil
}
