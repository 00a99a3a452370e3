package remote

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// MemStore is an in-memory Store for tests. Several engines may share one
// MemStore to simulate devices talking to the same remote.
type MemStore struct {
	mu    sync.Mutex
	files map[string][]byte
	fail  map[string]error
	calls []string
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		files: make(map[string][]byte),
		fail:  make(map[string]error),
	}
}

// FailOn makes every later call of the named method ("CopyDirTo", "Purge", ...)
// return err. A nil err clears the injection.
func (m *MemStore) FailOn(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, method)
		return
	}
	m.fail[method] = err
}

// Calls returns the methods invoked so far, in order.
func (m *MemStore) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Put stores a remote file directly.
func (m *MemStore) Put(remotePath string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[clean(remotePath)] = append([]byte(nil), data...)
}

// Get returns a remote file and whether it exists.
func (m *MemStore) Get(remotePath string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[clean(remotePath)]
	return data, ok
}

// List returns the sorted remote paths under dir.
func (m *MemStore) List(dir string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := clean(dir) + "/"
	var out []string
	for p := range m.files {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func clean(p string) string {
	return strings.Trim(path.Clean("/"+p), "/")
}

// begin records the call and returns any injected failure. Callers hold m.mu.
func (m *MemStore) begin(method string) error {
	m.calls = append(m.calls, method)
	return m.fail[method]
}

// Name implements Store.
func (m *MemStore) Name() string {
	return "memory"
}

// RemoteString implements Store.
func (m *MemStore) RemoteString(p string) string {
	return "memory:" + clean(p)
}

// CopyTo implements Store.
func (m *MemStore) CopyTo(ctx context.Context, localPath, remotePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("CopyTo"); err != nil {
		return err
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	m.files[clean(remotePath)] = data
	return nil
}

// CopyFrom implements Store.
func (m *MemStore) CopyFrom(ctx context.Context, remotePath, localPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("CopyFrom"); err != nil {
		return err
	}
	data, ok := m.files[clean(remotePath)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, remotePath)
	}
	return os.WriteFile(localPath, data, 0644)
}

// CopyDirTo implements Store. Only regular files directly in localDir are copied.
func (m *MemStore) CopyDirTo(ctx context.Context, localDir, remoteDir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("CopyDirTo"); err != nil {
		return err
	}
	entries, err := os.ReadDir(localDir)
	if err != nil {
		return err
	}
	staged := make(map[string][]byte, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(localDir, entry.Name()))
		if err != nil {
			return err
		}
		staged[clean(remoteDir+"/"+entry.Name())] = data
	}
	for p, data := range staged {
		m.files[p] = data
	}
	return nil
}

// CopyDirFrom implements Store.
func (m *MemStore) CopyDirFrom(ctx context.Context, remoteDir, localDir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("CopyDirFrom"); err != nil {
		return err
	}
	if err := os.MkdirAll(localDir, 0755); err != nil {
		return err
	}
	prefix := clean(remoteDir) + "/"
	for p, data := range m.files {
		name, ok := strings.CutPrefix(p, prefix)
		if !ok || strings.Contains(name, "/") {
			continue
		}
		if err := os.WriteFile(filepath.Join(localDir, name), data, 0644); err != nil {
			return err
		}
	}
	return nil
}

// Purge implements Store.
func (m *MemStore) Purge(ctx context.Context, remoteDir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("Purge"); err != nil {
		return err
	}
	prefix := clean(remoteDir) + "/"
	for p := range m.files {
		if strings.HasPrefix(p, prefix) {
			delete(m.files, p)
		}
	}
	return nil
}
