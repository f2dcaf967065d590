package host

import (
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/smazurov/vcapd/internal/vdev"
)

// ErrEntryNotFound is returned for unknown debugfs paths.
var ErrEntryNotFound = errors.New("debugfs entry not found")

type debugEntry struct {
	path     string
	snapshot func() any
}

func (e *debugEntry) Name() string { return e.path }

// DebugFS is an introspection tree. Directories are created with
// CreateRoot and leaf entries render a snapshot on read.
type DebugFS struct {
	mu      sync.RWMutex
	entries map[string]*debugEntry
}

// NewDebugFS creates an empty tree.
func NewDebugFS() *DebugFS {
	return &DebugFS{entries: make(map[string]*debugEntry)}
}

// CreateRoot implements vdev.Introspector.
func (fs *DebugFS) CreateRoot(name string) (vdev.DebugHandle, error) {
	return fs.create(name, nil)
}

// CreateDevice implements vdev.Introspector.
func (fs *DebugFS) CreateDevice(root vdev.DebugHandle, name string, snapshot func() any) (vdev.DebugHandle, error) {
	if root == nil {
		return nil, errors.New("nil debugfs root")
	}
	fs.mu.RLock()
	_, ok := fs.entries[root.Name()]
	fs.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, root.Name())
	}
	return fs.create(path.Join(root.Name(), name), snapshot)
}

func (fs *DebugFS) create(p string, snapshot func() any) (*debugEntry, error) {
	if p == "" || strings.Contains(p, "..") {
		return nil, fmt.Errorf("invalid debugfs path %q", p)
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.entries[p]; ok {
		return nil, fmt.Errorf("debugfs entry %s exists", p)
	}
	e := &debugEntry{path: p, snapshot: snapshot}
	fs.entries[p] = e
	return e, nil
}

// Remove implements vdev.Introspector. Removing a directory removes the
// entries below it.
func (fs *DebugFS) Remove(h vdev.DebugHandle) {
	if h == nil {
		return
	}
	name := h.Name()
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for p := range fs.entries {
		if p == name || strings.HasPrefix(p, name+"/") {
			delete(fs.entries, p)
		}
	}
}

// Read renders the entry at p. Directories read as nil.
func (fs *DebugFS) Read(p string) (any, error) {
	fs.mu.RLock()
	e, ok := fs.entries[p]
	fs.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, p)
	}
	if e.snapshot == nil {
		return nil, nil
	}
	return e.snapshot(), nil
}

// Paths returns every entry path, sorted.
func (fs *DebugFS) Paths() []string {
	fs.mu.RLock()
	out := make([]string, 0, len(fs.entries))
	for p := range fs.entries {
		out = append(out, p)
	}
	fs.mu.RUnlock()
	slices.Sort(out)
	return out
}
