package host

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/smazurov/vcapd/internal/logging"
	"github.com/smazurov/vcapd/internal/vdev"
)

// Node table errors.
var (
	ErrMinorInUse   = errors.New("minor number in use")
	ErrNameInUse    = errors.New("node name in use")
	ErrTableFull    = errors.New("node table full")
	ErrNodeNotFound = errors.New("node not found")
	ErrInvalidNode  = errors.New("invalid node descriptor")
)

// NodeInfo describes a published node.
type NodeInfo struct {
	ID    string `json:"id" doc:"Node identifier"`
	Name  string `json:"name" example:"video35" doc:"Node name"`
	Class string `json:"class" example:"video" doc:"Node class"`
	Minor int    `json:"minor" example:"35" doc:"Minor number"`
	Path  string `json:"path" example:"/dev/video35" doc:"Device path"`
}

// NodeTable publishes device nodes by minor number.
type NodeTable struct {
	mu      sync.RWMutex
	byID    map[string]*vdev.NodeDescriptor
	byMinor map[int]string
	byName  map[string]string
	limit   int
	logger  *slog.Logger
}

// NewNodeTable creates a node table holding at most limit nodes. A limit
// of zero means unlimited.
func NewNodeTable(limit int) *NodeTable {
	return &NodeTable{
		byID:    make(map[string]*vdev.NodeDescriptor),
		byMinor: make(map[int]string),
		byName:  make(map[string]string),
		limit:   limit,
		logger:  logging.GetLogger("host"),
	}
}

// Publish implements vdev.NodePublisher.
func (t *NodeTable) Publish(desc *vdev.NodeDescriptor) (string, error) {
	if desc == nil || desc.Name == "" || desc.Ops == nil {
		return "", ErrInvalidNode
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.limit > 0 && len(t.byID) >= t.limit {
		return "", fmt.Errorf("%w: %d nodes", ErrTableFull, t.limit)
	}
	if _, ok := t.byMinor[desc.Minor]; ok {
		return "", fmt.Errorf("%w: %d", ErrMinorInUse, desc.Minor)
	}
	if _, ok := t.byName[desc.Name]; ok {
		return "", fmt.Errorf("%w: %s", ErrNameInUse, desc.Name)
	}
	id := uuid.NewString()
	t.byID[id] = desc
	t.byMinor[desc.Minor] = id
	t.byName[desc.Name] = id
	t.logger.Info("Node published", "name", desc.Name, "minor", desc.Minor, "id", id)
	return id, nil
}

// Unpublish implements vdev.NodePublisher. The descriptor's release
// callback runs once the node is gone.
func (t *NodeTable) Unpublish(id string) error {
	t.mu.Lock()
	desc, ok := t.byID[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	delete(t.byID, id)
	delete(t.byMinor, desc.Minor)
	delete(t.byName, desc.Name)
	t.mu.Unlock()

	t.logger.Info("Node unpublished", "name", desc.Name, "id", id)
	if desc.Release != nil {
		desc.Release()
	}
	return nil
}

// Lookup resolves a node by name, "/dev/" path or id.
func (t *NodeTable) Lookup(ref string) (vdev.NodeOps, NodeInfo, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id := ref
	if named, ok := t.byName[strings.TrimPrefix(ref, "/dev/")]; ok {
		id = named
	}
	desc, ok := t.byID[id]
	if !ok {
		return nil, NodeInfo{}, fmt.Errorf("%w: %s", ErrNodeNotFound, ref)
	}
	return desc.Ops, info(id, desc), nil
}

// LookupMinor resolves a node by minor number.
func (t *NodeTable) LookupMinor(minor int) (vdev.NodeOps, NodeInfo, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byMinor[minor]
	if !ok {
		return nil, NodeInfo{}, fmt.Errorf("%w: minor %d", ErrNodeNotFound, minor)
	}
	desc := t.byID[id]
	return desc.Ops, info(id, desc), nil
}

// List returns the published nodes ordered by minor number.
func (t *NodeTable) List() []NodeInfo {
	t.mu.RLock()
	out := make([]NodeInfo, 0, len(t.byID))
	for id, desc := range t.byID {
		out = append(out, info(id, desc))
	}
	t.mu.RUnlock()
	slices.SortFunc(out, func(a, b NodeInfo) int { return a.Minor - b.Minor })
	return out
}

// Len returns the number of published nodes.
func (t *NodeTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

func info(id string, desc *vdev.NodeDescriptor) NodeInfo {
	return NodeInfo{
		ID:    id,
		Name:  desc.Name,
		Class: desc.Class.String(),
		Minor: desc.Minor,
		Path:  "/dev/" + desc.Name,
	}
}
