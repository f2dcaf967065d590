package host

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// ErrEntityExists is returned when a node already has an entity.
var ErrEntityExists = errors.New("entity already registered")

// Entity is a logical media-topology entity.
type Entity struct {
	Model   string `json:"model" example:"msm-ba" doc:"Entity model"`
	Node    string `json:"node" example:"video35" doc:"Backing node name"`
	GroupID int    `json:"group_id" example:"2" doc:"Entity group"`
}

// Graph is an in-memory media topology.
type Graph struct {
	mu       sync.Mutex
	entities map[string]Entity
	// Reject, when set, makes RegisterEntity fail for models it returns true for.
	Reject func(model string) bool
}

// NewGraph creates an empty topology graph.
func NewGraph() *Graph {
	return &Graph{entities: make(map[string]Entity)}
}

// RegisterEntity implements vdev.Topology.
func (g *Graph) RegisterEntity(model, node string, groupID int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Reject != nil && g.Reject(model) {
		return fmt.Errorf("entity model %s rejected", model)
	}
	if _, ok := g.entities[node]; ok {
		return fmt.Errorf("%w: %s", ErrEntityExists, node)
	}
	g.entities[node] = Entity{Model: model, Node: node, GroupID: groupID}
	return nil
}

// UnregisterEntity implements vdev.Topology.
func (g *Graph) UnregisterEntity(node string) {
	g.mu.Lock()
	delete(g.entities, node)
	g.mu.Unlock()
}

// Entities returns the registered entities ordered by node name.
func (g *Graph) Entities() []Entity {
	g.mu.Lock()
	out := make([]Entity, 0, len(g.entities))
	for _, e := range g.entities {
		out = append(out, e)
	}
	g.mu.Unlock()
	slices.SortFunc(out, func(a, b Entity) int { return strings.Compare(a.Node, b.Node) })
	return out
}
