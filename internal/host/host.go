package host

import "github.com/smazurov/vcapd/internal/vdev"

// Host bundles the in-process facilities.
type Host struct {
	Registry *Registry
	Nodes    *NodeTable
	Graph    *Graph
	Debug    *DebugFS
}

// New creates a host with an unlimited node table.
func New() *Host {
	return &Host{
		Registry: NewRegistry(),
		Nodes:    NewNodeTable(0),
		Graph:    NewGraph(),
		Debug:    NewDebugFS(),
	}
}

// VDev returns the facilities in the form the capture core consumes.
func (h *Host) VDev() vdev.Host {
	return vdev.Host{
		Devices:      h.Registry,
		Nodes:        h.Nodes,
		Topology:     h.Graph,
		Introspector: h.Debug,
	}
}
