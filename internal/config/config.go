// Package config loads and validates the topology file a simulation
// boots from: the three arrays of drones, clients, and servers that
// define initial node identities, per-drone packet drop rates, and the
// undirected adjacency every node starts wired to its configured
// neighbors over (§6 Configuration). Grounded on the original
// simulator's initialization_file_checker.rs, adapted from a
// check-after-deserialize pass over a Rust struct into a single Load
// that deserializes and validates a YAML document in one step.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/meshnet-sim/overlay/core/meshnet"
)

// DroneSpec is one drone entry in the topology file.
type DroneSpec struct {
	ID        meshnet.NodeID   `yaml:"id"`
	PDR       float64          `yaml:"pdr"`
	Neighbors []meshnet.NodeID `yaml:"connected_node_ids"`
}

// ClientSpec is one client entry in the topology file.
type ClientSpec struct {
	ID        meshnet.NodeID   `yaml:"id"`
	Neighbors []meshnet.NodeID `yaml:"connected_drone_ids"`
}

// ServerSpec is one server entry in the topology file.
type ServerSpec struct {
	ID        meshnet.NodeID   `yaml:"id"`
	Neighbors []meshnet.NodeID `yaml:"connected_drone_ids"`
}

// Topology is the parsed, validated content of a topology file.
type Topology struct {
	Drones  []DroneSpec  `yaml:"drone"`
	Clients []ClientSpec `yaml:"client"`
	Servers []ServerSpec `yaml:"server"`
}

// Load reads and validates the topology file at path. The returned
// Topology is guaranteed to satisfy every §6 validation rule.
func Load(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates and returns the topology encoded in data.
func Parse(data []byte) (*Topology, error) {
	var top Topology
	if err := yaml.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("config: %w: %v", ErrMalformed, err)
	}
	if err := top.Validate(); err != nil {
		return nil, err
	}
	return &top, nil
}

// Validate checks every rule in §6: unique ids across all three arrays,
// no self-loops, no duplicate edges, every declared neighbor id exists,
// and the drone-only induced subgraph is connected.
func (t *Topology) Validate() error {
	seen := make(map[meshnet.NodeID]struct{})
	exists := func(id meshnet.NodeID) bool { _, ok := seen[id]; return ok }
	claim := func(id meshnet.NodeID) error {
		if exists(id) {
			return fmt.Errorf("%w: id %d", ErrDuplicateID, id)
		}
		seen[id] = struct{}{}
		return nil
	}

	for _, d := range t.Drones {
		if err := claim(d.ID); err != nil {
			return err
		}
	}
	for _, c := range t.Clients {
		if err := claim(c.ID); err != nil {
			return err
		}
	}
	for _, s := range t.Servers {
		if err := claim(s.ID); err != nil {
			return err
		}
	}

	for _, d := range t.Drones {
		if err := validateEdges(d.ID, d.Neighbors); err != nil {
			return err
		}
		if d.PDR < 0 || d.PDR > 1 {
			return fmt.Errorf("%w: drone %d has pdr %v", ErrInvalidPDR, d.ID, d.PDR)
		}
	}
	for _, c := range t.Clients {
		if err := validateEdges(c.ID, c.Neighbors); err != nil {
			return err
		}
		if n := len(c.Neighbors); n < 1 || n > 2 {
			return fmt.Errorf("%w: client %d has %d connections", ErrInvalidDegree, c.ID, n)
		}
	}
	for _, s := range t.Servers {
		if err := validateEdges(s.ID, s.Neighbors); err != nil {
			return err
		}
		if n := len(s.Neighbors); n < 2 {
			return fmt.Errorf("%w: server %d has %d connections", ErrInvalidDegree, s.ID, n)
		}
	}

	for _, node := range allNeighbors(t) {
		if !exists(node) {
			return fmt.Errorf("%w: neighbor id %d", ErrUnknownNeighbor, node)
		}
	}

	if !t.droneSubgraphConnected() {
		return ErrDisconnected
	}
	return nil
}

func validateEdges(self meshnet.NodeID, neighbors []meshnet.NodeID) error {
	seen := make(map[meshnet.NodeID]struct{}, len(neighbors))
	for _, n := range neighbors {
		if n == self {
			return fmt.Errorf("%w: node %d", ErrSelfLoop, self)
		}
		if _, dup := seen[n]; dup {
			return fmt.Errorf("%w: node %d, neighbor %d", ErrDuplicateEdge, self, n)
		}
		seen[n] = struct{}{}
	}
	return nil
}

func allNeighbors(t *Topology) []meshnet.NodeID {
	var ids []meshnet.NodeID
	for _, d := range t.Drones {
		ids = append(ids, d.Neighbors...)
	}
	for _, c := range t.Clients {
		ids = append(ids, c.Neighbors...)
	}
	for _, s := range t.Servers {
		ids = append(ids, s.Neighbors...)
	}
	return ids
}

// droneSubgraphConnected runs a DFS over the induced subgraph of drone
// nodes and their edges to other drones, matching the original's
// is_network_connected (clients and servers are leaves of the mesh and
// play no part in this check).
func (t *Topology) droneSubgraphConnected() bool {
	if len(t.Drones) == 0 {
		return false
	}
	droneIDs := make(map[meshnet.NodeID]struct{}, len(t.Drones))
	for _, d := range t.Drones {
		droneIDs[d.ID] = struct{}{}
	}

	graph := make(map[meshnet.NodeID][]meshnet.NodeID, len(t.Drones))
	for _, d := range t.Drones {
		for _, n := range d.Neighbors {
			if _, ok := droneIDs[n]; ok {
				graph[d.ID] = append(graph[d.ID], n)
				graph[n] = append(graph[n], d.ID)
			}
		}
	}

	visited := make(map[meshnet.NodeID]struct{})
	var stack []meshnet.NodeID
	stack = append(stack, t.Drones[0].ID)
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := visited[node]; ok {
			continue
		}
		visited[node] = struct{}{}
		stack = append(stack, graph[node]...)
	}

	return len(visited) == len(droneIDs)
}
