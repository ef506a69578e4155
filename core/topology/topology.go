// Package topology provides the undirected reachability graph each edge
// node builds from flood discovery, and the shortest-path search used to
// turn it into routes (§3 Topology, §4.3 Router).
//
// Pure data and algorithms — no logging, no locks, no I/O. device/router
// wraps this with the stateful engine (config, invalidation triggers,
// logging) that edge nodes actually drive.
package topology

import (
	"sort"

	"github.com/meshnet-sim/overlay/core/meshnet"
)

// Graph is an undirected adjacency-set graph over mesh node ids, plus the
// NodeType each node was last seen with. Owned exclusively by one edge
// node — clients and servers each keep a private copy (§3 Topology).
type Graph struct {
	adjacency map[meshnet.NodeID]map[meshnet.NodeID]struct{}
	types     map[meshnet.NodeID]meshnet.NodeType
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		adjacency: make(map[meshnet.NodeID]map[meshnet.NodeID]struct{}),
		types:     make(map[meshnet.NodeID]meshnet.NodeType),
	}
}

// Clear empties the graph. Called at the start of each discovery wave
// (§4.2 Initiation).
func (g *Graph) Clear() {
	clear(g.adjacency)
	clear(g.types)
}

// AddEdge records an undirected edge between a and b, inserting both
// nodes into the graph if they are not already present.
func (g *Graph) AddEdge(a, b meshnet.NodeID) {
	g.ensureNode(a)
	g.ensureNode(b)
	g.adjacency[a][b] = struct{}{}
	g.adjacency[b][a] = struct{}{}
}

func (g *Graph) ensureNode(n meshnet.NodeID) {
	if g.adjacency[n] == nil {
		g.adjacency[n] = make(map[meshnet.NodeID]struct{})
	}
}

// SetType records (or updates) the NodeType of n.
func (g *Graph) SetType(n meshnet.NodeID, t meshnet.NodeType) {
	g.ensureNode(n)
	g.types[n] = t
}

// Type returns the NodeType recorded for n, if known.
func (g *Graph) Type(n meshnet.NodeID) (meshnet.NodeType, bool) {
	t, ok := g.types[n]
	return t, ok
}

// HasNode reports whether n has been recorded in the graph.
func (g *Graph) HasNode(n meshnet.NodeID) bool {
	_, ok := g.adjacency[n]
	return ok
}

// Neighbors returns the sorted neighbor list of n.
func (g *Graph) Neighbors(n meshnet.NodeID) []meshnet.NodeID {
	set := g.adjacency[n]
	out := make([]meshnet.NodeID, 0, len(set))
	for nb := range set {
		out = append(out, nb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RemoveNode deletes n and every edge touching it from the graph (§4.3
// Invalidation: "remove node X from every adjacency set and from the
// nodes map").
func (g *Graph) RemoveNode(n meshnet.NodeID) {
	for nb := range g.adjacency[n] {
		delete(g.adjacency[nb], n)
	}
	delete(g.adjacency, n)
	delete(g.types, n)
}

// RemoveEdge deletes the edge between a and b, if present, without
// removing either node.
func (g *Graph) RemoveEdge(a, b meshnet.NodeID) {
	delete(g.adjacency[a], b)
	delete(g.adjacency[b], a)
}

// NodeCount returns the number of nodes currently in the graph.
func (g *Graph) NodeCount() int {
	return len(g.adjacency)
}

// EdgeCount returns the number of undirected edges currently in the graph.
func (g *Graph) EdgeCount() int {
	total := 0
	for _, nbs := range g.adjacency {
		total += len(nbs)
	}
	return total / 2
}

// ShortestPath runs BFS from self to dest over the graph, honoring the
// rule that only drones may be interior (non-endpoint) hops — an edge
// node never transits traffic for another edge-node pair (§4.3 Router,
// Algorithm). Ties are broken by always expanding neighbors in ascending
// NodeID order, so the result is deterministic and reproducible.
//
// Returns (path, true) if dest is reachable under that rule, or
// (nil, false) otherwise. The returned path begins with self and ends
// with dest.
func (g *Graph) ShortestPath(self, dest meshnet.NodeID) ([]meshnet.NodeID, bool) {
	if self == dest {
		return []meshnet.NodeID{self}, true
	}
	if !g.HasNode(self) || !g.HasNode(dest) {
		return nil, false
	}

	type queued struct {
		node meshnet.NodeID
		path []meshnet.NodeID
	}

	visited := map[meshnet.NodeID]struct{}{self: {}}
	queue := []queued{{node: self, path: []meshnet.NodeID{self}}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, nb := range g.Neighbors(cur.node) {
			if _, seen := visited[nb]; seen {
				continue
			}
			// Only drones may be interior hops: a non-drone neighbor is only
			// a valid step if it is the destination itself.
			if nb != dest {
				if t, ok := g.types[nb]; ok && t != meshnet.NodeTypeDrone {
					continue
				}
			}
			visited[nb] = struct{}{}
			path := append(append([]meshnet.NodeID(nil), cur.path...), nb)
			if nb == dest {
				return path, true
			}
			queue = append(queue, queued{node: nb, path: path})
		}
	}
	return nil, false
}

// PathValid reports whether every consecutive pair in path is an edge in
// the graph (invariant I1, §8).
func (g *Graph) PathValid(path []meshnet.NodeID) bool {
	for i := 0; i+1 < len(path); i++ {
		if _, ok := g.adjacency[path[i]][path[i+1]]; !ok {
			return false
		}
	}
	return true
}

// Equal reports whether g and other describe the same graph (same nodes,
// same edges, same types) — used to test re-flood convergence on a
// static network (§8 Round-trip / idempotence).
func (g *Graph) Equal(other *Graph) bool {
	if len(g.adjacency) != len(other.adjacency) {
		return false
	}
	for n, nbs := range g.adjacency {
		onbs, ok := other.adjacency[n]
		if !ok || len(nbs) != len(onbs) {
			return false
		}
		for nb := range nbs {
			if _, ok := onbs[nb]; !ok {
				return false
			}
		}
	}
	if len(g.types) != len(other.types) {
		return false
	}
	for n, t := range g.types {
		if ot, ok := other.types[n]; !ok || ot != t {
			return false
		}
	}
	return true
}
