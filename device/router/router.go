// Package router provides the per-edge-node C3 engine: a Graph (from
// core/topology) plus a cache of each reachable peer's current best
// route, kept consistent as flood responses arrive and as nodes are
// invalidated by crashes or link failures.
//
// This corresponds to the teacher's device/router.Router, generalized
// from packet forwarding to topology/route bookkeeping: one node class
// (drone) forwards packets (device/drone); edge nodes instead maintain
// routes over the discovered graph.
package router

import (
	"log/slog"
	"sync"

	"github.com/meshnet-sim/overlay/core/meshnet"
	"github.com/meshnet-sim/overlay/core/topology"
)

// Config configures a Router.
type Config struct {
	// Self is the owning edge node's id.
	Self meshnet.NodeID

	// Logger for routing events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Router owns one edge node's private topology graph and its current
// routing table: the best known source route to each reachable peer
// (§3 Topology, §4.3 Router).
type Router struct {
	cfg Config
	log *slog.Logger

	mu     sync.RWMutex
	graph  *topology.Graph
	routes map[meshnet.NodeID][]meshnet.NodeID

	Counters RouterCounters
}

// New creates an empty Router for the given node.
func New(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:    cfg,
		log:    logger.WithGroup("router").With("node", cfg.Self),
		graph:  topology.New(),
		routes: make(map[meshnet.NodeID][]meshnet.NodeID),
	}
}

// Reset clears the topology and the routing table. Called at the start
// of a fresh discovery wave (§4.2 Initiation).
func (r *Router) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graph.Clear()
	r.routes = make(map[meshnet.NodeID][]meshnet.NodeID)
}

// ObserveTrace folds one flood's path trace into the graph: an edge for
// every consecutive pair (including the edge from this node to the first
// entry) and each node's observed type (§4.2 Response processing).
func (r *Router) ObserveTrace(trace []meshnet.PathEntry) {
	if len(trace) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.cfg.Self
	for _, e := range trace {
		r.graph.AddEdge(prev, e.Node)
		r.graph.SetType(e.Node, e.Type)
		prev = e.Node
	}
	r.Counters.TracesObserved.Add(1)
}

// RouteTo returns the router's current cached route to dest, if one is
// known. It does not compute a fresh route — that's Recompute's job — so
// a cached route can go stale between discovery waves (by design:
// discovery is best-effort, §4.2 Convergence).
func (r *Router) RouteTo(dest meshnet.NodeID) ([]meshnet.NodeID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	path, ok := r.routes[dest]
	if !ok {
		r.Counters.RouteCacheMisses.Add(1)
		return nil, false
	}
	r.Counters.RouteCacheHits.Add(1)
	return append([]meshnet.NodeID(nil), path...), true
}

// Recompute runs a fresh BFS over the current graph for dest and caches
// the result as the current route, replacing whatever was cached before.
// Used to re-derive a route immediately after invalidation, without
// waiting for a new flood.
func (r *Router) Recompute(dest meshnet.NodeID) ([]meshnet.NodeID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	path, ok := r.graph.ShortestPath(r.cfg.Self, dest)
	if !ok {
		delete(r.routes, dest)
		return nil, false
	}
	r.routes[dest] = path
	return append([]meshnet.NodeID(nil), path...), true
}

// UpdateRouteIfShorter considers a newly discovered route to dest,
// adopting it only if no route is cached yet or the new one is strictly
// shorter (§4.2 Response processing: "If ... no shorter path to it is
// known, the trace becomes that peer's current route").
func (r *Router) UpdateRouteIfShorter(dest meshnet.NodeID, path []meshnet.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.routes[dest]
	if ok && len(existing) <= len(path) {
		return
	}
	r.routes[dest] = append([]meshnet.NodeID(nil), path...)
	r.Counters.RoutesAdopted.Add(1)
}

// Invalidate removes a node from the graph (crash, permanent link loss)
// and drops every cached route that passed through it, since it is no
// longer a valid path in the graph (invariant I1, §4.3 Invalidation).
func (r *Router) Invalidate(node meshnet.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graph.RemoveNode(node)
	for dest, path := range r.routes {
		if containsNode(path, node) {
			delete(r.routes, dest)
			r.Counters.RouteInvalidations.Add(1)
		}
	}
}

// RemoveLink removes one edge (a single link fault, not a node crash)
// and drops every cached route that used it.
func (r *Router) RemoveLink(a, b meshnet.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graph.RemoveEdge(a, b)
	for dest, path := range r.routes {
		if usesEdge(path, a, b) {
			delete(r.routes, dest)
			r.Counters.RouteInvalidations.Add(1)
		}
	}
}

// Known reports whether dest has ever been observed in the topology, even
// if no current route to it is cached. Paired with RouteTo this lets
// higher layers distinguish "known peer, currently unreachable" from
// "never seen" (§4.3 Invalidation: "paths become empty, not absent").
func (r *Router) Known(dest meshnet.NodeID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.graph.HasNode(dest)
}

// Graph exposes the underlying topology graph for read-only inspection
// (tests, monitoring snapshots).
func (r *Router) Graph() *topology.Graph {
	return r.graph
}

func containsNode(path []meshnet.NodeID, n meshnet.NodeID) bool {
	for _, p := range path {
		if p == n {
			return true
		}
	}
	return false
}

func usesEdge(path []meshnet.NodeID, a, b meshnet.NodeID) bool {
	for i := 0; i+1 < len(path); i++ {
		if (path[i] == a && path[i+1] == b) || (path[i] == b && path[i+1] == a) {
			return true
		}
	}
	return false
}
