package controller

import (
	"github.com/meshnet-sim/overlay/core/meshnet"
	"github.com/meshnet-sim/overlay/device/app"
)

// NodeSnapshot is a minimal read-only view of one actor's state, enough
// to unit test the controller without the full display/WebSocket layer
// the original simulator drives from these same fields (§6 actor event
// surface: "display-data snapshots per node class").
type NodeSnapshot struct {
	ID              meshnet.NodeID
	Type            meshnet.NodeType
	KnownPeers      int // edge nodes: nodes in the router's discovered graph, drones included
	PendingSessions int // edge nodes: sessions awaiting a route or an ack

	// KnownServers is a client node's aggregated (id, type, registered)
	// view of every server it has learned about (§6 KnownServers). Nil
	// for drones and for server-role edge nodes.
	KnownServers []app.ServerInfo
}

// Snapshot returns one NodeSnapshot per actor the controller owns.
func (c *Controller) Snapshot() []NodeSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snaps := make([]NodeSnapshot, 0, len(c.drones)+len(c.edges))
	for id := range c.drones {
		snaps = append(snaps, NodeSnapshot{ID: id, Type: meshnet.NodeTypeDrone})
	}
	for id, n := range c.edges {
		snaps = append(snaps, NodeSnapshot{
			ID:              id,
			Type:            c.types[id],
			KnownPeers:      n.RouterGraphNodeCount(),
			PendingSessions: n.SessionPendingCount(),
			KnownServers:    n.KnownServers(),
		})
	}
	return snaps
}
