// Package meshnet defines the wire-level data model shared by every actor
// in the overlay mesh: node identity, source routing headers, and the
// packet body variants that flow between drones, clients, and servers.
//
// Everything here is pure data — no logging, no locks, no I/O. Engines in
// device/ build behavior on top of these types.
package meshnet

import "fmt"

// NodeID identifies any actor (drone, client, or server) in the mesh.
// The spec calls for an 8-bit-sufficient small integer; we use int so
// callers can use it directly as a map key without conversions, but
// values are expected to stay within [0, 255].
type NodeID int

// String renders a NodeID for logging and metric labels.
func (id NodeID) String() string {
	return fmt.Sprintf("%d", int(id))
}

// NodeType tags a NodeID with its actor class. Carried in flood path
// traces and used by the router's "only drones transit" rule.
type NodeType uint8

const (
	NodeTypeDrone NodeType = iota
	NodeTypeClient
	NodeTypeServer
)

func (t NodeType) String() string {
	switch t {
	case NodeTypeDrone:
		return "drone"
	case NodeTypeClient:
		return "client"
	case NodeTypeServer:
		return "server"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// PathEntry is one hop in a flood request/response's path trace: the node
// that touched the packet, and its type at the time.
type PathEntry struct {
	Node NodeID
	Type NodeType
}
