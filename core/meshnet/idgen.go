package meshnet

import "sync/atomic"

// IDGenerator mints SessionIDs and FloodIDs that are globally unique by
// construction: the originator's NodeID in the high bits, a monotone
// per-node counter in the low bits (§3 SessionId, FloodId). An initiator
// never reissues an id.
type IDGenerator struct {
	self    NodeID
	session atomic.Uint64
	flood   atomic.Uint64
}

// NewIDGenerator creates a generator namespaced by the owning node.
func NewIDGenerator(self NodeID) *IDGenerator {
	return &IDGenerator{self: self}
}

const nodeIDShift = 48

// NextSessionID returns a fresh, never-before-issued SessionID.
func (g *IDGenerator) NextSessionID() SessionID {
	n := g.session.Add(1)
	return SessionID(uint64(uint64(g.self)<<nodeIDShift) | n)
}

// NextFloodID returns a fresh, never-before-issued FloodID.
func (g *IDGenerator) NextFloodID() FloodID {
	n := g.flood.Add(1)
	return FloodID(uint64(uint64(g.self)<<nodeIDShift) | n)
}
