package meshnet

import "fmt"

// SourceRoutingHeader is the ordered list of hops a packet will traverse,
// plus a cursor naming the node currently processing it.
//
// Invariant: 0 <= HopIndex < len(Hops); Hops[HopIndex] names the node
// currently processing the packet; Hops[0] is the originator; the last
// entry is the terminal destination.
type SourceRoutingHeader struct {
	Hops     []NodeID
	HopIndex int
}

// NewSourceRoutingHeader builds a header over the given hop list, cursor
// at the originator (index 0).
func NewSourceRoutingHeader(hops []NodeID) SourceRoutingHeader {
	return SourceRoutingHeader{Hops: append([]NodeID(nil), hops...), HopIndex: 0}
}

// Valid reports whether the header satisfies its structural invariant.
func (h SourceRoutingHeader) Valid() bool {
	return h.HopIndex >= 0 && h.HopIndex < len(h.Hops)
}

// CurrentHop returns the node the header says is processing the packet
// right now, and whether the header is non-empty.
func (h SourceRoutingHeader) CurrentHop() (NodeID, bool) {
	if !h.Valid() {
		return 0, false
	}
	return h.Hops[h.HopIndex], true
}

// NextHop returns the node one hop past the current cursor, and whether
// one exists (false at the terminal destination).
func (h SourceRoutingHeader) NextHop() (NodeID, bool) {
	next := h.HopIndex + 1
	if next >= len(h.Hops) {
		return 0, false
	}
	return h.Hops[next], true
}

// Destination returns the final hop in the route.
func (h SourceRoutingHeader) Destination() (NodeID, bool) {
	if len(h.Hops) == 0 {
		return 0, false
	}
	return h.Hops[len(h.Hops)-1], true
}

// Origin returns the first hop in the route (the packet's originator).
func (h SourceRoutingHeader) Origin() (NodeID, bool) {
	if len(h.Hops) == 0 {
		return 0, false
	}
	return h.Hops[0], true
}

// Advance moves the cursor one hop forward, in place.
func (h *SourceRoutingHeader) Advance() {
	h.HopIndex++
}

// Clone returns a deep copy, safe to mutate independently of the original.
func (h SourceRoutingHeader) Clone() SourceRoutingHeader {
	return SourceRoutingHeader{
		Hops:     append([]NodeID(nil), h.Hops...),
		HopIndex: h.HopIndex,
	}
}

// TruncateAndReverse truncates Hops to [0, HopIndex], reverses the
// remaining order, and resets the cursor to 1. This is how a Nack or Ack
// is turned around to travel back along the path already traversed
// (§3 SourceRoutingHeader, §4.1 Nack construction).
func (h *SourceRoutingHeader) TruncateAndReverse() {
	if h.HopIndex+1 < len(h.Hops) {
		h.Hops = h.Hops[:h.HopIndex+1]
	}
	reverse(h.Hops)
	h.HopIndex = 1
	if h.HopIndex >= len(h.Hops) {
		// A header truncated to its origin alone (cursor still at index 0)
		// reverses to itself; there is no hop past the origin to advance to,
		// so pin the cursor in range.
		h.HopIndex = len(h.Hops) - 1
	}
}

// Reverse swaps the header's orientation end-to-end and resets the cursor
// to 1 (§3: "Reversing swaps orientation and resets the cursor to 1").
// Used when the terminal recipient of a Fragment turns an Ack around to
// travel back to the originator — the full route is already known to be
// valid, so nothing is truncated.
func (h *SourceRoutingHeader) Reverse() {
	reverse(h.Hops)
	h.HopIndex = 1
	if h.HopIndex >= len(h.Hops) {
		h.HopIndex = len(h.Hops) - 1
	}
}

func reverse(s []NodeID) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func (h SourceRoutingHeader) String() string {
	return fmt.Sprintf("%v@%d", h.Hops, h.HopIndex)
}
