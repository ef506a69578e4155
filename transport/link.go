// Package transport provides the link layer between adjacent mesh nodes
// (C1: a unidirectional in-memory channel carrying one packet per
// delivery) plus pluggable real-world backends (transport/mqtt,
// transport/serial) for bridging a simulated edge onto an out-of-process
// peer.
package transport

import (
	"errors"
	"sync"

	"github.com/meshnet-sim/overlay/core/meshnet"
)

// ErrClosed is returned by Send when the link has been closed.
var ErrClosed = errors.New("transport: link closed")

// ErrFull is returned by TrySend when a link's inbox has no room.
var ErrFull = errors.New("transport: link buffer full")

// Inbound is one packet arriving at a node, tagged with the neighbor it
// arrived from. Every actor owns exactly one Inbound channel (its single
// "packet from any inbound link" suspension point, §5) that every
// neighbor's outbound Link writes into.
type Inbound struct {
	Packet meshnet.Packet
	From   meshnet.NodeID
}

// Link is a unidirectional, in-order channel from one node to an
// adjacent node. Each successful Send delivers exactly one Packet (§3
// Link, §5 Ordering guarantees: "Per-link: FIFO" — a buffered Go channel
// preserves send order by construction).
type Link interface {
	// Send delivers a packet to the far end, blocking if its inbox is
	// momentarily full. Returns ErrClosed if the link has been closed.
	Send(pkt meshnet.Packet) error
	// Close marks the link unusable. Closing an already-closed link is a
	// no-op. Close does not close the shared inbox channel (many links
	// from different neighbors write into the same node inbox).
	Close()
}

// ChanLink is the default in-memory Link: it writes directly into the
// receiving node's single Inbound channel, tagged with the sending
// node's id. This is the Link every test and the default simulation
// controller use; transport/mqtt and transport/serial are alternative
// backends for bridging onto real out-of-process peers.
type ChanLink struct {
	out  chan<- Inbound
	from meshnet.NodeID

	mu     sync.Mutex
	closed bool
}

// NewChanLink creates a Link from node `from` into a neighbor's inbox
// channel `out`.
func NewChanLink(from meshnet.NodeID, out chan<- Inbound) *ChanLink {
	return &ChanLink{out: out, from: from}
}

// Send blocks until the neighbor's inbox has room for pkt.
func (l *ChanLink) Send(pkt meshnet.Packet) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}
	l.out <- Inbound{Packet: pkt, From: l.from}
	return nil
}

// TrySend delivers pkt without blocking. Returns ErrFull if the
// neighbor's inbox has no room right now.
func (l *ChanLink) TrySend(pkt meshnet.Packet) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case l.out <- Inbound{Packet: pkt, From: l.from}:
		return nil
	default:
		return ErrFull
	}
}

// Close marks the link unusable. The shared inbox it wrote into is owned
// by the receiving node, not by the link, and is left open.
func (l *ChanLink) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

// NewInbox creates a node's single inbound packet channel with the
// default buffer size.
func NewInbox() chan Inbound {
	return make(chan Inbound, DefaultBufferSize)
}

// DefaultBufferSize is the default channel capacity for a node's Inbound
// channel.
const DefaultBufferSize = 64
