// Package drone implements C2: the drone actor that forwards fragments
// along a source route, drops them probabilistically, answers flood
// requests, and may be crashed and later retired by the controller.
//
// This corresponds to the engine's Drone contract (accept a Packet,
// produce zero or more Packets toward neighbors, optionally emit one
// event to the controller).
package drone

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"

	"github.com/meshnet-sim/overlay/core/dedupe"
	"github.com/meshnet-sim/overlay/core/meshnet"
	"github.com/meshnet-sim/overlay/transport"
)

// floodMemoryCapacity bounds how many distinct flood ids a drone
// remembers for duplicate suppression and response walk-back.
const floodMemoryCapacity = 256

// State is the drone's lifecycle state.
type State int

const (
	// Running forwards and drops Fragments normally.
	Running State = iota
	// Crashing drains the inbound queue, still serves backward
	// control-plane traffic (Ack/Nack/FloodResponse), but fails every
	// Fragment with ErrorInRouting(self).
	Crashing
)

func (s State) String() string {
	if s == Crashing {
		return "crashing"
	}
	return "running"
}

// PacketDropped is emitted when the probabilistic drop fires for a
// Fragment.
type PacketDropped struct {
	Packet meshnet.Packet
}

// ShortcutRequest is emitted when a packet could not be forwarded over a
// known or expected local link and must be delivered out of band by the
// controller (§4.1 Failure semantics).
type ShortcutRequest struct {
	Packet meshnet.Packet
}

// Command is a controller instruction delivered over the drone's command
// channel. Concrete types: SetPDR, Crash.
type Command interface{ isDroneCommand() }

// SetPDR updates the drone's packet drop rate.
type SetPDR struct{ PDR float64 }

func (SetPDR) isDroneCommand() {}

// CrashCmd transitions the drone from Running to Crashing.
type CrashCmd struct{}

func (CrashCmd) isDroneCommand() {}

// Config configures a Drone.
type Config struct {
	// Self is this drone's node id.
	Self meshnet.NodeID

	// PDR is the initial packet drop rate, in [0, 1]. Default 0 (never
	// drops).
	PDR float64

	// RandFloat draws a uniform value in [0, 1) for the per-Fragment drop
	// decision. Defaults to rand.Float64. Tests override this for
	// deterministic drop/no-drop behavior.
	RandFloat func() float64

	// OnPacketDropped is called whenever the probabilistic drop fires.
	// May be nil.
	OnPacketDropped func(PacketDropped)

	// OnShortcut is called when a packet cannot be forwarded over the
	// expected local link and must be delivered out of band. May be nil,
	// in which case the packet is silently lost.
	OnShortcut func(ShortcutRequest)

	// Logger for drone events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Drone is one C2 actor: a single event loop over a command channel and
// an inbound packet channel, holding one outbound Link per neighbor.
type Drone struct {
	cfg Config
	log *slog.Logger

	mu    sync.RWMutex
	links map[meshnet.NodeID]transport.Link
	state State
	pdr   float64

	// origins is the duplicate-suppression record for flood requests: a
	// repeat flood_id is a repeat flood (§3, FloodID is already namespaced
	// by originator, so it alone is the dedup key). The neighbor recorded
	// alongside it is who delivered the first copy; the re-broadcast takes
	// the sender to exclude from the path trace (req.PrevNode()), not from
	// this record. Bounded so a long-running
	// drone's memory of old floods doesn't grow forever.
	origins *dedupe.Map[meshnet.FloodID, meshnet.NodeID]

	cmds  chan Command
	inbox chan transport.Inbound
	done  chan struct{}
}

// New creates a Drone. The caller is responsible for wiring neighbor
// links with AddLink and feeding Inbox() from each neighbor's transport.
func New(cfg Config) *Drone {
	if cfg.RandFloat == nil {
		cfg.RandFloat = rand.Float64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Drone{
		cfg:     cfg,
		log:     logger.WithGroup("drone").With("node", cfg.Self),
		links:   make(map[meshnet.NodeID]transport.Link),
		state:   Running,
		pdr:     cfg.PDR,
		origins: dedupe.NewMap[meshnet.FloodID, meshnet.NodeID](floodMemoryCapacity),
		cmds:    make(chan Command, 8),
		inbox:   transport.NewInbox(),
		done:    make(chan struct{}),
	}
}

// Inbox returns the channel neighbor links should deliver Inbound packets
// into.
func (d *Drone) Inbox() chan<- transport.Inbound {
	return d.inbox
}

// Commands returns the channel the controller sends Commands into.
func (d *Drone) Commands() chan<- Command {
	return d.cmds
}

// Done is closed once Run returns.
func (d *Drone) Done() <-chan struct{} {
	return d.done
}

// AddLink registers (or replaces) the outbound Link to a neighbor.
func (d *Drone) AddLink(neighbor meshnet.NodeID, link transport.Link) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.links[neighbor] = link
}

// RemoveLink forgets the outbound Link to a neighbor.
func (d *Drone) RemoveLink(neighbor meshnet.NodeID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.links, neighbor)
}

func (d *Drone) linkTo(neighbor meshnet.NodeID) (transport.Link, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	l, ok := d.links[neighbor]
	return l, ok
}

func (d *Drone) currentState() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Run is the drone's event loop. It returns when ctx is cancelled, or
// once the drone has entered Crashing and its inbound queue has drained
// (§4.1 Cancellation: "finishes draining its inbound queue before exit").
func (d *Drone) Run(ctx context.Context) {
	defer close(d.done)
	for {
		// Commands are always preferred over packet backlog.
		select {
		case cmd := <-d.cmds:
			d.handleCommand(cmd)
			continue
		default:
		}

		if d.currentState() == Crashing {
			select {
			case in := <-d.inbox:
				d.handleInbound(in)
				continue
			default:
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case cmd := <-d.cmds:
			d.handleCommand(cmd)
		case in := <-d.inbox:
			d.handleInbound(in)
		}
	}
}

func (d *Drone) handleCommand(cmd Command) {
	switch c := cmd.(type) {
	case SetPDR:
		d.mu.Lock()
		d.pdr = c.PDR
		d.mu.Unlock()
	case CrashCmd:
		d.mu.Lock()
		d.state = Crashing
		d.mu.Unlock()
		d.log.Info("crashing")
	}
}

func (d *Drone) handleInbound(in transport.Inbound) {
	switch in.Packet.Kind {
	case meshnet.BodyFragment:
		d.handleFragment(in.Packet)
	case meshnet.BodyAck, meshnet.BodyNack, meshnet.BodyFloodResponse:
		d.forwardControl(in.Packet)
	case meshnet.BodyFloodRequest:
		d.handleFloodRequest(in)
	}
}

func (d *Drone) shortcut(pkt meshnet.Packet) {
	if d.cfg.OnShortcut != nil {
		d.cfg.OnShortcut(ShortcutRequest{Packet: pkt})
	}
}

// nackFor turns pkt's header around (truncate to the hops walked so far,
// reverse, cursor to 1) and builds a Nack packet to carry back (§3, §4.1
// Nack construction). node names the offending node: self for
// UnexpectedRecipient/Dropped/a Crashing drone's ErrorInRouting, or the
// unreachable next hop for a routing-table miss.
func (d *Drone) nackFor(pkt meshnet.Packet, reason meshnet.NackReason, node meshnet.NodeID) meshnet.Packet {
	header := pkt.RoutingHeader.Clone()
	header.TruncateAndReverse()
	return meshnet.NewNackPacket(header, pkt.SessionID, meshnet.Nack{
		FragmentIndex: pkt.Fragment.FragmentIndex,
		Reason:        reason,
		Node:          node,
	})
}

func (d *Drone) sendOrShortcut(to meshnet.NodeID, pkt meshnet.Packet) {
	link, ok := d.linkTo(to)
	if !ok {
		d.shortcut(pkt)
		return
	}
	if err := link.Send(pkt); err != nil {
		d.log.Debug("link send failed, falling back to controller shortcut", "to", to, "error", err)
		d.shortcut(pkt)
	}
}

// handleFragment implements §4.1's six-step Fragment contract.
func (d *Drone) handleFragment(pkt meshnet.Packet) {
	if d.currentState() == Crashing {
		d.replyNack(pkt, d.nackFor(pkt, meshnet.NackErrorInRouting, d.cfg.Self))
		return
	}

	current, ok := pkt.RoutingHeader.CurrentHop()
	if !ok || current != d.cfg.Self {
		d.replyNack(pkt, d.nackFor(pkt, meshnet.NackUnexpectedRecipient, d.cfg.Self))
		return
	}

	next, ok := pkt.RoutingHeader.NextHop()
	if !ok {
		d.replyNack(pkt, d.nackFor(pkt, meshnet.NackDestinationIsDrone, d.cfg.Self))
		return
	}

	link, ok := d.linkTo(next)
	if !ok {
		d.replyNack(pkt, d.nackFor(pkt, meshnet.NackErrorInRouting, next))
		return
	}

	d.mu.RLock()
	pdr := d.pdr
	d.mu.RUnlock()
	if d.cfg.RandFloat() < pdr {
		nack := d.nackFor(pkt, meshnet.NackDropped, d.cfg.Self)
		d.replyNack(pkt, nack)
		if d.cfg.OnPacketDropped != nil {
			d.cfg.OnPacketDropped(PacketDropped{Packet: pkt})
		}
		return
	}

	fwd := pkt.Clone()
	fwd.RoutingHeader.Advance()
	if err := link.Send(fwd); err != nil {
		d.log.Debug("fragment forward failed, falling back to controller shortcut", "to", next, "error", err)
		d.shortcut(fwd)
	}
}

// replyNack sends a constructed Nack back toward the originator, falling
// back to the controller shortcut if the backward hop is unreachable —
// Nacks are control-plane traffic and are never themselves dropped. A
// freshly reversed header's cursor (reset to 1 by TruncateAndReverse)
// already names the immediate neighbor to send to, per the
// "Hops[HopIndex] names the node currently processing" invariant as seen
// from that neighbor's side.
func (d *Drone) replyNack(original meshnet.Packet, nack meshnet.Packet) {
	next, ok := nack.RoutingHeader.CurrentHop()
	if !ok {
		d.shortcut(nack)
		return
	}
	d.sendOrShortcut(next, nack)
}

// forwardControl advances and forwards Ack/Nack/FloodResponse traffic.
// These are never dropped by pdr; a local delivery failure degrades to
// the controller shortcut (§4.1: "never drop these"). The next physical
// hop is read before advancing the cursor, mirroring handleFragment's
// forwarding step.
func (d *Drone) forwardControl(pkt meshnet.Packet) {
	next, ok := pkt.RoutingHeader.NextHop()
	fwd := pkt.Clone()
	if !ok {
		// We are the last hop the header names; nothing further to
		// advance to locally, so hand off to the controller.
		d.shortcut(fwd)
		return
	}
	fwd.RoutingHeader.Advance()
	d.sendOrShortcut(next, fwd)
}

// handleFloodRequest implements §4.1's FloodRequest contract: dedup by
// (initiator_id, flood_id), append self to the path trace, forward to
// every neighbor but the sender, or reply immediately on a dead end or a
// repeat.
func (d *Drone) handleFloodRequest(in transport.Inbound) {
	if d.currentState() == Crashing {
		return
	}
	pkt := in.Packet

	req := pkt.FloodRequest
	req.PathTrace = append(append([]meshnet.PathEntry(nil), req.PathTrace...), meshnet.PathEntry{
		Node: d.cfg.Self,
		Type: meshnet.NodeTypeDrone,
	})

	d.mu.Lock()
	_, repeat := d.origins.Record(req.FloodID, in.From)
	d.mu.Unlock()

	if repeat {
		d.replyToFlood(req)
		return
	}

	sender, hasSender := req.PrevNode()

	d.mu.RLock()
	neighbors := make([]meshnet.NodeID, 0, len(d.links))
	for n := range d.links {
		if hasSender && n == sender {
			continue
		}
		neighbors = append(neighbors, n)
	}
	links := d.links
	d.mu.RUnlock()

	if len(neighbors) == 0 {
		d.replyToFlood(req)
		return
	}

	fresh := meshnet.NewFloodRequestPacket(pkt.SessionID, meshnet.FloodRequest{
		FloodID:     req.FloodID,
		InitiatorID: req.InitiatorID,
		PathTrace:   append([]meshnet.PathEntry(nil), req.PathTrace...),
	})
	for _, n := range neighbors {
		if link, ok := links[n]; ok {
			if err := link.Send(fresh.Clone()); err != nil {
				d.log.Debug("flood forward failed", "to", n, "error", err)
			}
		}
	}
}

// replyToFlood answers req immediately, as either a repeat or a dead end
// (§4.1). req.PathTrace already has this drone appended as its terminal
// entry, so meshnet.ReversePath turns it straight into the response's
// route back to the initiator — carried in the packet's own header, the
// same way an Ack or Nack carries its return trip, rather than relying on
// each hop's own memory of who sent it the request.
func (d *Drone) replyToFlood(req meshnet.FloodRequest) {
	route := meshnet.ReversePath(req.InitiatorID, req.PathTrace)
	header := meshnet.NewSourceRoutingHeader(route)
	header.HopIndex = 1
	resp := meshnet.NewFloodResponsePacket(header, 0, req.GenerateResponse())
	d.sendOrShortcut(route[1], resp)
}
