// Package edge implements the shared event loop a client or a server
// actor drives: one biased select over controller commands and inbound
// packets, wiring together device/router, device/flood, device/session
// and device/app for a single edge node. Grounded on device/drone.Drone's
// Run loop, generalized from a drone's forward/drop contract to an edge
// node's originate/answer contract (§2: "each node runs a single event
// loop selecting over 'command from controller' and 'packet from any
// inbound link'").
package edge

import (
	"context"
	"log/slog"

	"github.com/meshnet-sim/overlay/core/meshnet"
	"github.com/meshnet-sim/overlay/device/app"
	"github.com/meshnet-sim/overlay/device/flood"
	"github.com/meshnet-sim/overlay/device/router"
	"github.com/meshnet-sim/overlay/device/session"
	"github.com/meshnet-sim/overlay/transport"
)

// Command is a controller instruction delivered over the edge node's
// command channel (§6 Operator command surface, the subset that applies
// to clients and servers rather than drones).
type Command interface{ isEdgeCommand() }

// AddSenderCmd registers (or replaces) the outbound Link to a neighbor.
type AddSenderCmd struct {
	Neighbor meshnet.NodeID
	Link     transport.Link
}

func (AddSenderCmd) isEdgeCommand() {}

// RemoveSenderCmd forgets the outbound Link to a neighbor.
type RemoveSenderCmd struct{ Neighbor meshnet.NodeID }

func (RemoveSenderCmd) isEdgeCommand() {}

// StartFloodingCmd kicks off a fresh discovery wave.
type StartFloodingCmd struct{}

func (StartFloodingCmd) isEdgeCommand() {}

// DroneFixedCmd resumes every session blocked on the named drone (§4.5
// Nack handling: Dropped, §5 Cancellation).
type DroneFixedCmd struct{ Drone meshnet.NodeID }

func (DroneFixedCmd) isEdgeCommand() {}

// ShortcutPacketCmd delivers a packet the controller carried out of band
// (the receiving side of a neighbor's controller shortcut) directly into
// this node's own handling logic, bypassing the normal per-link inbox.
type ShortcutPacketCmd struct{ Packet meshnet.Packet }

func (ShortcutPacketCmd) isEdgeCommand() {}

// AppCommand wraps one of the app-level query commands named in §6
// (AskType, RequestListFile, RequestText, RequestMedia, SendMessageTo,
// RegisterToServer, AskListClients) so it can travel the same command
// channel as the link/flood/drone-fix commands. Fn receives the node's
// *app.Client; on a node with no Client wired (a server-role node) the
// command is logged and dropped without calling Fn.
type AppCommand struct {
	Fn func(*app.Client)
}

func (AppCommand) isEdgeCommand() {}

// CallTechnicians is the event emitted to the controller when a
// (session, drone) pair hits ten consecutive drops (§4.5, §6 actor event
// surface: CallTechniciansToFixDrone).
type CallTechnicians struct {
	Drone    meshnet.NodeID
	Reporter meshnet.NodeID
	Type     meshnet.NodeType
}

// NewCallTechniciansHandler builds the callback a node's session.Config
// should install as OnCallTechnicians: it tags the raw drone id the
// session manager reports with this node's own identity before handing
// the full event on to fn. The session Manager is constructed before the
// Node that will drive it, so this wiring happens at that call site
// rather than inside Node itself.
func NewCallTechniciansHandler(self meshnet.NodeID, selfType meshnet.NodeType, fn func(CallTechnicians)) func(meshnet.NodeID) {
	return func(drone meshnet.NodeID) {
		if fn != nil {
			fn(CallTechnicians{Drone: drone, Reporter: self, Type: selfType})
		}
	}
}

// Config configures a Node.
type Config struct {
	// Self is this node's id.
	Self meshnet.NodeID

	// SelfType is this node's type, reported in flood path traces and in
	// CallTechnicians events.
	SelfType meshnet.NodeType

	// Router, Flood and Sessions are the C3/C6/C5 halves this node drives.
	// All three must share the same Self id.
	Router   *router.Router
	Flood    *flood.Engine
	Sessions *session.Manager

	// Client is non-nil for a client-role node; it is wired as the
	// session Manager's OnMessageReceived handler and is what AppCommand
	// functions receive.
	Client *app.Client

	// Server is non-nil for a server-role node; NewServer already wires
	// it as the session Manager's OnMessageReceived handler, so Node only
	// needs to hold a reference for completeness (it has no operator
	// command surface of its own — §6 lists no client-facing commands
	// that name a server by role).
	Server *app.Server

	// Logger for edge-node events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Node is one client or server actor: a single event loop over a command
// channel and an inbound packet channel, delegating to the C3/C5/C6/C7
// components it was constructed with.
type Node struct {
	cfg Config
	log *slog.Logger

	cmds  chan Command
	inbox chan transport.Inbound
	done  chan struct{}
}

// New creates a Node. The caller is responsible for feeding Inbox() from
// each neighbor's transport and for issuing AddSenderCmd for each
// neighbor link.
func New(cfg Config) *Node {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	n := &Node{
		cfg:   cfg,
		log:   logger.WithGroup("edge").With("node", cfg.Self, "type", cfg.SelfType),
		cmds:  make(chan Command, 8),
		inbox: transport.NewInbox(),
		done:  make(chan struct{}),
	}
	return n
}

// Inbox returns the channel neighbor links should deliver Inbound packets
// into.
func (n *Node) Inbox() chan<- transport.Inbound {
	return n.inbox
}

// Commands returns the channel the controller sends Commands into.
func (n *Node) Commands() chan<- Command {
	return n.cmds
}

// Done is closed once Run returns.
func (n *Node) Done() <-chan struct{} {
	return n.done
}

// RouterGraphNodeCount reports how many nodes this node's router has
// discovered so far, for display snapshots.
func (n *Node) RouterGraphNodeCount() int {
	return n.cfg.Router.Graph().NodeCount()
}

// SessionPendingCount reports how many sessions this node currently has
// awaiting a route or a final ack, for display snapshots.
func (n *Node) SessionPendingCount() int {
	return n.cfg.Sessions.PendingCount()
}

// KnownServers returns this node's client-side server knowledge, for
// display snapshots (§6 KnownServers). It is nil for a server-role node.
func (n *Node) KnownServers() []app.ServerInfo {
	if n.cfg.Client == nil {
		return nil
	}
	return n.cfg.Client.KnownServers()
}

// Run is the edge node's event loop: exactly two suspension points,
// commands always preferred over packet backlog (§5 Suspension points).
// Unlike device/drone there is no Crashing state to drain toward on exit;
// the loop simply runs until ctx is cancelled.
func (n *Node) Run(ctx context.Context) {
	defer close(n.done)
	for {
		select {
		case cmd := <-n.cmds:
			n.handleCommand(cmd)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case cmd := <-n.cmds:
			n.handleCommand(cmd)
		case in := <-n.inbox:
			n.handleInbound(in)
		}
	}
}

func (n *Node) handleCommand(cmd Command) {
	switch c := cmd.(type) {
	case AddSenderCmd:
		n.cfg.Flood.AddLink(c.Neighbor, c.Link)
		n.cfg.Sessions.AddLink(c.Neighbor, c.Link)

	case RemoveSenderCmd:
		n.cfg.Flood.RemoveLink(c.Neighbor)
		n.cfg.Sessions.RemoveLink(c.Neighbor)

	case StartFloodingCmd:
		n.cfg.Flood.Initiate()

	case DroneFixedCmd:
		n.cfg.Sessions.ResumeAfterFix(c.Drone)

	case ShortcutPacketCmd:
		// The packet arrived out of band, not over a registered link, so
		// there is no neighbor to attribute it to; FloodRequest's sender
		// exclusion is the only consumer of that id and a shortcut-carried
		// FloodRequest has none to exclude.
		n.handlePacket(c.Packet, 0)

	case AppCommand:
		if n.cfg.Client == nil {
			n.log.Warn("app command on a node with no app.Client wired")
			return
		}
		c.Fn(n.cfg.Client)
	}
}

func (n *Node) handleInbound(in transport.Inbound) {
	n.handlePacket(in.Packet, in.From)
}

// handlePacket dispatches a packet (from a live link or a controller
// shortcut delivery) to the right C5/C6 handler by body kind. from is the
// neighbor it arrived from, used only for FloodRequest answering.
func (n *Node) handlePacket(pkt meshnet.Packet, from meshnet.NodeID) {
	switch pkt.Kind {
	case meshnet.BodyFragment:
		n.cfg.Sessions.HandleFragment(pkt)
	case meshnet.BodyAck:
		n.cfg.Sessions.HandleAck(pkt)
	case meshnet.BodyNack:
		n.cfg.Sessions.HandleNack(pkt)
	case meshnet.BodyFloodRequest:
		n.cfg.Flood.HandleFloodRequest(transport.Inbound{Packet: pkt, From: from})
	case meshnet.BodyFloodResponse:
		n.cfg.Flood.HandleFloodResponse(pkt)
		n.cfg.Sessions.Flush()
	}
}
