// Package flood implements C6: the flood engine each edge node (client or
// server) uses to discover the current topology and feed best paths into
// its device/router.Router.
//
// Unlike device/drone, an edge node is never an interior hop: it either
// originates a discovery wave or answers one that reached it, but it
// never forwards a FloodRequest onward. This mirrors the asymmetry in
// §4.1/§4.2: only drones run the "append self, forward to every neighbor
// but the sender" branch.
package flood

import (
	"log/slog"
	"sync"

	"github.com/meshnet-sim/overlay/core/meshnet"
	"github.com/meshnet-sim/overlay/device/router"
	"github.com/meshnet-sim/overlay/transport"
)

// Config configures an Engine.
type Config struct {
	// Self is this edge node's id.
	Self meshnet.NodeID

	// SelfType is this edge node's type, recorded in every path trace it
	// terminates (meshnet.NodeTypeClient or meshnet.NodeTypeServer).
	SelfType meshnet.NodeType

	// IDs mints fresh flood ids for originated waves.
	IDs *meshnet.IDGenerator

	// Router receives observed traces and candidate routes.
	Router *router.Router

	// OnShortcut is called when a flood packet cannot be delivered over a
	// known local link. May be nil.
	OnShortcut func(meshnet.Packet)

	// Logger for flood events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Engine is one edge node's C6 actor half. It holds no event loop of its
// own — device/edge drives it directly from the edge node's single
// biased-select loop, the same way it drives device/router and
// device/session.
type Engine struct {
	cfg Config
	log *slog.Logger

	mu    sync.RWMutex
	links map[meshnet.NodeID]transport.Link
}

// New creates a flood Engine for the given edge node.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:   cfg,
		log:   logger.WithGroup("flood").With("node", cfg.Self),
		links: make(map[meshnet.NodeID]transport.Link),
	}
}

// AddLink registers (or replaces) the outbound Link to a neighbor.
func (e *Engine) AddLink(neighbor meshnet.NodeID, link transport.Link) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.links[neighbor] = link
}

// RemoveLink forgets the outbound Link to a neighbor.
func (e *Engine) RemoveLink(neighbor meshnet.NodeID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.links, neighbor)
}

func (e *Engine) shortcut(pkt meshnet.Packet) {
	if e.cfg.OnShortcut != nil {
		e.cfg.OnShortcut(pkt)
	}
}

func (e *Engine) sendOrShortcut(to meshnet.NodeID, pkt meshnet.Packet) {
	e.mu.RLock()
	link, ok := e.links[to]
	e.mu.RUnlock()
	if !ok {
		e.shortcut(pkt)
		return
	}
	if err := link.Send(pkt); err != nil {
		e.log.Debug("flood packet send failed, falling back to controller shortcut", "to", to, "error", err)
		e.shortcut(pkt)
	}
}

// Initiate starts a fresh discovery wave (§4.2 Initiation): clears the
// router's topology and routing table, mints a new flood id, and
// broadcasts an empty-trace FloodRequest to every neighbor.
func (e *Engine) Initiate() meshnet.FloodID {
	e.cfg.Router.Reset()
	id := e.cfg.IDs.NextFloodID()

	req := meshnet.FloodRequest{
		FloodID:     id,
		InitiatorID: e.cfg.Self,
		PathTrace:   nil,
	}
	pkt := meshnet.NewFloodRequestPacket(0, req)

	e.mu.RLock()
	neighbors := make([]meshnet.NodeID, 0, len(e.links))
	for n := range e.links {
		neighbors = append(neighbors, n)
	}
	e.mu.RUnlock()

	e.log.Info("flood initiated", "flood_id", id, "neighbors", len(neighbors))
	for _, n := range neighbors {
		e.sendOrShortcut(n, pkt.Clone())
	}
	return id
}

// HandleFloodRequest answers a FloodRequest that reached this edge node.
// An edge node is always a dead end for a flood: it appends itself to the
// trace and replies immediately, it never forwards the request onward.
// The reply's header carries the route back to the initiator (trace
// reversed, nearest hop first, same as a drone's reply), so a drone
// forwarding it can fall back to the controller shortcut on link failure
// the same way it does for an Ack or Nack.
func (e *Engine) HandleFloodRequest(in transport.Inbound) {
	req := in.Packet.FloodRequest
	req.PathTrace = append(append([]meshnet.PathEntry(nil), req.PathTrace...), meshnet.PathEntry{
		Node: e.cfg.Self,
		Type: e.cfg.SelfType,
	})
	route := meshnet.ReversePath(req.InitiatorID, req.PathTrace)
	header := meshnet.NewSourceRoutingHeader(route)
	header.HopIndex = 1
	resp := meshnet.NewFloodResponsePacket(header, 0, req.GenerateResponse())
	e.sendOrShortcut(route[1], resp)
}

// HandleFloodResponse folds an arriving FloodResponse into the router
// (§4.2 Response processing): every consecutive pair in the trace becomes
// an edge, every node's type is recorded, and if the trace's terminal is
// a peer edge node the full walk becomes a route candidate.
func (e *Engine) HandleFloodResponse(pkt meshnet.Packet) {
	trace := pkt.FloodResponse.PathTrace
	e.cfg.Router.ObserveTrace(trace)

	if len(trace) == 0 {
		return
	}
	terminal := trace[len(trace)-1]
	if terminal.Type == meshnet.NodeTypeDrone {
		return
	}

	path := make([]meshnet.NodeID, 0, len(trace)+1)
	path = append(path, e.cfg.Self)
	for _, entry := range trace {
		path = append(path, entry.Node)
	}
	e.cfg.Router.UpdateRouteIfShorter(terminal.Node, path)
}
