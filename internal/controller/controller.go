// Package controller implements the simulation controller: the single
// goroutine that owns the whole topology view, builds drone and edge
// actors from a loaded internal/config.Topology, wires their links,
// dispatches the §6 operator command surface to the right actor, and
// relays the controller shortcut for control-plane packets a local link
// failure could not deliver. Grounded on the original simulator's
// simulation_controller.rs and network_initializer.rs, adapted from a
// single-process Rust struct owning every actor's channel endpoints into
// the same shape using this repo's device/drone and device/edge actors.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/meshnet-sim/overlay/core/meshnet"
	"github.com/meshnet-sim/overlay/device/app"
	"github.com/meshnet-sim/overlay/device/drone"
	"github.com/meshnet-sim/overlay/device/edge"
	"github.com/meshnet-sim/overlay/device/flood"
	"github.com/meshnet-sim/overlay/device/router"
	"github.com/meshnet-sim/overlay/device/session"
	"github.com/meshnet-sim/overlay/internal/config"
	"github.com/meshnet-sim/overlay/internal/metrics"
	"github.com/meshnet-sim/overlay/transport"
)

// ServerRole describes the application role a server node answers as.
// The topology file (§6) carries only ids and edges; a server's content
// catalog is simulation setup, not topology, so it is supplied
// separately at Build time.
type ServerRole struct {
	Type  app.ServerType
	Files map[string]string // ServerTypeText
	Media map[string]string // ServerTypeMedia
}

// Config configures a Controller.
type Config struct {
	// Metrics, if non-nil, instruments every link and wires every
	// countable event into its collectors.
	Metrics *metrics.Registry

	// Logger for controller events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Controller owns every actor in a simulation and the links between
// them. It holds the only global view of the topology (§5 Shared
// resources: "the controller holds the only global view"); actors never
// read it directly.
type Controller struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	drones  map[meshnet.NodeID]*drone.Drone
	edges   map[meshnet.NodeID]*edge.Node
	clients map[meshnet.NodeID]*app.Client
	types   map[meshnet.NodeID]meshnet.NodeType
	linked  map[linkKey]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type linkKey struct{ a, b meshnet.NodeID }

func normalizeLinkKey(a, b meshnet.NodeID) linkKey {
	if a > b {
		a, b = b, a
	}
	return linkKey{a, b}
}

// New creates an empty Controller. Call Build to populate it from a
// loaded topology, then Run to start every actor's event loop.
func New(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:     cfg,
		log:     logger.WithGroup("controller"),
		drones:  make(map[meshnet.NodeID]*drone.Drone),
		edges:   make(map[meshnet.NodeID]*edge.Node),
		clients: make(map[meshnet.NodeID]*app.Client),
		types:   make(map[meshnet.NodeID]meshnet.NodeType),
		linked:  make(map[linkKey]struct{}),
	}
}

// Build constructs every drone and edge actor named in top, and wires
// every declared edge between them as a pair of in-memory links.
// serverRoles supplies the application role for each server id; a
// server with no entry defaults to ServerTypeUndefined with empty
// catalogs.
func (c *Controller) Build(top *config.Topology, serverRoles map[meshnet.NodeID]ServerRole) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, d := range top.Drones {
		c.buildDroneLocked(d)
	}
	for _, cl := range top.Clients {
		c.buildClientLocked(cl.ID)
	}
	for _, s := range top.Servers {
		role := serverRoles[s.ID]
		c.buildServerLocked(s.ID, role)
	}

	for _, d := range top.Drones {
		for _, n := range d.Neighbors {
			c.connectLocked(d.ID, n)
		}
	}
	for _, cl := range top.Clients {
		for _, n := range cl.Neighbors {
			c.connectLocked(cl.ID, n)
		}
	}
	for _, s := range top.Servers {
		for _, n := range s.Neighbors {
			c.connectLocked(s.ID, n)
		}
	}
	return nil
}

func (c *Controller) buildDroneLocked(spec config.DroneSpec) {
	var dropped func(drone.PacketDropped)
	if c.cfg.Metrics != nil {
		dropped = c.cfg.Metrics.PacketDroppedHandler(spec.ID)
	}
	d := drone.New(drone.Config{
		Self:            spec.ID,
		PDR:             spec.PDR,
		OnPacketDropped: dropped,
		OnShortcut:      func(r drone.ShortcutRequest) { c.deliverShortcut(r.Packet) },
		Logger:          c.log,
	})
	c.drones[spec.ID] = d
	c.types[spec.ID] = meshnet.NodeTypeDrone
}

func (c *Controller) buildEdgeCommon(self meshnet.NodeID, selfType meshnet.NodeType) (*router.Router, *flood.Engine, *session.Manager) {
	r := router.New(router.Config{Self: self, Logger: c.log})
	f := flood.New(flood.Config{
		Self: self, SelfType: selfType, IDs: meshnet.NewIDGenerator(self), Router: r,
		OnShortcut: func(pkt meshnet.Packet) { c.deliverShortcut(pkt) },
		Logger:     c.log,
	})

	var onComplete func(meshnet.SessionID)
	var onFailed func(meshnet.SessionID, error)
	var onTech func(meshnet.NodeID)
	if c.cfg.Metrics != nil {
		onComplete = c.cfg.Metrics.SessionCompleteHandler(self)
		onFailed = c.cfg.Metrics.SessionFailedHandler(self)
		onTech = edge.NewCallTechniciansHandler(self, selfType, c.cfg.Metrics.TechniciansHandler())
	}
	s := session.New(session.Config{
		Self: self, IDs: meshnet.NewIDGenerator(self), Router: r, Flood: f,
		OnShortcut:        func(pkt meshnet.Packet) { c.deliverShortcut(pkt) },
		OnSessionComplete: onComplete,
		OnSessionFailed:   onFailed,
		OnCallTechnicians: onTech,
		Logger:            c.log,
	})
	return r, f, s
}

func (c *Controller) buildClientLocked(id meshnet.NodeID) {
	r, f, s := c.buildEdgeCommon(id, meshnet.NodeTypeClient)
	cl := app.NewClient(app.ClientConfig{Self: id, Sessions: s, Logger: c.log})
	n := edge.New(edge.Config{
		Self: id, SelfType: meshnet.NodeTypeClient,
		Router: r, Flood: f, Sessions: s, Client: cl,
		Logger: c.log,
	})
	c.edges[id] = n
	c.clients[id] = cl
	c.types[id] = meshnet.NodeTypeClient
}

func (c *Controller) buildServerLocked(id meshnet.NodeID, role ServerRole) {
	r, f, s := c.buildEdgeCommon(id, meshnet.NodeTypeServer)
	srv := app.NewServer(app.ServerConfig{
		Self: id, Type: role.Type, Sessions: s,
		Files: role.Files, Media: role.Media, Logger: c.log,
	})
	n := edge.New(edge.Config{
		Self: id, SelfType: meshnet.NodeTypeServer,
		Router: r, Flood: f, Sessions: s, Server: srv,
		Logger: c.log,
	})
	c.edges[id] = n
	c.types[id] = meshnet.NodeTypeServer
}

// connectLocked wires a bidirectional link between a and b, skipping
// pairs already wired (the topology file declares every edge from both
// endpoints).
func (c *Controller) connectLocked(a, b meshnet.NodeID) {
	key := normalizeLinkKey(a, b)
	if _, ok := c.linked[key]; ok {
		return
	}
	c.linked[key] = struct{}{}

	aIn := c.inboxLocked(a)
	bIn := c.inboxLocked(b)
	if aIn == nil || bIn == nil {
		return
	}

	aToB := transport.Link(transport.NewChanLink(a, bIn))
	bToA := transport.Link(transport.NewChanLink(b, aIn))
	if c.cfg.Metrics != nil {
		aToB = c.cfg.Metrics.InstrumentLink(a, aToB)
		bToA = c.cfg.Metrics.InstrumentLink(b, bToA)
	}
	c.addLinkLocked(a, b, aToB)
	c.addLinkLocked(b, a, bToA)
}

func (c *Controller) inboxLocked(id meshnet.NodeID) chan<- transport.Inbound {
	if d, ok := c.drones[id]; ok {
		return d.Inbox()
	}
	if n, ok := c.edges[id]; ok {
		return n.Inbox()
	}
	return nil
}

func (c *Controller) addLinkLocked(self, neighbor meshnet.NodeID, link transport.Link) {
	if d, ok := c.drones[self]; ok {
		d.AddLink(neighbor, link)
		return
	}
	if n, ok := c.edges[self]; ok {
		n.Commands() <- edge.AddSenderCmd{Neighbor: neighbor, Link: link}
	}
}

// Run starts every actor's event loop. It returns a function that
// cancels every actor and waits for their loops to return.
func (c *Controller) Run(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	for _, d := range c.drones {
		d := d
		c.wg.Add(1)
		go func() { defer c.wg.Done(); d.Run(ctx) }()
	}
	for _, n := range c.edges {
		n := n
		c.wg.Add(1)
		go func() { defer c.wg.Done(); n.Run(ctx) }()
	}
	c.mu.Unlock()
	c.cancel = cancel
	return func() {
		cancel()
		c.wg.Wait()
	}
}

// deliverShortcut is the controller-side half of the "controller
// shortcut" (§5): a control-plane packet a local link could not deliver,
// handed directly to its destination's inbound queue, bypassing the
// mesh. It is also the implementation of the operator's ShortcutPacket
// command — both paths end up here.
func (c *Controller) deliverShortcut(pkt meshnet.Packet) {
	dest, ok := pkt.RoutingHeader.Destination()
	if !ok {
		c.log.Warn("dropped a shortcut packet with no destination", "kind", pkt.Kind)
		return
	}
	c.mu.Lock()
	inbox := c.inboxLocked(dest)
	c.mu.Unlock()
	if inbox == nil {
		c.log.Warn("shortcut packet named an unknown node", "dest", dest)
		return
	}
	inbox <- transport.Inbound{Packet: pkt, From: 0}
}

func (c *Controller) droneNode(id meshnet.NodeID) (*drone.Drone, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.drones[id]
	return d, ok
}

func (c *Controller) edgeNode(id meshnet.NodeID) (*edge.Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.edges[id]
	return n, ok
}

// Client returns the app.Client cache for a client node, for reading its
// results once a query has completed (tests, monitoring).
func (c *Controller) Client(id meshnet.NodeID) (*app.Client, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.clients[id]
	return cl, ok
}

var errUnknownNode = fmt.Errorf("controller: unknown node")
