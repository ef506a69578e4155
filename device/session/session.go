// Package session implements C5: the session manager each client or
// server uses to send a fragmented application message to a peer and
// drive it to completion — splitting the payload, dispatching fragments
// along the current best route, and reacting to Acks and Nacks until
// every fragment is acknowledged or the session fails.
//
// There is no retry timer here: every retransmit is triggered by an
// explicit Nack, matching the rest of this simulation's event-driven
// design (§4.2's flood convergence is likewise timerless). Consecutive
// drop counting is its own small dropCounters type (counters.go) rather
// than a tracked-pending map with expiry, since nothing here ever waits
// on a wall clock.
package session

import (
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/meshnet-sim/overlay/core/fragment"
	"github.com/meshnet-sim/overlay/core/meshnet"
	"github.com/meshnet-sim/overlay/device/router"
	"github.com/meshnet-sim/overlay/transport"
)

// ErrDestinationIsDrone is surfaced to the caller when a session's route
// terminates at a drone (§4.5 Nack handling: DestinationIsDrone is fatal
// for the session).
var ErrDestinationIsDrone = errors.New("session: destination is a drone")

// maxConsecutiveDrops is the number of consecutive Dropped Nacks for one
// (session, drone) pair before the session escalates to "call
// technicians" and blocks (§4.5 Nack handling: Dropped).
const maxConsecutiveDrops = 10

// FloodInitiator is the subset of device/flood.Engine the session manager
// needs: the ability to kick off a fresh discovery wave when no route
// exists to a destination.
type FloodInitiator interface {
	Initiate() meshnet.FloodID
}

// Config configures a Manager.
type Config struct {
	// Self is this edge node's id.
	Self meshnet.NodeID

	// IDs mints fresh session ids for originated sends.
	IDs *meshnet.IDGenerator

	// Router supplies and invalidates routes.
	Router *router.Router

	// Flood is invoked whenever a send or retransmit finds no route.
	Flood FloodInitiator

	// OnCallTechnicians fires when a (session, drone) pair hits
	// maxConsecutiveDrops. May be nil.
	OnCallTechnicians func(drone meshnet.NodeID)

	// OnSessionComplete fires once every fragment of a session is acked.
	// May be nil.
	OnSessionComplete func(id meshnet.SessionID)

	// OnSessionFailed fires when a session fails fatally (currently only
	// DestinationIsDrone). May be nil.
	OnSessionFailed func(id meshnet.SessionID, err error)

	// OnShortcut is called when a fragment cannot be sent over a known
	// local link. May be nil.
	OnShortcut func(meshnet.Packet)

	// OnMessageReceived fires once an inbound message addressed to this
	// node has been fully reassembled (§4.4 Reassembly, driven from the
	// receiving side of §4.5). from is the message's originator (the
	// route's first hop), for callers that need to reply. May be nil.
	OnMessageReceived func(session meshnet.SessionID, from meshnet.NodeID, payload []byte)

	// Logger for session events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// sessionState is one in-flight outbound message.
type sessionState struct {
	dest      meshnet.NodeID
	fragments []meshnet.Fragment
	acked     map[int]bool
	route     []meshnet.NodeID // nil: no route known, fragments buffer in pending

	// pending holds fragment indices waiting to be (re)sent once a route
	// exists or a blocking drone is fixed.
	pending []int

	blocked        bool
	blockedOnDrone meshnet.NodeID
}

// Manager is one edge node's C5 actor half, driven by device/edge the
// same way device/router and device/flood are: no event loop of its own,
// just methods called from the edge node's single biased-select loop.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	sessions map[meshnet.SessionID]*sessionState
	drops    *dropCounters
	inbound  map[meshnet.SessionID]*fragment.Reassembler

	linksMu sync.RWMutex
	links   map[meshnet.NodeID]transport.Link
}

// New creates a session Manager.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		log:      logger.WithGroup("session").With("node", cfg.Self),
		sessions: make(map[meshnet.SessionID]*sessionState),
		drops:    newDropCounters(),
		inbound:  make(map[meshnet.SessionID]*fragment.Reassembler),
		links:    make(map[meshnet.NodeID]transport.Link),
	}
}

// SetOnMessageReceived installs the callback fired once an inbound
// message has been fully reassembled, replacing whatever Config supplied.
// Exists so device/app can wire itself in after construction instead of
// requiring the session Manager to know about its consumer up front.
func (m *Manager) SetOnMessageReceived(fn func(session meshnet.SessionID, from meshnet.NodeID, payload []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.OnMessageReceived = fn
}

// AddLink registers (or replaces) the outbound Link to a neighbor.
func (m *Manager) AddLink(neighbor meshnet.NodeID, link transport.Link) {
	m.linksMu.Lock()
	defer m.linksMu.Unlock()
	m.links[neighbor] = link
}

// RemoveLink forgets the outbound Link to a neighbor.
func (m *Manager) RemoveLink(neighbor meshnet.NodeID) {
	m.linksMu.Lock()
	defer m.linksMu.Unlock()
	delete(m.links, neighbor)
}

func (m *Manager) shortcut(pkt meshnet.Packet) {
	if m.cfg.OnShortcut != nil {
		m.cfg.OnShortcut(pkt)
	}
}

func (m *Manager) sendOrShortcut(to meshnet.NodeID, pkt meshnet.Packet) {
	m.linksMu.RLock()
	link, ok := m.links[to]
	m.linksMu.RUnlock()
	if !ok {
		m.shortcut(pkt)
		return
	}
	if err := link.Send(pkt); err != nil {
		m.log.Debug("fragment send failed, falling back to controller shortcut", "to", to, "error", err)
		m.shortcut(pkt)
	}
}

// Send splits payload into fragments and begins dispatching them to dest,
// returning the session id the caller uses to track completion (§4.5
// Contract).
func (m *Manager) Send(dest meshnet.NodeID, payload []byte) (meshnet.SessionID, error) {
	frags, err := fragment.Split(payload)
	if err != nil {
		return 0, err
	}

	id := m.cfg.IDs.NextSessionID()
	sess := &sessionState{
		dest:      dest,
		fragments: frags,
		acked:     make(map[int]bool),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = sess
	if path, ok := m.cfg.Router.RouteTo(dest); ok {
		sess.route = path
	}
	for i := range frags {
		m.dispatchLocked(sess, id, i)
	}
	return id, nil
}

// dispatchLocked sends (or buffers) fragment index of sess. Called with
// m.mu held.
func (m *Manager) dispatchLocked(sess *sessionState, id meshnet.SessionID, index int) {
	if len(sess.route) < 2 {
		sess.pending = appendUniqueInt(sess.pending, index)
		m.cfg.Flood.Initiate()
		return
	}
	header := meshnet.NewSourceRoutingHeader(sess.route)
	header.HopIndex = 1
	pkt := meshnet.NewFragmentPacket(header, id, sess.fragments[index])
	m.sendOrShortcut(sess.route[1], pkt)
}

// HandleAck applies an Ack to its session (§4.5 Ack handling). An Ack for
// an unknown session is dropped silently.
func (m *Manager) HandleAck(pkt meshnet.Packet) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[pkt.SessionID]
	if !ok {
		return
	}
	sess.acked[pkt.Ack.FragmentIndex] = true
	// A delivered fragment ends every run of consecutive drops in this
	// session.
	m.drops.clearSession(pkt.SessionID)
	if len(sess.acked) < len(sess.fragments) {
		return
	}
	delete(m.sessions, pkt.SessionID)
	m.drops.clearSession(pkt.SessionID)
	if m.cfg.OnSessionComplete != nil {
		m.cfg.OnSessionComplete(pkt.SessionID)
	}
}

// HandleNack applies a Nack to its session per the §4.5 Nack handling
// table. A Nack for an unknown session is dropped silently.
func (m *Manager) HandleNack(pkt meshnet.Packet) {
	m.mu.Lock()

	sess, ok := m.sessions[pkt.SessionID]
	if !ok {
		m.mu.Unlock()
		return
	}

	switch pkt.Nack.Reason {
	case meshnet.NackDropped:
		m.handleDroppedLocked(sess, pkt)
		m.mu.Unlock()

	case meshnet.NackErrorInRouting, meshnet.NackUnexpectedRecipient:
		m.handleMisroutingLocked(sess, pkt)
		m.mu.Unlock()

	case meshnet.NackDestinationIsDrone:
		delete(m.sessions, pkt.SessionID)
		m.drops.clearSession(pkt.SessionID)
		m.mu.Unlock()
		if m.cfg.OnSessionFailed != nil {
			m.cfg.OnSessionFailed(pkt.SessionID, ErrDestinationIsDrone)
		}

	default:
		m.mu.Unlock()
	}
}

func (m *Manager) handleDroppedLocked(sess *sessionState, pkt meshnet.Packet) {
	count := m.drops.increment(pkt.SessionID, pkt.Nack.Node)
	if count < maxConsecutiveDrops {
		m.dispatchLocked(sess, pkt.SessionID, pkt.Nack.FragmentIndex)
		return
	}

	m.drops.reset(pkt.SessionID, pkt.Nack.Node)
	sess.blocked = true
	sess.blockedOnDrone = pkt.Nack.Node
	sess.pending = appendUniqueInt(sess.pending, pkt.Nack.FragmentIndex)
	m.log.Warn("session blocked, calling technicians", "session", pkt.SessionID, "drone", pkt.Nack.Node)
	if m.cfg.OnCallTechnicians != nil {
		m.cfg.OnCallTechnicians(pkt.Nack.Node)
	}
}

func (m *Manager) handleMisroutingLocked(sess *sessionState, pkt meshnet.Packet) {
	m.cfg.Router.Invalidate(pkt.Nack.Node)
	if containsNode(sess.route, pkt.Nack.Node) {
		sess.route = nil
		// Recompute (not RouteTo) deliberately: the rest of the topology
		// may still offer an alternate path even though the cached route
		// was dropped along with the invalidated node.
		if path, ok := m.cfg.Router.Recompute(sess.dest); ok {
			sess.route = path
		}
	}
	m.dispatchLocked(sess, pkt.SessionID, pkt.Nack.FragmentIndex)
}

// Flush retries every session buffered on "no route yet" against the
// router's current routing table. Call after processing a FloodResponse,
// since that is the only event that can make a previously unreachable
// destination reachable (§4.5 Outbound dispatch: "once a route appears...
// flush pending queries in FIFO order").
func (m *Manager) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Session ids are minted in increasing order, so ascending id is the
	// order the sessions were created in.
	ids := make([]meshnet.SessionID, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		sess := m.sessions[id]
		if sess.blocked || len(sess.pending) == 0 {
			continue
		}
		path, ok := m.cfg.Router.RouteTo(sess.dest)
		if !ok {
			continue
		}
		sess.route = path
		pending := sess.pending
		sess.pending = nil
		for _, idx := range pending {
			m.dispatchLocked(sess, id, idx)
		}
	}
}

// ResumeAfterFix resumes every session blocked on drone, in response to
// the controller's DroneFixed(drone) command (§5 Cancellation).
func (m *Manager) ResumeAfterFix(drone meshnet.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, sess := range m.sessions {
		if !sess.blocked || sess.blockedOnDrone != drone {
			continue
		}
		sess.blocked = false
		pending := sess.pending
		sess.pending = nil
		for _, idx := range pending {
			m.dispatchLocked(sess, id, idx)
		}
	}
}

// PendingCount returns the number of live (not yet completed or failed)
// sessions. Exposed for tests and monitoring.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// HandleFragment processes a Fragment that has reached its terminal hop at
// this node: the other direction of a session's life, reassembling
// incoming messages rather than dispatching outgoing ones (§4.4
// Reassembly). Every valid fragment is acked immediately, whether or not
// it completes the message; a malformed fragment is rejected silently,
// per the Reassembler's own contract. Acks reuse the "reverse the header,
// cursor names the next physical hop" mechanism device/drone uses for the
// same purpose.
func (m *Manager) HandleFragment(pkt meshnet.Packet) {
	current, ok := pkt.RoutingHeader.CurrentHop()
	if !ok || current != m.cfg.Self {
		return
	}
	if _, hasNext := pkt.RoutingHeader.NextHop(); hasNext {
		return
	}

	m.mu.Lock()
	r, ok := m.inbound[pkt.SessionID]
	if !ok {
		r = fragment.NewReassembler()
		m.inbound[pkt.SessionID] = r
	}
	err := r.Add(pkt.Fragment)
	complete := err == nil && r.Complete()
	m.mu.Unlock()
	if err != nil {
		m.log.Debug("rejected malformed fragment", "session", pkt.SessionID, "error", err)
		return
	}

	ackHeader := pkt.RoutingHeader.Clone()
	ackHeader.Reverse()
	ack := meshnet.NewAckPacket(ackHeader, pkt.SessionID, pkt.Fragment.FragmentIndex)
	if next, ok := ack.RoutingHeader.CurrentHop(); ok {
		m.sendOrShortcut(next, ack)
	} else {
		m.shortcut(ack)
	}

	if !complete {
		return
	}
	m.mu.Lock()
	payload, _ := r.Assemble()
	delete(m.inbound, pkt.SessionID)
	m.mu.Unlock()
	if m.cfg.OnMessageReceived != nil {
		origin, _ := pkt.RoutingHeader.Origin()
		m.cfg.OnMessageReceived(pkt.SessionID, origin, payload)
	}
}

func containsNode(path []meshnet.NodeID, n meshnet.NodeID) bool {
	for _, p := range path {
		if p == n {
			return true
		}
	}
	return false
}

func appendUniqueInt(s []int, v int) []int {
	for _, x := range s {
		if x == v {
			return s
		}
	}
	return append(s, v)
}
