package metrics

import (
	"github.com/meshnet-sim/overlay/core/meshnet"
	"github.com/meshnet-sim/overlay/device/drone"
	"github.com/meshnet-sim/overlay/device/edge"
	"github.com/meshnet-sim/overlay/transport"
)

// instrumentedLink wraps a transport.Link so every successful Send is
// counted against its source node, by body kind, and — for Fragments —
// against the route's destination (the "using times" counter, §9).
type instrumentedLink struct {
	reg  *Registry
	node meshnet.NodeID
	link transport.Link
}

// InstrumentLink wraps link so the registry observes every packet node
// places on it. Install this at the same call site that builds the Link
// passed to AddSenderCmd / drone.Command's link wiring, rather than
// inside device/drone or device/edge themselves — neither engine needs
// to know metrics exist.
func (r *Registry) InstrumentLink(node meshnet.NodeID, link transport.Link) transport.Link {
	return &instrumentedLink{reg: r, node: node, link: link}
}

func (l *instrumentedLink) Send(pkt meshnet.Packet) error {
	if err := l.link.Send(pkt); err != nil {
		return err
	}
	node := NodeLabel(l.node)
	l.reg.PacketsSent.WithLabelValues(node, KindLabel(pkt.Kind)).Inc()
	if pkt.Kind == meshnet.BodyFragment {
		if dest, ok := pkt.RoutingHeader.Destination(); ok {
			l.reg.RouteUsage.WithLabelValues(node, NodeLabel(dest)).Inc()
		}
	}
	return nil
}

func (l *instrumentedLink) Close() { l.link.Close() }

// PacketDroppedHandler builds the callback a drone.Config should install
// as OnPacketDropped.
func (r *Registry) PacketDroppedHandler(node meshnet.NodeID) func(drone.PacketDropped) {
	label := NodeLabel(node)
	return func(drone.PacketDropped) {
		r.PacketsDropped.WithLabelValues(label).Inc()
	}
}

// SessionCompleteHandler builds the callback a session.Config should
// install as OnSessionComplete.
func (r *Registry) SessionCompleteHandler(node meshnet.NodeID) func(meshnet.SessionID) {
	label := NodeLabel(node)
	return func(meshnet.SessionID) {
		r.SessionsComplete.WithLabelValues(label).Inc()
	}
}

// SessionFailedHandler builds the callback a session.Config should
// install as OnSessionFailed.
func (r *Registry) SessionFailedHandler(node meshnet.NodeID) func(meshnet.SessionID, error) {
	label := NodeLabel(node)
	return func(meshnet.SessionID, error) {
		r.SessionsFailed.WithLabelValues(label).Inc()
	}
}

// TechniciansHandler builds a callback for edge.NewCallTechniciansHandler's
// fn argument, counting every escalation by the reporting node and the
// drone it named.
func (r *Registry) TechniciansHandler() func(edge.CallTechnicians) {
	return func(ev edge.CallTechnicians) {
		r.Technicians.WithLabelValues(NodeLabel(ev.Reporter), NodeLabel(ev.Drone)).Inc()
	}
}

// RecordFloodInitiated counts one discovery wave originated by node. The
// controller calls this at the same point it dispatches a
// edge.StartFloodingCmd, since device/flood.Engine has no hook of its own
// for "a flood began" — Initiate fans a FloodRequest out to every
// neighbor link in one call, which InstrumentLink would otherwise count
// once per neighbor rather than once per wave.
func (r *Registry) RecordFloodInitiated(node meshnet.NodeID) {
	r.FloodsInitiated.WithLabelValues(NodeLabel(node)).Inc()
}
