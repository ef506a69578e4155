package edge

import (
	"context"
	"testing"
	"time"

	"github.com/meshnet-sim/overlay/core/meshnet"
	"github.com/meshnet-sim/overlay/device/app"
	"github.com/meshnet-sim/overlay/device/flood"
	"github.com/meshnet-sim/overlay/device/router"
	"github.com/meshnet-sim/overlay/device/session"
	"github.com/meshnet-sim/overlay/transport"
)

func recvWithTimeout(t *testing.T, ch <-chan transport.Inbound) transport.Inbound {
	t.Helper()
	select {
	case in := <-ch:
		return in
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for packet")
		return transport.Inbound{}
	}
}

func noPacket(t *testing.T, ch <-chan transport.Inbound) {
	t.Helper()
	select {
	case in := <-ch:
		t.Fatalf("expected no packet, got %+v", in)
	case <-time.After(50 * time.Millisecond):
	}
}

// newServerNode builds a bare server-role Node with no app.Server wired,
// for tests that only exercise C3/C5/C6 dispatch.
func newServerNode(self meshnet.NodeID) *Node {
	r := router.New(router.Config{Self: self})
	f := flood.New(flood.Config{Self: self, SelfType: meshnet.NodeTypeServer, IDs: meshnet.NewIDGenerator(self), Router: r})
	s := session.New(session.Config{Self: self, IDs: meshnet.NewIDGenerator(self), Router: r, Flood: f})
	return New(Config{Self: self, SelfType: meshnet.NodeTypeServer, Router: r, Flood: f, Sessions: s})
}

func TestNode_RunPrefersCommandsOverPacketBacklog(t *testing.T) {
	n := newServerNode(3)
	back := transport.NewInbox()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Queue the link and the request that needs it before the loop even
	// starts. If the bias toward commands did not hold, the FloodRequest
	// could be processed before the link exists and would have nowhere to
	// reply except whatever shortcut is wired (none here).
	n.Commands() <- AddSenderCmd{Neighbor: 1, Link: transport.NewChanLink(3, back)}
	req := meshnet.NewFloodRequestPacket(0, meshnet.FloodRequest{
		FloodID:     5,
		InitiatorID: 1,
		PathTrace:   []meshnet.PathEntry{{Node: 1, Type: meshnet.NodeTypeClient}},
	})
	n.Inbox() <- transport.Inbound{Packet: req, From: 1}

	go n.Run(ctx)

	got := recvWithTimeout(t, back)
	if got.Packet.Kind != meshnet.BodyFloodResponse {
		t.Fatalf("expected a FloodResponse answered over the just-added link, got kind %v", got.Packet.Kind)
	}
}

func TestNode_AddSenderWiresBothFloodAndSessionLinks(t *testing.T) {
	client, server := meshnet.NodeID(1), meshnet.NodeID(2)
	r := router.New(router.Config{Self: client})
	r.UpdateRouteIfShorter(server, []meshnet.NodeID{client, server})
	f := flood.New(flood.Config{Self: client, SelfType: meshnet.NodeTypeClient, IDs: meshnet.NewIDGenerator(client), Router: r})
	s := session.New(session.Config{Self: client, IDs: meshnet.NewIDGenerator(client), Router: r, Flood: f})
	n := New(Config{Self: client, SelfType: meshnet.NodeTypeClient, Router: r, Flood: f, Sessions: s})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	out := transport.NewInbox()
	n.Commands() <- AddSenderCmd{Neighbor: server, Link: transport.NewChanLink(client, out)}
	time.Sleep(20 * time.Millisecond)

	// Exercise the session Manager's half of the newly added link first,
	// since StartFloodingCmd resets the router's routing table.
	if _, err := s.Send(server, []byte("hi")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	got := recvWithTimeout(t, out)
	if got.Packet.Kind != meshnet.BodyFragment {
		t.Fatalf("expected the session Manager's link to carry the Fragment, got kind %v", got.Packet.Kind)
	}

	n.Commands() <- StartFloodingCmd{}
	got2 := recvWithTimeout(t, out)
	if got2.Packet.Kind != meshnet.BodyFloodRequest {
		t.Fatalf("expected the flood Engine's link to carry the FloodRequest, got kind %v", got2.Packet.Kind)
	}
}

func TestNode_RemoveSenderForgetsBothLinks(t *testing.T) {
	client, server := meshnet.NodeID(1), meshnet.NodeID(2)
	r := router.New(router.Config{Self: client})
	r.UpdateRouteIfShorter(server, []meshnet.NodeID{client, server})
	f := flood.New(flood.Config{Self: client, SelfType: meshnet.NodeTypeClient, IDs: meshnet.NewIDGenerator(client), Router: r})

	var shortcut meshnet.Packet
	gotShortcut := make(chan struct{}, 1)
	s := session.New(session.Config{
		Self: client, IDs: meshnet.NewIDGenerator(client), Router: r, Flood: f,
		OnShortcut: func(p meshnet.Packet) { shortcut = p; gotShortcut <- struct{}{} },
	})
	n := New(Config{Self: client, SelfType: meshnet.NodeTypeClient, Router: r, Flood: f, Sessions: s})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	out := transport.NewInbox()
	n.Commands() <- AddSenderCmd{Neighbor: server, Link: transport.NewChanLink(client, out)}
	time.Sleep(20 * time.Millisecond)
	n.Commands() <- RemoveSenderCmd{Neighbor: server}
	time.Sleep(20 * time.Millisecond)

	if _, err := s.Send(server, []byte("hi")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	select {
	case <-gotShortcut:
	case <-time.After(time.Second):
		t.Fatal("expected a shortcut once the link was removed")
	}
	if shortcut.Kind != meshnet.BodyFragment {
		t.Fatalf("expected the shortcut packet to be the Fragment, got kind %v", shortcut.Kind)
	}
	noPacket(t, out)
}

func TestNode_ShortcutPacketCmdDeliversDirectlyToHandling(t *testing.T) {
	n := newServerNode(3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	// A Fragment addressed to this node, arriving as if the controller
	// carried it out of band rather than over a registered link.
	h := meshnet.NewSourceRoutingHeader([]meshnet.NodeID{1, 3})
	h.HopIndex = 1
	pkt := meshnet.NewFragmentPacket(h, 55, meshnet.NewFragment(0, 1, []byte("payload")))

	var msg []byte
	var gotID meshnet.SessionID
	gotMsg := make(chan struct{}, 1)
	n.cfg.Sessions.SetOnMessageReceived(func(id meshnet.SessionID, _ meshnet.NodeID, payload []byte) {
		gotID = id
		msg = payload
		gotMsg <- struct{}{}
	})

	n.Commands() <- ShortcutPacketCmd{Packet: pkt}

	select {
	case <-gotMsg:
	case <-time.After(time.Second):
		t.Fatal("expected the shortcut-delivered fragment to reach reassembly")
	}
	if gotID != 55 || string(msg) != "payload" {
		t.Fatalf("unexpected reassembled message: id=%d payload=%q", gotID, msg)
	}
}

func TestNode_AppCommandDelegatesToClient(t *testing.T) {
	self, server := meshnet.NodeID(1), meshnet.NodeID(2)
	r := router.New(router.Config{Self: self})
	r.UpdateRouteIfShorter(server, []meshnet.NodeID{self, server})
	f := flood.New(flood.Config{Self: self, SelfType: meshnet.NodeTypeClient, IDs: meshnet.NewIDGenerator(self), Router: r})
	s := session.New(session.Config{Self: self, IDs: meshnet.NewIDGenerator(self), Router: r, Flood: f})
	out := transport.NewInbox()
	s.AddLink(server, transport.NewChanLink(self, out))
	c := app.NewClient(app.ClientConfig{Self: self, Sessions: s})
	n := New(Config{Self: self, SelfType: meshnet.NodeTypeClient, Router: r, Flood: f, Sessions: s, Client: c})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	done := make(chan error, 1)
	n.Commands() <- AppCommand{Fn: func(cl *app.Client) {
		_, err := cl.AskType(server)
		done <- err
	}}

	if err := <-done; err != nil {
		t.Fatalf("AskType failed: %v", err)
	}
	sent := recvWithTimeout(t, out)
	if sent.Packet.Kind != meshnet.BodyFragment {
		t.Fatalf("expected the client's query dispatched as a Fragment, got kind %v", sent.Packet.Kind)
	}
}

func TestNode_AppCommandOnServerRoleNodeIsANoop(t *testing.T) {
	n := newServerNode(3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	called := false
	n.Commands() <- AppCommand{Fn: func(*app.Client) { called = true }}

	// Drive the loop forward with a harmless command and confirm the
	// AppCommand above was dropped rather than panicking on a nil Client.
	n.Commands() <- StartFloodingCmd{}
	time.Sleep(20 * time.Millisecond)
	if called {
		t.Fatalf("expected AppCommand.Fn not to run on a node with no app.Client wired")
	}
}

func TestNode_FloodResponseFlushesPendingSession(t *testing.T) {
	client, server := meshnet.NodeID(1), meshnet.NodeID(2)
	r := router.New(router.Config{Self: client})
	f := flood.New(flood.Config{Self: client, SelfType: meshnet.NodeTypeClient, IDs: meshnet.NewIDGenerator(client), Router: r})
	s := session.New(session.Config{Self: client, IDs: meshnet.NewIDGenerator(client), Router: r, Flood: f})
	out := transport.NewInbox()
	s.AddLink(server, transport.NewChanLink(client, out))
	f.AddLink(server, transport.NewChanLink(client, transport.NewInbox()))
	n := New(Config{Self: client, SelfType: meshnet.NodeTypeClient, Router: r, Flood: f, Sessions: s})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	// No route yet: Send buffers the fragment and triggers a flood.
	if _, err := s.Send(server, []byte("hi")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	noPacket(t, out)

	resp := meshnet.NewFloodResponsePacket(meshnet.SourceRoutingHeader{}, 0, meshnet.FloodResponse{
		FloodID:   1,
		PathTrace: []meshnet.PathEntry{{Node: server, Type: meshnet.NodeTypeServer}},
	})
	n.Inbox() <- transport.Inbound{Packet: resp, From: server}

	got := recvWithTimeout(t, out)
	if got.Packet.Kind != meshnet.BodyFragment {
		t.Fatalf("expected the buffered fragment to flush once the route resolved, got kind %v", got.Packet.Kind)
	}
}
