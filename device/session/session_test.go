package session

import (
	"testing"
	"time"

	"github.com/meshnet-sim/overlay/core/meshnet"
	"github.com/meshnet-sim/overlay/device/router"
	"github.com/meshnet-sim/overlay/transport"
)

type fakeFlood struct {
	calls int
}

func (f *fakeFlood) Initiate() meshnet.FloodID {
	f.calls++
	return meshnet.FloodID(f.calls)
}

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

func newManager(self meshnet.NodeID) (*Manager, *router.Router, *fakeFlood) {
	r := router.New(router.Config{Self: self})
	fl := &fakeFlood{}
	m := New(Config{
		Self:   self,
		IDs:    meshnet.NewIDGenerator(self),
		Router: r,
		Flood:  fl,
	})
	return m, r, fl
}

func TestManager_SendWithRouteDispatchesAlongIt(t *testing.T) {
	m, r, _ := newManager(1)
	r.UpdateRouteIfShorter(3, []meshnet.NodeID{1, 2, 3})
	out := transport.NewInbox()
	m.AddLink(2, transport.NewChanLink(1, out))

	id, err := m.Send(3, []byte("hello"))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	got := recvWithTimeout(t, out)
	if got.Packet.Kind != meshnet.BodyFragment {
		t.Fatalf("expected Fragment packet, got kind %v", got.Packet.Kind)
	}
	if got.Packet.SessionID != id {
		t.Fatalf("session id mismatch")
	}
	if got.Packet.RoutingHeader.HopIndex != 1 {
		t.Fatalf("expected hop_index=1 on dispatch, got %d", got.Packet.RoutingHeader.HopIndex)
	}
	if m.PendingCount() != 1 {
		t.Fatalf("expected 1 pending session, got %d", m.PendingCount())
	}
}

func TestManager_SendWithNoRouteBuffersAndFloods(t *testing.T) {
	m, _, fl := newManager(1)

	_, err := m.Send(9, []byte("hello"))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if fl.calls != 1 {
		t.Fatalf("expected flood Initiate to be called once, got %d", fl.calls)
	}
}

func TestManager_SendEmptyPayloadFails(t *testing.T) {
	m, _, _ := newManager(1)
	if _, err := m.Send(2, nil); err == nil {
		t.Fatalf("expected error for empty payload")
	}
}

func TestManager_FlushDispatchesOnceRouteAppears(t *testing.T) {
	m, r, _ := newManager(1)
	out := transport.NewInbox()
	m.AddLink(2, transport.NewChanLink(1, out))

	m.Send(3, []byte("hi"))
	noPacket(t, out)

	r.UpdateRouteIfShorter(3, []meshnet.NodeID{1, 2, 3})
	m.Flush()

	got := recvWithTimeout(t, out)
	if got.Packet.Kind != meshnet.BodyFragment {
		t.Fatalf("expected Fragment after flush, got kind %v", got.Packet.Kind)
	}
}

func TestManager_HandleAckCompletesSession(t *testing.T) {
	m, r, _ := newManager(1)
	r.UpdateRouteIfShorter(3, []meshnet.NodeID{1, 2, 3})
	out := transport.NewInbox()
	m.AddLink(2, transport.NewChanLink(1, out))

	var completed meshnet.SessionID
	m.cfg.OnSessionComplete = func(id meshnet.SessionID) { completed = id }

	id, _ := m.Send(3, []byte("x")) // single fragment message
	recvWithTimeout(t, out)

	m.HandleAck(meshnet.NewAckPacket(meshnet.SourceRoutingHeader{}, id, 0))

	if completed != id {
		t.Fatalf("expected OnSessionComplete for session %d, got %d", id, completed)
	}
	if m.PendingCount() != 0 {
		t.Fatalf("expected session to be retired, got %d pending", m.PendingCount())
	}
}

func TestManager_AckForUnknownSessionIsSilentlyDropped(t *testing.T) {
	m, _, _ := newManager(1)
	m.HandleAck(meshnet.NewAckPacket(meshnet.SourceRoutingHeader{}, 12345, 0))
	if m.PendingCount() != 0 {
		t.Fatalf("expected no sessions created by a stray ack")
	}
}

func TestManager_NackDroppedRetransmitsUnderThreshold(t *testing.T) {
	m, r, _ := newManager(1)
	r.UpdateRouteIfShorter(3, []meshnet.NodeID{1, 2, 3})
	out := transport.NewInbox()
	m.AddLink(2, transport.NewChanLink(1, out))

	id, _ := m.Send(3, []byte("x"))
	recvWithTimeout(t, out) // initial send

	nack := meshnet.NewNackPacket(meshnet.SourceRoutingHeader{}, id, meshnet.Nack{
		FragmentIndex: 0,
		Reason:        meshnet.NackDropped,
		Node:          2,
	})
	m.HandleNack(nack)

	got := recvWithTimeout(t, out)
	if got.Packet.Kind != meshnet.BodyFragment {
		t.Fatalf("expected retransmitted Fragment, got kind %v", got.Packet.Kind)
	}
	if m.PendingCount() != 1 {
		t.Fatalf("expected session to still be pending after one drop")
	}
}

func TestManager_NackDroppedEscalatesAtTenAndBlocksUntilFixed(t *testing.T) {
	m, r, _ := newManager(1)
	r.UpdateRouteIfShorter(3, []meshnet.NodeID{1, 2, 3})
	out := transport.NewInbox()
	m.AddLink(2, transport.NewChanLink(1, out))

	var escalatedDrone meshnet.NodeID
	m.cfg.OnCallTechnicians = func(drone meshnet.NodeID) { escalatedDrone = drone }

	id, _ := m.Send(3, []byte("x"))
	recvWithTimeout(t, out) // initial send

	nack := meshnet.NewNackPacket(meshnet.SourceRoutingHeader{}, id, meshnet.Nack{
		FragmentIndex: 0,
		Reason:        meshnet.NackDropped,
		Node:          2,
	})
	for i := 0; i < 9; i++ {
		m.HandleNack(nack)
		recvWithTimeout(t, out) // retransmit 1..9
	}
	// 10th drop escalates and blocks instead of retransmitting immediately.
	m.HandleNack(nack)
	noPacket(t, out)
	if escalatedDrone != 2 {
		t.Fatalf("expected technician escalation for drone 2, got %d", escalatedDrone)
	}

	m.ResumeAfterFix(2)
	got := recvWithTimeout(t, out)
	if got.Packet.Kind != meshnet.BodyFragment {
		t.Fatalf("expected retransmit after DroneFixed, got kind %v", got.Packet.Kind)
	}
}

func TestManager_NackErrorInRoutingInvalidatesAndRebinds(t *testing.T) {
	m, r, _ := newManager(1)
	r.ObserveTrace([]meshnet.PathEntry{
		{Node: 2, Type: meshnet.NodeTypeDrone},
		{Node: 3, Type: meshnet.NodeTypeServer},
	})
	r.ObserveTrace([]meshnet.PathEntry{
		{Node: 4, Type: meshnet.NodeTypeDrone},
		{Node: 3, Type: meshnet.NodeTypeServer},
	})
	r.UpdateRouteIfShorter(3, []meshnet.NodeID{1, 2, 3})
	out2 := transport.NewInbox()
	out4 := transport.NewInbox()
	m.AddLink(2, transport.NewChanLink(1, out2))
	m.AddLink(4, transport.NewChanLink(1, out4))

	id, _ := m.Send(3, []byte("x"))
	recvWithTimeout(t, out2) // initial send via drone 2

	// Drone 2 is reported unreachable. No direct 1-3 edge exists, so the
	// only remaining path is via drone 4.
	nack := meshnet.NewNackPacket(meshnet.SourceRoutingHeader{}, id, meshnet.Nack{
		FragmentIndex: 0,
		Reason:        meshnet.NackErrorInRouting,
		Node:          2,
	})
	m.HandleNack(nack)

	got := recvWithTimeout(t, out4)
	if got.Packet.Kind != meshnet.BodyFragment {
		t.Fatalf("expected retransmit over the rebound route via drone 4, got kind %v", got.Packet.Kind)
	}
	if r.Graph().HasNode(2) {
		t.Fatalf("expected drone 2 to be invalidated out of the topology")
	}
}

func TestManager_HandleFragmentReassemblesAndAcksEachOne(t *testing.T) {
	m, _, _ := newManager(3)
	back := transport.NewInbox()
	m.AddLink(2, transport.NewChanLink(3, back))

	var received []byte
	var receivedSession meshnet.SessionID
	var receivedFrom meshnet.NodeID
	m.cfg.OnMessageReceived = func(id meshnet.SessionID, from meshnet.NodeID, payload []byte) {
		receivedSession = id
		receivedFrom = from
		received = payload
	}

	hops := []meshnet.NodeID{1, 2, 3}
	header := meshnet.NewSourceRoutingHeader(hops)
	header.HopIndex = 2 // terminal hop: this node
	f0 := meshnet.NewFragment(0, 2, []byte("hello "))
	f1 := meshnet.NewFragment(1, 2, []byte("world"))

	m.HandleFragment(meshnet.NewFragmentPacket(header, 77, f0))
	ack1 := recvWithTimeout(t, back)
	if ack1.Packet.Kind != meshnet.BodyAck || ack1.Packet.Ack.FragmentIndex != 0 {
		t.Fatalf("expected Ack for fragment 0, got %+v", ack1.Packet)
	}

	m.HandleFragment(meshnet.NewFragmentPacket(header, 77, f1))
	ack2 := recvWithTimeout(t, back)
	if ack2.Packet.Ack.FragmentIndex != 1 {
		t.Fatalf("expected Ack for fragment 1, got %+v", ack2.Packet)
	}

	if receivedSession != 77 || string(received) != "hello world" {
		t.Fatalf("expected reassembled message 'hello world' for session 77, got %q session=%d", received, receivedSession)
	}
	if receivedFrom != 1 {
		t.Fatalf("expected origin 1, got %d", receivedFrom)
	}
}

func TestManager_HandleFragmentNotForUsIsIgnored(t *testing.T) {
	m, _, _ := newManager(99)
	back := transport.NewInbox()
	m.AddLink(2, transport.NewChanLink(99, back))

	hops := []meshnet.NodeID{1, 2, 3}
	header := meshnet.NewSourceRoutingHeader(hops)
	header.HopIndex = 1 // names node 2, not us
	m.HandleFragment(meshnet.NewFragmentPacket(header, 5, meshnet.NewFragment(0, 1, []byte("x"))))

	noPacket(t, back)
}

func TestManager_NackDestinationIsDroneFailsSession(t *testing.T) {
	m, r, _ := newManager(1)
	r.UpdateRouteIfShorter(3, []meshnet.NodeID{1, 2, 3})
	out := transport.NewInbox()
	m.AddLink(2, transport.NewChanLink(1, out))

	var failedID meshnet.SessionID
	var failedErr error
	m.cfg.OnSessionFailed = func(id meshnet.SessionID, err error) {
		failedID = id
		failedErr = err
	}

	id, _ := m.Send(3, []byte("x"))
	recvWithTimeout(t, out)

	nack := meshnet.NewNackPacket(meshnet.SourceRoutingHeader{}, id, meshnet.Nack{
		FragmentIndex: 0,
		Reason:        meshnet.NackDestinationIsDrone,
	})
	m.HandleNack(nack)

	if failedID != id || failedErr != ErrDestinationIsDrone {
		t.Fatalf("expected session %d to fail with ErrDestinationIsDrone, got id=%d err=%v", id, failedID, failedErr)
	}
	if m.PendingCount() != 0 {
		t.Fatalf("expected session retired after fatal Nack")
	}
}
