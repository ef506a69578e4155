package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/meshnet-sim/overlay/core/meshnet"
	"github.com/meshnet-sim/overlay/device/drone"
	"github.com/meshnet-sim/overlay/device/edge"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	c, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues: %v", err)
	}
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetCounter().GetValue()
}

type fakeLink struct {
	sent []meshnet.Packet
}

func (l *fakeLink) Send(pkt meshnet.Packet) error {
	l.sent = append(l.sent, pkt)
	return nil
}
func (l *fakeLink) Close() {}

func TestInstrumentLink_CountsPacketsSentByKind(t *testing.T) {
	reg := New(prometheus.NewRegistry())
	inner := &fakeLink{}
	link := reg.InstrumentLink(1, inner)

	header := meshnet.NewSourceRoutingHeader([]meshnet.NodeID{1, 2})
	pkt := meshnet.NewFragmentPacket(header, 7, meshnet.NewFragment(0, 1, []byte("x")))
	if err := link.Send(pkt); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(inner.sent) != 1 {
		t.Fatalf("expected the wrapped link to receive the packet, got %d sends", len(inner.sent))
	}
	if got := counterValue(t, reg.PacketsSent, "1", "fragment"); got != 1 {
		t.Fatalf("expected PacketsSent=1, got %v", got)
	}
	if got := counterValue(t, reg.RouteUsage, "1", "2"); got != 1 {
		t.Fatalf("expected RouteUsage=1 for destination 2, got %v", got)
	}
}

func TestInstrumentLink_DoesNotCountFailedSends(t *testing.T) {
	reg := New(prometheus.NewRegistry())
	link := reg.InstrumentLink(1, failingLink{})

	pkt := meshnet.NewFragmentPacket(meshnet.SourceRoutingHeader{}, 7, meshnet.Fragment{})
	if err := link.Send(pkt); err == nil {
		t.Fatal("expected the wrapped link's error to propagate")
	}
	if got := counterValue(t, reg.PacketsSent, "1", "fragment"); got != 0 {
		t.Fatalf("expected no count on a failed send, got %v", got)
	}
}

type failingLink struct{}

func (failingLink) Send(meshnet.Packet) error { return errors.New("boom") }
func (failingLink) Close()                    {}

func TestPacketDroppedHandler(t *testing.T) {
	reg := New(prometheus.NewRegistry())
	h := reg.PacketDroppedHandler(3)
	h(drone.PacketDropped{})
	h(drone.PacketDropped{})
	if got := counterValue(t, reg.PacketsDropped, "3"); got != 2 {
		t.Fatalf("expected PacketsDropped=2, got %v", got)
	}
}

func TestSessionCompleteAndFailedHandlers(t *testing.T) {
	reg := New(prometheus.NewRegistry())
	reg.SessionCompleteHandler(1)(42)
	reg.SessionFailedHandler(1)(43, errors.New("fatal"))

	if got := counterValue(t, reg.SessionsComplete, "1"); got != 1 {
		t.Fatalf("expected SessionsComplete=1, got %v", got)
	}
	if got := counterValue(t, reg.SessionsFailed, "1"); got != 1 {
		t.Fatalf("expected SessionsFailed=1, got %v", got)
	}
}

func TestTechniciansHandler(t *testing.T) {
	reg := New(prometheus.NewRegistry())
	h := reg.TechniciansHandler()
	h(edge.CallTechnicians{Drone: 9, Reporter: 1, Type: meshnet.NodeTypeClient})

	if got := counterValue(t, reg.Technicians, "1", "9"); got != 1 {
		t.Fatalf("expected Technicians=1, got %v", got)
	}
}

func TestRecordFloodInitiated(t *testing.T) {
	reg := New(prometheus.NewRegistry())
	reg.RecordFloodInitiated(2)
	reg.RecordFloodInitiated(2)

	if got := counterValue(t, reg.FloodsInitiated, "2"); got != 2 {
		t.Fatalf("expected FloodsInitiated=2, got %v", got)
	}
}
