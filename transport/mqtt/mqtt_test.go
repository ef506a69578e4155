package mqtt

import (
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/meshnet-sim/overlay/core/meshnet"
	"github.com/meshnet-sim/overlay/transport"
)

// fakeLoopback is an in-process stand-in for an MQTT broker: Publish on
// one fakeClient invokes every other fakeClient's matching Subscribe
// callback directly, with no network involved. This is the "broker-less
// loopback fake" the MQTT Link is exercised against in tests.
type fakeLoopback struct {
	mu   sync.Mutex
	subs map[string][]paho.MessageHandler
}

func newFakeLoopback() *fakeLoopback {
	return &fakeLoopback{subs: make(map[string][]paho.MessageHandler)}
}

func (f *fakeLoopback) subscribe(topic string, h paho.MessageHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[topic] = append(f.subs[topic], h)
}

func (f *fakeLoopback) publish(client paho.Client, topic string, payload []byte) {
	f.mu.Lock()
	handlers := append([]paho.MessageHandler(nil), f.subs[topic]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(client, fakeMessage{topic: topic, payload: payload})
	}
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { ch := make(chan struct{}); close(ch); return ch }
func (t *fakeToken) Error() error                   { return t.err }

// fakeClient implements paho.Client against a shared fakeLoopback instead
// of a real broker connection.
type fakeClient struct {
	broker *fakeLoopback
}

func (c *fakeClient) IsConnected() bool      { return true }
func (c *fakeClient) IsConnectionOpen() bool { return true }
func (c *fakeClient) Connect() paho.Token    { return &fakeToken{} }
func (c *fakeClient) Disconnect(uint)        {}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) paho.Token {
	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = p
	case string:
		data = []byte(p)
	}
	c.broker.publish(c, topic, data)
	return &fakeToken{}
}

func (c *fakeClient) Subscribe(topic string, _ byte, callback paho.MessageHandler) paho.Token {
	c.broker.subscribe(topic, callback)
	return &fakeToken{}
}

func (c *fakeClient) SubscribeMultiple(filters map[string]byte, callback paho.MessageHandler) paho.Token {
	for topic := range filters {
		c.broker.subscribe(topic, callback)
	}
	return &fakeToken{}
}

func (c *fakeClient) Unsubscribe(...string) paho.Token       { return &fakeToken{} }
func (c *fakeClient) AddRoute(string, paho.MessageHandler)    {}
func (c *fakeClient) OptionsReader() paho.ClientOptionsReader { return paho.ClientOptionsReader{} }

func dialFake(t *testing.T, broker *fakeLoopback, meshID string) *Broker {
	t.Helper()
	b, err := dial(Config{Broker: "fake://loopback", MeshID: meshID}, func(*paho.ClientOptions) paho.Client {
		return &fakeClient{broker: broker}
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return b
}

func TestDial_RequiresBrokerAndMeshID(t *testing.T) {
	if _, err := Dial(Config{MeshID: "x"}); err == nil {
		t.Fatal("expected error with empty broker")
	}
	if _, err := Dial(Config{Broker: "tcp://localhost:1883"}); err == nil {
		t.Fatal("expected error with empty mesh ID")
	}
}

func TestLinkAndSubscribe_RoundTripsAPacket(t *testing.T) {
	loopback := newFakeLoopback()
	sender := dialFake(t, loopback, "sim-1")
	receiver := dialFake(t, loopback, "sim-1")

	out := make(chan transport.Inbound, 1)
	if err := receiver.Subscribe(1, 2, out); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	link := sender.Link(1, 2)
	pkt := meshnet.NewAckPacket(meshnet.SourceRoutingHeader{}, 7, 3)
	if err := link.Send(pkt); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case in := <-out:
		if in.From != 1 {
			t.Fatalf("From = %d, want 1", in.From)
		}
		if in.Packet.Kind != meshnet.BodyAck {
			t.Fatalf("Kind = %v, want BodyAck", in.Packet.Kind)
		}
	default:
		t.Fatal("expected a packet to be delivered synchronously through the loopback")
	}
}

func TestLink_SendAfterCloseFails(t *testing.T) {
	loopback := newFakeLoopback()
	b := dialFake(t, loopback, "sim-1")
	link := b.Link(1, 2)
	link.Close()

	if err := link.Send(meshnet.NewAckPacket(meshnet.SourceRoutingHeader{}, 0, 0)); err != transport.ErrClosed {
		t.Fatalf("Send after Close = %v, want ErrClosed", err)
	}
}

func TestEdgeTopic_NamespacedByMeshIDAndDirection(t *testing.T) {
	loopback := newFakeLoopback()
	b := dialFake(t, loopback, "sim-1")
	if got, want := b.edgeTopic(1, 2), "meshnet-sim/sim-1/1/2"; got != want {
		t.Fatalf("edgeTopic(1, 2) = %q, want %q", got, want)
	}
	if got := b.edgeTopic(2, 1); got == b.edgeTopic(1, 2) {
		t.Fatalf("edgeTopic should be direction-sensitive, got the same topic both ways: %q", got)
	}
}
