package controller

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/meshnet-sim/overlay/core/meshnet"
	"github.com/meshnet-sim/overlay/device/app"
	"github.com/meshnet-sim/overlay/device/drone"
	"github.com/meshnet-sim/overlay/device/edge"
)

// AddSender wires a fresh bidirectional link between a and b, or is a
// no-op if they are already linked (§6 AddSender(peer, channel)).
func (c *Controller) AddSender(a, b meshnet.NodeID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.knownLocked(a) {
		return fmt.Errorf("%w: %d", errUnknownNode, a)
	}
	if !c.knownLocked(b) {
		return fmt.Errorf("%w: %d", errUnknownNode, b)
	}
	c.connectLocked(a, b)
	return nil
}

func (c *Controller) knownLocked(id meshnet.NodeID) bool {
	if _, ok := c.drones[id]; ok {
		return true
	}
	_, ok := c.edges[id]
	return ok
}

// RemoveSender forgets the link between a and b in both directions
// (§6 RemoveSender(peer)).
func (c *Controller) RemoveSender(a, b meshnet.NodeID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.linked, normalizeLinkKey(a, b))
	c.removeLinkLocked(a, b)
	c.removeLinkLocked(b, a)
	return nil
}

func (c *Controller) removeLinkLocked(self, neighbor meshnet.NodeID) {
	if d, ok := c.drones[self]; ok {
		d.RemoveLink(neighbor)
		return
	}
	if n, ok := c.edges[self]; ok {
		n.Commands() <- edge.RemoveSenderCmd{Neighbor: neighbor}
	}
}

// SetPacketDropRate updates a drone's packet drop rate (§6
// SetPacketDropRate(pdr), drones only).
func (c *Controller) SetPacketDropRate(id meshnet.NodeID, pdr float64) error {
	d, ok := c.droneNode(id)
	if !ok {
		return fmt.Errorf("%w: drone %d", errUnknownNode, id)
	}
	d.Commands() <- drone.SetPDR{PDR: pdr}
	return nil
}

// Crash transitions a drone into its draining/failing state (§6 Crash,
// drones only).
func (c *Controller) Crash(id meshnet.NodeID) error {
	d, ok := c.droneNode(id)
	if !ok {
		return fmt.Errorf("%w: drone %d", errUnknownNode, id)
	}
	d.Commands() <- drone.CrashCmd{}
	return nil
}

// StartFlooding kicks off a fresh discovery wave from an edge node (§6
// StartFlooding).
func (c *Controller) StartFlooding(id meshnet.NodeID) error {
	n, ok := c.edgeNode(id)
	if !ok {
		return fmt.Errorf("%w: edge node %d", errUnknownNode, id)
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordFloodInitiated(id)
	}
	n.Commands() <- edge.StartFloodingCmd{}
	return nil
}

// DroneFixed resumes every session on node blocked on drone (§6
// DroneFixed(drone)). The caller names which edge node was blocked;
// a fixed drone is signaled individually to every node that reported it.
func (c *Controller) DroneFixed(node, drone meshnet.NodeID) error {
	n, ok := c.edgeNode(node)
	if !ok {
		return fmt.Errorf("%w: edge node %d", errUnknownNode, node)
	}
	n.Commands() <- edge.DroneFixedCmd{Drone: drone}
	return nil
}

// ShortcutPacket delivers pkt directly to its destination, bypassing the
// mesh (§6 ShortcutPacket(packet)). This is the same mechanism actors
// fall back to automatically when a local link send fails.
func (c *Controller) ShortcutPacket(pkt meshnet.Packet) {
	c.deliverShortcut(pkt)
}

// dispatchApp runs fn against client's app.Client from inside its event
// loop and waits for the result. Every call is tagged with a correlation
// id in the controller's log, since a query and the response that later
// resolves it are otherwise two unrelated log lines.
func (c *Controller) dispatchApp(client meshnet.NodeID, fn func(*app.Client) error) error {
	n, ok := c.edgeNode(client)
	if !ok {
		return fmt.Errorf("%w: client %d", errUnknownNode, client)
	}
	opID := uuid.New().String()
	c.log.Debug("dispatching app command", "op_id", opID, "client", client)
	done := make(chan error, 1)
	n.Commands() <- edge.AppCommand{Fn: func(cl *app.Client) { done <- fn(cl) }}
	err := <-done
	c.log.Debug("app command completed", "op_id", opID, "client", client, "error", err)
	return err
}

// AskType asks server to report its role (§6 AskType(server)).
func (c *Controller) AskType(client, server meshnet.NodeID) (meshnet.SessionID, error) {
	var id meshnet.SessionID
	err := c.dispatchApp(client, func(cl *app.Client) error {
		var e error
		id, e = cl.AskType(server)
		return e
	})
	return id, err
}

// RequestListFile asks a text server for its file catalog (§6
// RequestListFile(server)).
func (c *Controller) RequestListFile(client, server meshnet.NodeID) (meshnet.SessionID, error) {
	var id meshnet.SessionID
	err := c.dispatchApp(client, func(cl *app.Client) error {
		var e error
		id, e = cl.RequestListFile(server)
		return e
	})
	return id, err
}

// RequestText fetches one file's contents by reference (§6
// RequestText(server, fileref)).
func (c *Controller) RequestText(client, server meshnet.NodeID, fileRef string) (meshnet.SessionID, error) {
	var id meshnet.SessionID
	err := c.dispatchApp(client, func(cl *app.Client) error {
		var e error
		id, e = cl.RequestText(server, fileRef)
		return e
	})
	return id, err
}

// RequestMedia fetches one media item's contents by reference (§6
// RequestMedia(mediaref)).
func (c *Controller) RequestMedia(client, server meshnet.NodeID, mediaRef string) (meshnet.SessionID, error) {
	var id meshnet.SessionID
	err := c.dispatchApp(client, func(cl *app.Client) error {
		var e error
		id, e = cl.RequestMedia(server, mediaRef)
		return e
	})
	return id, err
}

// SendMessageTo asks a communication server to relay text to peer (§6
// SendMessageTo(peer, text)).
func (c *Controller) SendMessageTo(client, server, peer meshnet.NodeID, text string) (meshnet.SessionID, error) {
	var id meshnet.SessionID
	err := c.dispatchApp(client, func(cl *app.Client) error {
		var e error
		id, e = cl.SendMessageTo(server, peer, text)
		return e
	})
	return id, err
}

// RegisterToServer registers client with a communication server (§6
// RegisterToServer(server)).
func (c *Controller) RegisterToServer(client, server meshnet.NodeID) (meshnet.SessionID, error) {
	var id meshnet.SessionID
	err := c.dispatchApp(client, func(cl *app.Client) error {
		var e error
		id, e = cl.RegisterToServer(server)
		return e
	})
	return id, err
}

// AskListClients asks a communication server for its registered peers
// (§6 AskListClients(server)).
func (c *Controller) AskListClients(client, server meshnet.NodeID) (meshnet.SessionID, error) {
	var id meshnet.SessionID
	err := c.dispatchApp(client, func(cl *app.Client) error {
		var e error
		id, e = cl.AskListClients(server)
		return e
	})
	return id, err
}
