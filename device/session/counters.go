package session

import "github.com/meshnet-sim/overlay/core/meshnet"

// dropKey identifies one (session, upstream-drone) pair for the
// consecutive-drop counting in the Dropped Nack rule (§4.5 Nack handling).
type dropKey struct {
	session meshnet.SessionID
	drone   meshnet.NodeID
}

// dropCounters tracks consecutive Dropped Nacks per (session, drone) pair.
// Styled after device/router/counters.go's counter shape, but plain ints
// rather than atomics: every call happens under the owning Manager's
// mutex, so there is nothing to make safe for concurrent access here.
type dropCounters struct {
	counts map[dropKey]int
}

func newDropCounters() *dropCounters {
	return &dropCounters{counts: make(map[dropKey]int)}
}

// increment bumps the counter for (session, drone) and returns the new
// value.
func (d *dropCounters) increment(session meshnet.SessionID, drone meshnet.NodeID) int {
	key := dropKey{session: session, drone: drone}
	d.counts[key]++
	return d.counts[key]
}

// reset zeroes the counter for (session, drone), e.g. after a technician
// escalation fires.
func (d *dropCounters) reset(session meshnet.SessionID, drone meshnet.NodeID) {
	delete(d.counts, dropKey{session: session, drone: drone})
}

// clearSession drops every counter belonging to session, called on every
// Ack and once the session is retired.
func (d *dropCounters) clearSession(session meshnet.SessionID) {
	for k := range d.counts {
		if k.session == session {
			delete(d.counts, k)
		}
	}
}
