package router

import "sync/atomic"

// RouterCounters tracks route-table activity using atomic counters. All
// fields are safe for concurrent access. Adapted from the teacher's
// packet-counting RouterCounters to the route-cache concerns this Router
// actually has.
type RouterCounters struct {
	TracesObserved     atomic.Uint32 // Flood responses folded into the graph
	RouteCacheHits     atomic.Uint32 // RouteTo calls that found a cached route
	RouteCacheMisses   atomic.Uint32 // RouteTo calls with no cached route
	RoutesAdopted      atomic.Uint32 // UpdateRouteIfShorter calls that replaced the cache
	RouteInvalidations atomic.Uint32 // Cached routes dropped by Invalidate/RemoveLink
}

// CountersSnapshot is a plain-value copy of RouterCounters for reading.
type CountersSnapshot struct {
	TracesObserved     uint32
	RouteCacheHits     uint32
	RouteCacheMisses   uint32
	RoutesAdopted      uint32
	RouteInvalidations uint32
}

// Snapshot returns a consistent point-in-time copy of all counters.
func (c *RouterCounters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		TracesObserved:     c.TracesObserved.Load(),
		RouteCacheHits:     c.RouteCacheHits.Load(),
		RouteCacheMisses:   c.RouteCacheMisses.Load(),
		RoutesAdopted:      c.RoutesAdopted.Load(),
		RouteInvalidations: c.RouteInvalidations.Load(),
	}
}

// Reset zeroes all counters.
func (c *RouterCounters) Reset() {
	c.TracesObserved.Store(0)
	c.RouteCacheHits.Store(0)
	c.RouteCacheMisses.Store(0)
	c.RoutesAdopted.Store(0)
	c.RouteInvalidations.Store(0)
}
