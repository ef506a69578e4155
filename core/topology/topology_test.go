package topology

import (
	"testing"

	"github.com/meshnet-sim/overlay/core/meshnet"
)

func TestShortestPath_DirectNeighbors(t *testing.T) {
	g := New()
	g.SetType(1, meshnet.NodeTypeClient)
	g.SetType(2, meshnet.NodeTypeDrone)
	g.AddEdge(1, 2)

	path, ok := g.ShortestPath(1, 2)
	if !ok {
		t.Fatal("expected a path")
	}
	if len(path) != 2 || path[0] != 1 || path[1] != 2 {
		t.Fatalf("path = %v; want [1 2]", path)
	}
}

func TestShortestPath_ServersNotInterior(t *testing.T) {
	// C1 -- S2 -- C3: S2 is a server, so C1 cannot route through it to C3.
	g := New()
	g.SetType(1, meshnet.NodeTypeClient)
	g.SetType(2, meshnet.NodeTypeServer)
	g.SetType(3, meshnet.NodeTypeClient)
	g.AddEdge(1, 2)
	g.AddEdge(2, 3)

	if _, ok := g.ShortestPath(1, 3); ok {
		t.Fatal("expected no path: a server cannot be a transit hop")
	}

	// But C1 can still reach S2 directly (it's the destination, not transit).
	path, ok := g.ShortestPath(1, 2)
	if !ok || len(path) != 2 {
		t.Fatalf("expected direct path to the server itself, got %v, %v", path, ok)
	}
}

func TestShortestPath_RingConvergesToTwoHops(t *testing.T) {
	// 4-node ring: C1-D2-S3-D4-C1 (§8 scenario 5).
	g := New()
	g.SetType(1, meshnet.NodeTypeClient)
	g.SetType(2, meshnet.NodeTypeDrone)
	g.SetType(3, meshnet.NodeTypeServer)
	g.SetType(4, meshnet.NodeTypeDrone)
	g.AddEdge(1, 2)
	g.AddEdge(2, 3)
	g.AddEdge(3, 4)
	g.AddEdge(4, 1)

	path, ok := g.ShortestPath(1, 3)
	if !ok {
		t.Fatal("expected a path to S3")
	}
	if len(path) != 3 {
		t.Fatalf("shortest path to a ring-opposite node should be 2 hops (3 nodes), got %v", path)
	}
	// Deterministic tie break: ascending neighbor order means D2 (not D4) wins.
	if path[1] != 2 {
		t.Fatalf("expected deterministic tie-break via node 2, got %v", path)
	}
}

func TestShortestPath_Unreachable(t *testing.T) {
	g := New()
	g.AddEdge(1, 2)
	g.AddEdge(3, 4)

	if _, ok := g.ShortestPath(1, 4); ok {
		t.Fatal("expected no path across disconnected components")
	}
}

func TestRemoveNode_ClearsAdjacency(t *testing.T) {
	g := New()
	g.AddEdge(1, 2)
	g.AddEdge(2, 3)

	g.RemoveNode(2)

	if g.HasNode(2) {
		t.Fatal("removed node should no longer be present")
	}
	if len(g.Neighbors(1)) != 0 || len(g.Neighbors(3)) != 0 {
		t.Fatal("edges touching the removed node should be gone")
	}
}

func TestPathValid(t *testing.T) {
	g := New()
	g.AddEdge(1, 2)
	g.AddEdge(2, 3)

	if !g.PathValid([]meshnet.NodeID{1, 2, 3}) {
		t.Fatal("expected path to be valid")
	}
	if g.PathValid([]meshnet.NodeID{1, 3}) {
		t.Fatal("expected path to be invalid: 1-3 is not an edge")
	}
}

func TestEqual(t *testing.T) {
	a := New()
	a.AddEdge(1, 2)
	a.SetType(1, meshnet.NodeTypeClient)

	b := New()
	b.AddEdge(1, 2)
	b.SetType(1, meshnet.NodeTypeClient)

	if !a.Equal(b) {
		t.Fatal("expected equal graphs to compare equal")
	}

	b.AddEdge(2, 3)
	if a.Equal(b) {
		t.Fatal("expected graphs with different edge sets to compare unequal")
	}
}
