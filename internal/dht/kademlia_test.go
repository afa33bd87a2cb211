package dht

import (
	"fmt"
	"testing"
)

func idFor(n byte) ID {
	var id ID
	id[IDSize-1] = n
	return id
}

func TestTableFindNodeOrdersByDistance(t *testing.T) {
	self := idFor(0)
	table := NewTable(self)
	for _, n := range []byte{1, 2, 4, 8, 16, 32} {
		table = table.WithObserved(Peer{ID: idFor(n), Address: fmt.Sprintf("peer-%d", n)})
	}
	target := idFor(3)
	closest := table.FindNode(target)
	if len(closest) == 0 {
		t.Fatalf("expected at least one peer")
	}
	// id=1 (distance 2) and id=2 (distance 1) should precede id=32.
	idx := map[ID]int{}
	for i, p := range closest {
		idx[p.ID] = i
	}
	if idx[idFor(2)] > idx[idFor(32)] {
		t.Fatalf("expected id=2 to be closer to target than id=32")
	}
}

func TestBucketEvictsOldestWhenFull(t *testing.T) {
	self := idFor(0)
	table := NewTable(self)
	// All of these differ from self in the top bit (first byte 0x80), so
	// they share prefix length 0 and land in the same bucket.
	var first Peer
	for i := 0; i < BucketSize+5; i++ {
		id := idFor(byte(i + 1))
		id[0] = 0x80
		p := Peer{ID: id, Address: fmt.Sprintf("p%d", i)}
		if i == 0 {
			first = p
		}
		table = table.WithObserved(p)
	}
	idx := table.bucketIndex(first.ID)
	if len(table.buckets[idx].peers) > BucketSize {
		t.Fatalf("bucket grew beyond BucketSize: %d", len(table.buckets[idx].peers))
	}
	for _, p := range table.buckets[idx].peers {
		if p.ID == first.ID {
			t.Fatalf("expected the oldest peer to have been evicted")
		}
	}
}

func TestLookupConverges(t *testing.T) {
	self := idFor(0)
	table := NewTable(self)
	universe := map[ID]Peer{}
	for _, n := range []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10} {
		p := Peer{ID: idFor(n), Address: fmt.Sprintf("peer-%d", n)}
		universe[p.ID] = p
	}
	// Seed the table with just one peer; Lookup should discover the rest
	// through simulated FIND_NODE responses.
	table = table.WithObserved(universe[idFor(1)])

	findNode := func(from Peer, target ID) []Peer {
		out := make([]Peer, 0, len(universe))
		for _, p := range universe {
			out = append(out, p)
		}
		return out
	}

	target := idFor(9)
	result := Lookup(table, target, 3, 2, findNode)
	if len(result) != 3 {
		t.Fatalf("expected 3 results, got %d", len(result))
	}
	found := false
	for _, p := range result {
		if p.ID == idFor(9) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the exact target id to be among the closest results")
	}
}

func TestReplicationGroupDeterministic(t *testing.T) {
	key := idFor(42)
	snapshot := []RegistryPeer{
		{ID: idFor(1), Address: "a"},
		{ID: idFor(40), Address: "b"},
		{ID: idFor(43), Address: "c"},
		{ID: idFor(100), Address: "d"},
	}
	g1 := ReplicationGroup(key, snapshot, 2)
	g2 := ReplicationGroup(key, snapshot, 2)
	if len(g1) != 2 || len(g2) != 2 {
		t.Fatalf("expected group size 2, got %d and %d", len(g1), len(g2))
	}
	for i := range g1 {
		if g1[i].ID != g2[i].ID {
			t.Fatalf("ReplicationGroup is not deterministic across calls")
		}
	}
}

func TestInGroup(t *testing.T) {
	key := idFor(42)
	self := idFor(43)
	snapshot := []RegistryPeer{
		{ID: self, Address: "self"},
		{ID: idFor(1), Address: "far"},
	}
	if !InGroup(self, key, snapshot, 1) {
		t.Fatalf("expected self to be in group of size 1 (it's the closest)")
	}
	if InGroup(idFor(1), key, snapshot, 1) {
		t.Fatalf("expected the far peer not to be in group of size 1")
	}
}
