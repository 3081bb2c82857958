package core

import (
	"net"
	"testing"
	"time"
)

func addrT(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	a, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return a
}

func idWithFirstBit(high bool) Id {
	id := RandomId()
	if high {
		id[0] |= 0x80
	} else {
		id[0] &^= 0x80
	}
	return id
}

func TestRoutingTableEveryIdMapsToExactlyOneBucket(t *testing.T) {
	local := RandomId()
	rt := NewRoutingTable(local)
	for i := 0; i < 40; i++ {
		rt.Put(NewKBucketEntry(RandomId(), addrT(t, "127.0.0.1:4000")))
	}
	for i := 0; i < 100; i++ {
		x := RandomId()
		n := rt.findNode(x)
		if !n.bucket.Prefix.IsPrefixOf(x) {
			t.Fatalf("bucket found for %s does not actually cover it", x)
		}
	}
}

func TestRoutingTableSplitsUnderHomeBucketPressure(t *testing.T) {
	local := idWithFirstBit(true)
	rt := NewRoutingTable(local)

	for i := 0; i < 9; i++ {
		rt.Put(NewKBucketEntry(idWithFirstBit(true), addrT(t, "127.0.0.1:4000")))
	}
	for i := 0; i < 9; i++ {
		rt.Put(NewKBucketEntry(idWithFirstBit(false), addrT(t, "127.0.0.1:4000")))
	}

	if rt.root.isLeaf() {
		t.Fatal("expected root to have split under home-bucket pressure")
	}

	count := 0
	rt.walk(rt.root, func(b *KBucket) {
		if b.Size() > K {
			t.Fatalf("bucket exceeds K: %d", b.Size())
		}
		count += b.Size()
	})
	if count == 0 {
		t.Fatal("expected entries to have been retained across the split")
	}
}

func TestRoutingTableGetClosestNodesOrdersByDistance(t *testing.T) {
	local := RandomId()
	rt := NewRoutingTable(local)
	var ids []Id
	for i := 0; i < 20; i++ {
		id := RandomId()
		ids = append(ids, id)
		rt.Put(NewKBucketEntry(id, addrT(t, "127.0.0.1:4000")))
	}

	target := RandomId()
	closest := rt.GetClosestNodes(target, K, false, true)
	if len(closest) > K {
		t.Fatalf("expected at most K results, got %d", len(closest))
	}
	for i := 1; i < len(closest); i++ {
		prev := Distance(target, closest[i-1].Id)
		cur := Distance(target, closest[i].Id)
		if prev.Compare(cur) > 0 {
			t.Fatal("closest nodes not sorted by ascending distance")
		}
	}
}

func TestRoutingTableSaveLoadRoundTrip(t *testing.T) {
	local := RandomId()
	rt := NewRoutingTable(local)
	want := map[Id]bool{}
	for i := 0; i < 12; i++ {
		e := NewKBucketEntry(RandomId(), addrT(t, "127.0.0.1:4000"))
		e.OnResponded(20 * time.Millisecond)
		rt.Put(e)
		want[e.Id] = true
	}

	data, err := rt.Save()
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadRoutingTable(local, data)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	for id := range want {
		if loaded.GetEntry(id, false) == nil {
			t.Fatalf("entry %s missing after round trip", id)
		}
	}
}

func TestRoutingTableLoadEmptySnapshotYieldsEmptyTable(t *testing.T) {
	local := RandomId()
	rt, err := LoadRoutingTable(local, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rt.Size() != 0 {
		t.Fatalf("expected empty table, got size %d", rt.Size())
	}
	if !rt.root.isLeaf() {
		t.Fatal("expected a single root bucket")
	}
}

func TestRoutingTableOnTimeoutMarksBadEntry(t *testing.T) {
	local := RandomId()
	rt := NewRoutingTable(local)
	e := NewKBucketEntry(RandomId(), addrT(t, "127.0.0.1:4000"))
	rt.Put(e)
	for i := 0; i < MaxFailures; i++ {
		rt.OnTimeout(e.Id)
	}
	if got := rt.GetEntry(e.Id, false); got != nil && !got.NeedsReplacement() {
		t.Fatal("entry should need replacement after repeated timeouts")
	}
}
