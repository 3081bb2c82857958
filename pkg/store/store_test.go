package store

import (
	"testing"

	"github.com/boson-network/dht-core/core"
)

func openStores(t *testing.T) map[string]core.Store {
	t.Helper()
	bs, err := OpenBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("open badger store: %v", err)
	}
	t.Cleanup(func() { bs.Close() })
	return map[string]core.Store{
		"memory": NewMemoryStore(),
		"badger": bs,
	}
}

func TestStoreValueRoundTrip(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			v := core.Value{Id: core.RandomId(), Data: []byte("hello")}
			if err := s.PutValue(v, nil); err != nil {
				t.Fatalf("put: %v", err)
			}
			got, err := s.GetValue(v.Id)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got == nil || string(got.Data) != "hello" {
				t.Fatalf("expected stored value to round trip, got %+v", got)
			}
		})
	}
}

func TestStoreValueMissingReturnsNilNoError(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			got, err := s.GetValue(core.RandomId())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != nil {
				t.Fatal("expected nil for missing value")
			}
		})
	}
}

func TestStoreValueMutableSequenceMustBeMonotonic(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			id := core.RandomId()
			v1 := core.Value{Id: id, PublicKey: []byte("k"), SequenceNumber: 5, Data: []byte("v1")}
			if err := s.PutValue(v1, nil); err != nil {
				t.Fatalf("put v1: %v", err)
			}
			stale := core.Value{Id: id, PublicKey: []byte("k"), SequenceNumber: 3, Data: []byte("stale")}
			if err := s.PutValue(stale, nil); err != core.ErrSequenceNotMonotonicFail {
				t.Fatalf("expected ErrSequenceNotMonotonicFail, got %v", err)
			}
			fresher := core.Value{Id: id, PublicKey: []byte("k"), SequenceNumber: 6, Data: []byte("v2")}
			if err := s.PutValue(fresher, nil); err != nil {
				t.Fatalf("put fresher: %v", err)
			}
			got, _ := s.GetValue(id)
			if string(got.Data) != "v2" {
				t.Fatalf("expected latest sequence to win, got %q", got.Data)
			}
		})
	}
}

func TestStoreValueOwnershipProtected(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			id := core.RandomId()
			owned := core.Value{Id: id, PublicKey: []byte("k"), SequenceNumber: 1, Data: []byte("mine"), PrivateKey: []byte("secret")}
			if err := s.PutValue(owned, nil); err != nil {
				t.Fatalf("put owned: %v", err)
			}
			remote := core.Value{Id: id, PublicKey: []byte("k"), SequenceNumber: 2, Data: []byte("theirs")}
			if err := s.PutValue(remote, nil); err != core.ErrOwnershipProtected {
				t.Fatalf("expected ErrOwnershipProtected, got %v", err)
			}
		})
	}
}

func TestStoreValueCasRejectsStaleExpectation(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			id := core.RandomId()
			v1 := core.Value{Id: id, PublicKey: []byte("k"), SequenceNumber: 1, Data: []byte("v1")}
			if err := s.PutValue(v1, nil); err != nil {
				t.Fatalf("put v1: %v", err)
			}

			wrong := int64(0)
			v2 := core.Value{Id: id, PublicKey: []byte("k"), SequenceNumber: 2, Data: []byte("v2")}
			if err := s.PutValue(v2, &wrong); err != core.ErrSequenceNotExpectedFail {
				t.Fatalf("expected ErrSequenceNotExpectedFail, got %v", err)
			}

			right := int64(1)
			if err := s.PutValue(v2, &right); err != nil {
				t.Fatalf("expected matching cas to succeed, got %v", err)
			}
			got, _ := s.GetValue(id)
			if string(got.Data) != "v2" {
				t.Fatalf("expected cas write to apply, got %q", got.Data)
			}
		})
	}
}

func TestStorePeerRoundTripAndListing(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			swarm := core.RandomId()
			p1 := core.PeerInfo{PeerId: core.RandomId(), NodeId: swarm, Port: 6881, SequenceNumber: 1, Signature: []byte("sig")}
			p2 := core.PeerInfo{PeerId: core.RandomId(), NodeId: swarm, Port: 6882, SequenceNumber: 2, Signature: []byte("sig")}
			if err := s.PutPeer(p1, nil); err != nil {
				t.Fatalf("put p1: %v", err)
			}
			if err := s.PutPeer(p2, nil); err != nil {
				t.Fatalf("put p2: %v", err)
			}

			got, err := s.GetPeer(swarm, p1.PeerId)
			if err != nil || got == nil || got.Port != p1.Port {
				t.Fatalf("expected p1 back, got %+v err=%v", got, err)
			}

			all, err := s.GetPeers(swarm, 0, 10)
			if err != nil {
				t.Fatalf("get peers: %v", err)
			}
			if len(all) != 2 {
				t.Fatalf("expected 2 peers, got %d", len(all))
			}

			filtered, err := s.GetPeers(swarm, 2, 10)
			if err != nil {
				t.Fatalf("get peers filtered: %v", err)
			}
			if len(filtered) != 1 || filtered[0].Port != p2.Port {
				t.Fatalf("expected only p2 to pass the seq filter, got %+v", filtered)
			}
		})
	}
}
