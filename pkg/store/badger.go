package store

import (
	badger "github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"

	"github.com/boson-network/dht-core/core"
)

// BadgerStore is a disk-backed core.Store using badger as the embedded KV
// engine, selected when a node's database_uri uses the
// "badger://<relative-path>" scheme (see Open).
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (creating if absent) a badger database rooted at
// dir.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func valueKey(id core.Id) []byte { return append([]byte("v:"), id.Bytes()...) }
func peerDBKey(swarmId, fingerprint core.Id) []byte {
	return append([]byte("p:"+swarmId.String()+":"), fingerprint.Bytes()...)
}
func peerScanPrefix(swarmId core.Id) []byte { return []byte("p:" + swarmId.String() + ":") }

func (s *BadgerStore) GetValue(id core.Id) (*core.Value, error) {
	var v core.Value
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(valueKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(raw []byte) error { return cbor.Unmarshal(raw, &v) })
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &v, nil
}

func (s *BadgerStore) PutValue(v core.Value, cas *int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var existing *core.Value
		item, err := txn.Get(valueKey(v.Id))
		switch err {
		case nil:
			var e core.Value
			if err := item.Value(func(raw []byte) error { return cbor.Unmarshal(raw, &e) }); err != nil {
				return err
			}
			existing = &e
		case badger.ErrKeyNotFound:
		default:
			return err
		}
		if err := core.ValidateValuePut(existing, v, cas); err != nil {
			return err
		}
		data, err := cbor.Marshal(v)
		if err != nil {
			return err
		}
		return txn.Set(valueKey(v.Id), data)
	})
}

func (s *BadgerStore) GetPeer(swarmId, fingerprint core.Id) (*core.PeerInfo, error) {
	var p core.PeerInfo
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(peerDBKey(swarmId, fingerprint))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(raw []byte) error { return cbor.Unmarshal(raw, &p) })
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &p, nil
}

func (s *BadgerStore) PutPeer(p core.PeerInfo, cas *int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := peerDBKey(p.NodeId, p.PeerId)
		var existing *core.PeerInfo
		item, err := txn.Get(key)
		switch err {
		case nil:
			var e core.PeerInfo
			if err := item.Value(func(raw []byte) error { return cbor.Unmarshal(raw, &e) }); err != nil {
				return err
			}
			existing = &e
		case badger.ErrKeyNotFound:
		default:
			return err
		}
		if err := core.ValidatePeerPut(existing, p, cas); err != nil {
			return err
		}
		data, err := cbor.Marshal(p)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

func (s *BadgerStore) GetPeers(swarmId core.Id, expectedSeq uint32, max int) ([]core.PeerInfo, error) {
	var out []core.PeerInfo
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := peerScanPrefix(swarmId)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var p core.PeerInfo
			if err := it.Item().Value(func(raw []byte) error { return cbor.Unmarshal(raw, &p) }); err != nil {
				return err
			}
			if p.SequenceNumber < expectedSeq {
				continue
			}
			out = append(out, p)
			if max > 0 && len(out) >= max {
				break
			}
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) Close() error { return s.db.Close() }
