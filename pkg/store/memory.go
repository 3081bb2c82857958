package store

import (
	"sync"

	"github.com/boson-network/dht-core/core"
)

// MemoryStore is an in-memory core.Store backed by plain maps guarded by a
// single RWMutex, used for the "in-memory://" database_uri and for tests.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[core.Id]core.Value
	peers  map[string]core.PeerInfo
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[core.Id]core.Value),
		peers:  make(map[string]core.PeerInfo),
	}
}

func (m *MemoryStore) GetValue(id core.Id) (*core.Value, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[id]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (m *MemoryStore) PutValue(v core.Value, cas *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.values[v.Id]
	var existingPtr *core.Value
	if ok {
		existingPtr = &existing
	}
	if err := core.ValidateValuePut(existingPtr, v, cas); err != nil {
		return err
	}
	m.values[v.Id] = v
	return nil
}

func (m *MemoryStore) GetPeer(swarmId, fingerprint core.Id) (*core.PeerInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[peerKey(swarmId, fingerprint)]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *MemoryStore) PutPeer(p core.PeerInfo, cas *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := peerKey(p.NodeId, p.PeerId)
	existing, ok := m.peers[key]
	var existingPtr *core.PeerInfo
	if ok {
		existingPtr = &existing
	}
	if err := core.ValidatePeerPut(existingPtr, p, cas); err != nil {
		return err
	}
	m.peers[key] = p
	return nil
}

func (m *MemoryStore) GetPeers(swarmId core.Id, expectedSeq uint32, max int) ([]core.PeerInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.PeerInfo
	prefix := swarmId.String() + ":"
	for key, p := range m.peers {
		if len(key) < len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		if p.SequenceNumber < expectedSeq {
			continue
		}
		out = append(out, p)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
