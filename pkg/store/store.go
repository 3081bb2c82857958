// Package store provides boson storage backends implementing core.Store:
// an in-memory map and a disk-backed badger store.
package store

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/boson-network/dht-core/core"
)

func peerKey(swarmId, fingerprint core.Id) string { return core.PeerKey(swarmId, fingerprint) }

// Open builds the core.Store named by a node's database_uri config option:
// "in-memory://" for MemoryStore, or "badger://<relative-path>" for a
// BadgerStore rooted under dataDir.
func Open(databaseURI, dataDir string) (core.Store, error) {
	switch {
	case databaseURI == "" || databaseURI == "in-memory://":
		return NewMemoryStore(), nil
	case strings.HasPrefix(databaseURI, "badger://"):
		rel := strings.TrimPrefix(databaseURI, "badger://")
		if rel == "" {
			rel = "badger"
		}
		return OpenBadgerStore(filepath.Join(dataDir, rel))
	default:
		return nil, fmt.Errorf("boson: store: unrecognised database_uri %q", databaseURI)
	}
}
