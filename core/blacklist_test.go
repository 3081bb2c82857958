package core

import (
	"path/filepath"
	"testing"
)

func TestBlacklistIsBanned(t *testing.T) {
	b := NewBlacklist()
	id := RandomId()
	if b.IsBanned(id, "192.0.2.1") {
		t.Fatal("fresh blacklist must not ban anything")
	}
	b.BanHost("192.0.2.1")
	if !b.IsBanned(id, "192.0.2.1") {
		t.Fatal("banned host must be reported banned regardless of id")
	}
	b.UnbanHost("192.0.2.1")
	b.BanId(id)
	if !b.IsBanned(id, "198.51.100.1") {
		t.Fatal("banned id must be reported banned regardless of host")
	}
}

func TestBlacklistSaveLoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blacklist.json")
	b := NewBlacklist()
	b.BanHost("203.0.113.9")
	id := RandomId()
	b.BanId(id)
	if err := b.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadBlacklist(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !loaded.IsBannedHost("203.0.113.9") || !loaded.IsBannedId(id) {
		t.Fatal("round trip lost banned entries")
	}
}

func TestBlacklistSaveLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blacklist.yaml")
	b := NewBlacklist()
	b.BanHost("203.0.113.10")
	if err := b.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadBlacklist(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !loaded.IsBannedHost("203.0.113.10") {
		t.Fatal("round trip lost banned host")
	}
}

func TestBlacklistReadersSeeConsistentSnapshot(t *testing.T) {
	b := NewBlacklist()
	hosts, _ := b.Snapshot()
	b.BanHost("203.0.113.11")
	if len(hosts) != 0 {
		t.Fatal("previously taken snapshot must not observe later mutation")
	}
}
