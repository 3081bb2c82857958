package core

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// blacklistSnapshot is the immutable set backing Blacklist. Readers load it
// atomically; the single writer builds a new snapshot and swaps it in.
type blacklistSnapshot struct {
	hosts map[string]struct{}
	ids   map[Id]struct{}
}

// Blacklist tracks banned hosts and ids, readable lock-free from the
// receive path while a single writer (the orchestrator or an operator
// command) mutates it.
type Blacklist struct {
	snap atomic.Pointer[blacklistSnapshot]
	log  *logrus.Entry
}

// NewBlacklist returns an empty blacklist.
func NewBlacklist() *Blacklist {
	b := &Blacklist{log: logrus.WithField("component", "blacklist")}
	b.snap.Store(&blacklistSnapshot{hosts: map[string]struct{}{}, ids: map[Id]struct{}{}})
	return b
}

// blacklistFile is the (de)serialisable shape, shared by the JSON and YAML
// codecs.
type blacklistFile struct {
	Hosts []string `json:"hosts" yaml:"hosts"`
	Ids   []string `json:"ids" yaml:"ids"`
}

// IsBannedHost reports whether host is banned.
func (b *Blacklist) IsBannedHost(host string) bool {
	s := b.snap.Load()
	_, ok := s.hosts[host]
	return ok
}

// IsBannedId reports whether id is banned.
func (b *Blacklist) IsBannedId(id Id) bool {
	s := b.snap.Load()
	_, ok := s.ids[id]
	return ok
}

// IsBanned reports whether either the id or the host is banned.
func (b *Blacklist) IsBanned(id Id, host string) bool {
	return b.IsBannedId(id) || b.IsBannedHost(host)
}

// BanHost adds host to the banned set.
func (b *Blacklist) BanHost(host string) {
	b.mutate(func(next *blacklistSnapshot) { next.hosts[host] = struct{}{} })
	b.log.WithField("host", host).Info("host banned")
}

// BanId adds id to the banned set.
func (b *Blacklist) BanId(id Id) {
	b.mutate(func(next *blacklistSnapshot) { next.ids[id] = struct{}{} })
	b.log.WithField("id", id).Info("id banned")
}

// UnbanHost removes host from the banned set.
func (b *Blacklist) UnbanHost(host string) {
	b.mutate(func(next *blacklistSnapshot) { delete(next.hosts, host) })
}

// UnbanId removes id from the banned set.
func (b *Blacklist) UnbanId(id Id) {
	b.mutate(func(next *blacklistSnapshot) { delete(next.ids, id) })
}

func (b *Blacklist) mutate(f func(next *blacklistSnapshot)) {
	cur := b.snap.Load()
	next := &blacklistSnapshot{
		hosts: make(map[string]struct{}, len(cur.hosts)+1),
		ids:   make(map[Id]struct{}, len(cur.ids)+1),
	}
	for h := range cur.hosts {
		next.hosts[h] = struct{}{}
	}
	for i := range cur.ids {
		next.ids[i] = struct{}{}
	}
	f(next)
	b.snap.Store(next)
}

// Snapshot returns copies of the current host and id sets, for
// persistence or CLI introspection.
func (b *Blacklist) Snapshot() (hosts []string, ids []Id) {
	s := b.snap.Load()
	for h := range s.hosts {
		hosts = append(hosts, h)
	}
	for i := range s.ids {
		ids = append(ids, i)
	}
	return hosts, ids
}

// Save persists the blacklist as JSON or YAML, chosen by the file
// extension.
func (b *Blacklist) Save(path string) error {
	hosts, ids := b.Snapshot()
	file := blacklistFile{Hosts: hosts}
	for _, id := range ids {
		file.Ids = append(file.Ids, id.String())
	}
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(file)
	default:
		data, err = json.MarshalIndent(file, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal blacklist: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadBlacklist reads a blacklist file previously written by Save.
// Malformed id strings are skipped rather than failing the whole load,
// matching the routing table's best-effort load policy.
func LoadBlacklist(path string) (*Blacklist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read blacklist: %w", err)
	}
	var file blacklistFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &file)
	default:
		err = json.Unmarshal(data, &file)
	}
	if err != nil {
		return nil, fmt.Errorf("parse blacklist: %w", err)
	}
	b := NewBlacklist()
	b.mutate(func(next *blacklistSnapshot) {
		for _, h := range file.Hosts {
			next.hosts[h] = struct{}{}
		}
		for _, idHex := range file.Ids {
			raw, err := decodeHexId(idHex)
			if err != nil {
				b.log.WithField("id", idHex).Warn("skipping malformed blacklist id")
				continue
			}
			next.ids[raw] = struct{}{}
		}
	})
	return b, nil
}

func decodeHexId(s string) (Id, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Id{}, err
	}
	return IdOf(b)
}
