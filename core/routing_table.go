package core

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"
)

// SplitEveryKPathBits controls how often a non-home bucket is allowed to
// split purely on depth, independent of home-bucket pressure.
const SplitEveryKPathBits = 1

// RefreshInterval is how long a bucket may go unrefreshed before
// maintenance requests a ping pass over it.
const RefreshInterval = 15 * time.Minute

// routingTableVersion is written into persisted snapshots so future wire
// changes can detect and skip incompatible files instead of corrupting
// the in-memory table on load.
const routingTableVersion = 1

var routingLog = logrus.WithField("component", "routing")

// node is one leaf of the routing tree: a bucket plus its two children
// once split. A node with children has an empty bucket.
type node struct {
	bucket  *KBucket
	low     *node
	high    *node
	refresh time.Time
}

func newNode(prefix Prefix) *node {
	return &node{bucket: NewKBucket(prefix)}
}

func (n *node) isLeaf() bool { return n.low == nil }

// RoutingTable is a binary tree of k-buckets covering the full id space
// without overlap or gaps, indexed by the local node id.
type RoutingTable struct {
	mu      sync.RWMutex
	localId Id
	root    *node

	// onBucketNeedsPing is invoked by maintenance when a bucket has gone
	// unrefreshed past RefreshInterval and holds an entry that needs a
	// ping. The orchestrator wires this to issue a PingRefreshTask.
	onBucketNeedsPing func(prefix Prefix)
	// onDrop is invoked whenever cleanup removes an entry whose id no
	// longer belongs under its bucket's prefix.
	onDrop func(e *KBucketEntry)
}

// NewRoutingTable creates a table containing a single bucket covering the
// whole key space.
func NewRoutingTable(localId Id) *RoutingTable {
	return &RoutingTable{
		localId: localId,
		root:    newNode(WholeKeySpace()),
	}
}

// SetCallbacks installs the maintenance hooks used by the orchestrator.
func (rt *RoutingTable) SetCallbacks(onBucketNeedsPing func(Prefix), onDrop func(*KBucketEntry)) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.onBucketNeedsPing = onBucketNeedsPing
	rt.onDrop = onDrop
}

func (rt *RoutingTable) findNode(id Id) *node {
	n := rt.root
	for !n.isLeaf() {
		if n.low.bucket.Prefix.IsPrefixOf(id) {
			n = n.low
		} else {
			n = n.high
		}
	}
	return n
}

// isHomeBucket reports whether prefix contains the local id or is the
// sibling of an ancestor on the path to the local id's bucket.
func (rt *RoutingTable) isHomeBucket(p Prefix) bool {
	if p.IsPrefixOf(rt.localId) {
		return true
	}
	if p.Depth() < 0 {
		return false
	}
	return p.Parent().IsPrefixOf(rt.localId)
}

// Put inserts or updates entry in the table, splitting buckets as needed.
func (rt *RoutingTable) Put(e *KBucketEntry) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.put(e)
}

func (rt *RoutingTable) put(e *KBucketEntry) bool {
	n := rt.findNode(e.Id)
	if n.bucket.Put(e) {
		return true
	}
	if !rt.trySplit(n) {
		return false
	}
	return rt.put(e)
}

// trySplit splits a full leaf when home-bucket pressure applies or its
// children's depth (depth+1) is a multiple of SplitEveryKPathBits, re-routing its existing
// entries and replacements into the new children. Returns false when the
// bucket cannot be split further.
func (rt *RoutingTable) trySplit(n *node) bool {
	p := n.bucket.Prefix
	if !p.Splittable() {
		return false
	}
	eligible := rt.isHomeBucket(p) || (p.Depth()+1)%SplitEveryKPathBits == 0
	if !eligible {
		return false
	}

	low, high, err := p.Split()
	if err != nil {
		return false
	}
	n.low = newNode(low)
	n.high = newNode(high)

	for _, e := range n.bucket.Entries {
		rt.routeInto(n, e, false)
	}
	for _, e := range n.bucket.Replacements {
		rt.routeInto(n, e, true)
	}
	n.bucket = nil
	return true
}

func (rt *RoutingTable) routeInto(parent *node, e *KBucketEntry, replacement bool) {
	child := parent.low
	if !child.bucket.Prefix.IsPrefixOf(e.Id) {
		child = parent.high
	}
	if replacement {
		child.bucket.PutAsReplacement(e)
	} else {
		child.bucket.Put(e)
	}
}

// GetEntry returns the entry for id, optionally searching replacement
// caches too.
func (rt *RoutingTable) GetEntry(id Id, includeReplacements bool) *KBucketEntry {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	n := rt.findNode(id)
	return n.bucket.Get(id, includeReplacements)
}

// Remove deletes id unconditionally from its bucket's main list.
func (rt *RoutingTable) Remove(id Id) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	n := rt.findNode(id)
	return n.bucket.RemoveIfBad(id, true)
}

// RemoveIfBad removes id from its bucket only if it is bad and a verified
// replacement is on hand.
func (rt *RoutingTable) RemoveIfBad(id Id) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	n := rt.findNode(id)
	return n.bucket.RemoveIfBad(id, false)
}

// OnResponded forwards a verified response to id's entry.
func (rt *RoutingTable) OnResponded(id Id, rtt time.Duration) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	n := rt.findNode(id)
	if e := n.bucket.Get(id, false); e != nil {
		e.OnResponded(rtt)
	}
}

// OnRequestSent forwards an outbound send to id's entry.
func (rt *RoutingTable) OnRequestSent(id Id) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	n := rt.findNode(id)
	if e := n.bucket.Get(id, false); e != nil {
		e.OnRequestSent()
	}
}

// OnTimeout forwards an RPC timeout to id's bucket, which may evict the
// entry and promote a replacement.
func (rt *RoutingTable) OnTimeout(id Id) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	n := rt.findNode(id)
	n.bucket.OnTimeout(id)
}

// candidate is one hop in a closest-nodes accumulation.
type candidate struct {
	entry *KBucketEntry
	dist  Id
}

// GetClosestNodes returns up to k entries ordered by XOR distance to
// target, walking every leaf bucket and optionally including replacement
// entries and entries that currently need replacement.
func (rt *RoutingTable) GetClosestNodes(target Id, k int, includeReplacements, includeBad bool) []*KBucketEntry {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var all []candidate
	rt.walk(rt.root, func(b *KBucket) {
		for _, e := range b.Entries {
			if !includeBad && e.NeedsReplacement() {
				continue
			}
			all = append(all, candidate{entry: e, dist: Distance(target, e.Id)})
		}
		if includeReplacements {
			for _, e := range b.Replacements {
				all = append(all, candidate{entry: e, dist: Distance(target, e.Id)})
			}
		}
	})

	sort.Slice(all, func(i, j int) bool {
		return all[i].dist.Compare(all[j].dist) < 0
	})
	if len(all) > k {
		all = all[:k]
	}
	out := make([]*KBucketEntry, len(all))
	for i, c := range all {
		out[i] = c.entry
	}
	return out
}

func (rt *RoutingTable) walk(n *node, fn func(*KBucket)) {
	if n.isLeaf() {
		fn(n.bucket)
		return
	}
	rt.walk(n.low, fn)
	rt.walk(n.high, fn)
}

// Size returns the total number of main-list entries across all buckets.
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	total := 0
	rt.walk(rt.root, func(b *KBucket) { total += b.Size() })
	return total
}

// BucketSummary describes one leaf bucket for introspection.
type BucketSummary struct {
	Prefix Prefix
	Size   int
	Oldest time.Time
}

// Buckets returns a summary of every leaf bucket, ordered by tree
// traversal, for CLI/debug introspection.
func (rt *RoutingTable) Buckets() []BucketSummary {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var out []BucketSummary
	rt.walk(rt.root, func(b *KBucket) {
		summary := BucketSummary{Prefix: b.Prefix, Size: b.Size()}
		for _, e := range b.Entries {
			if summary.Oldest.IsZero() || e.CreatedAt.Before(summary.Oldest) {
				summary.Oldest = e.CreatedAt
			}
		}
		out = append(out, summary)
	})
	return out
}

// Maintenance runs cleanup on every bucket, invokes the ping-needed
// callback for stale-but-occupied buckets, and merges eligible sibling
// pairs back together.
func (rt *RoutingTable) Maintenance(bootstrapIds map[Id]struct{}) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.maintainNode(rt.root, bootstrapIds)
}

func (rt *RoutingTable) maintainNode(n *node, bootstrapIds map[Id]struct{}) {
	if n.isLeaf() {
		n.bucket.Cleanup(rt.localId, bootstrapIds, rt.onDrop)
		if time.Since(n.refresh) > RefreshInterval && n.bucket.NeedsPing() {
			if rt.onBucketNeedsPing != nil {
				rt.onBucketNeedsPing(n.bucket.Prefix)
			}
			n.refresh = time.Now()
		}
		return
	}
	rt.maintainNode(n.low, bootstrapIds)
	rt.maintainNode(n.high, bootstrapIds)
	rt.tryMerge(n)
}

// tryMerge collapses two sibling leaves back into one bucket when neither
// is a home bucket, their combined entry count fits within K, and both
// have gone at least one refresh interval without needing attention.
func (rt *RoutingTable) tryMerge(n *node) {
	if !n.low.isLeaf() || !n.high.isLeaf() {
		return
	}
	if rt.isHomeBucket(n.low.bucket.Prefix) || rt.isHomeBucket(n.high.bucket.Prefix) {
		return
	}
	combined := n.low.bucket.Size() + n.high.bucket.Size()
	if combined > K {
		return
	}
	if time.Since(n.low.refresh) < RefreshInterval || time.Since(n.high.refresh) < RefreshInterval {
		return
	}

	merged := NewKBucket(n.low.bucket.Prefix.Parent())
	merged.Entries = append(merged.Entries, n.low.bucket.Entries...)
	merged.Entries = append(merged.Entries, n.high.bucket.Entries...)
	sort.Slice(merged.Entries, func(i, j int) bool {
		return merged.Entries[i].CreatedAt.Before(merged.Entries[j].CreatedAt)
	})
	merged.Replacements = append(merged.Replacements, n.low.bucket.Replacements...)
	merged.Replacements = append(merged.Replacements, n.high.bucket.Replacements...)
	if len(merged.Replacements) > K {
		merged.Replacements = merged.Replacements[len(merged.Replacements)-K:]
	}

	n.bucket = merged
	n.low = nil
	n.high = nil
}

// persistedEntry is the wire shape of one KBucketEntry inside a snapshot.
type persistedEntry struct {
	Id             Id     `cbor:"id"`
	Host           string `cbor:"host"`
	Port           uint16 `cbor:"port"`
	Version        []byte `cbor:"version,omitempty"`
	Reachable      bool   `cbor:"reachable"`
	CreatedAtUnix  int64  `cbor:"created"`
	LastSeenUnix   int64  `cbor:"last_seen"`
	LastSentUnix   int64  `cbor:"last_sent"`
	FailedRequests int    `cbor:"failed_requests"`
	RttMs          int64  `cbor:"rtt"`
}

type persistedBucket struct {
	PrefixBytes  Id               `cbor:"prefix"`
	Depth        int              `cbor:"depth"`
	Entries      []persistedEntry `cbor:"entries"`
	Replacements []persistedEntry `cbor:"replacements"`
}

type persistedTable struct {
	Version int               `cbor:"version"`
	LocalId Id                `cbor:"local_id"`
	Buckets []persistedBucket `cbor:"buckets"`
}

func toPersistedEntry(e *KBucketEntry) persistedEntry {
	host, portStr, _ := net.SplitHostPort(e.Addr.String())
	var port uint16
	fmt.Sscanf(portStr, "%d", &port)
	return persistedEntry{
		Id:             e.Id,
		Host:           host,
		Port:           port,
		Version:        e.Version,
		Reachable:      e.Reachable,
		CreatedAtUnix:  e.CreatedAt.UnixMilli(),
		LastSeenUnix:   e.LastSeen.UnixMilli(),
		LastSentUnix:   e.LastSent.UnixMilli(),
		FailedRequests: e.FailedRequests,
		RttMs:          e.Rtt.Milliseconds(),
	}
}

func fromPersistedEntry(p persistedEntry) (*KBucketEntry, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(p.Host, fmt.Sprint(p.Port)))
	if err != nil {
		return nil, err
	}
	return &KBucketEntry{
		Id:             p.Id,
		Addr:           addr,
		Version:        p.Version,
		Reachable:      p.Reachable,
		CreatedAt:      time.UnixMilli(p.CreatedAtUnix),
		LastSeen:       time.UnixMilli(p.LastSeenUnix),
		LastSent:       time.UnixMilli(p.LastSentUnix),
		FailedRequests: p.FailedRequests,
		Rtt:            time.Duration(p.RttMs) * time.Millisecond,
	}, nil
}

// Save encodes the table, main entries and replacements alike, to CBOR.
func (rt *RoutingTable) Save() ([]byte, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	snap := persistedTable{Version: routingTableVersion, LocalId: rt.localId}
	rt.walk(rt.root, func(b *KBucket) {
		pb := persistedBucket{PrefixBytes: b.Prefix.First(), Depth: b.Prefix.Depth()}
		for _, e := range b.Entries {
			pb.Entries = append(pb.Entries, toPersistedEntry(e))
		}
		for _, e := range b.Replacements {
			pb.Replacements = append(pb.Replacements, toPersistedEntry(e))
		}
		snap.Buckets = append(snap.Buckets, pb)
	})
	return cbor.Marshal(snap)
}

// LoadRoutingTable decodes a snapshot produced by Save into a fresh table
// keyed by localId. Loading is best-effort: malformed entries are
// skipped and logged rather than treated as fatal.
func LoadRoutingTable(localId Id, data []byte) (*RoutingTable, error) {
	rt := NewRoutingTable(localId)
	if len(data) == 0 {
		return rt, nil
	}
	var snap persistedTable
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("boson: decode routing table snapshot: %w", err)
	}
	if snap.Version != routingTableVersion {
		routingLog.Warnf("routing table snapshot version %d unsupported, starting empty", snap.Version)
		return rt, nil
	}

	for _, pb := range snap.Buckets {
		for _, pe := range pb.Entries {
			e, err := fromPersistedEntry(pe)
			if err != nil {
				routingLog.WithError(err).Warn("skipping malformed routing table entry")
				continue
			}
			rt.Put(e)
		}
		for _, pe := range pb.Replacements {
			e, err := fromPersistedEntry(pe)
			if err != nil {
				routingLog.WithError(err).Warn("skipping malformed routing table replacement")
				continue
			}
			n := rt.findNode(e.Id)
			n.bucket.PutAsReplacement(e)
		}
	}
	return rt, nil
}
