package core

import (
	"net"
	"sort"
	"time"
)

// K is the bucket capacity shared by the main entry list and the
// replacement cache.
const K = 8

// MaxFailures is the failed-request count at or above which an entry
// becomes eligible for eviction.
const MaxFailures = 7

// PingNeededAfter is how long an entry may go unseen before it needs a
// verifying ping.
const PingNeededAfter = 30 * time.Second

// maxRttMs is the RTT clamp applied on timeout.
const maxRttMs = 30_000

// KBucketEntry tracks one routing-table candidate's lifecycle.
type KBucketEntry struct {
	Id             Id
	Addr           *net.UDPAddr
	Version        []byte
	Reachable      bool
	CreatedAt      time.Time
	LastSeen       time.Time
	LastSent       time.Time
	FailedRequests int
	Rtt            time.Duration
}

// NewKBucketEntry creates an entry freshly observed, unreachable until a
// verified response arrives.
func NewKBucketEntry(id Id, addr *net.UDPAddr) *KBucketEntry {
	now := time.Now()
	return &KBucketEntry{Id: id, Addr: addr, CreatedAt: now, LastSeen: now}
}

// OnResponded records a verified response: the entry becomes reachable,
// its failure count clears and its RTT/last-seen timestamps update.
func (e *KBucketEntry) OnResponded(rtt time.Duration) {
	e.Reachable = true
	e.LastSeen = time.Now()
	e.Rtt = rtt
	e.FailedRequests = 0
}

// OnRequestSent records that a request was just sent to this entry.
func (e *KBucketEntry) OnRequestSent() { e.LastSent = time.Now() }

// OnTimeout records a failed request: the failure counter increments and
// an unset or larger RTT is set to maxRttMs.
func (e *KBucketEntry) OnTimeout() {
	e.FailedRequests++
	if e.Rtt > maxRttMs*time.Millisecond || e.Rtt == 0 {
		e.Rtt = maxRttMs * time.Millisecond
	}
}

// NeedsReplacement reports whether this entry has accumulated enough
// failures, or stayed unverified (never reachable) for longer than
// PingNeededAfter since it was created, to be eligible for eviction.
func (e *KBucketEntry) NeedsReplacement() bool {
	if e.FailedRequests >= MaxFailures {
		return true
	}
	if !e.Reachable && time.Since(e.CreatedAt) > PingNeededAfter {
		return true
	}
	return false
}

// NeedsPing reports whether the entry has not been seen recently and has
// at least one failure.
func (e *KBucketEntry) NeedsPing() bool {
	return time.Since(e.LastSeen) > PingNeededAfter && e.FailedRequests > 0
}

// KBucket holds up to K entries sharing a prefix, plus a replacement
// cache of spare/unverified candidates.
type KBucket struct {
	Prefix       Prefix
	Entries      []*KBucketEntry
	Replacements []*KBucketEntry
	LastRefresh  time.Time
}

// NewKBucket creates an empty bucket covering prefix.
func NewKBucket(prefix Prefix) *KBucket {
	return &KBucket{Prefix: prefix}
}

func indexOf(list []*KBucketEntry, id Id) int {
	for i, e := range list {
		if e.Id == id {
			return i
		}
	}
	return -1
}

func insertSortedByAge(list []*KBucketEntry, e *KBucketEntry) []*KBucketEntry {
	i := sort.Search(len(list), func(i int) bool { return list[i].CreatedAt.After(e.CreatedAt) })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = e
	return list
}

// Put inserts or merges entry into the bucket. Returns true if the
// entry now occupies a main-list slot (inserted, merged, or promoted via
// an eviction), false if it was only placed in — or already sat in — the
// replacement cache.
func (b *KBucket) Put(e *KBucketEntry) bool {
	if i := indexOf(b.Entries, e.Id); i >= 0 {
		existing := b.Entries[i]
		if e.LastSeen.After(existing.LastSeen) {
			existing.Addr = e.Addr
		}
		if len(e.Version) > 0 {
			existing.Version = e.Version
		}
		b.LastRefresh = time.Time{}
		return true
	}
	if len(b.Entries) < K {
		b.Entries = insertSortedByAge(b.Entries, e)
		b.removeFromReplacements(e.Id)
		b.LastRefresh = time.Time{}
		return true
	}
	for i, existing := range b.Entries {
		if existing.NeedsReplacement() {
			b.Entries[i] = e
			sort.Slice(b.Entries, func(i, j int) bool { return b.Entries[i].CreatedAt.Before(b.Entries[j].CreatedAt) })
			b.removeFromReplacements(e.Id)
			b.LastRefresh = time.Time{}
			return true
		}
	}
	b.PutAsReplacement(e)
	return false
}

// PutAsReplacement appends entry to the replacement cache unless it is
// already present there or in the main entry list, capping the cache at
// K.
func (b *KBucket) PutAsReplacement(e *KBucketEntry) {
	if indexOf(b.Entries, e.Id) >= 0 || indexOf(b.Replacements, e.Id) >= 0 {
		return
	}
	if len(b.Replacements) >= K {
		b.Replacements = b.Replacements[1:]
	}
	b.Replacements = append(b.Replacements, e)
}

func (b *KBucket) removeFromReplacements(id Id) {
	if i := indexOf(b.Replacements, id); i >= 0 {
		b.Replacements = append(b.Replacements[:i], b.Replacements[i+1:]...)
	}
}

// PromoteVerifiedReplacement moves the first reachable replacement into
// the main entry list, if there is room.
func (b *KBucket) PromoteVerifiedReplacement() bool {
	if len(b.Entries) >= K {
		return false
	}
	for i, r := range b.Replacements {
		if r.Reachable {
			b.Replacements = append(b.Replacements[:i], b.Replacements[i+1:]...)
			b.Entries = insertSortedByAge(b.Entries, r)
			return true
		}
	}
	return false
}

// RemoveIfBad removes the main entry for id when it is bad and a verified
// replacement exists to fill the gap, or unconditionally when force is
// true.
func (b *KBucket) RemoveIfBad(id Id, force bool) bool {
	i := indexOf(b.Entries, id)
	if i < 0 {
		return false
	}
	e := b.Entries[i]
	if !force {
		if !e.NeedsReplacement() {
			return false
		}
		if !b.hasReachableReplacement() {
			return false
		}
	}
	b.Entries = append(b.Entries[:i], b.Entries[i+1:]...)
	b.PromoteVerifiedReplacement()
	return true
}

func (b *KBucket) hasReachableReplacement() bool {
	for _, r := range b.Replacements {
		if r.Reachable {
			return true
		}
	}
	return false
}

// OnTimeout records a timeout against the entry identified by id. If the
// entry becomes bad and the bucket is full, a replacement promotion is
// attempted.
func (b *KBucket) OnTimeout(id Id) {
	i := indexOf(b.Entries, id)
	if i < 0 {
		return
	}
	e := b.Entries[i]
	e.OnTimeout()
	if e.NeedsReplacement() && len(b.Entries) >= K {
		b.RemoveIfBad(id, false)
	}
}

// Get returns the entry for id from the main list, and optionally the
// replacement cache.
func (b *KBucket) Get(id Id, includeReplacements bool) *KBucketEntry {
	if i := indexOf(b.Entries, id); i >= 0 {
		return b.Entries[i]
	}
	if includeReplacements {
		if i := indexOf(b.Replacements, id); i >= 0 {
			return b.Replacements[i]
		}
	}
	return nil
}

// Cleanup removes entries that no longer belong in the bucket:
//  1. an entry equal to the local id is always removed;
//  2. an entry whose id no longer matches the prefix is removed, invoking
//     onDrop;
//  3. if the bucket is full and localId does not fall in this bucket, one
//     bootstrap-id entry is evicted without invoking onDrop.
func (b *KBucket) Cleanup(localId Id, bootstrapIds map[Id]struct{}, onDrop func(*KBucketEntry)) {
	kept := b.Entries[:0:0]
	for _, e := range b.Entries {
		if e.Id == localId {
			continue
		}
		if !b.Prefix.IsPrefixOf(e.Id) {
			if onDrop != nil {
				onDrop(e)
			}
			continue
		}
		kept = append(kept, e)
	}
	b.Entries = kept

	if len(b.Entries) >= K && !b.Prefix.IsPrefixOf(localId) {
		for i, e := range b.Entries {
			if _, ok := bootstrapIds[e.Id]; ok {
				b.Entries = append(b.Entries[:i], b.Entries[i+1:]...)
				break
			}
		}
	}
}

// NeedsPing reports whether any entry in the bucket needs a refresh ping.
func (b *KBucket) NeedsPing() bool {
	for _, e := range b.Entries {
		if e.NeedsPing() {
			return true
		}
	}
	return false
}

// Size returns the number of main-list entries.
func (b *KBucket) Size() int { return len(b.Entries) }

// IsFull reports whether the main entry list is at capacity.
func (b *KBucket) IsFull() bool { return len(b.Entries) >= K }
