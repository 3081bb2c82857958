package core

import "sync"

// ClosestSet tracks the K nodes, among all that have responded during a
// lookup, closest to the lookup's target. It is the convergence signal a
// lookup task watches: once insertions stop disturbing the tail, the
// lookup has found the closest nodes it is going to find.
type ClosestSet struct {
	target Id
	k      int

	mu                                   sync.Mutex
	entries                              []NodeInfo
	insertAttemptsSinceTailModification int
}

// NewClosestSet creates an empty set bounded to k entries around target.
func NewClosestSet(target Id, k int) *ClosestSet {
	return &ClosestSet{target: target, k: k}
}

// Insert considers n for membership. It returns whether n was inserted and
// whether the insertion changed the head (closest) element.
func (c *ClosestSet) Insert(n NodeInfo) (inserted bool, newHead bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		if e.Id.Equals(n.Id) {
			return false, false
		}
	}

	oldHead := Id{}
	hadHead := len(c.entries) > 0
	if hadHead {
		oldHead = c.entries[0].Id
	}

	pos := len(c.entries)
	for i, e := range c.entries {
		if ThreeWayCompare(c.target, n.Id, e.Id) < 0 {
			pos = i
			break
		}
	}
	if pos == len(c.entries) && len(c.entries) >= c.k {
		c.insertAttemptsSinceTailModification++
		return false, false
	}

	c.entries = append(c.entries, NodeInfo{})
	copy(c.entries[pos+1:], c.entries[pos:])
	c.entries[pos] = n
	if len(c.entries) > c.k {
		c.entries = c.entries[:c.k]
	}

	c.insertAttemptsSinceTailModification = 0

	newHead = !hadHead || !oldHead.Equals(c.entries[0].Id)
	return true, newHead
}

// RejectAttempt records that a candidate was considered but not inserted
// because the set is already full of closer nodes, advancing the
// tail-stability counter used to decide lookup termination.
func (c *ClosestSet) RejectAttempt() {
	c.mu.Lock()
	c.insertAttemptsSinceTailModification++
	c.mu.Unlock()
}

// TailStability returns the number of consecutive insert attempts that
// failed to modify the tail of the set.
func (c *ClosestSet) TailStability() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insertAttemptsSinceTailModification
}

// Nodes returns a snapshot of the current closest set, ordered ascending
// by distance to the target.
func (c *ClosestSet) Nodes() []NodeInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]NodeInfo, len(c.entries))
	copy(out, c.entries)
	return out
}

// Len reports how many nodes are currently held.
func (c *ClosestSet) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Full reports whether the set holds k nodes.
func (c *ClosestSet) Full() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries) >= c.k
}
