package core

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// MaxLookupIterations bounds a lookup's total query rounds so a lookup
// whose closest set never stabilises (e.g. against a small or partitioned
// network) still terminates.
const MaxLookupIterations = 16

// candidateState tracks one node's position in a lookup's query cycle.
type candidateState int

const (
	candidateUnqueried candidateState = iota
	candidateInFlight
	candidateQueried
	candidateFailed
)

type lookupCandidate struct {
	node  NodeInfo
	state candidateState
	token *uint32
}

// lookupResponder is implemented by each concrete lookup task to supply
// its method-specific request body and interpret responses. handleResponse
// returns the node lists to seed as new candidates and whether the lookup
// should terminate immediately (a value lookup that found its value).
type lookupResponder interface {
	buildRequest(wantToken bool) interface{}
	handleResponse(from NodeInfo, resp interface{}) (nodes []NodeInfo, terminate bool)
}

// lookupCore implements the iterative node-lookup algorithm shared by
// NodeLookupTask, ValueLookupTask and PeerLookupTask: query the alpha
// closest unqueried candidates, fold returned nodes into the candidate
// pool and the closest set, and repeat until the closest set's tail stops
// moving, every known candidate has been queried, or MaxLookupIterations
// is reached.
type lookupCore struct {
	*TaskBase
	target    Id
	method    Method
	wantToken bool
	responder lookupResponder

	rpc     *RpcServer
	manager *TaskManager
	self    Id

	mu         sync.Mutex
	candidates map[Id]*lookupCandidate
	closest    *ClosestSet
	iterations int
	done       bool

	log *logrus.Entry
}

// owner is the concrete task embedding this lookupCore (e.g.
// *NodeLookupTask); it is the value handed to OnEnded listeners so a type
// assertion back to the concrete type recovers its task-specific fields.
func newLookupCore(name string, target Id, method Method, wantToken bool, rpc *RpcServer, manager *TaskManager, localId Id, seed []NodeInfo, responder lookupResponder, owner Task) *lookupCore {
	lc := &lookupCore{
		target:     target,
		method:     method,
		wantToken:  wantToken,
		responder:  responder,
		rpc:        rpc,
		manager:    manager,
		self:       localId,
		candidates: make(map[Id]*lookupCandidate),
		closest:    NewClosestSet(target, K),
		log:        logrus.WithFields(logrus.Fields{"component": "lookup", "task": name}),
	}
	lc.TaskBase = NewTaskBase(name, PriorityHigh, owner)
	for _, n := range seed {
		lc.addCandidateLocked(n)
	}
	return lc
}

func (lc *lookupCore) addCandidateLocked(n NodeInfo) {
	if n.Id.Equals(lc.self) {
		return
	}
	if _, ok := lc.candidates[n.Id]; ok {
		return
	}
	lc.candidates[n.Id] = &lookupCandidate{node: n, state: candidateUnqueried}
}

// Iterate dispatches up to the task's remaining concurrency budget of new
// queries against the closest unqueried candidates, then evaluates whether
// the lookup has converged. It is idempotent: calling it with no budget is
// a no-op, and calling it with no unqueried candidates dispatches nothing
// and only marks the lookup done once no queries remain in flight.
func (lc *lookupCore) Iterate() {
	lc.mu.Lock()
	if lc.done {
		lc.mu.Unlock()
		return
	}
	budget := lc.MaxConcurrentRequests() - lc.InFlightCount()
	if budget <= 0 {
		lc.mu.Unlock()
		return
	}

	targets := lc.pickUnqueriedLocked(budget)
	if len(targets) == 0 {
		lc.done = lc.InFlightCount() == 0
		lc.mu.Unlock()
		return
	}
	lc.iterations++
	overIterations := lc.iterations > MaxLookupIterations
	lc.mu.Unlock()

	if overIterations {
		lc.mu.Lock()
		lc.done = lc.InFlightCount() == 0
		lc.mu.Unlock()
		return
	}

	for _, c := range targets {
		lc.dispatch(c)
	}
}

func (lc *lookupCore) pickUnqueriedLocked(n int) []*lookupCandidate {
	var pool []*lookupCandidate
	for _, c := range lc.candidates {
		if c.state == candidateUnqueried {
			pool = append(pool, c)
		}
	}
	for i := 1; i < len(pool); i++ {
		j := i
		for j > 0 && ThreeWayCompare(lc.target, pool[j].node.Id, pool[j-1].node.Id) < 0 {
			pool[j], pool[j-1] = pool[j-1], pool[j]
			j--
		}
	}
	if len(pool) > n {
		pool = pool[:n]
	}
	for _, c := range pool {
		c.state = candidateInFlight
	}
	return pool
}

func (lc *lookupCore) dispatch(c *lookupCandidate) {
	if !lc.BeginCall() {
		lc.mu.Lock()
		c.state = candidateUnqueried
		lc.mu.Unlock()
		return
	}
	body := lc.responder.buildRequest(lc.wantToken)
	call := lc.rpc.SendCall(c.node, lc.method, body)
	call.OnTerminal(func(call *RpcCall) {
		lc.EndCall()
		lc.onCallTerminal(c, call)
		lc.manager.Notify(lc)
	})
}

func (lc *lookupCore) onCallTerminal(c *lookupCandidate, call *RpcCall) {
	lc.mu.Lock()
	if lc.done {
		lc.mu.Unlock()
		return
	}
	if call.State() != CallResponded {
		c.state = candidateFailed
		lc.mu.Unlock()
		return
	}
	c.state = candidateQueried
	lc.mu.Unlock()

	nodes, terminate := lc.responder.handleResponse(c.node, call.Response())

	lc.mu.Lock()
	if inserted, _ := lc.closest.Insert(c.node); !inserted {
		lc.closest.RejectAttempt()
	}
	for _, n := range nodes {
		lc.addCandidateLocked(n)
	}
	if terminate {
		lc.done = true
	} else if lc.closest.Full() && lc.closest.TailStability() >= K && !lc.hasUnqueriedInRangeLocked() {
		lc.done = true
	}
	done := lc.done
	lc.mu.Unlock()

	if done {
		lc.log.WithField("iterations", lc.iterations).Debug("lookup converged")
	}
}

// hasUnqueriedInRangeLocked reports whether any unqueried candidate is
// closer to the target than the current tail of the closest set, i.e.
// whether continuing could still improve the result.
func (lc *lookupCore) hasUnqueriedInRangeLocked() bool {
	nodes := lc.closest.Nodes()
	if len(nodes) == 0 {
		return len(lc.candidates) > 0
	}
	tail := nodes[len(nodes)-1].Id
	for _, c := range lc.candidates {
		if c.state != candidateUnqueried {
			continue
		}
		if ThreeWayCompare(lc.target, c.node.Id, tail) < 0 {
			return true
		}
	}
	return false
}

// IsDone reports whether the lookup has converged, exhausted its
// iteration budget, or been told to terminate early.
func (lc *lookupCore) IsDone() bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.done
}

// ClosestNodes returns the lookup's final (or current) closest set.
func (lc *lookupCore) ClosestNodes() []NodeInfo { return lc.closest.Nodes() }

// Tokens returns the write token observed from each candidate that
// supplied one, keyed by node id, for use by a follow-up announce task.
func (lc *lookupCore) Tokens() map[Id]uint32 {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	out := make(map[Id]uint32)
	for id, c := range lc.candidates {
		if c.token != nil {
			out[id] = *c.token
		}
	}
	return out
}

func appendWanted(nodes4, nodes6 []NodeInfo) []NodeInfo {
	out := make([]NodeInfo, 0, len(nodes4)+len(nodes6))
	out = append(out, nodes4...)
	out = append(out, nodes6...)
	return out
}

// NodeLookupTask finds the K nodes closest to a target id, as used for
// routing-table refresh and as the first phase of announce operations.
type NodeLookupTask struct {
	*lookupCore
}

// NewNodeLookupTask starts a node lookup seeded from seed (typically the
// routing table's current closest nodes to target). wantToken requests a
// write token from each responder, needed when the lookup feeds an
// announce.
func NewNodeLookupTask(target Id, self Id, seed []NodeInfo, rpc *RpcServer, manager *TaskManager, wantToken bool) *NodeLookupTask {
	t := &NodeLookupTask{}
	t.lookupCore = newLookupCore("node_lookup", target, MethodFindNode, wantToken, rpc, manager, self, seed, t, t)
	return t
}

func (t *NodeLookupTask) buildRequest(wantToken bool) interface{} {
	return &FindNodeRequest{Target: t.target, Want4: true, Want6: true, WantToken: wantToken}
}

func (t *NodeLookupTask) handleResponse(from NodeInfo, resp interface{}) ([]NodeInfo, bool) {
	r, ok := resp.(*FindNodeResponse)
	if !ok {
		return nil, false
	}
	if r.Token != nil {
		t.mu.Lock()
		if c, ok := t.candidates[from.Id]; ok {
			c.token = r.Token
		}
		t.mu.Unlock()
	}
	return appendWanted(r.Nodes4, r.Nodes6), false
}

// ValueLookupTask finds the K nodes closest to a target id, stopping
// early as soon as any responder returns a stored value.
type ValueLookupTask struct {
	*lookupCore
	seq int64

	mu    sync.Mutex
	value *Value
	from  NodeInfo
}

// NewValueLookupTask starts a value lookup. seq, when nonzero, asks
// responders to only return mutable values whose sequence number is at
// least seq (used for refreshing a cached mutable value).
func NewValueLookupTask(target Id, self Id, seed []NodeInfo, rpc *RpcServer, manager *TaskManager, seq int64) *ValueLookupTask {
	t := &ValueLookupTask{seq: seq}
	t.lookupCore = newLookupCore("value_lookup", target, MethodFindValue, false, rpc, manager, self, seed, t, t)
	return t
}

func (t *ValueLookupTask) buildRequest(wantToken bool) interface{} {
	return &FindValueRequest{Target: t.target, Want4: true, Want6: true, Seq: t.seq}
}

func (t *ValueLookupTask) handleResponse(from NodeInfo, resp interface{}) ([]NodeInfo, bool) {
	r, ok := resp.(*FindValueResponse)
	if !ok {
		return nil, false
	}
	if r.Value != nil {
		t.mu.Lock()
		t.value = r.Value
		t.from = from
		t.mu.Unlock()
		return nil, true
	}
	return appendWanted(r.Nodes4, r.Nodes6), false
}

// Result returns the value found, if any, and the node that supplied it.
func (t *ValueLookupTask) Result() (*Value, NodeInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value, t.from, t.value != nil
}

// PeerLookupTask finds the K nodes closest to a peer swarm id, collecting
// any peer advertisements responders already hold for it.
type PeerLookupTask struct {
	*lookupCore
	count int

	mu    sync.Mutex
	peers []PeerInfo
}

// NewPeerLookupTask starts a peer lookup for swarm id target, asking each
// responder to return up to count known peers (0 means the responder's
// default).
func NewPeerLookupTask(target Id, self Id, seed []NodeInfo, rpc *RpcServer, manager *TaskManager, count int) *PeerLookupTask {
	t := &PeerLookupTask{count: count}
	t.lookupCore = newLookupCore("peer_lookup", target, MethodFindPeer, true, rpc, manager, self, seed, t, t)
	return t
}

func (t *PeerLookupTask) buildRequest(wantToken bool) interface{} {
	return &FindPeerRequest{Target: t.target, Want4: true, Want6: true, Count: t.count}
}

func (t *PeerLookupTask) handleResponse(from NodeInfo, resp interface{}) ([]NodeInfo, bool) {
	r, ok := resp.(*FindPeerResponse)
	if !ok {
		return nil, false
	}
	if len(r.Peers) > 0 {
		t.mu.Lock()
		t.peers = append(t.peers, r.Peers...)
		t.mu.Unlock()
	}
	return appendWanted(r.Nodes4, r.Nodes6), false
}

// Peers returns every peer advertisement collected so far.
func (t *PeerLookupTask) Peers() []PeerInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PeerInfo, len(t.peers))
	copy(out, t.peers)
	return out
}

// announceFailureTolerance is the maximum fraction of a K-sized target set
// an announce task will let fail before giving up on the remainder.
const announceFailureTolerance = 2 // tolerate up to K/announceFailureTolerance failures

// announceCore drives a STORE_VALUE/ANNOUNCE_PEER fan-out to the nodes a
// prior NodeLookupTask found closest to the target, using the write
// tokens that lookup collected.
type announceCore struct {
	*TaskBase
	targets []NodeInfo
	tokens  map[Id]uint32
	rpc     *RpcServer
	method  Method
	build   func(token uint32) interface{}

	mu        sync.Mutex
	dispatched map[Id]bool
	failures   int
	done       bool
}

func newAnnounceCore(name string, targets []NodeInfo, tokens map[Id]uint32, rpc *RpcServer, manager *TaskManager, method Method, build func(token uint32) interface{}) *announceCore {
	ac := &announceCore{
		targets:    targets,
		tokens:     tokens,
		rpc:        rpc,
		method:     method,
		build:      build,
		dispatched: make(map[Id]bool),
	}
	ac.TaskBase = NewTaskBase(name, PriorityHigh, ac)
	return ac
}

func (ac *announceCore) Iterate() {
	ac.mu.Lock()
	if ac.done {
		ac.mu.Unlock()
		return
	}
	budget := ac.MaxConcurrentRequests() - ac.InFlightCount()
	var pending []NodeInfo
	for _, n := range ac.targets {
		if budget <= 0 {
			break
		}
		if ac.dispatched[n.Id] {
			continue
		}
		token, ok := ac.tokens[n.Id]
		if !ok {
			ac.dispatched[n.Id] = true
			continue
		}
		ac.dispatched[n.Id] = true
		pending = append(pending, n)
		budget--
		_ = token
	}
	ac.mu.Unlock()

	for _, n := range pending {
		ac.sendOne(n)
	}
}

func (ac *announceCore) sendOne(n NodeInfo) {
	if !ac.BeginCall() {
		return
	}
	token := ac.tokens[n.Id]
	body := ac.build(token)
	call := ac.rpc.SendCall(n, ac.method, body)
	call.OnTerminal(func(call *RpcCall) {
		ac.EndCall()
		if call.State() != CallResponded {
			ac.mu.Lock()
			ac.failures++
			ac.mu.Unlock()
		}
	})
}

func (ac *announceCore) IsDone() bool {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	if ac.done {
		return true
	}
	allDispatched := len(ac.dispatched) >= len(ac.targets)
	if allDispatched && ac.InFlightCount() == 0 {
		ac.done = true
		return true
	}
	if ac.failures > len(ac.targets)/announceFailureTolerance {
		ac.done = true
		return true
	}
	return false
}

// ValueAnnounceTask stores a value on the K nodes closest to its id,
// using the write tokens a prior NodeLookupTask collected from them.
type ValueAnnounceTask struct {
	*announceCore
}

// NewValueAnnounceTask builds an announce task for v against targets,
// each of which must have a token in tokens (targets without one are
// skipped as already-unreachable-for-writes). cas is the sequence_number
// the caller last observed stored for v.Id, or nil to skip the
// compare-and-swap check and perform an ordinary monotonic write.
func NewValueAnnounceTask(v Value, cas *int64, targets []NodeInfo, tokens map[Id]uint32, rpc *RpcServer, manager *TaskManager) *ValueAnnounceTask {
	wireCas := NoCas
	if cas != nil {
		wireCas = *cas
	}
	t := &ValueAnnounceTask{}
	t.announceCore = newAnnounceCore("value_announce", targets, tokens, rpc, manager, MethodStoreValue, func(token uint32) interface{} {
		return &StoreValueRequest{Token: token, Cas: wireCas, Value: v}
	})
	return t
}

// PeerAnnounceTask advertises a locally-owned peer on the K nodes closest
// to its swarm id.
type PeerAnnounceTask struct {
	*announceCore
}

// NewPeerAnnounceTask builds an announce task for p against targets. cas
// is the sequence_number the caller last observed stored for this
// advertisement, or nil to skip the compare-and-swap check.
func NewPeerAnnounceTask(p PeerInfo, cas *int64, targets []NodeInfo, tokens map[Id]uint32, rpc *RpcServer, manager *TaskManager) *PeerAnnounceTask {
	wireCas := NoCas
	if cas != nil {
		wireCas = *cas
	}
	t := &PeerAnnounceTask{}
	t.announceCore = newAnnounceCore("peer_announce", targets, tokens, rpc, manager, MethodAnnouncePeer, func(token uint32) interface{} {
		return &AnnouncePeerRequest{Token: token, Cas: wireCas, Peer: p}
	})
	return t
}
