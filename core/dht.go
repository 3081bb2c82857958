package core

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// ConnectionStatus is the DHT's coarse view of its own network health.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Timers governing the orchestrator's periodic maintenance, all driven
// independently rather than off one literal event loop tick (see
// DESIGN.md).
const (
	updateTickInterval      = 30 * time.Second
	randomLookupInterval    = 10 * time.Minute
	randomPingInterval      = 10 * time.Second
	suspiciousPurgeInterval = 30 * time.Second
	persistInterval         = 10 * time.Minute
	metricsPollInterval     = 15 * time.Second
	bootstrapStaleAfter     = 30 * time.Minute
	minHealthyTableSize     = 30
	valueCacheSize          = 256
)

// DhtConfig supplies a Dht's collaborators. Conn, Identity and Store are
// required; the rest enable optional subsystems.
type DhtConfig struct {
	Identity *Identity
	Conn     *net.UDPConn
	Store    Store
	DataDir  string

	BootstrapNodes []NodeInfo

	EnableSpamThrottling         bool
	EnableSuspiciousNodeDetector bool
	EnableDeveloperMode          bool

	Metrics *Metrics
}

// Dht is one address-family instance of the Boson node: it owns a routing
// table, an RPC server, the task scheduler, and the message-dispatch
// logic that ties them together. A dual-stack node runs two Dht
// instances, one per family, each with its own socket and routing table.
type Dht struct {
	cfg      DhtConfig
	localId  Id
	identity *Identity
	dataDir  string

	routingTable *RoutingTable
	rpc          *RpcServer
	manager      *TaskManager
	store        Store
	blacklist    *Blacklist
	suspicious   *SuspiciousNodeTracker
	outThrottle  *SpamThrottle
	inThrottle   *SpamThrottle
	sampler      *TimeoutSampler
	tokens       *TokenManager
	metrics      *Metrics
	valueCache   *lru.Cache[Id, Value]

	developerMode bool

	mu            sync.Mutex
	status        ConnectionStatus
	lastBootstrap time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	log *logrus.Entry
}

// NewDht assembles a Dht from cfg. It does not start the RPC receive
// loop's dispatch logic beyond what NewRpcServer already does, nor issue
// any network traffic; call Start for that.
func NewDht(cfg DhtConfig) (*Dht, error) {
	if cfg.Identity == nil {
		return nil, fmt.Errorf("boson: dht: identity is required")
	}
	if cfg.Conn == nil {
		return nil, fmt.Errorf("boson: dht: conn is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("boson: dht: store is required")
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "."
	}

	blacklist, err := LoadBlacklist(filepath.Join(cfg.DataDir, "blacklist.json"))
	if err != nil {
		blacklist = NewBlacklist()
	}

	var suspicious *SuspiciousNodeTracker
	if cfg.EnableSuspiciousNodeDetector {
		suspicious = NewSuspiciousNodeTracker(DefaultSuspiciousNodeTrackerConfig())
	}

	var outThrottle, inThrottle *SpamThrottle
	if cfg.EnableSpamThrottling {
		outThrottle = NewSpamThrottle(DefaultSpamThrottleConfig())
		inThrottle = NewSpamThrottle(DefaultSpamThrottleConfig())
	}

	valueCache, err := lru.New[Id, Value](valueCacheSize)
	if err != nil {
		return nil, fmt.Errorf("boson: dht: build value cache: %w", err)
	}

	d := &Dht{
		cfg:           cfg,
		localId:       cfg.Identity.NodeId,
		identity:      cfg.Identity,
		dataDir:       cfg.DataDir,
		routingTable:  loadRoutingTable(cfg.DataDir, cfg.Identity.NodeId),
		manager:       NewTaskManager(DefaultMaxActiveTasks),
		store:         cfg.Store,
		blacklist:     blacklist,
		suspicious:    suspicious,
		outThrottle:   outThrottle,
		inThrottle:    inThrottle,
		sampler:       NewTimeoutSampler(DefaultTimeoutSamplerConfig()),
		tokens:        NewTokenManager(),
		metrics:       cfg.Metrics,
		valueCache:    valueCache,
		developerMode: cfg.EnableDeveloperMode,
		stopCh:        make(chan struct{}),
		log:           logrus.WithField("component", "dht"),
	}
	d.routingTable.SetCallbacks(d.onBucketNeedsPing, d.onEntryDropped)

	d.rpc = NewRpcServer(cfg.Conn, RpcServerConfig{
		LocalId:     d.localId,
		Blacklist:   blacklist,
		Suspicious:  suspicious,
		OutThrottle: outThrottle,
		InThrottle:  inThrottle,
		Sampler:     d.sampler,
		OnRequest:   d.handleRequest,
		OnResponded: func(n NodeInfo, rtt time.Duration) {
			d.noteSeen(n, true, rtt)
			if d.metrics != nil {
				d.metrics.ObserveRpcResponded()
			}
		},
		OnTimeout: func(n NodeInfo) {
			d.routingTable.OnTimeout(n.Id)
			if d.metrics != nil {
				d.metrics.ObserveRpcTimeout()
			}
		},
	})

	return d, nil
}

func loadRoutingTable(dataDir string, localId Id) *RoutingTable {
	data, err := os.ReadFile(filepath.Join(dataDir, "routing_table.cbor"))
	if err != nil {
		return NewRoutingTable(localId)
	}
	rt, err := LoadRoutingTable(localId, data)
	if err != nil {
		logrus.WithError(err).Warn("failed to load routing table, starting empty")
		return NewRoutingTable(localId)
	}
	return rt
}

// Status returns the node's current connection status.
func (d *Dht) Status() ConnectionStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *Dht) setStatus(s ConnectionStatus) {
	d.mu.Lock()
	prev := d.status
	d.status = s
	d.mu.Unlock()
	if prev != s {
		d.log.WithFields(logrus.Fields{"from": prev, "to": s}).Info("connection status changed")
	}
}

// RoutingTable exposes the underlying table for CLI introspection.
func (d *Dht) RoutingTable() *RoutingTable { return d.routingTable }

// Blacklist exposes the blacklist for CLI mutation.
func (d *Dht) Blacklist() *Blacklist { return d.blacklist }

// TaskManager exposes the scheduler for CLI introspection.
func (d *Dht) TaskManager() *TaskManager { return d.manager }

// LocalId returns the node's own id.
func (d *Dht) LocalId() Id { return d.localId }

// Start brings the node up per the documented startup sequence: ping
// every loaded bucket, bootstrap from the configured contacts, fill the
// home bucket and every non-full bucket, then begin the periodic
// maintenance timers.
func (d *Dht) Start(ctx context.Context) error {
	d.pingLoadedBuckets()
	d.Bootstrap()
	d.startTimers(ctx)
	return nil
}

func (d *Dht) pingLoadedBuckets() {
	rt := d.routingTable
	rt.mu.RLock()
	var groups [][]NodeInfo
	rt.walk(rt.root, func(b *KBucket) {
		if b.Size() == 0 {
			return
		}
		targets := make([]NodeInfo, 0, len(b.Entries))
		for _, e := range b.Entries {
			targets = append(targets, nodeInfoOf(e))
		}
		groups = append(groups, targets)
	})
	rt.mu.RUnlock()
	for _, g := range groups {
		d.manager.Add(NewPingRefreshTask(g, d.rpc))
	}
}

func nodeInfoOf(e *KBucketEntry) NodeInfo {
	return NodeInfo{Id: e.Id, IP: e.Addr.IP, Port: uint16(e.Addr.Port)}
}

// selfInfo returns this node's own NodeInfo, for FIND_NODE responses that
// need to include self when the routing table is short.
func (d *Dht) selfInfo() NodeInfo {
	addr := d.rpc.LocalAddr().(*net.UDPAddr)
	return NodeInfo{Id: d.localId, IP: addr.IP, Port: uint16(addr.Port)}
}

// Bootstrap sends FIND_NODE(random id) to every configured bootstrap
// node, then runs fill_home_bucket and fill_buckets lookups to round out
// the table. It is re-run periodically by the update timer when the
// table looks thin or stale.
func (d *Dht) Bootstrap() {
	if len(d.cfg.BootstrapNodes) == 0 && d.routingTable.Size() == 0 {
		return
	}
	d.setStatus(StatusConnecting)

	var wg sync.WaitGroup
	for _, n := range d.cfg.BootstrapNodes {
		wg.Add(1)
		go func(n NodeInfo) {
			defer wg.Done()
			call := d.rpc.SendCall(n, MethodFindNode, &FindNodeRequest{Target: RandomId(), Want4: true, Want6: true})
			<-call.Done()
			if call.State() != CallResponded {
				return
			}
			resp, ok := call.Response().(*FindNodeResponse)
			if !ok {
				return
			}
			for _, c := range appendWanted(resp.Nodes4, resp.Nodes6) {
				d.noteSeen(c, false, 0)
			}
		}(n)
	}
	wg.Wait()

	d.mu.Lock()
	d.lastBootstrap = time.Now()
	d.mu.Unlock()

	d.fillHomeBucket()
	d.fillBuckets()

	if d.routingTable.Size() > 0 {
		d.setStatus(StatusConnected)
	}
}

func (d *Dht) fillHomeBucket() { d.runLookup(d.localId) }

func (d *Dht) fillBuckets() {
	for _, target := range d.nonFullBucketTargets() {
		d.runLookup(target)
	}
}

func (d *Dht) nonFullBucketTargets() []Id {
	rt := d.routingTable
	rt.mu.RLock()
	var targets []Id
	rt.walk(rt.root, func(b *KBucket) {
		if b.Size() < K {
			targets = append(targets, b.Prefix.CreateRandomId())
		}
	})
	rt.mu.RUnlock()
	return targets
}

func (d *Dht) seedFor(target Id) []NodeInfo {
	entries := d.routingTable.GetClosestNodes(target, K, true, false)
	out := make([]NodeInfo, len(entries))
	for i, e := range entries {
		out[i] = nodeInfoOf(e)
	}
	return out
}

// runLookup runs a NodeLookupTask to completion and folds the nodes it
// found back into the routing table.
func (d *Dht) runLookup(target Id) *NodeLookupTask {
	task := NewNodeLookupTask(target, d.localId, d.seedFor(target), d.rpc, d.manager, false)
	d.runToCompletion(task)
	for _, n := range task.ClosestNodes() {
		d.noteSeen(n, false, 0)
	}
	return task
}

func (d *Dht) runToCompletion(t Task) {
	done := make(chan struct{})
	t.OnEnded(func(Task) { close(done) })
	d.manager.Add(t)
	<-done
}

// GetValue answers a local get_value request from the node's own store,
// falling back to a cached remote result and finally an iterative value
// lookup across the network.
func (d *Dht) GetValue(id Id) (*Value, error) {
	v, err := d.store.GetValue(id)
	if err != nil {
		return nil, err
	}
	if v != nil {
		return v, nil
	}
	if cached, ok := d.valueCache.Get(id); ok {
		return &cached, nil
	}
	task := NewValueLookupTask(id, d.localId, d.seedFor(id), d.rpc, d.manager, 0)
	d.runToCompletion(task)
	found, _, ok := task.Result()
	if !ok {
		return nil, nil
	}
	d.valueCache.Add(id, *found)
	return found, nil
}

// PutValue runs a want-token NodeLookupTask against v's id, then
// announces v to the nodes it found, keeping a local copy if v is
// locally owned. cas is the sequence_number the caller last observed
// stored for v.Id (typically from a prior GetValue); pass nil to perform
// an ordinary monotonic write with no compare-and-swap check.
func (d *Dht) PutValue(v Value, cas *int64) error {
	lookup := NewNodeLookupTask(v.Id, d.localId, d.seedFor(v.Id), d.rpc, d.manager, true)
	d.runToCompletion(lookup)

	targets := lookup.ClosestNodes()
	if len(targets) == 0 {
		return fmt.Errorf("boson: put_value: no reachable nodes near target")
	}
	announce := NewValueAnnounceTask(v, cas, targets, lookup.Tokens(), d.rpc, d.manager)
	d.runToCompletion(announce)

	if v.IsLocallyOwned() {
		if err := d.store.PutValue(v, cas); err != nil {
			d.log.WithError(err).Warn("failed to keep local copy of announced value")
		}
	}
	return nil
}

// GetPeers runs an iterative peer lookup for swarmId, returning every
// advertisement discovered.
func (d *Dht) GetPeers(swarmId Id, count int) ([]PeerInfo, error) {
	local, err := d.store.GetPeers(swarmId, 0, count)
	if err != nil {
		return nil, err
	}
	task := NewPeerLookupTask(swarmId, d.localId, d.seedFor(swarmId), d.rpc, d.manager, count)
	d.runToCompletion(task)
	return append(local, task.Peers()...), nil
}

// AnnouncePeer runs a want-token NodeLookupTask against p's swarm id,
// then announces p to the nodes it found. cas is the sequence_number the
// caller last observed stored for this advertisement, or nil to skip the
// compare-and-swap check.
func (d *Dht) AnnouncePeer(p PeerInfo, cas *int64) error {
	lookup := NewNodeLookupTask(p.NodeId, d.localId, d.seedFor(p.NodeId), d.rpc, d.manager, true)
	d.runToCompletion(lookup)

	targets := lookup.ClosestNodes()
	if len(targets) == 0 {
		return fmt.Errorf("boson: announce_peer: no reachable nodes near swarm id")
	}
	announce := NewPeerAnnounceTask(p, cas, targets, lookup.Tokens(), d.rpc, d.manager)
	d.runToCompletion(announce)

	if p.IsLocallyOwned() {
		if err := d.store.PutPeer(p, cas); err != nil {
			d.log.WithError(err).Warn("failed to keep local copy of announced peer")
		}
	}
	return nil
}

func (d *Dht) startTimers(ctx context.Context) {
	d.wg.Add(1)
	go d.updateLoop()
	d.wg.Add(1)
	go d.randomLookupLoop()
	d.wg.Add(1)
	go d.randomPingLoop()
	if d.suspicious != nil {
		d.wg.Add(1)
		go d.suspiciousPurgeLoop()
	}
	d.wg.Add(1)
	go d.persistLoop()
	if d.metrics != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.metrics.Poll(ctx, d.routingTable, metricsPollInterval)
		}()
	}
}

func (d *Dht) updateLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(updateTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.routingTable.Maintenance(d.bootstrapIds())
			d.mu.Lock()
			stale := time.Since(d.lastBootstrap) > bootstrapStaleAfter
			d.mu.Unlock()
			if d.routingTable.Size() < minHealthyTableSize || stale {
				go d.Bootstrap()
			}
			if d.metrics != nil {
				d.metrics.SetTaskQueueDepth(d.manager.QueueDepth())
				d.metrics.SetTaskActiveCount(d.manager.ActiveCount())
			}
		case <-d.stopCh:
			return
		}
	}
}

func (d *Dht) bootstrapIds() map[Id]struct{} {
	out := make(map[Id]struct{}, len(d.cfg.BootstrapNodes))
	for _, n := range d.cfg.BootstrapNodes {
		out[n.Id] = struct{}{}
	}
	return out
}

func (d *Dht) randomLookupLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(randomLookupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			go d.runLookup(RandomId())
		case <-d.stopCh:
			return
		}
	}
}

func (d *Dht) randomPingLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(randomPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if d.manager.ActiveCount() > 0 {
				continue
			}
			entries := d.routingTable.GetClosestNodes(RandomId(), 1, false, false)
			if len(entries) == 0 {
				continue
			}
			d.manager.Add(NewPingRefreshTask([]NodeInfo{nodeInfoOf(entries[0])}, d.rpc))
		case <-d.stopCh:
			return
		}
	}
}

func (d *Dht) suspiciousPurgeLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(suspiciousPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.suspicious.Purge()
			if d.metrics != nil {
				d.metrics.SetSuspiciousBanned(d.suspicious.BannedCount())
			}
		case <-d.stopCh:
			return
		}
	}
}

func (d *Dht) persistLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(persistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := d.persistRoutingTable(); err != nil {
				d.log.WithError(err).Warn("failed to persist routing table")
			}
		case <-d.stopCh:
			return
		}
	}
}

func (d *Dht) persistRoutingTable() error {
	data, err := d.routingTable.Save()
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(d.dataDir, "routing_table.cbor"), data, 0o600)
}

// Shutdown cancels every outstanding task, closes the RPC socket,
// persists the routing table one last time, and stops the timers. It
// returns once every background goroutine has exited.
func (d *Dht) Shutdown(context.Context) error {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.manager.CancelAll()
	rpcErr := d.rpc.Close()
	persistErr := d.persistRoutingTable()
	d.wg.Wait()
	if rpcErr != nil {
		return rpcErr
	}
	return persistErr
}

func (d *Dht) onBucketNeedsPing(p Prefix) {
	go func() {
		rt := d.routingTable
		rt.mu.RLock()
		b := rt.findNode(p.CreateRandomId()).bucket
		targets := make([]NodeInfo, 0, len(b.Entries))
		for _, e := range b.Entries {
			targets = append(targets, nodeInfoOf(e))
		}
		rt.mu.RUnlock()
		if len(targets) > 0 {
			d.manager.Add(NewPingRefreshTask(targets, d.rpc))
		}
	}()
}

func (d *Dht) onEntryDropped(e *KBucketEntry) {
	d.log.WithField("id", e.Id).Debug("routing table entry dropped")
}

// noteSeen applies the routing-table update rules for a node observed
// either by answering one of our requests (verified=true, with its
// round-trip time) or by sending us one (verified=false). Sources outside
// the global unicast range are ignored unless developer mode is enabled.
func (d *Dht) noteSeen(info NodeInfo, verified bool, rtt time.Duration) {
	if !d.developerMode && !info.IP.IsGlobalUnicast() {
		return
	}
	addr := info.Addr()

	if d.suspicious != nil {
		if last, ok := d.suspicious.LastKnownId(addr); ok && last != info.Id {
			d.routingTable.Remove(last)
			d.routingTable.Remove(info.Id)
			d.suspicious.Observe(addr, info.Id, ObservationInconsistentId)
			return
		}
	}

	if existing := d.routingTable.GetEntry(info.Id, false); existing != nil {
		if verified {
			d.routingTable.OnResponded(info.Id, rtt)
		}
		return
	}

	entry := NewKBucketEntry(info.Id, addr)
	if verified {
		entry.Reachable = true
		entry.Rtt = rtt
	}
	if d.routingTable.Put(entry) && !entry.Reachable {
		d.rpc.SendCall(info, MethodPing, &PingRequest{})
	}
}

// storeAsync runs fn on its own goroutine and blocks until it completes,
// keeping blocking storage I/O off of whichever goroutine is driving a
// message handler without restructuring RequestHandler into a future-
// returning signature (see DESIGN.md).
func storeAsync(fn func() error) error {
	ch := make(chan error, 1)
	go func() { ch <- fn() }()
	return <-ch
}

func (d *Dht) wantedNodes(entries []*KBucketEntry, want4, want6 bool) (n4, n6 []NodeInfo) {
	for _, e := range entries {
		info := nodeInfoOf(e)
		if info.IP.To4() != nil {
			if want4 {
				n4 = append(n4, info)
			}
		} else if want6 {
			n6 = append(n6, info)
		}
	}
	return n4, n6
}

// handleRequest is the RpcServer's RequestHandler: it updates the routing
// table for the sender, then dispatches by method.
func (d *Dht) handleRequest(msg *Message, from *net.UDPAddr) (interface{}, *ErrorBody) {
	sender := NodeInfo{Id: msg.SenderId, IP: from.IP, Port: uint16(from.Port)}
	d.noteSeen(sender, false, 0)

	switch msg.Method {
	case MethodPing:
		return &PingResponse{}, nil
	case MethodFindNode:
		req, ok := msg.Request.(*FindNodeRequest)
		if !ok {
			return nil, &ErrorBody{Code: ErrProtocol, Message: "malformed find_node request"}
		}
		return d.handleFindNode(req, sender), nil
	case MethodFindValue:
		req, ok := msg.Request.(*FindValueRequest)
		if !ok {
			return nil, &ErrorBody{Code: ErrProtocol, Message: "malformed find_value request"}
		}
		return d.handleFindValue(req)
	case MethodStoreValue:
		req, ok := msg.Request.(*StoreValueRequest)
		if !ok {
			return nil, &ErrorBody{Code: ErrProtocol, Message: "malformed store_value request"}
		}
		return d.handleStoreValue(req, sender)
	case MethodFindPeer:
		req, ok := msg.Request.(*FindPeerRequest)
		if !ok {
			return nil, &ErrorBody{Code: ErrProtocol, Message: "malformed find_peer request"}
		}
		return d.handleFindPeer(req)
	case MethodAnnouncePeer:
		req, ok := msg.Request.(*AnnouncePeerRequest)
		if !ok {
			return nil, &ErrorBody{Code: ErrProtocol, Message: "malformed announce_peer request"}
		}
		return d.handleAnnouncePeer(req, sender)
	default:
		return nil, &ErrorBody{Code: ErrMethodUnknown, Message: string(msg.Method)}
	}
}

func (d *Dht) handleFindNode(req *FindNodeRequest, sender NodeInfo) interface{} {
	entries := d.routingTable.GetClosestNodes(req.Target, K, false, false)
	n4, n6 := d.wantedNodes(entries, req.Want4, req.Want6)
	if len(entries) < K {
		self := d.selfInfo()
		if self.IP.To4() != nil {
			if req.Want4 {
				n4 = append(n4, self)
			}
		} else if req.Want6 {
			n6 = append(n6, self)
		}
	}
	resp := &FindNodeResponse{Nodes4: TruncateNodes(n4, K), Nodes6: TruncateNodes(n6, K)}
	if req.WantToken {
		token := d.tokens.GenerateToken(sender.Id, sender.IP, sender.Port, req.Target)
		resp.Token = &token
	}
	return resp
}

func (d *Dht) handleFindValue(req *FindValueRequest) (interface{}, *ErrorBody) {
	var v *Value
	if err := storeAsync(func() error {
		got, err := d.store.GetValue(req.Target)
		v = got
		return err
	}); err != nil {
		d.log.WithError(err).Error("get_value failed")
		return nil, &ErrorBody{Code: ErrServer, Message: "storage error"}
	}
	if v != nil && (!v.IsMutable() || req.Seq < 0 || v.SequenceNumber >= req.Seq) {
		out := *v
		out.PrivateKey = nil
		return &FindValueResponse{Value: &out}, nil
	}
	entries := d.routingTable.GetClosestNodes(req.Target, K, false, false)
	n4, n6 := d.wantedNodes(entries, req.Want4, req.Want6)
	return &FindValueResponse{Nodes4: TruncateNodes(n4, K), Nodes6: TruncateNodes(n6, K)}, nil
}

func valueSigningMessage(seq int64, data []byte) []byte {
	buf := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(buf[:8], uint64(seq))
	copy(buf[8:], data)
	return buf
}

func (d *Dht) handleStoreValue(req *StoreValueRequest, sender NodeInfo) (interface{}, *ErrorBody) {
	if !d.developerMode && !sender.IP.IsGlobalUnicast() {
		return nil, &ErrorBody{Code: ErrProtocol, Message: "source is not globally routable"}
	}
	if !d.tokens.VerifyToken(req.Token, sender.Id, sender.IP, sender.Port, req.Value.Id) {
		return nil, &ErrorBody{Code: ErrInvalidToken, Message: "invalid or expired token"}
	}

	v := req.Value
	v.PrivateKey = nil

	if !v.IsMutable() {
		id, err := ImmutableValueId(v.Data)
		if err != nil || id != v.Id {
			return nil, &ErrorBody{Code: ErrInvalidValue, Message: "immutable value id does not match its content"}
		}
	} else {
		pub, err := IdOf(v.PublicKey)
		if err != nil || pub != v.Id {
			return nil, &ErrorBody{Code: ErrInvalidValue, Message: "mutable value id does not match its public key"}
		}
		if len(v.Signature) == 0 || !VerifySignature(ed25519.PublicKey(v.PublicKey), valueSigningMessage(v.SequenceNumber, v.Data), v.Signature) {
			return nil, &ErrorBody{Code: ErrInvalidValue, Message: "bad value signature"}
		}
	}

	var cas *int64
	if req.Cas != NoCas {
		casValue := req.Cas
		cas = &casValue
	}
	err := storeAsync(func() error { return d.store.PutValue(v, cas) })
	if errBody := mapStoreError(err); errBody != nil {
		return nil, errBody
	}
	return &StoreValueResponse{}, nil
}

func peerSigningMessage(p PeerInfo) []byte {
	buf := make([]byte, 0, IdLength+2+4+len(p.AltEndpoint))
	buf = append(buf, p.NodeId[:]...)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], p.Port)
	buf = append(buf, portBuf[:]...)
	var seqBuf [4]byte
	binary.BigEndian.PutUint32(seqBuf[:], p.SequenceNumber)
	buf = append(buf, seqBuf[:]...)
	buf = append(buf, []byte(p.AltEndpoint)...)
	return buf
}

func (d *Dht) handleFindPeer(req *FindPeerRequest) (interface{}, *ErrorBody) {
	count := req.Count
	if count <= 0 || count > K {
		count = K
	}
	var peers []PeerInfo
	if err := storeAsync(func() error {
		got, err := d.store.GetPeers(req.Target, uint32(maxInt(int(req.Seq), 0)), count)
		peers = got
		return err
	}); err != nil {
		d.log.WithError(err).Error("get_peers failed")
		return nil, &ErrorBody{Code: ErrServer, Message: "storage error"}
	}

	resp := &FindPeerResponse{}
	if len(peers) > 0 {
		for i := range peers {
			peers[i].PrivateKey = nil
		}
		resp.Peers = peers
		resp.PeerId = &peers[0].PeerId
	}
	entries := d.routingTable.GetClosestNodes(req.Target, K, false, false)
	resp.Nodes4, resp.Nodes6 = d.wantedNodes(entries, req.Want4, req.Want6)
	resp.Nodes4 = TruncateNodes(resp.Nodes4, K)
	resp.Nodes6 = TruncateNodes(resp.Nodes6, K)
	return resp, nil
}

func (d *Dht) handleAnnouncePeer(req *AnnouncePeerRequest, sender NodeInfo) (interface{}, *ErrorBody) {
	if !d.developerMode && !sender.IP.IsGlobalUnicast() {
		return nil, &ErrorBody{Code: ErrProtocol, Message: "source is not globally routable"}
	}
	p := req.Peer
	p.PrivateKey = nil

	if !d.tokens.VerifyToken(req.Token, sender.Id, sender.IP, sender.Port, p.NodeId) {
		return nil, &ErrorBody{Code: ErrInvalidToken, Message: "invalid or expired token"}
	}
	if len(p.Signature) == 0 {
		return nil, &ErrorBody{Code: ErrInvalidPeer, Message: "peer advertisement missing signature"}
	}
	if !VerifySignature(ed25519.PublicKey(p.PeerId[:]), peerSigningMessage(p), p.Signature) {
		return nil, &ErrorBody{Code: ErrInvalidPeer, Message: "bad peer signature"}
	}

	var cas *int64
	if req.Cas != NoCas {
		casValue := req.Cas
		cas = &casValue
	}
	err := storeAsync(func() error { return d.store.PutPeer(p, cas) })
	if errBody := mapStoreError(err); errBody != nil {
		return nil, errBody
	}
	return &AnnouncePeerResponse{}, nil
}

// mapStoreError translates a Store error into the matching wire
// ErrorBody, or nil if err is nil.
func mapStoreError(err error) *ErrorBody {
	switch err {
	case nil:
		return nil
	case ErrSequenceNotMonotonicFail:
		return &ErrorBody{Code: ErrSequenceNotMonotonic, Message: err.Error()}
	case ErrSequenceNotExpectedFail:
		return &ErrorBody{Code: ErrSequenceNotExpected, Message: err.Error()}
	case ErrImmutableSubstitution:
		return &ErrorBody{Code: ErrImmutableSubstitutionFail, Message: err.Error()}
	case ErrOwnershipProtected:
		return &ErrorBody{Code: ErrInvalidValue, Message: err.Error()}
	default:
		return &ErrorBody{Code: ErrServer, Message: "storage error"}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
