package core

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// CallState is the lifecycle stage of one outbound RpcCall. Exactly one
// terminal state (Responded, Errored, Timeout) is reached.
type CallState int

const (
	CallUnsent CallState = iota
	CallSent
	CallResponded
	CallErrored
	CallTimeout
)

func (s CallState) String() string {
	switch s {
	case CallUnsent:
		return "unsent"
	case CallSent:
		return "sent"
	case CallResponded:
		return "responded"
	case CallErrored:
		return "errored"
	case CallTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

func (s CallState) Terminal() bool {
	return s == CallResponded || s == CallErrored || s == CallTimeout
}

// RpcCall tracks one outbound request from send to terminal state.
type RpcCall struct {
	CorrelationId uuid.UUID
	Target        NodeInfo
	Method        Method
	Txid          uint64
	SentAt        time.Time
	Rtt           time.Duration

	mu        sync.Mutex
	state     CallState
	response  interface{}
	err       error
	done      chan struct{}
	listeners []func(*RpcCall)
	timer     *time.Timer
}

func newCall(target NodeInfo, method Method, txid uint64) *RpcCall {
	return &RpcCall{
		CorrelationId: uuid.New(),
		Target:        target,
		Method:        method,
		Txid:          txid,
		state:         CallUnsent,
		done:          make(chan struct{}),
	}
}

// State returns the call's current lifecycle state.
func (c *RpcCall) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Response returns the decoded response body, valid only once the call
// has reached CallResponded.
func (c *RpcCall) Response() interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.response
}

// Err returns the terminal error, valid once the call has reached
// CallErrored or CallTimeout.
func (c *RpcCall) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done returns a channel closed exactly once, when the call reaches a
// terminal state.
func (c *RpcCall) Done() <-chan struct{} { return c.done }

// OnTerminal registers a listener invoked exactly once when the call
// reaches a terminal state. If the call is already terminal the listener
// fires immediately.
func (c *RpcCall) OnTerminal(fn func(*RpcCall)) {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		fn(c)
		return
	}
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

func (c *RpcCall) finish(state CallState, response interface{}, err error) {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.response = response
	c.err = err
	if c.timer != nil {
		c.timer.Stop()
	}
	listeners := c.listeners
	c.mu.Unlock()
	close(c.done)
	for _, l := range listeners {
		l(c)
	}
}

// unreachableAfterConsecutiveTimeouts is how many consecutive call
// timeouts flip the server's aggregate reachability to false.
const unreachableAfterConsecutiveTimeouts = 3

type callKey struct {
	addr string
	txid uint64
}

// RequestHandler answers an inbound query, returning the response body to
// encode or an *ErrorBody to send back instead.
type RequestHandler func(msg *Message, from *net.UDPAddr) (interface{}, *ErrorBody)

// RpcServer owns the UDP socket, the in-flight call table, and the
// adversarial-resistance checks applied to every inbound datagram.
type RpcServer struct {
	conn    *net.UDPConn
	localId Id
	version []byte

	txidCounter atomic.Uint64

	mu       sync.Mutex
	inFlight map[callKey]*RpcCall

	outThrottle *SpamThrottle
	inThrottle  *SpamThrottle
	blacklist   *Blacklist
	suspicious  *SuspiciousNodeTracker
	sampler     *TimeoutSampler

	onRequest            RequestHandler
	onResponded          func(NodeInfo, time.Duration)
	onTimeout            func(NodeInfo)
	onReachabilityChange func(bool)

	reachable           atomic.Bool
	consecutiveTimeouts atomic.Int64

	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup

	log *logrus.Entry
}

// RpcServerConfig supplies the collaborators an RpcServer checks on every
// datagram. LocalId identifies this node; every other field may be left
// nil, which disables the corresponding check or callback.
type RpcServerConfig struct {
	LocalId     Id
	Version     []byte
	Blacklist   *Blacklist
	Suspicious  *SuspiciousNodeTracker
	OutThrottle *SpamThrottle
	InThrottle  *SpamThrottle
	Sampler     *TimeoutSampler
	OnRequest   RequestHandler
	OnResponded func(NodeInfo, time.Duration)
	OnTimeout   func(NodeInfo)
}

// NewRpcServer binds conn and starts the receive loop.
func NewRpcServer(conn *net.UDPConn, cfg RpcServerConfig) *RpcServer {
	s := &RpcServer{
		conn:        conn,
		localId:     cfg.LocalId,
		version:     cfg.Version,
		inFlight:    make(map[callKey]*RpcCall),
		outThrottle: cfg.OutThrottle,
		inThrottle:  cfg.InThrottle,
		blacklist:   cfg.Blacklist,
		suspicious:  cfg.Suspicious,
		sampler:     cfg.Sampler,
		onRequest:   cfg.OnRequest,
		onResponded: cfg.OnResponded,
		onTimeout:   cfg.OnTimeout,
		closeCh:     make(chan struct{}),
		log:         logrus.WithField("component", "rpc"),
	}
	s.wg.Add(1)
	go s.receiveLoop()
	return s
}

// OnReachabilityChange installs the callback fired whenever the server's
// aggregate reachability status flips.
func (s *RpcServer) OnReachabilityChange(fn func(bool)) { s.onReachabilityChange = fn }

func (s *RpcServer) nextTxid() uint64 { return s.txidCounter.Add(1) }

func (s *RpcServer) setReachable(v bool) {
	if s.reachable.Swap(v) != v && s.onReachabilityChange != nil {
		s.onReachabilityChange(v)
	}
}

// SendCall assigns a txid, applies outbound throttling, encodes and sends
// the request, and returns an RpcCall whose terminal state resolves on
// response, error, or adaptive timeout.
func (s *RpcServer) SendCall(target NodeInfo, method Method, body interface{}) *RpcCall {
	txid := s.nextTxid()
	call := newCall(target, method, txid)

	key := callKey{addr: target.Addr().String(), txid: txid}
	s.mu.Lock()
	s.inFlight[key] = call
	s.mu.Unlock()

	ip := target.IP.String()
	if s.outThrottle != nil {
		if delay := s.outThrottle.IncrementAndEstimateDelay(ip); delay > 0 {
			time.AfterFunc(delay, func() { s.doSend(call, key, method, body) })
			return call
		}
	}
	s.doSend(call, key, method, body)
	return call
}

func (s *RpcServer) doSend(call *RpcCall, key callKey, method Method, body interface{}) {
	data, err := EncodeQuery(s.localId, call.Txid, s.version, method, body)
	if err != nil {
		s.removeCall(key)
		call.finish(CallErrored, nil, fmt.Errorf("boson: encode request: %w", err))
		return
	}
	if _, err := s.conn.WriteToUDP(data, call.Target.Addr()); err != nil {
		s.removeCall(key)
		call.finish(CallErrored, nil, fmt.Errorf("boson: send request: %w", err))
		return
	}

	call.mu.Lock()
	call.state = CallSent
	call.SentAt = time.Now()
	timeout := RpcCallTimeoutMaxMs * time.Millisecond
	if s.sampler != nil {
		timeout = s.sampler.ClampedStallTimeout()
	}
	call.timer = time.AfterFunc(timeout, func() { s.expireCall(key) })
	call.mu.Unlock()
}

func (s *RpcServer) removeCall(key callKey) {
	s.mu.Lock()
	delete(s.inFlight, key)
	s.mu.Unlock()
}

func (s *RpcServer) expireCall(key callKey) {
	s.mu.Lock()
	call, ok := s.inFlight[key]
	if ok {
		delete(s.inFlight, key)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	call.finish(CallTimeout, nil, fmt.Errorf("boson: rpc call to %s timed out", call.Target.Id))
	if s.onTimeout != nil {
		s.onTimeout(call.Target)
	}
	if s.consecutiveTimeouts.Add(1) >= unreachableAfterConsecutiveTimeouts {
		s.setReachable(false)
	}
}

func (s *RpcServer) snapshotInFlight() map[callKey]*RpcCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[callKey]*RpcCall, len(s.inFlight))
	for k, v := range s.inFlight {
		out[k] = v
	}
	return out
}

// receiveLoop reads datagrams until Close is called, applying the
// blacklist/throttle/suspicious checks before dispatching each message.
func (s *RpcServer) receiveLoop() {
	defer s.wg.Done()
	buf := make([]byte, MaxDatagramSize)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.closeCh:
				return
			default:
				s.log.WithError(err).Warn("udp read error")
				continue
			}
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		s.handleDatagram(data, addr)
	}
}

func (s *RpcServer) handleDatagram(data []byte, addr *net.UDPAddr) {
	host := addr.IP.String()

	if s.blacklist != nil && s.blacklist.IsBannedHost(host) {
		return
	}
	if s.suspicious != nil && s.suspicious.IsHostBanned(host) {
		return
	}
	if s.inThrottle != nil && s.inThrottle.IncrementAndCheck(host) {
		return
	}

	msg, rawResponse, err := DecodeEnvelope(data)
	if err != nil {
		if s.suspicious != nil {
			s.suspicious.Observe(addr, Id{}, ObservationMalformedMessage)
		}
		return
	}
	if s.blacklist != nil && s.blacklist.IsBannedId(msg.SenderId) {
		return
	}

	switch msg.Type {
	case TypeQuery:
		s.handleQuery(msg, addr)
	case TypeResponse, TypeError:
		s.handleReplyOrError(msg, rawResponse, addr)
	}
}

func (s *RpcServer) handleQuery(msg *Message, addr *net.UDPAddr) {
	if s.onRequest == nil {
		return
	}
	body, errBody := s.onRequest(msg, addr)
	if errBody != nil {
		data, err := EncodeError(s.localId, msg.Txid, s.version, errBody.Code, errBody.Message)
		if err != nil {
			s.log.WithError(err).Warn("failed to encode error response")
			return
		}
		_, _ = s.conn.WriteToUDP(data, addr)
		return
	}
	data, err := EncodeResponse(s.localId, msg.Txid, s.version, body)
	if err != nil {
		s.log.WithError(err).Warn("failed to encode response")
		return
	}
	_, _ = s.conn.WriteToUDP(data, addr)
}

func (s *RpcServer) handleReplyOrError(msg *Message, rawResponse []byte, addr *net.UDPAddr) {
	key := callKey{addr: addr.String(), txid: msg.Txid}
	s.mu.Lock()
	call, ok := s.inFlight[key]
	if ok {
		delete(s.inFlight, key)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	if call.Target.Id != msg.SenderId {
		call.finish(CallErrored, nil, fmt.Errorf("boson: rpc reply from %s: id mismatch", addr))
		if s.suspicious != nil {
			s.suspicious.Observe(addr, msg.SenderId, ObservationInconsistentId)
		}
		return
	}

	if msg.Type == TypeError {
		call.finish(CallErrored, nil, msg.Error)
		return
	}

	body, err := DecodeResponseBody(call.Method, rawResponse)
	if err != nil {
		call.finish(CallErrored, nil, err)
		if s.suspicious != nil {
			s.suspicious.Observe(addr, msg.SenderId, ObservationMalformedMessage)
		}
		return
	}

	rtt := time.Since(call.SentAt)
	call.Rtt = rtt
	if s.sampler != nil {
		s.sampler.Update(rtt)
	}
	if s.onResponded != nil {
		s.onResponded(call.Target, rtt)
	}
	s.consecutiveTimeouts.Store(0)
	s.setReachable(true)
	call.finish(CallResponded, body, nil)
}

// Close stops the receive loop and unblocks every in-flight call.
func (s *RpcServer) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closeCh)
		err = s.conn.Close()
		s.wg.Wait()
		for _, call := range s.snapshotInFlight() {
			call.finish(CallErrored, nil, fmt.Errorf("boson: rpc server closed"))
		}
	})
	return err
}

// LocalAddr returns the bound UDP address.
func (s *RpcServer) LocalAddr() net.Addr { return s.conn.LocalAddr() }
