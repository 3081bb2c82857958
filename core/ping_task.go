package core

import "sync"

// PingRefreshTask pings a fixed set of nodes to verify they are still
// reachable, used both at startup (one per loaded bucket) and by the
// periodic random-ping timer. Responses and timeouts update the routing
// table through the RpcServer's global callbacks; this task only tracks
// its own completion.
type PingRefreshTask struct {
	*TaskBase
	rpc     *RpcServer
	targets []NodeInfo

	mu         sync.Mutex
	dispatched int
	done       bool
}

// NewPingRefreshTask builds a low-priority task that pings every node in
// targets.
func NewPingRefreshTask(targets []NodeInfo, rpc *RpcServer) *PingRefreshTask {
	t := &PingRefreshTask{rpc: rpc, targets: targets}
	t.TaskBase = NewTaskBase("ping_refresh", PriorityLow, t)
	return t
}

func (t *PingRefreshTask) Iterate() {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	budget := t.MaxConcurrentRequests() - t.InFlightCount()
	var pending []NodeInfo
	for budget > 0 && t.dispatched < len(t.targets) {
		pending = append(pending, t.targets[t.dispatched])
		t.dispatched++
		budget--
	}
	t.mu.Unlock()

	for _, n := range pending {
		t.sendOne(n)
	}
}

func (t *PingRefreshTask) sendOne(n NodeInfo) {
	if !t.BeginCall() {
		return
	}
	call := t.rpc.SendCall(n, MethodPing, &PingRequest{})
	call.OnTerminal(func(*RpcCall) { t.EndCall() })
}

func (t *PingRefreshTask) IsDone() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return true
	}
	if t.dispatched >= len(t.targets) && t.InFlightCount() == 0 {
		t.done = true
	}
	return t.done
}
