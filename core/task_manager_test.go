package core

import (
	"sync"
	"testing"
	"time"
)

// countingTask completes after a fixed number of Iterate calls, used to
// exercise TaskManager scheduling without any real network I/O.
type countingTask struct {
	*TaskBase
	mu      sync.Mutex
	target  int
	seen    int
	endedAt time.Time
}

func newCountingTask(name string, priority TaskPriority, target int) *countingTask {
	t := &countingTask{target: target}
	t.TaskBase = NewTaskBase(name, priority, t)
	return t
}

func (t *countingTask) Iterate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen++
}

func (t *countingTask) IsDone() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seen >= t.target
}

func (t *countingTask) Seen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seen
}

func TestTaskManagerRunsQueuedTaskToCompletion(t *testing.T) {
	m := NewTaskManager(4)
	ct := newCountingTask("count", PriorityHigh, 1)

	done := make(chan struct{})
	ct.OnEnded(func(Task) { close(done) })
	m.Add(ct)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never completed")
	}
	if ct.State() != TaskCompleted {
		t.Fatalf("expected TaskCompleted, got %v", ct.State())
	}
}

func TestTaskManagerCapsActiveTasks(t *testing.T) {
	m := NewTaskManager(2)
	var tasks []*countingTask
	for i := 0; i < 5; i++ {
		ct := newCountingTask("count", PriorityHigh, 1000000)
		tasks = append(tasks, ct)
		m.Add(ct)
	}
	if m.ActiveCount() > 2 {
		t.Fatalf("expected at most 2 active tasks, got %d", m.ActiveCount())
	}
	if m.QueueDepth() != 3 {
		t.Fatalf("expected 3 queued tasks, got %d", m.QueueDepth())
	}
}

func TestTaskManagerQueuedTaskRunsWhenSlotFrees(t *testing.T) {
	m := NewTaskManager(1)
	low := newCountingTask("low", PriorityLow, 1000000)
	m.Add(low)
	if m.ActiveCount() != 1 {
		t.Fatalf("expected low priority task to fill the only slot, got %d active", m.ActiveCount())
	}

	high := newCountingTask("high", PriorityHigh, 1)
	doneHigh := make(chan struct{})
	high.OnEnded(func(Task) { close(doneHigh) })
	m.Add(high)

	if m.QueueDepth() != 1 {
		t.Fatalf("expected high priority task to queue behind the full manager, got depth %d", m.QueueDepth())
	}

	m.Cancel(low)

	select {
	case <-doneHigh:
	case <-time.After(time.Second):
		t.Fatal("high priority task never ran after capacity freed up")
	}
}

func TestTaskManagerCancelAllTerminatesEverything(t *testing.T) {
	m := NewTaskManager(8)
	var tasks []*countingTask
	for i := 0; i < 4; i++ {
		ct := newCountingTask("count", PriorityHigh, 1000000)
		tasks = append(tasks, ct)
		m.Add(ct)
	}
	m.CancelAll()
	for _, ct := range tasks {
		if ct.State() != TaskCanceled {
			t.Fatalf("expected TaskCanceled, got %v", ct.State())
		}
	}
	if m.ActiveCount() != 0 || m.QueueDepth() != 0 {
		t.Fatal("expected manager to be empty after CancelAll")
	}
}

func TestTaskBaseConcurrencyCapByPriority(t *testing.T) {
	high := newCountingTask("high", PriorityHigh, 1)
	if high.MaxConcurrentRequests() != DefaultMaxConcurrentTaskRequests {
		t.Fatalf("expected high priority cap %d, got %d", DefaultMaxConcurrentTaskRequests, high.MaxConcurrentRequests())
	}
	low := newCountingTask("low", PriorityLow, 1)
	if low.MaxConcurrentRequests() != DefaultMaxConcurrentTaskRequestsLowPriority {
		t.Fatalf("expected low priority cap %d, got %d", DefaultMaxConcurrentTaskRequestsLowPriority, low.MaxConcurrentRequests())
	}
	for i := 0; i < low.MaxConcurrentRequests(); i++ {
		if !low.BeginCall() {
			t.Fatalf("expected BeginCall to succeed within cap at i=%d", i)
		}
	}
	if low.BeginCall() {
		t.Fatal("expected BeginCall to fail once at cap")
	}
	low.EndCall()
	if !low.BeginCall() {
		t.Fatal("expected BeginCall to succeed after EndCall freed a slot")
	}
}
