package core

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Defaults for the cooperative task scheduler.
const (
	DefaultMaxActiveTasks                      = 32
	DefaultMaxConcurrentTaskRequests           = 10
	DefaultMaxConcurrentTaskRequestsLowPriority = 3
)

// TaskState is a Task's position in its lifecycle. Transitions are
// monotonic: Initial -> Queued -> Running -> {Completed|Canceled}.
type TaskState int

const (
	TaskInitial TaskState = iota
	TaskQueued
	TaskRunning
	TaskCompleted
	TaskCanceled
)

func (s TaskState) String() string {
	switch s {
	case TaskInitial:
		return "initial"
	case TaskQueued:
		return "queued"
	case TaskRunning:
		return "running"
	case TaskCompleted:
		return "completed"
	case TaskCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

func (s TaskState) terminal() bool { return s == TaskCompleted || s == TaskCanceled }

// TaskPriority selects which concurrency cap a task's in-flight RPCs are
// held to.
type TaskPriority int

const (
	PriorityHigh TaskPriority = iota
	PriorityLow
)

// Task is one unit of scheduled work: a lookup, an announce, or a ping
// refresh. Iterate is invoked by the TaskManager whenever progress may be
// possible; it must be idempotent and must respect MaxConcurrentRequests
// minus the task's current in-flight count.
type Task interface {
	ID() uuid.UUID
	Name() string
	Priority() TaskPriority
	State() TaskState
	IsDone() bool
	Iterate()
	InFlightCount() int
	MaxConcurrentRequests() int
	OnEnded(fn func(Task))

	setState(TaskState)
	fireEnded()
}

// TaskBase implements the bookkeeping shared by every Task
// implementation: identity, lifecycle state, in-flight call counting, and
// end-of-life listeners. Concrete tasks embed it and supply Iterate/IsDone.
type TaskBase struct {
	id       uuid.UUID
	name     string
	priority TaskPriority

	mu             sync.Mutex
	state          TaskState
	inFlight       int
	endedListeners []func(Task)

	self Task // set by the embedding task's constructor for fireEnded callbacks
}

// NewTaskBase constructs the shared portion of a task. self must be the
// concrete task embedding this TaskBase.
func NewTaskBase(name string, priority TaskPriority, self Task) *TaskBase {
	return &TaskBase{id: uuid.New(), name: name, priority: priority, state: TaskInitial, self: self}
}

func (t *TaskBase) ID() uuid.UUID        { return t.id }
func (t *TaskBase) Name() string         { return t.name }
func (t *TaskBase) Priority() TaskPriority { return t.priority }

func (t *TaskBase) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *TaskBase) setState(s TaskState) {
	t.mu.Lock()
	if t.state.terminal() {
		t.mu.Unlock()
		return
	}
	t.state = s
	t.mu.Unlock()
}

func (t *TaskBase) MaxConcurrentRequests() int {
	if t.priority == PriorityLow {
		return DefaultMaxConcurrentTaskRequestsLowPriority
	}
	return DefaultMaxConcurrentTaskRequests
}

func (t *TaskBase) InFlightCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inFlight
}

// BeginCall reserves one in-flight slot, returning false if the task is
// already at its concurrency cap.
func (t *TaskBase) BeginCall() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	limit := DefaultMaxConcurrentTaskRequests
	if t.priority == PriorityLow {
		limit = DefaultMaxConcurrentTaskRequestsLowPriority
	}
	if t.inFlight >= limit {
		return false
	}
	t.inFlight++
	return true
}

// EndCall releases one in-flight slot.
func (t *TaskBase) EndCall() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inFlight > 0 {
		t.inFlight--
	}
}

func (t *TaskBase) OnEnded(fn func(Task)) {
	t.mu.Lock()
	if t.state.terminal() {
		t.mu.Unlock()
		fn(t.self)
		return
	}
	t.endedListeners = append(t.endedListeners, fn)
	t.mu.Unlock()
}

func (t *TaskBase) fireEnded() {
	t.mu.Lock()
	listeners := t.endedListeners
	t.endedListeners = nil
	t.mu.Unlock()
	for _, l := range listeners {
		l(t.self)
	}
}

// TaskManager runs tasks cooperatively: a fixed number may be RUNNING at
// once, each capped on its own in-flight RPC count, with high-priority
// tasks dequeued ahead of low-priority ones.
type TaskManager struct {
	mu            sync.Mutex
	maxActive     int
	high          []Task
	low           []Task
	running       map[uuid.UUID]Task
	log           *logrus.Entry
}

// NewTaskManager creates a manager bounded to maxActive concurrently
// RUNNING tasks.
func NewTaskManager(maxActive int) *TaskManager {
	if maxActive <= 0 {
		maxActive = DefaultMaxActiveTasks
	}
	return &TaskManager{
		maxActive: maxActive,
		running:   make(map[uuid.UUID]Task),
		log:       logrus.WithField("component", "task_manager"),
	}
}

// Add enqueues a task and immediately promotes it to RUNNING if there is
// spare capacity.
func (m *TaskManager) Add(t Task) {
	t.setState(TaskQueued)
	m.mu.Lock()
	if t.Priority() == PriorityHigh {
		m.high = append(m.high, t)
	} else {
		m.low = append(m.low, t)
	}
	m.mu.Unlock()
	m.fillCapacity()
}

func (m *TaskManager) fillCapacity() {
	for {
		m.mu.Lock()
		if len(m.running) >= m.maxActive {
			m.mu.Unlock()
			return
		}
		next := m.dequeueLocked()
		if next == nil {
			m.mu.Unlock()
			return
		}
		m.running[next.ID()] = next
		m.mu.Unlock()

		next.setState(TaskRunning)
		m.runIteration(next)
	}
}

func (m *TaskManager) dequeueLocked() Task {
	if len(m.high) > 0 {
		t := m.high[0]
		m.high = m.high[1:]
		return t
	}
	if len(m.low) > 0 {
		t := m.low[0]
		m.low = m.low[1:]
		return t
	}
	return nil
}

// Notify signals that a task may be able to make progress (a call
// resolved, a nested task finished). It is safe to call from any
// goroutine; actual iteration happens synchronously here, mirroring the
// single-loop scheduling model the manager emulates.
func (m *TaskManager) Notify(t Task) {
	m.mu.Lock()
	_, ok := m.running[t.ID()]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.runIteration(t)
}

func (m *TaskManager) runIteration(t Task) {
	if t.State() != TaskRunning {
		return
	}
	t.Iterate()
	if t.IsDone() {
		m.complete(t)
	}
}

func (m *TaskManager) complete(t Task) {
	t.setState(TaskCompleted)
	m.mu.Lock()
	delete(m.running, t.ID())
	m.mu.Unlock()
	t.fireEnded()
	m.fillCapacity()
}

// Cancel transitions a single task, queued or running, to CANCELED.
func (m *TaskManager) Cancel(t Task) {
	t.setState(TaskCanceled)
	m.mu.Lock()
	delete(m.running, t.ID())
	m.removeFromQueueLocked(t.ID())
	m.mu.Unlock()
	t.fireEnded()
	m.fillCapacity()
}

func (m *TaskManager) removeFromQueueLocked(id uuid.UUID) {
	m.high = removeTask(m.high, id)
	m.low = removeTask(m.low, id)
}

func removeTask(list []Task, id uuid.UUID) []Task {
	for i, t := range list {
		if t.ID() == id {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// CancelAll transitions every queued and running task to CANCELED; their
// in-flight calls are simply abandoned by the caller (responses arriving
// afterward are matched by the RpcServer but ignored by terminal tasks).
func (m *TaskManager) CancelAll() {
	m.mu.Lock()
	all := make([]Task, 0, len(m.running)+len(m.high)+len(m.low))
	for _, t := range m.running {
		all = append(all, t)
	}
	all = append(all, m.high...)
	all = append(all, m.low...)
	m.running = make(map[uuid.UUID]Task)
	m.high = nil
	m.low = nil
	m.mu.Unlock()

	for _, t := range all {
		t.setState(TaskCanceled)
		t.fireEnded()
	}
}

// ActiveCount returns the number of currently RUNNING tasks.
func (m *TaskManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// QueueDepth returns the number of tasks waiting to run.
func (m *TaskManager) QueueDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.high) + len(m.low)
}
