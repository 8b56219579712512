// Package scheduler implements the cooperative, priority-ordered,
// time-sliced WASM task scheduler described in SPEC_FULL.md §4.7
// (component C7).
package scheduler

import (
	"sync"
	"time"

	"openenterprise/wasmcore/config"
)

// Priority is a task's scheduling priority; higher values run first.
type Priority int

const (
	Idle Priority = iota
	Low
	Normal
	High
	Realtime
)

func (p Priority) String() string {
	switch p {
	case Idle:
		return "idle"
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Realtime:
		return "realtime"
	default:
		return "unknown"
	}
}

// State is a task's position in its lifecycle (SPEC_FULL §3.6).
type State int

const (
	Inactive State = iota
	Ready
	Running
	Blocked
	Suspended
	Terminated
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Suspended:
		return "suspended"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// EntryFunc is a task's body, called synchronously by run.
type EntryFunc func(arg any)

// Handle identifies a task; stable for its lifetime.
type Handle int

// Stats is a runtime statistics snapshot for one task.
type Stats struct {
	SliceCount      uint64
	PreemptionCount uint64
	YieldCount      uint64
	TotalRuntime    time.Duration
}

// task is the TaskControlBlock of SPEC_FULL.md §3.6.
type task struct {
	inUse       bool
	name        string
	entryFn     EntryFunc
	arg         any
	priority    Priority
	state       State
	timeSlice   time.Duration
	appID       string
	startTime   time.Time
	blockReason string

	stats Stats
}

// Scheduler is the cooperative, priority-ordered, time-sliced scheduler.
// Queue mutations are serialized by a single mutex; entry function
// execution happens with the mutex released (SPEC_FULL §5).
type Scheduler struct {
	mu    sync.Mutex
	tasks []task
	ready []Handle // priority-ordered; stable within a band for round-robin

	currentTask  Handle // 0 means "none"
	currentStart time.Time
}

// New constructs a Scheduler with the given maximum number of tasks
// (typically config.DefaultMaxTasks).
func New(maxTasks int) *Scheduler {
	return &Scheduler{tasks: make([]task, maxTasks+1)} // index 0 unused; handles are 1-based
}

// TaskConfig parameterizes CreateTask.
type TaskConfig struct {
	Name      string
	Entry     EntryFunc
	Arg       any
	Priority  Priority
	TimeSlice time.Duration
	AppID     string
}

// CreateTask allocates a task slot in Inactive state. Returns 0 if the
// scheduler is full.
func (s *Scheduler) CreateTask(cfg TaskConfig) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 1; i < len(s.tasks); i++ {
		if !s.tasks[i].inUse {
			ts := cfg.TimeSlice
			if ts <= 0 {
				ts = config.TimeSlice()
			}
			s.tasks[i] = task{
				inUse:     true,
				name:      cfg.Name,
				entryFn:   cfg.Entry,
				arg:       cfg.Arg,
				priority:  cfg.Priority,
				state:     Inactive,
				timeSlice: ts,
				appID:     cfg.AppID,
			}
			return Handle(i)
		}
	}
	return 0
}

// Destroy frees a task's slot. Removes it from the ready queue if present.
func (s *Scheduler) Destroy(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.validLocked(h) {
		return
	}
	s.removeFromReadyLocked(h)
	s.tasks[h] = task{}
}

// Start moves a task from Inactive to Ready, appending it to the tail of
// its priority band.
func (s *Scheduler) Start(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.validLocked(h) {
		return
	}
	s.tasks[h].state = Ready
	s.enqueueReadyLocked(h)
}

// Suspend removes a Ready or Running task from scheduling until Resume.
func (s *Scheduler) Suspend(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.validLocked(h) {
		return
	}
	s.removeFromReadyLocked(h)
	s.tasks[h].state = Suspended
}

// Resume returns a Suspended task to Ready.
func (s *Scheduler) Resume(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.validLocked(h) || s.tasks[h].state != Suspended {
		return
	}
	s.tasks[h].state = Ready
	s.enqueueReadyLocked(h)
}

// SetPriority updates a task's priority; if it is currently Ready, it is
// re-inserted into the queue according to the new priority (SPEC_FULL
// §3.6, §4.7).
func (s *Scheduler) SetPriority(h Handle, p Priority) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.validLocked(h) {
		return
	}
	wasReady := s.tasks[h].state == Ready
	if wasReady {
		s.removeFromReadyLocked(h)
	}
	s.tasks[h].priority = p
	if wasReady {
		s.enqueueReadyLocked(h)
	}
}

// Yield is a cooperative call made by the running task. It only flips the
// task's state to Ready; Run's post-entry bookkeeping is what actually
// re-enqueues it at the tail of its priority band once entry_fn returns
// (SPEC_FULL §4.7: "Ready -> re-enqueue ... (yielded/preempted)").
func (s *Scheduler) Yield(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.validLocked(h) {
		return
	}
	s.tasks[h].stats.YieldCount++
	s.tasks[h].state = Ready
}

// Block marks the task Blocked with an optional reason; it leaves the
// ready queue and stays out until Unblock.
func (s *Scheduler) Block(h Handle, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.validLocked(h) {
		return
	}
	s.removeFromReadyLocked(h)
	s.tasks[h].state = Blocked
	s.tasks[h].blockReason = reason
}

// Unblock returns a Blocked task to Ready, from any context.
func (s *Scheduler) Unblock(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.validLocked(h) || s.tasks[h].state != Blocked {
		return
	}
	s.tasks[h].state = Ready
	s.tasks[h].blockReason = ""
	s.enqueueReadyLocked(h)
}

// CurrentTask returns the handle of the task currently Running, or 0.
func (s *Scheduler) CurrentTask() Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTask
}

// GetState returns h's current state.
func (s *Scheduler) GetState(h Handle) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.validLocked(h) {
		return Terminated
	}
	return s.tasks[h].state
}

// GetStats returns a snapshot of h's runtime statistics.
func (s *Scheduler) GetStats(h Handle) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.validLocked(h) {
		return Stats{}
	}
	return s.tasks[h].stats
}

// TaskInfo is a read-only snapshot of one task, for introspection tools
// such as the debug console.
type TaskInfo struct {
	Handle   Handle
	Name     string
	AppID    string
	Priority Priority
	State    State
	Stats    Stats
}

// ListTasks returns a snapshot of every allocated task slot.
func (s *Scheduler) ListTasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TaskInfo
	for i := 1; i < len(s.tasks); i++ {
		t := &s.tasks[i]
		if !t.inUse {
			continue
		}
		out = append(out, TaskInfo{
			Handle: Handle(i), Name: t.name, AppID: t.appID,
			Priority: t.priority, State: t.state, Stats: t.stats,
		})
	}
	return out
}

func (s *Scheduler) validLocked(h Handle) bool {
	return h > 0 && int(h) < len(s.tasks) && s.tasks[h].inUse
}

// enqueueReadyLocked appends h to the tail of its priority band: the
// ready slice is kept priority-ordered (descending), with insertion order
// preserved within a band for round-robin fairness.
func (s *Scheduler) enqueueReadyLocked(h Handle) {
	p := s.tasks[h].priority
	insertAt := len(s.ready)
	for i, rh := range s.ready {
		if s.tasks[rh].priority < p {
			insertAt = i
			break
		}
	}
	s.ready = append(s.ready, 0)
	copy(s.ready[insertAt+1:], s.ready[insertAt:])
	s.ready[insertAt] = h
}

func (s *Scheduler) removeFromReadyLocked(h Handle) {
	for i, rh := range s.ready {
		if rh == h {
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			return
		}
	}
}

// Tick implements advisory preemption (SPEC_FULL §4.7): if current_task
// has exceeded its time_slice_ms, it is reclassified Ready, its
// preemption_count incremented, and current_task cleared.
func (s *Scheduler) Tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentTask == 0 {
		return
	}
	t := &s.tasks[s.currentTask]
	if now.Sub(s.currentStart) < t.timeSlice {
		return
	}
	t.stats.PreemptionCount++
	t.state = Ready
	// Not re-enqueued here: entry_fn is still synchronously executing on
	// Run's goroutine (preemption is advisory, SPEC_FULL §4.7). Run's
	// post-entry bookkeeping enqueues it once entry_fn actually returns.
	s.currentTask = 0
}

// Run selects the next task: the head of the FIFO ready queue of the
// highest non-empty priority band, so tasks of one band take turns in the
// order they became ready. The choice does not depend on task slot
// numbers or on the last current_task. Runs
// the task's entry function synchronously with the queue mutex released,
// and reclassifies it afterward based on the state it left in. Returns
// the handle executed, or 0 if no task was ready.
func (s *Scheduler) Run() Handle {
	s.mu.Lock()
	h := s.selectLocked()
	if h == 0 {
		s.mu.Unlock()
		return 0
	}
	s.removeFromReadyLocked(h)
	t := &s.tasks[h]
	t.state = Running
	t.stats.SliceCount++
	t.startTime = time.Now()
	s.currentTask = h
	s.currentStart = t.startTime
	entry, arg := t.entryFn, t.arg
	s.mu.Unlock()

	if entry != nil {
		entry(arg)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t = &s.tasks[h] // re-fetch: the task slot is stable, just re-take the pointer post-unlock
	t.stats.TotalRuntime += time.Since(t.startTime)
	if s.currentTask == h {
		s.currentTask = 0
	}
	switch t.state {
	case Running:
		t.state = Terminated
	case Ready:
		s.enqueueReadyLocked(h)
	// Blocked / Suspended: leave out of the ready queue.
	}
	return h
}

// selectLocked implements the selection rule: s.ready is kept
// priority-ordered (descending) with FIFO order preserved within a
// priority band (enqueueReadyLocked always appends to the tail of its
// band), so the head of the slice is always the correct next task —
// highest ready priority, round-robin within that band. Caller holds mu.
func (s *Scheduler) selectLocked() Handle {
	if len(s.ready) == 0 {
		return 0
	}
	return s.ready[0]
}
