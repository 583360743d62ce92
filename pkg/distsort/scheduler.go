package distsort

import (
	"sync"
	"time"

	"github.com/paulniziolek/distsort/pkg/distsort/task"
)

// WorkerHandle is the master's record of one worker.
type WorkerHandle struct {
	ID       string
	Addr     string
	Capacity int
	LastSeen time.Time
	Held     []string
}

type workerState struct {
	addr     string
	capacity int
	lastSeen time.Time
	held     map[string]bool
}

type assignment struct {
	task     *task.Task
	worker   string
	deadline time.Time
}

// Scheduler owns the pending queues and hands out each queued task to at
// most one worker at a time. Tasks with an Owner wait in that worker's
// queue; the rest share a FIFO.
type Scheduler struct {
	mu sync.Mutex

	shared []*task.Task
	pinned map[string][]*task.Task

	status   map[string]task.Status
	assigned map[string]*assignment
	workers  map[string]*workerState

	lease time.Duration
	now   func() time.Time
}

// NewScheduler returns an empty scheduler. A zero lease never expires
// assignments.
func NewScheduler(lease time.Duration) *Scheduler {
	return &Scheduler{
		pinned:   make(map[string][]*task.Task),
		status:   make(map[string]task.Status),
		assigned: make(map[string]*assignment),
		workers:  make(map[string]*workerState),
		lease:    lease,
		now:      time.Now,
	}
}

// Register records a worker's address before it first polls.
func (s *Scheduler) Register(workerID, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.worker(workerID).addr = addr
}

func (s *Scheduler) worker(id string) *workerState {
	w, ok := s.workers[id]
	if !ok {
		w = &workerState{capacity: 1, held: make(map[string]bool)}
		s.workers[id] = w
	}
	return w
}

// Enqueue queues a task. Keys already queued, held, or retired are ignored.
func (s *Scheduler) Enqueue(t *task.Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status[t.Key] != task.UnknownStatus {
		return false
	}
	s.status[t.Key] = task.Idle
	s.push(t)
	return true
}

func (s *Scheduler) push(t *task.Task) {
	if t.Owner != "" {
		s.pinned[t.Owner] = append(s.pinned[t.Owner], t)
		return
	}
	s.shared = append(s.shared, t)
}

func (s *Scheduler) pop(workerID string) *task.Task {
	if q := s.pinned[workerID]; len(q) > 0 {
		t := q[0]
		q[0] = nil
		s.pinned[workerID] = q[1:]
		return t
	}
	if len(s.shared) > 0 {
		t := s.shared[0]
		s.shared[0] = nil
		s.shared = s.shared[1:]
		return t
	}
	return nil
}

// DequeueFor removes and returns the next task for workerID. It returns
// false when nothing is queued for the worker or the worker already holds
// capacity unreported tasks. capacity <= 0 keeps the last known value.
func (s *Scheduler) DequeueFor(workerID string, capacity int) (*task.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.worker(workerID)
	w.lastSeen = s.now()
	if capacity > 0 {
		w.capacity = capacity
	}
	if len(w.held) >= w.capacity {
		return nil, false
	}

	for {
		t := s.pop(workerID)
		if t == nil {
			return nil, false
		}
		if s.status[t.Key] != task.Idle {
			// retired while queued for a lease retry
			continue
		}
		if a, ok := s.assigned[t.Key]; ok {
			panic(SchedulingViolation{TaskKey: t.Key, Holder: a.worker, Worker: workerID})
		}
		s.status[t.Key] = task.Processing
		s.assigned[t.Key] = &assignment{task: t, worker: workerID, deadline: s.now().Add(s.lease)}
		w.held[t.Key] = true
		return t, true
	}
}

// Retire marks a task done and releases its holder. It reports whether the
// key was live.
func (s *Scheduler) Retire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status[key] {
	case task.Done, task.UnknownStatus:
		return false
	}
	s.status[key] = task.Done
	if a, ok := s.assigned[key]; ok {
		delete(s.workers[a.worker].held, key)
		delete(s.assigned, key)
	}
	return true
}

// Expire requeues every assignment whose lease ended before now and returns
// the requeued tasks.
func (s *Scheduler) Expire(now time.Time) []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lease <= 0 {
		return nil
	}
	var requeued []*task.Task
	for key, a := range s.assigned {
		if !now.After(a.deadline) {
			continue
		}
		delete(s.workers[a.worker].held, key)
		delete(s.assigned, key)
		s.status[key] = task.Idle
		s.push(a.task)
		requeued = append(requeued, a.task)
	}
	return requeued
}

// Touch records a liveness signal from a worker.
func (s *Scheduler) Touch(workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.worker(workerID).lastSeen = s.now()
}

func (s *Scheduler) Status(key string) task.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[key]
}

// Pending counts tasks that are queued or held.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, st := range s.status {
		if st == task.Idle || st == task.Processing {
			n++
		}
	}
	return n
}

// Workers returns a snapshot of every known worker.
func (s *Scheduler) Workers() []WorkerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]WorkerHandle, 0, len(s.workers))
	for id, w := range s.workers {
		h := WorkerHandle{
			ID:       id,
			Addr:     w.addr,
			Capacity: w.capacity,
			LastSeen: w.lastSeen,
		}
		for key := range w.held {
			h.Held = append(h.Held, key)
		}
		out = append(out, h)
	}
	return out
}
