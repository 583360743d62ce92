package distsort

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulniziolek/distsort/pkg/distsort/task"
)

// WorkerSpec names a worker, where its control RPCs listen, and the shard
// file in its temp dir.
type WorkerSpec struct {
	ID        string
	Addr      string
	ShardFile string
}

type MasterConfig struct {
	Workers      []WorkerSpec
	PrefixLength int
	ShardSplit   int

	// TempDir is the shared temp area fragments and sorted outputs land in.
	TempDir string

	// LeaseTimeout requeues a task whose worker has not reported within it.
	// Zero disables leases.
	LeaseTimeout   time.Duration
	ExpireInterval time.Duration

	// DeriveRetry is the wait before rescanning the shared temp area after
	// a failed scan at the end of grouping.
	DeriveRetry time.Duration
}

func (c MasterConfig) withDefaults() MasterConfig {
	if c.ShardSplit < 1 {
		c.ShardSplit = 1
	}
	if c.TempDir == "" {
		c.TempDir = "temp"
	}
	if c.DeriveRetry <= 0 {
		c.DeriveRetry = time.Second
	}
	if c.ExpireInterval <= 0 {
		c.ExpireInterval = c.LeaseTimeout / 4
		if c.ExpireInterval < time.Second {
			c.ExpireInterval = time.Second
		}
	}
	return c
}

func (c MasterConfig) validate() error {
	if len(c.Workers) == 0 {
		return errors.New("master: no workers configured")
	}
	if c.PrefixLength < 1 {
		return fmt.Errorf("master: prefix length %d must be positive", c.PrefixLength)
	}
	seen := make(map[string]bool)
	for _, w := range c.Workers {
		if w.ID == "" || w.ShardFile == "" {
			return fmt.Errorf("master: worker %+v needs an id and a shard file", w)
		}
		if seen[w.ID] {
			return fmt.Errorf("master: duplicate worker id %s", w.ID)
		}
		seen[w.ID] = true
	}
	return nil
}

// Master hands out tasks and moves the job from grouping to sorting to done
// as completion reports arrive.
type Master struct {
	cfg   MasterConfig
	sched *Scheduler

	// guards phase, completion records and buckets
	mu       sync.Mutex
	phase    Phase
	grouping *CompletionRecord
	sorting  *CompletionRecord
	buckets  []Bucket
	derived  int

	// set by the report that observes grouping complete
	deriving atomic.Bool

	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	listener net.Listener
}

// MakeMaster queues one grouping task per worker shard. Nothing is served
// until Listen.
func MakeMaster(cfg MasterConfig) (*Master, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.TempDir, 0755); err != nil {
		return nil, err
	}

	m := &Master{
		cfg:      cfg,
		sched:    NewScheduler(cfg.LeaseTimeout),
		phase:    GroupingPhase,
		grouping: newCompletionRecord(),
		sorting:  newCompletionRecord(),
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
	}
	for _, w := range cfg.Workers {
		m.sched.Register(w.ID, w.Addr)
		t := task.NewGrouping(w.ID, w.ID, w.ShardFile, cfg.PrefixLength, cfg.ShardSplit)
		m.grouping.Expect(t.Key, 1)
		m.sched.Enqueue(t)
	}

	if cfg.LeaseTimeout > 0 {
		go m.expireLoop()
	}
	return m, nil
}

// Listen serves the master's RPCs on addr and returns the bound address.
func (m *Master) Listen(addr string) (net.Addr, error) {
	l, err := serve("Master", m, addr)
	if err != nil {
		return nil, err
	}
	m.listener = l
	log.Printf("master: listening on %s", l.Addr())
	return l.Addr(), nil
}

// RPC handler. Hands the calling worker at most one task.
func (m *Master) GetTask(args *GetTaskRequest, reply *GetTaskResponse) error {
	if m.Phase() == DonePhase {
		reply.Done = true
		return nil
	}
	if t, ok := m.sched.DequeueFor(args.WorkerID, args.Capacity); ok {
		DPrintf("master: %s task %s -> %s", t.Kind, t.Key, args.WorkerID)
		reply.Task = t
	}
	return nil
}

// RPC handler. Counts a grouping confirmation and, for the report that
// completes the phase, derives the sorting tasks.
func (m *Master) AddGroupingResults(args *ReportRequest, reply *ReportReply) error {
	m.mu.Lock()
	accepted := m.grouping.Add(args.TaskKey)
	complete := m.phase == GroupingPhase && m.grouping.Done()
	m.mu.Unlock()

	if accepted {
		m.sched.Retire(args.TaskKey)
		log.Printf("master: grouping %s reported by %s", args.TaskKey, args.WorkerID)
	}
	reply.Accepted = accepted

	if complete {
		m.derive()
	}
	return nil
}

// derive runs startSorting once. A failed scan is retried from a timer,
// since every grouping report has already arrived.
func (m *Master) derive() {
	if !m.deriving.CompareAndSwap(false, true) {
		return
	}
	err := m.startSorting()
	if err == nil {
		return
	}
	m.deriving.Store(false)
	log.Printf("master: deriving sorting tasks: %v, retrying in %v", err, m.cfg.DeriveRetry)
	time.AfterFunc(m.cfg.DeriveRetry, func() {
		select {
		case <-m.stop:
			return
		default:
		}
		if m.Phase() == GroupingPhase {
			m.derive()
		}
	})
}

// startSorting scans the shared temp area for fragments and queues one
// sorting task per bucket. It runs without m.mu held.
func (m *Master) startSorting() error {
	m.mu.Lock()
	keys := m.grouping.keys()
	m.mu.Unlock()

	buckets, err := scanBuckets(m.cfg.TempDir, keys)
	if err != nil {
		return err
	}

	tasks := make([]*task.Task, len(buckets))
	m.mu.Lock()
	for i, b := range buckets {
		tasks[i] = task.NewSorting(SortedName(b.Key), b.Key, b.Fragments)
		m.sorting.Expect(tasks[i].Key, 1)
	}
	m.buckets = buckets
	m.derived++
	if len(buckets) == 0 {
		m.finish()
	} else {
		m.phase = SortingPhase
	}
	m.mu.Unlock()

	log.Printf("master: grouping done, %d buckets to sort", len(buckets))
	for _, t := range tasks {
		m.sched.Enqueue(t)
	}
	return nil
}

// RPC handler. Counts a sorting confirmation.
func (m *Master) AddSortingResults(args *ReportRequest, reply *ReportReply) error {
	m.mu.Lock()
	accepted := m.sorting.Add(args.TaskKey)
	if accepted && m.phase == SortingPhase && m.sorting.Done() {
		m.finish()
	}
	m.mu.Unlock()

	if accepted {
		m.sched.Retire(args.TaskKey)
		log.Printf("master: sorting %s reported by %s", args.TaskKey, args.WorkerID)
	}
	reply.Accepted = accepted
	return nil
}

// finish moves to DONE. Caller holds m.mu.
func (m *Master) finish() {
	m.phase = DonePhase
	close(m.done)
	log.Printf("master: job done")
}

// RPC handler. Liveness check.
func (m *Master) Ping(args *PingRequest, reply *PingReply) error {
	if args.WorkerID != "" {
		m.sched.Touch(args.WorkerID)
	}
	reply.Phase = m.Phase()
	return nil
}

func (m *Master) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// cmd/master calls Done() periodically to find out if the entire job has
// finished.
func (m *Master) Done() bool {
	return m.Phase() == DonePhase
}

// Wait blocks until the job is done or ctx ends.
func (m *Master) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Master) Progress() Progress {
	m.mu.Lock()
	p := Progress{Phase: m.phase}
	p.GroupingDone, p.GroupingTotal = m.grouping.Progress()
	p.SortingDone, p.SortingTotal = m.sorting.Progress()
	m.mu.Unlock()
	p.Pending = m.sched.Pending()
	return p
}

// Buckets returns the bucket set derived at the end of grouping.
func (m *Master) Buckets() []Bucket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Bucket(nil), m.buckets...)
}

func (m *Master) Workers() []WorkerHandle {
	return m.sched.Workers()
}

// Assemble concatenates the sorted bucket outputs in ascending bucket order
// into out.
func (m *Master) Assemble(out string) error {
	if !m.Done() {
		return ErrNotDone
	}
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	for _, b := range m.Buckets() {
		if err := appendFile(f, filepath.Join(m.cfg.TempDir, SortedName(b.Key))); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}

func appendFile(w io.Writer, path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()
	_, err = io.Copy(w, in)
	return err
}

// LaunchWorkers asks every configured worker to start polling.
func (m *Master) LaunchWorkers() error {
	var errs []error
	for _, w := range m.cfg.Workers {
		c := &WorkerClient{Addr: w.Addr}
		if err := c.Launch(); err != nil {
			errs = append(errs, fmt.Errorf("launch %s: %w", w.ID, err))
			continue
		}
		log.Printf("master: launched worker %s at %s", w.ID, w.Addr)
	}
	return errors.Join(errs...)
}

// ShutdownWorkers tells every configured worker to stop.
func (m *Master) ShutdownWorkers() error {
	var errs []error
	for _, w := range m.cfg.Workers {
		c := &WorkerClient{Addr: w.Addr}
		if err := c.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", w.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Master) expireLoop() {
	ticker := time.NewTicker(m.cfg.ExpireInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			for _, t := range m.sched.Expire(now) {
				log.Printf("master: lease on %s task %s expired, requeued", t.Kind, t.Key)
			}
		case <-m.stop:
			return
		}
	}
}

// Close stops the lease loop and the RPC listener.
func (m *Master) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	if m.listener != nil {
		return m.listener.Close()
	}
	return nil
}
