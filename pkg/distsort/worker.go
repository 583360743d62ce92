package distsort

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/paulniziolek/distsort/pkg/distsort/sorter"
	"github.com/paulniziolek/distsort/pkg/distsort/task"
)

type WorkerConfig struct {
	ID      string
	TempDir string

	// PoolSize bounds the tasks, and grouping sub-ranges, run at once.
	PoolSize int

	// An empty poll backs off from PollInterval, doubling up to MaxBackoff.
	PollInterval time.Duration
	MaxBackoff   time.Duration

	// ClearTempDir removes every regular file in TempDir on shutdown, not
	// just the ones this worker wrote.
	ClearTempDir bool
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.TempDir == "" {
		c.TempDir = "temp"
	}
	if c.PoolSize < 1 {
		c.PoolSize = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.MaxBackoff < c.PollInterval {
		c.MaxBackoff = 5 * time.Second
		if c.MaxBackoff < c.PollInterval {
			c.MaxBackoff = c.PollInterval
		}
	}
	return c
}

// Worker polls the master for tasks and runs up to PoolSize of them at once.
type Worker struct {
	cfg       WorkerConfig
	master    MasterClient
	transport Transport
	pool      *semaphore.Weighted

	mu       sync.Mutex
	cancel   context.CancelFunc
	loopDone chan struct{}
	closed   bool
	closedCh chan struct{}
	created  map[string]bool
	running  map[string]bool

	inflight sync.WaitGroup
}

func NewWorker(cfg WorkerConfig, master MasterClient, transport Transport) (*Worker, error) {
	cfg = cfg.withDefaults()
	if cfg.ID == "" {
		return nil, fmt.Errorf("worker: id required")
	}
	if err := os.MkdirAll(cfg.TempDir, 0755); err != nil {
		return nil, err
	}
	return &Worker{
		cfg:       cfg,
		master:    master,
		transport: transport,
		pool:      semaphore.NewWeighted(int64(cfg.PoolSize)),
		closedCh:  make(chan struct{}),
		created:   make(map[string]bool),
		running:   make(map[string]bool),
	}, nil
}

// Launch starts the poll loop and returns at once.
func (w *Worker) Launch() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWorkerClosed
	}
	if w.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.loopDone = make(chan struct{})
	go w.poll(ctx, w.loopDone)
	log.Printf("worker %s: polling with %d slots", w.cfg.ID, w.cfg.PoolSize)
	return nil
}

func (w *Worker) poll(ctx context.Context, done chan struct{}) {
	defer close(done)

	backoff := w.cfg.PollInterval
	for {
		if err := w.pool.Acquire(ctx, 1); err != nil {
			return
		}
		t, jobDone, err := w.master.GetTask(w.cfg.ID, w.cfg.PoolSize)
		if err != nil || t == nil {
			w.pool.Release(1)
			if err != nil {
				log.Printf("worker %s: poll: %v", w.cfg.ID, err)
			}
			if jobDone {
				backoff = w.cfg.MaxBackoff
			}
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(2*backoff, w.cfg.MaxBackoff)
			continue
		}
		backoff = w.cfg.PollInterval

		if !w.claim(t.Key) {
			// a lease ran out while this worker was still on the task
			w.pool.Release(1)
			log.Printf("worker %s: task %s already running, skipped", w.cfg.ID, t.Key)
			continue
		}
		w.inflight.Add(1)
		go func() {
			defer w.inflight.Done()
			defer w.pool.Release(1)
			defer w.unclaim(t.Key)
			w.execute(t)
		}()
	}
}

// claim marks a task key as running here and reports whether it was free.
func (w *Worker) claim(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running[key] {
		return false
	}
	w.running[key] = true
	return true
}

func (w *Worker) unclaim(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.running, key)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *Worker) execute(t *task.Task) {
	if !t.Valid() {
		log.Printf("worker %s: malformed task %+v", w.cfg.ID, t)
		return
	}
	start := time.Now()

	var err error
	switch t.Kind {
	case task.Grouping:
		err = w.doGrouping(t)
	case task.Sorting:
		err = w.doSorting(t)
	}
	if err != nil {
		// not reported: the completion count stays short until an operator
		// steps in or the lease expires
		log.Printf("worker %s: %s task %s failed: %v", w.cfg.ID, t.Kind, t.Key, err)
		return
	}
	log.Printf("worker %s: %s task %s done (%v)", w.cfg.ID, t.Kind, t.Key, time.Since(start))
}

// doGrouping partitions the local shard in ShardSplit concurrent sub-ranges,
// writes one fragment per bucket, ships them all, then reports.
func (w *Worker) doGrouping(t *task.Task) error {
	g := t.Grouping
	records, err := readLines(filepath.Join(w.cfg.TempDir, g.ShardFile))
	if err != nil {
		return err
	}

	ranges := splitRange(records, g.ShardSplit)
	parts := make([]map[string][]string, len(ranges))
	// sub-ranges borrow free slots from the task pool and run inline on
	// this goroutine when none is free
	var eg errgroup.Group
	var inlineErr error
	for i, r := range ranges {
		i, r := i, r // per-iteration copies; go.mod targets go 1.21 loop semantics
		run := func() error {
			buckets, err := Partition(r, g.PrefixLength)
			parts[i] = buckets
			return err
		}
		if w.pool.TryAcquire(1) {
			eg.Go(func() error {
				defer w.pool.Release(1)
				return run()
			})
			continue
		}
		if err := run(); err != nil && inlineErr == nil {
			inlineErr = err
		}
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	if inlineErr != nil {
		return inlineErr
	}

	merged := mergeBuckets(parts)
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	paths := make([]string, 0, len(keys))
	for _, k := range keys {
		p, err := w.writeFile(FragmentName(k, t.Key), merged[k])
		if err != nil {
			return err
		}
		paths = append(paths, p)
	}
	for _, p := range paths {
		if err := w.transport.Send(p); err != nil {
			return err
		}
	}
	return w.master.AddGroupingResults(w.cfg.ID, t.Key)
}

// mergeBuckets joins per-sub-range buckets, keeping sub-range order.
func mergeBuckets(parts []map[string][]string) map[string][]string {
	merged := make(map[string][]string)
	for _, p := range parts {
		for k, recs := range p {
			merged[k] = append(merged[k], recs...)
		}
	}
	return merged
}

// doSorting fetches a bucket's fragments, sorts their union, ships the output
// named by the task key, then reports.
func (w *Worker) doSorting(t *task.Task) error {
	s := t.Sorting
	var records []string
	var fetched []string
	for _, name := range s.Fragments {
		p, err := w.transport.Fetch(name, w.cfg.TempDir)
		if err != nil {
			return err
		}
		fetched = append(fetched, p)
		lines, err := readLines(p)
		if err != nil {
			return err
		}
		records = append(records, lines...)
	}

	records = sorter.Sort(records)
	out, err := w.writeFile(t.Key, records)
	if err != nil {
		return err
	}
	if err := w.transport.Send(out); err != nil {
		return err
	}
	if err := w.master.AddSortingResults(w.cfg.ID, t.Key); err != nil {
		return err
	}

	for _, p := range fetched {
		os.Remove(p)
	}
	return nil
}

func (w *Worker) writeFile(name string, records []string) (string, error) {
	p, err := WriteFragment(w.cfg.TempDir, name, records)
	if err != nil {
		return "", err
	}
	w.mu.Lock()
	w.created[p] = true
	w.mu.Unlock()
	return p, nil
}

// Ping is a liveness check with no side effect.
func (w *Worker) Ping() {}

// Shutdown stops polling, waits for running tasks, removes this worker's
// temp files and closes the transport. Calling it again is a no-op.
func (w *Worker) Shutdown() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	cancel, loopDone := w.cancel, w.loopDone
	w.mu.Unlock()

	if cancel != nil {
		cancel()
		<-loopDone
	}
	w.inflight.Wait()

	w.removeTempFiles()
	err := w.transport.Close()
	close(w.closedCh)
	log.Printf("worker %s: shut down", w.cfg.ID)
	return err
}

// Closed is closed once Shutdown has finished.
func (w *Worker) Closed() <-chan struct{} {
	return w.closedCh
}

func (w *Worker) removeTempFiles() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cfg.ClearTempDir {
		entries, err := os.ReadDir(w.cfg.TempDir)
		if err != nil {
			log.Printf("worker %s: listing %s: %v", w.cfg.ID, w.cfg.TempDir, err)
		}
		for _, e := range entries {
			if e.Type().IsRegular() {
				w.created[filepath.Join(w.cfg.TempDir, e.Name())] = true
			}
		}
	}
	for p := range w.created {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Printf("worker %s: couldn't delete %s: %v", w.cfg.ID, p, err)
		}
	}
	w.created = make(map[string]bool)
}

// WorkerService exposes a Worker's control surface over RPC.
type WorkerService struct {
	w *Worker
}

func (s *WorkerService) Launch(args *Empty, reply *Empty) error {
	return s.w.Launch()
}

func (s *WorkerService) Shutdown(args *Empty, reply *Empty) error {
	return s.w.Shutdown()
}

func (s *WorkerService) Ping(args *Empty, reply *Empty) error {
	s.w.Ping()
	return nil
}

// Listen serves the worker's control RPCs on addr.
func (w *Worker) Listen(addr string) (net.Listener, error) {
	l, err := serve("Worker", &WorkerService{w: w}, addr)
	if err != nil {
		return nil, err
	}
	log.Printf("worker %s: listening on %s", w.cfg.ID, l.Addr())
	return l, nil
}
