package distsort

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/paulniziolek/distsort/pkg/distsort/task"
)

// stubMaster hands out a fixed list of tasks and records reports.
type stubMaster struct {
	mu       sync.Mutex
	tasks    []*task.Task
	grouping []string
	sorting  []string
}

func (s *stubMaster) GetTask(workerID string, capacity int) (*task.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) == 0 {
		return nil, false, nil
	}
	t := s.tasks[0]
	s.tasks = s.tasks[1:]
	return t, false, nil
}

func (s *stubMaster) AddGroupingResults(workerID, taskKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grouping = append(s.grouping, taskKey)
	return nil
}

func (s *stubMaster) AddSortingResults(workerID, taskKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sorting = append(s.sorting, taskKey)
	return nil
}

func (s *stubMaster) Ping(workerID string) error { return nil }

type failingTransport struct{}

func (failingTransport) Send(string) error { return &TransportError{Op: "send", Err: errors.New("link down")} }
func (failingTransport) Fetch(string, string) (string, error) {
	return "", &TransportError{Op: "fetch", Err: errors.New("link down")}
}
func (failingTransport) Close() error { return nil }

func writeShard(t *testing.T, dir string, records ...string) {
	t.Helper()
	data := strings.Join(records, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(dir, "shard"), []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
}

func newTestWorker(t *testing.T, id string, master MasterClient, tr Transport) *Worker {
	t.Helper()
	w, err := NewWorker(WorkerConfig{
		ID:           id,
		TempDir:      t.TempDir(),
		PoolSize:     2,
		PollInterval: 5 * time.Millisecond,
		MaxBackoff:   20 * time.Millisecond,
	}, master, tr)
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func TestGroupingWritesAndShipsFragments(t *testing.T) {
	shared := t.TempDir()
	stub := &stubMaster{}
	w := newTestWorker(t, "w1", stub, &LocalTransport{Dir: shared})
	writeShard(t, w.cfg.TempDir, "banana", "apple", "blueberry", "avocado", "cherry")

	w.execute(task.NewGrouping("w1", "w1", "shard", 1, 3))

	if !reflect.DeepEqual(stub.grouping, []string{"w1"}) {
		t.Fatalf("grouping reports = %v", stub.grouping)
	}
	want := map[string][]string{
		"97_w1": {"apple", "avocado"},
		"98_w1": {"banana", "blueberry"},
		"99_w1": {"cherry"},
	}
	for name, recs := range want {
		got, err := readLines(filepath.Join(shared, name))
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got, recs) {
			t.Errorf("%s = %v, want %v", name, got, recs)
		}
	}
}

func TestGroupingPartitionErrorNotReported(t *testing.T) {
	stub := &stubMaster{}
	w := newTestWorker(t, "w1", stub, &LocalTransport{Dir: t.TempDir()})
	writeShard(t, w.cfg.TempDir, "apple", "ab", "banana")

	w.execute(task.NewGrouping("w1", "w1", "shard", 3, 2))
	if len(stub.grouping) != 0 {
		t.Fatalf("failed grouping reported: %v", stub.grouping)
	}
}

func TestGroupingTransportErrorNotReported(t *testing.T) {
	stub := &stubMaster{}
	w := newTestWorker(t, "w1", stub, failingTransport{})
	writeShard(t, w.cfg.TempDir, "apple")

	w.execute(task.NewGrouping("w1", "w1", "shard", 1, 1))
	if len(stub.grouping) != 0 {
		t.Fatalf("failed grouping reported: %v", stub.grouping)
	}
}

func TestSortingMergesFragments(t *testing.T) {
	shared := t.TempDir()
	if _, err := WriteFragment(shared, "97_w1", []string{"avocado", "apple"}); err != nil {
		t.Fatal(err)
	}
	if _, err := WriteFragment(shared, "97_w2", []string{"apricot"}); err != nil {
		t.Fatal(err)
	}

	stub := &stubMaster{}
	w := newTestWorker(t, "w3", stub, &LocalTransport{Dir: shared})
	w.execute(task.NewSorting(SortedName("a"), "a", []string{"97_w1", "97_w2"}))

	if !reflect.DeepEqual(stub.sorting, []string{"sorted_97"}) {
		t.Fatalf("sorting reports = %v", stub.sorting)
	}
	got, err := readLines(filepath.Join(shared, "sorted_97"))
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"apple", "apricot", "avocado"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("sorted output = %v, want %v", got, want)
	}
	if _, err := os.Stat(filepath.Join(w.cfg.TempDir, "97_w1")); !os.IsNotExist(err) {
		t.Fatalf("fetched fragment left behind: %v", err)
	}
}

func TestSortingMissingFragmentNotReported(t *testing.T) {
	stub := &stubMaster{}
	w := newTestWorker(t, "w1", stub, &LocalTransport{Dir: t.TempDir()})
	w.execute(task.NewSorting(SortedName("a"), "a", []string{"97_gone"}))
	if len(stub.sorting) != 0 {
		t.Fatalf("failed sorting reported: %v", stub.sorting)
	}
}

func TestWorkerLifecycle(t *testing.T) {
	stub := &stubMaster{}
	w := newTestWorker(t, "w1", stub, &LocalTransport{Dir: t.TempDir()})

	// shutdown with nothing launched or in flight
	if err := w.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if err := w.Shutdown(); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if err := w.Launch(); !errors.Is(err, ErrWorkerClosed) {
		t.Fatalf("Launch after Shutdown = %v", err)
	}
	select {
	case <-w.Closed():
	default:
		t.Fatal("Closed not signalled")
	}
}

func TestShutdownRemovesOwnFiles(t *testing.T) {
	shared := t.TempDir()
	stub := &stubMaster{}
	w := newTestWorker(t, "w1", stub, &LocalTransport{Dir: shared})
	writeShard(t, w.cfg.TempDir, "apple", "banana")
	stub.tasks = []*task.Task{task.NewGrouping("w1", "w1", "shard", 1, 1)}

	if err := w.Launch(); err != nil {
		t.Fatal(err)
	}
	if err := w.Launch(); err != nil {
		t.Fatalf("second Launch: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		stub.mu.Lock()
		n := len(stub.grouping)
		stub.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("grouping never reported")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := w.Shutdown(); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(w.cfg.TempDir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if !reflect.DeepEqual(names, []string{"shard"}) {
		t.Fatalf("temp dir after shutdown = %v, want only the shard", names)
	}
}

func TestEndToEnd(t *testing.T) {
	shared := t.TempDir()
	shards := map[string][]string{
		"w1": {"banana", "apple"},
		"w2": {"cherry", "avocado"},
	}

	var workers []*Worker
	cfg := MasterConfig{PrefixLength: 1, ShardSplit: 2, TempDir: shared}
	var masterClient RPCMasterClient
	for _, id := range []string{"w1", "w2"} {
		w := newTestWorker(t, id, &masterClient, &LocalTransport{Dir: shared})
		writeShard(t, w.cfg.TempDir, shards[id]...)
		l, err := w.Listen("127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { l.Close() })
		workers = append(workers, w)
		cfg.Workers = append(cfg.Workers, WorkerSpec{ID: id, Addr: l.Addr().String(), ShardFile: "shard"})
	}

	m, err := MakeMaster(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	addr, err := m.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	masterClient.Addr = addr.String()
	if err := masterClient.Ping("w1"); err != nil {
		t.Fatal(err)
	}

	if err := m.LaunchWorkers(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := m.Wait(ctx); err != nil {
		t.Fatalf("job not done: %v (progress %+v)", err, m.Progress())
	}

	var buckets []string
	for _, b := range m.Buckets() {
		buckets = append(buckets, b.Key)
	}
	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(buckets, want) {
		t.Fatalf("buckets = %v, want %v", buckets, want)
	}
	got, err := readLines(filepath.Join(shared, SortedName("a")))
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"apple", "avocado"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("bucket a = %v, want %v", got, want)
	}

	out := filepath.Join(t.TempDir(), "result")
	if err := m.Assemble(out); err != nil {
		t.Fatal(err)
	}
	all, err := readLines(out)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"apple", "avocado", "banana", "cherry"}; !reflect.DeepEqual(all, want) {
		t.Fatalf("assembled = %v, want %v", all, want)
	}

	if err := m.ShutdownWorkers(); err != nil {
		t.Fatal(err)
	}
	for _, w := range workers {
		<-w.Closed()
	}
}

func TestGroupingRunsInlineWhenPoolFull(t *testing.T) {
	shared := t.TempDir()
	stub := &stubMaster{}
	w := newTestWorker(t, "w1", stub, &LocalTransport{Dir: shared})
	writeShard(t, w.cfg.TempDir, "banana", "apple", "blueberry", "avocado", "cherry")

	// every slot taken, as if other tasks were running
	if !w.pool.TryAcquire(int64(w.cfg.PoolSize)) {
		t.Fatal("pool not empty")
	}
	defer w.pool.Release(int64(w.cfg.PoolSize))

	w.execute(task.NewGrouping("w1", "w1", "shard", 1, 4))
	if !reflect.DeepEqual(stub.grouping, []string{"w1"}) {
		t.Fatalf("grouping reports = %v", stub.grouping)
	}
	got, err := readLines(filepath.Join(shared, "97_w1"))
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"apple", "avocado"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("bucket a = %v, want %v", got, want)
	}
}

func TestClaim(t *testing.T) {
	w := newTestWorker(t, "w1", &stubMaster{}, &LocalTransport{Dir: t.TempDir()})
	if !w.claim("w1") {
		t.Fatal("first claim refused")
	}
	if w.claim("w1") {
		t.Fatal("second claim granted while running")
	}
	w.unclaim("w1")
	if !w.claim("w1") {
		t.Fatal("claim refused after unclaim")
	}
}

// gatedTransport blocks every Send until release is closed.
type gatedTransport struct {
	LocalTransport
	started chan string
	release chan struct{}
}

func (g *gatedTransport) Send(localPath string) error {
	g.started <- localPath
	<-g.release
	return g.LocalTransport.Send(localPath)
}

func TestDuplicateTaskSkippedWhileRunning(t *testing.T) {
	tr := &gatedTransport{
		LocalTransport: LocalTransport{Dir: t.TempDir()},
		started:        make(chan string, 4),
		release:        make(chan struct{}),
	}
	g := task.NewGrouping("w1", "w1", "shard", 1, 1)
	stub := &stubMaster{tasks: []*task.Task{g, g}}
	w := newTestWorker(t, "w1", stub, tr)
	writeShard(t, w.cfg.TempDir, "apple")

	if err := w.Launch(); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		stub.mu.Lock()
		n := len(stub.tasks)
		stub.mu.Unlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("tasks never polled")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(tr.started); n != 1 {
		t.Fatalf("%d copies of the task sending, want 1", n)
	}

	close(tr.release)
	if err := w.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(stub.grouping, []string{"w1"}) {
		t.Fatalf("grouping reports = %v", stub.grouping)
	}
}
