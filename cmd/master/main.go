package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	ds "github.com/paulniziolek/distsort/pkg/distsort"
)

// workerFlags collects repeated -worker id,addr,shardfile values.
type workerFlags []ds.WorkerSpec

func (w *workerFlags) String() string {
	return fmt.Sprint(*w)
}

func (w *workerFlags) Set(v string) error {
	parts := strings.Split(v, ",")
	if len(parts) != 3 {
		return fmt.Errorf("want id,addr,shardfile, got %q", v)
	}
	*w = append(*w, ds.WorkerSpec{ID: parts[0], Addr: parts[1], ShardFile: parts[2]})
	return nil
}

func main() {
	var workers workerFlags
	flag.Var(&workers, "worker", "worker as id,addr,shardfile (repeatable)")
	addr := flag.String("addr", ":7000", "RPC listen address")
	temp := flag.String("temp", "./temp/", "shared temp area")
	prefix := flag.Int("prefix", 1, "bucket key prefix length")
	split := flag.Int("split", 4, "sub-ranges per shard")
	lease := flag.Duration("lease", 10*time.Minute, "task lease, 0 disables requeueing")
	out := flag.String("out", "", "assemble the sorted buckets into this file")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	if len(workers) == 0 {
		fmt.Fprintf(os.Stderr, "Usage: master -worker id,addr,shardfile [-worker ...]\n")
		os.Exit(1)
	}
	ds.Debug = *debug

	m, err := ds.MakeMaster(ds.MasterConfig{
		Workers:      workers,
		PrefixLength: *prefix,
		ShardSplit:   *split,
		TempDir:      *temp,
		LeaseTimeout: *lease,
	})
	if err != nil {
		log.Fatalf("master: %v", err)
	}
	if _, err := m.Listen(*addr); err != nil {
		log.Fatalf("master: listen: %v", err)
	}
	log.Printf("Sorting has started.")
	if err := m.LaunchWorkers(); err != nil {
		log.Printf("master: %v", err)
	}

	last := m.Progress()
	for m.Done() == false {
		time.Sleep(time.Second)
		if p := m.Progress(); p != last {
			log.Printf("master: %s grouping %d/%d sorting %d/%d", p.Phase,
				p.GroupingDone, p.GroupingTotal, p.SortingDone, p.SortingTotal)
			last = p
		}
	}

	if *out != "" {
		if err := m.Assemble(*out); err != nil {
			log.Fatalf("master: assemble: %v", err)
		}
		log.Printf("master: wrote %s", *out)
	}
	if err := m.ShutdownWorkers(); err != nil {
		log.Printf("master: %v", err)
	}
	m.Close()
}
