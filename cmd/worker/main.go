package main

import (
	"flag"
	"log"
	"os"
	"time"

	ds "github.com/paulniziolek/distsort/pkg/distsort"
)

func main() {
	id := flag.String("id", "", "worker id, as configured on the master")
	addr := flag.String("addr", ":7001", "control RPC listen address")
	master := flag.String("master", "127.0.0.1:7000", "master RPC address")
	temp := flag.String("temp", "./temp/", "local temp dir holding the shard")
	pool := flag.Int("pool", 4, "tasks run at once")
	poll := flag.Duration("poll", 100*time.Millisecond, "initial poll backoff")
	clearTemp := flag.Bool("clear", false, "remove every regular file in the temp dir on shutdown")

	shared := flag.String("shared", "", "shared temp area on a local or network file system; disables SFTP")
	sshHost := flag.String("ssh", "", "master SSH host:port")
	sshUser := flag.String("user", "", "SSH user")
	knownHosts := flag.String("known-hosts", "", "known_hosts file, empty skips host key checking")
	remoteDir := flag.String("remote-dir", "./temp/", "master's shared temp area")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	if *id == "" {
		host, err := os.Hostname()
		if err != nil {
			log.Fatalf("worker: no -id and no hostname: %v", err)
		}
		*id = host
	}
	ds.Debug = *debug

	var transport ds.Transport
	if *shared != "" {
		transport = &ds.LocalTransport{Dir: *shared}
	} else {
		t, err := ds.DialSFTP(ds.SFTPConfig{
			Host:       *sshHost,
			User:       *sshUser,
			Password:   os.Getenv("DISTSORT_SSH_PASSWORD"),
			KnownHosts: *knownHosts,
			RemoteDir:  *remoteDir,
		})
		if err != nil {
			log.Fatalf("worker: %v", err)
		}
		transport = t
	}

	w, err := ds.NewWorker(ds.WorkerConfig{
		ID:           *id,
		TempDir:      *temp,
		PoolSize:     *pool,
		PollInterval: *poll,
		ClearTempDir: *clearTemp,
	}, &ds.RPCMasterClient{Addr: *master}, transport)
	if err != nil {
		log.Fatalf("worker: %v", err)
	}
	l, err := w.Listen(*addr)
	if err != nil {
		log.Fatalf("worker: listen: %v", err)
	}
	defer l.Close()

	// the master calls Launch, then Shutdown once the job is done
	<-w.Closed()
}
