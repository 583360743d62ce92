package distsort

import (
	"errors"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type SFTPConfig struct {
	Host     string // host:port of the master's SSH server
	User     string
	Password string

	// KnownHosts is a known_hosts file to verify the master against. Empty
	// skips host key checking.
	KnownHosts string

	// RemoteDir is the master's shared temp area.
	RemoteDir string
	Timeout   time.Duration
}

// SFTPTransport ships files to the master over one SSH session.
type SFTPTransport struct {
	dir    string
	conn   *ssh.Client
	client *sftp.Client
}

func DialSFTP(cfg SFTPConfig) (*SFTPTransport, error) {
	hostKey := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHosts != "" {
		cb, err := knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, err
		}
		hostKey = cb
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	start := time.Now()
	conn, err := ssh.Dial("tcp", cfg.Host, &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.Password(cfg.Password)},
		HostKeyCallback: hostKey,
		Timeout:         cfg.Timeout,
	})
	if err != nil {
		return nil, &TransportError{Op: "ssh dial", Path: cfg.Host, Err: err}
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, &TransportError{Op: "sftp session", Path: cfg.Host, Err: err}
	}
	log.Printf("sftp: connected to %s@%s (%v)", cfg.User, cfg.Host, time.Since(start))
	return &SFTPTransport{dir: cfg.RemoteDir, conn: conn, client: client}, nil
}

func (t *SFTPTransport) Send(localPath string) error {
	if err := t.put(localPath); err != nil {
		return &TransportError{Op: "send", Path: localPath, Err: err}
	}
	return nil
}

func (t *SFTPTransport) put(localPath string) error {
	in, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer in.Close()

	dst := path.Join(t.dir, filepath.Base(localPath))
	tmp := partName(dst)
	out, err := t.client.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		t.client.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		t.client.Remove(tmp)
		return err
	}
	if err := t.client.PosixRename(tmp, dst); err != nil {
		// servers without the posix-rename extension refuse to overwrite
		var status *sftp.StatusError
		if !errors.As(err, &status) {
			t.client.Remove(tmp)
			return err
		}
		t.client.Remove(dst)
		if err := t.client.Rename(tmp, dst); err != nil {
			t.client.Remove(tmp)
			return err
		}
	}
	return nil
}

func (t *SFTPTransport) Fetch(name, localDir string) (string, error) {
	src := path.Join(t.dir, name)
	in, err := t.client.Open(src)
	if err != nil {
		return "", &TransportError{Op: "fetch", Path: src, Err: err}
	}
	defer in.Close()

	dst := filepath.Join(localDir, name)
	if err := writeAtomic(dst, in); err != nil {
		return "", &TransportError{Op: "fetch", Path: src, Err: err}
	}
	return dst, nil
}

func (t *SFTPTransport) Close() error {
	return errors.Join(t.client.Close(), t.conn.Close())
}
