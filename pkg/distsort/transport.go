package distsort

import (
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Transport moves files between a worker's temp dir and the master's shared
// temp area. A file arrives complete or not at all.
type Transport interface {
	// Send copies localPath into the shared area under its base name.
	Send(localPath string) error
	// Fetch copies the shared file name into localDir and returns its path.
	Fetch(name, localDir string) (string, error)
	Close() error
}

// LocalTransport treats a directory on the local file system as the shared
// area.
type LocalTransport struct {
	Dir string
}

func (t *LocalTransport) Send(localPath string) error {
	dst := filepath.Join(t.Dir, filepath.Base(localPath))
	if err := copyAtomic(localPath, dst); err != nil {
		return &TransportError{Op: "send", Path: localPath, Err: err}
	}
	return nil
}

func (t *LocalTransport) Fetch(name, localDir string) (string, error) {
	src := filepath.Join(t.Dir, name)
	dst := filepath.Join(localDir, name)
	if err := copyAtomic(src, dst); err != nil {
		return "", &TransportError{Op: "fetch", Path: src, Err: err}
	}
	return dst, nil
}

func (t *LocalTransport) Close() error { return nil }

// copyAtomic writes src to a uniquely named temp file next to dst and
// renames it into place.
func copyAtomic(src, dst string) error {
	if sameFile(src, dst) {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	return writeAtomic(dst, in)
}

func writeAtomic(dst string, r io.Reader) error {
	tmp := partName(dst)
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func partName(path string) string {
	return path + "." + uuid.NewString() + ".part"
}

func sameFile(a, b string) bool {
	sa, err := os.Stat(a)
	if err != nil {
		return false
	}
	sb, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(sa, sb)
}
