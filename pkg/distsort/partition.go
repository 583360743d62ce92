package distsort

import (
	"bufio"
	"os"
	"path/filepath"
)

// Partition groups records by their first prefixLength bytes, keeping input
// order inside each bucket.
func Partition(records []string, prefixLength int) (map[string][]string, error) {
	if prefixLength < 1 {
		return nil, &PartitionError{PrefixLength: prefixLength}
	}
	buckets := make(map[string][]string)
	for _, r := range records {
		if len(r) < prefixLength {
			return nil, &PartitionError{Record: r, PrefixLength: prefixLength}
		}
		key := r[:prefixLength]
		buckets[key] = append(buckets[key], r)
	}
	return buckets, nil
}

// splitRange cuts records into n contiguous sub-ranges of near-equal size.
func splitRange(records []string, n int) [][]string {
	if n < 1 {
		n = 1
	}
	if n > len(records) {
		n = len(records)
	}
	if n == 0 {
		return nil
	}
	out := make([][]string, 0, n)
	size, rem := len(records)/n, len(records)%n
	start := 0
	for i := 0; i < n; i++ {
		end := start + size
		if i < rem {
			end++
		}
		out = append(out, records[start:end])
		start = end
	}
	return out
}

// WriteFragment writes records, one per line, to dir/name. A stale file of
// the same name is removed first; fragments are never appended to.
func WriteFragment(dir, name string, records []string) (string, error) {
	path := filepath.Join(dir, name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return "", &FileConflictError{Path: path, Err: err}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", &FileConflictError{Path: path, Err: err}
	}
	w := bufio.NewWriter(f)
	for _, r := range records {
		w.WriteString(r)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return path, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}
