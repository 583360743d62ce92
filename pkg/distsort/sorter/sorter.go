// Package sorter implements a parallel most-significant-digit radix sort
// over strings, compared byte by byte.
package sorter

import (
	"runtime"
	"sort"
	"sync"
)

const (
	// ranges at or below this size fall back to insertion sort
	insertionThreshold = 32

	// buckets above this size are sorted on their own goroutine when a
	// token is free
	parallelCutoff = 2048

	// one bucket for end-of-string plus one per byte value
	radix = 257

	// past this many levels a range is handed to a comparison sort
	maxDepth = 4096
)

type msd struct {
	aux    []string
	tokens chan struct{}
}

// Sort orders records lexicographically in place and returns the slice.
// Shorter strings sort before longer strings they are a prefix of.
func Sort(records []string) []string {
	if len(records) < 2 {
		return records
	}
	s := &msd{
		aux:    make([]string, len(records)),
		tokens: make(chan struct{}, runtime.GOMAXPROCS(0)),
	}
	s.sort(records, 0, len(records), 0, 0)
	return records
}

// charAt returns the bucket of a string at digit d: 0 once the string has
// ended, otherwise the byte value plus one.
func charAt(s string, d int) int {
	if d < len(s) {
		return int(s[d]) + 1
	}
	return 0
}

// commonPrefix returns the end of the longest prefix shared by every string
// in a, given that they already share their first d bytes.
func commonPrefix(a []string, d int) int {
	end := len(a[0])
	for _, s := range a[1:] {
		if len(s) < end {
			end = len(s)
		}
		k := d
		for k < end && s[k] == a[0][k] {
			k++
		}
		end = k
		if end == d {
			break
		}
	}
	return end
}

func (s *msd) sort(a []string, lo, hi, d, depth int) {
	if hi-lo <= insertionThreshold {
		insertion(a[lo:hi], d)
		return
	}
	if depth >= maxDepth {
		sort.Strings(a[lo:hi])
		return
	}
	// a shared prefix would otherwise cost one level per byte
	d = commonPrefix(a[lo:hi], d)

	var count [radix + 1]int
	for i := lo; i < hi; i++ {
		count[charAt(a[i], d)+1]++
	}
	for r := 0; r < radix; r++ {
		count[r+1] += count[r]
	}
	for i := lo; i < hi; i++ {
		c := charAt(a[i], d)
		s.aux[lo+count[c]] = a[i]
		count[c]++
	}
	copy(a[lo:hi], s.aux[lo:hi])

	// count[r] is now the end of bucket r. Bucket 0 holds strings that
	// ended at d, which are all equal and need no further work.
	var wg sync.WaitGroup
	for r := 1; r < radix; r++ {
		start, end := lo+count[r-1], lo+count[r]
		if end-start < 2 {
			continue
		}
		if end-start > parallelCutoff && s.acquire() {
			wg.Add(1)
			go func(start, end int) {
				defer wg.Done()
				defer s.release()
				s.sort(a, start, end, d+1, depth+1)
			}(start, end)
			continue
		}
		s.sort(a, start, end, d+1, depth+1)
	}
	wg.Wait()
}

func (s *msd) acquire() bool {
	select {
	case s.tokens <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *msd) release() {
	<-s.tokens
}

// insertion sorts a range whose elements share their first d bytes.
func insertion(a []string, d int) {
	for i := 1; i < len(a); i++ {
		for j := i; j > 0 && a[j][d:] < a[j-1][d:]; j-- {
			a[j], a[j-1] = a[j-1], a[j]
		}
	}
}
