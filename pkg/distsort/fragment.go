package distsort

import (
	"os"
	"sort"
	"strconv"
	"strings"
)

const (
	fragmentSep  = "_"
	byteSep      = "."
	sortedPrefix = "sorted" + fragmentSep
)

// encodeKey writes each byte of a bucket key as its decimal value, joined
// by dots. The result never contains fragmentSep.
func encodeKey(bucketKey string) string {
	parts := make([]string, len(bucketKey))
	for i := 0; i < len(bucketKey); i++ {
		parts[i] = strconv.Itoa(int(bucketKey[i]))
	}
	return strings.Join(parts, byteSep)
}

func decodeKey(encoded string) (string, bool) {
	if encoded == "" {
		return "", false
	}
	parts := strings.Split(encoded, byteSep)
	b := make([]byte, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 || strconv.Itoa(n) != p {
			return "", false
		}
		b[i] = byte(n)
	}
	return string(b), true
}

// FragmentName names one grouping task's contribution to one bucket.
func FragmentName(bucketKey, groupingTaskKey string) string {
	return encodeKey(bucketKey) + fragmentSep + groupingTaskKey
}

// ParseFragmentName is the inverse of FragmentName.
func ParseFragmentName(name string) (bucketKey, groupingTaskKey string, ok bool) {
	enc, taskKey, found := strings.Cut(name, fragmentSep)
	if !found || taskKey == "" {
		return "", "", false
	}
	bucketKey, ok = decodeKey(enc)
	if !ok {
		return "", "", false
	}
	return bucketKey, taskKey, true
}

// SortedName is the output file name, and task key, of a bucket's
// sorting task.
func SortedName(bucketKey string) string {
	return sortedPrefix + encodeKey(bucketKey)
}

// Bucket is one bucket key and the fragments that make it up.
type Bucket struct {
	Key       string
	Fragments []string
}

// scanBuckets lists dir and groups fragments written by the given grouping
// tasks by bucket key. Buckets come back in ascending key order.
func scanBuckets(dir string, groupingKeys map[string]bool) ([]Bucket, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string][]string)
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		bucketKey, taskKey, ok := ParseFragmentName(e.Name())
		if !ok || !groupingKeys[taskKey] {
			continue
		}
		byKey[bucketKey] = append(byKey[bucketKey], e.Name())
	}

	buckets := make([]Bucket, 0, len(byKey))
	for k, frags := range byKey {
		sort.Strings(frags)
		buckets = append(buckets, Bucket{Key: k, Fragments: frags})
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Key < buckets[j].Key })
	return buckets, nil
}
