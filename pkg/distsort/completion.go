package distsort

// CompletionRecord counts confirmations per task key for one task kind.
// Counts never exceed the expected value for their key.
type CompletionRecord struct {
	expected map[string]int
	counts   map[string]int
}

func newCompletionRecord() *CompletionRecord {
	return &CompletionRecord{
		expected: make(map[string]int),
		counts:   make(map[string]int),
	}
}

// Expect registers a key needing n confirmations. Records never shrink, so
// registering a known key again is a no-op.
func (c *CompletionRecord) Expect(key string, n int) {
	if _, ok := c.expected[key]; ok {
		return
	}
	c.expected[key] = n
	c.counts[key] = 0
}

// Add counts one confirmation. Unknown keys and keys already done are
// ignored and return false.
func (c *CompletionRecord) Add(key string) bool {
	want, ok := c.expected[key]
	if !ok || c.counts[key] >= want {
		return false
	}
	c.counts[key]++
	return true
}

func (c *CompletionRecord) Count(key string) int {
	return c.counts[key]
}

// Done reports whether every registered key reached its expected count. An
// empty record is done.
func (c *CompletionRecord) Done() bool {
	for key, want := range c.expected {
		if c.counts[key] < want {
			return false
		}
	}
	return true
}

// Progress returns the number of finished keys and the number registered.
func (c *CompletionRecord) Progress() (done, total int) {
	for key, want := range c.expected {
		if c.counts[key] >= want {
			done++
		}
	}
	return done, len(c.expected)
}

func (c *CompletionRecord) keys() map[string]bool {
	out := make(map[string]bool, len(c.expected))
	for key := range c.expected {
		out[key] = true
	}
	return out
}
