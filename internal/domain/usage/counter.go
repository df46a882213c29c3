package usage

import "time"

type seenKey struct {
	result    ReportResult
	expiresAt time.Time
}

// CounterState is the in-memory view of one customer's usage of one
// feature, owned by a single writer. It is not safe for concurrent use.
type CounterState struct {
	CustomerID  string
	FeatureSlug string
	Accumulated float64
	Initialized bool

	window time.Duration
	seen   map[string]seenKey
}

// NewCounterState creates a counter that remembers idempotence keys for window
func NewCounterState(customerID, featureSlug string, window time.Duration) *CounterState {
	return &CounterState{
		CustomerID:  customerID,
		FeatureSlug: featureSlug,
		window:      window,
		seen:        make(map[string]seenKey),
	}
}

// Seed sets the accumulated usage from a persisted snapshot the first time
// the counter is used.
func (c *CounterState) Seed(usage float64) {
	if c.Initialized {
		return
	}
	c.Accumulated = usage
	c.Initialized = true
}

// Lookup returns the stored result for key if it is still in the window
func (c *CounterState) Lookup(key string, now time.Time) (ReportResult, bool) {
	s, ok := c.seen[key]
	if !ok {
		return ReportResult{}, false
	}
	if !now.Before(s.expiresAt) {
		delete(c.seen, key)
		return ReportResult{}, false
	}
	return s.result, true
}

// Remember stores result for key until now+window
func (c *CounterState) Remember(key string, result ReportResult, now time.Time) {
	c.seen[key] = seenKey{result: result, expiresAt: now.Add(c.window)}
}

// Apply adds delta to the accumulated usage
func (c *CounterState) Apply(delta float64) {
	c.Accumulated += delta
}

// Prune drops expired keys and returns how many were removed
func (c *CounterState) Prune(now time.Time) int {
	n := 0
	for k, s := range c.seen {
		if !now.Before(s.expiresAt) {
			delete(c.seen, k)
			n++
		}
	}
	return n
}

// SeenCount returns the number of remembered keys
func (c *CounterState) SeenCount() int {
	return len(c.seen)
}

// Reset drops the accumulated usage so the next Seed reloads it from a
// snapshot. Remembered keys survive a reset.
func (c *CounterState) Reset() {
	c.Accumulated = 0
	c.Initialized = false
}
