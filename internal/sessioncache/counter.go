package sessioncache

import "sync/atomic"

// counter is a small process-local hit/miss tally. It is intentionally not
// shared across workers — a per-process atomic is the simplest correct
// choice when counters only need to increment, not stay globally
// consistent.
type counter struct {
	n atomic.Int64
}

func (c *counter) inc() {
	c.n.Add(1)
}

func (c *counter) value() int64 {
	return c.n.Load()
}
