// Package counter provides in-memory accumulators that periodically fold
// their deltas into the counts table.
package counter

import (
	"context"
	"sync/atomic"

	"github.com/char/at-backshots/internal/db"
)

// Monotonic is an audit counter: adds are lock-free and Flush drains the
// accumulated delta into the relational store. A crash between flushes
// loses at most the unflushed delta; the persisted value never decreases.
type Monotonic struct {
	key  string
	incr atomic.Uint64
}

// NewMonotonic creates a counter bound to the named counts row.
func NewMonotonic(key string) *Monotonic {
	return &Monotonic{key: key}
}

// Add accumulates n into the pending delta.
func (c *Monotonic) Add(n uint64) {
	c.incr.Add(n)
}

// Pending returns the delta not yet flushed.
func (c *Monotonic) Pending() uint64 {
	return c.incr.Load()
}

// Flush folds the pending delta into the store. On failure the delta is
// restored so a later flush retries it.
func (c *Monotonic) Flush(ctx context.Context, database *db.DB) error {
	delta := c.incr.Swap(0)
	if delta == 0 {
		return nil
	}
	if err := database.AddCount(ctx, c.key, int64(delta)); err != nil {
		c.incr.Add(delta)
		return err
	}
	return nil
}
