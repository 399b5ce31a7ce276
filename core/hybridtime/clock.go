package hybridtime

import (
	"sync"
	"time"
)

// Clock is a hybrid logical clock. Now never goes backwards, and Update
// folds timestamps observed from remote nodes into the local history so that
// causally later reads get later timestamps.
type Clock struct {
	mu sync.Mutex
	// last is the highest timestamp ever returned or observed.
	last HybridTime

	// wallMicros is replaceable for tests.
	wallMicros func() uint64
}

// NewClock creates a Clock backed by the system wall clock.
func NewClock() *Clock {
	return &Clock{wallMicros: func() uint64 { return uint64(time.Now().UnixMicro()) }}
}

// NewClockAt creates a Clock whose physical source is the given function.
// Used by tests to run on a manual timeline.
func NewClockAt(wallMicros func() uint64) *Clock {
	return &Clock{wallMicros: wallMicros}
}

// Now returns a timestamp greater than every timestamp previously returned
// by Now or passed to Update.
func (c *Clock) Now() HybridTime {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := FromMicros(c.wallMicros())
	if now > c.last {
		c.last = now
	} else {
		c.last = c.last.Increment()
	}
	return c.last
}

// Update advances the clock past a timestamp observed on another node. An
// invalid timestamp is a no-op, so response propagation can be fed in
// unconditionally.
func (c *Clock) Update(ht HybridTime) {
	if !ht.Valid() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ht > c.last {
		c.last = ht
	}
}

// Last returns the highest timestamp seen so far without advancing.
func (c *Clock) Last() HybridTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
