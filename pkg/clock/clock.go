// Package clock implements the Lamport logical clock every node uses to
// stamp replicated mutations.
package clock

import "sync"

// Clock is a persisted, strictly monotonic Lamport counter. It is safe for
// concurrent use, though in the single-threaded-per-node model only one
// coroutine ever calls it at a time.
type Clock struct {
	mu      sync.Mutex
	counter uint64
	persist func(uint64)
}

// New creates a Clock seeded at initial, calling persist after every
// advance so the counter survives restarts. persist may be nil.
func New(initial uint64, persist func(uint64)) *Clock {
	return &Clock{counter: initial, persist: persist}
}

// Tick advances the counter by one and returns the new value.
func (c *Clock) Tick() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	c.save()
	return c.counter
}

// Witness folds a remote timestamp into the local counter: the counter
// becomes max(local, remote)+1. Used whenever a gossip message arrives
// carrying a peer's Lamport timestamp.
func (c *Clock) Witness(remote uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if remote > c.counter {
		c.counter = remote
	}
	c.counter++
	c.save()
	return c.counter
}

// Current returns the counter without advancing it.
func (c *Clock) Current() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter
}

func (c *Clock) save() {
	if c.persist != nil {
		c.persist(c.counter)
	}
}
