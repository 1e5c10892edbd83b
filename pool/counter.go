package pool

import (
	"sync"
	"sync/atomic"
)

// SharedCounter counts connections created by every pool it is given to
// and refuses to go above its ceiling. Sibling pools wait on Freed to learn
// that capacity was returned by one of them.
type SharedCounter struct {
	ceiling int64
	count   atomic.Int64

	mu    sync.Mutex
	freed chan struct{}
}

func NewSharedCounter(ceiling int) *SharedCounter {
	if ceiling < 1 {
		ceiling = 1
	}
	return &SharedCounter{ceiling: int64(ceiling), freed: make(chan struct{})}
}

// TryAcquire takes one unit of capacity if the ceiling allows it.
func (c *SharedCounter) TryAcquire() bool {
	for {
		n := c.count.Load()
		if n >= c.ceiling {
			return false
		}
		if c.count.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release returns one unit and wakes everyone waiting on Freed.
func (c *SharedCounter) Release() {
	if c.count.Add(-1) < 0 {
		panic("pool: shared counter released more than acquired")
	}
	c.notify()
}

// notify wakes everyone waiting on Freed without returning capacity.
func (c *SharedCounter) notify() {
	c.mu.Lock()
	close(c.freed)
	c.freed = make(chan struct{})
	c.mu.Unlock()
}

// Freed returns a channel closed by the next Release. Fetch it before
// TryAcquire so a release in between is not missed.
func (c *SharedCounter) Freed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.freed
}

func (c *SharedCounter) Count() int {
	return int(c.count.Load())
}

func (c *SharedCounter) Ceiling() int {
	return int(c.ceiling)
}
