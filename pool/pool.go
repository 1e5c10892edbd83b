// Package pool keeps reusable outbound connections per destination. All
// pools built on one SharedCounter together never hold more connections
// than its ceiling.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mastodon/mastodon-sub071/metrics"
)

// Factory creates a new connection value.
type Factory[T any] func() (T, error)

type Config[T any] struct {
	// Name labels logs and metrics, usually the destination host.
	Name string
	// MaxIdle caps idle connections kept by this pool; extra ones are
	// closed on release. Zero means no cap besides the shared ceiling.
	MaxIdle int
	// IdleTimeout is how long a connection may sit idle before a Group's
	// maintenance loop closes it. Zero disables reaping.
	IdleTimeout time.Duration
	// Close tears down a connection leaving the pool. Optional.
	Close   func(T)
	Metrics *metrics.Metrics
}

// Conn is a checked out connection. It belongs to the caller until it is
// passed to Release or Discard.
type Conn[T any] struct {
	Value     T
	CreatedAt time.Time

	pool     *Pool[T]
	inUse    bool
	lastUsed time.Time
}

type Pool[T any] struct {
	counter *SharedCounter
	factory Factory[T]
	cfg     Config[T]

	mu         sync.Mutex
	idle       []*Conn[T]
	checkedOut int
	waiters    []chan struct{}
	closed     bool

	// evict is set by a Group. It frees one slot of the shared ceiling by
	// closing an idle connection of another pool.
	evict func(*Pool[T]) bool
}

func New[T any](counter *SharedCounter, factory Factory[T], cfg Config[T]) *Pool[T] {
	return &Pool[T]{counter: counter, factory: factory, cfg: cfg}
}

// Checkout returns an idle connection, creates one if the shared ceiling
// allows it, or waits up to timeout for either to become possible. A zero
// timeout never waits.
func (p *Pool[T]) Checkout(timeout time.Duration) (*Conn[T], error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return p.CheckoutContext(ctx)
}

// CheckoutContext is Checkout bounded by ctx. An expired deadline gives a
// *TimeoutError; cancellation gives ctx.Err().
func (p *Pool[T]) CheckoutContext(ctx context.Context) (*Conn[T], error) {
	start := time.Now()
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}

		if n := len(p.idle); n > 0 {
			conn := p.idle[n-1]
			p.idle = p.idle[:n-1]
			conn.inUse = true
			p.checkedOut++
			p.mu.Unlock()
			p.observe("reused", start)
			return conn, nil
		}

		freed := p.counter.Freed()
		if p.counter.TryAcquire() {
			p.checkedOut++
			p.mu.Unlock()
			return p.create(start)
		}
		if evict := p.evict; evict != nil {
			p.mu.Unlock()
			if evict(p) {
				continue
			}
			p.mu.Lock()
			if p.closed || len(p.idle) > 0 {
				p.mu.Unlock()
				continue
			}
		}

		wake := make(chan struct{}, 1)
		p.waiters = append(p.waiters, wake)
		p.mu.Unlock()

		select {
		case <-wake:
		case <-freed:
			p.removeWaiter(wake, false)
		case <-ctx.Done():
			p.removeWaiter(wake, true)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				p.observe("timeout", start)
				return nil, &TimeoutError{Pool: p.cfg.Name, Waited: time.Since(start)}
			}
			return nil, ctx.Err()
		}
	}
}

func (p *Pool[T]) create(start time.Time) (*Conn[T], error) {
	value, err := p.factory()
	if err != nil {
		p.mu.Lock()
		p.checkedOut--
		p.mu.Unlock()
		p.counter.Release()
		p.observe("error", start)
		return nil, fmt.Errorf("pool %s: create connection: %w", p.cfg.Name, err)
	}
	p.observe("created", start)
	return &Conn[T]{Value: value, CreatedAt: time.Now(), pool: p, inUse: true}, nil
}

// removeWaiter drops wake from the queue. If a release already signalled
// it and passOn is set, the signal goes to the next waiter instead.
func (p *Pool[T]) removeWaiter(wake chan struct{}, passOn bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == wake {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
	select {
	case <-wake:
		if passOn {
			p.signalLocked()
		}
	default:
	}
}

func (p *Pool[T]) signalLocked() {
	if len(p.waiters) == 0 {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	w <- struct{}{}
}

func (p *Pool[T]) checkIn(conn *Conn[T]) error {
	if conn == nil || conn.pool != p || !conn.inUse {
		return ErrNotCheckedOut
	}
	conn.inUse = false
	p.checkedOut--
	return nil
}

// Release returns conn to the idle queue and wakes one waiter. Past
// MaxIdle, or after Close, the connection is destroyed instead.
func (p *Pool[T]) Release(conn *Conn[T]) error {
	p.mu.Lock()
	if err := p.checkIn(conn); err != nil {
		p.mu.Unlock()
		return err
	}
	if p.closed || (p.cfg.MaxIdle > 0 && len(p.idle) >= p.cfg.MaxIdle) {
		p.mu.Unlock()
		p.destroy(conn)
		return nil
	}
	conn.lastUsed = time.Now()
	p.idle = append(p.idle, conn)
	p.signalLocked()
	shared := p.evict != nil
	p.mu.Unlock()
	if shared {
		// waiters in sibling pools may now take this connection's slot
		p.counter.notify()
	}
	p.report()
	return nil
}

// oldestIdle reports when the least recently used idle connection was
// released. Idle connections are kept in release order.
func (p *Pool[T]) oldestIdle() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) == 0 {
		return time.Time{}, false
	}
	return p.idle[0].lastUsed, true
}

// dropOldest closes the least recently used idle connection, returning
// its slot to the shared counter.
func (p *Pool[T]) dropOldest() bool {
	p.mu.Lock()
	if len(p.idle) == 0 {
		p.mu.Unlock()
		return false
	}
	conn := p.idle[0]
	p.idle = p.idle[1:]
	p.mu.Unlock()
	p.destroy(conn)
	return true
}

// reap closes idle connections released before cutoff.
func (p *Pool[T]) reap(cutoff time.Time) int {
	p.mu.Lock()
	n := 0
	for n < len(p.idle) && p.idle[n].lastUsed.Before(cutoff) {
		n++
	}
	stale := p.idle[:n:n]
	p.idle = p.idle[n:]
	p.mu.Unlock()

	for _, conn := range stale {
		p.destroy(conn)
	}
	return n
}

// Discard destroys a broken connection. Its capacity goes back to the
// shared counter, which wakes waiters in every sibling pool.
func (p *Pool[T]) Discard(conn *Conn[T]) error {
	p.mu.Lock()
	if err := p.checkIn(conn); err != nil {
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()
	p.destroy(conn)
	return nil
}

func (p *Pool[T]) destroy(conn *Conn[T]) {
	if p.cfg.Close != nil {
		p.cfg.Close(conn.Value)
	}
	p.counter.Release()
	p.report()
}

// Size is the number of idle connections.
func (p *Pool[T]) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

func (p *Pool[T]) CheckedOut() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checkedOut
}

func (p *Pool[T]) IsEmpty() bool {
	return p.Size() == 0
}

// Close destroys idle connections and fails pending and future checkouts.
// Connections still checked out are destroyed when they come back.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	for len(p.waiters) > 0 {
		p.signalLocked()
	}
	p.mu.Unlock()

	for _, conn := range idle {
		p.destroy(conn)
	}
}

func (p *Pool[T]) observe(result string, start time.Time) {
	p.cfg.Metrics.PoolCheckout(result, time.Since(start).Seconds())
	p.report()
}

func (p *Pool[T]) report() {
	if p.cfg.Metrics == nil {
		return
	}
	p.mu.Lock()
	idle, out := len(p.idle), p.checkedOut
	p.mu.Unlock()
	p.cfg.Metrics.PoolGauges(p.cfg.Name, idle, out, p.counter.Count())
}
