package pool

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Group keeps one Pool per key, all sharing one counter. When the ceiling
// is reached and a pool has nothing idle, the Group closes the least
// recently used idle connection of another pool so the slot can move.
type Group[T any] struct {
	counter *SharedCounter
	factory func(key string) (T, error)
	cfg     Config[T]

	mu    sync.Mutex
	pools map[string]*Pool[T]

	stop     chan struct{}
	stopOnce sync.Once
}

// NewGroup builds pools lazily; cfg is copied into each with Name set to
// the key. A positive cfg.IdleTimeout starts the maintenance loop, which
// runs until Close.
func NewGroup[T any](counter *SharedCounter, factory func(key string) (T, error), cfg Config[T]) *Group[T] {
	g := &Group[T]{
		counter: counter,
		factory: factory,
		cfg:     cfg,
		pools:   make(map[string]*Pool[T]),
		stop:    make(chan struct{}),
	}
	if cfg.IdleTimeout > 0 {
		go g.maintain(maintenanceInterval(cfg.IdleTimeout))
	}
	return g
}

func maintenanceInterval(idle time.Duration) time.Duration {
	interval := idle / 2
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}

func (g *Group[T]) Get(key string) *Pool[T] {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.pools[key]; ok {
		return p
	}
	cfg := g.cfg
	cfg.Name = key
	p := New(g.counter, func() (T, error) { return g.factory(key) }, cfg)
	p.evict = g.evictFor
	g.pools[key] = p
	return p
}

func (g *Group[T]) Counter() *SharedCounter {
	return g.counter
}

// evictFor closes the least recently used idle connection held by a pool
// other than requester. It reports false when no sibling has one.
func (g *Group[T]) evictFor(requester *Pool[T]) bool {
	for {
		var victim *Pool[T]
		var oldest time.Time
		for _, p := range g.snapshot() {
			if p == requester {
				continue
			}
			if at, ok := p.oldestIdle(); ok && (victim == nil || at.Before(oldest)) {
				victim, oldest = p, at
			}
		}
		if victim == nil {
			return false
		}
		// the victim may have reused it meanwhile; look again
		if victim.dropOldest() {
			log.Debug().Str("from", victim.cfg.Name).Str("for", requester.cfg.Name).Msg("ConnectionPool: evicted idle connection at ceiling")
			return true
		}
	}
}

func (g *Group[T]) snapshot() []*Pool[T] {
	g.mu.Lock()
	defer g.mu.Unlock()
	pools := make([]*Pool[T], 0, len(g.pools))
	for _, p := range g.pools {
		pools = append(pools, p)
	}
	return pools
}

func (g *Group[T]) maintain(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.reap(time.Now())
		case <-g.stop:
			return
		}
	}
}

// reap closes connections that have been idle for longer than
// IdleTimeout as of now.
func (g *Group[T]) reap(now time.Time) int {
	cutoff := now.Add(-g.cfg.IdleTimeout)
	total := 0
	for _, p := range g.snapshot() {
		total += p.reap(cutoff)
	}
	if total > 0 {
		log.Debug().Int("closed", total).Msg("ConnectionPool: reaped idle connections")
	}
	return total
}

func (g *Group[T]) Close() {
	g.stopOnce.Do(func() { close(g.stop) })
	g.mu.Lock()
	pools := g.pools
	g.pools = make(map[string]*Pool[T])
	g.mu.Unlock()
	for _, p := range pools {
		p.Close()
	}
}
