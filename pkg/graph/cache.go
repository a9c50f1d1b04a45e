package graph

import (
	"sync"
	"sync/atomic"

	"github.com/rmax-ai/lampchain/pkg/lamp"
)

// Cache holds the latest snapshot. Readers always see a whole snapshot; a
// new one replaces the old by pointer swap.
type Cache struct {
	snap    atomic.Pointer[Snapshot]
	mu      sync.RWMutex
	state   State
	updates chan *Snapshot
}

// NewCache creates an empty, stale cache.
func NewCache() *Cache {
	c := &Cache{
		state:   StateStale,
		updates: make(chan *Snapshot, 1),
	}
	c.snap.Store(&Snapshot{Lamps: []lamp.Lamp{}, Edges: []lamp.Edge{}})
	return c
}

// Snapshot returns the current snapshot. It is never nil.
func (c *Cache) Snapshot() *Snapshot {
	return c.snap.Load()
}

// State returns Stale or Fresh.
func (c *Cache) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Updates delivers new snapshots to a single consumer. Only the newest
// undelivered snapshot is kept.
func (c *Cache) Updates() <-chan *Snapshot {
	return c.updates
}

func (c *Cache) markStale() {
	c.mu.Lock()
	c.state = StateStale
	c.mu.Unlock()
}

func (c *Cache) publish(s *Snapshot, fresh bool) {
	c.snap.Store(s)

	c.mu.Lock()
	if fresh {
		c.state = StateFresh
	} else {
		c.state = StateStale
	}
	c.mu.Unlock()

	// latest wins
	select {
	case <-c.updates:
	default:
	}
	select {
	case c.updates <- s:
	default:
	}
}
