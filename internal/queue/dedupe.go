package queue

import "sync"

// DedupeCache remembers item ids whose results were accepted by the queue.
// A submission first reserves its id; the reservation is either committed
// once the queue confirms it or released so a later attempt can retry.
type DedupeCache struct {
	mu      sync.RWMutex
	ids     map[string]struct{}
	pending map[string]struct{}
}

func NewDedupeCache() *DedupeCache {
	return &DedupeCache{
		ids:     make(map[string]struct{}),
		pending: make(map[string]struct{}),
	}
}

// TryReserve claims id for a submission. It reports false when id was
// already submitted or another submission holds it.
func (c *DedupeCache) TryReserve(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ids[id]; ok {
		return false
	}
	if _, ok := c.pending[id]; ok {
		return false
	}
	c.pending[id] = struct{}{}
	return true
}

// Commit marks a reserved id as submitted.
func (c *DedupeCache) Commit(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.ids[id] = struct{}{}
	c.mu.Unlock()
}

// Release drops a reservation without recording the id.
func (c *DedupeCache) Release(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *DedupeCache) Contains(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.ids[id]
	return ok
}

func (c *DedupeCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ids)
}
