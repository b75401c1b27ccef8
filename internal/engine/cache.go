package engine

import (
	"container/list"
	"sync"

	"github.com/rendis/statum/pkg/schema"
)

// DefaultCacheSize is the number of instances kept in memory.
const DefaultCacheSize = 1024

// instanceCache is a bounded LRU of committed instances. It stores and
// returns clones, so entries are never shared with callers.
type instanceCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	items    map[string]*list.Element
}

func newInstanceCache(capacity int) *instanceCache {
	return &instanceCache{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

func (c *instanceCache) get(id string) (*schema.Instance, bool) {
	if c.capacity <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[id]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*schema.Instance).Clone(), true
}

func (c *instanceCache) put(inst *schema.Instance) {
	if c.capacity <= 0 {
		return
	}
	cp := inst.Clone()
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[cp.ID]; ok {
		el.Value = cp
		c.order.MoveToFront(el)
		return
	}
	c.items[cp.ID] = c.order.PushFront(cp)
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*schema.Instance).ID)
	}
}

func (c *instanceCache) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[id]; ok {
		c.order.Remove(el)
		delete(c.items, id)
	}
}

func (c *instanceCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
