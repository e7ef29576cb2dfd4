package historytree

import (
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/statehist/internal/metrics"
)

// nodeCache is a fixed-capacity ring of sealed nodes. When full, the oldest
// entry is overwritten. Concurrent misses on the same node share one read.
type nodeCache struct {
	mu       sync.RWMutex
	slots    []*node
	index    map[int32]int // seq -> slot
	head     int           // next slot to write
	capacity int

	group   singleflight.Group
	metrics *metrics.Metrics

	// Statistics
	hits   atomic.Int64
	misses atomic.Int64
}

func newNodeCache(capacity int, m *metrics.Metrics) *nodeCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &nodeCache{
		slots:    make([]*node, capacity),
		index:    make(map[int32]int, capacity),
		capacity: capacity,
		metrics:  m,
	}
}

// get returns a cached node.
func (c *nodeCache) get(seq int32) (*node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	slot, ok := c.index[seq]
	if !ok {
		return nil, false
	}
	return c.slots[slot], true
}

// put adds a sealed node, overwriting the oldest if full.
func (c *nodeCache) put(n *node) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if slot, ok := c.index[n.seq]; ok {
		c.slots[slot] = n
		return
	}
	if old := c.slots[c.head]; old != nil {
		delete(c.index, old.seq)
	}
	c.slots[c.head] = n
	c.index[n.seq] = c.head
	c.head = (c.head + 1) % c.capacity
}

// load returns the node from the cache or reads it with read.
func (c *nodeCache) load(seq int32, read func(int32) (*node, error)) (*node, error) {
	if n, ok := c.get(seq); ok {
		c.hits.Add(1)
		c.metrics.CacheLookup(true)
		return n, nil
	}
	c.misses.Add(1)
	c.metrics.CacheLookup(false)

	v, err, _ := c.group.Do(strconv.Itoa(int(seq)), func() (any, error) {
		if n, ok := c.get(seq); ok {
			return n, nil
		}
		n, err := read(seq)
		if err != nil {
			return nil, err
		}
		c.put(n)
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*node), nil
}

// Len returns the number of cached nodes.
func (c *nodeCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.index)
}

// clear drops every node.
func (c *nodeCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.slots {
		c.slots[i] = nil
	}
	c.index = make(map[int32]int, c.capacity)
	c.head = 0
}

// stats returns hit and miss counts.
func (c *nodeCache) stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
