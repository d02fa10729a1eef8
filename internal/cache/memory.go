package cache

import (
	"container/list"
	"time"
)

// MemoryCache implements the in-memory tier with LRU eviction, bounded by
// entry count rather than bytes: decoded orchestral samples are roughly
// uniform in size and the limit callers reason about is "how many samples
// stay hot".
type MemoryCache struct {
	capacity int

	items    map[int64]*list.Element
	eviction *list.List // front = most recently used

	hits      int64
	misses    int64
	evictions int64
}

// NewMemoryCache creates a memory tier holding at most capacity entries.
func NewMemoryCache(capacity int) *MemoryCache {
	if capacity < 1 {
		capacity = 1
	}
	return &MemoryCache{
		capacity: capacity,
		items:    make(map[int64]*list.Element),
		eviction: list.New(),
	}
}

// Get retrieves an entry, refreshing its LRU position and access counters.
func (c *MemoryCache) Get(id int64) (*Entry, bool) {
	elem, ok := c.items[id]
	if !ok {
		c.misses++
		return nil, false
	}

	c.eviction.MoveToFront(elem)
	entry := elem.Value.(*Entry)
	entry.AccessCount++
	entry.LastAccessedAt = time.Now()

	c.hits++
	return entry, true
}

// Peek returns an entry without touching LRU order or counters.
func (c *MemoryCache) Peek(id int64) (*Entry, bool) {
	elem, ok := c.items[id]
	if !ok {
		return nil, false
	}
	return elem.Value.(*Entry), true
}

// Put inserts an entry, evicting from the least-recently-used end until the
// tier is under capacity. Returns the ids evicted to make room.
func (c *MemoryCache) Put(entry *Entry) []int64 {
	if elem, ok := c.items[entry.ID]; ok {
		// Replace in place, refresh recency.
		c.eviction.MoveToFront(elem)
		elem.Value = entry
		return nil
	}

	var evicted []int64
	for len(c.items) >= c.capacity {
		id, ok := c.evictOldest()
		if !ok {
			break
		}
		evicted = append(evicted, id)
	}

	elem := c.eviction.PushFront(entry)
	c.items[entry.ID] = elem
	return evicted
}

// Remove deletes a single entry. Reports whether it was present.
func (c *MemoryCache) Remove(id int64) bool {
	elem, ok := c.items[id]
	if !ok {
		return false
	}
	c.removeElement(elem)
	return true
}

// Clear wipes the tier and resets counters.
func (c *MemoryCache) Clear() {
	c.items = make(map[int64]*list.Element)
	c.eviction.Init()
	c.hits = 0
	c.misses = 0
	c.evictions = 0
}

// Len returns the number of cached entries.
func (c *MemoryCache) Len() int {
	return len(c.items)
}

// Bytes returns the approximate sample payload held in memory.
func (c *MemoryCache) Bytes() int64 {
	var total int64
	for elem := c.eviction.Front(); elem != nil; elem = elem.Next() {
		total += elem.Value.(*Entry).Audio.SizeBytes()
	}
	return total
}

// Counters returns hit/miss/eviction totals for this tier.
func (c *MemoryCache) Counters() (hits, misses, evictions int64) {
	return c.hits, c.misses, c.evictions
}

// Keys returns cached ids ordered most-recently-used first.
func (c *MemoryCache) Keys() []int64 {
	keys := make([]int64, 0, len(c.items))
	for elem := c.eviction.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*Entry).ID)
	}
	return keys
}

func (c *MemoryCache) evictOldest() (int64, bool) {
	elem := c.eviction.Back()
	if elem == nil {
		return 0, false
	}
	id := elem.Value.(*Entry).ID
	c.removeElement(elem)
	c.evictions++
	return id, true
}

func (c *MemoryCache) removeElement(elem *list.Element) {
	c.eviction.Remove(elem)
	entry := elem.Value.(*Entry)
	delete(c.items, entry.ID)
}
