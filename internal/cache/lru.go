package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/docindex/internal/resource"
	"github.com/hupe1980/docindex/model"
)

// LRUBlockCache is a byte bounded LRU cache. Entries are also indexed by
// segment so that a released segment drops its entries without a scan.
type LRUBlockCache struct {
	mu        sync.Mutex
	capacity  int64
	size      int64
	lru       *list.List // front is most recent
	items     map[CacheKey]*list.Element
	bySegment map[model.SegmentID]map[CacheKey]struct{}
	quota     *resource.BlockQuota

	hits   atomic.Int64
	misses atomic.Int64
}

type entry struct {
	key   CacheKey
	value []byte
}

// NewLRUBlockCache creates a cache holding at most capacity bytes. Cached
// bytes are charged to quota when it is not nil.
func NewLRUBlockCache(capacity int64, quota *resource.BlockQuota) *LRUBlockCache {
	return &LRUBlockCache{
		capacity:  capacity,
		lru:       list.New(),
		items:     make(map[CacheKey]*list.Element),
		bySegment: make(map[model.SegmentID]map[CacheKey]struct{}),
		quota:     quota,
	}
}

func (c *LRUBlockCache) Get(_ context.Context, key CacheKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	c.lru.MoveToFront(el)
	return el.Value.(*entry).value, true
}

// Set caches b under key. Blocks larger than the capacity are dropped.
func (c *LRUBlockCache) Set(_ context.Context, key CacheKey, b []byte) {
	n := int64(len(b))
	if n > c.capacity {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.remove(el)
	}
	c.evictTo(c.capacity - n)

	c.items[key] = c.lru.PushFront(&entry{key: key, value: b})
	if key.Kind == CacheKindDoc {
		keys := c.bySegment[key.Segment]
		if keys == nil {
			keys = make(map[CacheKey]struct{})
			c.bySegment[key.Segment] = keys
		}
		keys[key] = struct{}{}
	}
	c.size += n
	if c.quota != nil {
		c.quota.Allocate(n)
	}
}

// Invalidate removes the entries matching pred.
func (c *LRUBlockCache) Invalidate(pred func(key CacheKey) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, el := range c.items {
		if pred(key) {
			c.remove(el)
		}
	}
}

// InvalidateSegment removes the document entries of segment id.
func (c *LRUBlockCache) InvalidateSegment(id model.SegmentID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.bySegment[id] {
		c.remove(c.items[key])
	}
}

// ShrinkTo evicts least recently used entries until at most target bytes
// remain and returns unused quota blocks.
func (c *LRUBlockCache) ShrinkTo(target int64) {
	c.mu.Lock()
	c.evictTo(target)
	c.mu.Unlock()
	if c.quota != nil {
		c.quota.ShrinkToFit()
	}
}

// Purge drops every entry.
func (c *LRUBlockCache) Purge() { c.ShrinkTo(0) }

func (c *LRUBlockCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Size returns the cached bytes.
func (c *LRUBlockCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *LRUBlockCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *LRUBlockCache) evictTo(target int64) {
	for c.size > target {
		el := c.lru.Back()
		if el == nil {
			return
		}
		c.remove(el)
	}
}

func (c *LRUBlockCache) remove(el *list.Element) {
	e := c.lru.Remove(el).(*entry)
	delete(c.items, e.key)
	if keys, ok := c.bySegment[e.key.Segment]; ok {
		delete(keys, e.key)
		if len(keys) == 0 {
			delete(c.bySegment, e.key.Segment)
		}
	}
	n := int64(len(e.value))
	c.size -= n
	if c.quota != nil {
		c.quota.Free(n)
	}
}
