package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// MemoryCache is an in-process LRU of embeddings keyed by text
type MemoryCache struct {
	capacity int
	ttl      time.Duration
	now      func() time.Time

	mu     sync.Mutex
	items  map[string]*list.Element
	lru    *list.List
	hits   int64
	misses int64
}

type memoryEntry struct {
	key       string
	value     []float32
	expiresAt time.Time
}

// NewMemoryCache creates an LRU holding at most capacity entries. A zero ttl
// keeps entries until evicted.
func NewMemoryCache(capacity int, ttl time.Duration) *MemoryCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemoryCache{
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
		items:    make(map[string]*list.Element),
		lru:      list.New(),
	}
}

func (c *MemoryCache) GetMany(_ context.Context, texts []string) ([][]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([][]float32, len(texts))
	now := c.now()
	for i, text := range texts {
		elem, ok := c.items[text]
		if !ok {
			c.misses++
			continue
		}
		entry := elem.Value.(*memoryEntry)
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			c.lru.Remove(elem)
			delete(c.items, text)
			c.misses++
			continue
		}
		c.lru.MoveToFront(elem)
		c.hits++
		out[i] = entry.value
	}
	return out, nil
}

// SetMany stores embeddings, evicting the least recently used entries past capacity.
func (c *MemoryCache) SetMany(_ context.Context, texts []string, embeddings [][]float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = c.now().Add(c.ttl)
	}

	for i, text := range texts {
		if i >= len(embeddings) {
			break
		}
		if elem, ok := c.items[text]; ok {
			entry := elem.Value.(*memoryEntry)
			entry.value = embeddings[i]
			entry.expiresAt = expiresAt
			c.lru.MoveToFront(elem)
			continue
		}

		c.items[text] = c.lru.PushFront(&memoryEntry{key: text, value: embeddings[i], expiresAt: expiresAt})
		for c.lru.Len() > c.capacity {
			oldest := c.lru.Back()
			c.lru.Remove(oldest)
			delete(c.items, oldest.Value.(*memoryEntry).key)
		}
	}
	return nil
}

func (c *MemoryCache) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.lru.Init()
	return nil
}

func (c *MemoryCache) Stats(_ context.Context) (*CacheStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &CacheStats{
		Type:      TypeMemory,
		Hits:      c.hits,
		Misses:    c.misses,
		HitRate:   hitRate(c.hits, c.misses),
		TotalKeys: int64(c.lru.Len()),
	}, nil
}

func (c *MemoryCache) Close() error {
	return nil
}

// Len returns the number of cached entries
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
