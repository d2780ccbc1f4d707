package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// MemoryTier is the in-process tier: a bounded LRU with read-time expiry.
type MemoryTier struct {
	mu       sync.Mutex
	capacity int
	maxTTL   time.Duration
	entries  map[string]*list.Element
	lru      *list.List
	now      func() time.Time

	hits   int64
	misses int64
}

type memoryEntry struct {
	key   string
	entry Entry
}

// NewMemoryTier creates an LRU tier holding at most capacity entries.
// maxTTL caps the effective TTL of stored entries; zero leaves TTLs as-is.
func NewMemoryTier(capacity int, maxTTL time.Duration) *MemoryTier {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryTier{
		capacity: capacity,
		maxTTL:   maxTTL,
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
		now:      time.Now,
	}
}

func (t *MemoryTier) Name() string { return "memory" }

func (t *MemoryTier) Get(ctx context.Context, key string) (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	elem, ok := t.entries[key]
	if !ok {
		t.misses++
		return nil, ErrMiss
	}

	me := elem.Value.(*memoryEntry)
	if me.entry.Expired(t.now()) {
		t.lru.Remove(elem)
		delete(t.entries, key)
		t.misses++
		return nil, ErrMiss
	}

	t.lru.MoveToFront(elem)
	t.hits++
	e := me.entry
	return &e, nil
}

func (t *MemoryTier) Set(ctx context.Context, e *Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	stored := *e
	stored.TTL = capTTL(e.TTL, t.maxTTL)

	if elem, ok := t.entries[e.Key]; ok {
		t.lru.MoveToFront(elem)
		elem.Value.(*memoryEntry).entry = stored
		return nil
	}

	elem := t.lru.PushFront(&memoryEntry{key: e.Key, entry: stored})
	t.entries[e.Key] = elem

	if t.lru.Len() > t.capacity {
		t.evict()
	}
	return nil
}

// evict removes the least recently used entry.
func (t *MemoryTier) evict() {
	elem := t.lru.Back()
	if elem != nil {
		t.lru.Remove(elem)
		delete(t.entries, elem.Value.(*memoryEntry).key)
	}
}

func (t *MemoryTier) Delete(ctx context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if elem, ok := t.entries[key]; ok {
		t.lru.Remove(elem)
		delete(t.entries, key)
	}
	return nil
}

// Len reports the current number of entries.
func (t *MemoryTier) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lru.Len()
}

// Stats returns hit/miss counters and the hit rate.
func (t *MemoryTier) Stats() (hits, misses int64, hitRate float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	hits = t.hits
	misses = t.misses
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return
}

// capTTL bounds ttl by cap; zero cap means unbounded, zero ttl means
// no expiry and is only tightened when the tier enforces a cap.
func capTTL(ttl, tierCap time.Duration) time.Duration {
	if tierCap <= 0 {
		return ttl
	}
	if ttl <= 0 || ttl > tierCap {
		return tierCap
	}
	return ttl
}
