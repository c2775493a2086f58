// Package cache provides the two-tier registry metadata cache: an LRU in
// memory in front of JSON documents on disk, both expiring by age.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// AnyAge disables the age check on lookup; offline installs use it to
// accept stale metadata rather than fail.
const AnyAge time.Duration = -1

type memEntry struct {
	key      string
	value    []byte
	storedAt time.Time
}

// MemoryCache is an LRU cache whose entries expire by age.
type MemoryCache struct {
	maxEntries int
	maxSize    int64
	now        func() time.Time

	mu        sync.Mutex
	entries   map[string]*list.Element
	lru       *list.List // front is most recently used
	totalSize int64
}

// NewMemoryCache creates a new LRU memory cache bounded by entry count and
// total bytes.
func NewMemoryCache(maxEntries int, maxSize int64) *MemoryCache {
	return &MemoryCache{
		maxEntries: maxEntries,
		maxSize:    maxSize,
		now:        time.Now,
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
	}
}

// Get returns the value for key when it is younger than maxAge.
// Pass AnyAge to skip the age check.
func (mc *MemoryCache) Get(key string, maxAge time.Duration) ([]byte, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	elem, ok := mc.entries[key]
	if !ok {
		return nil, false
	}
	ent := elem.Value.(*memEntry)
	if maxAge >= 0 && mc.now().Sub(ent.storedAt) >= maxAge {
		return nil, false
	}

	mc.lru.MoveToFront(elem)
	return ent.value, true
}

// Set adds or replaces a value. Callers must not mutate value afterwards.
func (mc *MemoryCache) Set(key string, value []byte) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if elem, ok := mc.entries[key]; ok {
		ent := elem.Value.(*memEntry)
		mc.totalSize += int64(len(value) - len(ent.value))
		ent.value = value
		ent.storedAt = mc.now()
		mc.lru.MoveToFront(elem)
	} else {
		ent := &memEntry{key: key, value: value, storedAt: mc.now()}
		mc.entries[key] = mc.lru.PushFront(ent)
		mc.totalSize += int64(len(value))
	}

	for mc.lru.Len() > 0 && (mc.lru.Len() > mc.maxEntries || mc.totalSize > mc.maxSize) {
		mc.remove(mc.lru.Back())
	}
}

// Delete removes a key from the cache.
func (mc *MemoryCache) Delete(key string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if elem, ok := mc.entries[key]; ok {
		mc.remove(elem)
	}
}

// Len returns the number of entries.
func (mc *MemoryCache) Len() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.lru.Len()
}

// Size returns the total size of cached values in bytes.
func (mc *MemoryCache) Size() int64 {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.totalSize
}

func (mc *MemoryCache) remove(elem *list.Element) {
	ent := elem.Value.(*memEntry)
	delete(mc.entries, ent.key)
	mc.lru.Remove(elem)
	mc.totalSize -= int64(len(ent.value))
}
