// Package build compiles templates into payloads and writes module and
// bundle artifacts.
package build

import (
	"bytes"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/conneroisu/hyte/internal/mustache"
)

// ProgramCache caches compiled programs keyed by a hash of their source,
// with LRU eviction and TTL. A hit also requires the stored source to match.
type ProgramCache struct {
	hash        func([]byte) uint64
	entries     map[uint64]*cacheEntry
	byPath      map[string]uint64
	mutex       sync.Mutex
	maxSize     int64
	currentSize int64
	ttl         time.Duration
	// LRU list with sentinel head and tail
	head *cacheEntry
	tail *cacheEntry

	hits      int64
	misses    int64
	evictions int64
}

type cacheEntry struct {
	key       uint64
	path      string
	source    []byte
	program   *mustache.Program
	payload   []byte
	createdAt time.Time
	size      int64

	prev *cacheEntry
	next *cacheEntry
}

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Entries   int     `json:"entries"`
	Size      int64   `json:"size"`
	MaxSize   int64   `json:"max_size"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

// NewProgramCache creates a cache bounded by maxSize payload bytes. A zero
// ttl keeps entries until evicted.
func NewProgramCache(maxSize int64, ttl time.Duration) *ProgramCache {
	c := &ProgramCache{
		hash:    Key,
		entries: make(map[uint64]*cacheEntry),
		byPath:  make(map[string]uint64),
		maxSize: maxSize,
		ttl:     ttl,
		head:    &cacheEntry{},
		tail:    &cacheEntry{},
	}
	c.head.next = c.tail
	c.tail.prev = c.head

	return c
}

// Key hashes template source.
func Key(content []byte) uint64 {
	return xxhash.Sum64(content)
}

// Get returns the program and payload compiled from content.
func (c *ProgramCache) Get(content []byte) (*mustache.Program, []byte, bool) {
	if c == nil {
		return nil, nil, false
	}
	key := c.hash(content)

	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, ok := c.entries[key]
	if !ok || !bytes.Equal(entry.source, content) {
		atomic.AddInt64(&c.misses, 1)
		return nil, nil, false
	}
	if c.ttl > 0 && time.Since(entry.createdAt) > c.ttl {
		c.remove(entry)
		atomic.AddInt64(&c.misses, 1)
		return nil, nil, false
	}

	c.moveToFront(entry)
	atomic.AddInt64(&c.hits, 1)

	return entry.program, entry.payload, true
}

// Set records the compiled form of content read from path.
func (c *ProgramCache) Set(path string, content []byte, program *mustache.Program, payload []byte) {
	if c == nil {
		return
	}
	key := c.hash(content)
	size := int64(len(payload))
	source := bytes.Clone(content)

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if old, ok := c.byPath[path]; ok && old != key {
		if entry, exists := c.entries[old]; exists {
			c.remove(entry)
		}
	}

	if entry, ok := c.entries[key]; ok {
		c.currentSize += size - entry.size
		if entry.path != path && c.byPath[entry.path] == key {
			delete(c.byPath, entry.path)
		}
		entry.program, entry.payload, entry.size = program, payload, size
		entry.source = source
		entry.path = path
		entry.createdAt = time.Now()
		c.byPath[path] = key
		c.moveToFront(entry)
		return
	}

	c.evictIfNeeded(size)

	entry := &cacheEntry{
		key:       key,
		path:      path,
		source:    source,
		program:   program,
		payload:   payload,
		createdAt: time.Now(),
		size:      size,
	}
	c.entries[key] = entry
	c.byPath[path] = key
	c.currentSize += size
	c.addToFront(entry)
}

// Invalidate drops whatever was cached for path.
func (c *ProgramCache) Invalidate(path string) {
	if c == nil {
		return
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()

	key, ok := c.byPath[path]
	if !ok {
		return
	}
	if entry, exists := c.entries[key]; exists {
		c.remove(entry)
	}
	delete(c.byPath, path)
}

// Clear drops all entries and resets counters.
func (c *ProgramCache) Clear() {
	if c == nil {
		return
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.entries = make(map[uint64]*cacheEntry)
	c.byPath = make(map[string]uint64)
	c.currentSize = 0
	c.head.next = c.tail
	c.tail.prev = c.head

	atomic.StoreInt64(&c.hits, 0)
	atomic.StoreInt64(&c.misses, 0)
	atomic.StoreInt64(&c.evictions, 0)
}

// Stats returns current counters.
func (c *ProgramCache) Stats() CacheStats {
	if c == nil {
		return CacheStats{}
	}
	c.mutex.Lock()
	entries, size := len(c.entries), c.currentSize
	c.mutex.Unlock()

	hits := atomic.LoadInt64(&c.hits)
	misses := atomic.LoadInt64(&c.misses)
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}

	return CacheStats{
		Entries:   entries,
		Size:      size,
		MaxSize:   c.maxSize,
		Hits:      hits,
		Misses:    misses,
		Evictions: atomic.LoadInt64(&c.evictions),
		HitRate:   rate,
	}
}

func (c *ProgramCache) evictIfNeeded(newSize int64) {
	for c.currentSize+newSize > c.maxSize && c.tail.prev != c.head {
		c.remove(c.tail.prev)
		atomic.AddInt64(&c.evictions, 1)
	}
}

// remove unlinks entry; callers hold the mutex.
func (c *ProgramCache) remove(entry *cacheEntry) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
	delete(c.entries, entry.key)
	if c.byPath[entry.path] == entry.key {
		delete(c.byPath, entry.path)
	}
	c.currentSize -= entry.size
}

func (c *ProgramCache) addToFront(entry *cacheEntry) {
	entry.prev = c.head
	entry.next = c.head.next
	c.head.next.prev = entry
	c.head.next = entry
}

func (c *ProgramCache) moveToFront(entry *cacheEntry) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
	c.addToFront(entry)
}
