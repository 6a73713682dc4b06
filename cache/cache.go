// ABOUTME: TTL cache for tool call results keyed by tool name and argument hash.
// ABOUTME: Opt-in per tool; evicts expired entries first, then the oldest insertion.

// Package cache provides an in-memory result cache for tool calls.
//
// The cache is disabled until explicitly enabled, and a tool's results
// are only cached once a TTL has been registered for it. Keys combine
// the tool name with a DJB2 hash of the serialized arguments, so
// identical calls hit and any argument change misses.
package cache

import (
	"container/list"
	"strconv"
	"sync"
	"time"
)

// DefaultMaxEntries bounds the cache when no capacity is configured.
const DefaultMaxEntries = 32

// Config controls cache behavior.
type Config struct {
	// MaxEntries caps stored results. Zero means DefaultMaxEntries.
	MaxEntries int

	// Enabled turns the cache on at construction. It can also be
	// toggled later with Enable and Disable.
	Enabled bool
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Enabled    bool    `json:"enabled"`
	Entries    int     `json:"entries"`
	MaxEntries int     `json:"maxEntries"`
	Hits       uint64  `json:"hits"`
	Misses     uint64  `json:"misses"`
	HitRate    float64 `json:"hitRate"`
	ToolCount  int     `json:"toolCount"`
}

type entry struct {
	key      string
	result   []byte
	cachedAt time.Time
	ttl      time.Duration
}

// Cache stores tool results with per-tool TTLs.
type Cache struct {
	mu         sync.Mutex
	enabled    bool
	maxEntries int
	entries    map[string]*list.Element
	order      *list.List // front = oldest insertion
	ttls       map[string]time.Duration
	hits       uint64
	misses     uint64

	now func() time.Time
}

// New creates a cache with the given configuration.
func New(cfg Config) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	return &Cache{
		enabled:    cfg.Enabled,
		maxEntries: cfg.MaxEntries,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		ttls:       make(map[string]time.Duration),
		now:        time.Now,
	}
}

// Enable turns caching on.
func (c *Cache) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = true
}

// Disable turns caching off. Stored entries are kept but neither
// served nor added until re-enabled.
func (c *Cache) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = false
}

// Enabled reports whether the cache is active.
func (c *Cache) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// SetToolTTL registers how long results for a tool stay fresh. A zero
// or negative TTL removes the registration, making the tool uncached.
func (c *Cache) SetToolTTL(tool string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ttl <= 0 {
		delete(c.ttls, tool)
		return
	}
	c.ttls[tool] = ttl
}

// ToolTTL returns the registered TTL for a tool, or zero if the tool
// is uncached.
func (c *Cache) ToolTTL(tool string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttls[tool]
}

// Key builds the cache key for a tool call: the tool name joined with
// a DJB2 hash of the serialized arguments.
func Key(tool string, args []byte) string {
	return tool + ":" + strconv.FormatUint(uint64(djb2(args)), 10)
}

func djb2(data []byte) uint32 {
	var h uint32 = 5381
	for _, c := range data {
		h = h*33 + uint32(c)
	}
	return h
}

// Get returns the cached result for a call, if present and fresh.
// Expired entries are dropped on access. Lookups never happen while
// the cache is disabled.
func (c *Cache) Get(tool string, args []byte) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return nil, false
	}
	key := Key(tool, args)
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if !c.fresh(e) {
		c.removeLocked(el)
		return nil, false
	}
	c.hits++
	return e.result, true
}

// Put stores a result for a call. It is a no-op while the cache is
// disabled or when the tool has no TTL registered. A successful store
// counts as the miss that caused it.
func (c *Cache) Put(tool string, args, result []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	ttl := c.ttls[tool]
	if ttl <= 0 {
		return
	}
	key := Key(tool, args)
	if el, ok := c.entries[key]; ok {
		e := el.Value.(*entry)
		e.result = result
		e.cachedAt = c.now()
		e.ttl = ttl
		c.order.MoveToBack(el)
		c.misses++
		return
	}
	if len(c.entries) >= c.maxEntries {
		c.evictExpiredLocked()
		if len(c.entries) >= c.maxEntries {
			c.evictOldestLocked()
		}
	}
	e := &entry{key: key, result: result, cachedAt: c.now(), ttl: ttl}
	c.entries[key] = c.order.PushBack(e)
	c.misses++
}

// Invalidate drops every cached result for a tool.
func (c *Cache) Invalidate(tool string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := tool + ":"
	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if len(e.key) > len(prefix) && e.key[:len(prefix)] == prefix {
			c.removeLocked(el)
			removed++
		}
		el = next
	}
	return removed
}

// Clear drops all entries and resets hit and miss counters. TTL
// registrations survive.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.hits = 0
	c.misses = 0
}

// Len returns the number of stored entries, including any that have
// expired but not yet been evicted.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats snapshots cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Enabled:    c.enabled,
		Entries:    len(c.entries),
		MaxEntries: c.maxEntries,
		Hits:       c.hits,
		Misses:     c.misses,
		ToolCount:  len(c.ttls),
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

func (c *Cache) fresh(e *entry) bool {
	return e.ttl > 0 && c.now().Sub(e.cachedAt) < e.ttl
}

func (c *Cache) evictExpiredLocked() {
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if !c.fresh(el.Value.(*entry)) {
			c.removeLocked(el)
		}
		el = next
	}
}

func (c *Cache) evictOldestLocked() {
	if el := c.order.Front(); el != nil {
		c.removeLocked(el)
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	delete(c.entries, e.key)
	c.order.Remove(el)
}
