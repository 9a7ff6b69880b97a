// Circuit cache: live circuits keyed by isolation key, bounded with
// insertion-order LRU eviction and retired on age or request count.
package circuit

import (
	"sync"
	"time"

	"github.com/cmyocyte/tor-wasm/pkg/logger"
)

// Cache retirement defaults.
const (
	DefaultCacheCapacity    = 10
	DefaultCacheMaxAge      = 10 * time.Minute
	DefaultCacheMaxRequests = 100
)

// CacheConfig bounds the circuit cache.
type CacheConfig struct {
	Capacity    int
	MaxAge      time.Duration
	MaxRequests int
}

// DefaultCacheConfig returns the standard cache bounds.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Capacity:    DefaultCacheCapacity,
		MaxAge:      DefaultCacheMaxAge,
		MaxRequests: DefaultCacheMaxRequests,
	}
}

// cacheEntry holds one live circuit and its usage accounting.
type cacheEntry struct {
	circuit   *Circuit
	createdAt time.Time
	requests  int
}

// Cache is the isolation-keyed circuit cache. Entries are retired (and the
// caller must build a replacement) when they age out, exceed their request
// budget, or their circuit leaves the open state.
type Cache struct {
	cfg    CacheConfig
	logger *logger.Logger

	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   []string // insertion order, oldest first
}

// NewCache creates a circuit cache.
func NewCache(cfg CacheConfig, log *logger.Logger) *Cache {
	if log == nil {
		log = logger.NewDefault()
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCacheCapacity
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultCacheMaxAge
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = DefaultCacheMaxRequests
	}
	return &Cache{
		cfg:     cfg,
		logger:  log.Component("circuit-cache"),
		entries: make(map[string]*cacheEntry),
	}
}

// Get returns the live circuit cached under key, counting the request
// against the entry's budget. A retired or missing entry is a miss.
func (c *Cache) Get(key string) (*Circuit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.retiredLocked(entry) {
		c.removeLocked(key)
		return nil, false
	}
	entry.requests++
	return entry.circuit, true
}

// retiredLocked applies the retirement rules.
func (c *Cache) retiredLocked(entry *cacheEntry) bool {
	if entry.circuit.GetState() != StateOpen {
		return true
	}
	if time.Since(entry.createdAt) > c.cfg.MaxAge {
		return true
	}
	return entry.requests >= c.cfg.MaxRequests
}

// Put caches circ under key, evicting the oldest entry if the cache is at
// capacity. The evicted circuit is closed.
func (c *Cache) Put(key string, circ *Circuit) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		old.circuit.SetState(StateClosed)
		c.removeLocked(key)
	}

	for len(c.entries) >= c.cfg.Capacity && len(c.order) > 0 {
		oldest := c.order[0]
		if entry, ok := c.entries[oldest]; ok {
			entry.circuit.SetState(StateClosed)
			c.logger.Debug("Evicting circuit from cache", "key", oldest, "circuit_id", entry.circuit.ID)
		}
		c.removeLocked(oldest)
	}

	circ.SetIsolationKey(key)
	c.entries[key] = &cacheEntry{circuit: circ, createdAt: time.Now()}
	c.order = append(c.order, key)
}

// Invalidate removes and closes the entry under key, if any.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		entry.circuit.SetState(StateClosed)
		c.removeLocked(key)
	}
}

// Clear removes and closes every entry, e.g. on an isolation policy change.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entry := range c.entries {
		entry.circuit.SetState(StateClosed)
	}
	c.entries = make(map[string]*cacheEntry)
	c.order = nil
}

// Len returns the number of cached circuits.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) removeLocked(key string) {
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
