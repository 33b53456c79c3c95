package mappingstore

import (
	"container/list"
	"sync"
	"time"

	"encore.app/pkg/utils"
)

// MappingEntry is one cached routing mapping: the deployment that owns the
// namespace slice under a parent directory path.
type MappingEntry struct {
	ParentPath string    `json:"parent_path"`
	Deployment int       `json:"deployment"`
	CachedAt   time.Time `json:"cached_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Source     string    `json:"source"` // "l1", "store", "hint"
}

type lruEntry struct {
	path       string
	deployment int
	cachedAt   time.Time
	expiresAt  time.Time
	element    *list.Element // pointer to list element for O(1) removal
}

// L1Cache is the in-memory front of the mapping store: LRU-bounded with TTL
// expiry, because a mapping is only a hint — an expired entry just sends the
// next lookup to the durable store (or leaves the client to hash cold).
//
// Trade-offs:
// - RWMutex over sync.Map for control over eviction and TTL; sync.Map lacks
//   the ordered iteration LRU needs.
// - Global lock on write is fine at routing-lookup rates; shard if a future
//   workload pushes past ~100K ops/sec.
type L1Cache struct {
	mu         sync.RWMutex
	cache      map[string]*lruEntry
	lruList    *list.List
	maxEntries int
}

// NewL1Cache creates a cache bounded at maxEntries mappings.
func NewL1Cache(maxEntries int) *L1Cache {
	return &L1Cache{
		cache:      make(map[string]*lruEntry, maxEntries),
		lruList:    list.New(),
		maxEntries: maxEntries,
	}
}

// Get returns the mapping for parentPath, updating LRU order. Expired
// entries read as misses and are dropped lazily.
func (c *L1Cache) Get(parentPath string) (*MappingEntry, bool) {
	c.mu.RLock()
	entry, exists := c.cache[parentPath]
	c.mu.RUnlock()

	if !exists {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		c.deleteLocked(parentPath)
		c.mu.Unlock()
		return nil, false
	}

	c.mu.Lock()
	c.lruList.MoveToFront(entry.element)
	c.mu.Unlock()

	return &MappingEntry{
		ParentPath: parentPath,
		Deployment: entry.deployment,
		CachedAt:   entry.cachedAt,
		ExpiresAt:  entry.expiresAt,
		Source:     "l1",
	}, true
}

// Set stores a mapping with TTL, evicting the LRU entry at capacity.
func (c *L1Cache) Set(parentPath string, deployment int, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	expiresAt := now.Add(ttl)

	if entry, exists := c.cache[parentPath]; exists {
		entry.deployment = deployment
		entry.cachedAt = now
		entry.expiresAt = expiresAt
		c.lruList.MoveToFront(entry.element)
		return
	}

	if c.lruList.Len() >= c.maxEntries {
		c.evictLRULocked()
	}

	entry := &lruEntry{
		path:       parentPath,
		deployment: deployment,
		cachedAt:   now,
		expiresAt:  expiresAt,
	}
	entry.element = c.lruList.PushFront(entry)
	c.cache[parentPath] = entry
}

// Delete removes a mapping. Returns true if it existed.
func (c *L1Cache) Delete(parentPath string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleteLocked(parentPath)
}

func (c *L1Cache) deleteLocked(parentPath string) bool {
	entry, exists := c.cache[parentPath]
	if !exists {
		return false
	}
	c.lruList.Remove(entry.element)
	delete(c.cache, parentPath)
	return true
}

// DeletePrefix removes every mapping whose parent path starts with prefix;
// used when a subtree is renamed or deleted and its routing goes stale.
func (c *L1Cache) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var toDelete []string
	for path := range c.cache {
		if utils.PrefixMatch(prefix, path) {
			toDelete = append(toDelete, path)
		}
	}

	count := 0
	for _, path := range toDelete {
		if c.deleteLocked(path) {
			count++
		}
	}
	return count
}

// CleanupExpired removes all expired entries and returns how many.
func (c *L1Cache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var expired []string
	for path, entry := range c.cache {
		if now.After(entry.expiresAt) {
			expired = append(expired, path)
		}
	}

	count := 0
	for _, path := range expired {
		if c.deleteLocked(path) {
			count++
		}
	}
	return count
}

// evictLRULocked removes the least recently used entry. Caller holds mu.
func (c *L1Cache) evictLRULocked() {
	oldest := c.lruList.Back()
	if oldest != nil {
		entry := oldest.Value.(*lruEntry)
		c.lruList.Remove(oldest)
		delete(c.cache, entry.path)
	}
}

// Size returns the current number of cached mappings.
func (c *L1Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

// Clear removes all entries.
func (c *L1Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*lruEntry, c.maxEntries)
	c.lruList = list.New()
}
