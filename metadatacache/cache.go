// Package metadatacache implements the Metadata Cache: a function-local,
// write-authoritative cache of inode, ACL, and encryption-zone records with
// three synchronized lookup indices and prefix-based invalidation.
//
// Design Philosophy (container/list + map under a single sync.RWMutex,
// global lock on write):
//   - One owner per server instance; no cross-instance locking. Writers
//     outside the instance never mutate it directly — cross-instance
//     invalidation arrives only as events (see invalidate.go).
//   - Size-bounded LRU eviction over one list shared by the three indices,
//     no TTL: a pure size bound keeps
//     the three indices and their dependent caches trivially in sync
//     (evicting purely by time would need a second sweep independent of
//     the indices' own LRU order).
//   - Eviction from the primary index cascades to both secondary indices
//     and to the dependent ACL/encryption-zone caches in one critical
//     section per key, per the cyclic-index design note: the three indices
//     reference a single inodeEntry by pointer rather than three
//     independent copies, so cascade is pointer-identity cheap.
package metadatacache

import (
	"container/list"
	"sync"

	"encore.app/pkg/models"
	"encore.app/pkg/utils"
)

// DefaultMaxInodes is the default bound on the primary index size.
const DefaultMaxInodes = 10000

type parentNameKey struct {
	ParentID int64
	Name     string
}

type inodeEntry struct {
	inode   *models.Inode
	element *list.Element // position in the shared LRU list, keyed by inode ID
}

// Config bounds the size of each index. ACL and encryption-zone caches are
// dependent on the primary index and therefore share its bound implicitly —
// they can never hold more distinct inode IDs than the primary index does.
type Config struct {
	MaxInodes int
}

// DefaultConfig returns the package's zero-config default.
func DefaultConfig() Config {
	return Config{MaxInodes: DefaultMaxInodes}
}

// Cache is the three-index Metadata Cache for one server instance.
type Cache struct {
	mu sync.RWMutex

	maxInodes int
	lruList   *list.List // front = most recently used

	byID         map[int64]*inodeEntry
	byPath       map[string]*inodeEntry
	byParentName map[parentNameKey]*inodeEntry

	acl map[int64][]models.ACLEntry
	ez  map[int64]*models.EncryptionZone
}

// New creates an empty Metadata Cache bounded by cfg.
func New(cfg Config) *Cache {
	maxInodes := cfg.MaxInodes
	if maxInodes <= 0 {
		maxInodes = DefaultMaxInodes
	}
	return &Cache{
		maxInodes:    maxInodes,
		lruList:      list.New(),
		byID:         make(map[int64]*inodeEntry, maxInodes),
		byPath:       make(map[string]*inodeEntry, maxInodes),
		byParentName: make(map[parentNameKey]*inodeEntry, maxInodes),
		acl:          make(map[int64][]models.ACLEntry),
		ez:           make(map[int64]*models.EncryptionZone),
	}
}

// ByID looks up an inode by its primary key, updating LRU order on hit.
func (c *Cache) ByID(stats *Stats, id int64) *models.Inode {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.byID[id]
	if !ok {
		stats.recordMiss()
		return nil
	}
	c.lruList.MoveToFront(entry.element)
	stats.recordHit()
	return entry.inode
}

// ByPath looks up an inode by its cached full path.
func (c *Cache) ByPath(stats *Stats, path string) *models.Inode {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.byPath[path]
	if !ok {
		stats.recordMiss()
		return nil
	}
	c.lruList.MoveToFront(entry.element)
	stats.recordHit()
	return entry.inode
}

// ByParentAndName looks up an inode by (parent inode ID, local name).
func (c *Cache) ByParentAndName(stats *Stats, parentID int64, name string) *models.Inode {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.byParentName[parentNameKey{ParentID: parentID, Name: name}]
	if !ok {
		stats.recordMiss()
		return nil
	}
	c.lruList.MoveToFront(entry.element)
	stats.recordHit()
	return entry.inode
}

// Put inserts or replaces an inode, updating all three indices atomically.
// Replacing an inode at the same ID but a different path/parent+name drops
// the stale secondary-index entries first.
func (c *Cache) Put(inode *models.Inode) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byID[inode.ID]; ok {
		c.unindexLocked(existing.inode)
		existing.inode = inode
		c.indexLocked(existing)
		c.lruList.MoveToFront(existing.element)
		return
	}

	if c.lruList.Len() >= c.maxInodes {
		c.evictOldestLocked()
	}

	entry := &inodeEntry{inode: inode}
	entry.element = c.lruList.PushFront(entry)
	c.indexLocked(entry)
}

// indexLocked populates byID/byPath/byParentName for entry. Caller holds mu.
func (c *Cache) indexLocked(entry *inodeEntry) {
	c.byID[entry.inode.ID] = entry
	c.byPath[entry.inode.Path] = entry
	c.byParentName[parentNameKey{ParentID: entry.inode.ParentID, Name: entry.inode.Name}] = entry
}

// unindexLocked removes stale secondary-index pointers for an inode's prior
// identity, leaving the primary index (byID) for the caller to overwrite.
func (c *Cache) unindexLocked(inode *models.Inode) {
	delete(c.byPath, inode.Path)
	delete(c.byParentName, parentNameKey{ParentID: inode.ParentID, Name: inode.Name})
}

// evictOldestLocked drops the least-recently-used inode and cascades the
// eviction to every index and dependent cache. Caller holds mu.
func (c *Cache) evictOldestLocked() {
	oldest := c.lruList.Back()
	if oldest == nil {
		return
	}
	entry := oldest.Value.(*inodeEntry)
	c.removeLocked(entry)
}

// removeLocked deletes entry from every index, its list element, and its
// dependent ACL/encryption-zone caches. Caller holds mu.
func (c *Cache) removeLocked(entry *inodeEntry) {
	c.lruList.Remove(entry.element)
	delete(c.byID, entry.inode.ID)
	delete(c.byPath, entry.inode.Path)
	delete(c.byParentName, parentNameKey{ParentID: entry.inode.ParentID, Name: entry.inode.Name})
	delete(c.acl, entry.inode.ID)
	delete(c.ez, entry.inode.ID)
}

// InvalidateByID removes id from all indices and its dependent caches.
// Returns true if the id was present.
func (c *Cache) InvalidateByID(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.byID[id]
	if !ok {
		return false
	}
	c.removeLocked(entry)
	return true
}

// InvalidateByPath resolves path to an inode ID, then invalidates it.
func (c *Cache) InvalidateByPath(path string) bool {
	c.mu.Lock()
	entry, ok := c.byPath[path]
	if !ok {
		c.mu.Unlock()
		return false
	}
	id := entry.inode.ID
	c.mu.Unlock()
	return c.InvalidateByID(id)
}

// InvalidateByPrefix invalidates every cached entry whose path starts with
// prefix, returning the set of invalidated inode IDs so the caller can
// cascade the invalidation further (e.g. republish it cross-instance).
func (c *Cache) InvalidateByPrefix(prefix string) []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var toRemove []*inodeEntry
	for path, entry := range c.byPath {
		if utils.PrefixMatch(prefix, path) {
			toRemove = append(toRemove, entry)
		}
	}

	ids := make([]int64, 0, len(toRemove))
	for _, entry := range toRemove {
		ids = append(ids, entry.inode.ID)
		c.removeLocked(entry)
	}
	return ids
}

// InvalidateAll flushes every index and dependent cache.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lruList = list.New()
	c.byID = make(map[int64]*inodeEntry, c.maxInodes)
	c.byPath = make(map[string]*inodeEntry, c.maxInodes)
	c.byParentName = make(map[parentNameKey]*inodeEntry, c.maxInodes)
	c.acl = make(map[int64][]models.ACLEntry)
	c.ez = make(map[int64]*models.EncryptionZone)
}

// PutACL sets the ACL entries for inodeId, dependent on that inode's
// continued presence in the primary index.
func (c *Cache) PutACL(inodeID int64, entries []models.ACLEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byID[inodeID]; !ok {
		return
	}
	c.acl[inodeID] = entries
}

// ACL returns the cached ACL entries for inodeId, if any.
func (c *Cache) ACL(stats *Stats, inodeID int64) ([]models.ACLEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entries, ok := c.acl[inodeID]
	if ok {
		stats.recordHit()
	} else {
		stats.recordMiss()
	}
	return entries, ok
}

// PutEncryptionZone sets the encryption-zone record for inodeId.
func (c *Cache) PutEncryptionZone(inodeID int64, ez *models.EncryptionZone) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byID[inodeID]; !ok {
		return
	}
	c.ez[inodeID] = ez
}

// EncryptionZone returns the cached encryption-zone record for inodeId.
func (c *Cache) EncryptionZone(stats *Stats, inodeID int64) (*models.EncryptionZone, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ez, ok := c.ez[inodeID]
	if ok {
		stats.recordHit()
	} else {
		stats.recordMiss()
	}
	return ez, ok
}

// Size returns the current number of inodes in the primary index.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}

// Snapshot captures the cache's index sizes, plus the hit/miss counters of
// the operation whose stats are supplied, as the shared metric-snapshot
// shape the monitoring pipeline consumes.
func (c *Cache) Snapshot(stats *Stats) models.MetricSnapshot {
	c.mu.RLock()
	primary := uint64(len(c.byID))
	dependent := uint64(len(c.acl) + len(c.ez))
	c.mu.RUnlock()

	var hits, misses uint64
	if stats != nil {
		hits = uint64(stats.Hits)
		misses = uint64(stats.Misses)
	}

	snap := models.NewMetricSnapshot(hits, misses, 0, 0, 0, models.LatencySummary{})
	snap.L1Size = primary
	snap.L2Size = dependent
	snap.TotalSize = primary + dependent
	return snap
}
