package executor

import (
	"container/list"
	"sync"
)

// DefaultDedupMax bounds the recently-seen request ID set.
const DefaultDedupMax = 50000

// DedupCache is a bounded, LRU-ordered set of recently seen request IDs,
// the same container/list-plus-map shape as the module's other
// size-bounded caches, scaled down to a bare set since deduplication only
// needs membership, not a value.
type DedupCache struct {
	mu      sync.Mutex
	max     int
	lruList *list.List
	seen    map[string]*list.Element
}

// NewDedupCache creates a dedup cache bounded at max entries (DefaultDedupMax
// if max <= 0).
func NewDedupCache(max int) *DedupCache {
	if max <= 0 {
		max = DefaultDedupMax
	}
	return &DedupCache{
		max:     max,
		lruList: list.New(),
		seen:    make(map[string]*list.Element),
	}
}

// CheckAndInsert reports whether requestID had already been seen. If it is
// new, it is inserted and the oldest entry is evicted if the cache is now
// over capacity.
func (d *DedupCache) CheckAndInsert(requestID string) (alreadySeen bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.seen[requestID]; ok {
		d.lruList.MoveToFront(el)
		return true
	}

	el := d.lruList.PushFront(requestID)
	d.seen[requestID] = el

	if d.lruList.Len() > d.max {
		oldest := d.lruList.Back()
		if oldest != nil {
			d.lruList.Remove(oldest)
			delete(d.seen, oldest.Value.(string))
		}
	}
	return false
}

// Size returns the number of tracked request IDs.
func (d *DedupCache) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
