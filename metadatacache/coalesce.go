package metadatacache

import (
	"context"
	"strconv"

	"golang.org/x/sync/singleflight"

	"encore.app/pkg/models"
)

// Loader resolves an inode from the authoritative external metadata store on
// a cache miss. The store itself is an external collaborator outside this
// core's scope; callers supply a Loader backed by whatever client reaches it.
type Loader func(ctx context.Context, inodeID int64) (*models.Inode, error)

// Coalescer wraps a Cache with singleflight-deduplicated miss handling, so
// concurrent lookups for the same cold inode ID collapse into one external
// call instead of a thundering herd, following the same
// golang.org/x/sync/singleflight usage as the prewarmer's task deduplication.
type Coalescer struct {
	cache *Cache
	group singleflight.Group
	load  Loader
}

// NewCoalescer builds a Coalescer over cache, resolving misses via load.
func NewCoalescer(cache *Cache, load Loader) *Coalescer {
	return &Coalescer{cache: cache, load: load}
}

// GetByID returns the cached inode for id, or loads and populates it via the
// Loader on a miss. Concurrent callers requesting the same id while a load is
// in flight share its result.
func (c *Coalescer) GetByID(ctx context.Context, stats *Stats, id int64) (*models.Inode, error) {
	if inode := c.cache.ByID(stats, id); inode != nil {
		return inode, nil
	}

	key := strconv.FormatInt(id, 10)
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		inode, err := c.load(ctx, id)
		if err != nil {
			return nil, err
		}
		c.cache.Put(inode)
		return inode, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Inode), nil
}
