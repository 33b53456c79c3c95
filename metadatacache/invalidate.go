package metadatacache

import (
	"context"
	"time"

	"encore.dev/pubsub"
	"github.com/google/uuid"

	mdpubsub "encore.app/pkg/pubsub"
)

// InvalidateTopic carries cross-instance invalidation events. Every instance
// subscribes so a write witnessed by one instance's external-store
// change-stream evicts the corresponding entries everywhere else —
// invalidation is always safe but never required for correctness, since the
// external metadata store remains authoritative.
var InvalidateTopic = pubsub.NewTopic[*mdpubsub.InvalidationEvent](
	mdpubsub.TopicMetadataInvalidate,
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

// instanceCache is the process-wide Metadata Cache this instance owns. It is
// wired in by the executor's cold-start guard via SetInstanceCache, following
// the explicit-state-over-global-constructor design note: the cache itself is
// constructed by the executor, not by this package's init().
var instanceCache *Cache

// SetInstanceCache registers the cache that cross-instance invalidation
// events should apply to. Called once by the executor during its cold-start
// initialization guard.
func SetInstanceCache(c *Cache) {
	instanceCache = c
}

// HandleInvalidationEvent applies one cross-instance invalidation event to
// this instance's cache. The subscription itself is declared by the service
// that owns the cache (the executor), since this package is shared by every
// service that only publishes.
func HandleInvalidationEvent(ctx context.Context, event *mdpubsub.InvalidationEvent) error {
	if instanceCache == nil {
		return nil
	}
	for _, id := range event.InodeIDs {
		instanceCache.InvalidateByID(id)
	}
	if event.PathPrefix != "" {
		instanceCache.InvalidateByPrefix(event.PathPrefix)
	}
	return nil
}

// PublishInvalidation broadcasts an invalidation event to every instance's
// Metadata Cache after a local write or externally observed change.
func PublishInvalidation(ctx context.Context, service string, inodeIDs []int64, pathPrefix string) error {
	event := &mdpubsub.InvalidationEvent{
		Version:     mdpubsub.EventVersion1,
		Service:     service,
		InodeIDs:    inodeIDs,
		PathPrefix:  pathPrefix,
		TriggeredAt: time.Now(),
		RequestID:   uuid.NewString(),
	}
	_, err := InvalidateTopic.Publish(ctx, event)
	return err
}
