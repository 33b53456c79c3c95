package mappingstore

import (
	"context"
	"time"

	"encore.dev/pubsub"

	"encore.app/metadatacache"
	mdpubsub "encore.app/pkg/pubsub"
)

// RefreshEvent pushes an authoritative mapping into the store: the executor
// publishes one whenever it derives a mapping hint worth persisting
// (typically after a write or a wrong-deployment bounce).
type RefreshEvent struct {
	ParentPath string    `json:"parentPath"`
	Deployment int       `json:"deployment"`
	TTLSeconds int       `json:"ttl"`
	Timestamp  time.Time `json:"timestamp"`
}

// MappingRefreshTopic carries authoritative mapping pushes from executors.
var MappingRefreshTopic = pubsub.NewTopic[*RefreshEvent](
	"mapping-refresh",
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

// Metadata invalidations also make persisted routing hints suspect: a
// deleted or renamed subtree's mappings must not keep steering clients.
var _ = pubsub.NewSubscription(
	metadatacache.InvalidateTopic,
	"mappingstore-invalidate",
	pubsub.SubscriptionConfig[*mdpubsub.InvalidationEvent]{
		Handler: HandleInvalidationEvent,
	},
)

// HandleInvalidationEvent drops mappings under an invalidated path prefix.
// Inode-only events carry no path, so there is nothing to drop for them.
func HandleInvalidationEvent(ctx context.Context, event *mdpubsub.InvalidationEvent) error {
	if svc == nil {
		return nil
	}
	if event.PathPrefix == "" {
		return nil
	}
	_, err := svc.Invalidate(ctx, &InvalidateRequest{PathPrefix: event.PathPrefix})
	return err
}

var _ = pubsub.NewSubscription(
	MappingRefreshTopic,
	"mappingstore-refresh",
	pubsub.SubscriptionConfig[*RefreshEvent]{
		Handler: HandleRefreshEvent,
	},
)

// HandleRefreshEvent persists a pushed authoritative mapping.
func HandleRefreshEvent(ctx context.Context, event *RefreshEvent) error {
	if svc == nil {
		return nil
	}
	_, err := svc.Upsert(ctx, &UpsertRequest{
		ParentPath: event.ParentPath,
		Deployment: event.Deployment,
		TTLSeconds: event.TTLSeconds,
	})
	return err
}

// PublishRefresh pushes an authoritative mapping to every mapping store
// instance. Called by executors after deriving a mapping hint.
func PublishRefresh(ctx context.Context, parentPath string, deployment int) error {
	event := &RefreshEvent{
		ParentPath: parentPath,
		Deployment: deployment,
		Timestamp:  time.Now(),
	}
	_, err := MappingRefreshTopic.Publish(ctx, event)
	return err
}
