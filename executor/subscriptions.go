package executor

import (
	"encore.dev/pubsub"

	"encore.app/metadatacache"
	mdpubsub "encore.app/pkg/pubsub"
)

// Cross-instance invalidation: a write witnessed by any instance (or by the
// external store's change-stream via the invalidation service) evicts the
// matching entries from this instance's Metadata Cache. Always safe, never
// required: the external store stays authoritative.
var _ = pubsub.NewSubscription(
	metadatacache.InvalidateTopic,
	"executor-metadata-invalidate",
	pubsub.SubscriptionConfig[*mdpubsub.InvalidationEvent]{
		Handler: metadatacache.HandleInvalidationEvent,
	},
)
