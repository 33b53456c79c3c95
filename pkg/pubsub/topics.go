// Package pubsub provides topic names and event type definitions for the
// metadata core's event-driven cross-instance coordination.
//
// Topic Naming Convention:
//   - metadata.invalidate: Metadata Cache invalidation events (inode/path based)
//   - metadata.prewarm: Prewarm completion events from the cold-start prewarmer
//   - registry.membership: Deployment Registry join/leave notifications
//
// Design Notes:
//   - Topics are defined as constants to avoid typos and enable compile-time checks
//   - Version field in events enables schema evolution without breaking consumers
//   - No direct Encore dependencies to keep pkg/ reusable across services
package pubsub

// Topic name constants for Encore Pub/Sub integration.
// These should be used when defining pubsub.Topic[T] in service code.
const (
	// TopicMetadataInvalidate is published when inode/path metadata must be
	// evicted from every instance's local Metadata Cache.
	// Event type: InvalidationEvent
	// Publishers: metadatacache, invalidation service
	// Subscribers: executor (each instance's Metadata Cache), mappingstore
	TopicMetadataInvalidate = "metadata.invalidate"

	// TopicMetadataPrewarm is published when the prewarmer finishes loading a
	// deployment's hot set into its Metadata Cache after a cold start.
	// Event type: PrewarmCompletedEvent
	// Publishers: prewarmer
	// Subscribers: monitoring service, admin dashboard
	TopicMetadataPrewarm = "metadata.prewarm"

	// TopicRegistryMembership is published whenever an instance joins or
	// leaves the Deployment Registry.
	// Event type: MembershipChangedEvent
	// Publishers: registry
	// Subscribers: none in this module
	TopicRegistryMembership = "registry.membership"
)

// AllTopics returns all defined topic names.
// Useful for validation, testing, and administrative tools.
func AllTopics() []string {
	return []string{
		TopicMetadataInvalidate,
		TopicMetadataPrewarm,
		TopicRegistryMembership,
	}
}

// IsValidTopic checks if the given topic name is recognized.
func IsValidTopic(topic string) bool {
	for _, t := range AllTopics() {
		if t == topic {
			return true
		}
	}
	return false
}

// TopicMetadata provides descriptive information about topics.
type TopicMetadata struct {
	Name        string
	Description string
	EventType   string
}

// GetTopicMetadata returns metadata for all topics.
// Useful for documentation generation and admin UIs.
func GetTopicMetadata() []TopicMetadata {
	return []TopicMetadata{
		{
			Name:        TopicMetadataInvalidate,
			Description: "Metadata cache invalidation events for inode or path-prefix clearing",
			EventType:   "InvalidationEvent",
		},
		{
			Name:        TopicMetadataPrewarm,
			Description: "Prewarm completion notifications with status",
			EventType:   "PrewarmCompletedEvent",
		},
		{
			Name:        TopicRegistryMembership,
			Description: "Deployment registry join/leave notifications",
			EventType:   "MembershipChangedEvent",
		},
	}
}