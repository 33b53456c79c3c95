package pubsub

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event versioning strategy:
// - Version 1: Initial schema
// - Future versions: Add fields, never remove (backward compatible)
// - Consumers should check Version and handle appropriately

const (
	// EventVersion1 is the current event schema version
	EventVersion1 = 1
)

// InvalidationEvent represents a Metadata Cache invalidation request.
// This event is published to TopicMetadataInvalidate.
//
// Invalidation modes:
//   - Exact inodes: Provide InodeIDs
//   - Path-prefix based: Provide PathPrefix (e.g., "/data/tenants/42")
//   - Combination: Both InodeIDs and PathPrefix can be set
//
// Design notes:
//   - InodeIDs and PathPrefix are optional but at least one must be set
//   - Service field enables audit trail and debugging
//   - RequestID enables distributed tracing
type InvalidationEvent struct {
	// Version of the event schema (for backward compatibility)
	Version int `json:"version"`

	// Service that triggered the invalidation (e.g., "metadatacache", "executor")
	Service string `json:"service"`

	// InodeIDs to invalidate (exact match). Can be empty if PathPrefix is set.
	InodeIDs []int64 `json:"inodeIds,omitempty"`

	// PathPrefix invalidates every cached entry whose path has this prefix
	// (e.g., "/data/tenants/42"). Optional.
	PathPrefix string `json:"pathPrefix,omitempty"`

	// TriggeredAt is the time the invalidation was requested
	TriggeredAt time.Time `json:"triggered_at"`

	// Meta contains optional metadata (e.g., reason, user_id)
	Meta map[string]string `json:"meta,omitempty"`

	// RequestID for distributed tracing and correlation
	RequestID string `json:"request_id"`
}

// Validate checks if the InvalidationEvent is well-formed.
func (e *InvalidationEvent) Validate() error {
	if e.Version != EventVersion1 {
		return fmt.Errorf("unsupported event version: %d", e.Version)
	}

	if e.Service == "" {
		return errors.New("service field is required")
	}

	if len(e.InodeIDs) == 0 && e.PathPrefix == "" {
		return errors.New("at least one of inodeIds or pathPrefix must be set")
	}

	if e.TriggeredAt.IsZero() {
		return errors.New("triggered_at cannot be zero")
	}

	if e.RequestID == "" {
		return errors.New("request_id is required for tracing")
	}

	return nil
}

// ToJSON serializes the event to JSON.
func (e *InvalidationEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// InvalidationEventFromJSON deserializes an InvalidationEvent from JSON.
func InvalidationEventFromJSON(data []byte) (*InvalidationEvent, error) {
	var e InvalidationEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal InvalidationEvent: %w", err)
	}
	return &e, nil
}

// MembershipChangedEvent announces that an instance joined or left a
// deployment's Deployment Registry membership set.
// This event is published to TopicRegistryMembership.
//
// Use cases:
//   - Let the client dispatcher proactively drop a cached TCP channel to an
//     instance that just left, instead of waiting on a failed write.
//   - Let a peer instance in the same deployment warm a replacement channel.
type MembershipChangedEvent struct {
	// Version of the event schema
	Version int `json:"version"`

	// Service that triggered the change (typically "registry")
	Service string `json:"service"`

	// Deployment the instance belongs to.
	Deployment int `json:"deployment"`

	// InstanceID that joined or left.
	InstanceID int64 `json:"instanceId"`

	// Joined is true for a join, false for a leave.
	Joined bool `json:"joined"`

	// TriggeredAt is the time the membership change was recorded.
	TriggeredAt time.Time `json:"triggered_at"`

	// Meta contains optional metadata (e.g., "reason=heartbeat_timeout")
	Meta map[string]string `json:"meta,omitempty"`

	// RequestID for distributed tracing
	RequestID string `json:"request_id"`
}

// Validate checks if the MembershipChangedEvent is well-formed.
func (e *MembershipChangedEvent) Validate() error {
	if e.Version != EventVersion1 {
		return fmt.Errorf("unsupported event version: %d", e.Version)
	}

	if e.Service == "" {
		return errors.New("service field is required")
	}

	if e.InstanceID == 0 {
		return errors.New("instanceId cannot be zero")
	}

	if e.TriggeredAt.IsZero() {
		return errors.New("triggered_at cannot be zero")
	}

	if e.RequestID == "" {
		return errors.New("request_id is required for tracing")
	}

	return nil
}

// ToJSON serializes the event to JSON.
func (e *MembershipChangedEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// MembershipChangedEventFromJSON deserializes a MembershipChangedEvent from JSON.
func MembershipChangedEventFromJSON(data []byte) (*MembershipChangedEvent, error) {
	var e MembershipChangedEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal MembershipChangedEvent: %w", err)
	}
	return &e, nil
}

// PrewarmCompletedEvent represents the completion of a Metadata Cache
// prewarm pass after a cold start.
// This event is published to TopicMetadataPrewarm.
//
// Use cases:
//   - Notify monitoring of prewarm completion
//   - Gate readiness checks until a deployment's hot set is loaded
//   - Track prewarm performance and failures
type PrewarmCompletedEvent struct {
	// Version of the event schema
	Version int `json:"version"`

	// Service that performed the prewarm (typically "prewarmer")
	Service string `json:"service"`

	// Deployment that was prewarmed.
	Deployment int `json:"deployment"`

	// Status of the prewarm operation ("success", "partial", "failed")
	Status string `json:"status"`

	// Duration of the prewarm operation
	Duration time.Duration `json:"duration"`

	// EntriesWarmed is the number of metadata entries successfully loaded
	EntriesWarmed int `json:"entries_warmed"`

	// EntriesFailed is the number of entries that failed to load
	EntriesFailed int `json:"entries_failed"`

	// Error message if Status is "failed" or "partial"
	Error string `json:"error,omitempty"`

	// CompletedAt is the time the prewarm completed
	CompletedAt time.Time `json:"completed_at"`

	// Meta contains optional metadata (e.g., "strategy=mru")
	Meta map[string]string `json:"meta,omitempty"`

	// RequestID for distributed tracing
	RequestID string `json:"request_id"`
}

// Validate checks if the PrewarmCompletedEvent is well-formed.
func (e *PrewarmCompletedEvent) Validate() error {
	if e.Version != EventVersion1 {
		return fmt.Errorf("unsupported event version: %d", e.Version)
	}

	if e.Service == "" {
		return errors.New("service field is required")
	}

	validStatuses := map[string]bool{"success": true, "partial": true, "failed": true}
	if !validStatuses[e.Status] {
		return fmt.Errorf("invalid status: %s (must be success, partial, or failed)", e.Status)
	}

	if e.Duration < 0 {
		return errors.New("duration cannot be negative")
	}

	if e.EntriesWarmed < 0 || e.EntriesFailed < 0 {
		return errors.New("entries_warmed and entries_failed cannot be negative")
	}

	if e.CompletedAt.IsZero() {
		return errors.New("completed_at cannot be zero")
	}

	if e.RequestID == "" {
		return errors.New("request_id is required for tracing")
	}

	return nil
}

// ToJSON serializes the event to JSON.
func (e *PrewarmCompletedEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// PrewarmCompletedEventFromJSON deserializes a PrewarmCompletedEvent from JSON.
func PrewarmCompletedEventFromJSON(data []byte) (*PrewarmCompletedEvent, error) {
	var e PrewarmCompletedEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal PrewarmCompletedEvent: %w", err)
	}
	return &e, nil
}
