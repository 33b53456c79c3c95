// Package registry implements the Deployment Registry: the shared
// coordination store that tracks which instance IDs are live per
// deployment and answers cross-deployment liveness queries.
//
// Design Philosophy:
//   - Backed by encore.dev/storage/sqldb for durability shared across all
//     instances (the same sqldb dependency used elsewhere in this module for
//     the invalidation audit trail, invalidation/audit.go).
//   - Ephemeral membership is modeled as a heartbeat row: presence is "alive
//     within the staleness window" rather than a literal connection-bound
//     record, since this core has no real ZooKeeper/etcd client in its
//     dependency graph (see DESIGN.md). A crashed instance's row simply ages
//     out; Refresh() sweeps stale rows so listLive/isAlive stay cheap.
//   - A permanent record is written once per instance-ID (never deleted).
//     isAlive(instanceId) answers cross-deployment queries by scanning the
//     ephemeral rows of every deployment; it does not read the permanent
//     record, so an instance that has left every deployment is not alive.
//
// Failure semantics: transient datastore errors never turn liveness false;
// IsAlive returns true (conservative) together with the I/O error so the
// caller can keep its prior assumption instead of evicting a possibly-live
// TCP channel.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"encore.dev/pubsub"
	"encore.dev/storage/sqldb"
	"github.com/google/uuid"

	mdpubsub "encore.app/pkg/pubsub"
)

// MembershipTopic fans out join/leave notifications. No service in this
// module subscribes to it, so cached TCP channels are not dropped on these
// events.
var MembershipTopic = pubsub.NewTopic[*mdpubsub.MembershipChangedEvent](
	mdpubsub.TopicRegistryMembership,
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

// publishMembershipChange is best effort: membership truth lives in the
// store, the event only accelerates peer reaction.
func publishMembershipChange(ctx context.Context, deployment int, instanceID int64, joined bool) {
	event := &mdpubsub.MembershipChangedEvent{
		Version:     mdpubsub.EventVersion1,
		Service:     "registry",
		Deployment:  deployment,
		InstanceID:  instanceID,
		Joined:      joined,
		TriggeredAt: time.Now(),
		RequestID:   uuid.NewString(),
	}
	_, _ = MembershipTopic.Publish(ctx, event)
}

// StalenessWindow is how long a heartbeat remains "live" without a refresh.
// An instance that stops heartbeating (crash, network partition) ages out of
// listLive/isAlive after this window even without an explicit Leave.
const StalenessWindow = 30 * time.Second

// MembershipStore is the persistence contract the service depends on. It is
// satisfied by *Store (sqldb-backed) in production and by an in-memory fake
// in tests, following the AuditLoggerInterface pattern used
// (invalidation/service.go).
type MembershipStore interface {
	Join(ctx context.Context, deployment int, instanceID int64) error
	Leave(ctx context.Context, deployment int, instanceID int64) error
	ListLive(ctx context.Context, deployment int) ([]int64, error)
	IsAlive(ctx context.Context, instanceID int64) (bool, error)
	Sweep(ctx context.Context, staleness time.Duration) (int, error)
}

//encore:service
type Service struct {
	store MembershipStore
}

var db = sqldb.Named("registry_db")

func initService() (*Service, error) {
	store, err := NewStore(db)
	if err != nil {
		return nil, fmt.Errorf("registry: failed to initialize store: %w", err)
	}
	return &Service{store: store}, nil
}

var svc *Service

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic(fmt.Sprintf("registry: init failed: %v", err))
	}
}

// Request/response envelopes for the public API.

type JoinRequest struct {
	Deployment int   `json:"deployment"`
	InstanceID int64 `json:"instanceId"`
}

type JoinResponse struct {
	Joined bool `json:"joined"`
}

type LeaveRequest struct {
	Deployment int   `json:"deployment"`
	InstanceID int64 `json:"instanceId"`
}

type LeaveResponse struct {
	Left bool `json:"left"`
}

type ListLiveRequest struct {
	Deployment int `json:"deployment"`
}

type ListLiveResponse struct {
	InstanceIDs []int64 `json:"instanceIds"`
}

type IsAliveRequest struct {
	InstanceID int64 `json:"instanceId"`
}

type IsAliveResponse struct {
	Alive bool `json:"alive"`
}

type RefreshResponse struct {
	Swept int `json:"swept"`
}

// Join creates the ephemeral membership row for (deployment, instanceId) and
// the permanent record for instanceId if this is its first join anywhere.
//
//encore:api public method=POST path=/registry/join
func Join(ctx context.Context, req *JoinRequest) (*JoinResponse, error) {
	if svc == nil {
		return nil, errors.New("registry: service not initialized")
	}
	return svc.Join(ctx, req)
}

func (s *Service) Join(ctx context.Context, req *JoinRequest) (*JoinResponse, error) {
	if err := s.store.Join(ctx, req.Deployment, req.InstanceID); err != nil {
		return nil, fmt.Errorf("registry: join failed: %w", err)
	}
	publishMembershipChange(ctx, req.Deployment, req.InstanceID, true)
	return &JoinResponse{Joined: true}, nil
}

// Leave performs a best-effort removal of the ephemeral membership row.
// Ephemeral cleanup on disconnect is otherwise mandatory via staleness
// expiry, so a failed Leave is not fatal to
// correctness, only to promptness.
//
//encore:api public method=POST path=/registry/leave
func Leave(ctx context.Context, req *LeaveRequest) (*LeaveResponse, error) {
	if svc == nil {
		return nil, errors.New("registry: service not initialized")
	}
	return svc.Leave(ctx, req)
}

func (s *Service) Leave(ctx context.Context, req *LeaveRequest) (*LeaveResponse, error) {
	_ = s.store.Leave(ctx, req.Deployment, req.InstanceID)
	publishMembershipChange(ctx, req.Deployment, req.InstanceID, false)
	return &LeaveResponse{Left: true}, nil
}

// ListLive returns the ordered (ascending) set of live instance IDs for a
// deployment.
//
//encore:api public method=GET path=/registry/live/:deployment
func ListLive(ctx context.Context, deployment int) (*ListLiveResponse, error) {
	if svc == nil {
		return nil, errors.New("registry: service not initialized")
	}
	ids, err := svc.store.ListLive(ctx, deployment)
	if err != nil {
		return nil, fmt.Errorf("registry: listLive failed: %w", err)
	}
	return &ListLiveResponse{InstanceIDs: ids}, nil
}

// IsAlive scans all deployments for instanceId. On a transient datastore
// error it returns true (conservative) rather than risk evicting a live TCP
// channel.
//
//encore:api public method=GET path=/registry/alive/:instanceId
func IsAlive(ctx context.Context, instanceId int64) (*IsAliveResponse, error) {
	if svc == nil {
		return nil, errors.New("registry: service not initialized")
	}
	alive, err := svc.store.IsAlive(ctx, instanceId)
	if err != nil {
		// Conservative on error: never report false due to an I/O hiccup.
		return &IsAliveResponse{Alive: true}, nil
	}
	return &IsAliveResponse{Alive: alive}, nil
}

// Refresh sweeps ephemeral rows whose heartbeat has aged out past
// StalenessWindow, implicitly removing crashed instances' membership.
//
//encore:api public method=POST path=/registry/refresh
func Refresh(ctx context.Context) (*RefreshResponse, error) {
	if svc == nil {
		return nil, errors.New("registry: service not initialized")
	}
	n, err := svc.store.Sweep(ctx, StalenessWindow)
	if err != nil {
		return nil, fmt.Errorf("registry: refresh failed: %w", err)
	}
	return &RefreshResponse{Swept: n}, nil
}
