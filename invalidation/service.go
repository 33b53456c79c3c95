// Package invalidation bridges the external metadata store's change-stream
// into cross-instance Metadata Cache invalidation. A change witnessed
// anywhere (a direct store write, an admin action, a replication event) is
// translated here into inode-ID and path-prefix invalidations and broadcast
// to every instance's local cache.
//
// Design Philosophy:
// - Pub/Sub broadcast gives eventual consistency across every instance's
//   function-local cache; invalidation is always safe but never required for
//   correctness, because the external store stays authoritative.
// - Audit logging provides an immutable invalidation history for debugging
//   routing skew and stale-read reports.
// - Path patterns support flexible invalidation scopes (exact path, subtree
//   prefix, wildcard).
//
// Consistency Model:
// - At-least-once delivery via Pub/Sub; the caches' invalidation handlers
//   are idempotent, so duplicate events are harmless.
// - The audit log is the single source of truth for what was invalidated
//   and when.
package invalidation

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"encore.dev/storage/sqldb"
	"github.com/google/uuid"

	"encore.app/metadatacache"
)

//encore:service
type Service struct {
	patternMatcher *PatternMatcher
	auditLogger    AuditLoggerInterface
	metrics        *Metrics
}

// AuditLoggerInterface defines the audit logging operations the service
// depends on; satisfied by *AuditLogger (sqldb) and by fakes in tests.
type AuditLoggerInterface interface {
	Insert(ctx context.Context, log AuditLog) error
	GetRecent(ctx context.Context, limit, offset int, prefixFilter string) ([]AuditLog, error)
	GetCount(ctx context.Context, prefixFilter string) (int, error)
	GetByRequestID(ctx context.Context, requestID string) ([]AuditLog, error)
}

// Metrics tracks invalidation performance counters.
type Metrics struct {
	TotalInvalidations  atomic.Int64
	InodeInvalidations  atomic.Int64
	PrefixInvalidations atomic.Int64
	ChangeStreamBatches atomic.Int64
	AuditWrites         atomic.Int64
	PubSubPublishes     atomic.Int64
	Errors              atomic.Int64
}

var db = sqldb.Named("invalidation_db")

func initService() (*Service, error) {
	auditLogger, err := NewAuditLogger(db)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audit logger: %w", err)
	}

	return &Service{
		patternMatcher: NewPatternMatcher(),
		auditLogger:    auditLogger,
		metrics:        &Metrics{},
	}, nil
}

var svc *Service

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize invalidation service: %v", err))
	}
}

// Request and response types

type InvalidateInodesRequest struct {
	InodeIDs    []int64 `json:"inodeIds"`
	TriggeredBy string  `json:"triggered_by"`
	RequestID   string  `json:"request_id"`
}

type InvalidateInodesResponse struct {
	Success          bool      `json:"success"`
	InvalidatedCount int       `json:"invalidated_count"`
	InodeIDs         []int64   `json:"inodeIds"`
	RequestID        string    `json:"request_id"`
	PublishedAt      time.Time `json:"published_at"`
}

type InvalidatePrefixRequest struct {
	// PathPrefix invalidates every cached path underneath it. A trailing
	// "*" is accepted and stripped; richer wildcards must be resolved to
	// concrete prefixes by the caller (see CandidatePaths).
	PathPrefix  string `json:"pathPrefix"`
	TriggeredBy string `json:"triggered_by"`
	RequestID   string `json:"request_id"`
	// CandidatePaths optionally narrows a wildcard to the concrete paths it
	// matches, for audit precision.
	CandidatePaths []string `json:"candidate_paths,omitempty"`
}

type InvalidatePrefixResponse struct {
	Success      bool      `json:"success"`
	PathPrefix   string    `json:"pathPrefix"`
	MatchedPaths []string  `json:"matched_paths"`
	RequestID    string    `json:"request_id"`
	PublishedAt  time.Time `json:"published_at"`
}

// ChangeRecord is one entry from the external store's change-stream.
type ChangeRecord struct {
	Kind    string `json:"kind"` // "write", "delete", "rename"
	InodeID int64  `json:"inodeId,omitempty"`
	Path    string `json:"path,omitempty"`
}

type ChangeStreamRequest struct {
	Records   []ChangeRecord `json:"records"`
	Source    string         `json:"source"`
	RequestID string         `json:"request_id"`
}

type ChangeStreamResponse struct {
	Success        bool   `json:"success"`
	InodesAffected int    `json:"inodes_affected"`
	PrefixesSent   int    `json:"prefixes_sent"`
	RequestID      string `json:"request_id"`
}

type GetAuditLogsRequest struct {
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
	Prefix string `json:"prefix,omitempty"`
}

type GetAuditLogsResponse struct {
	Logs       []AuditLog `json:"logs"`
	TotalCount int        `json:"total_count"`
	HasMore    bool       `json:"has_more"`
}

type MetricsResponse struct {
	TotalInvalidations      int64   `json:"total_invalidations"`
	InodeInvalidations      int64   `json:"inode_invalidations"`
	PrefixInvalidations     int64   `json:"prefix_invalidations"`
	ChangeStreamBatches     int64   `json:"change_stream_batches"`
	AuditWrites             int64   `json:"audit_writes"`
	PubSubPublishes         int64   `json:"pubsub_publishes"`
	Errors                  int64   `json:"errors"`
	PrefixInvalidationRatio float64 `json:"prefix_invalidation_ratio"`
}

// InvalidateInodes broadcasts exact inode-ID invalidations to every
// instance's Metadata Cache.
//
//encore:api public method=POST path=/invalidate/inodes
func InvalidateInodes(ctx context.Context, req *InvalidateInodesRequest) (*InvalidateInodesResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.InvalidateInodes(ctx, req)
}

func (s *Service) InvalidateInodes(ctx context.Context, req *InvalidateInodesRequest) (*InvalidateInodesResponse, error) {
	startTime := time.Now()

	if len(req.InodeIDs) == 0 {
		return nil, errors.New("inodeIds cannot be empty")
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = "unknown"
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	uniqueIDs := deduplicateIDs(req.InodeIDs)

	if err := metadatacache.PublishInvalidation(ctx, req.TriggeredBy, uniqueIDs, ""); err != nil {
		s.metrics.Errors.Add(1)
		return nil, fmt.Errorf("failed to publish invalidation event: %w", err)
	}
	s.metrics.PubSubPublishes.Add(1)

	publishedAt := time.Now()
	s.writeAudit(AuditLog{
		InodeIDs:    uniqueIDs,
		TriggeredBy: req.TriggeredBy,
		Timestamp:   publishedAt,
		RequestID:   req.RequestID,
		Latency:     time.Since(startTime).Milliseconds(),
	})

	s.metrics.TotalInvalidations.Add(1)
	s.metrics.InodeInvalidations.Add(1)

	return &InvalidateInodesResponse{
		Success:          true,
		InvalidatedCount: len(uniqueIDs),
		InodeIDs:         uniqueIDs,
		RequestID:        req.RequestID,
		PublishedAt:      publishedAt,
	}, nil
}

// InvalidatePrefix broadcasts a path-prefix invalidation: every cached entry
// whose path starts with the prefix is evicted on every instance.
//
//encore:api public method=POST path=/invalidate/prefix
func InvalidatePrefix(ctx context.Context, req *InvalidatePrefixRequest) (*InvalidatePrefixResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.InvalidatePrefix(ctx, req)
}

func (s *Service) InvalidatePrefix(ctx context.Context, req *InvalidatePrefixRequest) (*InvalidatePrefixResponse, error) {
	startTime := time.Now()

	if req.PathPrefix == "" {
		return nil, errors.New("pathPrefix cannot be empty")
	}
	if err := s.patternMatcher.ValidatePattern(req.PathPrefix); err != nil {
		return nil, fmt.Errorf("invalid prefix pattern: %w", err)
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = "unknown"
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	prefix := normalizePrefix(req.PathPrefix)

	// Audit precision only; each instance matches its own cached paths.
	var matched []string
	if len(req.CandidatePaths) > 0 {
		matched = s.patternMatcher.Match(prefix+"*", req.CandidatePaths)
	}

	if err := metadatacache.PublishInvalidation(ctx, req.TriggeredBy, nil, prefix); err != nil {
		s.metrics.Errors.Add(1)
		return nil, fmt.Errorf("failed to publish invalidation event: %w", err)
	}
	s.metrics.PubSubPublishes.Add(1)

	publishedAt := time.Now()
	s.writeAudit(AuditLog{
		PathPrefix:  prefix,
		Paths:       matched,
		TriggeredBy: req.TriggeredBy,
		Timestamp:   publishedAt,
		RequestID:   req.RequestID,
		Latency:     time.Since(startTime).Milliseconds(),
	})

	s.metrics.TotalInvalidations.Add(1)
	s.metrics.PrefixInvalidations.Add(1)

	return &InvalidatePrefixResponse{
		Success:      true,
		PathPrefix:   prefix,
		MatchedPaths: matched,
		RequestID:    req.RequestID,
		PublishedAt:  publishedAt,
	}, nil
}

// IngestChangeStream translates a batch of external store change records
// into invalidations: writes invalidate their inode, deletes and renames
// invalidate the whole subtree under the affected path.
//
//encore:api public method=POST path=/invalidate/changestream
func IngestChangeStream(ctx context.Context, req *ChangeStreamRequest) (*ChangeStreamResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.IngestChangeStream(ctx, req)
}

func (s *Service) IngestChangeStream(ctx context.Context, req *ChangeStreamRequest) (*ChangeStreamResponse, error) {
	if len(req.Records) == 0 {
		return nil, errors.New("records cannot be empty")
	}
	if req.Source == "" {
		req.Source = "changestream"
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	s.metrics.ChangeStreamBatches.Add(1)

	var inodeIDs []int64
	var prefixes []string
	for _, rec := range req.Records {
		switch rec.Kind {
		case "delete", "rename":
			if rec.Path != "" {
				prefixes = append(prefixes, rec.Path)
			}
			if rec.InodeID != 0 {
				inodeIDs = append(inodeIDs, rec.InodeID)
			}
		default:
			if rec.InodeID != 0 {
				inodeIDs = append(inodeIDs, rec.InodeID)
			} else if rec.Path != "" {
				prefixes = append(prefixes, rec.Path)
			}
		}
	}

	if len(inodeIDs) > 0 {
		if _, err := s.InvalidateInodes(ctx, &InvalidateInodesRequest{
			InodeIDs:    inodeIDs,
			TriggeredBy: req.Source,
			RequestID:   req.RequestID,
		}); err != nil {
			return nil, err
		}
	}
	for _, prefix := range prefixes {
		if _, err := s.InvalidatePrefix(ctx, &InvalidatePrefixRequest{
			PathPrefix:  prefix,
			TriggeredBy: req.Source,
			RequestID:   req.RequestID,
		}); err != nil {
			return nil, err
		}
	}

	return &ChangeStreamResponse{
		Success:        true,
		InodesAffected: len(deduplicateIDs(inodeIDs)),
		PrefixesSent:   len(prefixes),
		RequestID:      req.RequestID,
	}, nil
}

// GetAuditLogs retrieves invalidation audit history with pagination.
//
//encore:api public method=GET path=/audit/logs
func GetAuditLogs(ctx context.Context, req *GetAuditLogsRequest) (*GetAuditLogsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetAuditLogs(ctx, req)
}

func (s *Service) GetAuditLogs(ctx context.Context, req *GetAuditLogsRequest) (*GetAuditLogsResponse, error) {
	if req.Limit <= 0 {
		req.Limit = 50
	}
	if req.Limit > 1000 {
		req.Limit = 1000
	}
	if req.Offset < 0 {
		req.Offset = 0
	}

	logs, err := s.auditLogger.GetRecent(ctx, req.Limit+1, req.Offset, req.Prefix)
	if err != nil {
		s.metrics.Errors.Add(1)
		return nil, fmt.Errorf("failed to fetch audit logs: %w", err)
	}

	hasMore := len(logs) > req.Limit
	if hasMore {
		logs = logs[:req.Limit]
	}

	totalCount, err := s.auditLogger.GetCount(ctx, req.Prefix)
	if err != nil {
		totalCount = len(logs)
	}

	return &GetAuditLogsResponse{
		Logs:       logs,
		TotalCount: totalCount,
		HasMore:    hasMore,
	}, nil
}

// GetMetrics returns invalidation service metrics.
//
//encore:api public method=GET path=/invalidate/metrics
func GetMetrics(ctx context.Context) (*MetricsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetMetrics(ctx)
}

func (s *Service) GetMetrics(ctx context.Context) (*MetricsResponse, error) {
	total := s.metrics.TotalInvalidations.Load()
	prefix := s.metrics.PrefixInvalidations.Load()

	prefixRatio := 0.0
	if total > 0 {
		prefixRatio = float64(prefix) / float64(total)
	}

	return &MetricsResponse{
		TotalInvalidations:      total,
		InodeInvalidations:      s.metrics.InodeInvalidations.Load(),
		PrefixInvalidations:     prefix,
		ChangeStreamBatches:     s.metrics.ChangeStreamBatches.Load(),
		AuditWrites:             s.metrics.AuditWrites.Load(),
		PubSubPublishes:         s.metrics.PubSubPublishes.Load(),
		Errors:                  s.metrics.Errors.Load(),
		PrefixInvalidationRatio: prefixRatio,
	}, nil
}

// Helper functions

// writeAudit persists an audit entry without blocking the response.
func (s *Service) writeAudit(entry AuditLog) {
	go func() {
		if err := s.auditLogger.Insert(context.Background(), entry); err != nil {
			s.metrics.Errors.Add(1)
		} else {
			s.metrics.AuditWrites.Add(1)
		}
	}()
}

// deduplicateIDs removes duplicate inode IDs while preserving order.
func deduplicateIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	result := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			result = append(result, id)
		}
	}
	return result
}

// normalizePrefix strips a trailing wildcard and trailing slash so "/a/*",
// "/a/" and "/a" all invalidate the same subtree.
func normalizePrefix(prefix string) string {
	for len(prefix) > 1 {
		last := prefix[len(prefix)-1]
		if last == '*' || last == '/' {
			prefix = prefix[:len(prefix)-1]
			continue
		}
		break
	}
	return prefix
}
