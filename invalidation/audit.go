package invalidation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"encore.dev/storage/sqldb"
)

// AuditLog is one invalidation event in the immutable audit trail.
type AuditLog struct {
	ID          int64     `json:"id"`
	PathPrefix  string    `json:"path_prefix"`  // Subtree prefix, "" for inode-only events
	InodeIDs    []int64   `json:"inode_ids"`    // Exact inode IDs invalidated
	Paths       []string  `json:"paths"`        // Concrete paths, when the caller supplied them
	TriggeredBy string    `json:"triggered_by"` // Source: executor, changestream, admin
	Timestamp   time.Time `json:"timestamp"`
	RequestID   string    `json:"request_id"` // Correlation ID for tracing
	Latency     int64     `json:"latency"`    // Publish latency in milliseconds
}

// AuditLogger provides persistent storage of invalidation events.
//
// Design decisions:
// - PostgreSQL for ACID compliance and audit integrity
// - Append-only log (no updates/deletes) for immutability
// - Indexed by timestamp for efficient time-range queries
// - JSONB for inode-ID and path arrays without schema churn
type AuditLogger struct {
	db *sqldb.Database
}

// NewAuditLogger creates a new audit logger with database connection.
func NewAuditLogger(db *sqldb.Database) (*AuditLogger, error) {
	logger := &AuditLogger{db: db}
	if err := logger.ensureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	return logger, nil
}

func (al *AuditLogger) ensureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS invalidation_audit (
			id BIGSERIAL PRIMARY KEY,
			path_prefix TEXT NOT NULL DEFAULT '',
			inode_ids JSONB,
			paths JSONB,
			triggered_by TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			request_id TEXT NOT NULL,
			latency_ms BIGINT DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_invalidation_audit_timestamp
		ON invalidation_audit(timestamp DESC);

		CREATE INDEX IF NOT EXISTS idx_invalidation_audit_prefix
		ON invalidation_audit(path_prefix);

		CREATE INDEX IF NOT EXISTS idx_invalidation_audit_request_id
		ON invalidation_audit(request_id);
	`
	_, err := al.db.Exec(ctx, query)
	return err
}

// Insert adds a new audit log entry.
func (al *AuditLogger) Insert(ctx context.Context, log AuditLog) error {
	idsJSON, err := json.Marshal(log.InodeIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal inode ids: %w", err)
	}
	pathsJSON, err := json.Marshal(log.Paths)
	if err != nil {
		return fmt.Errorf("failed to marshal paths: %w", err)
	}

	_, err = al.db.Exec(ctx, `
		INSERT INTO invalidation_audit
		(path_prefix, inode_ids, paths, triggered_by, timestamp, request_id, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		log.PathPrefix,
		idsJSON,
		pathsJSON,
		log.TriggeredBy,
		log.Timestamp,
		log.RequestID,
		log.Latency,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// GetRecent retrieves recent audit logs with pagination, optionally
// filtered to entries whose prefix contains prefixFilter.
func (al *AuditLogger) GetRecent(ctx context.Context, limit, offset int, prefixFilter string) ([]AuditLog, error) {
	var query string
	var args []interface{}

	if prefixFilter != "" {
		query = `
			SELECT id, path_prefix, inode_ids, paths, triggered_by, timestamp, request_id, latency_ms
			FROM invalidation_audit
			WHERE path_prefix LIKE $1
			ORDER BY timestamp DESC
			LIMIT $2 OFFSET $3
		`
		args = []interface{}{"%" + prefixFilter + "%", limit, offset}
	} else {
		query = `
			SELECT id, path_prefix, inode_ids, paths, triggered_by, timestamp, request_id, latency_ms
			FROM invalidation_audit
			ORDER BY timestamp DESC
			LIMIT $1 OFFSET $2
		`
		args = []interface{}{limit, offset}
	}

	rows, err := al.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	logs := make([]AuditLog, 0, limit)
	for rows.Next() {
		entry, err := scanAuditLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit logs: %w", err)
	}
	return logs, nil
}

// GetCount returns the total number of audit logs, optionally filtered.
func (al *AuditLogger) GetCount(ctx context.Context, prefixFilter string) (int, error) {
	var count int
	var err error

	if prefixFilter != "" {
		err = al.db.QueryRow(ctx,
			`SELECT COUNT(*) FROM invalidation_audit WHERE path_prefix LIKE $1`,
			"%"+prefixFilter+"%").Scan(&count)
	} else {
		err = al.db.QueryRow(ctx, `SELECT COUNT(*) FROM invalidation_audit`).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count audit logs: %w", err)
	}
	return count, nil
}

// GetByRequestID retrieves audit logs by correlation ID for tracing.
func (al *AuditLogger) GetByRequestID(ctx context.Context, requestID string) ([]AuditLog, error) {
	rows, err := al.db.Query(ctx, `
		SELECT id, path_prefix, inode_ids, paths, triggered_by, timestamp, request_id, latency_ms
		FROM invalidation_audit
		WHERE request_id = $1
		ORDER BY timestamp DESC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs by request ID: %w", err)
	}
	defer rows.Close()

	logs := make([]AuditLog, 0)
	for rows.Next() {
		entry, err := scanAuditLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit logs: %w", err)
	}
	return logs, nil
}

func scanAuditLog(rows *sqldb.Rows) (AuditLog, error) {
	var entry AuditLog
	var idsJSON, pathsJSON []byte

	err := rows.Scan(
		&entry.ID,
		&entry.PathPrefix,
		&idsJSON,
		&pathsJSON,
		&entry.TriggeredBy,
		&entry.Timestamp,
		&entry.RequestID,
		&entry.Latency,
	)
	if err != nil {
		return AuditLog{}, fmt.Errorf("failed to scan audit log: %w", err)
	}

	if len(idsJSON) > 0 {
		if err := json.Unmarshal(idsJSON, &entry.InodeIDs); err != nil {
			entry.InodeIDs = nil
		}
	}
	if len(pathsJSON) > 0 {
		if err := json.Unmarshal(pathsJSON, &entry.Paths); err != nil {
			entry.Paths = nil
		}
	}
	return entry, nil
}
