package registry

import (
	"context"
	"fmt"
	"time"

	"encore.dev/storage/sqldb"
)

// Store is the sqldb-backed persistence layer for Deployment Registry
// membership, following the same append/upsert-friendly schema style as the
// invalidation audit-log store
// (invalidation/audit.go): append/upsert-friendly schema, indexed for the
// access patterns the service actually needs.
type Store struct {
	db *sqldb.Database
}

// NewStore opens the store and ensures its schema exists.
func NewStore(db *sqldb.Database) (*Store, error) {
	s := &Store{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize registry schema: %w", err)
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS registry_members (
			deployment    INT NOT NULL,
			instance_id   BIGINT NOT NULL,
			heartbeat_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (deployment, instance_id)
		);

		CREATE INDEX IF NOT EXISTS idx_registry_members_deployment
		ON registry_members(deployment);

		CREATE TABLE IF NOT EXISTS registry_instances (
			instance_id       BIGINT PRIMARY KEY,
			first_deployment  INT NOT NULL,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`
	_, err := s.db.Exec(ctx, query)
	return err
}

// Join creates (or refreshes) the ephemeral row and writes the permanent
// record once per instance ID.
func (s *Store) Join(ctx context.Context, deployment int, instanceID int64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO registry_members (deployment, instance_id, heartbeat_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (deployment, instance_id)
		DO UPDATE SET heartbeat_at = NOW()
	`, deployment, instanceID)
	if err != nil {
		return fmt.Errorf("join ephemeral member: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO registry_instances (instance_id, first_deployment)
		VALUES ($1, $2)
		ON CONFLICT (instance_id) DO NOTHING
	`, instanceID, deployment)
	if err != nil {
		return fmt.Errorf("write permanent record: %w", err)
	}
	return nil
}

// Leave removes the ephemeral row. Best-effort: callers should not treat a
// failure here as fatal, since staleness expiry will eventually converge.
func (s *Store) Leave(ctx context.Context, deployment int, instanceID int64) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM registry_members WHERE deployment = $1 AND instance_id = $2
	`, deployment, instanceID)
	return err
}

// Heartbeat refreshes an existing ephemeral row's liveness timestamp without
// re-writing the permanent record. Nothing in this module calls it: the
// executor's heartbeat loop re-sends Join, which refreshes the same
// timestamp.
func (s *Store) Heartbeat(ctx context.Context, deployment int, instanceID int64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE registry_members SET heartbeat_at = NOW()
		WHERE deployment = $1 AND instance_id = $2
	`, deployment, instanceID)
	return err
}

// ListLive returns instance IDs for deployment with a heartbeat inside the
// staleness window, ordered ascending by instance ID.
func (s *Store) ListLive(ctx context.Context, deployment int) ([]int64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT instance_id FROM registry_members
		WHERE deployment = $1 AND heartbeat_at > NOW() - $2::interval
		ORDER BY instance_id ASC
	`, deployment, intervalLiteral(StalenessWindow))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IsAlive scans all deployments for instanceID with a fresh heartbeat.
func (s *Store) IsAlive(ctx context.Context, instanceID int64) (bool, error) {
	row := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM registry_members
			WHERE instance_id = $1 AND heartbeat_at > NOW() - $2::interval
		)
	`, instanceID, intervalLiteral(StalenessWindow))

	var alive bool
	if err := row.Scan(&alive); err != nil {
		return false, err
	}
	return alive, nil
}

// Sweep deletes ephemeral rows past the staleness window (implicit
// cleanup of crashed instances) and returns the number removed.
func (s *Store) Sweep(ctx context.Context, staleness time.Duration) (int, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM registry_members WHERE heartbeat_at <= NOW() - $1::interval
	`, intervalLiteral(staleness))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func intervalLiteral(d time.Duration) string {
	return fmt.Sprintf("%d milliseconds", d.Milliseconds())
}
