package mappingstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"encore.dev/storage/sqldb"
)

// DurableStore is the persistence contract behind the L1 front. Satisfied
// by *SQLStore in production and by an in-memory fake in tests.
type DurableStore interface {
	Get(ctx context.Context, parentPath string) (deployment int, ok bool, err error)
	Set(ctx context.Context, parentPath string, deployment int, ttl time.Duration) error
	Delete(ctx context.Context, parentPath string) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// SQLStore persists mappings in a single keyed table: parent path to
// deployment number, with an expiry so routing hints age out rather than
// outliving a deployment-count change.
type SQLStore struct {
	db *sqldb.Database
}

// NewSQLStore opens the store and ensures its schema exists.
func NewSQLStore(db *sqldb.Database) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize mapping schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS routing_mappings (
			parent_path TEXT PRIMARY KEY,
			deployment  INT NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at  TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_routing_mappings_expires
		ON routing_mappings(expires_at);
	`
	_, err := s.db.Exec(ctx, query)
	return err
}

func (s *SQLStore) Get(ctx context.Context, parentPath string) (int, bool, error) {
	var deployment int
	err := s.db.QueryRow(ctx, `
		SELECT deployment FROM routing_mappings
		WHERE parent_path = $1 AND expires_at > NOW()
	`, parentPath).Scan(&deployment)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get mapping %s: %w", parentPath, err)
	}
	return deployment, true, nil
}

func (s *SQLStore) Set(ctx context.Context, parentPath string, deployment int, ttl time.Duration) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO routing_mappings (parent_path, deployment, updated_at, expires_at)
		VALUES ($1, $2, NOW(), NOW() + $3::interval)
		ON CONFLICT (parent_path)
		DO UPDATE SET deployment = $2, updated_at = NOW(), expires_at = NOW() + $3::interval
	`, parentPath, deployment, fmt.Sprintf("%d milliseconds", ttl.Milliseconds()))
	if err != nil {
		return fmt.Errorf("set mapping %s: %w", parentPath, err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, parentPath string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM routing_mappings WHERE parent_path = $1`, parentPath)
	if err != nil {
		return fmt.Errorf("delete mapping %s: %w", parentPath, err)
	}
	return nil
}

func (s *SQLStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	res, err := s.db.Exec(ctx, `
		DELETE FROM routing_mappings WHERE parent_path = $1 OR parent_path LIKE $2
	`, prefix, prefix+"/%")
	if err != nil {
		return 0, fmt.Errorf("delete mappings under %s: %w", prefix, err)
	}
	return int(res.RowsAffected()), nil
}
