package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"encore.dev/storage/sqldb"

	"encore.app/pkg/models"
	"encore.app/pkg/routing"
)

// MetadataStore is the narrow interface to the authoritative external
// metadata store. Its transactional locking discipline and the semantics of
// individual filesystem operations live behind it; the engine only resolves
// inodes for routing/caching and delegates opaque operation application.
type MetadataStore interface {
	// Resolve returns the inode at path, or nil (no error) when absent.
	Resolve(ctx context.Context, path string) (*models.Inode, error)
	// Lookup returns the inode with the given ID, or nil when absent.
	Lookup(ctx context.Context, id int64) (*models.Inode, error)
	// List returns the direct children of the directory at path.
	List(ctx context.Context, path string) ([]*models.Inode, error)
	// Apply executes a namespace-mutating operation and returns its
	// serialized payload plus the primary inode it touched (nil when the
	// operation has no single primary inode).
	Apply(ctx context.Context, op string, args map[string]any) ([]byte, *models.Inode, error)
}

// SQLStore backs MetadataStore with encore.dev/storage/sqldb. It keeps just
// enough namespace state (one inodes table) for routing, caching, and the
// write operations the dispatch table exposes; everything richer belongs to
// the real metadata tier behind this interface.
type SQLStore struct {
	db *sqldb.Database
}

// NewSQLStore opens the store and ensures its schema exists.
func NewSQLStore(db *sqldb.Database) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize metadata schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS inodes (
			id         BIGSERIAL PRIMARY KEY,
			parent_id  BIGINT NOT NULL DEFAULT 0,
			name       TEXT NOT NULL,
			path       TEXT NOT NULL UNIQUE,
			is_dir     BOOLEAN NOT NULL DEFAULT FALSE,
			size       BIGINT NOT NULL DEFAULT 0,
			mod_time   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_inodes_parent
		ON inodes(parent_id, name);

		INSERT INTO inodes (parent_id, name, path, is_dir)
		VALUES (0, '/', '/', TRUE)
		ON CONFLICT (path) DO NOTHING;
	`
	_, err := s.db.Exec(ctx, query)
	return err
}

func (s *SQLStore) Resolve(ctx context.Context, path string) (*models.Inode, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, parent_id, name, path, is_dir, size, mod_time
		FROM inodes WHERE path = $1
	`, path)
	return scanInode(row)
}

func (s *SQLStore) Lookup(ctx context.Context, id int64) (*models.Inode, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, parent_id, name, path, is_dir, size, mod_time
		FROM inodes WHERE id = $1
	`, id)
	return scanInode(row)
}

func (s *SQLStore) List(ctx context.Context, path string) ([]*models.Inode, error) {
	parent, err := s.Resolve(ctx, path)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, nil
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, parent_id, name, path, is_dir, size, mod_time
		FROM inodes WHERE parent_id = $1 ORDER BY name
	`, parent.ID)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	defer rows.Close()

	var children []*models.Inode
	for rows.Next() {
		var in models.Inode
		if err := rows.Scan(&in.ID, &in.ParentID, &in.Name, &in.Path, &in.IsDir, &in.Size, &in.ModTime); err != nil {
			return nil, fmt.Errorf("scan child of %s: %w", path, err)
		}
		children = append(children, &in)
	}
	return children, rows.Err()
}

// Apply routes the namespace mutations the dispatch table exposes. Unknown
// write operations are recorded as applied-without-local-effect: the
// authoritative store behind this interface owns their semantics.
func (s *SQLStore) Apply(ctx context.Context, op string, args map[string]any) ([]byte, *models.Inode, error) {
	src, _ := args["src"].(string)
	switch op {
	case "mkdirs":
		return s.applyMkdirs(ctx, src)
	case "create":
		return s.applyCreate(ctx, src)
	case "delete":
		return s.applyDelete(ctx, src)
	case "rename":
		dst, _ := args["dst"].(string)
		return s.applyRename(ctx, src, dst)
	default:
		payload, err := json.Marshal(map[string]any{"applied": true, "op": op})
		return payload, nil, err
	}
}

// applyMkdirs creates every missing directory on the way down to src and
// returns the deepest one.
func (s *SQLStore) applyMkdirs(ctx context.Context, src string) ([]byte, *models.Inode, error) {
	if src == "" {
		return nil, nil, errors.New("mkdirs: empty src")
	}
	var made *models.Inode
	for _, path := range ancestryOf(src) {
		inode, err := s.ensureNode(ctx, path, true)
		if err != nil {
			return nil, nil, fmt.Errorf("mkdirs %s: %w", src, err)
		}
		made = inode
	}
	payload, err := json.Marshal(true)
	return payload, made, err
}

func (s *SQLStore) applyCreate(ctx context.Context, src string) ([]byte, *models.Inode, error) {
	if src == "" {
		return nil, nil, errors.New("create: empty src")
	}
	for _, path := range ancestryOf(routing.ParentPath(src)) {
		if _, err := s.ensureNode(ctx, path, true); err != nil {
			return nil, nil, fmt.Errorf("create %s: %w", src, err)
		}
	}
	inode, err := s.ensureNode(ctx, src, false)
	if err != nil {
		return nil, nil, fmt.Errorf("create %s: %w", src, err)
	}
	payload, merr := json.Marshal(inode)
	return payload, inode, merr
}

func (s *SQLStore) applyDelete(ctx context.Context, src string) ([]byte, *models.Inode, error) {
	if src == "" || src == "/" {
		return nil, nil, fmt.Errorf("delete: refusing %q", src)
	}
	target, err := s.Resolve(ctx, src)
	if err != nil {
		return nil, nil, err
	}
	res, err := s.db.Exec(ctx, `
		DELETE FROM inodes WHERE path = $1 OR path LIKE $2
	`, src, src+"/%")
	if err != nil {
		return nil, nil, fmt.Errorf("delete %s: %w", src, err)
	}
	payload, merr := json.Marshal(res.RowsAffected() > 0)
	return payload, target, merr
}

func (s *SQLStore) applyRename(ctx context.Context, src, dst string) ([]byte, *models.Inode, error) {
	if src == "" || dst == "" {
		return nil, nil, errors.New("rename: empty src or dst")
	}
	target, err := s.Resolve(ctx, src)
	if err != nil {
		return nil, nil, err
	}
	if target == nil {
		payload, merr := json.Marshal(false)
		return payload, nil, merr
	}

	newParent, err := s.Resolve(ctx, routing.ParentPath(dst))
	if err != nil {
		return nil, nil, err
	}
	var newParentID int64
	if newParent != nil {
		newParentID = newParent.ID
	}

	_, err = s.db.Exec(ctx, `
		UPDATE inodes
		SET path = $2, name = $3, parent_id = $4, mod_time = NOW()
		WHERE id = $1
	`, target.ID, dst, baseName(dst), newParentID)
	if err != nil {
		return nil, nil, fmt.Errorf("rename %s: %w", src, err)
	}

	// Rewrite descendant paths under the old prefix.
	_, err = s.db.Exec(ctx, `
		UPDATE inodes
		SET path = $2 || SUBSTRING(path FROM LENGTH($1) + 1)
		WHERE path LIKE $1 || '/%'
	`, src, dst)
	if err != nil {
		return nil, nil, fmt.Errorf("rename descendants of %s: %w", src, err)
	}

	renamed, err := s.Lookup(ctx, target.ID)
	if err != nil {
		return nil, nil, err
	}
	payload, merr := json.Marshal(true)
	return payload, renamed, merr
}

// ensureNode inserts the inode at path if absent and returns it either way.
func (s *SQLStore) ensureNode(ctx context.Context, path string, isDir bool) (*models.Inode, error) {
	parent, err := s.Resolve(ctx, routing.ParentPath(path))
	if err != nil {
		return nil, err
	}
	var parentID int64
	if parent != nil {
		parentID = parent.ID
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO inodes (parent_id, name, path, is_dir)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (path) DO NOTHING
	`, parentID, baseName(path), path, isDir)
	if err != nil {
		return nil, err
	}
	return s.Resolve(ctx, path)
}

// ancestryOf returns every path from the root's first child down to path
// itself, shallowest first. The root is assumed to exist.
func ancestryOf(path string) []string {
	if path == "" || path == "/" {
		return nil
	}
	trimmed := strings.TrimSuffix(path, "/")
	parts := strings.Split(strings.TrimPrefix(trimmed, "/"), "/")
	out := make([]string, 0, len(parts))
	cur := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		out = append(out, cur)
	}
	return out
}

func baseName(path string) string {
	if path == "/" || path == "" {
		return "/"
	}
	trimmed := strings.TrimSuffix(path, "/")
	idx := strings.LastIndexByte(trimmed, '/')
	return trimmed[idx+1:]
}

func scanInode(row *sqldb.Row) (*models.Inode, error) {
	var in models.Inode
	var mod time.Time
	err := row.Scan(&in.ID, &in.ParentID, &in.Name, &in.Path, &in.IsDir, &in.Size, &mod)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	in.ModTime = mod
	return &in, nil
}
