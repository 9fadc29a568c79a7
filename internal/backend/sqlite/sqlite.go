// Package sqlite provides an embedded backend store on SQLite.
//
// The store implements backend.Backend against a local database file so the
// agent can run without a remote time-series service, and so tests can
// inspect exactly what the ingestion pipeline wrote.
//
// Architecture:
//   - WAL mode: concurrent readers while monitors write
//   - Schema: nodes, leaves, relationships, properties, samples, intervals
//   - Timestamps: stored as Unix nanoseconds
//   - Upserts: INSERT ... ON CONFLICT, so every batch is idempotent
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/mschirtzinger/dirwatch/internal/backend"
)

// Ensure DB implements backend.Backend.
var _ backend.Backend = (*DB)(nil)

// DB wraps the SQLite connection with backend operations.
type DB struct {
	conn     *sql.DB
	path     string
	pageSize int
}

// Config holds store configuration.
type Config struct {
	// PageSize is the largest batch a single call accepts (default: 1000)
	PageSize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{PageSize: backend.DefaultPageSize}
}

// Open creates a store at the specified path with default configuration.
//
// The database is opened with WAL for concurrent reads. The caller MUST call
// Close() when done.
//
// Example:
//
//	store, err := sqlite.Open("/var/lib/dirwatch/store.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	return OpenWithConfig(path, DefaultConfig())
}

// OpenWithConfig creates a store with custom configuration.
func OpenWithConfig(path string, config *Config) (*DB, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.PageSize <= 0 {
		config.PageSize = backend.DefaultPageSize
	}

	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn:     conn,
		path:     path,
		pageSize: config.PageSize,
	}

	pragmas := []struct {
		stmt string
		what string
	}{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := db.conn.Exec(p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}

	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// PageSize returns the largest batch a single call accepts.
func (db *DB) PageSize() int {
	return db.pageSize
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the schema if it doesn't exist. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		data_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		is_root INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS leaves (
		data_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,  -- series, condition
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		description TEXT,
		unit_of_measure TEXT,
		interpolation_method TEXT,
		maximum_interpolation_ns INTEGER NOT NULL DEFAULT 0,
		maximum_duration_ns INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS relationships (
		parent_id TEXT NOT NULL,
		child_id TEXT NOT NULL,
		PRIMARY KEY (parent_id, child_id)
	);

	-- Item properties, including the incremental-sync cursor
	CREATE TABLE IF NOT EXISTS properties (
		item_id TEXT NOT NULL,
		name TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (item_id, name)
	);

	CREATE TABLE IF NOT EXISTS samples (
		leaf_id TEXT NOT NULL,
		key_ns INTEGER NOT NULL,
		value_kind TEXT NOT NULL,  -- null, number, text
		num REAL,
		txt TEXT,
		PRIMARY KEY (leaf_id, key_ns),
		FOREIGN KEY (leaf_id) REFERENCES leaves(data_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS intervals (
		leaf_id TEXT NOT NULL,
		start_ns INTEGER NOT NULL,
		end_ns INTEGER NOT NULL,
		properties TEXT,  -- JSON object
		PRIMARY KEY (leaf_id, start_ns, end_ns),
		FOREIGN KEY (leaf_id) REFERENCES leaves(data_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_leaves_path ON leaves(path);
	CREATE INDEX IF NOT EXISTS idx_relationships_child ON relationships(child_id);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

func (db *DB) checkPage(n int) error {
	if n > db.pageSize {
		return fmt.Errorf("%w: %d > %d", backend.ErrPageTooLarge, n, db.pageSize)
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// UpsertNodes implements backend.Backend.UpsertNodes.
// The assigned ID of a node is its DataID.
func (db *DB) UpsertNodes(ctx context.Context, nodes []backend.Node) ([]backend.Ref, error) {
	if err := db.checkPage(len(nodes)); err != nil {
		return nil, err
	}

	query := `
	INSERT INTO nodes (data_id, name, path, is_root, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(data_id) DO UPDATE SET
		name = excluded.name,
		path = excluded.path,
		is_root = MAX(nodes.is_root, excluded.is_root),
		updated_at = excluded.updated_at
	`

	refs := make([]backend.Ref, 0, len(nodes))
	err := db.inTx(ctx, query, func(stmt *sql.Stmt) error {
		for _, n := range nodes {
			if _, err := stmt.ExecContext(ctx, n.DataID, n.Name, n.Path, boolToInt(n.Root), now()); err != nil {
				return fmt.Errorf("failed to upsert node %s: %w", n.Path, err)
			}
			refs = append(refs, backend.Ref{DataID: n.DataID, ID: n.DataID})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// UpsertLeaves implements backend.Backend.UpsertLeaves.
// The assigned ID of a leaf is its DataID.
func (db *DB) UpsertLeaves(ctx context.Context, leaves []backend.Leaf) ([]backend.Ref, error) {
	if err := db.checkPage(len(leaves)); err != nil {
		return nil, err
	}

	query := `
	INSERT INTO leaves (
		data_id, kind, name, path, description, unit_of_measure,
		interpolation_method, maximum_interpolation_ns, maximum_duration_ns, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(data_id) DO UPDATE SET
		kind = excluded.kind,
		name = excluded.name,
		path = excluded.path,
		description = excluded.description,
		unit_of_measure = excluded.unit_of_measure,
		interpolation_method = excluded.interpolation_method,
		maximum_interpolation_ns = excluded.maximum_interpolation_ns,
		maximum_duration_ns = excluded.maximum_duration_ns,
		updated_at = excluded.updated_at
	`

	refs := make([]backend.Ref, 0, len(leaves))
	err := db.inTx(ctx, query, func(stmt *sql.Stmt) error {
		for _, l := range leaves {
			_, err := stmt.ExecContext(ctx,
				l.DataID,
				string(l.Kind),
				l.Name,
				l.Path,
				l.Description,
				l.UnitOfMeasure,
				l.InterpolationMethod,
				int64(l.MaximumInterpolation),
				int64(l.MaximumDuration),
				now(),
			)
			if err != nil {
				return fmt.Errorf("failed to upsert leaf %s: %w", l.Path, err)
			}
			refs = append(refs, backend.Ref{DataID: l.DataID, ID: l.DataID})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// ResolveLeaf implements backend.Backend.ResolveLeaf. Leaves are stored
// under their DataID, so the Ref carries it as both fields.
func (db *DB) ResolveLeaf(ctx context.Context, dataID string) (backend.Ref, error) {
	if _, err := db.LeafContext(ctx, dataID); err != nil {
		return backend.Ref{}, err
	}
	return backend.Ref{DataID: dataID, ID: dataID}, nil
}

// UpsertRelationships implements backend.Backend.UpsertRelationships.
func (db *DB) UpsertRelationships(ctx context.Context, rels []backend.Relationship) error {
	if err := db.checkPage(len(rels)); err != nil {
		return err
	}

	query := `
	INSERT INTO relationships (parent_id, child_id) VALUES (?, ?)
	ON CONFLICT(parent_id, child_id) DO NOTHING
	`

	return db.inTx(ctx, query, func(stmt *sql.Stmt) error {
		for _, r := range rels {
			if _, err := stmt.ExecContext(ctx, r.ParentDataID, r.ChildDataID); err != nil {
				return fmt.Errorf("failed to link %s -> %s: %w", r.ParentDataID, r.ChildDataID, err)
			}
		}
		return nil
	})
}

// GetProperty implements backend.Backend.GetProperty.
func (db *DB) GetProperty(ctx context.Context, id, name string) (string, bool, error) {
	var value string
	err := db.conn.QueryRowContext(ctx,
		`SELECT value FROM properties WHERE item_id = ? AND name = ?`, id, name,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read property %s of %s: %w", name, id, err)
	}
	return value, true, nil
}

// SetProperty implements backend.Backend.SetProperty.
func (db *DB) SetProperty(ctx context.Context, id, name, value string) error {
	query := `
	INSERT INTO properties (item_id, name, value, updated_at) VALUES (?, ?, ?, ?)
	ON CONFLICT(item_id, name) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`
	if _, err := db.conn.ExecContext(ctx, query, id, name, value, now()); err != nil {
		return fmt.Errorf("failed to set property %s of %s: %w", name, id, err)
	}
	return nil
}

// WriteSamples implements backend.Backend.WriteSamples.
// A sample at an existing key replaces the stored value.
func (db *DB) WriteSamples(ctx context.Context, id string, samples []backend.Sample) error {
	if err := db.checkPage(len(samples)); err != nil {
		return err
	}
	if err := db.requireLeaf(ctx, id, backend.KindSeries); err != nil {
		return err
	}

	query := `
	INSERT INTO samples (leaf_id, key_ns, value_kind, num, txt) VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(leaf_id, key_ns) DO UPDATE SET
		value_kind = excluded.value_kind,
		num = excluded.num,
		txt = excluded.txt
	`

	return db.inTx(ctx, query, func(stmt *sql.Stmt) error {
		for _, s := range samples {
			var (
				kind = "null"
				num  sql.NullFloat64
				txt  sql.NullString
			)
			switch v := s.Value.(type) {
			case nil:
			case float64:
				kind = "number"
				num = sql.NullFloat64{Float64: v, Valid: true}
			case string:
				kind = "text"
				txt = sql.NullString{String: v, Valid: true}
			default:
				return fmt.Errorf("unsupported sample value %T at %s", s.Value, s.Key.Format(time.RFC3339Nano))
			}
			if _, err := stmt.ExecContext(ctx, id, s.Key.UnixNano(), kind, num, txt); err != nil {
				return fmt.Errorf("failed to write sample: %w", err)
			}
		}
		return nil
	})
}

// WriteIntervals implements backend.Backend.WriteIntervals.
func (db *DB) WriteIntervals(ctx context.Context, id string, intervals []backend.Interval) error {
	if err := db.checkPage(len(intervals)); err != nil {
		return err
	}
	if err := db.requireLeaf(ctx, id, backend.KindCondition); err != nil {
		return err
	}

	query := `
	INSERT INTO intervals (leaf_id, start_ns, end_ns, properties) VALUES (?, ?, ?, ?)
	ON CONFLICT(leaf_id, start_ns, end_ns) DO UPDATE SET
		properties = excluded.properties
	`

	return db.inTx(ctx, query, func(stmt *sql.Stmt) error {
		for _, iv := range intervals {
			props, err := json.Marshal(iv.Properties)
			if err != nil {
				return fmt.Errorf("failed to marshal properties: %w", err)
			}
			if _, err := stmt.ExecContext(ctx, id, iv.Start.UnixNano(), iv.End.UnixNano(), string(props)); err != nil {
				return fmt.Errorf("failed to write interval: %w", err)
			}
		}
		return nil
	})
}

// requireLeaf checks that id names a leaf of the given kind.
func (db *DB) requireLeaf(ctx context.Context, id string, kind backend.LeafKind) error {
	var got string
	err := db.conn.QueryRowContext(ctx, `SELECT kind FROM leaves WHERE data_id = ?`, id).Scan(&got)
	if err == sql.ErrNoRows {
		return fmt.Errorf("leaf %s: %w", id, backend.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to look up leaf %s: %w", id, err)
	}
	if backend.LeafKind(got) != kind {
		return fmt.Errorf("leaf %s is a %s, not a %s", id, got, kind)
	}
	return nil
}

// inTx runs fn with query prepared inside a transaction.
func (db *DB) inTx(ctx context.Context, query string, fn func(*sql.Stmt) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	if err := fn(stmt); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
