// Package index is the sole persistence layer: items, their sync states,
// the reconciler's cursor, and the conflict history. Every other component
// reaches rows only through this package's transactional API.
//
// Only this package may open or query the index database. The ops queue
// (package queue) is layered on the same [*sql.DB] handle — see
// [Store.DB] — but the schema and migrations for both live here, since
// they share one file and one migrations table.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/njoerd114/yadiskd/internal/model"
	"github.com/njoerd114/yadiskd/internal/synerr"
)

const schema = `
CREATE TABLE IF NOT EXISTS migrations (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS items (
    path                  TEXT PRIMARY KEY,
    parent_path           TEXT NOT NULL DEFAULT '',
    name                  TEXT NOT NULL,
    kind                  TEXT NOT NULL,
    size                  INTEGER,
    modified              TEXT NOT NULL DEFAULT '',
    content_hash          TEXT,
    resource_id           TEXT,
    last_synced_hash      TEXT,
    last_synced_modified  TEXT
);

CREATE INDEX IF NOT EXISTS idx_items_parent_path  ON items (parent_path);
CREATE INDEX IF NOT EXISTS idx_items_resource_id  ON items (resource_id) WHERE resource_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS states (
    path            TEXT PRIMARY KEY REFERENCES items(path) ON DELETE CASCADE,
    state           TEXT NOT NULL DEFAULT 'cloud_only',
    pinned          INTEGER NOT NULL DEFAULT 0,
    last_error      TEXT NOT NULL DEFAULT '',
    retry_at        TEXT,
    last_success_at TEXT,
    last_error_at   TEXT,
    dirty           INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_states_retry_at ON states (retry_at);

CREATE TABLE IF NOT EXISTS sync_cursor (
    id        INTEGER PRIMARY KEY CHECK (id = 1),
    cursor    TEXT NOT NULL DEFAULT '',
    last_sync TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS conflicts (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    path          TEXT NOT NULL,
    renamed_local TEXT NOT NULL,
    created       TEXT NOT NULL,
    reason        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ops_queue (
    id       INTEGER PRIMARY KEY AUTOINCREMENT,
    kind     TEXT NOT NULL,
    path     TEXT NOT NULL,
    payload  TEXT NOT NULL DEFAULT '',
    attempt  INTEGER NOT NULL DEFAULT 0,
    retry_at TEXT,
    priority INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_ops_queue_kind_path ON ops_queue (kind, path);
`

// Store is the SQLite-backed index: items, states, sync_cursor, conflicts,
// and (schema-wise) ops_queue.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns $XDG_DATA_HOME/yadiskd/index.db, falling back to
// ~/.local/share/yadiskd/index.db when XDG_DATA_HOME is unset.
func DefaultDBPath() (string, error) {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "yadiskd", "index.db"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "yadiskd", "index.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema,
// and configures WAL mode.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening index %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL; all index and ops-queue
	// traffic goes through this one connection.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying handle so package queue can share the connection.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	_, err := db.Exec(
		`INSERT INTO migrations (version, applied_at) VALUES (1, ?)
		 ON CONFLICT(version) DO NOTHING`,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// UpsertItem inserts or updates an item by path. last_synced_hash and
// last_synced_modified are preserved unless the caller explicitly carries
// them on item (non-nil) — pass a zero Item without those fields set to
// leave the baseline untouched.
func (s *Store) UpsertItem(ctx context.Context, item *model.Item) error {
	const q = `
		INSERT INTO items (path, parent_path, name, kind, size, modified, content_hash, resource_id, last_synced_hash, last_synced_modified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
		    parent_path  = excluded.parent_path,
		    name         = excluded.name,
		    kind         = excluded.kind,
		    size         = excluded.size,
		    modified     = excluded.modified,
		    content_hash = excluded.content_hash,
		    resource_id  = excluded.resource_id,
		    last_synced_hash     = COALESCE(?, items.last_synced_hash),
		    last_synced_modified = COALESCE(?, items.last_synced_modified)`

	_, err := s.db.ExecContext(ctx, q,
		item.Path, item.ParentPath, item.Name, string(item.Kind),
		nullInt64(item.Size), formatTime(item.Modified), nullString(item.ContentHash), nullString(item.ResourceID),
		nullString(item.LastSyncedHash), nullTimePtr(item.LastSyncedModified),
		nullString(item.LastSyncedHash), nullTimePtr(item.LastSyncedModified),
	)
	if err != nil {
		return synerr.New(synerr.Storage, fmt.Errorf("upserting item %q: %w", item.Path, err))
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO states (path, state) VALUES (?, 'cloud_only') ON CONFLICT(path) DO NOTHING`,
		item.Path,
	); err != nil {
		return synerr.New(synerr.Storage, fmt.Errorf("ensuring state row for %q: %w", item.Path, err))
	}
	return nil
}

// SetSyncedBaseline sets last_synced_hash/last_synced_modified explicitly —
// the one path that overwrites the baseline UpsertItem otherwise preserves.
func (s *Store) SetSyncedBaseline(ctx context.Context, path, hash string, modified time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE items SET last_synced_hash = ?, last_synced_modified = ? WHERE path = ?`,
		hash, formatTime(modified), path,
	)
	if err != nil {
		return synerr.New(synerr.Storage, fmt.Errorf("setting synced baseline for %q: %w", path, err))
	}
	return nil
}

// RenameItem atomically moves an item (and its state row) from oldPath to
// newPath, preserving resource_id, state, and pinned.
func (s *Store) RenameItem(ctx context.Context, oldPath, newPath, newParentPath, newName string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return synerr.New(synerr.Storage, err)
	}
	defer func() { _ = tx.Rollback() }()

	// states.path references items.path: check that reference at commit, once
	// both rows carry newPath, instead of after each UPDATE.
	if _, err := tx.ExecContext(ctx, `PRAGMA defer_foreign_keys = ON`); err != nil {
		return synerr.New(synerr.Storage, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE items SET path = ?, parent_path = ?, name = ? WHERE path = ?`,
		newPath, newParentPath, newName, oldPath,
	); err != nil {
		return synerr.New(synerr.Storage, fmt.Errorf("renaming item %q -> %q: %w", oldPath, newPath, err))
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE states SET path = ? WHERE path = ?`, newPath, oldPath,
	); err != nil {
		return synerr.New(synerr.Storage, fmt.Errorf("renaming state %q -> %q: %w", oldPath, newPath, err))
	}
	if err := tx.Commit(); err != nil {
		return synerr.New(synerr.Storage, err)
	}
	return nil
}

// DeleteItem removes the item (cascading its state) and drops any queued
// upload/download ops for path. Queued delete ops are preserved — they
// still need to be enacted remotely when the deletion originated locally.
func (s *Store) DeleteItem(ctx context.Context, path string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return synerr.New(synerr.Storage, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM items WHERE path = ?`, path); err != nil {
		return synerr.New(synerr.Storage, fmt.Errorf("deleting item %q: %w", path, err))
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM ops_queue WHERE path = ? AND kind IN (?, ?)`,
		path, string(model.OpUpload), string(model.OpDownload),
	); err != nil {
		return synerr.New(synerr.Storage, fmt.Errorf("dropping transfer ops for %q: %w", path, err))
	}
	if err := tx.Commit(); err != nil {
		return synerr.New(synerr.Storage, err)
	}
	return nil
}

// SetState updates the sync state, optionally recording an error and/or a
// retry-at deadline.
func (s *Store) SetState(ctx context.Context, path string, state model.SyncState, lastErr string, retryAt *time.Time) error {
	now := time.Now().UTC()
	var successAt, errorAt any
	switch state {
	case model.StateCached:
		successAt = formatTime(now)
	case model.StateError:
		errorAt = formatTime(now)
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE states SET state = ?, last_error = ?, retry_at = ?,
		    last_success_at = COALESCE(?, last_success_at),
		    last_error_at    = COALESCE(?, last_error_at),
		    dirty = CASE WHEN ? = 'cached' THEN 0 ELSE dirty END
		 WHERE path = ?`,
		string(state), lastErr, nullTimePtr(retryAt), successAt, errorAt, string(state), path,
	)
	if err != nil {
		return synerr.New(synerr.Storage, fmt.Errorf("setting state for %q: %w", path, err))
	}
	return nil
}

// SetDirty marks whether local bytes differ from the last-synced baseline.
func (s *Store) SetDirty(ctx context.Context, path string, dirty bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE states SET dirty = ? WHERE path = ?`, dirty, path)
	if err != nil {
		return synerr.New(synerr.Storage, fmt.Errorf("setting dirty for %q: %w", path, err))
	}
	return nil
}

// SetPinned sets the pin flag for path.
func (s *Store) SetPinned(ctx context.Context, path string, pinned bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE states SET pinned = ? WHERE path = ?`, pinned, path)
	if err != nil {
		return synerr.New(synerr.Storage, fmt.Errorf("setting pinned for %q: %w", path, err))
	}
	return nil
}

// LoadCursor returns the persisted reconciler cursor, or the zero value if
// none has been saved yet.
func (s *Store) LoadCursor(ctx context.Context) (model.SyncCursor, error) {
	var cursor, lastSync string
	err := s.db.QueryRowContext(ctx, `SELECT cursor, last_sync FROM sync_cursor WHERE id = 1`).Scan(&cursor, &lastSync)
	if err == sql.ErrNoRows {
		return model.SyncCursor{}, nil
	}
	if err != nil {
		return model.SyncCursor{}, synerr.New(synerr.Storage, fmt.Errorf("loading cursor: %w", err))
	}
	ts, _ := parseTime(lastSync)
	return model.SyncCursor{Cursor: cursor, LastSync: ts}, nil
}

// SaveCursor persists the reconciler's watermark.
func (s *Store) SaveCursor(ctx context.Context, cursor string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_cursor (id, cursor, last_sync) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET cursor = excluded.cursor, last_sync = excluded.last_sync`,
		cursor, formatTime(at),
	)
	if err != nil {
		return synerr.New(synerr.Storage, fmt.Errorf("saving cursor: %w", err))
	}
	return nil
}

// RecordConflict appends a conflict row and returns its id.
func (s *Store) RecordConflict(ctx context.Context, path, renamedLocal, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conflicts (path, renamed_local, created, reason) VALUES (?, ?, ?, ?)`,
		path, renamedLocal, formatTime(time.Now().UTC()), reason,
	)
	if err != nil {
		return 0, synerr.New(synerr.Storage, fmt.Errorf("recording conflict for %q: %w", path, err))
	}
	return res.LastInsertId()
}

// ListConflicts returns every recorded conflict, most recent first.
func (s *Store) ListConflicts(ctx context.Context) ([]model.ConflictRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, path, renamed_local, created, reason FROM conflicts ORDER BY id DESC`)
	if err != nil {
		return nil, synerr.New(synerr.Storage, err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ConflictRecord
	for rows.Next() {
		var c model.ConflictRecord
		var created string
		if err := rows.Scan(&c.ID, &c.Path, &c.RenamedLocal, &created, &c.Reason); err != nil {
			return nil, synerr.New(synerr.Storage, err)
		}
		c.Created, _ = parseTime(created)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListChildren returns the direct children of parentPath, ordered by name.
func (s *Store) ListChildren(ctx context.Context, parentPath string) ([]model.Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, parent_path, name, kind, size, modified, content_hash, resource_id, last_synced_hash, last_synced_modified
		 FROM items WHERE parent_path = ? ORDER BY name`, parentPath)
	if err != nil {
		return nil, synerr.New(synerr.Storage, err)
	}
	defer func() { _ = rows.Close() }()
	return scanItems(rows)
}

// ListByPrefix returns every item whose path is prefix or a descendant of
// prefix, used for recursive pin/evict and directory aggregate state.
func (s *Store) ListByPrefix(ctx context.Context, prefix string) ([]model.Item, error) {
	like := strings.TrimSuffix(prefix, "/") + "/%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, parent_path, name, kind, size, modified, content_hash, resource_id, last_synced_hash, last_synced_modified
		 FROM items WHERE path = ? OR path LIKE ? ORDER BY path`, prefix, like)
	if err != nil {
		return nil, synerr.New(synerr.Storage, err)
	}
	defer func() { _ = rows.Close() }()
	return scanItems(rows)
}

// GetItem returns the item at path, or (nil, nil) if not present.
func (s *Store) GetItem(ctx context.Context, path string) (*model.Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT path, parent_path, name, kind, size, modified, content_hash, resource_id, last_synced_hash, last_synced_modified
		 FROM items WHERE path = ?`, path)
	return scanItem(row)
}

// GetItemByResourceID returns the item with the given resource id, or
// (nil, nil) if none is tracked — used for rename detection.
func (s *Store) GetItemByResourceID(ctx context.Context, resourceID string) (*model.Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT path, parent_path, name, kind, size, modified, content_hash, resource_id, last_synced_hash, last_synced_modified
		 FROM items WHERE resource_id = ?`, resourceID)
	return scanItem(row)
}

// GetState returns the state row for path, or (nil, nil) if not present.
func (s *Store) GetState(ctx context.Context, path string) (*model.State, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT path, state, pinned, last_error, retry_at, last_success_at, last_error_at, dirty
		 FROM states WHERE path = ?`, path)
	return scanState(row)
}

// EvictionCandidate is a cached, unpinned file eligible for cache eviction.
type EvictionCandidate struct {
	Path          string
	Size          int64
	LastSuccessAt time.Time
}

// ListEvictable returns cached, unpinned files ordered oldest-synced-first,
// the order package engine's cache eviction sweep evicts in.
func (s *Store) ListEvictable(ctx context.Context) ([]EvictionCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.path, COALESCE(i.size, 0), COALESCE(st.last_success_at, '')
		FROM states st JOIN items i ON i.path = st.path
		WHERE st.state = 'cached' AND st.pinned = 0 AND i.kind = 'file'
		ORDER BY st.last_success_at ASC`)
	if err != nil {
		return nil, synerr.New(synerr.Storage, err)
	}
	defer func() { _ = rows.Close() }()

	var out []EvictionCandidate
	for rows.Next() {
		var c EvictionCandidate
		var lastSuccess string
		if err := rows.Scan(&c.Path, &c.Size, &lastSuccess); err != nil {
			return nil, synerr.New(synerr.Storage, err)
		}
		c.LastSuccessAt, _ = parseTime(lastSuccess)
		out = append(out, c)
	}
	return out, rows.Err()
}

// TotalCachedBytes sums the size of every item currently in the cached state.
func (s *Store) TotalCachedBytes(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(COALESCE(i.size, 0))
		FROM states st JOIN items i ON i.path = st.path
		WHERE st.state = 'cached' AND i.kind = 'file'`).Scan(&total)
	if err != nil {
		return 0, synerr.New(synerr.Storage, err)
	}
	return total.Int64, nil
}

// --- helpers -----------------------------------------------------------------

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(s scanner) (*model.Item, error) {
	var it model.Item
	var size sql.NullInt64
	var modified string
	var contentHash, resourceID, lastHash, lastModified sql.NullString
	var kind string

	err := s.Scan(&it.Path, &it.ParentPath, &it.Name, &kind, &size, &modified, &contentHash, &resourceID, &lastHash, &lastModified)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, synerr.New(synerr.Storage, fmt.Errorf("scanning item row: %w", err))
	}

	it.Kind = model.Kind(kind)
	if size.Valid {
		it.Size = &size.Int64
	}
	it.Modified, _ = parseTime(modified)
	if contentHash.Valid {
		it.ContentHash = &contentHash.String
	}
	if resourceID.Valid {
		it.ResourceID = &resourceID.String
	}
	if lastHash.Valid {
		it.LastSyncedHash = &lastHash.String
	}
	if lastModified.Valid {
		t, _ := parseTime(lastModified.String)
		it.LastSyncedModified = &t
	}
	return &it, nil
}

func scanItems(rows *sql.Rows) ([]model.Item, error) {
	var out []model.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		if it != nil {
			out = append(out, *it)
		}
	}
	return out, rows.Err()
}

func scanState(s scanner) (*model.State, error) {
	var st model.State
	var retryAt, successAt, errorAt sql.NullString
	var pinned, dirty bool

	err := s.Scan(&st.Path, &st.State, &pinned, &st.LastError, &retryAt, &successAt, &errorAt, &dirty)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, synerr.New(synerr.Storage, fmt.Errorf("scanning state row: %w", err))
	}
	st.Pinned = pinned
	st.Dirty = dirty
	if retryAt.Valid {
		t, _ := parseTime(retryAt.String)
		st.RetryAt = &t
	}
	if successAt.Valid {
		t, _ := parseTime(successAt.String)
		st.LastSuccessAt = &t
	}
	if errorAt.Valid {
		t, _ := parseTime(errorAt.String)
		st.LastErrorAt = &t
	}
	return &st, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt64(i *int64) any {
	if i == nil {
		return nil
	}
	return *i
}

func nullTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
