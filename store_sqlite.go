package lockstep

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SQLiteStoreConfig configures the SQLite store.
type SQLiteStoreConfig struct {
	// Path to the SQLite database file
	Path string

	// CacheSize is the SQLite page cache size in KB (default: 2000 = 2MB)
	CacheSize int

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.)
	JournalMode string

	// Synchronous sets the synchronous flag (OFF, NORMAL, FULL, EXTRA)
	Synchronous string

	// BusyTimeout is the timeout for acquiring locks in milliseconds
	BusyTimeout int

	// MaxConnections is the max number of database connections
	MaxConnections int
}

// DefaultSQLiteStoreConfig returns default configuration.
func DefaultSQLiteStoreConfig(path string) SQLiteStoreConfig {
	return SQLiteStoreConfig{
		Path:           path,
		CacheSize:      2000,
		JournalMode:    "WAL",
		Synchronous:    "NORMAL",
		BusyTimeout:    5000,
		MaxConnections: 4,
	}
}

// SQLiteStore implements Store on a local SQLite file. Queue data stays
// inspectable with standard SQLite tools.
type SQLiteStore struct {
	db     *sql.DB
	config SQLiteStoreConfig
	mu     sync.RWMutex
	closed bool

	// Prepared statements for hot paths
	insertItemStmt   *sql.Stmt
	getItemStmt      *sql.Stmt
	updateItemStmt   *sql.Stmt
	deleteItemStmt   *sql.Stmt
	upsertRecordStmt *sql.Stmt
	getRecordStmt    *sql.Stmt
}

// NewSQLiteStore opens or creates a SQLite-backed store.
func NewSQLiteStore(config SQLiteStoreConfig) (*SQLiteStore, error) {
	if config.Path == "" {
		return nil, newStorageError(StorageErrorTypeUnavailable, "sqlite path is empty", "", nil)
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 2000
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.Synchronous == "" {
		config.Synchronous = "NORMAL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 4
	}

	// modernc's driver takes pragmas as _pragma=name(value) pairs and
	// applies them on every new connection. CacheSize is configured in
	// KB, which the pragma expresses as a negative value.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(%s)&_pragma=synchronous(%s)&_pragma=cache_size(-%d)",
		config.Path, config.BusyTimeout, config.JournalMode, config.Synchronous, config.CacheSize)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, newStorageError(StorageErrorTypeUnavailable, "open sqlite database", config.Path, err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections / 2)

	store := &SQLiteStore{
		db:     db,
		config: config,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, newStorageError(StorageErrorTypeUnavailable, "initialize schema", config.Path, err)
	}

	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, newStorageError(StorageErrorTypeUnavailable, "prepare statements", config.Path, err)
	}

	return store, nil
}

// initSchema creates the database schema.
func (s *SQLiteStore) initSchema() error {
	schema := `
		-- Deferred actions waiting for delivery
		CREATE TABLE IF NOT EXISTS queue_items (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			tbl TEXT NOT NULL DEFAULT '',
			record_id TEXT NOT NULL DEFAULT '',
			payload BLOB,
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			enqueued_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		-- Local copies of remote records
		CREATE TABLE IF NOT EXISTS cached_records (
			tbl TEXT NOT NULL,
			record_id TEXT NOT NULL,
			data BLOB,
			version INTEGER NOT NULL DEFAULT 0,
			sync_status TEXT NOT NULL,
			last_modified INTEGER NOT NULL,
			PRIMARY KEY (tbl, record_id)
		);

		-- Divergences between local and remote copies
		CREATE TABLE IF NOT EXISTS conflicts (
			id TEXT PRIMARY KEY,
			tbl TEXT NOT NULL,
			record_id TEXT NOT NULL,
			action TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			local_data BLOB,
			remote_data BLOB,
			local_version INTEGER NOT NULL DEFAULT 0,
			remote_version INTEGER NOT NULL DEFAULT 0,
			detected_at INTEGER NOT NULL,
			resolved INTEGER NOT NULL DEFAULT 0,
			resolved_at INTEGER,
			resolution TEXT NOT NULL DEFAULT ''
		);

		-- Per-table sync state
		CREATE TABLE IF NOT EXISTS sync_metadata (
			tbl TEXT PRIMARY KEY,
			strategy TEXT NOT NULL DEFAULT '',
			last_sync_at INTEGER,
			conflict_count INTEGER NOT NULL DEFAULT 0
		);

		-- Indexes for drain order and lookups
		CREATE INDEX IF NOT EXISTS idx_queue_due ON queue_items(status, priority, enqueued_at);
		CREATE INDEX IF NOT EXISTS idx_queue_key ON queue_items(action, tbl, record_id);
		CREATE INDEX IF NOT EXISTS idx_queue_record ON queue_items(tbl, record_id);
		CREATE INDEX IF NOT EXISTS idx_conflicts_open ON conflicts(resolved, detected_at);
		CREATE INDEX IF NOT EXISTS idx_conflicts_record ON conflicts(tbl, record_id, resolved);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// prepareStatements prepares common SQL statements for better performance.
func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.insertItemStmt, err = s.db.Prepare(`
		INSERT INTO queue_items (id, action, tbl, record_id, payload, priority, status,
			attempts, max_attempts, last_error, enqueued_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert item statement: %w", err)
	}

	s.getItemStmt, err = s.db.Prepare(`
		SELECT id, action, tbl, record_id, payload, priority, status,
			attempts, max_attempts, last_error, enqueued_at, updated_at
		FROM queue_items WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get item statement: %w", err)
	}

	s.updateItemStmt, err = s.db.Prepare(`
		UPDATE queue_items
		SET status = ?, attempts = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare update item statement: %w", err)
	}

	s.deleteItemStmt, err = s.db.Prepare(`DELETE FROM queue_items WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete item statement: %w", err)
	}

	s.upsertRecordStmt, err = s.db.Prepare(`
		INSERT INTO cached_records (tbl, record_id, data, version, sync_status, last_modified)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(tbl, record_id) DO UPDATE SET
			data = excluded.data,
			version = cached_records.version + 1,
			sync_status = excluded.sync_status,
			last_modified = excluded.last_modified
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert record statement: %w", err)
	}

	s.getRecordStmt, err = s.db.Prepare(`
		SELECT tbl, record_id, data, version, sync_status, last_modified
		FROM cached_records WHERE tbl = ? AND record_id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get record statement: %w", err)
	}

	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// PutItem inserts a new queue item.
func (s *SQLiteStore) PutItem(ctx context.Context, item *QueueItem) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.insertItemStmt.ExecContext(ctx,
		item.ID, item.Action, item.Table, item.RecordID, item.Payload, item.Priority,
		string(item.Status), item.Attempts, item.MaxAttempts, item.LastError,
		item.EnqueuedAt.UnixNano(), item.UpdatedAt.UnixNano())
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "insert queue item", s.config.Path, err)
	}
	return nil
}

func scanItem(row interface{ Scan(...any) error }) (*QueueItem, error) {
	var item QueueItem
	var status string
	var enqueuedAt, updatedAt int64
	err := row.Scan(&item.ID, &item.Action, &item.Table, &item.RecordID, &item.Payload,
		&item.Priority, &status, &item.Attempts, &item.MaxAttempts, &item.LastError,
		&enqueuedAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	item.Status = ItemStatus(status)
	item.EnqueuedAt = time.Unix(0, enqueuedAt).UTC()
	item.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &item, nil
}

// GetItem returns the item with the given ID.
func (s *SQLiteStore) GetItem(ctx context.Context, id string) (*QueueItem, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	item, err := scanItem(s.getItemStmt.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "read queue item", s.config.Path, err)
	}
	return item, nil
}

// UpdateItem persists mutable item fields iff the stored status equals from.
func (s *SQLiteStore) UpdateItem(ctx context.Context, item *QueueItem, from ItemStatus) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.updateItemStmt.ExecContext(ctx,
		string(item.Status), item.Attempts, item.LastError, item.UpdatedAt.UnixNano(),
		item.ID, string(from))
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "update queue item", s.config.Path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "update queue item", s.config.Path, err)
	}
	if n == 0 {
		var one int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM queue_items WHERE id = ?`, item.ID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return newStorageError(StorageErrorTypeRead, "read queue item", s.config.Path, err)
		}
		return ErrStaleItem
	}
	return nil
}

// DeleteItem removes an item.
func (s *SQLiteStore) DeleteItem(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.deleteItemStmt.ExecContext(ctx, id); err != nil {
		return newStorageError(StorageErrorTypeWrite, "delete queue item", s.config.Path, err)
	}
	return nil
}

// DueItems returns pending items in drain order. Items sharing an
// action and record with an in-flight item are held back, as are items
// whose record has an unresolved conflict.
func (s *SQLiteStore) DueItems(ctx context.Context, limit int) ([]*QueueItem, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT q.id, q.action, q.tbl, q.record_id, q.payload, q.priority, q.status,
			q.attempts, q.max_attempts, q.last_error, q.enqueued_at, q.updated_at
		FROM queue_items q
		WHERE q.status = 'pending'
			AND NOT EXISTS (
				SELECT 1 FROM queue_items f
				WHERE f.status = 'in_flight'
					AND f.action = q.action AND f.tbl = q.tbl AND f.record_id = q.record_id
			)
			AND (q.tbl = '' OR NOT EXISTS (
				SELECT 1 FROM conflicts c
				WHERE c.resolved = 0 AND c.tbl = q.tbl AND c.record_id = q.record_id
			))
		ORDER BY q.priority ASC, q.enqueued_at ASC, q.id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "list due items", s.config.Path, err)
	}
	defer rows.Close()
	return collectItems(rows, s.config.Path)
}

// ItemsByStatus returns items in the given status, oldest first.
func (s *SQLiteStore) ItemsByStatus(ctx context.Context, status ItemStatus, limit int) ([]*QueueItem, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, tbl, record_id, payload, priority, status,
			attempts, max_attempts, last_error, enqueued_at, updated_at
		FROM queue_items WHERE status = ?
		ORDER BY enqueued_at ASC, id ASC
		LIMIT ?
	`, string(status), limit)
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "list items", s.config.Path, err)
	}
	defer rows.Close()
	return collectItems(rows, s.config.Path)
}

// ItemsByRecord returns every item targeting a record, oldest first.
func (s *SQLiteStore) ItemsByRecord(ctx context.Context, table, recordID string) ([]*QueueItem, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, tbl, record_id, payload, priority, status,
			attempts, max_attempts, last_error, enqueued_at, updated_at
		FROM queue_items WHERE tbl = ? AND record_id = ?
		ORDER BY enqueued_at ASC, id ASC
	`, table, recordID)
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "list items by record", s.config.Path, err)
	}
	defer rows.Close()
	return collectItems(rows, s.config.Path)
}

func collectItems(rows *sql.Rows, path string) ([]*QueueItem, error) {
	var items []*QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, newStorageError(StorageErrorTypeRead, "scan queue item", path, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "scan queue items", path, err)
	}
	return items, nil
}

// CountItems returns the number of items in the given status.
func (s *SQLiteStore) CountItems(ctx context.Context, status ItemStatus) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_items WHERE status = ?`, string(status)).Scan(&n)
	if err != nil {
		return 0, newStorageError(StorageErrorTypeRead, "count items", s.config.Path, err)
	}
	return n, nil
}

// RequeueInFlight returns in-flight items to pending, recovering items
// orphaned by a crash mid-cycle.
func (s *SQLiteStore) RequeueInFlight(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = 'pending', updated_at = ? WHERE status = 'in_flight'`,
		time.Now().UTC().UnixNano())
	if err != nil {
		return 0, newStorageError(StorageErrorTypeWrite, "requeue in-flight items", s.config.Path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, newStorageError(StorageErrorTypeWrite, "requeue in-flight items", s.config.Path, err)
	}
	return int(n), nil
}

// PurgeItemsBefore removes terminal items older than cutoff.
func (s *SQLiteStore) PurgeItemsBefore(ctx context.Context, status ItemStatus, cutoff time.Time) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM queue_items WHERE status = ? AND updated_at < ?`,
		string(status), cutoff.UnixNano())
	if err != nil {
		return 0, newStorageError(StorageErrorTypeWrite, "purge queue items", s.config.Path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, newStorageError(StorageErrorTypeWrite, "purge queue items", s.config.Path, err)
	}
	return int(n), nil
}

// UpsertRecord writes record data, advancing the version by one.
func (s *SQLiteStore) UpsertRecord(ctx context.Context, table, recordID string, data []byte, status SyncStatus) (*CachedRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	_, err := s.upsertRecordStmt.ExecContext(ctx, table, recordID, data, string(status), now.UnixNano())
	if err != nil {
		return nil, newStorageError(StorageErrorTypeWrite, "upsert cached record", s.config.Path, err)
	}
	return s.GetRecord(ctx, table, recordID)
}

// PutRecord writes a record as given; the version never moves backward.
func (s *SQLiteStore) PutRecord(ctx context.Context, rec *CachedRecord) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cached_records (tbl, record_id, data, version, sync_status, last_modified)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tbl, record_id) DO UPDATE SET
			data = excluded.data,
			version = MAX(cached_records.version, excluded.version),
			sync_status = excluded.sync_status,
			last_modified = excluded.last_modified
	`, rec.Table, rec.RecordID, rec.Data, rec.Version, string(rec.SyncStatus), rec.LastModified.UnixNano())
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "put cached record", s.config.Path, err)
	}
	return nil
}

func scanRecord(row interface{ Scan(...any) error }) (*CachedRecord, error) {
	var rec CachedRecord
	var status string
	var lastModified int64
	err := row.Scan(&rec.Table, &rec.RecordID, &rec.Data, &rec.Version, &status, &lastModified)
	if err != nil {
		return nil, err
	}
	rec.SyncStatus = SyncStatus(status)
	rec.LastModified = time.Unix(0, lastModified).UTC()
	return &rec, nil
}

// GetRecord returns the cached record.
func (s *SQLiteStore) GetRecord(ctx context.Context, table, recordID string) (*CachedRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rec, err := scanRecord(s.getRecordStmt.QueryRowContext(ctx, table, recordID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "read cached record", s.config.Path, err)
	}
	return rec, nil
}

// RecordsByTable returns all cached records for a table.
func (s *SQLiteStore) RecordsByTable(ctx context.Context, table string) ([]*CachedRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT tbl, record_id, data, version, sync_status, last_modified
		FROM cached_records WHERE tbl = ? ORDER BY record_id
	`, table)
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "list cached records", s.config.Path, err)
	}
	defer rows.Close()

	var records []*CachedRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, newStorageError(StorageErrorTypeRead, "scan cached record", s.config.Path, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "scan cached records", s.config.Path, err)
	}
	return records, nil
}

// SetRecordStatus updates only the record's sync status.
func (s *SQLiteStore) SetRecordStatus(ctx context.Context, table, recordID string, status SyncStatus) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE cached_records SET sync_status = ?, last_modified = ?
		WHERE tbl = ? AND record_id = ?
	`, string(status), time.Now().UTC().UnixNano(), table, recordID)
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "update record status", s.config.Path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "update record status", s.config.Path, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRecord removes a cached record.
func (s *SQLiteStore) DeleteRecord(ctx context.Context, table, recordID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cached_records WHERE tbl = ? AND record_id = ?`, table, recordID)
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "delete cached record", s.config.Path, err)
	}
	return nil
}

// PutConflict inserts or replaces a conflict record.
func (s *SQLiteStore) PutConflict(ctx context.Context, c *Conflict) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	var resolvedAt sql.NullInt64
	if !c.ResolvedAt.IsZero() {
		resolvedAt = sql.NullInt64{Int64: c.ResolvedAt.UnixNano(), Valid: true}
	}
	resolved := 0
	if c.Resolved {
		resolved = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO conflicts (id, tbl, record_id, action, type, local_data,
			remote_data, local_version, remote_version, detected_at, resolved, resolved_at, resolution)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.Table, c.RecordID, c.Action, string(c.Type), c.LocalData, c.RemoteData,
		c.LocalVersion, c.RemoteVersion, c.DetectedAt.UnixNano(), resolved, resolvedAt, string(c.Resolution))
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "put conflict", s.config.Path, err)
	}
	return nil
}

func scanConflict(row interface{ Scan(...any) error }) (*Conflict, error) {
	var c Conflict
	var ctype, resolution string
	var detectedAt int64
	var resolved int
	var resolvedAt sql.NullInt64
	err := row.Scan(&c.ID, &c.Table, &c.RecordID, &c.Action, &ctype, &c.LocalData,
		&c.RemoteData, &c.LocalVersion, &c.RemoteVersion, &detectedAt, &resolved, &resolvedAt, &resolution)
	if err != nil {
		return nil, err
	}
	c.Type = ConflictType(ctype)
	c.Resolution = Strategy(resolution)
	c.DetectedAt = time.Unix(0, detectedAt).UTC()
	c.Resolved = resolved != 0
	if resolvedAt.Valid {
		c.ResolvedAt = time.Unix(0, resolvedAt.Int64).UTC()
	}
	return &c, nil
}

// GetConflict returns the conflict with the given ID.
func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	c, err := scanConflict(s.db.QueryRowContext(ctx, `
		SELECT id, tbl, record_id, action, type, local_data, remote_data,
			local_version, remote_version, detected_at, resolved, resolved_at, resolution
		FROM conflicts WHERE id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "read conflict", s.config.Path, err)
	}
	return c, nil
}

// Conflicts returns conflicts, newest first.
func (s *SQLiteStore) Conflicts(ctx context.Context, includeResolved bool) ([]*Conflict, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := `
		SELECT id, tbl, record_id, action, type, local_data, remote_data,
			local_version, remote_version, detected_at, resolved, resolved_at, resolution
		FROM conflicts`
	if !includeResolved {
		query += ` WHERE resolved = 0`
	}
	query += ` ORDER BY detected_at DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "list conflicts", s.config.Path, err)
	}
	defer rows.Close()

	var conflicts []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, newStorageError(StorageErrorTypeRead, "scan conflict", s.config.Path, err)
		}
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "scan conflicts", s.config.Path, err)
	}
	return conflicts, nil
}

// UnresolvedConflictCount returns the number of open conflicts.
func (s *SQLiteStore) UnresolvedConflictCount(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conflicts WHERE resolved = 0`).Scan(&n)
	if err != nil {
		return 0, newStorageError(StorageErrorTypeRead, "count conflicts", s.config.Path, err)
	}
	return n, nil
}

// PurgeResolvedConflictsBefore removes resolved conflicts older than cutoff.
func (s *SQLiteStore) PurgeResolvedConflictsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conflicts WHERE resolved = 1 AND resolved_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, newStorageError(StorageErrorTypeWrite, "purge conflicts", s.config.Path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, newStorageError(StorageErrorTypeWrite, "purge conflicts", s.config.Path, err)
	}
	return int(n), nil
}

// PutMetadata inserts or replaces per-table sync metadata.
func (s *SQLiteStore) PutMetadata(ctx context.Context, m *SyncMetadata) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	var lastSync sql.NullInt64
	if !m.LastSyncAt.IsZero() {
		lastSync = sql.NullInt64{Int64: m.LastSyncAt.UnixNano(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_metadata (tbl, strategy, last_sync_at, conflict_count)
		VALUES (?, ?, ?, ?)
	`, m.Table, string(m.Strategy), lastSync, m.ConflictCount)
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "put sync metadata", s.config.Path, err)
	}
	return nil
}

func scanMetadata(row interface{ Scan(...any) error }) (*SyncMetadata, error) {
	var m SyncMetadata
	var strategy string
	var lastSync sql.NullInt64
	err := row.Scan(&m.Table, &strategy, &lastSync, &m.ConflictCount)
	if err != nil {
		return nil, err
	}
	m.Strategy = Strategy(strategy)
	if lastSync.Valid {
		m.LastSyncAt = time.Unix(0, lastSync.Int64).UTC()
	}
	return &m, nil
}

// GetMetadata returns metadata for a table.
func (s *SQLiteStore) GetMetadata(ctx context.Context, table string) (*SyncMetadata, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	m, err := scanMetadata(s.db.QueryRowContext(ctx,
		`SELECT tbl, strategy, last_sync_at, conflict_count FROM sync_metadata WHERE tbl = ?`, table))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "read sync metadata", s.config.Path, err)
	}
	return m, nil
}

// AllMetadata returns metadata for every table seen so far.
func (s *SQLiteStore) AllMetadata(ctx context.Context) ([]*SyncMetadata, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tbl, strategy, last_sync_at, conflict_count FROM sync_metadata ORDER BY tbl`)
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "list sync metadata", s.config.Path, err)
	}
	defer rows.Close()

	var all []*SyncMetadata
	for rows.Next() {
		m, err := scanMetadata(rows)
		if err != nil {
			return nil, newStorageError(StorageErrorTypeRead, "scan sync metadata", s.config.Path, err)
		}
		all = append(all, m)
	}
	if err := rows.Err(); err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "scan sync metadata", s.config.Path, err)
	}
	return all, nil
}

// Close releases the store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	for _, stmt := range []*sql.Stmt{
		s.insertItemStmt, s.getItemStmt, s.updateItemStmt,
		s.deleteItemStmt, s.upsertRecordStmt, s.getRecordStmt,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}
