package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/roadmate/drivesync/pkg/observability"
)

// SQLiteStore persists records in a single SQLite database file. It is the
// default store on-device: zero-config, transactional, and tolerant of hard
// process exits thanks to WAL journaling.
type SQLiteStore struct {
	db     *sqlx.DB
	logger observability.Logger
}

// sqliteRecord maps the records table
type sqliteRecord struct {
	Key       string        `db:"key"`
	Value     []byte        `db:"value"`
	ExpiresAt sql.NullInt64 `db:"expires_at"`
	UpdatedAt int64         `db:"updated_at"`
}

// NewSQLiteStore opens (creating if needed) the database at path and
// bootstraps the schema. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string, logger observability.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// SQLite allows one writer at a time; a single pooled connection avoids
	// SQLITE_BUSY churn between the cache, queue, and sweeper goroutines.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.configureConnection(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.ensureRecordTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("SQLite store ready", map[string]interface{}{"path": path})
	return s, nil
}

// newSQLiteStoreWithDB wraps an existing handle; used by tests to inject
// driver-level failures.
func newSQLiteStoreWithDB(db *sqlx.DB, logger observability.Logger) *SQLiteStore {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &SQLiteStore{db: db, logger: logger}
}

func (s *SQLiteStore) configureConnection(ctx context.Context) error {
	pragmas := []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute pragma: %s: %w", pragma, err)
		}
	}

	return nil
}

func (s *SQLiteStore) ensureRecordTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS records (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			expires_at INTEGER,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_expires_at ON records(expires_at) WHERE expires_at IS NOT NULL`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query: %s: %w", query, err)
		}
	}

	return nil
}

// Get returns the live value for key, or ErrNotFound
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	rec, err := s.GetRecord(ctx, key)
	if err != nil {
		return nil, err
	}
	return rec.Value, nil
}

// GetRecord returns the live record for key, or ErrNotFound. Expired rows
// are deleted on the way out so reads keep the table tidy between sweeps.
func (s *SQLiteStore) GetRecord(ctx context.Context, key string) (Record, error) {
	var rec sqliteRecord
	err := s.db.GetContext(ctx, &rec,
		`SELECT key, value, expires_at, updated_at FROM records WHERE key = ?`, key)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to read record %s: %w", key, err)
	}

	if rec.ExpiresAt.Valid && rec.ExpiresAt.Int64 <= time.Now().UnixMilli() {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key); err != nil {
			s.logger.Warn("Failed to delete expired record", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
		return Record{}, ErrNotFound
	}

	return rec.toRecord(), nil
}

// Put writes or replaces the record for key
func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := time.Now()
	var expiresAt sql.NullInt64
	if ttl > 0 {
		expiresAt = sql.NullInt64{Int64: now.Add(ttl).UnixMilli(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO records (key, value, expires_at, updated_at) VALUES (?, ?, ?, ?)`,
		key, value, expiresAt, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to write record %s: %w", key, err)
	}
	return nil
}

// Delete removes the record for key
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete record %s: %w", key, err)
	}
	return nil
}

// List returns all live records under prefix, ordered by key
func (s *SQLiteStore) List(ctx context.Context, prefix string) ([]Record, error) {
	var rows []sqliteRecord
	err := s.db.SelectContext(ctx, &rows,
		`SELECT key, value, expires_at, updated_at FROM records
		 WHERE key LIKE ? ESCAPE '\'
		   AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY key`,
		escapeLike(prefix)+"%", time.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to list records under %s: %w", prefix, err)
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.toRecord())
	}
	return records, nil
}

// PurgeExpired deletes every expired row and reports the count
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired records: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged records: %w", err)
	}
	return int(n), nil
}

// PurgePrefix deletes every row under prefix and reports the count
func (s *SQLiteStore) PurgePrefix(ctx context.Context, prefix string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE key LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%")
	if err != nil {
		return 0, fmt.Errorf("failed to purge records under %s: %w", prefix, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged records: %w", err)
	}
	return int(n), nil
}

// SizeBytes sums the stored size of all live values
func (s *SQLiteStore) SizeBytes(ctx context.Context) (int64, error) {
	var size int64
	err := s.db.GetContext(ctx, &size,
		`SELECT COALESCE(SUM(LENGTH(value)), 0) FROM records
		 WHERE expires_at IS NULL OR expires_at > ?`,
		time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to measure store size: %w", err)
	}
	return size, nil
}

// Close closes the database handle
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (r sqliteRecord) toRecord() Record {
	rec := Record{
		Key:       r.Key,
		Value:     r.Value,
		UpdatedAt: time.UnixMilli(r.UpdatedAt),
	}
	if r.ExpiresAt.Valid {
		t := time.UnixMilli(r.ExpiresAt.Int64)
		rec.ExpiresAt = &t
	}
	return rec
}

// escapeLike escapes LIKE wildcards so prefixes match literally
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
