package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"

	"smartnotify/internal/models"
)

// SQLiteStore is the embedded single-node store. It backs both the result
// cache and the rate-limit counters when Redis/MongoDB are not configured.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the embedded database at path
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// SQLite serializes writes; a single connection avoids SQLITE_BUSY
	// under concurrent counter increments
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("✅ SQLite store ready (%s)", path)
	return store, nil
}

func (s *SQLiteStore) initialize() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS ai_result_cache (
			cache_key            TEXT PRIMARY KEY,
			feature_type         TEXT NOT NULL,
			result               BLOB NOT NULL,
			source_message_count INTEGER NOT NULL,
			created_at           INTEGER NOT NULL,
			expires_at           INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cache_expires ON ai_result_cache(expires_at)`,
		`CREATE TABLE IF NOT EXISTS rate_limit_counters (
			counter_key TEXT PRIMARY KEY,
			count       INTEGER NOT NULL,
			expires_at  INTEGER NOT NULL
		)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize sqlite schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// HealthCheck verifies the store is reachable
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- CacheStore ----

// Get returns the entry at key, or nil if absent. Expiry is NOT checked
// here; the cache layer owns expiry semantics.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*models.CacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT cache_key, feature_type, result, source_message_count, created_at, expires_at
		FROM ai_result_cache WHERE cache_key = ?`, key)

	var entry models.CacheEntry
	var createdAt, expiresAt int64
	err := row.Scan(&entry.Key, &entry.FeatureType, &entry.Result,
		&entry.SourceMessageCount, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}

	entry.CreatedAt = time.Unix(createdAt, 0).UTC()
	entry.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	return &entry, nil
}

// Put writes an entry, replacing any existing entry at the same key
func (s *SQLiteStore) Put(ctx context.Context, entry *models.CacheEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ai_result_cache
			(cache_key, feature_type, result, source_message_count, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			feature_type = excluded.feature_type,
			result = excluded.result,
			source_message_count = excluded.source_message_count,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		entry.Key, entry.FeatureType, entry.Result, entry.SourceMessageCount,
		entry.CreatedAt.Unix(), entry.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// Delete removes the entry at key (no error when absent)
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ai_result_cache WHERE cache_key = ?`, key)
	return err
}

// SweepExpired removes cache entries and counters whose expiry has passed.
// The read path already treats expired entries as absent; the sweep is
// storage hygiene only.
func (s *SQLiteStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM ai_result_cache WHERE expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep cache: %w", err)
	}
	swept, _ := res.RowsAffected()

	// Dead counters from past days are inert but still occupy rows
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_limit_counters WHERE expires_at <= ?`, now.Unix()); err != nil {
		return int(swept), fmt.Errorf("failed to sweep counters: %w", err)
	}

	return int(swept), nil
}

// ---- CounterStore ----

// IncrementIfBelow atomically increments the counter at key when its current
// value is below limit. Returns the value after the call and whether the
// increment was applied. The upsert runs as a single statement, so two
// concurrent callers can never both pass the limit check.
func (s *SQLiteStore) IncrementIfBelow(ctx context.Context, key string, limit int, ttl time.Duration) (int64, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limit_counters (counter_key, count, expires_at)
		VALUES (?, 1, ?)
		ON CONFLICT(counter_key) DO UPDATE SET count = count + 1
		WHERE rate_limit_counters.count < ?`,
		key, time.Now().Add(ttl).Unix(), limit)
	if err != nil {
		return 0, false, fmt.Errorf("failed to increment counter: %w", err)
	}

	affected, _ := res.RowsAffected()
	count, err := s.Count(ctx, key)
	if err != nil {
		return 0, affected > 0, err
	}
	return count, affected > 0, nil
}

// Count returns the current counter value (0 when the counter does not exist)
func (s *SQLiteStore) Count(ctx context.Context, key string) (int64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT count FROM rate_limit_counters WHERE counter_key = ?`, key)

	var count int64
	err := row.Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter: %w", err)
	}
	return count, nil
}
