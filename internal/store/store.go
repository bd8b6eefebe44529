// Package store provides a small durable key-value store backed by SQLite.
// The sync engine uses it to persist queue snapshots and sync bookkeeping
// so that queued actions survive process restarts.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/tildaslashalef/tillsync/internal/loggy"
)

// Well-known keys used by the sync engine
const (
	KeySyncQueue    = "sync.queue"
	KeyLastSyncTime = "sync.last_sync"
)

// ErrKeyNotFound is returned when a key does not exist in the store
var ErrKeyNotFound = errors.New("key not found")

// KV defines the interface for durable key-value persistence
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// SQLRepository implements KV using the kv_store SQLite table
type SQLRepository struct {
	db      *sql.DB
	logger  *loggy.Logger
	builder sq.StatementBuilderType
}

// NewSQLRepository creates a new key-value SQL repository
func NewSQLRepository(db *sql.DB, logger *loggy.Logger) KV {
	return &SQLRepository{
		db:      db,
		logger:  logger,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}
}

// Get retrieves the value stored under key
func (r *SQLRepository) Get(ctx context.Context, key string) (string, error) {
	query, args, err := r.builder.
		Select("value").
		From("kv_store").
		Where(sq.Eq{"key": key}).
		ToSql()

	if err != nil {
		return "", fmt.Errorf("building select query: %w", err)
	}

	var value string
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrKeyNotFound
		}
		return "", fmt.Errorf("querying key %s: %w", key, err)
	}

	return value, nil
}

// Set stores value under key, replacing any previous value
func (r *SQLRepository) Set(ctx context.Context, key, value string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	// SQLite upsert keeps Set a single statement
	query, args, err := r.builder.
		Insert("kv_store").
		Columns("key", "value", "updated_at").
		Values(key, value, now).
		Suffix("ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at").
		ToSql()

	if err != nil {
		return fmt.Errorf("building upsert query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upserting key %s: %w", key, err)
	}

	r.logger.Debug("Stored key-value entry", "key", key, "bytes", len(value))
	return nil
}

// Delete removes key from the store. Deleting a missing key is not an error.
func (r *SQLRepository) Delete(ctx context.Context, key string) error {
	query, args, err := r.builder.
		Delete("kv_store").
		Where(sq.Eq{"key": key}).
		ToSql()

	if err != nil {
		return fmt.Errorf("building delete query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting key %s: %w", key, err)
	}

	return nil
}
