package sync

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/tildaslashalef/tillsync/internal/loggy"
	"github.com/tildaslashalef/tillsync/internal/ulid"
)

// Journal outcomes
const (
	OutcomeSynced   = "synced"
	OutcomeRetried  = "retried"
	OutcomeFailed   = "failed"
	OutcomeConflict = "conflict"
	OutcomeResolved = "resolved"
)

// JournalEntry is one row of local sync history
type JournalEntry struct {
	ID         string
	ActionID   string
	ActionType ActionType
	EntityType EntityType
	EntityID   string
	Outcome    string
	Detail     string
	RetryCount int
	CreatedAt  time.Time
}

// Journal records per-action sync history for local inspection. Writes
// are best effort; the engine never fails a pass on journal errors.
type Journal interface {
	Append(ctx context.Context, entry *JournalEntry) error
	ListRecent(ctx context.Context, limit int) ([]*JournalEntry, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// SQLJournal implements Journal over the sync_journal SQLite table
type SQLJournal struct {
	db      *sql.DB
	logger  *loggy.Logger
	builder sq.StatementBuilderType
}

// NewSQLJournal creates a new journal repository
func NewSQLJournal(db *sql.DB, logger *loggy.Logger) Journal {
	return &SQLJournal{
		db:      db,
		logger:  logger,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}
}

// Append inserts a journal entry, assigning an id and timestamp when
// missing
func (j *SQLJournal) Append(ctx context.Context, entry *JournalEntry) error {
	if entry.ID == "" {
		entry.ID = ulid.JournalID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query, args, err := j.builder.
		Insert("sync_journal").
		Columns(
			"id",
			"action_id",
			"action_type",
			"entity_type",
			"entity_id",
			"outcome",
			"detail",
			"retry_count",
			"created_at",
		).
		Values(
			entry.ID,
			entry.ActionID,
			string(entry.ActionType),
			string(entry.EntityType),
			entry.EntityID,
			entry.Outcome,
			entry.Detail,
			entry.RetryCount,
			entry.CreatedAt.Format(time.RFC3339),
		).
		ToSql()

	if err != nil {
		return fmt.Errorf("building insert query: %w", err)
	}

	if _, err := j.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting journal entry: %w", err)
	}

	return nil
}

// ListRecent returns the newest entries first, up to limit
func (j *SQLJournal) ListRecent(ctx context.Context, limit int) ([]*JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	query, args, err := j.builder.
		Select(
			"id",
			"action_id",
			"action_type",
			"entity_type",
			"entity_id",
			"outcome",
			"detail",
			"retry_count",
			"created_at",
		).
		From("sync_journal").
		OrderBy("created_at DESC").
		Limit(uint64(limit)).
		ToSql()

	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying journal: %w", err)
	}
	defer rows.Close()

	var entries []*JournalEntry
	for rows.Next() {
		var entry JournalEntry
		var createdAt string

		err := rows.Scan(
			&entry.ID,
			&entry.ActionID,
			&entry.ActionType,
			&entry.EntityType,
			&entry.EntityID,
			&entry.Outcome,
			&entry.Detail,
			&entry.RetryCount,
			&createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning journal entry: %w", err)
		}

		if entry.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return entries, nil
}

// PurgeOlderThan deletes entries created before cutoff and returns the
// number removed
func (j *SQLJournal) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query, args, err := j.builder.
		Delete("sync_journal").
		Where(sq.Lt{"created_at": cutoff.UTC().Format(time.RFC3339)}).
		ToSql()

	if err != nil {
		return 0, fmt.Errorf("building delete query: %w", err)
	}

	result, err := j.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("purging journal: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	j.logger.Info("Purged sync journal", "removed", removed, "cutoff", cutoff)
	return removed, nil
}

// NopJournal discards all journal writes, used when no database is
// available
type NopJournal struct{}

func (NopJournal) Append(context.Context, *JournalEntry) error { return nil }
func (NopJournal) ListRecent(context.Context, int) ([]*JournalEntry, error) {
	return nil, nil
}
func (NopJournal) PurgeOlderThan(context.Context, time.Time) (int64, error) { return 0, nil }
