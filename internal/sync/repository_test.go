package sync

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	sq "github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tildaslashalef/tillsync/internal/loggy"
)

func newTestJournal(db *sql.DB) *SQLJournal {
	return &SQLJournal{
		db:      db,
		logger:  loggy.NewNoopLogger(),
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}
}

func TestSQLJournal(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err, "Failed to create mock database")
	defer db.Close()

	journal := newTestJournal(db)
	ctx := context.Background()

	t.Run("Append assigns id and timestamp", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO sync_journal").
			WithArgs(
				sqlmock.AnyArg(), // generated id
				"act_1",
				string(ActionStockAdjustment),
				string(EntityStockItem),
				"SKU-1",
				OutcomeSynced,
				"",
				0,
				sqlmock.AnyArg(), // generated timestamp
			).
			WillReturnResult(sqlmock.NewResult(1, 1))

		entry := &JournalEntry{
			ActionID:   "act_1",
			ActionType: ActionStockAdjustment,
			EntityType: EntityStockItem,
			EntityID:   "SKU-1",
			Outcome:    OutcomeSynced,
		}
		require.NoError(t, journal.Append(ctx, entry))

		assert.NotEmpty(t, entry.ID)
		assert.False(t, entry.CreatedAt.IsZero())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ListRecent", func(t *testing.T) {
		now := time.Now().UTC().Truncate(time.Second)
		rows := sqlmock.NewRows([]string{
			"id", "action_id", "action_type", "entity_type", "entity_id",
			"outcome", "detail", "retry_count", "created_at",
		}).AddRow(
			"jrn_2", "act_2", string(ActionOrderCompletion), string(EntityOrder), "ord_1",
			OutcomeFailed, "connection reset", 3, now.Format(time.RFC3339),
		).AddRow(
			"jrn_1", "act_1", string(ActionStockAdjustment), string(EntityStockItem), "SKU-1",
			OutcomeSynced, "", 0, now.Add(-time.Minute).Format(time.RFC3339),
		)

		mock.ExpectQuery("SELECT .+ FROM sync_journal ORDER BY created_at DESC").
			WillReturnRows(rows)

		entries, err := journal.ListRecent(ctx, 10)
		require.NoError(t, err)
		require.Len(t, entries, 2)

		assert.Equal(t, "jrn_2", entries[0].ID)
		assert.Equal(t, OutcomeFailed, entries[0].Outcome)
		assert.Equal(t, 3, entries[0].RetryCount)
		assert.Equal(t, now, entries[0].CreatedAt)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("PurgeOlderThan", func(t *testing.T) {
		cutoff := time.Now().Add(-30 * 24 * time.Hour)

		mock.ExpectExec("DELETE FROM sync_journal WHERE created_at <").
			WithArgs(cutoff.UTC().Format(time.RFC3339)).
			WillReturnResult(sqlmock.NewResult(0, 17))

		removed, err := journal.PurgeOlderThan(ctx, cutoff)
		require.NoError(t, err)
		assert.Equal(t, int64(17), removed)

		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
