package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	sq "github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tildaslashalef/tillsync/internal/loggy"
)

func newTestRepository(db *sql.DB) *SQLRepository {
	return &SQLRepository{
		db:      db,
		logger:  loggy.NewNoopLogger(),
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}
}

func TestSQLRepository(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err, "Failed to create mock database")
	defer db.Close()

	repo := newTestRepository(db)
	ctx := context.Background()

	t.Run("Get existing key", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{"value"}).AddRow(`{"queue":[]}`)

		mock.ExpectQuery("SELECT value FROM kv_store WHERE key = ?").
			WithArgs(KeySyncQueue).
			WillReturnRows(rows)

		value, err := repo.Get(ctx, KeySyncQueue)
		assert.NoError(t, err)
		assert.Equal(t, `{"queue":[]}`, value)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Get missing key", func(t *testing.T) {
		mock.ExpectQuery("SELECT value FROM kv_store WHERE key = ?").
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)

		_, err := repo.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrKeyNotFound)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Set upserts", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO kv_store").
			WithArgs(KeyLastSyncTime, "2026-08-28T10:00:00Z", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		err := repo.Set(ctx, KeyLastSyncTime, "2026-08-28T10:00:00Z")
		assert.NoError(t, err)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Delete", func(t *testing.T) {
		mock.ExpectExec("DELETE FROM kv_store WHERE key = ?").
			WithArgs(KeySyncQueue).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := repo.Delete(ctx, KeySyncQueue)
		assert.NoError(t, err)

		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Get(ctx, "absent")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, m.Set(ctx, "k", "v1"))
	value, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", value)

	require.NoError(t, m.Set(ctx, "k", "v2"))
	value, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", value)

	require.NoError(t, m.Delete(ctx, "k"))
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}
