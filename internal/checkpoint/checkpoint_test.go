package checkpoint

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"antcode/internal/domain"
)

func TestStore_SaveUpsertsCheckpoint(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO batch_checkpoints").
		WithArgs("b1", string(domain.BatchPaused), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	store := New(mock)
	err = store.Save(context.Background(), "b1", domain.BatchPaused, Progress{TotalTasks: 10, CompletedTasks: 3})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_LoadReturnsSavedProgress(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"status", "progress"}).
		AddRow(string(domain.BatchPaused), []byte(`{"total_tasks":10,"enqueued_tasks":10,"completed_tasks":3,"failed_tasks":0}`))
	mock.ExpectQuery("SELECT status, progress FROM batch_checkpoints").
		WithArgs("b1").
		WillReturnRows(rows)

	store := New(mock)
	status, progress, err := store.Load(context.Background(), "b1")
	require.NoError(t, err)
	require.Equal(t, domain.BatchPaused, status)
	require.Equal(t, 10, progress.TotalTasks)
	require.Equal(t, 3, progress.CompletedTasks)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_LoadReturnsErrNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT status, progress FROM batch_checkpoints").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	store := New(mock)
	_, _, err = store.Load(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_DeleteRemovesCheckpoint(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("DELETE FROM batch_checkpoints").
		WithArgs("b1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	store := New(mock)
	require.NoError(t, store.Delete(context.Background(), "b1"))
	require.NoError(t, mock.ExpectationsWereMet())
}
