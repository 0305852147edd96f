package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sekolah-adm-api/internal/models"
)

func newSnapshotRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func snapshotRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "entity_type", "entity_id", "entity_identifier", "operation", "data", "metadata", "created_by", "created_at", "expires_at", "was_undone", "undone_at"})
}

func TestSnapshotRepositoryCreateAndGet(t *testing.T) {
	db, mock, cleanup := newSnapshotRepoMock(t)
	defer cleanup()

	repo := NewSnapshotRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO snapshots")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	snapshot := &models.Snapshot{
		EntityType:       "student",
		EntityID:         "student-1",
		EntityIdentifier: "12345",
		Operation:        models.SnapshotOperationUpdate,
		Data:             []byte(`{"full_name":"Jon"}`),
		CreatedBy:        "user-1",
		ExpiresAt:        time.Now().Add(25 * time.Hour),
	}
	require.NoError(t, repo.Create(context.Background(), nil, snapshot))
	require.NotEmpty(t, snapshot.ID)
	require.JSONEq(t, `{}`, string(snapshot.Metadata))

	rows := snapshotRows().
		AddRow(snapshot.ID, "student", "student-1", "12345", "UPDATE", `{"full_name":"Jon"}`, `{}`, "user-1", time.Now(), snapshot.ExpiresAt, false, nil)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, entity_type, entity_id")).
		WithArgs(snapshot.ID).
		WillReturnRows(rows)

	found, err := repo.GetByID(context.Background(), snapshot.ID)
	require.NoError(t, err)
	require.Equal(t, snapshot.ID, found.ID)
	require.False(t, found.WasUndone)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotRepositoryListExcludesExpiredAndUndone(t *testing.T) {
	db, mock, cleanup := newSnapshotRepoMock(t)
	defer cleanup()

	repo := NewSnapshotRepository(db)
	now := time.Now().UTC()
	rows := snapshotRows().
		AddRow("snap-1", "student", "student-1", "12345", "DELETE", `{}`, `{}`, "user-1", now, now.Add(time.Hour), false, nil)
	mock.ExpectQuery(regexp.QuoteMeta("was_undone = false AND expires_at >=")).
		WithArgs(now, "student").
		WillReturnRows(rows)

	list, err := repo.List(context.Background(), models.SnapshotFilter{EntityType: "student"}, now)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "snap-1", list[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotRepositoryGetForUpdateLocksRow(t *testing.T) {
	db, mock, cleanup := newSnapshotRepoMock(t)
	defer cleanup()

	repo := NewSnapshotRepository(db)
	now := time.Now().UTC()

	mock.ExpectBegin()
	rows := snapshotRows().
		AddRow("snap-1", "student", "student-1", "12345", "DELETE", `{}`, `{}`, "user-1", now, now.Add(time.Hour), false, nil)
	mock.ExpectQuery(regexp.QuoteMeta("FROM snapshots WHERE id = $1 FOR UPDATE")).
		WithArgs("snap-1").
		WillReturnRows(rows)
	mock.ExpectCommit()

	tx, err := db.BeginTxx(context.Background(), nil)
	require.NoError(t, err)
	snapshot, err := repo.GetForUpdate(context.Background(), tx, "snap-1")
	require.NoError(t, err)
	require.Equal(t, "snap-1", snapshot.ID)
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotRepositoryMarkUndone(t *testing.T) {
	db, mock, cleanup := newSnapshotRepoMock(t)
	defer cleanup()

	repo := NewSnapshotRepository(db)
	at := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND was_undone = false")).
		WithArgs("snap-1", at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkUndone(context.Background(), nil, "snap-1", at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotRepositoryMarkUndoneAlreadyUndone(t *testing.T) {
	db, mock, cleanup := newSnapshotRepoMock(t)
	defer cleanup()

	repo := NewSnapshotRepository(db)
	at := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND was_undone = false")).
		WithArgs("snap-1", at).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkUndone(context.Background(), nil, "snap-1", at)
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotRepositoryMarkUndoneJoinsTransaction(t *testing.T) {
	db, mock, cleanup := newSnapshotRepoMock(t)
	defer cleanup()

	repo := NewSnapshotRepository(db)
	at := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE snapshots SET was_undone = true")).
		WithArgs("snap-1", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := db.BeginTxx(context.Background(), &sql.TxOptions{})
	require.NoError(t, err)
	require.NoError(t, repo.MarkUndone(context.Background(), tx, "snap-1", at))
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotRepositoryDeleteExpired(t *testing.T) {
	db, mock, cleanup := newSnapshotRepoMock(t)
	defer cleanup()

	repo := NewSnapshotRepository(db)
	cutoff := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM snapshots WHERE expires_at <")).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	removed, err := repo.DeleteExpired(context.Background(), cutoff)
	require.NoError(t, err)
	require.EqualValues(t, 3, removed)
	require.NoError(t, mock.ExpectationsWereMet())
}
