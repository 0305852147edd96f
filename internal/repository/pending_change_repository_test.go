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

func newPendingChangeRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func pendingChangeRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "action_key", "entity_type", "entity_id", "request_method", "request_path", "payload", "metadata", "status", "created_by", "created_at", "approved_by", "approved_at", "notes"})
}

func TestPendingChangeRepositoryCreateDefaults(t *testing.T) {
	db, mock, cleanup := newPendingChangeRepoMock(t)
	defer cleanup()

	repo := NewPendingChangeRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO pending_changes")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	change := &models.PendingChange{
		ActionKey:     "students:update",
		EntityType:    "student",
		RequestMethod: "PUT",
		RequestPath:   "/api/v1/students/student-1",
		Payload:       []byte(`{"full_name":"Jon"}`),
		CreatedBy:     "user-1",
	}
	require.NoError(t, repo.Create(context.Background(), change))
	require.NotEmpty(t, change.ID)
	require.Equal(t, models.PendingStatusPending, change.Status)
	require.False(t, change.CreatedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingChangeRepositoryGetForUpdate(t *testing.T) {
	db, mock, cleanup := newPendingChangeRepoMock(t)
	defer cleanup()

	repo := NewPendingChangeRepository(db)
	mock.ExpectBegin()
	rows := pendingChangeRows().
		AddRow("pc-1", "students:update", "student", "student-1", "PUT", "/api/v1/students/student-1", `{}`, `{}`, "PENDING", "user-1", time.Now(), nil, nil, nil)
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("pc-1").
		WillReturnRows(rows)
	mock.ExpectCommit()

	tx, err := db.BeginTxx(context.Background(), &sql.TxOptions{})
	require.NoError(t, err)
	change, err := repo.GetForUpdate(context.Background(), tx, "pc-1")
	require.NoError(t, err)
	require.Equal(t, models.PendingStatusPending, change.Status)
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingChangeRepositoryListFilters(t *testing.T) {
	db, mock, cleanup := newPendingChangeRepoMock(t)
	defer cleanup()

	repo := NewPendingChangeRepository(db)
	rows := pendingChangeRows().
		AddRow("pc-1", "students:delete", "student", "student-1", "DELETE", "/api/v1/students/student-1", `{}`, `{}`, "PENDING", "user-1", time.Now(), nil, nil, nil)
	mock.ExpectQuery(regexp.QuoteMeta("status IN ($1,$2) AND entity_type = $3 AND created_by = $4")).
		WithArgs(models.PendingStatusPending, models.PendingStatusApproved, "student", "user-1").
		WillReturnRows(rows)

	list, err := repo.List(context.Background(), models.PendingChangeFilter{
		Status:     []models.PendingStatus{models.PendingStatusPending, models.PendingStatusApproved},
		EntityType: "student",
		CreatedBy:  "user-1",
	})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "pc-1", list[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingChangeRepositoryCountPending(t *testing.T) {
	db, mock, cleanup := newPendingChangeRepoMock(t)
	defer cleanup()

	repo := NewPendingChangeRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM pending_changes WHERE status = $1 AND entity_type = $2")).
		WithArgs(models.PendingStatusPending, "announcement").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	total, err := repo.CountPending(context.Background(), "announcement")
	require.NoError(t, err)
	require.Equal(t, 4, total)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingChangeRepositoryMarkResolved(t *testing.T) {
	db, mock, cleanup := newPendingChangeRepoMock(t)
	defer cleanup()

	repo := NewPendingChangeRepository(db)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("status = 'PENDING'")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := db.BeginTxx(context.Background(), &sql.TxOptions{})
	require.NoError(t, err)
	err = repo.MarkResolved(context.Background(), tx, ResolvePendingChangeParams{
		ID:         "pc-1",
		Status:     models.PendingStatusApproved,
		ApprovedBy: "admin-1",
		ApprovedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingChangeRepositoryMarkResolvedAlreadyTerminal(t *testing.T) {
	db, mock, cleanup := newPendingChangeRepoMock(t)
	defer cleanup()

	repo := NewPendingChangeRepository(db)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("status = 'PENDING'")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	tx, err := db.BeginTxx(context.Background(), &sql.TxOptions{})
	require.NoError(t, err)
	err = repo.MarkResolved(context.Background(), tx, ResolvePendingChangeParams{
		ID:         "pc-1",
		Status:     models.PendingStatusRejected,
		ApprovedBy: "admin-1",
		ApprovedAt: time.Now().UTC(),
	})
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, tx.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingChangeRepositoryDeleteResolvedBefore(t *testing.T) {
	db, mock, cleanup := newPendingChangeRepoMock(t)
	defer cleanup()

	repo := NewPendingChangeRepository(db)
	cutoff := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM pending_changes WHERE status <> $1 AND approved_at < $2")).
		WithArgs(models.PendingStatusPending, cutoff).
		WillReturnResult(sqlmock.NewResult(0, 2))

	removed, err := repo.DeleteResolvedBefore(context.Background(), cutoff)
	require.NoError(t, err)
	require.EqualValues(t, 2, removed)
	require.NoError(t, mock.ExpectationsWereMet())
}
