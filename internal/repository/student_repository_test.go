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

func newStudentRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func studentRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "nis", "full_name", "gender", "birth_date", "address", "phone", "active", "created_at", "updated_at"})
}

func TestStudentRepositoryList(t *testing.T) {
	db, mock, cleanup := newStudentRepoMock(t)
	defer cleanup()
	repo := NewStudentRepository(db)

	rows := studentRows().
		AddRow("student-1", "20260001", "Jon", "M", time.Now(), "Jl. Melati 1", "0812", true, time.Now(), time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("FROM students WHERE 1=1 AND active = $1 AND (LOWER(full_name) LIKE $2 OR LOWER(nis) LIKE $2) ORDER BY full_name ASC LIMIT 20 OFFSET 0")).
		WithArgs(true, "%jon%").
		WillReturnRows(rows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM students WHERE 1=1")).
		WithArgs(true, "%jon%").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	active := true
	students, total, err := repo.List(context.Background(), models.StudentFilter{
		Active:    &active,
		Search:    "Jon",
		SortBy:    "full_name",
		SortOrder: "asc",
	})
	require.NoError(t, err)
	require.Len(t, students, 1)
	require.Equal(t, 1, total)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentRepositoryCreateAndFind(t *testing.T) {
	db, mock, cleanup := newStudentRepoMock(t)
	defer cleanup()
	repo := NewStudentRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO students")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	student := &models.Student{
		NIS:      "20260001",
		FullName: "Jon",
		Gender:   "M",
		Active:   true,
	}
	require.NoError(t, repo.Create(context.Background(), nil, student))
	require.NotEmpty(t, student.ID)

	rows := studentRows().
		AddRow(student.ID, "20260001", "Jon", "M", time.Now(), "", "", true, time.Now(), time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, nis, full_name")).
		WithArgs(student.ID).
		WillReturnRows(rows)

	found, err := repo.FindByID(context.Background(), nil, student.ID)
	require.NoError(t, err)
	require.Equal(t, "Jon", found.FullName)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentRepositoryExistsByNIS(t *testing.T) {
	db, mock, cleanup := newStudentRepoMock(t)
	defer cleanup()
	repo := NewStudentRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM students WHERE nis = $1 AND id <> $2 LIMIT 1")).
		WithArgs("20260001", "student-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	exists, err := repo.ExistsByNIS(context.Background(), nil, "20260001", "student-1")
	require.NoError(t, err)
	require.True(t, exists)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM students WHERE nis = $1 LIMIT 1")).
		WithArgs("20269999").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))

	exists, err = repo.ExistsByNIS(context.Background(), nil, "20269999", "")
	require.NoError(t, err)
	require.False(t, exists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentRepositoryMutationsJoinTransaction(t *testing.T) {
	db, mock, cleanup := newStudentRepoMock(t)
	defer cleanup()
	repo := NewStudentRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE students SET nis =")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM students WHERE id = $1")).
		WithArgs("student-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := db.BeginTxx(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, repo.Update(context.Background(), tx, &models.Student{ID: "student-1", NIS: "20260001", FullName: "Jon"}))
	require.NoError(t, repo.Delete(context.Background(), tx, "student-1"))
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentRepositoryDeleteMissingRow(t *testing.T) {
	db, mock, cleanup := newStudentRepoMock(t)
	defer cleanup()
	repo := NewStudentRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM students WHERE id = $1")).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Delete(context.Background(), nil, "missing")
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentRepositoryRestoreKeepsIdentifiers(t *testing.T) {
	db, mock, cleanup := newStudentRepoMock(t)
	defer cleanup()
	repo := NewStudentRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO students")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	created := time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)
	student := &models.Student{
		ID:        "student-1",
		NIS:       "20260001",
		FullName:  "Jon",
		Gender:    "M",
		Active:    true,
		CreatedAt: created,
		UpdatedAt: created,
	}
	require.NoError(t, repo.Restore(context.Background(), nil, student))
	require.Equal(t, "student-1", student.ID)
	require.Equal(t, created, student.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}
