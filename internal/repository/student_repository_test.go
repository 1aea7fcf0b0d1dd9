package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStudentRepositoryFindByID(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewStudentRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "nis", "full_name", "program_id", "gpa", "semester", "active", "created_at", "updated_at"}).
		AddRow("stu-1", "001", "Student", "science", 3.6, 5, true, now, now)
	mock.ExpectQuery(regexp.QuoteMeta("FROM students WHERE id = $1")).
		WithArgs("stu-1").
		WillReturnRows(rows)

	student, err := repo.FindByID(context.Background(), "stu-1")
	require.NoError(t, err)
	assert.InDelta(t, 3.6, student.GPA, 0.001)
	assert.Equal(t, 5, student.Semester)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTermRepositoryFindByID(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTermRepository(db)

	now := time.Now()
	opens := now.Add(-time.Hour)
	rows := sqlmock.NewRows([]string{"id", "name", "academic_year", "start_date", "end_date", "adjustment_opens_at", "adjustment_closes_at", "is_active"}).
		AddRow("term-1", "Odd", "2024/2025", now, now.AddDate(0, 6, 0), opens, nil, true)
	mock.ExpectQuery(regexp.QuoteMeta("FROM terms WHERE id = $1")).
		WithArgs("term-1").
		WillReturnRows(rows)

	term, err := repo.FindByID(context.Background(), "term-1")
	require.NoError(t, err)
	require.NotNil(t, term.AdjustmentOpensAt)
	assert.Nil(t, term.AdjustmentClosesAt)
	assert.False(t, term.AdjustmentWindowOpen(now))
	assert.NoError(t, mock.ExpectationsWereMet())
}
