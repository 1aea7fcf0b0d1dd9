package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-group-change/internal/models"
)

const studentColumns = `id, nis, full_name, COALESCE(program_id, '') AS program_id, gpa, semester, active, created_at, updated_at`

// StudentRepository reads the academic profile of students.
type StudentRepository struct {
	db *sqlx.DB
}

// NewStudentRepository constructs a StudentRepository.
func NewStudentRepository(db *sqlx.DB) *StudentRepository {
	return &StudentRepository{db: db}
}

// FindByID returns a student by ID.
func (r *StudentRepository) FindByID(ctx context.Context, id string) (*models.Student, error) {
	var student models.Student
	query := `SELECT ` + studentColumns + ` FROM students WHERE id = $1`
	if err := sqlx.GetContext(ctx, conn(ctx, r.db), &student, query, id); err != nil {
		return nil, err
	}
	return &student, nil
}
