package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-group-change/internal/models"
)

const enrollmentColumns = `id, student_id, group_id, term_id, joined_at, left_at, status`

// EnrollmentRepository handles persistence of enrollments.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// FindByID fetches an enrollment.
func (r *EnrollmentRepository) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	var enrollment models.Enrollment
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE id = $1`
	if err := sqlx.GetContext(ctx, conn(ctx, r.db), &enrollment, query, id); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// FindActiveByStudentAndTerm returns the student's confirmed seat in a term.
func (r *EnrollmentRepository) FindActiveByStudentAndTerm(ctx context.Context, studentID, termID string) (*models.Enrollment, error) {
	var enrollment models.Enrollment
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE student_id = $1 AND term_id = $2 AND status = $3 ORDER BY joined_at DESC LIMIT 1`
	if err := sqlx.GetContext(ctx, conn(ctx, r.db), &enrollment, query, studentID, termID, models.EnrollmentStatusActive); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// MoveToGroup reassigns an active enrollment to another group.
// This is the occupancy increment of the target group.
func (r *EnrollmentRepository) MoveToGroup(ctx context.Context, id, groupID string) error {
	const query = `UPDATE enrollments SET group_id = $1 WHERE id = $2 AND status = $3`
	res, err := conn(ctx, r.db).ExecContext(ctx, query, groupID, id, models.EnrollmentStatusActive)
	if err != nil {
		return fmt.Errorf("move enrollment: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("move enrollment rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
