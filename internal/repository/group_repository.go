package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-group-change/internal/models"
)

const groupColumns = `id, name, term_id, COALESCE(program_id, '') AS program_id, capacity, created_at, updated_at`

// GroupRepository reads class groups and their authoritative occupancy.
type GroupRepository struct {
	db *sqlx.DB
}

// NewGroupRepository constructs the repository.
func NewGroupRepository(db *sqlx.DB) *GroupRepository {
	return &GroupRepository{db: db}
}

// FindByID returns a group by ID.
func (r *GroupRepository) FindByID(ctx context.Context, id string) (*models.Group, error) {
	var group models.Group
	query := `SELECT ` + groupColumns + ` FROM class_groups WHERE id = $1`
	if err := sqlx.GetContext(ctx, conn(ctx, r.db), &group, query, id); err != nil {
		return nil, err
	}
	return &group, nil
}

// ListByTerm returns every group of a term ordered by name.
func (r *GroupRepository) ListByTerm(ctx context.Context, termID string) ([]models.Group, error) {
	var groups []models.Group
	query := `SELECT ` + groupColumns + ` FROM class_groups WHERE term_id = $1 ORDER BY name`
	if err := sqlx.SelectContext(ctx, conn(ctx, r.db), &groups, query, termID); err != nil {
		return nil, err
	}
	return groups, nil
}

// CountActiveEnrollments counts confirmed occupants of a group at call time.
func (r *GroupRepository) CountActiveEnrollments(ctx context.Context, groupID string) (int, error) {
	var count int
	const query = `SELECT COUNT(*) FROM enrollments WHERE group_id = $1 AND status = $2`
	if err := sqlx.GetContext(ctx, conn(ctx, r.db), &count, query, groupID, models.EnrollmentStatusActive); err != nil {
		return 0, err
	}
	return count, nil
}

// LockForUpdate takes a row lock on the group for the rest of the context transaction.
// Outside a transaction the lock is released immediately.
func (r *GroupRepository) LockForUpdate(ctx context.Context, groupID string) error {
	var id string
	const query = `SELECT id FROM class_groups WHERE id = $1 FOR UPDATE`
	return sqlx.GetContext(ctx, conn(ctx, r.db), &id, query, groupID)
}
