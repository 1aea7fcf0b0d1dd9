package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-group-change/internal/models"
)

// TermRepository reads academic terms and their adjustment windows.
type TermRepository struct {
	db *sqlx.DB
}

// NewTermRepository instantiates a term repository.
func NewTermRepository(db *sqlx.DB) *TermRepository {
	return &TermRepository{db: db}
}

// FindByID fetches a term by ID.
func (r *TermRepository) FindByID(ctx context.Context, id string) (*models.Term, error) {
	var term models.Term
	const query = `SELECT id, name, academic_year, start_date, end_date, adjustment_opens_at, adjustment_closes_at, is_active FROM terms WHERE id = $1`
	if err := sqlx.GetContext(ctx, conn(ctx, r.db), &term, query, id); err != nil {
		return nil, err
	}
	return &term, nil
}

// FindActive returns the term flagged active.
func (r *TermRepository) FindActive(ctx context.Context) (*models.Term, error) {
	var term models.Term
	const query = `SELECT id, name, academic_year, start_date, end_date, adjustment_opens_at, adjustment_closes_at, is_active FROM terms WHERE is_active = TRUE ORDER BY start_date DESC LIMIT 1`
	if err := sqlx.GetContext(ctx, conn(ctx, r.db), &term, query); err != nil {
		return nil, err
	}
	return &term, nil
}
