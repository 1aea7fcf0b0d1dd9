package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sma-group-change/internal/models"
	appErrors "github.com/noah-isme/sma-group-change/pkg/errors"
)

const changeRequestColumns = `id, requester_id, from_group_id, to_group_id, term_id, reason, status, submitted_at, review_started_at, resolved_at, version`

const insertReviewStepQuery = `INSERT INTO change_request_steps (request_id, sequence, actor_id, actor_role, action, comments, created_at)
        VALUES (:request_id, :sequence, :actor_id, :actor_role, :action, :comments, :created_at)
        ON CONFLICT (request_id, sequence) DO NOTHING`

// ChangeRequestRepository persists change requests and their append-only review history.
type ChangeRequestRepository struct {
	db *sqlx.DB
}

// NewChangeRequestRepository constructs the repository.
func NewChangeRequestRepository(db *sqlx.DB) *ChangeRequestRepository {
	return &ChangeRequestRepository{db: db}
}

// Create inserts a request together with its initial review steps. Losing the race against
// the one-open-request-per-term index yields ErrConflict.
func (r *ChangeRequestRepository) Create(ctx context.Context, req *models.ChangeRequest) error {
	return withTx(ctx, r.db, func(ctx context.Context) error {
		exec := conn(ctx, r.db)
		const query = `INSERT INTO change_requests (id, requester_id, from_group_id, to_group_id, term_id, reason, status, submitted_at, review_started_at, resolved_at, version)
        VALUES (:id, :requester_id, :from_group_id, :to_group_id, :term_id, :reason, :status, :submitted_at, :review_started_at, :resolved_at, :version)`
		if _, err := sqlx.NamedExecContext(ctx, exec, query, req); err != nil {
			if isUniqueViolation(err) {
				return appErrors.Clone(appErrors.ErrConflict, "an open change request already exists for this term")
			}
			return fmt.Errorf("insert change request: %w", err)
		}
		return r.insertSteps(ctx, exec, req)
	})
}

// FindByID returns a request with its full review history.
func (r *ChangeRequestRepository) FindByID(ctx context.Context, id string) (*models.ChangeRequest, error) {
	exec := conn(ctx, r.db)
	var req models.ChangeRequest
	query := `SELECT ` + changeRequestColumns + ` FROM change_requests WHERE id = $1`
	if err := sqlx.GetContext(ctx, exec, &req, query, id); err != nil {
		return nil, err
	}
	const stepsQuery = `SELECT request_id, sequence, actor_id, actor_role, action, comments, created_at FROM change_request_steps WHERE request_id = $1 ORDER BY sequence`
	if err := sqlx.SelectContext(ctx, exec, &req.ReviewHistory, stepsQuery, id); err != nil {
		return nil, fmt.Errorf("load review steps: %w", err)
	}
	return &req, nil
}

// FindPending returns pending requests targeting a group, oldest first.
func (r *ChangeRequestRepository) FindPending(ctx context.Context, groupID string) ([]models.ChangeRequest, error) {
	exec := conn(ctx, r.db)
	var requests []models.ChangeRequest
	query := `SELECT ` + changeRequestColumns + ` FROM change_requests WHERE to_group_id = $1 AND status = $2 ORDER BY submitted_at, id`
	if err := sqlx.SelectContext(ctx, exec, &requests, query, groupID, models.ChangeRequestStatusPending); err != nil {
		return nil, err
	}
	if err := r.attachSteps(ctx, exec, requests); err != nil {
		return nil, err
	}
	return requests, nil
}

// ListPendingGroups returns the distinct target groups with pending requests.
func (r *ChangeRequestRepository) ListPendingGroups(ctx context.Context) ([]string, error) {
	var groups []string
	const query = `SELECT DISTINCT to_group_id FROM change_requests WHERE status = $1 ORDER BY to_group_id`
	if err := sqlx.SelectContext(ctx, conn(ctx, r.db), &groups, query, models.ChangeRequestStatusPending); err != nil {
		return nil, err
	}
	return groups, nil
}

// Save writes the request state guarded by its version and appends new review steps.
// A version mismatch returns sql.ErrNoRows; on success req.Version is advanced.
func (r *ChangeRequestRepository) Save(ctx context.Context, req *models.ChangeRequest) error {
	return withTx(ctx, r.db, func(ctx context.Context) error {
		exec := conn(ctx, r.db)
		const query = `UPDATE change_requests SET reason = $1, status = $2, review_started_at = $3, resolved_at = $4, version = version + 1
        WHERE id = $5 AND version = $6`
		res, err := exec.ExecContext(ctx, query, req.Reason, req.Status, req.ReviewStartedAt, req.ResolvedAt, req.ID, req.Version)
		if err != nil {
			return fmt.Errorf("update change request: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update change request rows: %w", err)
		}
		if rows == 0 {
			return sql.ErrNoRows
		}
		if err := r.insertSteps(ctx, exec, req); err != nil {
			return err
		}
		req.Version++
		return nil
	})
}

// ListByRequester returns a requester's requests newest first together with the total count.
func (r *ChangeRequestRepository) ListByRequester(ctx context.Context, filter models.ChangeRequestFilter) ([]models.ChangeRequest, int, error) {
	exec := conn(ctx, r.db)
	conditions := []string{"requester_id = $1"}
	args := []interface{}{filter.RequesterID}
	if filter.TermID != "" {
		args = append(args, filter.TermID)
		conditions = append(conditions, fmt.Sprintf("term_id = $%d", len(args)))
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, s := range filter.Status {
			statuses[i] = string(s)
		}
		args = append(args, pq.Array(statuses))
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	where := " WHERE " + strings.Join(conditions, " AND ")

	var total int
	if err := sqlx.GetContext(ctx, exec, &total, "SELECT COUNT(*) FROM change_requests"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count change requests: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = models.DefaultPageSize
	}
	query := fmt.Sprintf("SELECT %s FROM change_requests%s ORDER BY submitted_at DESC, id LIMIT %d OFFSET %d", changeRequestColumns, where, limit, filter.Offset)
	var requests []models.ChangeRequest
	if err := sqlx.SelectContext(ctx, exec, &requests, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list change requests: %w", err)
	}
	if err := r.attachSteps(ctx, exec, requests); err != nil {
		return nil, 0, err
	}
	return requests, total, nil
}

// HasOpenRequest reports whether the requester has a non-terminal request in the term.
func (r *ChangeRequestRepository) HasOpenRequest(ctx context.Context, requesterID, termID string) (bool, error) {
	var exists bool
	const query = `SELECT EXISTS (SELECT 1 FROM change_requests WHERE requester_id = $1 AND term_id = $2 AND status IN ($3, $4))`
	err := sqlx.GetContext(ctx, conn(ctx, r.db), &exists, query, requesterID, termID,
		models.ChangeRequestStatusPending, models.ChangeRequestStatusUnderReview)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (r *ChangeRequestRepository) insertSteps(ctx context.Context, exec sqlx.ExtContext, req *models.ChangeRequest) error {
	for i := range req.ReviewHistory {
		step := req.ReviewHistory[i]
		step.RequestID = req.ID
		if _, err := sqlx.NamedExecContext(ctx, exec, insertReviewStepQuery, step); err != nil {
			return fmt.Errorf("insert review step %d: %w", step.Sequence, err)
		}
	}
	return nil
}

func (r *ChangeRequestRepository) attachSteps(ctx context.Context, exec sqlx.ExtContext, requests []models.ChangeRequest) error {
	if len(requests) == 0 {
		return nil
	}
	ids := make([]string, len(requests))
	index := make(map[string]int, len(requests))
	for i, req := range requests {
		ids[i] = req.ID
		index[req.ID] = i
	}
	var steps []models.ReviewStep
	const query = `SELECT request_id, sequence, actor_id, actor_role, action, comments, created_at FROM change_request_steps WHERE request_id = ANY($1) ORDER BY request_id, sequence`
	if err := sqlx.SelectContext(ctx, exec, &steps, query, pq.Array(ids)); err != nil {
		return fmt.Errorf("load review steps: %w", err)
	}
	for _, step := range steps {
		if i, ok := index[step.RequestID]; ok {
			requests[i].ReviewHistory = append(requests[i].ReviewHistory, step)
		}
	}
	return nil
}
