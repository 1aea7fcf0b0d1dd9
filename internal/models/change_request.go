package models

import "time"

// ChangeRequestStatus captures the lifecycle state of a group change request.
type ChangeRequestStatus string

const (
	ChangeRequestStatusPending     ChangeRequestStatus = "PENDING"
	ChangeRequestStatusUnderReview ChangeRequestStatus = "UNDER_REVIEW"
	ChangeRequestStatusApproved    ChangeRequestStatus = "APPROVED"
	ChangeRequestStatusRejected    ChangeRequestStatus = "REJECTED"
	ChangeRequestStatusCancelled   ChangeRequestStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition may leave the status.
func (s ChangeRequestStatus) IsTerminal() bool {
	switch s {
	case ChangeRequestStatusApproved, ChangeRequestStatusRejected, ChangeRequestStatusCancelled:
		return true
	default:
		return false
	}
}

// ReviewAction is the fixed audit vocabulary recorded on review steps.
type ReviewAction string

const (
	ReviewActionCreated       ReviewAction = "CREATED"
	ReviewActionReviewStarted ReviewAction = "REVIEW_STARTED"
	ReviewActionInfoRequested ReviewAction = "INFO_REQUESTED"
	ReviewActionApproved      ReviewAction = "APPROVED"
	ReviewActionRejected      ReviewAction = "REJECTED"
	ReviewActionCancelled     ReviewAction = "CANCELLED"
	ReviewActionUpdated       ReviewAction = "UPDATED"
)

// ReviewStep is one immutable entry of a request's audit trail.
type ReviewStep struct {
	RequestID string       `db:"request_id" json:"-"`
	Sequence  int          `db:"sequence" json:"sequence"`
	ActorID   string       `db:"actor_id" json:"actorId"`
	ActorRole UserRole     `db:"actor_role" json:"actorRole"`
	Action    ReviewAction `db:"action" json:"action"`
	Comments  *string      `db:"comments" json:"comments,omitempty"`
	CreatedAt time.Time    `db:"created_at" json:"timestamp"`
}

// ChangeRequest asks to move a student from one group to another within a term.
type ChangeRequest struct {
	ID              string              `db:"id" json:"id"`
	RequesterID     string              `db:"requester_id" json:"requesterId"`
	FromGroupID     string              `db:"from_group_id" json:"fromGroupId"`
	ToGroupID       string              `db:"to_group_id" json:"toGroupId"`
	TermID          string              `db:"term_id" json:"termId"`
	Reason          string              `db:"reason" json:"reason"`
	Status          ChangeRequestStatus `db:"status" json:"status"`
	SubmittedAt     time.Time           `db:"submitted_at" json:"submittedAt"`
	ReviewStartedAt *time.Time          `db:"review_started_at" json:"reviewStartedAt,omitempty"`
	ResolvedAt      *time.Time          `db:"resolved_at" json:"resolvedAt,omitempty"`
	Version         int                 `db:"version" json:"-"`
	ReviewHistory   []ReviewStep        `db:"-" json:"reviewHistory"`
}

// LastStep returns the most recent review step, if any.
func (r *ChangeRequest) LastStep() *ReviewStep {
	if r == nil || len(r.ReviewHistory) == 0 {
		return nil
	}
	return &r.ReviewHistory[len(r.ReviewHistory)-1]
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (r *ChangeRequest) Clone() *ChangeRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.ReviewHistory = append([]ReviewStep(nil), r.ReviewHistory...)
	if r.ReviewStartedAt != nil {
		ts := *r.ReviewStartedAt
		c.ReviewStartedAt = &ts
	}
	if r.ResolvedAt != nil {
		ts := *r.ResolvedAt
		c.ResolvedAt = &ts
	}
	return &c
}

// ChangeRequestFilter constrains listing queries.
type ChangeRequestFilter struct {
	RequesterID string
	TermID      string
	Status      []ChangeRequestStatus
	Limit       int
	Offset      int
}
