package models

import "time"

// EnrollmentStatus represents the lifecycle of an enrollment.
type EnrollmentStatus string

// Possible enrollment statuses.
const (
	EnrollmentStatusActive      EnrollmentStatus = "ACTIVE"
	EnrollmentStatusTransferred EnrollmentStatus = "TRANSFERRED"
	EnrollmentStatusLeft        EnrollmentStatus = "LEFT"
)

// Enrollment captures a student's confirmed seat in a group within a term.
type Enrollment struct {
	ID        string           `db:"id" json:"id"`
	StudentID string           `db:"student_id" json:"student_id"`
	GroupID   string           `db:"group_id" json:"group_id"`
	TermID    string           `db:"term_id" json:"term_id"`
	JoinedAt  time.Time        `db:"joined_at" json:"joined_at"`
	LeftAt    *time.Time       `db:"left_at" json:"left_at,omitempty"`
	Status    EnrollmentStatus `db:"status" json:"status"`
}
