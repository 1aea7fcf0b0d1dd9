package models

import "time"

// Term models an academic term and its group adjustment window.
type Term struct {
	ID                 string     `db:"id" json:"id"`
	Name               string     `db:"name" json:"name"`
	AcademicYear       string     `db:"academic_year" json:"academic_year"`
	StartDate          time.Time  `db:"start_date" json:"start_date"`
	EndDate            time.Time  `db:"end_date" json:"end_date"`
	AdjustmentOpensAt  *time.Time `db:"adjustment_opens_at" json:"adjustment_opens_at,omitempty"`
	AdjustmentClosesAt *time.Time `db:"adjustment_closes_at" json:"adjustment_closes_at,omitempty"`
	IsActive           bool       `db:"is_active" json:"is_active"`
}

// AdjustmentWindowOpen reports whether now falls inside [opens, closes).
// A term without a configured window never accepts adjustments.
func (t Term) AdjustmentWindowOpen(now time.Time) bool {
	if t.AdjustmentOpensAt == nil || t.AdjustmentClosesAt == nil {
		return false
	}
	return !now.Before(*t.AdjustmentOpensAt) && now.Before(*t.AdjustmentClosesAt)
}
