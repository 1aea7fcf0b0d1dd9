package models

import "time"

// Student represents a learner registered in the institution.
type Student struct {
	ID        string    `db:"id" json:"id"`
	NIS       string    `db:"nis" json:"nis"`
	FullName  string    `db:"full_name" json:"full_name"`
	ProgramID string    `db:"program_id" json:"program_id"`
	GPA       float64   `db:"gpa" json:"gpa"`
	Semester  int       `db:"semester" json:"semester"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
