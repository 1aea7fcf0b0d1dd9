package models

import "time"

// Group is a capacity-bounded class section students can be enrolled in.
type Group struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	TermID    string    `db:"term_id" json:"term_id"`
	ProgramID string    `db:"program_id" json:"program_id"`
	Capacity  int       `db:"capacity" json:"capacity"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// GroupOccupancy pairs a group's confirmed occupants with its maximum.
type GroupOccupancy struct {
	GroupID string `json:"group_id"`
	Current int    `json:"current"`
	Max     int    `json:"max"`
}

// Ratio returns current/max; a group without seats counts as full.
func (o GroupOccupancy) Ratio() float64 {
	if o.Max <= 0 {
		return 1
	}
	return float64(o.Current) / float64(o.Max)
}

// Saturated reports whether no seat is left.
func (o GroupOccupancy) Saturated() bool {
	return o.Max <= 0 || o.Current >= o.Max
}
