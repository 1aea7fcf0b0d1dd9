package models

import (
	"encoding/json"
	"time"
)

// SnapshotKindEnrollment marks snapshots holding an EnrollmentSnapshot payload.
const SnapshotKindEnrollment = "ENROLLMENT"

// Snapshot is an opaque, immutable copy of a subject's prior state.
type Snapshot struct {
	SubjectID string          `json:"subjectId"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	TakenAt   time.Time       `json:"takenAt"`
}

// EnrollmentSnapshot is the payload captured before an enrollment transfer.
type EnrollmentSnapshot struct {
	EnrollmentID string `json:"enrollmentId"`
	GroupID      string `json:"groupId"`
	TermID       string `json:"termId"`
	RequestID    string `json:"requestId"`
}
