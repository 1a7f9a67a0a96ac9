package domain

import "time"

// JobStatus enumerates generation lifecycle states.
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// GenerationJob tracks one try-on request. Its ID doubles as the worker
// prompt id, the notification filter and the output filename prefix.
type GenerationJob struct {
	ID           string
	OwnerID      string
	Status       JobStatus
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
