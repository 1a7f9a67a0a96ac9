package domain

import (
	"context"
	"time"
)

// JobRepository persists generation jobs.
type JobRepository interface {
	Create(ctx context.Context, job *GenerationJob) error
	// UpdateStatus moves a PENDING job to status. It returns
	// ErrInvalidTransition when the job is already terminal.
	UpdateStatus(ctx context.Context, jobID string, status JobStatus, errMsg *string) error
	GetByID(ctx context.Context, jobID string) (*GenerationJob, error)
	// ExpirePending fails PENDING jobs created before cutoff and returns their ids.
	ExpirePending(ctx context.Context, cutoff time.Time, reason string) ([]string, error)
}

// AssetRepository persists generation assets.
type AssetRepository interface {
	Create(ctx context.Context, asset *GenerationAsset) error
	ListByJobID(ctx context.Context, jobID string) ([]GenerationAsset, error)
}
