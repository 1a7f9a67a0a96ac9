package repo

import (
	"context"
	"fmt"
	"time"

	"inkup/internal/domain"
	"inkup/internal/infra"
	"inkup/internal/sqlinline"
)

// JobRepositoryPG implements domain.JobRepository.
type JobRepositoryPG struct {
	db infra.SQLExecutor
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(db infra.SQLExecutor) *JobRepositoryPG {
	return &JobRepositoryPG{db: db}
}

// Create inserts a new PENDING job record.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.GenerationJob) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("create job: id is required")
	}
	row := r.db.QueryRow(ctx, sqlinline.QInsertGenerationJob, job.ID, job.OwnerID)
	if err := row.Scan(&job.CreatedAt, &job.UpdatedAt); err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	job.Status = domain.JobStatusPending
	return nil
}

// UpdateStatus transitions a PENDING job.
func (r *JobRepositoryPG) UpdateStatus(ctx context.Context, jobID string, status domain.JobStatus, errMsg *string) error {
	tag, err := r.db.Exec(ctx, sqlinline.QUpdateGenerationJobStatus, jobID, string(status), errMsg)
	if err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update job %s to %s: %w", jobID, status, domain.ErrInvalidTransition)
	}
	return nil
}

// GetByID fetches a job by its identifier.
func (r *JobRepositoryPG) GetByID(ctx context.Context, jobID string) (*domain.GenerationJob, error) {
	row := r.db.QueryRow(ctx, sqlinline.QSelectGenerationJob, jobID)
	var (
		job    domain.GenerationJob
		status string
	)
	if err := row.Scan(&job.ID, &job.OwnerID, &status, &job.ErrorMessage, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	job.Status = domain.JobStatus(status)
	return &job, nil
}

// ExpirePending fails every PENDING job created before cutoff.
func (r *JobRepositoryPG) ExpirePending(ctx context.Context, cutoff time.Time, reason string) ([]string, error) {
	rows, err := r.db.Query(ctx, sqlinline.QExpirePendingGenerationJobs, cutoff, reason)
	if err != nil {
		return nil, fmt.Errorf("expire pending jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("expire pending jobs: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("expire pending jobs: %w", err)
	}
	return ids, nil
}

var _ domain.JobRepository = (*JobRepositoryPG)(nil)
