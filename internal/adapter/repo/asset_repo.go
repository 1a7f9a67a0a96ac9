package repo

import (
	"context"
	"fmt"

	"inkup/internal/domain"
	"inkup/internal/infra"
	"inkup/internal/sqlinline"
)

// AssetRepositoryPG implements domain.AssetRepository using PostgreSQL.
type AssetRepositoryPG struct {
	db infra.SQLExecutor
}

// NewAssetRepository constructs a new asset repository instance.
func NewAssetRepository(db infra.SQLExecutor) *AssetRepositoryPG {
	return &AssetRepositoryPG{db: db}
}

// Create appends an asset row for its job.
func (r *AssetRepositoryPG) Create(ctx context.Context, asset *domain.GenerationAsset) error {
	if asset == nil || asset.ID == "" || asset.JobID == "" {
		return fmt.Errorf("create asset: id and job id are required")
	}
	row := r.db.QueryRow(ctx, sqlinline.QInsertGenerationAsset,
		asset.ID,
		asset.JobID,
		asset.ItemImageURL,
		asset.MaskImageURL,
		asset.OutputImageURL,
	)
	if err := row.Scan(&asset.CreatedAt); err != nil {
		return fmt.Errorf("create asset for job %s: %w", asset.JobID, err)
	}
	return nil
}

// ListByJobID returns all assets belonging to the job, oldest first.
func (r *AssetRepositoryPG) ListByJobID(ctx context.Context, jobID string) ([]domain.GenerationAsset, error) {
	rows, err := r.db.Query(ctx, sqlinline.QSelectGenerationAssetsByJob, jobID)
	if err != nil {
		return nil, fmt.Errorf("list assets for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var assets []domain.GenerationAsset
	for rows.Next() {
		var asset domain.GenerationAsset
		if err := rows.Scan(&asset.ID, &asset.JobID, &asset.ItemImageURL, &asset.MaskImageURL, &asset.OutputImageURL, &asset.CreatedAt); err != nil {
			return nil, fmt.Errorf("list assets for job %s: %w", jobID, err)
		}
		assets = append(assets, asset)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list assets for job %s: %w", jobID, err)
	}
	return assets, nil
}

var _ domain.AssetRepository = (*AssetRepositoryPG)(nil)
