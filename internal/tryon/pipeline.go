// Package tryon runs a try-on generation end to end: normalize the inputs,
// stage them on the worker, build and submit the graph, wait for it and
// persist the output.
package tryon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"inkup/internal/comfy"
	"inkup/internal/domain"
	"inkup/internal/infra"
	"inkup/internal/metrics"
	"inkup/internal/normalize"
	"inkup/internal/scratch"
	"inkup/internal/storage"
	"inkup/internal/workflow"
	"inkup/pkg/schema"
)

const (
	stageNormalize = "normalize"
	stageStage     = "stage"
	stageBuild     = "build"
	stageSubmit    = "submit"
	stageFetch     = "fetch"
	stagePersist   = "persist"

	maxErrorMessage = 500
)

// Submitter queues a graph and waits for it.
type Submitter interface {
	Submit(ctx context.Context, job comfy.Job) (comfy.Run, error)
}

// OutputFetcher downloads the output of a finished prompt.
type OutputFetcher interface {
	FetchOutput(ctx context.Context, promptID string) (comfy.OutputFile, []byte, error)
}

// Notifier publishes lifecycle events. Failures are logged, never fatal.
type Notifier interface {
	Notify(ctx context.Context, evt schema.GenerationEvent) error
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Jobs      domain.JobRepository
	Assets    domain.AssetRepository
	Store     storage.Store
	Uploader  Uploader
	Builder   *workflow.Builder
	Submitter Submitter
	Fetcher   OutputFetcher
	Notifier  Notifier
	Logger    infra.Logger
}

// Options tune a Pipeline.
type Options struct {
	ScratchRoot   string
	Subfolder     string
	ClientTag     string
	MaxDimension  int
	MaskThreshold uint8
	// NewID mints job ids; tests inject fixed ids.
	NewID func() string
}

// Inputs are the local paths of the raw uploads.
type Inputs struct {
	Human string
	Item  string
	Mask  string
}

// Status is the polling view of a job.
type Status struct {
	JobID          string
	Status         domain.JobStatus
	OutputImageURL *string
	ErrorMessage   string
}

// Detail is the full record of a job.
type Detail struct {
	Job    domain.GenerationJob
	Assets []domain.GenerationAsset
}

// Pipeline orchestrates generations. It is safe for concurrent use.
type Pipeline struct {
	deps   Deps
	opts   Options
	stager *Stager
	logger infra.Logger
}

func NewPipeline(deps Deps, opts Options) (*Pipeline, error) {
	switch {
	case deps.Jobs == nil, deps.Assets == nil:
		return nil, errors.New("tryon: repositories are required")
	case deps.Store == nil:
		return nil, errors.New("tryon: store is required")
	case deps.Uploader == nil, deps.Submitter == nil, deps.Fetcher == nil:
		return nil, errors.New("tryon: worker client is required")
	case deps.Builder == nil:
		return nil, errors.New("tryon: graph builder is required")
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Subfolder == "" {
		opts.Subfolder = "tryon"
	}
	if opts.ClientTag == "" {
		opts.ClientTag = "inkup"
	}
	if opts.MaxDimension <= 0 {
		opts.MaxDimension = normalize.DefaultMaxDimension
	}
	if opts.MaskThreshold == 0 {
		opts.MaskThreshold = normalize.DefaultMaskThreshold
	}
	return &Pipeline{
		deps:   deps,
		opts:   opts,
		stager: NewStager(deps.Uploader, opts.Subfolder),
		logger: infra.Component(deps.Logger, "tryon"),
	}, nil
}

// Accept records a new PENDING job for ownerID.
func (p *Pipeline) Accept(ctx context.Context, ownerID string) (*domain.GenerationJob, error) {
	job := &domain.GenerationJob{
		ID:      p.opts.NewID(),
		OwnerID: ownerID,
		Status:  domain.JobStatusPending,
	}
	if err := p.deps.Jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("tryon: accept: %w", err)
	}
	return job, nil
}

// Run drives an accepted job to its outcome. Definitive failures mark the
// job FAILED; a timed out wait or a lost channel leaves it PENDING because
// the worker may still finish it. A job that left PENDING before Run
// started (the sweeper expired it while queued) is not generated.
func (p *Pipeline) Run(ctx context.Context, job *domain.GenerationJob, in Inputs) (*domain.GenerationAsset, error) {
	logger := p.logger.With().Str("job_id", job.ID).Logger()
	current, err := p.deps.Jobs.GetByID(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("tryon: reload job %s: %w", job.ID, err)
	}
	if current.Status != domain.JobStatusPending {
		logger.Info().Str("status", string(current.Status)).Msg("job no longer pending, skipping generation")
		return nil, fmt.Errorf("tryon: job %s is %s: %w", job.ID, current.Status, domain.ErrInvalidTransition)
	}

	start := time.Now()
	defer metrics.GenerationStarted()()

	dir, err := scratch.New(p.opts.ScratchRoot, "tryon")
	if err != nil {
		p.fail(ctx, job, stageNormalize, false, err, start)
		return nil, err
	}
	defer func() {
		if rerr := dir.Release(); rerr != nil {
			logger.Warn().Err(rerr).Msg("scratch release failed")
		}
	}()

	asset, stage, ambiguous, err := p.run(ctx, job, in, dir)
	if err != nil {
		p.fail(ctx, job, stage, ambiguous, err, start)
		return nil, err
	}

	metrics.RecordGeneration("completed", time.Since(start))
	logger.Info().Dur("took", time.Since(start)).Str("output", *asset.OutputImageURL).Msg("generation completed")
	p.notify(ctx, schema.GenerationEvent{
		JobID:          job.ID,
		OwnerID:        job.OwnerID,
		Stage:          schema.StageCompleted,
		OutputImageURL: *asset.OutputImageURL,
		StartedAt:      start.Unix(),
		HappenedAt:     time.Now().Unix(),
	})
	return asset, nil
}

func (p *Pipeline) run(ctx context.Context, job *domain.GenerationJob, in Inputs, dir *scratch.Dir) (*domain.GenerationAsset, string, bool, error) {
	human, err := normalize.Image(in.Human, dir.Path("human.png"), p.opts.MaxDimension)
	if err != nil {
		return nil, stageNormalize, false, fmt.Errorf("normalize human: %w", err)
	}
	item, err := normalize.Image(in.Item, dir.Path("item.png"), p.opts.MaxDimension)
	if err != nil {
		return nil, stageNormalize, false, fmt.Errorf("normalize item: %w", err)
	}
	mask, err := normalize.Mask(in.Mask, dir.Path("mask.png"), human.Width, human.Height, p.opts.MaskThreshold)
	if err != nil {
		return nil, stageNormalize, false, fmt.Errorf("normalize mask: %w", err)
	}

	staged, err := p.stager.StageAll(ctx, job.ID, map[domain.ImageRole]string{
		domain.RoleHuman: human.Path,
		domain.RoleItem:  item.Path,
		domain.RoleMask:  mask.Path,
	})
	if err != nil {
		return nil, stageStage, false, fmt.Errorf("stage inputs: %w", err)
	}

	graph, err := p.deps.Builder.Build(workflow.Params{
		PromptID:   job.ID,
		ClientID:   p.opts.ClientTag + "-" + job.ID,
		Width:      human.Width,
		Height:     human.Height,
		HumanImage: staged[domain.RoleHuman],
		ItemImage:  staged[domain.RoleItem],
		MaskImage:  staged[domain.RoleMask],
	})
	if err != nil {
		return nil, stageBuild, false, fmt.Errorf("build graph: %w", err)
	}

	run, err := p.deps.Submitter.Submit(ctx, comfy.Job{PromptID: graph.PromptID, ClientID: graph.ClientID, Prompt: graph.Nodes})
	if err != nil {
		return nil, stageSubmit, run.Submitted() && domain.IsAmbiguous(err), fmt.Errorf("run graph: %w", err)
	}

	file, data, err := p.deps.Fetcher.FetchOutput(ctx, job.ID)
	if err != nil {
		return nil, stageFetch, false, fmt.Errorf("fetch output: %w", err)
	}
	outPath := dir.Path(file.Filename)
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return nil, stageFetch, false, fmt.Errorf("fetch output: %w: %v", domain.ErrProcessing, err)
	}

	asset, err := p.persist(ctx, job, map[domain.ImageRole]string{
		domain.RoleOutput: outPath,
		domain.RoleItem:   item.Path,
		domain.RoleMask:   mask.Path,
	})
	if err != nil {
		return nil, stagePersist, false, err
	}
	return asset, "", false, nil
}

// persist uploads the files, records the asset and only then completes the
// job, so a COMPLETED job always has an output URL.
func (p *Pipeline) persist(ctx context.Context, job *domain.GenerationJob, files map[domain.ImageRole]string) (*domain.GenerationAsset, error) {
	urls := make(map[domain.ImageRole]string, len(files))
	results := make([]string, len(files))
	roles := make([]domain.ImageRole, 0, len(files))
	for role := range files {
		roles = append(roles, role)
	}
	g, gctx := errgroup.WithContext(ctx)
	for i, role := range roles {
		g.Go(func() error {
			key := fmt.Sprintf("tryon/%s/%s.png", job.ID, role)
			url, err := p.deps.Store.Upload(gctx, files[role], key)
			if err != nil {
				return &domain.UploadError{Label: role, Err: err}
			}
			results[i] = url
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("persist: %w", err)
	}
	for i, role := range roles {
		urls[role] = results[i]
	}

	output := urls[domain.RoleOutput]
	asset := &domain.GenerationAsset{
		ID:             uuid.NewString(),
		JobID:          job.ID,
		ItemImageURL:   urls[domain.RoleItem],
		MaskImageURL:   urls[domain.RoleMask],
		OutputImageURL: &output,
	}
	if err := p.deps.Assets.Create(ctx, asset); err != nil {
		return nil, fmt.Errorf("persist asset: %w", err)
	}
	if err := p.deps.Jobs.UpdateStatus(ctx, job.ID, domain.JobStatusCompleted, nil); err != nil {
		return nil, fmt.Errorf("complete job: %w", err)
	}
	job.Status = domain.JobStatusCompleted
	return asset, nil
}

func (p *Pipeline) fail(ctx context.Context, job *domain.GenerationJob, stage string, ambiguous bool, cause error, start time.Time) {
	metrics.RecordStageFailure(stage)
	logger := p.logger.With().Str("job_id", job.ID).Str("stage", stage).Logger()
	evt := schema.GenerationEvent{
		JobID:      job.ID,
		OwnerID:    job.OwnerID,
		Stage:      schema.StageFailed,
		Error:      truncate(cause.Error(), maxErrorMessage),
		StartedAt:  start.Unix(),
		HappenedAt: time.Now().Unix(),
	}

	if ambiguous {
		logger.Warn().Err(cause).Msg("generation outcome unknown, job left pending")
		metrics.RecordGeneration("unknown", time.Since(start))
		evt.FailureType = schema.FailureTypeUnknown
		p.notify(ctx, evt)
		return
	}

	logger.Error().Err(cause).Msg("generation failed")
	metrics.RecordGeneration("failed", time.Since(start))
	msg := evt.Error
	if err := p.deps.Jobs.UpdateStatus(ctx, job.ID, domain.JobStatusFailed, &msg); err != nil {
		logger.Error().Err(err).Msg("mark job failed")
	} else {
		job.Status = domain.JobStatusFailed
		job.ErrorMessage = msg
	}
	evt.FailureType = schema.FailureTypePermanent
	p.notify(ctx, evt)
}

func (p *Pipeline) notify(ctx context.Context, evt schema.GenerationEvent) {
	if p.deps.Notifier == nil {
		return
	}
	if err := p.deps.Notifier.Notify(ctx, evt); err != nil {
		p.logger.Warn().Err(err).Str("job_id", evt.JobID).Msg("publish lifecycle event")
	}
}

// Status returns the polling view of jobID. A non-empty ownerID must match.
func (p *Pipeline) Status(ctx context.Context, jobID, ownerID string) (*Status, error) {
	d, err := p.Detail(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}
	st := &Status{JobID: d.Job.ID, Status: d.Job.Status, ErrorMessage: d.Job.ErrorMessage}
	if d.Job.Status == domain.JobStatusCompleted {
		for i := len(d.Assets) - 1; i >= 0; i-- {
			if d.Assets[i].OutputImageURL != nil {
				st.OutputImageURL = d.Assets[i].OutputImageURL
				break
			}
		}
	}
	return st, nil
}

// Detail returns the job and its assets. A non-empty ownerID must match.
func (p *Pipeline) Detail(ctx context.Context, jobID, ownerID string) (*Detail, error) {
	job, err := p.deps.Jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && job.OwnerID != ownerID {
		return nil, domain.ErrNotFound
	}
	assets, err := p.deps.Assets.ListByJobID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &Detail{Job: *job, Assets: assets}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
