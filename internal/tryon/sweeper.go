package tryon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"inkup/internal/domain"
	"inkup/internal/infra"
	"inkup/internal/metrics"
	"inkup/pkg/schema"
)

// ExpiredReason is stored on jobs failed by the sweeper.
const ExpiredReason = "expired: no outcome before deadline"

// Sweeper gives stuck PENDING jobs a terminal state. Jobs stay PENDING when
// the worker outcome is unknown; once they outlive the expiry they are
// marked FAILED.
type Sweeper struct {
	jobs     domain.JobRepository
	notifier Notifier
	logger   infra.Logger
	expiry   time.Duration
	interval time.Duration
	now      func() time.Time
}

func NewSweeper(jobs domain.JobRepository, notifier Notifier, logger infra.Logger, expiry, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		jobs:     jobs,
		notifier: notifier,
		logger:   infra.Component(logger, "sweeper"),
		expiry:   expiry,
		interval: interval,
		now:      time.Now,
	}
}

// SweepOnce expires every PENDING job created before now minus the expiry.
func (s *Sweeper) SweepOnce(ctx context.Context) ([]string, error) {
	if s.expiry <= 0 {
		return nil, errors.New("sweeper: expiry must be positive")
	}
	now := s.now()
	ids, err := s.jobs.ExpirePending(ctx, now.Add(-s.expiry), ExpiredReason)
	if err != nil {
		return nil, fmt.Errorf("sweeper: expire pending: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	metrics.RecordExpired(len(ids))
	s.logger.Info().Int("count", len(ids)).Msg("expired pending jobs")
	if s.notifier != nil {
		for _, id := range ids {
			evt := schema.GenerationEvent{
				JobID:       id,
				Stage:       schema.StageFailed,
				Error:       ExpiredReason,
				FailureType: schema.FailureTypePermanent,
				HappenedAt:  now.Unix(),
			}
			if err := s.notifier.Notify(ctx, evt); err != nil {
				s.logger.Warn().Err(err).Str("job_id", id).Msg("publish expiry event")
			}
		}
	}
	return ids, nil
}

// Run sweeps until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.SweepOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error().Err(err).Msg("sweep failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
