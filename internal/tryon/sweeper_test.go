package tryon_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inkup/internal/domain"
	"inkup/internal/infra"
	"inkup/internal/tryon"
	"inkup/pkg/schema"
)

func TestSweepOnceExpiresOnlyOldPendingJobs(t *testing.T) {
	jobs := &memJobs{jobs: map[string]domain.GenerationJob{}}
	old := time.Now().Add(-2 * time.Hour)
	jobs.jobs["old-pending"] = domain.GenerationJob{ID: "old-pending", Status: domain.JobStatusPending, CreatedAt: old}
	jobs.jobs["old-done"] = domain.GenerationJob{ID: "old-done", Status: domain.JobStatusCompleted, CreatedAt: old}
	jobs.jobs["fresh"] = domain.GenerationJob{ID: "fresh", Status: domain.JobStatusPending, CreatedAt: time.Now()}
	notifier := &recordingNotifier{}

	s := tryon.NewSweeper(jobs, notifier, infra.NopLogger(), 30*time.Minute, time.Second)
	ids, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"old-pending"}, ids)

	assert.Equal(t, domain.JobStatusFailed, jobs.jobs["old-pending"].Status)
	assert.Equal(t, tryon.ExpiredReason, jobs.jobs["old-pending"].ErrorMessage)
	assert.Equal(t, domain.JobStatusCompleted, jobs.jobs["old-done"].Status)
	assert.Equal(t, domain.JobStatusPending, jobs.jobs["fresh"].Status)

	events := notifier.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "old-pending", events[0].JobID)
	assert.Equal(t, schema.StageFailed, events[0].Stage)

	ids, err = s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	jobs := &memJobs{jobs: map[string]domain.GenerationJob{}}
	s := tryon.NewSweeper(jobs, nil, infra.NopLogger(), time.Minute, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Run(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestSweepRequiresExpiry(t *testing.T) {
	s := tryon.NewSweeper(&memJobs{jobs: map[string]domain.GenerationJob{}}, nil, infra.NopLogger(), 0, time.Second)
	_, err := s.SweepOnce(context.Background())
	require.Error(t, err)
}
