package comfy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"inkup/internal/domain"
	"inkup/internal/infra"
)

const DefaultTimeout = 90 * time.Second

// State tracks one submission.
type State string

const (
	StateNotSubmitted State = "NOT_SUBMITTED"
	StateSubmitted    State = "SUBMITTED"
	StateCompleted    State = "COMPLETED"
	StateTimedOut     State = "TIMED_OUT"
	StateChannelError State = "CHANNEL_ERROR"
	StateFailed       State = "FAILED"
)

// Job is a graph ready for submission.
type Job struct {
	PromptID string
	ClientID string
	Prompt   any
}

// Run reports how far a submission got.
type Run struct {
	PromptID    string
	State       State
	QueueNumber int
	Waited      time.Duration
}

// Submitted reports whether the worker accepted the prompt.
func (r Run) Submitted() bool { return r.State != StateNotSubmitted }

// Submitter queues graphs and waits for their completion notification.
type Submitter struct {
	client  *Client
	timeout time.Duration
	logger  infra.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewSubmitter(client *Client, timeout time.Duration, logger infra.Logger) *Submitter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Submitter{
		client:   client,
		timeout:  timeout,
		logger:   infra.Component(logger, "comfy"),
		inflight: make(map[string]struct{}),
	}
}

// Submit attaches a listener, queues job and waits up to the configured
// timeout for its completion. A second Submit for a prompt id that is still
// being waited on is rejected.
func (s *Submitter) Submit(ctx context.Context, job Job) (Run, error) {
	run := Run{PromptID: job.PromptID, State: StateNotSubmitted}
	if !s.acquire(job.PromptID) {
		return run, fmt.Errorf("comfy: prompt %s already awaited: %w", job.PromptID, domain.ErrDuplicateOperation)
	}
	defer s.release(job.PromptID)

	listener, err := s.client.Listen(ctx, job.ClientID)
	if err != nil {
		return run, err
	}
	defer listener.Close()

	resp, err := s.client.QueuePrompt(ctx, PromptRequest{Prompt: job.Prompt, ClientID: job.ClientID, PromptID: job.PromptID})
	if err != nil {
		return run, err
	}
	run.State = StateSubmitted
	run.QueueNumber = resp.Number
	s.logger.Info().Str("job_id", job.PromptID).Int("queue_number", resp.Number).Msg("prompt submitted")

	waitCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	err = listener.Wait(waitCtx, job.PromptID)
	run.Waited = time.Since(start)

	switch {
	case err == nil:
		run.State = StateCompleted
	case errors.Is(err, domain.ErrTimeout):
		run.State = StateTimedOut
	case errors.Is(err, domain.ErrChannel):
		run.State = StateChannelError
	case errors.Is(err, domain.ErrExecution):
		run.State = StateFailed
	}
	return run, err
}

func (s *Submitter) acquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[id]; busy {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Submitter) release(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}
