package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"inkup/internal/domain"
	"inkup/internal/infra"
	"inkup/internal/middleware"
	"inkup/internal/tryon"
)

const (
	defaultMaxUploadBytes = 20 << 20
	anonymousOwner        = "anonymous"
)

// TryOn is the generation service behind the try-on endpoints.
type TryOn interface {
	Accept(ctx context.Context, ownerID string) (*domain.GenerationJob, error)
	Run(ctx context.Context, job *domain.GenerationJob, in tryon.Inputs) (*domain.GenerationAsset, error)
	Status(ctx context.Context, jobID, ownerID string) (*tryon.Status, error)
	Detail(ctx context.Context, jobID, ownerID string) (*tryon.Detail, error)
}

// Pinger is a dependency checked by the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

type App struct {
	Config *infra.Config
	Logger infra.Logger
	TryOn  TryOn
	Checks map[string]Pinger

	// MaxUploadBytes caps each uploaded image.
	MaxUploadBytes int64

	tryonLimiter chan struct{}
	inflight     sync.WaitGroup
}

func NewApp(cfg *infra.Config, logger infra.Logger, svc TryOn, checks map[string]Pinger) *App {
	limit := cfg.TryOnMaxConcurrent
	if limit <= 0 {
		limit = 1
	}
	return &App{
		Config:         cfg,
		Logger:         infra.Component(logger, "http"),
		TryOn:          svc,
		Checks:         checks,
		MaxUploadBytes: defaultMaxUploadBytes,
		tryonLimiter:   make(chan struct{}, limit),
	}
}

// Wait blocks until every accepted generation has finished or ctx is done.
func (a *App) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]errorBody{"error": {Code: errCode, Message: message}})
}

func (a *App) currentUserID(r *http.Request) string {
	if id := middleware.UserIDFromContext(r.Context()); id != "" {
		return id
	}
	return anonymousOwner
}
