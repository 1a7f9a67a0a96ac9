package httpapi

import (
	stdhttp "net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"inkup/internal/http/handlers"
	"inkup/internal/infra"
	"inkup/internal/metrics"
	"inkup/internal/middleware"
)

// Options carries what the router needs beyond the handlers.
type Options struct {
	// StaticDir is served under /static when the filesystem store is used.
	StaticDir string
}

// filesOnly hides directories so /static never lists job ids.
type filesOnly struct {
	fs stdhttp.FileSystem
}

func (f filesOnly) Open(name string) (stdhttp.File, error) {
	file, err := f.fs.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if info.IsDir() {
		file.Close()
		return nil, os.ErrNotExist
	}
	return file, nil
}

func NewRouter(app *handlers.App, cfg *infra.Config, logger infra.Logger, opts Options) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		middleware.Logger(logger),
		chimw.Recoverer,
		middleware.CORS(cfg.CORSAllowedOrigins),
		metrics.InstrumentHandler,
	)

	r.Get("/v1/healthz", app.Health)
	r.Method(stdhttp.MethodGet, "/metrics", metrics.Handler())

	if opts.StaticDir != "" {
		fs := stdhttp.StripPrefix("/static", stdhttp.FileServer(filesOnly{stdhttp.Dir(opts.StaticDir)}))
		r.Get("/static/*", fs.ServeHTTP)
	}

	r.Route("/tryon", func(r chi.Router) {
		if cfg.JWTSecret != "" {
			r.Use(middleware.AuthJWT(cfg.JWTSecret))
		}
		r.With(middleware.RateLimit(cfg.RateLimitPerMin, time.Minute)).Post("/", app.CreateTryOn)
		r.Get("/image/{generationId}", app.TryOnStatus)
		r.Get("/{generationId}", app.TryOnDetail)
	})

	return r
}
