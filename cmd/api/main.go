package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"inkup/internal/adapter/repo"
	"inkup/internal/bus"
	"inkup/internal/comfy"
	"inkup/internal/http/handlers"
	httpapi "inkup/internal/http/httpapi"
	"inkup/internal/infra"
	"inkup/internal/storage"
	"inkup/internal/tryon"
	"inkup/internal/workflow"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()
	runner := infra.NewSQLRunner(dbpool, logger)

	store, staticDir, err := newStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure storage")
	}

	builder, err := workflow.Load(cfg.WorkflowTemplatePath, cfg.WorkflowSchemaPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load workflow template")
	}

	client, err := comfy.NewClient(comfy.Options{BaseURL: cfg.ComfyBaseURL, Logger: &logger})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure comfy client")
	}

	deps := tryon.Deps{
		Jobs:      repo.NewJobRepository(runner),
		Assets:    repo.NewAssetRepository(runner),
		Store:     store,
		Uploader:  client,
		Builder:   builder,
		Submitter: comfy.NewSubmitter(client, cfg.ComfyTimeout, logger),
		Fetcher:   client,
		Logger:    logger,
	}
	if cfg.NATSURL != "" {
		events, err := bus.Connect(cfg.NATSURL, "inkup-api", cfg.NATSSubject)
		if err != nil {
			logger.Warn().Err(err).Msg("nats unavailable, lifecycle events disabled")
		} else {
			defer events.Close()
			deps.Notifier = events
		}
	}

	pipeline, err := tryon.NewPipeline(deps, tryon.Options{
		ScratchRoot:   cfg.ScratchDir,
		Subfolder:     cfg.ComfySubfolder,
		ClientTag:     cfg.ComfyClientTag,
		MaxDimension:  cfg.ImageMaxDimension,
		MaskThreshold: uint8(cfg.MaskThreshold),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build pipeline")
	}

	app := handlers.NewApp(cfg, logger, pipeline, map[string]handlers.Pinger{
		"database": dbpool,
		"comfy":    client,
	})
	router := httpapi.NewRouter(app, cfg, logger, httpapi.Options{StaticDir: staticDir})
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Str("addr", server.Addr()).Str("comfy", cfg.ComfyBaseURL).Int("workflow_schema", builder.SchemaVersion()).Msg("API listening")
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}

	// In-flight generations keep running after the listener closes.
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.ComfyTimeout+30*time.Second)
	defer cancelDrain()
	if err := app.Wait(drainCtx); err != nil {
		logger.Warn().Err(err).Msg("generations still running at shutdown; they stay pending until expired")
	}
	logger.Info().Msg("server stopped")
}

// newStore returns the permanent store and, for the filesystem backend, the
// directory to serve under /static.
func newStore(ctx context.Context, cfg *infra.Config, logger infra.Logger) (storage.Store, string, error) {
	if cfg.StorageBackend == infra.StorageBackendMinio {
		ms, err := storage.NewMinioStore(storage.MinioOptions{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			PublicURL: cfg.MinioPublicURL,
		}, logger)
		if err != nil {
			return nil, "", err
		}
		if err := ms.EnsureBucket(ctx); err != nil {
			return nil, "", err
		}
		return ms, "", nil
	}

	storagePath := cfg.StoragePath
	if !filepath.IsAbs(storagePath) {
		if abs, err := filepath.Abs(storagePath); err == nil {
			storagePath = abs
		}
	}
	fs, err := storage.NewFileStore(storagePath, cfg.StorageBaseURL, logger)
	if err != nil {
		return nil, "", err
	}
	return fs, fs.BasePath(), nil
}
