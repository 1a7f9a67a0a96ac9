package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	JWTSecret   string

	StorageBackend string
	StoragePath    string
	StorageBaseURL string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	MinioPublicURL string

	ComfyBaseURL   string
	ComfyClientTag string
	ComfySubfolder string
	ComfyTimeout   time.Duration

	WorkflowTemplatePath string
	WorkflowSchemaPath   string
	ScratchDir           string
	ImageMaxDimension    int
	MaskThreshold        int
	TryOnMaxConcurrent   int
	JobExpiry            time.Duration
	SweepInterval        time.Duration

	NATSURL     string
	NATSSubject string

	HTTPReadTimeout    time.Duration
	HTTPWriteTimeout   time.Duration
	HTTPIdleTimeout    time.Duration
	RateLimitPerMin    int
	CORSAllowedOrigins []string
}

const (
	StorageBackendFilesystem = "filesystem"
	StorageBackendMinio      = "minio"
)

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	port := getEnv("PORT", "8080")
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        port,
		DatabaseURL: os.Getenv("DATABASE_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),

		StorageBackend: strings.ToLower(getEnv("STORAGE_BACKEND", StorageBackendFilesystem)),
		StoragePath:    getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL: getEnv("STORAGE_BASE_URL", "http://localhost:"+port+"/static"),
		MinioEndpoint:  os.Getenv("MINIO_ENDPOINT"),
		MinioAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:    getEnv("MINIO_BUCKET", "tryon"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),
		MinioPublicURL: os.Getenv("MINIO_PUBLIC_URL"),

		ComfyBaseURL:   getEnv("COMFY_BASE_URL", "http://127.0.0.1:8188"),
		ComfyClientTag: getEnv("COMFY_CLIENT_TAG", "inkup"),
		ComfySubfolder: getEnv("COMFY_SUBFOLDER", "tryon"),
		ComfyTimeout:   time.Second * time.Duration(getEnvInt("COMFY_TIMEOUT_SECONDS", 90)),

		WorkflowTemplatePath: os.Getenv("WORKFLOW_TEMPLATE_PATH"),
		WorkflowSchemaPath:   os.Getenv("WORKFLOW_SCHEMA_PATH"),
		ScratchDir:           getEnv("SCRATCH_DIR", os.TempDir()),
		ImageMaxDimension:    getEnvInt("IMAGE_MAX_DIMENSION", 1024),
		MaskThreshold:        getEnvInt("MASK_THRESHOLD", 128),
		TryOnMaxConcurrent:   getEnvInt("TRYON_MAX_CONCURRENT", 4),
		JobExpiry:            time.Minute * time.Duration(getEnvInt("JOB_EXPIRY_MINUTES", 30)),
		SweepInterval:        time.Second * time.Duration(getEnvInt("SWEEP_INTERVAL_SECONDS", 60)),

		NATSURL:     os.Getenv("NATS_URL"),
		NATSSubject: getEnv("NATS_SUBJECT", "tryon.generation"),

		HTTPReadTimeout:    time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 30)),
		HTTPWriteTimeout:   time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:    time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:    getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	switch cfg.StorageBackend {
	case StorageBackendFilesystem:
	case StorageBackendMinio:
		if cfg.MinioEndpoint == "" || cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" {
			return nil, fmt.Errorf("MINIO_ENDPOINT, MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required for the minio backend")
		}
	default:
		return nil, fmt.Errorf("unsupported STORAGE_BACKEND %q", cfg.StorageBackend)
	}

	if cfg.MaskThreshold < 1 || cfg.MaskThreshold > 255 {
		return nil, fmt.Errorf("MASK_THRESHOLD must be within 1..255, got %d", cfg.MaskThreshold)
	}
	if cfg.ImageMaxDimension <= 0 {
		return nil, fmt.Errorf("IMAGE_MAX_DIMENSION must be positive")
	}
	if cfg.TryOnMaxConcurrent <= 0 {
		cfg.TryOnMaxConcurrent = 1
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
