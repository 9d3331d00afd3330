package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	AttachmentBackendLocal = "local"
	AttachmentBackendS3    = "s3"
	AttachmentBackendNone  = "none"
)

type Config struct {
	ListenAddr              string
	DatabaseURL             string
	StoreDriver             string
	RunMigrations           bool
	RedisEnabled            bool
	RedisAddr               string
	WebhookQueueName        string
	WebhookWorkers          int
	WebhookTimeoutSeconds   int
	CORSAllowedOrigins      []string
	TrustedProxies          []string
	AdminAPIKey             string
	IngestRateLimit         int
	IngestRateWindowSeconds int
	RateLimitRequestsPerSec float64
	RateLimitBurst          int
	AttachmentBackend       string
	AttachmentDir           string
	AttachmentMaxBytes      int64
	AttachmentLifecycleDays int
	AttachmentLinkSecret    string
	AttachmentLinkTTLSecs   int
	PurgeIntervalMinutes    int
	S3Region                string
	S3Endpoint              string
	S3AccessKey             string
	S3SecretKey             string
	S3Bucket                string
	LogFormat               string
	LogLevel                string
}

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment win over the file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	port := envOrDefault("OOPSIE_PORT", "8080")

	cfg := Config{
		ListenAddr:              ":" + port,
		DatabaseURL:             databaseURL(),
		StoreDriver:             strings.ToLower(envOrDefault("STORE_DRIVER", StoreDriverPostgres)),
		RunMigrations:           envOrDefaultBool("RUN_MIGRATIONS", true),
		RedisEnabled:            envOrDefaultBool("REDIS_ENABLED", false),
		RedisAddr:               redisAddr(),
		WebhookQueueName:        envOrDefault("WEBHOOK_QUEUE_NAME", "oopsie-webhooks"),
		WebhookWorkers:          envOrDefaultInt("WEBHOOK_WORKERS", 2),
		WebhookTimeoutSeconds:   envOrDefaultInt("WEBHOOK_TIMEOUT_SECONDS", 5),
		CORSAllowedOrigins:      parseCSV(envOrDefault("CORS_ALLOWED_ORIGINS", "*")),
		TrustedProxies:          splitList(os.Getenv("TRUSTED_PROXIES")),
		AdminAPIKey:             strings.TrimSpace(os.Getenv("ADMIN_API_KEY")),
		IngestRateLimit:         envOrDefaultInt("INGEST_RATE_LIMIT", 10),
		IngestRateWindowSeconds: envOrDefaultInt("INGEST_RATE_WINDOW_SECONDS", 60),
		RateLimitRequestsPerSec: envOrDefaultFloat("API_RATE_LIMIT_REQUESTS_PER_SEC", 25),
		RateLimitBurst:          envOrDefaultInt("API_RATE_LIMIT_BURST", 50),
		AttachmentBackend:       strings.ToLower(envOrDefault("ATTACHMENT_BACKEND", AttachmentBackendLocal)),
		AttachmentDir:           envOrDefault("ATTACHMENT_DIR", "./var/attachments"),
		AttachmentMaxBytes:      int64(envOrDefaultInt("ATTACHMENT_MAX_BYTES", 10*1024*1024)),
		AttachmentLifecycleDays: envOrDefaultInt("S3_LIFECYCLE_DAYS", 0),
		AttachmentLinkSecret:    strings.TrimSpace(os.Getenv("ATTACHMENT_LINK_SECRET")),
		AttachmentLinkTTLSecs:   envOrDefaultInt("ATTACHMENT_LINK_TTL_SECONDS", 300),
		PurgeIntervalMinutes:    envOrDefaultInt("PURGE_INTERVAL_MINUTES", 0),
		S3Region:                envOrDefault("S3_REGION", "us-east-1"),
		S3Endpoint:              os.Getenv("S3_ENDPOINT"),
		S3AccessKey:             envOrDefault("S3_ACCESS_KEY", ""),
		S3SecretKey:             envOrDefault("S3_SECRET_KEY", ""),
		S3Bucket:                envOrDefault("S3_BUCKET", ""),
		LogFormat:               strings.ToLower(envOrDefault("LOG_FORMAT", "text")),
		LogLevel:                strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver)
	}

	switch c.AttachmentBackend {
	case AttachmentBackendLocal, AttachmentBackendNone:
	case AttachmentBackendS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when ATTACHMENT_BACKEND=s3")
		}
	default:
		return fmt.Errorf("unsupported ATTACHMENT_BACKEND %q", c.AttachmentBackend)
	}

	if c.IngestRateWindowSeconds <= 0 {
		return fmt.Errorf("INGEST_RATE_WINDOW_SECONDS must be > 0")
	}
	return nil
}

func databaseURL() string {
	if value := os.Getenv("DATABASE_URL"); value != "" {
		return value
	}

	host := envOrDefault("POSTGRES_HOST", "localhost")
	port := envOrDefault("POSTGRES_PORT", "5432")
	user := envOrDefault("POSTGRES_USER", "oopsie")
	password := envOrDefault("POSTGRES_PASSWORD", "oopsie")
	database := envOrDefault("POSTGRES_DB", "oopsie")

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, database)
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func redisAddr() string {
	host := envOrDefault("REDIS_HOST", "localhost")
	port := envOrDefault("REDIS_PORT", "6379")
	return fmt.Sprintf("%s:%s", host, port)
}

func parseCSV(value string) []string {
	result := splitList(value)
	if len(result) == 0 {
		return []string{"*"}
	}
	return result
}

func splitList(value string) []string {
	values := strings.Split(value, ",")
	result := make([]string, 0, len(values))
	for _, item := range values {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		result = append(result, trimmed)
	}
	return result
}

func envOrDefaultInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	var parsed int
	if _, err := fmt.Sscanf(value, "%d", &parsed); err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	var parsed float64
	if _, err := fmt.Sscanf(value, "%f", &parsed); err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultBool(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
