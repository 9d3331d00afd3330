package config

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/apex/log"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("ATTACHMENT_BACKEND", "")
	t.Setenv("TRUSTED_PROXIES", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if len(cfg.TrustedProxies) != 0 {
		t.Fatalf("expected no trusted proxies by default, got %v", cfg.TrustedProxies)
	}

	if cfg.ListenAddr != ":8080" {
		t.Fatalf("expected :8080, got %q", cfg.ListenAddr)
	}
	if cfg.StoreDriver != StoreDriverPostgres || !cfg.RunMigrations {
		t.Fatalf("unexpected store defaults: %+v", cfg)
	}
	if cfg.IngestRateLimit != 10 || cfg.IngestRateWindowSeconds != 60 {
		t.Fatalf("unexpected ingest rate limit: %d/%ds", cfg.IngestRateLimit, cfg.IngestRateWindowSeconds)
	}
	if cfg.AttachmentMaxBytes != 10*1024*1024 {
		t.Fatalf("unexpected attachment limit %d", cfg.AttachmentMaxBytes)
	}
	if cfg.WebhookTimeoutSeconds != 5 || cfg.WebhookQueueName != "oopsie-webhooks" {
		t.Fatalf("unexpected webhook defaults: %+v", cfg)
	}
	if !strings.HasPrefix(cfg.DatabaseURL, "postgres://oopsie:") {
		t.Fatalf("unexpected database url %q", cfg.DatabaseURL)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("OOPSIE_PORT", "9090")
	t.Setenv("STORE_DRIVER", "Memory")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("INGEST_RATE_LIMIT", "3")
	t.Setenv("ATTACHMENT_BACKEND", "none")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8, 127.0.0.1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != ":9090" || cfg.StoreDriver != StoreDriverMemory || !cfg.RedisEnabled {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("unexpected origins %v", cfg.CORSAllowedOrigins)
	}
	if len(cfg.TrustedProxies) != 2 || cfg.TrustedProxies[1] != "127.0.0.1" {
		t.Fatalf("unexpected trusted proxies %v", cfg.TrustedProxies)
	}
	if cfg.IngestRateLimit != 3 || cfg.AttachmentBackend != AttachmentBackendNone {
		t.Fatalf("unexpected values: %+v", cfg)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := map[string][2]string{
		"store driver":       {"STORE_DRIVER", "mysql"},
		"attachment backend": {"ATTACHMENT_BACKEND", "ftp"},
		"window":             {"INGEST_RATE_WINDOW_SECONDS", "0"},
	}

	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			t.Setenv(env[0], env[1])
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", env[0], env[1])
			}
		})
	}
}

func TestS3BackendNeedsBucket(t *testing.T) {
	t.Setenv("ATTACHMENT_BACKEND", "s3")
	t.Setenv("S3_BUCKET", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without S3_BUCKET")
	}
}

func TestParseCSVFallsBackToWildcard(t *testing.T) {
	if got := parseCSV(" , "); len(got) != 1 || got[0] != "*" {
		t.Fatalf("expected wildcard, got %v", got)
	}
}

func TestConfigureLoggingJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := ConfigureLogging("json", "debug", &buf); err != nil {
		t.Fatalf("configure: %v", err)
	}
	t.Cleanup(func() { _ = ConfigureLogging("text", "info", &bytes.Buffer{}) })

	log.WithField("report_id", "r1").Debug("report admitted")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected json log line, got %q: %v", buf.String(), err)
	}
	if entry["message"] != "report admitted" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestConfigureLoggingRejectsUnknownFormat(t *testing.T) {
	if err := ConfigureLogging("xml", "info", &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unknown format")
	}
	if err := ConfigureLogging("text", "loud", &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
