package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apex/log"

	"oopsie/internal/api"
	"oopsie/internal/attachments"
	"oopsie/internal/config"
	"oopsie/internal/grouping"
	"oopsie/internal/ingest"
	"oopsie/internal/queue"
	"oopsie/internal/ratelimit"
	"oopsie/internal/store"
	"oopsie/internal/webhook"
)

type webhookQueue interface {
	queue.Producer
	queue.Consumer
	queue.StatsProvider
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("configuration invalid")
	}
	if err := config.ConfigureLogging(cfg.LogFormat, cfg.LogLevel, os.Stderr); err != nil {
		log.WithError(err).Fatal("logging setup failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := openStore(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("store unavailable")
	}
	defer repo.Close()

	blobs, err := openBlobs(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("attachment storage unavailable")
	}
	defer blobs.Close()
	uploader := attachments.NewUploader(blobs, cfg.AttachmentMaxBytes, log.Log)

	if len(os.Args) > 1 && os.Args[1] == "purge" {
		runPurgeCycle(ctx, repo, uploader, time.Now)
		return
	}

	clients, err := ratelimit.NewClientResolver(cfg.TrustedProxies)
	if err != nil {
		log.WithError(err).Fatal("TRUSTED_PROXIES invalid")
	}

	jobs, ingestLimiter := openWebhookQueue(cfg)
	defer jobs.Close()

	workersCtx, stopWorkers := context.WithCancel(context.Background())
	workers := webhook.NewWorkers(
		jobs,
		webhook.NewNotifier(time.Duration(cfg.WebhookTimeoutSeconds)*time.Second),
		cfg.WebhookWorkers,
		log.Log,
	)
	workers.Start(workersCtx)

	pipeline := ingest.NewPipeline(ingest.Deps{
		Projects:    repo,
		Reports:     repo,
		Limiter:     ingestLimiter,
		Grouper:     grouping.NewService(repo),
		Attachments: uploader,
		Notifier:    webhook.NewDispatcher(jobs, log.Log),
		Logger:      log.Log,
	})

	opts := api.Options{
		Store:              repo,
		Pipeline:           pipeline,
		Attachments:        uploader,
		QueueStats:         jobs,
		Webhooks:           workers,
		Clients:            clients,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		AdminAPIKey:        cfg.AdminAPIKey,
		MaxUploadBytes:     cfg.AttachmentMaxBytes,
		LinkSecret:         cfg.AttachmentLinkSecret,
		LinkTTL:            time.Duration(cfg.AttachmentLinkTTLSecs) * time.Second,
		Logger:             log.Log,
	}
	if apiLimiter := ratelimit.NewMemory(cfg.RateLimitRequestsPerSec, cfg.RateLimitBurst); apiLimiter != nil {
		opts.APILimiter = apiLimiter
	}
	handler := api.NewHandler(opts)

	startMaintenanceLoops(ctx, repo, uploader, time.Duration(cfg.PurgeIntervalMinutes)*time.Minute)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("oopsie api listening")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	ctxTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctxTimeout); err != nil {
		log.WithError(err).Warn("graceful shutdown failed")
	}
	stopWorkers()
	workers.Wait()
	log.WithFields(log.Fields{
		"webhooks_delivered": workers.Delivered(),
		"webhooks_failed":    workers.Failed(),
	}).Info("oopsie api stopped")
}

func openStore(ctx context.Context, cfg config.Config) (store.Repository, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		log.Warn("using in-memory store, data is lost on restart")
		return store.NewMemory(), nil
	}

	db, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.RunMigrations {
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

func openBlobs(ctx context.Context, cfg config.Config) (attachments.Blobs, error) {
	switch cfg.AttachmentBackend {
	case config.AttachmentBackendNone:
		return attachments.NewNoopStore(), nil
	case config.AttachmentBackendS3:
		s3Store, err := attachments.NewS3Store(ctx, cfg.S3Region, cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket)
		if err != nil {
			return nil, err
		}
		if cfg.AttachmentLifecycleDays > 0 {
			if err := s3Store.EnsureLifecyclePolicy(ctx, cfg.AttachmentLifecycleDays, []string{"reports/"}); err != nil {
				log.WithError(err).Warn("attachment lifecycle policy not applied")
			}
		}
		return s3Store, nil
	default:
		localStore, err := attachments.NewLocalStore(cfg.AttachmentDir)
		if err != nil {
			return nil, err
		}
		return localStore, nil
	}
}

// openWebhookQueue prefers the Redis stream and shares its client with the
// ingest rate limiter. Without Redis both stay in process.
func openWebhookQueue(cfg config.Config) (webhookQueue, ratelimit.Limiter) {
	window := time.Duration(cfg.IngestRateWindowSeconds) * time.Second

	if cfg.RedisEnabled {
		hostname, _ := os.Hostname()
		redisQueue, err := queue.NewRedisQueue(cfg.RedisAddr, cfg.WebhookQueueName, hostname)
		if err == nil {
			var limiter ratelimit.Limiter
			if redisLimiter := ratelimit.NewRedis(redisQueue.Client(), cfg.IngestRateLimit, window); redisLimiter != nil {
				limiter = redisLimiter
			}
			return redisQueue, limiter
		}
		log.WithError(err).Warn("redis unavailable, continuing with in-process webhook queue and rate limiter")
	}

	var limiter ratelimit.Limiter
	if memoryLimiter := ratelimit.NewMemoryWindow(cfg.IngestRateLimit, window); memoryLimiter != nil {
		limiter = memoryLimiter
	}
	return queue.NewMemoryQueue(queue.DefaultMemoryCapacity), limiter
}
