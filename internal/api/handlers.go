package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"oopsie/internal/attachments"
	"oopsie/internal/ingest"
	"oopsie/internal/queue"
	"oopsie/internal/ratelimit"
	"oopsie/internal/store"
)

const (
	ingestPath  = "/api/v1/reports"
	adminHeader = "X-Oopsie-Admin"
)

type Admitter interface {
	Authenticate(ctx context.Context, apiKey string) (store.Project, error)
	Admit(ctx context.Context, sub ingest.Submission) (store.Report, error)
}

// AttachmentFiles gives the dashboard access to stored blobs.
type AttachmentFiles interface {
	Blobs() attachments.Blobs
	Remove(ctx context.Context, paths []string) int
}

type Options struct {
	Store              store.Repository
	Pipeline           Admitter
	Attachments        AttachmentFiles
	APILimiter         ratelimit.Limiter
	Clients            *ratelimit.ClientResolver
	QueueStats         queue.StatsProvider
	Webhooks           WebhookCounters
	CORSAllowedOrigins []string
	AdminAPIKey        string
	MaxUploadBytes     int64
	LinkSecret         string
	LinkTTL            time.Duration
	Logger             log.Interface
}

type Handler struct {
	store              store.Repository
	pipeline           Admitter
	attachments        AttachmentFiles
	apiLimiter         ratelimit.Limiter
	clients            *ratelimit.ClientResolver
	corsAllowedOrigins []string
	adminAPIKey        string
	maxUploadBytes     int64
	linkSecret         string
	linkTTL            time.Duration
	metrics            *apiMetrics
	logger             log.Interface
	newAPIKey          func() (string, error)
	now                func() time.Time
}

func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = log.Log
	}
	if opts.Attachments == nil {
		opts.Attachments = attachments.NewUploader(nil, opts.MaxUploadBytes, opts.Logger)
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = attachments.DefaultMaxBytes
	}
	if opts.LinkTTL <= 0 {
		opts.LinkTTL = defaultAttachmentLinkTTL
	}
	return &Handler{
		store:              opts.Store,
		pipeline:           opts.Pipeline,
		attachments:        opts.Attachments,
		apiLimiter:         opts.APILimiter,
		clients:            opts.Clients,
		corsAllowedOrigins: opts.CORSAllowedOrigins,
		adminAPIKey:        strings.TrimSpace(opts.AdminAPIKey),
		maxUploadBytes:     opts.MaxUploadBytes,
		linkSecret:         strings.TrimSpace(opts.LinkSecret),
		linkTTL:            opts.LinkTTL,
		metrics:            newAPIMetrics(opts.QueueStats, opts.Webhooks),
		logger:             opts.Logger,
		newAPIKey:          generateRawAPIKey,
		now:                time.Now,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(h.corsHandler())

	r.Get("/healthz", h.healthz)
	r.Get("/metrics", h.metrics.handleMetrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/reports", h.submitReport)
		r.Get("/attachments/download", h.downloadAttachmentByToken)

		r.Group(func(r chi.Router) {
			if h.apiLimiter != nil {
				r.Use(h.countRateLimited(ratelimit.Middleware(h.apiLimiter, h.clients)))
			}
			r.Use(h.requireAdminAccess)

			r.Get("/projects", h.listProjects)
			r.Post("/projects", h.createProject)
			r.Get("/projects/{projectID}", h.getProject)
			r.Patch("/projects/{projectID}", h.updateProject)
			r.Delete("/projects/{projectID}", h.deleteProject)
			r.Post("/projects/{projectID}/regenerate-key", h.regenerateProjectKey)

			r.Get("/reports", h.listReports)
			r.Get("/reports/{reportID}", h.getReport)
			r.Patch("/reports/{reportID}", h.updateReport)
			r.Delete("/reports/{reportID}", h.deleteReport)
			r.Post("/reports/{reportID}/comments", h.addComment)
			r.Get("/reports/{reportID}/attachments/{attachmentID}", h.getAttachment)
			r.Post("/reports/{reportID}/attachments/{attachmentID}/link", h.createAttachmentLink)
		})
	})

	return r
}

// corsHandler lets any site call the ingest endpoint; everything else is
// limited to the configured dashboard origins.
func (h *Handler) corsHandler() func(http.Handler) http.Handler {
	public := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Oopsie-Key"},
		MaxAge:         300,
	})
	dashboard := cors.New(cors.Options{
		AllowedOrigins:   h.corsAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", adminHeader},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	})

	return func(next http.Handler) http.Handler {
		publicNext := public.Handler(next)
		dashboardNext := dashboard.Handler(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isIngestRequest(r) {
				publicNext.ServeHTTP(w, r)
				return
			}
			dashboardNext.ServeHTTP(w, r)
		})
	}
}

// isIngestRequest also matches the preflight for a report submission. GET on
// the same path is the dashboard listing.
func isIngestRequest(r *http.Request) bool {
	if r.URL.Path != ingestPath {
		return false
	}
	if r.Method == http.MethodOptions {
		return r.Header.Get("Access-Control-Request-Method") == http.MethodPost
	}
	return r.Method == http.MethodPost
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Health(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) requireAdminAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.adminAPIKey == "" {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin endpoints disabled"})
			return
		}

		provided := strings.TrimSpace(r.Header.Get(adminHeader))
		if subtle.ConstantTimeCompare([]byte(provided), []byte(h.adminAPIKey)) == 1 {
			next.ServeHTTP(w, r)
			return
		}

		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	})
}

func (h *Handler) countRateLimited(limit func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		limited := limit(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder := &statusRecorder{ResponseWriter: w}
			limited.ServeHTTP(recorder, r)
			if recorder.status == http.StatusTooManyRequests {
				h.metrics.rateLimitedTotal.Add(1)
			}
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	if s.status == 0 {
		s.status = status
	}
	s.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (h *Handler) writeLookupError(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, what+" not found")
		return
	}
	h.logger.WithError(err).Errorf("%s lookup failed", what)
	writeError(w, http.StatusInternalServerError, what+" lookup failed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}
