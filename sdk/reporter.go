// Package sdk wires capture and transport into a Reporter that an application
// owns explicitly: create it, Start it, Submit reports, Stop it.
package sdk

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/text"

	"oopsie/sdk/capture"
	"oopsie/sdk/transport"
)

const Version = "0.4.0"

var (
	ErrMessageRequired = errors.New("message is required")
	ErrConsentRequired = errors.New("consent is required")
)

type Config struct {
	ServerURL string
	APIKey    string

	User     map[string]any
	Metadata map[string]any

	SanitizeHeaders  []string
	SanitizeBodyKeys []string
	BufferDuration   time.Duration

	// HTTPClient is the host client whose failed calls are recorded.
	HTTPClient *http.Client
	// HostLogger is the host's error logger. Every line written to it is
	// recorded as a console error. When nil only CaptureError and Recover feed
	// console errors.
	HostLogger *stdlog.Logger
	// Page is the navigation and click source. A blank page is used when nil.
	Page *capture.Page

	Storage transport.Storage
	Retry   transport.RetryOptions
	// Logger receives the SDK's own diagnostics. The default writes to stderr
	// directly, never through the stdlib log package.
	Logger log.Interface
}

type Form struct {
	Message     string
	Category    string
	Severity    string
	Email       string
	Consent     bool
	Attachments []transport.Attachment
}

type Reporter struct {
	cfg      Config
	logger   log.Interface
	page     *capture.Page
	buffer   *capture.Buffer
	client   *transport.Client
	queue    *transport.RetryQueue
	console  *capture.ConsoleTracker
	trackers []capture.Tracker

	mu      sync.Mutex
	started bool
}

func New(cfg Config) (*Reporter, error) {
	if strings.TrimSpace(cfg.ServerURL) == "" || strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("server url and api key are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = &log.Logger{Handler: text.New(os.Stderr), Level: log.InfoLevel}
	}
	if cfg.Page == nil {
		cfg.Page = capture.NewPage("")
	}
	if cfg.Storage == nil {
		dir, err := defaultStorageDir()
		if err != nil {
			return nil, fmt.Errorf("resolve storage dir: %w", err)
		}
		cfg.Storage = transport.NewDiskStorage(dir, transport.DefaultStorageKey)
	}
	if cfg.Retry.Logger == nil {
		cfg.Retry.Logger = cfg.Logger
	}

	buffer := capture.NewBuffer(cfg.BufferDuration)
	sanitizer := capture.NewSanitizer(cfg.SanitizeHeaders, cfg.SanitizeBodyKeys)
	client := transport.NewClient(cfg.ServerURL, cfg.APIKey, nil)
	console := capture.NewConsoleTracker(buffer, cfg.HostLogger)

	trackers := []capture.Tracker{
		capture.NewClickTracker(buffer, cfg.Page),
		capture.NewNavigationTracker(buffer, cfg.Page),
		console,
	}
	if cfg.HTTPClient != nil {
		trackers = append(trackers, capture.NewNetworkTracker(buffer, sanitizer, cfg.HTTPClient, cfg.ServerURL))
	}

	return &Reporter{
		cfg:      cfg,
		logger:   cfg.Logger,
		page:     cfg.Page,
		buffer:   buffer,
		client:   client,
		queue:    transport.NewRetryQueue(client, cfg.Storage, cfg.Retry),
		console:  console,
		trackers: trackers,
	}, nil
}

// Start installs the trackers and redelivers reports left over from a
// previous run.
func (r *Reporter) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	for _, tracker := range r.trackers {
		tracker.Start()
	}
	r.started = true
	r.mu.Unlock()

	r.queue.Flush(ctx)
}

func (r *Reporter) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	for index := len(r.trackers) - 1; index >= 0; index-- {
		r.trackers[index].Stop()
	}
	r.queue.Destroy()
	r.started = false
}

func (r *Reporter) Buffer() *capture.Buffer {
	return r.buffer
}

func (r *Reporter) Page() *capture.Page {
	return r.page
}

func (r *Reporter) Queue() *transport.RetryQueue {
	return r.queue
}

// CaptureError records err as a console error for the next report.
func (r *Reporter) CaptureError(err error) {
	r.console.CaptureError(err)
}

// Recover records a panic in progress and re-panics. It must be deferred
// directly:
//
//	defer reporter.Recover()
func (r *Reporter) Recover() {
	recovered := recover()
	if recovered == nil {
		return
	}
	r.console.RecordPanic(recovered)
	panic(recovered)
}

// Submit sends a report built from the form and the buffered activity. When
// delivery fails the report is queued for retry and Submit returns false.
func (r *Reporter) Submit(ctx context.Context, form Form) (bool, error) {
	if strings.TrimSpace(form.Message) == "" {
		return false, ErrMessageRequired
	}
	if !form.Consent {
		return false, ErrConsentRequired
	}

	payload := transport.ReportPayload{
		Message:        form.Message,
		Category:       orDefault(form.Category, transport.CategoryOther),
		Severity:       orDefault(form.Severity, transport.SeverityMedium),
		ReporterEmail:  strings.TrimSpace(form.Email),
		ConsentGiven:   form.Consent,
		UserContext:    r.cfg.User,
		CustomMetadata: r.cfg.Metadata,
		DeviceInfo:     collectDeviceInfo(),
		PageURL:        r.page.CurrentURL(),
	}
	if err := payload.ContextFromTimeline(r.buffer.Snapshot()); err != nil {
		return false, fmt.Errorf("encode timeline: %w", err)
	}

	delivered, err := r.client.SendReport(ctx, payload, form.Attachments)
	if err == nil && delivered {
		r.buffer.Clear()
		return true, nil
	}

	entry := r.logger.WithField("attachments", len(form.Attachments))
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Warn("report delivery failed, queued for retry")

	if err := r.queue.Enqueue(ctx, payload); err != nil {
		return false, fmt.Errorf("queue report: %w", err)
	}
	r.queue.Schedule()
	return false, nil
}

func orDefault(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}

func defaultStorageDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "oopsie"), nil
}
