// Package webhook tells a project's webhook endpoint about new reports. The
// request path only enqueues; workers deliver once, best-effort.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/apex/log"

	"oopsie/internal/queue"
	"oopsie/internal/store"
)

const (
	EventReportCreated = "report.created"
	DefaultTimeout     = 5 * time.Second
)

type Event struct {
	Event   string         `json:"event"`
	Project ProjectSummary `json:"project"`
	Report  ReportSummary  `json:"report"`
}

type ProjectSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type ReportSummary struct {
	ID            string  `json:"id"`
	Message       string  `json:"message"`
	Category      string  `json:"category"`
	Severity      string  `json:"severity"`
	PageURL       *string `json:"page_url"`
	ReporterEmail *string `json:"reporter_email"`
	CreatedAt     string  `json:"created_at"`
}

func NewReportCreated(project store.Project, report store.Report) Event {
	return Event{
		Event:   EventReportCreated,
		Project: ProjectSummary{ID: project.ID, Name: project.Name},
		Report: ReportSummary{
			ID:            report.ID,
			Message:       report.Message,
			Category:      report.Category,
			Severity:      report.Severity,
			PageURL:       optional(report.PageURL),
			ReporterEmail: optional(report.ReporterEmail),
			CreatedAt:     report.CreatedAt.UTC().Format(time.RFC3339),
		},
	}
}

// Dispatcher is the request-side half: it turns a stored report into a queued
// job. Failures are logged, never returned.
type Dispatcher struct {
	producer queue.Producer
	logger   log.Interface
	now      func() time.Time
}

func NewDispatcher(producer queue.Producer, logger log.Interface) *Dispatcher {
	if producer == nil {
		producer = queue.NewNoopProducer()
	}
	if logger == nil {
		logger = log.Log
	}
	return &Dispatcher{producer: producer, logger: logger, now: time.Now}
}

func (d *Dispatcher) ReportCreated(ctx context.Context, project store.Project, report store.Report) {
	if project.WebhookURL == nil || strings.TrimSpace(*project.WebhookURL) == "" {
		return
	}

	logger := d.logger.WithFields(log.Fields{"project_id": project.ID, "report_id": report.ID})
	body, err := json.Marshal(NewReportCreated(project, report))
	if err != nil {
		logger.WithError(err).Error("webhook payload encode failed")
		return
	}

	job := queue.WebhookJob{
		ReportID:   report.ID,
		ProjectID:  project.ID,
		WebhookURL: strings.TrimSpace(*project.WebhookURL),
		Body:       body,
		EnqueuedAt: d.now().UTC(),
	}
	if err := d.producer.EnqueueWebhook(ctx, job); err != nil {
		logger.WithError(err).Warn("webhook enqueue failed")
	}
}

// Notifier performs the outbound POST.
type Notifier struct {
	client    *http.Client
	userAgent string
}

func NewNotifier(timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Notifier{
		client:    &http.Client{Timeout: timeout},
		userAgent: "oopsie-webhook/1",
	}
}

func (n *Notifier) Deliver(ctx context.Context, job queue.WebhookJob) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, job.WebhookURL, bytes.NewReader(job.Body))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("User-Agent", n.userAgent)

	response, err := n.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		rawBody, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return fmt.Errorf("webhook status=%d body=%s", response.StatusCode, strings.TrimSpace(string(rawBody)))
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, 64*1024))
	return nil
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
