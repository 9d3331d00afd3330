package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"oopsie/internal/queue"
)

// WebhookCounters is implemented by the background webhook workers.
type WebhookCounters interface {
	Delivered() int64
	Failed() int64
}

type apiMetrics struct {
	startedAtUnix          int64
	queueStatsProvider     queue.StatsProvider
	webhooks               WebhookCounters
	reportsAcceptedTotal   atomic.Int64
	reportsRejectedTotal   atomic.Int64
	attachmentsStoredTotal atomic.Int64
	rateLimitedTotal       atomic.Int64
	queueMetricsErrors     atomic.Int64
}

func newAPIMetrics(queueStatsProvider queue.StatsProvider, webhooks WebhookCounters) *apiMetrics {
	return &apiMetrics{
		startedAtUnix:      time.Now().Unix(),
		queueStatsProvider: queueStatsProvider,
		webhooks:           webhooks,
	}
}

func (m *apiMetrics) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)

	writeMetric(w, "oopsie_uptime_seconds", "gauge", "Process uptime in seconds.", time.Now().Unix()-m.startedAtUnix)
	writeMetric(w, "oopsie_reports_accepted_total", "counter", "Reports admitted and stored.", m.reportsAcceptedTotal.Load())
	writeMetric(w, "oopsie_reports_rejected_total", "counter", "Reports rejected by admission checks.", m.reportsRejectedTotal.Load())
	writeMetric(w, "oopsie_attachments_stored_total", "counter", "Attachment files stored with accepted reports.", m.attachmentsStoredTotal.Load())
	writeMetric(w, "oopsie_rate_limited_total", "counter", "Requests rejected due to rate limiting.", m.rateLimitedTotal.Load())

	if m.webhooks != nil {
		writeMetric(w, "oopsie_webhooks_delivered_total", "counter", "Webhook deliveries answered with 2xx.", m.webhooks.Delivered())
		writeMetric(w, "oopsie_webhooks_failed_total", "counter", "Webhook deliveries that failed.", m.webhooks.Failed())
	}

	if m.queueStatsProvider != nil {
		stats, err := m.loadQueueStats(r.Context())
		if err != nil {
			m.queueMetricsErrors.Add(1)
		} else {
			writeMetric(w, "oopsie_webhook_queue_depth", "gauge", "Webhook jobs waiting in the queue.", stats.Depth)
			writeMetric(w, "oopsie_webhook_queue_pending", "gauge", "Webhook jobs read but not yet acknowledged.", stats.Pending)
		}
	}

	writeMetric(w, "oopsie_queue_metrics_errors_total", "counter", "Queue metrics collection errors.", m.queueMetricsErrors.Load())
}

func writeMetric(w io.Writer, name, kind, help string, value int64) {
	_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
	_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
}

func (m *apiMetrics) loadQueueStats(parent context.Context) (queue.QueueStats, error) {
	ctx := parent
	cancel := func() {}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		ctx, cancel = context.WithTimeout(ctx, 1200*time.Millisecond)
	}
	defer cancel()

	return m.queueStatsProvider.QueueStats(ctx)
}
