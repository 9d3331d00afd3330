package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"oopsie/internal/queue"
)

type stubQueueStatsProvider struct {
	stats queue.QueueStats
	err   error
}

func (s stubQueueStatsProvider) QueueStats(context.Context) (queue.QueueStats, error) {
	if s.err != nil {
		return queue.QueueStats{}, s.err
	}
	return s.stats, nil
}

type stubWebhookCounters struct {
	delivered int64
	failed    int64
}

func (s stubWebhookCounters) Delivered() int64 { return s.delivered }
func (s stubWebhookCounters) Failed() int64    { return s.failed }

func TestMetricsIncludesQueueAndWebhookGauges(t *testing.T) {
	metrics := newAPIMetrics(
		stubQueueStatsProvider{stats: queue.QueueStats{Depth: 7, Pending: 1}},
		stubWebhookCounters{delivered: 4, failed: 2},
	)
	metrics.reportsAcceptedTotal.Add(3)

	request := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	recorder := httptest.NewRecorder()
	metrics.handleMetrics(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, recorder.Code)
	}

	payload := recorder.Body.String()
	expectedLines := []string{
		"oopsie_reports_accepted_total 3",
		"oopsie_webhook_queue_depth 7",
		"oopsie_webhook_queue_pending 1",
		"oopsie_webhooks_delivered_total 4",
		"oopsie_webhooks_failed_total 2",
		"oopsie_queue_metrics_errors_total 0",
	}
	for _, expected := range expectedLines {
		if !strings.Contains(payload, expected) {
			t.Fatalf("expected metrics payload to contain %q, payload=%s", expected, payload)
		}
	}
}

func TestMetricsQueueProviderErrorIncrementsCounter(t *testing.T) {
	metrics := newAPIMetrics(stubQueueStatsProvider{err: errors.New("queue stats failed")}, nil)

	request := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	recorder := httptest.NewRecorder()
	metrics.handleMetrics(recorder, request)

	payload := recorder.Body.String()
	if !strings.Contains(payload, "oopsie_queue_metrics_errors_total 1") {
		t.Fatalf("expected queue metrics error counter to increment, payload=%s", payload)
	}
	if strings.Contains(payload, "oopsie_webhook_queue_depth") {
		t.Fatalf("expected no queue gauges on error, payload=%s", payload)
	}
	if strings.Contains(payload, "oopsie_webhooks_delivered_total") {
		t.Fatalf("expected no webhook counters without workers, payload=%s", payload)
	}
}
