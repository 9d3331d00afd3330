// Package queue hands webhook jobs from the request path to background
// workers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrQueueFull = errors.New("webhook queue full")
	ErrClosed    = errors.New("webhook queue closed")
)

type WebhookJob struct {
	ReportID   string          `json:"reportId"`
	ProjectID  string          `json:"projectId"`
	WebhookURL string          `json:"webhookUrl"`
	Body       json.RawMessage `json:"body"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

type Producer interface {
	EnqueueWebhook(ctx context.Context, job WebhookJob) error
	Close() error
}

// Consumer blocks until a job is available or ctx is done. A job returned by
// Dequeue is already acknowledged; it is never redelivered.
type Consumer interface {
	Dequeue(ctx context.Context) (WebhookJob, error)
}

type QueueStats struct {
	Depth   int64 `json:"depth"`
	Pending int64 `json:"pending"`
}

type StatsProvider interface {
	QueueStats(ctx context.Context) (QueueStats, error)
}

type NoopProducer struct{}

func NewNoopProducer() *NoopProducer {
	return &NoopProducer{}
}

func (p *NoopProducer) EnqueueWebhook(_ context.Context, _ WebhookJob) error {
	return nil
}

func (p *NoopProducer) Close() error {
	return nil
}
