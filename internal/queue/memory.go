package queue

import (
	"context"
	"sync"
)

const DefaultMemoryCapacity = 1024

// MemoryQueue is a bounded in-process channel. Jobs are lost on restart.
type MemoryQueue struct {
	jobs      chan WebhookJob
	closeOnce sync.Once
	done      chan struct{}
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryQueue{jobs: make(chan WebhookJob, capacity), done: make(chan struct{})}
}

// EnqueueWebhook never blocks; a full queue drops the job with ErrQueueFull.
func (q *MemoryQueue) EnqueueWebhook(_ context.Context, job WebhookJob) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}

	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (WebhookJob, error) {
	select {
	case job := <-q.jobs:
		return job, nil
	case <-q.done:
		return WebhookJob{}, ErrClosed
	case <-ctx.Done():
		return WebhookJob{}, ctx.Err()
	}
}

func (q *MemoryQueue) QueueStats(context.Context) (QueueStats, error) {
	return QueueStats{Depth: int64(len(q.jobs))}, nil
}

func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
