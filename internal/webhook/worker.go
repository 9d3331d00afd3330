package webhook

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"

	"oopsie/internal/queue"
)

type Deliverer interface {
	Deliver(ctx context.Context, job queue.WebhookJob) error
}

// Workers drain the queue with a fixed number of goroutines. Each job gets a
// single attempt.
type Workers struct {
	consumer  queue.Consumer
	deliverer Deliverer
	count     int
	logger    log.Interface

	delivered atomic.Int64
	failed    atomic.Int64

	wg sync.WaitGroup
}

func NewWorkers(consumer queue.Consumer, deliverer Deliverer, count int, logger log.Interface) *Workers {
	if count <= 0 {
		count = 1
	}
	if logger == nil {
		logger = log.Log
	}
	return &Workers{consumer: consumer, deliverer: deliverer, count: count, logger: logger}
}

// Start launches the workers; they stop when ctx is cancelled.
func (w *Workers) Start(ctx context.Context) {
	for i := 0; i < w.count; i++ {
		w.wg.Add(1)
		go func(id int) {
			defer w.wg.Done()
			w.run(ctx, id)
		}(i)
	}
}

func (w *Workers) Wait() {
	w.wg.Wait()
}

func (w *Workers) Delivered() int64 {
	return w.delivered.Load()
}

func (w *Workers) Failed() int64 {
	return w.failed.Load()
}

func (w *Workers) run(ctx context.Context, id int) {
	for {
		job, err := w.consumer.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			w.logger.WithError(err).WithField("worker", id).Warn("webhook dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		w.deliver(ctx, job)
	}
}

func (w *Workers) deliver(ctx context.Context, job queue.WebhookJob) {
	logger := w.logger.WithFields(log.Fields{"report_id": job.ReportID, "project_id": job.ProjectID})
	if err := w.deliverer.Deliver(ctx, job); err != nil {
		w.failed.Add(1)
		logger.WithError(err).Warn("webhook delivery failed")
		return
	}
	w.delivered.Add(1)
	logger.Debug("webhook delivered")
}
