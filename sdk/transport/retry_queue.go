package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/apex/log"
)

const (
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 5 * time.Minute
	DefaultMaxAge    = 24 * time.Hour
)

type Sender interface {
	SendReport(ctx context.Context, payload ReportPayload, attachments []Attachment) (bool, error)
}

type RetryOptions struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	MaxAge    time.Duration
	Logger    log.Interface
}

type retryTimer interface {
	Stop() bool
}

// RetryQueue stores undelivered payloads and redelivers them with capped
// exponential backoff. The storage is re-read on every flush; at most one retry
// timer is pending at any time.
type RetryQueue struct {
	sender    Sender
	storage   Storage
	logger    log.Interface
	baseDelay time.Duration
	maxDelay  time.Duration
	maxAge    time.Duration
	now       func() time.Time
	afterFunc func(time.Duration, func()) retryTimer

	flushMu sync.Mutex
	storeMu sync.Mutex

	mu         sync.Mutex
	timer      retryTimer
	attempt    int
	generation int
	destroyed  bool
}

func NewRetryQueue(sender Sender, storage Storage, opts RetryOptions) *RetryQueue {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.Logger == nil {
		opts.Logger = log.Log
	}
	if storage == nil {
		storage = NewMemoryStorage()
	}

	return &RetryQueue{
		sender:    sender,
		storage:   storage,
		logger:    opts.Logger,
		baseDelay: opts.BaseDelay,
		maxDelay:  opts.MaxDelay,
		maxAge:    opts.MaxAge,
		now:       time.Now,
		afterFunc: func(d time.Duration, f func()) retryTimer { return time.AfterFunc(d, f) },
	}
}

func (q *RetryQueue) Enqueue(ctx context.Context, payload ReportPayload) error {
	q.storeMu.Lock()
	defer q.storeMu.Unlock()

	pending := q.load(ctx)
	pending = append(pending, PendingReport{Payload: payload, StoredAt: q.now().UnixMilli()})
	return q.save(ctx, pending)
}

// Flush redelivers every stored report younger than the max age, in enqueue
// order. Expired entries are dropped; failed ones stay queued and a retry is
// scheduled. Calling Flush after Destroy re-enables retries.
func (q *RetryQueue) Flush(ctx context.Context) {
	q.revive()
	q.flush(ctx)
}

func (q *RetryQueue) flush(ctx context.Context) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.storeMu.Lock()
	pending := q.load(ctx)
	q.storeMu.Unlock()
	if len(pending) == 0 {
		q.resetAttempts()
		return
	}

	cutoff := q.now().Add(-q.maxAge).UnixMilli()
	remaining := make([]PendingReport, 0, len(pending))
	dropped := 0
	for _, item := range pending {
		if item.StoredAt < cutoff {
			dropped++
			continue
		}

		delivered, err := q.sender.SendReport(ctx, item.Payload, nil)
		if err != nil {
			q.logger.WithError(err).Warn("pending report delivery failed")
		}
		if !delivered {
			remaining = append(remaining, item)
		}
	}

	q.storeMu.Lock()
	current := q.load(ctx)
	if len(current) > len(pending) {
		remaining = append(remaining, current[len(pending):]...)
	}
	if err := q.save(ctx, remaining); err != nil {
		q.logger.WithError(err).Error("pending reports save failed")
	}
	q.storeMu.Unlock()

	q.logger.WithFields(log.Fields{
		"delivered": len(pending) - dropped - len(remaining),
		"expired":   dropped,
		"remaining": len(remaining),
	}).Debug("pending reports flushed")

	if len(remaining) > 0 {
		q.scheduleRetry()
		return
	}
	q.resetAttempts()
}

func (q *RetryQueue) HasPending(ctx context.Context) bool {
	q.storeMu.Lock()
	defer q.storeMu.Unlock()
	return len(q.load(ctx)) > 0
}

// Destroy cancels a pending retry. Stored reports are kept.
func (q *RetryQueue) Destroy() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.destroyed = true
	q.generation++
}

func (q *RetryQueue) revive() {
	q.mu.Lock()
	q.destroyed = false
	q.mu.Unlock()
}

func (q *RetryQueue) Attempt() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.attempt
}

func (q *RetryQueue) RetryScheduled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.timer != nil
}

// Schedule arms a backoff retry unless one is already pending. Like Flush it
// re-enables a destroyed queue.
func (q *RetryQueue) Schedule() {
	q.revive()
	q.scheduleRetry()
}

// scheduleRetry never arms a timer once the queue is destroyed, so a flush
// still running from an old timer cannot outlive Destroy.
func (q *RetryQueue) scheduleRetry() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.timer != nil || q.destroyed {
		return
	}

	delay := q.backoff(q.attempt)
	q.attempt++
	q.logger.WithFields(log.Fields{"attempt": q.attempt, "delay": delay.String()}).Info("report retry scheduled")

	generation := q.generation
	q.timer = q.afterFunc(delay, func() {
		q.mu.Lock()
		if q.generation != generation {
			q.mu.Unlock()
			return
		}
		q.timer = nil
		q.mu.Unlock()
		q.flush(context.Background())
	})
}

func (q *RetryQueue) backoff(attempt int) time.Duration {
	delay := q.baseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= q.maxDelay {
			return q.maxDelay
		}
	}
	if delay > q.maxDelay {
		return q.maxDelay
	}
	return delay
}

func (q *RetryQueue) resetAttempts() {
	q.mu.Lock()
	q.attempt = 0
	q.mu.Unlock()
}

func (q *RetryQueue) load(ctx context.Context) []PendingReport {
	raw, err := q.storage.Load(ctx)
	if err != nil {
		q.logger.WithError(err).Warn("pending reports unreadable, treating as empty")
		return nil
	}
	if len(raw) == 0 {
		return nil
	}

	var pending []PendingReport
	if err := json.Unmarshal(raw, &pending); err != nil {
		q.logger.WithError(err).Warn("pending reports corrupt, treating as empty")
		return nil
	}
	return pending
}

func (q *RetryQueue) save(ctx context.Context, pending []PendingReport) error {
	if len(pending) == 0 {
		return q.storage.Remove(ctx)
	}

	raw, err := json.Marshal(pending)
	if err != nil {
		return err
	}
	return q.storage.Save(ctx, raw)
}
