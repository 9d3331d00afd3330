package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSender struct {
	mu       sync.Mutex
	ok       bool
	err      error
	messages []string
}

func (s *stubSender) SendReport(_ context.Context, payload ReportPayload, _ []Attachment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, payload.Message)
	return s.ok, s.err
}

func (s *stubSender) setResult(ok bool, err error) {
	s.mu.Lock()
	s.ok, s.err = ok, err
	s.mu.Unlock()
}

type fakeTimer struct {
	delay   time.Duration
	fire    func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

type fakeScheduler struct {
	timers []*fakeTimer
}

func (s *fakeScheduler) afterFunc(d time.Duration, f func()) retryTimer {
	created := &fakeTimer{delay: d, fire: f}
	s.timers = append(s.timers, created)
	return created
}

type testQueue struct {
	*RetryQueue
	sender    *stubSender
	storage   *MemoryStorage
	scheduler *fakeScheduler
	now       time.Time
}

func newTestQueue() *testQueue {
	sender := &stubSender{}
	storage := NewMemoryStorage()
	scheduler := &fakeScheduler{}
	tq := &testQueue{
		RetryQueue: NewRetryQueue(sender, storage, RetryOptions{}),
		sender:     sender,
		storage:    storage,
		scheduler:  scheduler,
		now:        time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC),
	}
	tq.RetryQueue.now = func() time.Time { return tq.now }
	tq.RetryQueue.afterFunc = scheduler.afterFunc
	return tq
}

func enqueueN(t *testing.T, q *testQueue, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, q.Enqueue(context.Background(), samplePayload(string(rune('a'+i)))))
	}
}

func TestFlushWithSuccessfulTransportEmptiesQueue(t *testing.T) {
	q := newTestQueue()
	q.sender.setResult(true, nil)
	enqueueN(t, q, 3)
	q.attempt = 4

	q.Flush(context.Background())

	assert.False(t, q.HasPending(context.Background()))
	assert.Equal(t, 0, q.Attempt())
	assert.False(t, q.RetryScheduled())
	assert.Equal(t, []string{"a", "b", "c"}, q.sender.messages)
}

func TestFlushWithFailingTransportKeepsEntriesAndSchedulesOneTimer(t *testing.T) {
	q := newTestQueue()
	q.sender.setResult(false, nil)
	enqueueN(t, q, 3)

	q.Flush(context.Background())
	q.Flush(context.Background())

	pending := q.load(context.Background())
	assert.Len(t, pending, 3)
	require.Len(t, q.scheduler.timers, 1)
	assert.Equal(t, time.Second, q.scheduler.timers[0].delay)
	assert.True(t, q.RetryScheduled())
	assert.Equal(t, 1, q.Attempt())
}

func TestFlushTreatsTransportErrorsAsFailures(t *testing.T) {
	q := newTestQueue()
	q.sender.setResult(false, errors.New("connection reset"))
	enqueueN(t, q, 2)

	q.Flush(context.Background())

	assert.Len(t, q.load(context.Background()), 2)
	assert.True(t, q.RetryScheduled())
}

func TestBackoffDoublesUntilCap(t *testing.T) {
	q := newTestQueue()
	q.sender.setResult(false, nil)
	enqueueN(t, q, 1)

	q.Flush(context.Background())
	for i := 0; i < 10; i++ {
		q.scheduler.timers[len(q.scheduler.timers)-1].fire()
	}

	delays := make([]time.Duration, 0, len(q.scheduler.timers))
	for _, scheduled := range q.scheduler.timers {
		delays = append(delays, scheduled.delay)
	}
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 64 * time.Second, 128 * time.Second,
		256 * time.Second, 5 * time.Minute, 5 * time.Minute,
	}, delays)
	assert.Equal(t, 11, q.Attempt())
}

func TestRetryTimerFlushResetsAttemptsOnSuccess(t *testing.T) {
	q := newTestQueue()
	q.sender.setResult(false, nil)
	enqueueN(t, q, 2)
	q.Flush(context.Background())

	q.sender.setResult(true, nil)
	q.scheduler.timers[0].fire()

	assert.False(t, q.HasPending(context.Background()))
	assert.Equal(t, 0, q.Attempt())
	assert.False(t, q.RetryScheduled())
}

func TestFlushDropsEntriesOlderThanMaxAge(t *testing.T) {
	q := newTestQueue()
	q.sender.setResult(false, nil)
	enqueueN(t, q, 1)
	q.now = q.now.Add(25 * time.Hour)
	require.NoError(t, q.Enqueue(context.Background(), samplePayload("fresh")))

	q.Flush(context.Background())

	pending := q.load(context.Background())
	require.Len(t, pending, 1)
	assert.Equal(t, "fresh", pending[0].Payload.Message)
	assert.Equal(t, []string{"fresh"}, q.sender.messages)
}

func TestFlushDropsExpiredEntriesEvenWhenTransportSucceeds(t *testing.T) {
	q := newTestQueue()
	q.sender.setResult(true, nil)
	enqueueN(t, q, 2)
	q.now = q.now.Add(24*time.Hour + time.Millisecond)

	q.Flush(context.Background())

	assert.False(t, q.HasPending(context.Background()))
	assert.Empty(t, q.sender.messages)
}

func TestCorruptStorageIsEmptyQueue(t *testing.T) {
	q := newTestQueue()
	require.NoError(t, q.storage.Save(context.Background(), []byte("{not json")))

	assert.False(t, q.HasPending(context.Background()))
	require.NoError(t, q.Enqueue(context.Background(), samplePayload("after corruption")))
	assert.Len(t, q.load(context.Background()), 1)
}

func TestDestroyCancelsTimerAndKeepsData(t *testing.T) {
	q := newTestQueue()
	q.sender.setResult(false, nil)
	enqueueN(t, q, 2)
	q.Flush(context.Background())

	q.Destroy()

	assert.True(t, q.scheduler.timers[0].stopped)
	assert.False(t, q.RetryScheduled())
	assert.True(t, q.HasPending(context.Background()))
}

type enqueueDuringSend struct {
	queue *RetryQueue
	once  sync.Once
}

func (s *enqueueDuringSend) SendReport(ctx context.Context, _ ReportPayload, _ []Attachment) (bool, error) {
	s.once.Do(func() {
		_ = s.queue.Enqueue(ctx, samplePayload("late"))
	})
	return true, nil
}

func TestEnqueueDuringFlushIsKept(t *testing.T) {
	storage := NewMemoryStorage()
	sender := &enqueueDuringSend{}
	queue := NewRetryQueue(sender, storage, RetryOptions{})
	sender.queue = queue
	queue.afterFunc = (&fakeScheduler{}).afterFunc
	require.NoError(t, queue.Enqueue(context.Background(), samplePayload("early")))

	queue.Flush(context.Background())

	pending := queue.load(context.Background())
	require.Len(t, pending, 1)
	assert.Equal(t, "late", pending[0].Payload.Message)
}

type destroyDuringSend struct {
	queue *RetryQueue
	sends int
}

func (s *destroyDuringSend) SendReport(context.Context, ReportPayload, []Attachment) (bool, error) {
	s.sends++
	s.queue.Destroy()
	return false, nil
}

func TestDestroyDuringTimerFlushArmsNoNewTimer(t *testing.T) {
	scheduler := &fakeScheduler{}
	sender := &destroyDuringSend{}
	queue := NewRetryQueue(sender, NewMemoryStorage(), RetryOptions{})
	sender.queue = queue
	queue.afterFunc = scheduler.afterFunc
	require.NoError(t, queue.Enqueue(context.Background(), samplePayload("a")))

	queue.Schedule()
	require.Len(t, scheduler.timers, 1)
	scheduler.timers[0].fire()

	assert.Equal(t, 1, sender.sends)
	assert.Len(t, scheduler.timers, 1)
	assert.False(t, queue.RetryScheduled())
	assert.True(t, queue.HasPending(context.Background()))
}

func TestStaleTimerAfterDestroyDoesNotFlush(t *testing.T) {
	q := newTestQueue()
	q.sender.setResult(false, nil)
	enqueueN(t, q, 1)
	q.Schedule()

	q.Destroy()
	q.scheduler.timers[0].fire()

	assert.Empty(t, q.sender.messages)
	assert.False(t, q.RetryScheduled())

	q.Flush(context.Background())
	assert.Equal(t, []string{"a"}, q.sender.messages)
	assert.True(t, q.RetryScheduled())
}
