package capture

import (
	"fmt"
	"io"
	"log"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

// ConsoleTracker records errors and panics handed to it explicitly and, when
// the host supplies its error logger, every line written to it. Start tees that
// logger's writer; Stop puts the original writer back. Without an error logger
// nothing is hooked.
type ConsoleTracker struct {
	mu        sync.Mutex
	buffer    *Buffer
	logger    *log.Logger
	now       func() time.Time
	installed bool
	previous  io.Writer
}

func NewConsoleTracker(buffer *Buffer, logger *log.Logger) *ConsoleTracker {
	return &ConsoleTracker{buffer: buffer, logger: logger, now: time.Now}
}

func (t *ConsoleTracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.installed || t.logger == nil {
		return
	}

	t.previous = t.logger.Writer()
	t.logger.SetOutput(&consoleWriter{tracker: t, next: t.previous})
	t.installed = true
}

func (t *ConsoleTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.installed {
		return
	}

	t.logger.SetOutput(t.previous)
	t.previous = nil
	t.installed = false
}

func (t *ConsoleTracker) CaptureError(err error) {
	if err == nil {
		return
	}
	t.buffer.Push(NewEvent(t.now(), ConsoleError{Message: err.Error()}))
}

// Recover records a panic in progress and re-panics. Use it deferred at the
// top of goroutines whose crashes should show up in reports.
func (t *ConsoleTracker) Recover() {
	recovered := recover()
	if recovered == nil {
		return
	}
	t.RecordPanic(recovered)
	panic(recovered)
}

// RecordPanic records a recovered panic value as an unhandled error.
func (t *ConsoleTracker) RecordPanic(recovered any) {
	t.buffer.Push(NewEvent(t.now(), ConsoleError{
		Message:   fmt.Sprint(recovered),
		Stack:     string(debug.Stack()),
		Unhandled: true,
	}))
}

type consoleWriter struct {
	tracker *ConsoleTracker
	next    io.Writer
}

func (w *consoleWriter) Write(p []byte) (int, error) {
	message := strings.TrimRight(string(p), "\r\n")
	if message != "" {
		w.tracker.buffer.Push(NewEvent(w.tracker.now(), ConsoleError{Message: message}))
	}
	if w.next == nil {
		return len(p), nil
	}
	return w.next.Write(p)
}
