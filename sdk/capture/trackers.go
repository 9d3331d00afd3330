package capture

import (
	"sync"
	"time"
)

// Tracker observes one kind of host activity. Stop undoes exactly what Start
// installed, so trackers can be started and stopped repeatedly.
type Tracker interface {
	Start()
	Stop()
}

type NavigationHook func(url, referrer string)

// NavigationSource is the host's navigation hook point. SetNavigationHook
// returns the hook that was installed before.
type NavigationSource interface {
	CurrentURL() string
	SetNavigationHook(hook NavigationHook) NavigationHook
}

type NavigationTracker struct {
	mu        sync.Mutex
	buffer    *Buffer
	source    NavigationSource
	now       func() time.Time
	installed bool
	previous  NavigationHook
}

func NewNavigationTracker(buffer *Buffer, source NavigationSource) *NavigationTracker {
	return &NavigationTracker{buffer: buffer, source: source, now: time.Now}
}

func (t *NavigationTracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.installed {
		return
	}

	t.record(t.source.CurrentURL(), "")
	t.previous = t.source.SetNavigationHook(t.handle)
	t.installed = true
}

func (t *NavigationTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.installed {
		return
	}

	t.source.SetNavigationHook(t.previous)
	t.previous = nil
	t.installed = false
}

func (t *NavigationTracker) handle(url, referrer string) {
	t.record(url, referrer)

	t.mu.Lock()
	previous := t.previous
	t.mu.Unlock()
	if previous != nil {
		previous(url, referrer)
	}
}

func (t *NavigationTracker) record(url, referrer string) {
	if url == "" {
		return
	}
	t.buffer.Push(NewEvent(t.now(), Navigation{URL: url, Referrer: referrer}))
}

type ClickTarget struct {
	Selector string
	TagName  string
	Text     string
	X        int
	Y        int
}

type ClickHook func(target ClickTarget)

type ClickSource interface {
	SetClickHook(hook ClickHook) ClickHook
}

const maxClickText = 100

type ClickTracker struct {
	mu        sync.Mutex
	buffer    *Buffer
	source    ClickSource
	now       func() time.Time
	installed bool
	previous  ClickHook
}

func NewClickTracker(buffer *Buffer, source ClickSource) *ClickTracker {
	return &ClickTracker{buffer: buffer, source: source, now: time.Now}
}

func (t *ClickTracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.installed {
		return
	}

	t.previous = t.source.SetClickHook(t.handle)
	t.installed = true
}

func (t *ClickTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.installed {
		return
	}

	t.source.SetClickHook(t.previous)
	t.previous = nil
	t.installed = false
}

func (t *ClickTracker) handle(target ClickTarget) {
	t.buffer.Push(NewEvent(t.now(), Click{
		Selector: target.Selector,
		TagName:  target.TagName,
		Text:     truncateRunes(target.Text, maxClickText),
		X:        target.X,
		Y:        target.Y,
	}))

	t.mu.Lock()
	previous := t.previous
	t.mu.Unlock()
	if previous != nil {
		previous(target)
	}
}

func truncateRunes(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}
