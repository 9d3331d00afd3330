package capture

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// NetworkTracker wraps the transport of a host *http.Client and records failed
// calls. Requests to the report server's own origin pass through untracked.
type NetworkTracker struct {
	mu           sync.Mutex
	buffer       *Buffer
	sanitizer    *Sanitizer
	client       *http.Client
	serverOrigin string
	now          func() time.Time
	installed    bool
	previous     http.RoundTripper
}

func NewNetworkTracker(buffer *Buffer, sanitizer *Sanitizer, client *http.Client, serverURL string) *NetworkTracker {
	if client == nil {
		client = http.DefaultClient
	}
	if sanitizer == nil {
		sanitizer = NewSanitizer(nil, nil)
	}
	return &NetworkTracker{
		buffer:       buffer,
		sanitizer:    sanitizer,
		client:       client,
		serverOrigin: originOf(serverURL),
		now:          time.Now,
	}
}

func (t *NetworkTracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.installed {
		return
	}

	t.previous = t.client.Transport
	next := t.previous
	if next == nil {
		next = http.DefaultTransport
	}
	t.client.Transport = &trackingTransport{tracker: t, next: next}
	t.installed = true
}

func (t *NetworkTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.installed {
		return
	}

	t.client.Transport = t.previous
	t.previous = nil
	t.installed = false
}

func (t *NetworkTracker) isOwnRequest(requestURL *url.URL) bool {
	if requestURL == nil || t.serverOrigin == "" {
		return false
	}
	return originOf(requestURL.String()) == t.serverOrigin
}

type trackingTransport struct {
	tracker *NetworkTracker
	next    http.RoundTripper
}

func (rt *trackingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if rt.tracker.isOwnRequest(req.URL) {
		return rt.next.RoundTrip(req)
	}

	startedAt := rt.tracker.now()
	resp, err := rt.next.RoundTrip(req)
	failure := NetworkFailure{
		URL:        req.URL.String(),
		Method:     requestMethod(req),
		DurationMs: rt.tracker.now().Sub(startedAt).Milliseconds(),
	}

	if err != nil {
		failure.Error = err.Error()
		rt.tracker.buffer.Push(NewEvent(rt.tracker.now(), failure))
		return resp, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		failure.Status = resp.StatusCode
		failure.RequestHeaders = rt.tracker.sanitizer.SanitizeHeaders(flattenHeaders(req.Header))
		rt.tracker.buffer.Push(NewEvent(rt.tracker.now(), failure))
	}

	return resp, nil
}

func requestMethod(req *http.Request) string {
	if req.Method == "" {
		return http.MethodGet
	}
	return req.Method
}

func flattenHeaders(header http.Header) map[string]string {
	if len(header) == 0 {
		return nil
	}
	flat := make(map[string]string, len(header))
	for key, values := range header {
		flat[key] = strings.Join(values, ", ")
	}
	return flat
}

func originOf(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Host == "" {
		return ""
	}
	return strings.ToLower(parsed.Scheme + "://" + parsed.Host)
}
