package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	stdlog "log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oopsie/sdk/capture"
	"oopsie/sdk/transport"
)

type recordingServer struct {
	mu       sync.Mutex
	status   int
	payloads []map[string]any
}

func (s *recordingServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	_ = json.NewDecoder(r.Body).Decode(&payload)

	s.mu.Lock()
	s.payloads = append(s.payloads, payload)
	status := s.status
	s.mu.Unlock()

	w.WriteHeader(status)
}

func newReporter(t *testing.T, serverURL string, hostClient *http.Client, hostLogger *stdlog.Logger) *Reporter {
	t.Helper()
	reporter, err := New(Config{
		ServerURL:  serverURL,
		APIKey:     "osk_test",
		User:       map[string]any{"id": "u-1"},
		Page:       capture.NewPage("https://shop.example.com/"),
		HTTPClient: hostClient,
		HostLogger: hostLogger,
		Storage:    transport.NewMemoryStorage(),
	})
	require.NoError(t, err)
	return reporter
}

func TestSubmitSendsBufferedContextAndClearsBuffer(t *testing.T) {
	recorder := &recordingServer{status: http.StatusCreated}
	server := httptest.NewServer(recorder)
	defer server.Close()

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	hostClient := &http.Client{}
	hostLogger := stdlog.New(&bytes.Buffer{}, "", 0)
	reporter := newReporter(t, server.URL, hostClient, hostLogger)
	reporter.Start(context.Background())
	defer reporter.Stop()

	reporter.Page().Navigate("https://shop.example.com/cart")
	hostLogger.Print("Uncaught TypeError: total is NaN")
	resp, err := hostClient.Get(failing.URL + "/api/cart")
	require.NoError(t, err)
	resp.Body.Close()

	delivered, err := reporter.Submit(context.Background(), Form{
		Message:  "Cart total is wrong",
		Category: transport.CategoryUI,
		Severity: transport.SeverityHigh,
		Consent:  true,
	})
	require.NoError(t, err)
	assert.True(t, delivered)
	assert.Equal(t, 0, reporter.Buffer().Size())

	require.Len(t, recorder.payloads, 1)
	payload := recorder.payloads[0]
	assert.Equal(t, "https://shop.example.com/cart", payload["pageUrl"])
	assert.Len(t, payload["consoleErrors"], 1)
	assert.Len(t, payload["networkFailures"], 1)
	assert.Len(t, payload["timeline"], 4)
	assert.Equal(t, true, payload["consentGiven"])
}

func TestSubmitQueuesOnFailure(t *testing.T) {
	recorder := &recordingServer{status: http.StatusServiceUnavailable}
	server := httptest.NewServer(recorder)
	defer server.Close()

	reporter := newReporter(t, server.URL, nil, nil)
	reporter.Start(context.Background())
	defer reporter.Stop()

	delivered, err := reporter.Submit(context.Background(), Form{Message: "Crash on save", Consent: true})

	require.NoError(t, err)
	assert.False(t, delivered)
	assert.True(t, reporter.Queue().HasPending(context.Background()))
	assert.True(t, reporter.Queue().RetryScheduled())
}

func TestSubmitRequiresConsentAndMessage(t *testing.T) {
	reporter := newReporter(t, "https://reports.example.com", nil, nil)

	_, err := reporter.Submit(context.Background(), Form{Message: "x"})
	assert.ErrorIs(t, err, ErrConsentRequired)

	_, err = reporter.Submit(context.Background(), Form{Message: "  ", Consent: true})
	assert.ErrorIs(t, err, ErrMessageRequired)
}

func TestStopRestoresHostHooks(t *testing.T) {
	hostClient := &http.Client{}
	var out bytes.Buffer
	hostLogger := stdlog.New(&out, "", 0)
	reporter := newReporter(t, "https://reports.example.com", hostClient, hostLogger)

	reporter.Start(context.Background())
	reporter.Stop()
	reporter.Start(context.Background())
	reporter.Stop()

	assert.Nil(t, hostClient.Transport)
	assert.Equal(t, &out, hostLogger.Writer())
}

func TestFailedSubmitKeepsOwnDiagnosticsOutOfBuffer(t *testing.T) {
	recorder := &recordingServer{status: http.StatusServiceUnavailable}
	server := httptest.NewServer(recorder)
	defer server.Close()

	reporter := newReporter(t, server.URL, nil, nil)
	reporter.Start(context.Background())
	defer reporter.Stop()

	stdlog.Print("plain host output")
	delivered, err := reporter.Submit(context.Background(), Form{Message: "Crash on save", Consent: true})
	require.NoError(t, err)
	require.False(t, delivered)

	for _, event := range reporter.Buffer().Snapshot() {
		assert.NotEqual(t, capture.EventConsoleError, event.Type(), "unexpected event %+v", event.Data)
	}
}

func TestCaptureErrorAndRecoverWithoutHostLogger(t *testing.T) {
	reporter := newReporter(t, "https://reports.example.com", nil, nil)
	reporter.Start(context.Background())
	defer reporter.Stop()

	reporter.CaptureError(errors.New("save failed"))
	assert.Panics(t, func() {
		defer reporter.Recover()
		panic("nil cart")
	})

	snapshot := reporter.Buffer().Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, "save failed", snapshot[0].Data.(capture.ConsoleError).Message)
	crash := snapshot[1].Data.(capture.ConsoleError)
	assert.Equal(t, "nil cart", crash.Message)
	assert.True(t, crash.Unhandled)
}
