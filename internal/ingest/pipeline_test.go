package ingest

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oopsie/internal/attachments"
	"oopsie/internal/grouping"
	"oopsie/internal/ratelimit"
	"oopsie/internal/store"
)

const testAPIKey = "osk_0123456789abcdef0123456789abcdef0123456789abcdef"

type recordingNotifier struct {
	mu      sync.Mutex
	reports []store.Report
}

func (n *recordingNotifier) ReportCreated(_ context.Context, _ store.Project, report store.Report) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reports = append(n.reports, report)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.reports)
}

type countingLimiter struct {
	calls int
	deny  bool
}

func (l *countingLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	l.calls++
	if l.deny {
		return ratelimit.Decision{RetryAfter: 42 * time.Second}, nil
	}
	return ratelimit.Decision{Allowed: true}, nil
}

type fixture struct {
	repo     *store.Memory
	project  store.Project
	notifier *recordingNotifier
	limiter  *countingLimiter
	blobs    *attachments.LocalStore
	blobDir  string
	pipeline *Pipeline
}

func newFixture(t *testing.T, allowedDomains ...string) *fixture {
	t.Helper()
	repo := store.NewMemory()
	project, err := repo.CreateProject(context.Background(), store.Project{
		Name:           "shop",
		APIKey:         testAPIKey,
		AllowedDomains: allowedDomains,
	})
	require.NoError(t, err)

	blobDir := t.TempDir()
	blobs, err := attachments.NewLocalStore(blobDir)
	require.NoError(t, err)

	f := &fixture{
		repo:     repo,
		project:  project,
		notifier: &recordingNotifier{},
		limiter:  &countingLimiter{},
		blobs:    blobs,
		blobDir:  blobDir,
	}
	f.pipeline = f.build(repo)
	return f
}

func (f *fixture) build(reports ReportWriter) *Pipeline {
	return NewPipeline(Deps{
		Projects:    f.repo,
		Reports:     reports,
		Limiter:     f.limiter,
		Grouper:     grouping.NewService(f.repo),
		Attachments: attachments.NewUploader(f.blobs, 0, nil),
		Notifier:    f.notifier,
	})
}

func (f *fixture) stored(t *testing.T) []store.Report {
	t.Helper()
	page, err := f.repo.ListReports(context.Background(), store.ReportFilter{})
	require.NoError(t, err)
	return page.Reports
}

func validSubmission() Submission {
	return Submission{
		APIKey:   testAPIKey,
		Origin:   "https://app.example.com",
		ClientIP: "203.0.113.5",
		Input: ReportInput{
			Message:       "Checkout button does nothing",
			Category:      "ui",
			Severity:      "high",
			ReporterEmail: "user@example.com",
			ConsentGiven:  true,
			PageURL:       "https://app.example.com/checkout",
			ConsoleErrors: []map[string]any{{"type": "console_error", "message": "TypeError: cart is null"}},
		},
	}
}

func requireKind(t *testing.T, err error, kind Kind) *Error {
	t.Helper()
	var ingestErr *Error
	require.ErrorAs(t, err, &ingestErr)
	require.Equal(t, kind, KindOf(err), "unexpected error: %v", err)
	return ingestErr
}

func TestAdmitStoresGroupedReport(t *testing.T) {
	f := newFixture(t, "*.example.com")

	report, err := f.pipeline.Admit(context.Background(), validSubmission())
	require.NoError(t, err)

	assert.Equal(t, store.StatusNew, report.Status)
	require.NotNil(t, report.GroupID)
	assert.Equal(t, "Checkout button does nothing https://app.example.com/checkout user@example.com ui", report.SearchText)
	assert.Equal(t, 1, f.notifier.count())
	assert.Len(t, f.stored(t), 1)

	again, err := f.pipeline.Admit(context.Background(), validSubmission())
	require.NoError(t, err)
	assert.Equal(t, *report.GroupID, *again.GroupID)
}

func TestAdmitDefaultsAndUngroupedReport(t *testing.T) {
	f := newFixture(t)

	sub := validSubmission()
	sub.Input = ReportInput{Message: "  something is off  ", ConsentGiven: true}
	report, err := f.pipeline.Admit(context.Background(), sub)
	require.NoError(t, err)

	assert.Nil(t, report.GroupID)
	assert.Equal(t, "other", report.Category)
	assert.Equal(t, "medium", report.Severity)
	assert.Equal(t, "something is off other", report.SearchText)
}

func TestAdmitRejectsMissingConsent(t *testing.T) {
	f := newFixture(t)

	sub := validSubmission()
	sub.Input.ConsentGiven = false
	_, err := f.pipeline.Admit(context.Background(), sub)

	requireKind(t, err, KindInvalidInput)
	assert.Empty(t, f.stored(t))
	assert.Equal(t, 0, f.notifier.count())
}

func TestAdmitRejectsUnknownKeyBeforeOriginCheck(t *testing.T) {
	f := newFixture(t, "example.com")

	sub := validSubmission()
	sub.APIKey = "osk_unknown"
	sub.Origin = "https://evil.test"
	_, err := f.pipeline.Admit(context.Background(), sub)
	requireKind(t, err, KindUnauthenticated)

	sub.APIKey = ""
	_, err = f.pipeline.Admit(context.Background(), sub)
	requireKind(t, err, KindUnauthenticated)
	assert.Equal(t, 0, f.limiter.calls)
}

func TestAdmitUsesAuthenticatedProject(t *testing.T) {
	f := newFixture(t, "*.example.com")

	project, err := f.pipeline.Authenticate(context.Background(), testAPIKey)
	require.NoError(t, err)
	assert.Equal(t, f.project.ID, project.ID)

	_, err = f.pipeline.Authenticate(context.Background(), "osk_unknown")
	requireKind(t, err, KindUnauthenticated)

	sub := validSubmission()
	sub.APIKey = ""
	sub.Project = &project
	report, err := f.pipeline.Admit(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, f.project.ID, report.ProjectID)
}

func TestAdmitRejectsDisallowedOrigin(t *testing.T) {
	f := newFixture(t, "*.example.com")

	sub := validSubmission()
	sub.Origin = "https://example.org"
	_, err := f.pipeline.Admit(context.Background(), sub)

	requireKind(t, err, KindForbidden)
	assert.Equal(t, 0, f.limiter.calls, "rate limiter must not run after a forbidden origin")
	assert.Empty(t, f.stored(t))
	assert.Equal(t, 0, f.notifier.count())
}

func TestAdmitRateLimitRunsBeforeConsent(t *testing.T) {
	f := newFixture(t)
	f.limiter.deny = true

	sub := validSubmission()
	sub.Input.ConsentGiven = false
	_, err := f.pipeline.Admit(context.Background(), sub)

	rejection := requireKind(t, err, KindRateLimited)
	assert.Equal(t, 42*time.Second, rejection.RetryAfter)
	assert.Empty(t, f.stored(t))
}

func TestAdmitWithSharedWindowLimiter(t *testing.T) {
	f := newFixture(t)
	f.pipeline.limiter = ratelimit.NewMemoryWindow(2, time.Minute)

	for i := 0; i < 2; i++ {
		_, err := f.pipeline.Admit(context.Background(), validSubmission())
		require.NoError(t, err)
	}
	_, err := f.pipeline.Admit(context.Background(), validSubmission())
	rejection := requireKind(t, err, KindRateLimited)
	assert.Greater(t, rejection.RetryAfter, time.Duration(0))

	other := validSubmission()
	other.ClientIP = "198.51.100.1"
	_, err = f.pipeline.Admit(context.Background(), other)
	assert.NoError(t, err)
}

func TestAdmitRejectsInvalidFields(t *testing.T) {
	f := newFixture(t)

	sub := validSubmission()
	sub.Input.Category = "rant"
	sub.Input.ReporterEmail = "not-an-email"
	_, err := f.pipeline.Admit(context.Background(), sub)

	rejection := requireKind(t, err, KindInvalidInput)
	assert.Contains(t, rejection.Message, "Category")
	assert.Contains(t, rejection.Message, "ReporterEmail")
	assert.Empty(t, f.stored(t))
}

func TestAdmitStoresAttachments(t *testing.T) {
	f := newFixture(t)

	sub := validSubmission()
	sub.Uploads = []attachments.Upload{{Filename: "notes.txt", ContentType: "text/plain", Data: []byte("steps to reproduce")}}
	report, err := f.pipeline.Admit(context.Background(), sub)
	require.NoError(t, err)

	require.Len(t, report.Attachments, 1)
	attachment := report.Attachments[0]
	assert.Equal(t, "notes.txt", attachment.Filename)
	assert.Equal(t, int64(18), attachment.Size)
	assert.Contains(t, attachment.Path, "reports/"+report.ID+"/")

	body, _, err := f.blobs.Get(context.Background(), attachment.Path)
	require.NoError(t, err)
	assert.Equal(t, "steps to reproduce", string(body))
}

func TestAdmitInvalidAttachmentFailsWholeReport(t *testing.T) {
	f := newFixture(t)

	sub := validSubmission()
	sub.Uploads = []attachments.Upload{
		{Filename: "notes.txt", ContentType: "text/plain", Data: []byte("ok")},
		{Filename: "tool.exe", ContentType: "application/x-msdownload", Data: []byte("MZ")},
	}
	_, err := f.pipeline.Admit(context.Background(), sub)

	requireKind(t, err, KindInvalidInput)
	assert.True(t, errors.Is(err, attachments.ErrMIMENotAllowed))
	assert.Empty(t, f.stored(t))
	assert.Equal(t, 0, f.notifier.count())
}

type failingWriter struct{}

func (failingWriter) CreateReport(context.Context, store.Report) (store.Report, error) {
	return store.Report{}, errors.New("connection reset")
}

func TestAdmitRemovesBlobsWhenReportWriteFails(t *testing.T) {
	f := newFixture(t)
	pipeline := f.build(failingWriter{})

	sub := validSubmission()
	sub.Uploads = []attachments.Upload{{Filename: "notes.txt", ContentType: "text/plain", Data: []byte("x")}}
	_, err := pipeline.Admit(context.Background(), sub)

	requireKind(t, err, KindInternal)
	assert.Equal(t, 0, f.notifier.count())

	assert.Zero(t, countFiles(t, f.blobDir))
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	files := 0
	err := filepath.WalkDir(dir, func(_ string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() {
			files++
		}
		return nil
	})
	require.NoError(t, err)
	return files
}
