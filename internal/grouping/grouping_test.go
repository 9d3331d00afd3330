package grouping

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oopsie/internal/store"
)

func consoleErrors(message string) []map[string]any {
	if message == "" {
		return nil
	}
	return []map[string]any{{"type": "console_error", "message": message}}
}

func createGrouped(t *testing.T, repo *store.Memory, service *Service, projectID, pageURL, firstError string) store.Report {
	t.Helper()
	ctx := context.Background()

	report := store.Report{ProjectID: projectID, Message: "broken", PageURL: pageURL, ConsoleErrors: consoleErrors(firstError)}
	groupID, err := service.AssignGroup(ctx, report)
	require.NoError(t, err)
	report.GroupID = groupID

	stored, err := repo.CreateReport(ctx, report)
	require.NoError(t, err)
	return stored
}

func newProject(t *testing.T, repo *store.Memory) store.Project {
	t.Helper()
	project, err := repo.CreateProject(context.Background(), store.Project{Name: "shop", APIKey: "osk_test"})
	require.NoError(t, err)
	return project
}

func TestFingerprint(t *testing.T) {
	assert.Equal(t, "", Fingerprint("p", "", ""))
	assert.Len(t, Fingerprint("p", "https://a/x", ""), 64)
	assert.Equal(t, Fingerprint("p", "https://a/x", "boom"), Fingerprint("p", "https://a/x", "boom"))
	assert.NotEqual(t, Fingerprint("p", "https://a/x", "boom"), Fingerprint("p", "https://a/x", "bang"))
	assert.NotEqual(t, Fingerprint("p", "https://a/x", "boom"), Fingerprint("q", "https://a/x", "boom"))
}

func TestSameFingerprintSharesGroup(t *testing.T) {
	repo := store.NewMemory()
	service := NewService(repo)
	project := newProject(t, repo)

	first := createGrouped(t, repo, service, project.ID, "https://shop/cart", "TypeError: x is undefined")
	second := createGrouped(t, repo, service, project.ID, "https://shop/cart", "TypeError: x is undefined")

	require.NotNil(t, first.GroupID)
	require.NotNil(t, second.GroupID)
	assert.Equal(t, *first.GroupID, *second.GroupID)
}

func TestDifferentInputsGetNewGroup(t *testing.T) {
	repo := store.NewMemory()
	service := NewService(repo)
	project := newProject(t, repo)

	base := createGrouped(t, repo, service, project.ID, "https://shop/cart", "boom")
	otherError := createGrouped(t, repo, service, project.ID, "https://shop/cart", "bang")
	otherPage := createGrouped(t, repo, service, project.ID, "https://shop/checkout", "boom")

	assert.NotEqual(t, *base.GroupID, *otherError.GroupID)
	assert.NotEqual(t, *base.GroupID, *otherPage.GroupID)
}

func TestNoPageAndNoErrorStaysUngrouped(t *testing.T) {
	repo := store.NewMemory()
	service := NewService(repo)
	project := newProject(t, repo)

	report := createGrouped(t, repo, service, project.ID, "", "")
	assert.Nil(t, report.GroupID)
}

func TestErrorOnlyReportIsGrouped(t *testing.T) {
	repo := store.NewMemory()
	service := NewService(repo)
	project := newProject(t, repo)

	first := createGrouped(t, repo, service, project.ID, "", "boom")
	second := createGrouped(t, repo, service, project.ID, "", "boom")
	require.NotNil(t, first.GroupID)
	assert.Equal(t, *first.GroupID, *second.GroupID)
}

func TestMatchOutsideCandidateWindowIsMissed(t *testing.T) {
	repo := store.NewMemory()
	service := NewService(repo)
	project := newProject(t, repo)

	original := createGrouped(t, repo, service, project.ID, "https://shop/cart", "boom")
	for i := 0; i < DefaultCandidateLimit; i++ {
		createGrouped(t, repo, service, project.ID, "https://shop/cart", "noise")
	}

	late := createGrouped(t, repo, service, project.ID, "https://shop/cart", "boom")
	assert.NotEqual(t, *original.GroupID, *late.GroupID)
}

type failingFinder struct{}

func (failingFinder) RecentReportsByPage(context.Context, string, string, int) ([]store.Report, error) {
	return nil, errors.New("db down")
}

func TestFinderErrorIsReturned(t *testing.T) {
	service := NewService(failingFinder{})
	_, err := service.AssignGroup(context.Background(), store.Report{ProjectID: "p", PageURL: "https://a"})
	assert.Error(t, err)
}
