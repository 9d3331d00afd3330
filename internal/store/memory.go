package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	_ Repository = (*Postgres)(nil)
	_ Repository = (*Memory)(nil)
)

// Memory is an in-process Repository for local runs and tests.
type Memory struct {
	mu          sync.RWMutex
	now         func() time.Time
	projects    map[string]Project
	reports     map[string]Report
	attachments map[string][]Attachment
	comments    map[string][]Comment
	order       map[string]int64
	seq         int64
}

func NewMemory() *Memory {
	return &Memory{
		now:         time.Now,
		projects:    make(map[string]Project),
		reports:     make(map[string]Report),
		attachments: make(map[string][]Attachment),
		comments:    make(map[string][]Comment),
		order:       make(map[string]int64),
	}
}

// WithClock replaces the clock used for created_at stamps.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
	return m
}

func (m *Memory) Health(context.Context) error { return nil }

func (m *Memory) Close() {}

func (m *Memory) CreateProject(_ context.Context, project Project) (Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if project.ID == "" {
		project.ID = uuid.NewString()
	}
	if len(project.AllowedDomains) == 0 {
		project.AllowedDomains = []string{"*"}
	}
	if project.RetentionDays <= 0 {
		project.RetentionDays = DefaultRetentionDays
	}
	project.AllowedDomains = append([]string(nil), project.AllowedDomains...)
	project.CreatedAt = m.now().UTC()
	m.projects[project.ID] = project
	return project, nil
}

func (m *Memory) ListProjects(context.Context) ([]Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	projects := make([]Project, 0, len(m.projects))
	for _, project := range m.projects {
		projects = append(projects, project)
	}
	sort.SliceStable(projects, func(i, j int) bool {
		return projects[i].CreatedAt.Before(projects[j].CreatedAt)
	})
	return projects, nil
}

func (m *Memory) GetProject(_ context.Context, id string) (Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	project, ok := m.projects[id]
	if !ok {
		return Project{}, ErrNotFound
	}
	return project, nil
}

func (m *Memory) FindProjectByAPIKey(_ context.Context, apiKey string) (Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, project := range m.projects {
		if project.APIKey == apiKey {
			return project, nil
		}
	}
	return Project{}, ErrNotFound
}

func (m *Memory) UpdateProject(_ context.Context, id string, update ProjectUpdate) (Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	project, ok := m.projects[id]
	if !ok {
		return Project{}, ErrNotFound
	}
	if update.Name != nil {
		project.Name = *update.Name
	}
	if update.AllowedDomains != nil {
		project.AllowedDomains = append([]string(nil), update.AllowedDomains...)
	}
	if update.WebhookURL != nil {
		if *update.WebhookURL == "" {
			project.WebhookURL = nil
		} else {
			webhookURL := *update.WebhookURL
			project.WebhookURL = &webhookURL
		}
	}
	if update.RetentionDays != nil {
		project.RetentionDays = *update.RetentionDays
	}
	m.projects[id] = project
	return project, nil
}

func (m *Memory) SetProjectAPIKey(_ context.Context, id, apiKey string) (Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	project, ok := m.projects[id]
	if !ok {
		return Project{}, ErrNotFound
	}
	project.APIKey = apiKey
	m.projects[id] = project
	return project, nil
}

func (m *Memory) DeleteProject(_ context.Context, id string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.projects[id]; !ok {
		return nil, ErrNotFound
	}
	delete(m.projects, id)

	paths := make([]string, 0)
	for reportID, report := range m.reports {
		if report.ProjectID == id {
			paths = append(paths, m.removeReportLocked(reportID)...)
		}
	}
	return paths, nil
}

func (m *Memory) CreateReport(_ context.Context, report Report) (Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.projects[report.ProjectID]; !ok {
		return Report{}, ErrNotFound
	}
	if report.ID == "" {
		report.ID = uuid.NewString()
	}
	if report.Status == "" {
		report.Status = StatusNew
	}
	if report.Timeline == nil {
		report.Timeline = []json.RawMessage{}
	}
	if report.ConsoleErrors == nil {
		report.ConsoleErrors = []map[string]any{}
	}
	if report.NetworkFailures == nil {
		report.NetworkFailures = []map[string]any{}
	}
	report.CreatedAt = m.now().UTC()

	attachments := make([]Attachment, 0, len(report.Attachments))
	for _, attachment := range report.Attachments {
		if attachment.ID == "" {
			attachment.ID = uuid.NewString()
		}
		attachment.ReportID = report.ID
		attachments = append(attachments, attachment)
	}

	m.seq++
	m.order[report.ID] = m.seq
	report.Attachments = nil
	report.Comments = nil
	m.reports[report.ID] = report
	m.attachments[report.ID] = attachments

	report.Attachments = append([]Attachment(nil), attachments...)
	report.Comments = []Comment{}
	return report, nil
}

func (m *Memory) RecentReportsByPage(_ context.Context, projectID, pageURL string, limit int) ([]Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := make([]Report, 0)
	for _, report := range m.reports {
		if report.ProjectID == projectID && report.PageURL == pageURL {
			matches = append(matches, report)
		}
	}
	m.sortNewestFirst(matches)
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (m *Memory) ListReports(_ context.Context, filter ReportFilter) (ReportPage, error) {
	filter = filter.normalized()
	query := strings.ToLower(filter.Query)

	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := make([]Report, 0)
	for _, report := range m.reports {
		switch {
		case filter.ProjectID != "" && report.ProjectID != filter.ProjectID:
			continue
		case filter.Status != "" && report.Status != filter.Status:
			continue
		case filter.Category != "" && report.Category != filter.Category:
			continue
		case filter.Severity != "" && report.Severity != filter.Severity:
			continue
		case filter.GroupID != "" && (report.GroupID == nil || *report.GroupID != filter.GroupID):
			continue
		case query != "" && !strings.Contains(strings.ToLower(report.SearchText), query):
			continue
		}
		report.Attachments = []Attachment{}
		report.Comments = []Comment{}
		matches = append(matches, report)
	}
	m.sortNewestFirst(matches)

	page := ReportPage{Total: len(matches), Limit: filter.Limit, Offset: filter.Offset, Reports: []Report{}}
	if filter.Offset < len(matches) {
		end := filter.Offset + filter.Limit
		if end > len(matches) {
			end = len(matches)
		}
		page.Reports = matches[filter.Offset:end]
	}
	return page, nil
}

func (m *Memory) GetReport(_ context.Context, id string) (Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getReportLocked(id)
}

func (m *Memory) UpdateReport(_ context.Context, id string, update ReportUpdate) (Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	report, ok := m.reports[id]
	if !ok {
		return Report{}, ErrNotFound
	}
	if update.Status != nil {
		report.Status = *update.Status
	}
	if update.AssignedTo != nil {
		if *update.AssignedTo == "" {
			report.AssignedTo = nil
		} else {
			assignee := *update.AssignedTo
			report.AssignedTo = &assignee
		}
	}
	m.reports[id] = report
	return m.getReportLocked(id)
}

func (m *Memory) DeleteReport(_ context.Context, id string) (Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	report, err := m.getReportLocked(id)
	if err != nil {
		return Report{}, err
	}
	m.removeReportLocked(id)
	return report, nil
}

func (m *Memory) AddComment(_ context.Context, comment Comment) (Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reports[comment.ReportID]; !ok {
		return Comment{}, ErrNotFound
	}
	if comment.ID == "" {
		comment.ID = uuid.NewString()
	}
	comment.CreatedAt = m.now().UTC()
	m.comments[comment.ReportID] = append(m.comments[comment.ReportID], comment)
	return comment, nil
}

func (m *Memory) GetAttachment(_ context.Context, reportID, attachmentID string) (Attachment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, attachment := range m.attachments[reportID] {
		if attachment.ID == attachmentID {
			return attachment, nil
		}
	}
	return Attachment{}, ErrNotFound
}

func (m *Memory) PurgeExpiredReports(_ context.Context, projectID string, cutoff time.Time) (PurgeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := PurgeResult{AttachmentPaths: []string{}}
	for id, report := range m.reports {
		if report.ProjectID != projectID || !report.CreatedAt.Before(cutoff) {
			continue
		}
		result.AttachmentPaths = append(result.AttachmentPaths, m.removeReportLocked(id)...)
		result.DeletedReports++
	}
	return result, nil
}

func (m *Memory) getReportLocked(id string) (Report, error) {
	report, ok := m.reports[id]
	if !ok {
		return Report{}, ErrNotFound
	}
	report.Attachments = append([]Attachment{}, m.attachments[id]...)
	report.Comments = append([]Comment{}, m.comments[id]...)
	return report, nil
}

func (m *Memory) removeReportLocked(id string) []string {
	paths := make([]string, 0, len(m.attachments[id]))
	for _, attachment := range m.attachments[id] {
		paths = append(paths, attachment.Path)
	}
	delete(m.reports, id)
	delete(m.attachments, id)
	delete(m.comments, id)
	delete(m.order, id)
	return paths
}

// sortNewestFirst orders by creation time, then by insertion order for reports
// stamped with the same instant.
func (m *Memory) sortNewestFirst(reports []Report) {
	sort.SliceStable(reports, func(i, j int) bool {
		if !reports[i].CreatedAt.Equal(reports[j].CreatedAt) {
			return reports[i].CreatedAt.After(reports[j].CreatedAt)
		}
		return m.order[reports[i].ID] > m.order[reports[j].ID]
	})
}
