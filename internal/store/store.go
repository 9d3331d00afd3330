package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

type Repository interface {
	Health(ctx context.Context) error
	Close()

	CreateProject(ctx context.Context, project Project) (Project, error)
	ListProjects(ctx context.Context) ([]Project, error)
	GetProject(ctx context.Context, id string) (Project, error)
	UpdateProject(ctx context.Context, id string, update ProjectUpdate) (Project, error)
	SetProjectAPIKey(ctx context.Context, id, apiKey string) (Project, error)
	DeleteProject(ctx context.Context, id string) ([]string, error)
	FindProjectByAPIKey(ctx context.Context, apiKey string) (Project, error)

	CreateReport(ctx context.Context, report Report) (Report, error)
	RecentReportsByPage(ctx context.Context, projectID, pageURL string, limit int) ([]Report, error)
	ListReports(ctx context.Context, filter ReportFilter) (ReportPage, error)
	GetReport(ctx context.Context, id string) (Report, error)
	UpdateReport(ctx context.Context, id string, update ReportUpdate) (Report, error)
	DeleteReport(ctx context.Context, id string) (Report, error)
	AddComment(ctx context.Context, comment Comment) (Comment, error)
	GetAttachment(ctx context.Context, reportID, attachmentID string) (Attachment, error)
	PurgeExpiredReports(ctx context.Context, projectID string, cutoff time.Time) (PurgeResult, error)
}
