// Package ingest admits bug reports. Checks run in a fixed order (API key,
// origin, rate limit, consent) and nothing is written until all of them pass.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"

	"oopsie/internal/attachments"
	"oopsie/internal/ratelimit"
	"oopsie/internal/store"
)

const fallbackRetryAfter = 60 * time.Second

type ProjectFinder interface {
	FindProjectByAPIKey(ctx context.Context, apiKey string) (store.Project, error)
}

type ReportWriter interface {
	CreateReport(ctx context.Context, report store.Report) (store.Report, error)
}

type Grouper interface {
	AssignGroup(ctx context.Context, report store.Report) (*string, error)
}

type AttachmentStore interface {
	ValidateAll(uploads []attachments.Upload) ([]string, error)
	StoreAll(ctx context.Context, reportID string, uploads []attachments.Upload) ([]store.Attachment, error)
	Remove(ctx context.Context, paths []string) int
}

// Notifier is told about every stored report. It must not block.
type Notifier interface {
	ReportCreated(ctx context.Context, project store.Project, report store.Report)
}

type Submission struct {
	APIKey   string
	Origin   string
	ClientIP string
	Input    ReportInput
	Uploads  []attachments.Upload

	// Project skips the API key lookup when the caller already ran Authenticate.
	Project *store.Project
}

type Pipeline struct {
	projects    ProjectFinder
	reports     ReportWriter
	limiter     ratelimit.Limiter
	grouper     Grouper
	attachments AttachmentStore
	notifier    Notifier
	logger      log.Interface
	newID       func() string
}

type Deps struct {
	Projects    ProjectFinder
	Reports     ReportWriter
	Limiter     ratelimit.Limiter
	Grouper     Grouper
	Attachments AttachmentStore
	Notifier    Notifier
	Logger      log.Interface
}

func NewPipeline(deps Deps) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = log.Log
	}
	if deps.Attachments == nil {
		deps.Attachments = attachments.NewUploader(nil, 0, deps.Logger)
	}
	return &Pipeline{
		projects:    deps.Projects,
		reports:     deps.Reports,
		limiter:     deps.Limiter,
		grouper:     deps.Grouper,
		attachments: deps.Attachments,
		notifier:    deps.Notifier,
		logger:      deps.Logger,
		newID:       uuid.NewString,
	}
}

// Admit runs the admission checks and, when they pass, stores the report.
// Rejections are returned as *Error.
func (p *Pipeline) Admit(ctx context.Context, sub Submission) (store.Report, error) {
	var project store.Project
	if sub.Project != nil {
		project = *sub.Project
	} else {
		authenticated, err := p.Authenticate(ctx, sub.APIKey)
		if err != nil {
			return store.Report{}, err
		}
		project = authenticated
	}

	if !IsAllowed(sub.Origin, project.AllowedDomains) {
		return store.Report{}, newError(KindForbidden, "origin not allowed", nil)
	}

	if err := p.checkRateLimit(ctx, project, sub.ClientIP); err != nil {
		return store.Report{}, err
	}

	if !sub.Input.ConsentGiven {
		return store.Report{}, newError(KindInvalidInput, "user consent is required", nil)
	}

	input := sub.Input
	input.normalize()
	if err := input.Validate(); err != nil {
		return store.Report{}, newError(KindInvalidInput, describeValidation(err), err)
	}
	if _, err := p.attachments.ValidateAll(sub.Uploads); err != nil {
		return store.Report{}, newError(KindInvalidInput, err.Error(), err)
	}

	report, err := p.persist(ctx, project, input, sub.Uploads)
	if err != nil {
		return store.Report{}, err
	}

	p.logger.WithFields(log.Fields{
		"project_id":  project.ID,
		"report_id":   report.ID,
		"group_id":    derefGroup(report.GroupID),
		"attachments": len(report.Attachments),
	}).Info("report admitted")

	if p.notifier != nil {
		p.notifier.ReportCreated(ctx, project, report)
	}
	return report, nil
}

// Authenticate resolves the project owning apiKey. It is the first admission
// check and is cheap enough to run before the request body is read.
func (p *Pipeline) Authenticate(ctx context.Context, apiKey string) (store.Project, error) {
	if apiKey == "" {
		return store.Project{}, newError(KindUnauthenticated, "missing API key", nil)
	}

	project, err := p.projects.FindProjectByAPIKey(ctx, apiKey)
	if errors.Is(err, store.ErrNotFound) {
		return store.Project{}, newError(KindUnauthenticated, "invalid API key", nil)
	}
	if err != nil {
		return store.Project{}, newError(KindInternal, "project lookup failed", err)
	}
	return project, nil
}

func (p *Pipeline) checkRateLimit(ctx context.Context, project store.Project, clientIP string) error {
	if p.limiter == nil {
		return nil
	}

	decision, err := p.limiter.Allow(ctx, project.ID+"_"+clientIP)
	if err != nil {
		p.logger.WithError(err).WithField("project_id", project.ID).Warn("rate limiter unavailable, admitting report")
		return nil
	}
	if decision.Allowed {
		return nil
	}

	retryAfter := decision.RetryAfter
	if retryAfter <= 0 {
		retryAfter = fallbackRetryAfter
	}
	rejection := newError(KindRateLimited, "rate limit exceeded", nil)
	rejection.RetryAfter = retryAfter
	return rejection
}

// persist stores blobs, assigns the group and writes the report. Blobs are
// removed again when the report row cannot be written.
func (p *Pipeline) persist(ctx context.Context, project store.Project, input ReportInput, uploads []attachments.Upload) (store.Report, error) {
	report := input.toReport(p.newID(), project.ID)

	stored, err := p.attachments.StoreAll(ctx, report.ID, uploads)
	if err != nil {
		if errors.Is(err, attachments.ErrTooLarge) || errors.Is(err, attachments.ErrMIMENotAllowed) || errors.Is(err, attachments.ErrEmpty) {
			return store.Report{}, newError(KindInvalidInput, err.Error(), err)
		}
		return store.Report{}, newError(KindInternal, "attachment storage failed", err)
	}
	report.Attachments = stored

	if p.grouper != nil {
		groupID, err := p.grouper.AssignGroup(ctx, report)
		if err != nil {
			p.attachments.Remove(ctx, attachments.PathsOf(stored))
			return store.Report{}, newError(KindInternal, "grouping failed", err)
		}
		report.GroupID = groupID
	}
	report.SearchText = SearchText(report)

	created, err := p.reports.CreateReport(ctx, report)
	if err != nil {
		p.attachments.Remove(ctx, attachments.PathsOf(stored))
		return store.Report{}, newError(KindInternal, "report could not be saved", fmt.Errorf("create report: %w", err))
	}
	return created, nil
}

func derefGroup(groupID *string) string {
	if groupID == nil {
		return ""
	}
	return *groupID
}
