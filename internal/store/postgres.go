package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"oopsie/internal/store/migrations"
)

const reportColumns = `id, project_id, group_id, status, assigned_to, message, category, severity,
	reporter_email, user_context, custom_metadata, device_info, page_url, timeline,
	console_errors, network_failures, consent_given, search_text, created_at`

const projectColumns = `id, name, api_key, allowed_domains, webhook_url, retention_days, created_at`

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}

	return &Postgres{pool: pool}, nil
}

// Migrate applies the embedded goose migrations.
func (p *Postgres) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(p.pool)
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Health(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (Project, error) {
	var (
		project Project
		domains []byte
	)
	err := row.Scan(
		&project.ID,
		&project.Name,
		&project.APIKey,
		&domains,
		&project.WebhookURL,
		&project.RetentionDays,
		&project.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Project{}, ErrNotFound
		}
		return Project{}, err
	}
	if err := json.Unmarshal(domains, &project.AllowedDomains); err != nil {
		return Project{}, fmt.Errorf("decode allowed domains: %w", err)
	}
	return project, nil
}

func (p *Postgres) CreateProject(ctx context.Context, project Project) (Project, error) {
	if project.ID == "" {
		project.ID = uuid.NewString()
	}
	if len(project.AllowedDomains) == 0 {
		project.AllowedDomains = []string{"*"}
	}
	if project.RetentionDays <= 0 {
		project.RetentionDays = DefaultRetentionDays
	}
	domains, err := json.Marshal(project.AllowedDomains)
	if err != nil {
		return Project{}, err
	}

	return scanProject(p.pool.QueryRow(
		ctx,
		`INSERT INTO projects (id, name, api_key, allowed_domains, webhook_url, retention_days)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+projectColumns,
		project.ID,
		project.Name,
		project.APIKey,
		domains,
		project.WebhookURL,
		project.RetentionDays,
	))
}

func (p *Postgres) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]Project, 0)
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, project)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return projects, nil
}

func (p *Postgres) GetProject(ctx context.Context, id string) (Project, error) {
	if !validUUID(id) {
		return Project{}, ErrNotFound
	}
	return scanProject(p.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
}

func (p *Postgres) FindProjectByAPIKey(ctx context.Context, apiKey string) (Project, error) {
	return scanProject(p.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE api_key = $1`, apiKey))
}

func (p *Postgres) UpdateProject(ctx context.Context, id string, update ProjectUpdate) (Project, error) {
	if !validUUID(id) {
		return Project{}, ErrNotFound
	}

	var domains []byte
	if update.AllowedDomains != nil {
		encoded, err := json.Marshal(update.AllowedDomains)
		if err != nil {
			return Project{}, err
		}
		domains = encoded
	}

	return scanProject(p.pool.QueryRow(
		ctx,
		`UPDATE projects
		 SET name = COALESCE($2, name),
		     allowed_domains = COALESCE($3::jsonb, allowed_domains),
		     webhook_url = CASE WHEN $4::boolean THEN NULLIF($5, '') ELSE webhook_url END,
		     retention_days = COALESCE($6, retention_days)
		 WHERE id = $1
		 RETURNING `+projectColumns,
		id,
		update.Name,
		domains,
		update.WebhookURL != nil,
		derefString(update.WebhookURL),
		update.RetentionDays,
	))
}

func (p *Postgres) SetProjectAPIKey(ctx context.Context, id, apiKey string) (Project, error) {
	if !validUUID(id) {
		return Project{}, ErrNotFound
	}
	return scanProject(p.pool.QueryRow(
		ctx,
		`UPDATE projects SET api_key = $2 WHERE id = $1 RETURNING `+projectColumns,
		id,
		apiKey,
	))
}

func (p *Postgres) DeleteProject(ctx context.Context, id string) ([]string, error) {
	if !validUUID(id) {
		return nil, ErrNotFound
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	paths, err := collectPaths(ctx, tx,
		`SELECT a.path FROM report_attachments a
		 JOIN reports r ON r.id = a.report_id
		 WHERE r.project_id = $1`,
		id,
	)
	if err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return paths, nil
}

// CreateReport writes the report and its attachment rows in one transaction.
func (p *Postgres) CreateReport(ctx context.Context, report Report) (Report, error) {
	if report.ID == "" {
		report.ID = uuid.NewString()
	}
	if report.Status == "" {
		report.Status = StatusNew
	}

	encoded, err := encodeReportJSON(report)
	if err != nil {
		return Report{}, err
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Report{}, err
	}
	defer tx.Rollback(ctx)

	stored, err := scanReport(tx.QueryRow(
		ctx,
		`INSERT INTO reports (id, project_id, group_id, status, message, category, severity,
		   reporter_email, user_context, custom_metadata, device_info, page_url, timeline,
		   console_errors, network_failures, consent_given, search_text)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 RETURNING `+reportColumns,
		report.ID,
		report.ProjectID,
		report.GroupID,
		report.Status,
		report.Message,
		report.Category,
		report.Severity,
		report.ReporterEmail,
		encoded.userContext,
		encoded.customMetadata,
		encoded.deviceInfo,
		report.PageURL,
		encoded.timeline,
		encoded.consoleErrors,
		encoded.networkFailures,
		report.ConsentGiven,
		report.SearchText,
	))
	if err != nil {
		return Report{}, err
	}

	stored.Attachments = make([]Attachment, 0, len(report.Attachments))
	for _, attachment := range report.Attachments {
		if attachment.ID == "" {
			attachment.ID = uuid.NewString()
		}
		attachment.ReportID = stored.ID

		_, err := tx.Exec(
			ctx,
			`INSERT INTO report_attachments (id, report_id, filename, path, size, mime_type)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			attachment.ID,
			attachment.ReportID,
			attachment.Filename,
			attachment.Path,
			attachment.Size,
			attachment.MimeType,
		)
		if err != nil {
			return Report{}, err
		}
		stored.Attachments = append(stored.Attachments, attachment)
	}

	if err := tx.Commit(ctx); err != nil {
		return Report{}, err
	}

	stored.Comments = make([]Comment, 0)
	return stored, nil
}

func (p *Postgres) RecentReportsByPage(ctx context.Context, projectID, pageURL string, limit int) ([]Report, error) {
	rows, err := p.pool.Query(
		ctx,
		`SELECT `+reportColumns+`
		 FROM reports
		 WHERE project_id = $1 AND page_url = $2
		 ORDER BY created_at DESC
		 LIMIT $3`,
		projectID,
		pageURL,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectReports(rows)
}

func (p *Postgres) ListReports(ctx context.Context, filter ReportFilter) (ReportPage, error) {
	filter = filter.normalized()

	conditions := make([]string, 0, 6)
	args := make([]any, 0, 8)
	add := func(clause string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(clause, len(args)))
	}

	if filter.ProjectID != "" {
		if !validUUID(filter.ProjectID) {
			return emptyPage(filter), nil
		}
		add("project_id = $%d", filter.ProjectID)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.Category != "" {
		add("category = $%d", filter.Category)
	}
	if filter.Severity != "" {
		add("severity = $%d", filter.Severity)
	}
	if filter.GroupID != "" {
		if !validUUID(filter.GroupID) {
			return emptyPage(filter), nil
		}
		add("group_id = $%d", filter.GroupID)
	}
	if filter.Query != "" {
		add("search_text ILIKE '%%' || $%d || '%%'", escapeLike(filter.Query))
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	page := ReportPage{Limit: filter.Limit, Offset: filter.Offset}
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM reports`+where, args...).Scan(&page.Total); err != nil {
		return ReportPage{}, err
	}

	args = append(args, filter.Limit, filter.Offset)
	rows, err := p.pool.Query(
		ctx,
		fmt.Sprintf(`SELECT %s FROM reports%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
			reportColumns, where, len(args)-1, len(args)),
		args...,
	)
	if err != nil {
		return ReportPage{}, err
	}
	defer rows.Close()

	reports, err := collectReports(rows)
	if err != nil {
		return ReportPage{}, err
	}
	page.Reports = reports
	return page, nil
}

func (p *Postgres) GetReport(ctx context.Context, id string) (Report, error) {
	if !validUUID(id) {
		return Report{}, ErrNotFound
	}

	report, err := scanReport(p.pool.QueryRow(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = $1`, id))
	if err != nil {
		return Report{}, err
	}

	report.Attachments, err = p.listAttachments(ctx, p.pool, id)
	if err != nil {
		return Report{}, err
	}
	report.Comments, err = p.listComments(ctx, id)
	if err != nil {
		return Report{}, err
	}
	return report, nil
}

func (p *Postgres) UpdateReport(ctx context.Context, id string, update ReportUpdate) (Report, error) {
	if !validUUID(id) {
		return Report{}, ErrNotFound
	}

	tag, err := p.pool.Exec(
		ctx,
		`UPDATE reports
		 SET status = COALESCE($2, status),
		     assigned_to = CASE WHEN $3::boolean THEN NULLIF($4, '') ELSE assigned_to END
		 WHERE id = $1`,
		id,
		update.Status,
		update.AssignedTo != nil,
		derefString(update.AssignedTo),
	)
	if err != nil {
		return Report{}, err
	}
	if tag.RowsAffected() == 0 {
		return Report{}, ErrNotFound
	}
	return p.GetReport(ctx, id)
}

// DeleteReport removes the report and returns it with its attachment rows so
// callers can remove the stored blobs.
func (p *Postgres) DeleteReport(ctx context.Context, id string) (Report, error) {
	if !validUUID(id) {
		return Report{}, ErrNotFound
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Report{}, err
	}
	defer tx.Rollback(ctx)

	report, err := scanReport(tx.QueryRow(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return Report{}, err
	}
	report.Attachments, err = p.listAttachments(ctx, tx, id)
	if err != nil {
		return Report{}, err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM reports WHERE id = $1`, id); err != nil {
		return Report{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Report{}, err
	}
	return report, nil
}

func (p *Postgres) AddComment(ctx context.Context, comment Comment) (Comment, error) {
	if !validUUID(comment.ReportID) {
		return Comment{}, ErrNotFound
	}
	if comment.ID == "" {
		comment.ID = uuid.NewString()
	}

	stored := Comment{}
	err := p.pool.QueryRow(
		ctx,
		`INSERT INTO report_comments (id, report_id, author, body)
		 SELECT $1, id, $3, $4 FROM reports WHERE id = $2
		 RETURNING id, report_id, author, body, created_at`,
		comment.ID,
		comment.ReportID,
		comment.Author,
		comment.Body,
	).Scan(&stored.ID, &stored.ReportID, &stored.Author, &stored.Body, &stored.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Comment{}, ErrNotFound
		}
		return Comment{}, err
	}
	return stored, nil
}

func (p *Postgres) GetAttachment(ctx context.Context, reportID, attachmentID string) (Attachment, error) {
	if !validUUID(reportID) || !validUUID(attachmentID) {
		return Attachment{}, ErrNotFound
	}

	attachment := Attachment{}
	err := p.pool.QueryRow(
		ctx,
		`SELECT id, report_id, filename, path, size, mime_type
		 FROM report_attachments
		 WHERE report_id = $1 AND id = $2`,
		reportID,
		attachmentID,
	).Scan(
		&attachment.ID,
		&attachment.ReportID,
		&attachment.Filename,
		&attachment.Path,
		&attachment.Size,
		&attachment.MimeType,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Attachment{}, ErrNotFound
		}
		return Attachment{}, err
	}
	return attachment, nil
}

func (p *Postgres) PurgeExpiredReports(ctx context.Context, projectID string, cutoff time.Time) (PurgeResult, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return PurgeResult{}, err
	}
	defer tx.Rollback(ctx)

	paths, err := collectPaths(ctx, tx,
		`SELECT a.path FROM report_attachments a
		 JOIN reports r ON r.id = a.report_id
		 WHERE r.project_id = $1 AND r.created_at < $2`,
		projectID,
		cutoff,
	)
	if err != nil {
		return PurgeResult{}, err
	}

	tag, err := tx.Exec(ctx, `DELETE FROM reports WHERE project_id = $1 AND created_at < $2`, projectID, cutoff)
	if err != nil {
		return PurgeResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return PurgeResult{}, err
	}
	return PurgeResult{DeletedReports: int(tag.RowsAffected()), AttachmentPaths: paths}, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (p *Postgres) listAttachments(ctx context.Context, q querier, reportID string) ([]Attachment, error) {
	rows, err := q.Query(
		ctx,
		`SELECT id, report_id, filename, path, size, mime_type
		 FROM report_attachments
		 WHERE report_id = $1
		 ORDER BY filename ASC`,
		reportID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attachments := make([]Attachment, 0)
	for rows.Next() {
		var attachment Attachment
		if err := rows.Scan(
			&attachment.ID,
			&attachment.ReportID,
			&attachment.Filename,
			&attachment.Path,
			&attachment.Size,
			&attachment.MimeType,
		); err != nil {
			return nil, err
		}
		attachments = append(attachments, attachment)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return attachments, nil
}

func (p *Postgres) listComments(ctx context.Context, reportID string) ([]Comment, error) {
	rows, err := p.pool.Query(
		ctx,
		`SELECT id, report_id, author, body, created_at
		 FROM report_comments
		 WHERE report_id = $1
		 ORDER BY created_at ASC`,
		reportID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	comments := make([]Comment, 0)
	for rows.Next() {
		var comment Comment
		if err := rows.Scan(&comment.ID, &comment.ReportID, &comment.Author, &comment.Body, &comment.CreatedAt); err != nil {
			return nil, err
		}
		comments = append(comments, comment)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return comments, nil
}

func collectPaths(ctx context.Context, q querier, sql string, args ...any) ([]string, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	paths := make([]string, 0)
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return paths, nil
}

func collectReports(rows pgx.Rows) ([]Report, error) {
	reports := make([]Report, 0)
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		report.Attachments = make([]Attachment, 0)
		report.Comments = make([]Comment, 0)
		reports = append(reports, report)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return reports, nil
}

type reportJSON struct {
	userContext     []byte
	customMetadata  []byte
	deviceInfo      []byte
	timeline        []byte
	consoleErrors   []byte
	networkFailures []byte
}

func encodeReportJSON(report Report) (reportJSON, error) {
	var (
		encoded reportJSON
		err     error
	)
	if encoded.userContext, err = marshalNullable(report.UserContext); err != nil {
		return reportJSON{}, err
	}
	if encoded.customMetadata, err = marshalNullable(report.CustomMetadata); err != nil {
		return reportJSON{}, err
	}
	if encoded.deviceInfo, err = marshalNullable(report.DeviceInfo); err != nil {
		return reportJSON{}, err
	}
	if encoded.timeline, err = marshalList(report.Timeline); err != nil {
		return reportJSON{}, err
	}
	if encoded.consoleErrors, err = marshalList(report.ConsoleErrors); err != nil {
		return reportJSON{}, err
	}
	if encoded.networkFailures, err = marshalList(report.NetworkFailures); err != nil {
		return reportJSON{}, err
	}
	return encoded, nil
}

func scanReport(row rowScanner) (Report, error) {
	var (
		report  Report
		encoded reportJSON
	)
	err := row.Scan(
		&report.ID,
		&report.ProjectID,
		&report.GroupID,
		&report.Status,
		&report.AssignedTo,
		&report.Message,
		&report.Category,
		&report.Severity,
		&report.ReporterEmail,
		&encoded.userContext,
		&encoded.customMetadata,
		&encoded.deviceInfo,
		&report.PageURL,
		&encoded.timeline,
		&encoded.consoleErrors,
		&encoded.networkFailures,
		&report.ConsentGiven,
		&report.SearchText,
		&report.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Report{}, ErrNotFound
		}
		return Report{}, err
	}

	targets := []struct {
		raw  []byte
		dest any
	}{
		{encoded.userContext, &report.UserContext},
		{encoded.customMetadata, &report.CustomMetadata},
		{encoded.deviceInfo, &report.DeviceInfo},
		{encoded.timeline, &report.Timeline},
		{encoded.consoleErrors, &report.ConsoleErrors},
		{encoded.networkFailures, &report.NetworkFailures},
	}
	for _, target := range targets {
		if len(target.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(target.raw, target.dest); err != nil {
			return Report{}, fmt.Errorf("decode report %s: %w", report.ID, err)
		}
	}
	return report, nil
}

func marshalNullable(value map[string]any) ([]byte, error) {
	if value == nil {
		return nil, nil
	}
	return json.Marshal(value)
}

func marshalList[T any](values []T) ([]byte, error) {
	if values == nil {
		values = []T{}
	}
	return json.Marshal(values)
}

func emptyPage(filter ReportFilter) ReportPage {
	return ReportPage{Reports: []Report{}, Limit: filter.Limit, Offset: filter.Offset}
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

func validUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
