package store

import (
	"encoding/json"
	"time"
)

const (
	StatusNew        = "new"
	StatusInProgress = "in_progress"
	StatusResolved   = "resolved"
	StatusClosed     = "closed"

	DefaultRetentionDays = 90
)

type Project struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	APIKey         string    `json:"apiKey"`
	AllowedDomains []string  `json:"allowedDomains"`
	WebhookURL     *string   `json:"webhookUrl"`
	RetentionDays  int       `json:"retentionDays"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Report payload fields are written once at ingestion; only Status,
// AssignedTo and Comments change afterwards.
type Report struct {
	ID              string            `json:"id"`
	ProjectID       string            `json:"projectId"`
	GroupID         *string           `json:"groupId"`
	Status          string            `json:"status"`
	AssignedTo      *string           `json:"assignedTo"`
	Message         string            `json:"message"`
	Category        string            `json:"category"`
	Severity        string            `json:"severity"`
	ReporterEmail   string            `json:"reporterEmail,omitempty"`
	UserContext     map[string]any    `json:"userContext,omitempty"`
	CustomMetadata  map[string]any    `json:"customMetadata,omitempty"`
	DeviceInfo      map[string]any    `json:"deviceInfo,omitempty"`
	PageURL         string            `json:"pageUrl,omitempty"`
	Timeline        []json.RawMessage `json:"timeline"`
	ConsoleErrors   []map[string]any  `json:"consoleErrors"`
	NetworkFailures []map[string]any  `json:"networkFailures"`
	ConsentGiven    bool              `json:"consentGiven"`
	SearchText      string            `json:"-"`
	CreatedAt       time.Time         `json:"createdAt"`
	Attachments     []Attachment      `json:"attachments"`
	Comments        []Comment         `json:"comments"`
}

type Attachment struct {
	ID       string `json:"id"`
	ReportID string `json:"reportId"`
	Filename string `json:"filename"`
	Path     string `json:"-"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

type Comment struct {
	ID        string    `json:"id"`
	ReportID  string    `json:"reportId"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

type ProjectUpdate struct {
	Name           *string
	AllowedDomains []string
	WebhookURL     *string
	RetentionDays  *int
}

type ReportUpdate struct {
	Status     *string
	AssignedTo *string
}

type ReportFilter struct {
	ProjectID string
	Status    string
	Category  string
	Severity  string
	GroupID   string
	Query     string
	Limit     int
	Offset    int
}

type ReportPage struct {
	Reports []Report `json:"reports"`
	Total   int      `json:"total"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
}

type PurgeResult struct {
	DeletedReports  int      `json:"deletedReports"`
	AttachmentPaths []string `json:"-"`
	RetentionDays   int      `json:"retentionDays"`
}

// FirstConsoleError returns the message of the first captured console error.
func (r Report) FirstConsoleError() string {
	if len(r.ConsoleErrors) == 0 {
		return ""
	}
	message, _ := r.ConsoleErrors[0]["message"].(string)
	return message
}

func (f ReportFilter) normalized() ReportFilter {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 200 {
		f.Limit = 200
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

func ValidStatus(status string) bool {
	switch status {
	case StatusNew, StatusInProgress, StatusResolved, StatusClosed:
		return true
	}
	return false
}
