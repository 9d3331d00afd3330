package ingest

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	"oopsie/internal/store"
)

const (
	defaultCategory = "other"
	defaultSeverity = "medium"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ReportInput is the JSON body sent by the SDK.
type ReportInput struct {
	Message         string            `json:"message" validate:"required,max=10000"`
	Category        string            `json:"category" validate:"omitempty,oneof=ui crash performance other"`
	Severity        string            `json:"severity" validate:"omitempty,oneof=low medium high critical"`
	ReporterEmail   string            `json:"reporterEmail" validate:"omitempty,email,max=320"`
	ConsentGiven    bool              `json:"consentGiven"`
	UserContext     map[string]any    `json:"userContext"`
	CustomMetadata  map[string]any    `json:"customMetadata"`
	DeviceInfo      map[string]any    `json:"deviceInfo"`
	PageURL         string            `json:"pageUrl" validate:"max=2048"`
	Timeline        []json.RawMessage `json:"timeline" validate:"max=5000"`
	ConsoleErrors   []map[string]any  `json:"consoleErrors" validate:"max=1000"`
	NetworkFailures []map[string]any  `json:"networkFailures" validate:"max=1000"`
}

func (in *ReportInput) normalize() {
	in.Message = strings.TrimSpace(in.Message)
	in.ReporterEmail = strings.TrimSpace(in.ReporterEmail)
	in.PageURL = strings.TrimSpace(in.PageURL)
	if in.Category == "" {
		in.Category = defaultCategory
	}
	if in.Severity == "" {
		in.Severity = defaultSeverity
	}
}

func (in ReportInput) Validate() error {
	return validate.Struct(in)
}

func (in ReportInput) toReport(reportID, projectID string) store.Report {
	return store.Report{
		ID:              reportID,
		ProjectID:       projectID,
		Status:          store.StatusNew,
		Message:         in.Message,
		Category:        in.Category,
		Severity:        in.Severity,
		ReporterEmail:   in.ReporterEmail,
		UserContext:     in.UserContext,
		CustomMetadata:  in.CustomMetadata,
		DeviceInfo:      in.DeviceInfo,
		PageURL:         in.PageURL,
		Timeline:        in.Timeline,
		ConsoleErrors:   in.ConsoleErrors,
		NetworkFailures: in.NetworkFailures,
		ConsentGiven:    in.ConsentGiven,
	}
}

// SearchText joins the non-empty searchable fields with single spaces.
func SearchText(report store.Report) string {
	parts := make([]string, 0, 4)
	for _, value := range []string{report.Message, report.PageURL, report.ReporterEmail, report.Category} {
		if value != "" {
			parts = append(parts, value)
		}
	}
	return strings.Join(parts, " ")
}

func describeValidation(err error) string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) || len(validationErrors) == 0 {
		return "invalid report payload"
	}

	fields := make([]string, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		fields = append(fields, fieldErr.Field()+" ("+fieldErr.Tag()+")")
	}
	return "invalid fields: " + strings.Join(fields, ", ")
}
