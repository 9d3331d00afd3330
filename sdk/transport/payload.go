// Package transport delivers bug reports to the server and keeps the ones that
// could not be delivered in a durable retry queue.
package transport

import (
	"encoding/json"

	"oopsie/sdk/capture"
)

const (
	CategoryUI          = "ui"
	CategoryCrash       = "crash"
	CategoryPerformance = "performance"
	CategoryOther       = "other"

	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// ReportPayload is the unit submitted to the server. It is built once per
// submission and re-sent verbatim on every retry.
type ReportPayload struct {
	Message         string            `json:"message"`
	Category        string            `json:"category"`
	Severity        string            `json:"severity"`
	ReporterEmail   string            `json:"reporterEmail,omitempty"`
	ConsentGiven    bool              `json:"consentGiven"`
	UserContext     map[string]any    `json:"userContext,omitempty"`
	CustomMetadata  map[string]any    `json:"customMetadata,omitempty"`
	DeviceInfo      map[string]any    `json:"deviceInfo"`
	PageURL         string            `json:"pageUrl"`
	Timeline        []json.RawMessage `json:"timeline"`
	ConsoleErrors   []map[string]any  `json:"consoleErrors"`
	NetworkFailures []map[string]any  `json:"networkFailures"`
}

type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// PendingReport is a payload waiting for redelivery. StoredAt is epoch ms.
type PendingReport struct {
	Payload  ReportPayload `json:"payload"`
	StoredAt int64         `json:"storedAt"`
}

// ContextFromTimeline fills the timeline, console error and network failure
// lists of the payload from a buffer snapshot.
func (p *ReportPayload) ContextFromTimeline(events []capture.Event) error {
	p.Timeline = make([]json.RawMessage, 0, len(events))
	p.ConsoleErrors = make([]map[string]any, 0)
	p.NetworkFailures = make([]map[string]any, 0)

	for _, event := range events {
		raw, err := json.Marshal(event)
		if err != nil {
			return err
		}
		p.Timeline = append(p.Timeline, raw)

		switch event.Type() {
		case capture.EventConsoleError:
			p.ConsoleErrors = append(p.ConsoleErrors, event.Fields())
		case capture.EventNetworkFailure:
			p.NetworkFailures = append(p.NetworkFailures, event.Fields())
		}
	}
	return nil
}
