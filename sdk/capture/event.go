// Package capture records recent host activity into a time-bounded buffer that
// is attached to bug reports as context.
package capture

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventNavigation     EventType = "navigation"
	EventClick          EventType = "click"
	EventConsoleError   EventType = "console_error"
	EventNetworkFailure EventType = "network_failure"
)

// EventData is the per-type payload of an Event. It is implemented only by the
// variant types declared in this package.
type EventData interface {
	eventType() EventType
}

type Navigation struct {
	URL      string `json:"url"`
	Referrer string `json:"referrer,omitempty"`
}

type Click struct {
	Selector string `json:"selector"`
	TagName  string `json:"tagName,omitempty"`
	Text     string `json:"textContent,omitempty"`
	X        int    `json:"x"`
	Y        int    `json:"y"`
}

type ConsoleError struct {
	Message   string `json:"message"`
	Source    string `json:"source,omitempty"`
	Line      int    `json:"lineno,omitempty"`
	Column    int    `json:"colno,omitempty"`
	Stack     string `json:"stack,omitempty"`
	Unhandled bool   `json:"unhandledRejection,omitempty"`
}

type NetworkFailure struct {
	URL            string            `json:"url"`
	Method         string            `json:"method"`
	Status         int               `json:"status"`
	DurationMs     int64             `json:"duration"`
	RequestHeaders map[string]string `json:"requestHeaders,omitempty"`
	Error          string            `json:"error,omitempty"`
}

func (Navigation) eventType() EventType     { return EventNavigation }
func (Click) eventType() EventType          { return EventClick }
func (ConsoleError) eventType() EventType   { return EventConsoleError }
func (NetworkFailure) eventType() EventType { return EventNetworkFailure }

// Event is immutable once pushed into a Buffer.
type Event struct {
	Timestamp time.Time
	Data      EventData
}

func NewEvent(at time.Time, data EventData) Event {
	return Event{Timestamp: at, Data: data}
}

func (e Event) Type() EventType {
	if e.Data == nil {
		return ""
	}
	return e.Data.eventType()
}

// Fields returns the variant fields as a generic map, the shape used for the
// consoleErrors and networkFailures lists of a report.
func (e Event) Fields() map[string]any {
	fields := map[string]any{}
	if e.Data == nil {
		return fields
	}
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return fields
	}
	_ = json.Unmarshal(raw, &fields)
	return fields
}

// MarshalJSON flattens the event into {type, timestamp, ...fields} with the
// timestamp in epoch milliseconds.
func (e Event) MarshalJSON() ([]byte, error) {
	flat := e.Fields()
	flat["type"] = string(e.Type())
	flat["timestamp"] = e.Timestamp.UnixMilli()
	return json.Marshal(flat)
}
