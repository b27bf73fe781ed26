package reconcile

import (
	"encoding/json"
	"time"

	"github.com/fentz26/deepsearch/internal/models"
)

// EventType is the envelope discriminator on the event stream.
type EventType string

const (
	EventStepUpdate      EventType = "step_update"
	EventSearchComplete  EventType = "search_complete"
	EventSearchCancelled EventType = "search_cancelled"
	EventError           EventType = "error"
	EventSessionReset    EventType = "session_reset"

	// Housekeeping messages the orchestrator also sends; recognised and ignored.
	EventConnection EventType = "connection"
	EventHeartbeat  EventType = "heartbeat"
	EventPong       EventType = "pong"
)

// Envelope is the outer shape of every inbound message.
type Envelope struct {
	Type      EventType       `json:"type"`
	SearchID  string          `json:"search_id,omitempty"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// StepUpdateData is the payload of step_update.
type StepUpdateData struct {
	StepID   string               `json:"step_id"`
	StepType string               `json:"step_type"`
	Status   string               `json:"status"`
	Title    string               `json:"title"`
	Content  string               `json:"content,omitempty"`
	Metadata *models.StepMetadata `json:"metadata,omitempty"`
}

// SearchCompleteData is the payload of search_complete. Only Result drives state.
type SearchCompleteData struct {
	SearchID   string  `json:"search_id"`
	Result     string  `json:"result"`
	TotalSteps int     `json:"total_steps"`
	Duration   float64 `json:"duration"`
}

// SearchCancelledData is the payload of search_cancelled.
type SearchCancelledData struct {
	SearchID string `json:"search_id"`
	Message  string `json:"message"`
}

// ErrorData is the payload of error. Recoverable is accepted but does not
// change how the error is applied.
type ErrorData struct {
	Error       string `json:"error"`
	StepID      string `json:"step_id,omitempty"`
	Recoverable bool   `json:"recoverable"`
}

// SessionResetData is the payload of session_reset.
type SessionResetData struct {
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// UnmarshalJSON tolerates timestamps the orchestrator emits without a zone
// ("2024-05-01T10:00:00.123456") as well as RFC 3339.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	type wire struct {
		Type      EventType       `json:"type"`
		SearchID  string          `json:"search_id,omitempty"`
		Data      json.RawMessage `json:"data"`
		Timestamp string          `json:"timestamp"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Type = w.Type
	e.SearchID = w.SearchID
	e.Data = w.Data
	e.Timestamp = parseTimestamp(w.Timestamp)
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func parseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
