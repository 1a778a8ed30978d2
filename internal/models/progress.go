package models

import "time"

// Progress event types broadcast on a workflow topic.
const (
	EventToolStart      = "tool-start"
	EventToolComplete   = "tool-complete"
	EventToolError      = "tool-error"
	EventRetryScheduled = "retry-scheduled"

	EventCompleted      = "completed"
	EventDeadLettered   = "dead-lettered"
	EventCancelled      = "cancelled"
	EventBudgetExceeded = "budget-exceeded"
	EventFailed         = "failed"
)

// IsTerminalEvent reports whether the event closes out a job.
func IsTerminalEvent(eventType string) bool {
	switch eventType {
	case EventCompleted, EventDeadLettered, EventCancelled, EventBudgetExceeded, EventFailed:
		return true
	}
	return false
}

// ProgressEvent is the message pushed to subscribers. Status, ProgressPercent
// and Tool are also written onto the job record.
type ProgressEvent struct {
	Type            string         `json:"type"`
	JobID           string         `json:"jobId"`
	WorkflowID      string         `json:"workflowId,omitempty"`
	Attempt         int            `json:"-"`
	Status          string         `json:"status"`
	Tool            string         `json:"tool,omitempty"`
	ProgressPercent int            `json:"progressPercent"`
	Timestamp       time.Time      `json:"timestamp"`
	ResultSummary   string         `json:"resultSummary,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
}
