package models

import (
	"time"
)

// Job lifecycle states persisted in the durable store.
const (
	StatusQueued         = "queued"
	StatusActive         = "active"
	StatusCompleted      = "completed"
	StatusFailed         = "failed"
	StatusDeadLetter     = "dead_lettered"
	StatusCancelled      = "cancelled"
	StatusBudgetExceeded = "budget_exceeded"
)

// IsTerminal reports whether no further transitions are expected for status.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusDeadLetter, StatusCancelled, StatusBudgetExceeded:
		return true
	}
	return false
}

// Job is one durable unit of dispatched, retryable work.
//
// Attempt starts at 1 and is bumped on the same record for every retry. It is
// also the fencing token for writes made on behalf of a given attempt.
type Job struct {
	ID              string         `json:"id"`
	QueueName       string         `json:"queue_name"`
	NaturalKey      string         `json:"natural_key"`
	OwnerID         string         `json:"owner_id"`
	WorkflowID      string         `json:"workflow_id"`
	Payload         map[string]any `json:"payload"`
	Status          string         `json:"status"`
	Attempt         int            `json:"attempt"`
	MaxAttempts     int            `json:"max_attempts"`
	ProgressPercent int            `json:"progress_percent"`
	LastTool        string         `json:"last_tool,omitempty"`
	Timeout         time.Duration  `json:"timeout"`
	CancelRequested bool           `json:"cancel_requested"`
	WorkerID        string         `json:"worker_id,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	LastError       *string        `json:"last_error,omitempty"`
	NextRunAt       time.Time      `json:"next_run_at"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
