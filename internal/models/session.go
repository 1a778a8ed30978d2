package models

import "time"

// Session points at a resumable multi-turn run. One per workflow.
type Session struct {
	WorkflowID         string    `json:"workflow_id"`
	SessionRef         string    `json:"session_ref"`
	Step               string    `json:"step"`
	AccumulatedCostUSD float64   `json:"accumulated_cost_usd"`
	SavedAt            time.Time `json:"saved_at"`
}

// CostRecord is an append-only spend entry. WorkflowID and JobID may be empty.
type CostRecord struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	WorkflowID  string    `json:"workflow_id,omitempty"`
	JobID       string    `json:"job_id,omitempty"`
	UnitTag     string    `json:"unit_tag"`
	InputUnits  int64     `json:"input_units"`
	OutputUnits int64     `json:"output_units"`
	Items       int64     `json:"items"`
	CostUSD     float64   `json:"cost_usd"`
	DurationMs  int64     `json:"duration_ms"`
	Success     bool      `json:"success"`
	RecordedAt  time.Time `json:"recorded_at"`
}
