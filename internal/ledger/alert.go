package ledger

import (
	"context"
	"log"

	"pipeline-orchestrator/internal/telemetry"
)

const (
	LevelWarning = "warning"

	TagSingleJob = "single-job"
	TagDailyUser = "daily-user"
)

// Alert is an advisory anomaly signal.
type Alert struct {
	Level        string
	Tag          string
	Message      string
	OwnerID      string
	WorkflowID   string
	JobID        string
	CostUSD      float64
	ThresholdUSD float64
}

// AlertSink receives anomaly signals. Delivery is its own business.
type AlertSink interface {
	Alert(ctx context.Context, a Alert)
}

// LogAlerter writes alerts to the process log and counts them.
type LogAlerter struct{}

func (LogAlerter) Alert(_ context.Context, a Alert) {
	telemetry.CostAlerts.WithLabelValues(a.Tag).Inc()
	log.Printf("alert level=%s tag=%s owner=%s workflow=%s job=%s cost_usd=%.6f threshold_usd=%.2f msg=%q",
		a.Level, a.Tag, a.OwnerID, a.WorkflowID, a.JobID, a.CostUSD, a.ThresholdUSD, a.Message)
}
