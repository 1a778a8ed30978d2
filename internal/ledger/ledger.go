// Package ledger prices units of work, appends cost records and raises
// advisory alerts when spend looks anomalous. It never blocks spend; the hard
// ceiling lives in the pipeline runner.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"pipeline-orchestrator/internal/models"
	"pipeline-orchestrator/internal/telemetry"
)

// Usage is what one unit of work consumed.
type Usage struct {
	UnitTag     string `json:"unit"`
	InputUnits  int64  `json:"input_units,omitempty"`
	OutputUnits int64  `json:"output_units,omitempty"`
	Items       int64  `json:"items,omitempty"`
}

// Price is either metered (per million input/output units) or flat per item.
type Price struct {
	PerMillionInput  float64
	PerMillionOutput float64
	PerItem          float64
}

// DefaultPrices is the static price table used by the worker.
var DefaultPrices = map[string]Price{
	"claude-sonnet":  {PerMillionInput: 3.00, PerMillionOutput: 15.00},
	"claude-haiku":   {PerMillionInput: 0.80, PerMillionOutput: 4.00},
	"claude-opus":    {PerMillionInput: 15.00, PerMillionOutput: 75.00},
	"image-generate": {PerItem: 0.04},
	"image-edit":     {PerItem: 0.02},
	"web-scrape":     {PerItem: 0.002},
	"web-search":     {PerItem: 0.01},
	"simulated":      {PerItem: 0.01},
}

const pricePrecision = 1e6

// ComputeCost prices usage against the table, rounded to 6 decimals.
// Unknown tags cost nothing and log a warning.
func ComputeCost(prices map[string]Price, u Usage) float64 {
	p, ok := prices[u.UnitTag]
	if !ok {
		log.Printf("ledger: no price for unit %q, recording zero cost", u.UnitTag)
		return 0
	}
	cost := float64(u.InputUnits)/1e6*p.PerMillionInput +
		float64(u.OutputUnits)/1e6*p.PerMillionOutput +
		float64(u.Items)*p.PerItem
	return round(cost)
}

func round(v float64) float64 {
	return math.Round(v*pricePrecision) / pricePrecision
}

// CostStore is the durable append log for cost records.
type CostStore interface {
	AppendCost(ctx context.Context, rec models.CostRecord) error
	JobCost(ctx context.Context, jobID string) (float64, error)
	OwnerDailyCost(ctx context.Context, ownerID string, day time.Time) (float64, error)
}

// Config holds thresholds and the price table.
type Config struct {
	Prices             map[string]Price
	SingleJobThreshold float64
	DailyThreshold     float64
	CounterTTL         time.Duration
}

// Entry describes one finished unit of work.
type Entry struct {
	OwnerID    string
	WorkflowID string
	JobID      string
	Usage      Usage
	Duration   time.Duration
	Success    bool
}

// Ledger records spend. Redis holds the rolling per-owner daily counter.
type Ledger struct {
	cfg    Config
	store  CostStore
	redis  *redis.Client
	alerts AlertSink
	now    func() time.Time
}

// New constructs a ledger. client and alerts may be nil.
func New(cfg Config, store CostStore, client *redis.Client, alerts AlertSink) *Ledger {
	if cfg.Prices == nil {
		cfg.Prices = DefaultPrices
	}
	if cfg.CounterTTL == 0 {
		cfg.CounterTTL = 48 * time.Hour
	}
	if alerts == nil {
		alerts = LogAlerter{}
	}
	return &Ledger{cfg: cfg, store: store, redis: client, alerts: alerts, now: time.Now}
}

// Record prices the entry, logs it, appends it and runs anomaly checks.
// Failures are logged; the caller's pipeline keeps going.
func (l *Ledger) Record(ctx context.Context, e Entry) models.CostRecord {
	cost := ComputeCost(l.cfg.Prices, e.Usage)
	rec := models.CostRecord{
		ID:          uuid.New().String(),
		OwnerID:     e.OwnerID,
		WorkflowID:  e.WorkflowID,
		JobID:       e.JobID,
		UnitTag:     e.Usage.UnitTag,
		InputUnits:  e.Usage.InputUnits,
		OutputUnits: e.Usage.OutputUnits,
		Items:       e.Usage.Items,
		CostUSD:     cost,
		DurationMs:  e.Duration.Milliseconds(),
		Success:     e.Success,
		RecordedAt:  l.now().UTC(),
	}

	log.Printf("cost owner=%s workflow=%s job=%s unit=%s in=%d out=%d items=%d cost_usd=%.6f duration_ms=%d success=%t",
		rec.OwnerID, rec.WorkflowID, rec.JobID, rec.UnitTag, rec.InputUnits, rec.OutputUnits, rec.Items, rec.CostUSD, rec.DurationMs, rec.Success)

	if l.store != nil {
		if err := l.store.AppendCost(ctx, rec); err != nil {
			log.Printf("ledger: append cost record job=%s: %v", rec.JobID, err)
		}
	}

	telemetry.CostUSD.WithLabelValues(rec.UnitTag).Add(cost)
	telemetry.CostRecords.WithLabelValues(rec.UnitTag, strconv.FormatBool(rec.Success)).Inc()

	if cost > 0 {
		l.checkAnomalies(ctx, rec)
	}
	return rec
}

func (l *Ledger) checkAnomalies(ctx context.Context, rec models.CostRecord) {
	if l.cfg.SingleJobThreshold > 0 && rec.CostUSD > l.cfg.SingleJobThreshold {
		l.alerts.Alert(ctx, Alert{
			Level:        LevelWarning,
			Tag:          TagSingleJob,
			Message:      fmt.Sprintf("single unit of work cost $%.4f", rec.CostUSD),
			OwnerID:      rec.OwnerID,
			WorkflowID:   rec.WorkflowID,
			JobID:        rec.JobID,
			CostUSD:      rec.CostUSD,
			ThresholdUSD: l.cfg.SingleJobThreshold,
		})
	}

	if l.redis == nil || rec.OwnerID == "" {
		return
	}
	total, err := l.incrementDaily(ctx, rec.OwnerID, rec.CostUSD)
	if err != nil {
		log.Printf("ledger: increment daily counter owner=%s: %v", rec.OwnerID, err)
		return
	}
	if l.cfg.DailyThreshold > 0 && total > l.cfg.DailyThreshold {
		l.alerts.Alert(ctx, Alert{
			Level:        LevelWarning,
			Tag:          TagDailyUser,
			Message:      fmt.Sprintf("owner daily spend reached $%.4f", total),
			OwnerID:      rec.OwnerID,
			WorkflowID:   rec.WorkflowID,
			JobID:        rec.JobID,
			CostUSD:      total,
			ThresholdUSD: l.cfg.DailyThreshold,
		})
	}
}

func dailyKey(ownerID string, day time.Time) string {
	return fmt.Sprintf("budget:%s:%s", ownerID, day.UTC().Format("2006-01-02"))
}

func (l *Ledger) incrementDaily(ctx context.Context, ownerID string, cost float64) (float64, error) {
	key := dailyKey(ownerID, l.now())
	res, err := dailyIncrScript.Run(ctx, l.redis, []string{key},
		strconv.FormatFloat(cost, 'f', 6, 64), l.cfg.CounterTTL.Milliseconds()).Result()
	if err != nil {
		return 0, err
	}
	switch v := res.(type) {
	case string:
		return strconv.ParseFloat(v, 64)
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("unexpected type from daily counter script: %T", res)
	}
}

// DailyTotal returns the owner's spend for the UTC day. The Redis counter is
// used when present, otherwise the durable log is summed.
func (l *Ledger) DailyTotal(ctx context.Context, ownerID string, day time.Time) (float64, error) {
	if l.redis != nil {
		v, err := l.redis.Get(ctx, dailyKey(ownerID, day)).Float64()
		if err == nil {
			return round(v), nil
		}
		if !errors.Is(err, redis.Nil) {
			log.Printf("ledger: read daily counter owner=%s: %v", ownerID, err)
		}
	}
	if l.store == nil {
		return 0, nil
	}
	total, err := l.store.OwnerDailyCost(ctx, ownerID, day)
	if err != nil {
		return 0, fmt.Errorf("owner daily cost: %w", err)
	}
	return round(total), nil
}

// JobCost sums the durable cost records for a job.
func (l *Ledger) JobCost(ctx context.Context, jobID string) (float64, error) {
	if l.store == nil {
		return 0, nil
	}
	total, err := l.store.JobCost(ctx, jobID)
	if err != nil {
		return 0, fmt.Errorf("job cost: %w", err)
	}
	return round(total), nil
}

// The expiry is set only when the key has none, i.e. on first write of the day.
var dailyIncrScript = redis.NewScript(`
local total = redis.call('INCRBYFLOAT', KEYS[1], ARGV[1])
if redis.call('PTTL', KEYS[1]) == -1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return total
`)
