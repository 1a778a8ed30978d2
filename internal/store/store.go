package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pipeline-orchestrator/internal/models"
)

// ErrNotFound is returned when a job or session does not exist.
var ErrNotFound = errors.New("not found")

// Backend is the full method set shared by Postgres and Memory.
type Backend interface {
	CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListStaleQueued(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error)
	ClaimJob(ctx context.Context, id, workerID string) (models.Job, bool, error)
	RecordProgress(ctx context.Context, id string, attempt int, status string, percent int, tool string) (bool, error)
	CompleteJob(ctx context.Context, id string, attempt int, result map[string]any) (bool, error)
	FinishJob(ctx context.Context, id string, attempt int, status, lastErr string) (bool, error)
	RetryJob(ctx context.Context, id string, attempt int, nextRun time.Time, lastErr string) (bool, error)
	CancelJob(ctx context.Context, id string) (models.Job, bool, error)
	CancelRequested(ctx context.Context, id string) (bool, error)
	AppendAudit(ctx context.Context, jobID, event, detail string) error

	SaveSession(ctx context.Context, s models.Session) error
	GetSession(ctx context.Context, workflowID string) (models.Session, bool, error)
	DeleteSession(ctx context.Context, workflowID string) error

	AppendCost(ctx context.Context, rec models.CostRecord) error
	JobCost(ctx context.Context, jobID string) (float64, error)
	OwnerDailyCost(ctx context.Context, ownerID string, day time.Time) (float64, error)
}

var (
	_ Backend = (*Postgres)(nil)
	_ Backend = (*Memory)(nil)
)

// Open returns the configured backend ("postgres" or "memory") and a close
// function. Postgres is migrated before it is returned.
func Open(ctx context.Context, backend, dsn string) (Backend, func(), error) {
	switch backend {
	case "memory":
		return NewMemory(), func() {}, nil
	case "", "postgres":
		pg, err := NewPostgres(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		return pg, pg.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	QueueName   string
	NaturalKey  string
	OwnerID     string
	WorkflowID  string
	Payload     map[string]any
	MaxAttempts int
	Timeout     time.Duration
	RunAt       time.Time
}

// dedupeStatuses are the states in which a job answers for its natural key.
var dedupeStatuses = []string{models.StatusQueued, models.StatusActive, models.StatusCompleted}

func blocksNaturalKey(status string) bool {
	for _, s := range dedupeStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func dayBounds(day time.Time) (time.Time, time.Time) {
	d := day.UTC()
	start := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
