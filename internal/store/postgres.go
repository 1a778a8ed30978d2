package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/pgtype"

	"pipeline-orchestrator/internal/models"
)

// Postgres wraps pgxpool for durable persistence of jobs, sessions and costs.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, queue_name, natural_key, owner_id, workflow_id, payload, status, attempt, max_attempts,
	progress_percent, last_tool, timeout_ms, cancel_requested, worker_id, result, last_error, next_run_at, created_at, updated_at`

// CreateJob inserts a queued job. If a queued, active or completed job holds
// the natural key, that job is returned with existing=true instead.
func (s *Postgres) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal payload: %w", err)
	}
	now := time.Now().UTC()
	runAt := p.RunAt
	if runAt.IsZero() {
		runAt = now
	}

	// The live natural-key index can lose a race to a concurrent transition
	// out of a live state, so look twice before giving up.
	for i := 0; i < 2; i++ {
		id := uuid.New().String()
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO jobs (id, queue_name, natural_key, owner_id, workflow_id, payload, status, attempt, max_attempts, timeout_ms, next_run_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9, $10, $11, $11)
			ON CONFLICT (natural_key) WHERE natural_key IS NOT NULL AND status IN ('queued', 'active', 'completed') DO NOTHING
		`, id, p.QueueName, emptyToNil(p.NaturalKey), p.OwnerID, p.WorkflowID, payloadJSON, models.StatusQueued,
			p.MaxAttempts, p.Timeout.Milliseconds(), runAt, now)
		if err != nil {
			return models.Job{}, false, fmt.Errorf("insert job: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return models.Job{
				ID:          id,
				QueueName:   p.QueueName,
				NaturalKey:  p.NaturalKey,
				OwnerID:     p.OwnerID,
				WorkflowID:  p.WorkflowID,
				Payload:     p.Payload,
				Status:      models.StatusQueued,
				Attempt:     1,
				MaxAttempts: p.MaxAttempts,
				Timeout:     p.Timeout,
				NextRunAt:   runAt,
				CreatedAt:   now,
				UpdatedAt:   now,
			}, false, nil
		}

		existing, err := s.findLiveByNaturalKey(ctx, p.NaturalKey)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return models.Job{}, false, err
		}
		return existing, true, nil
	}
	return models.Job{}, false, errors.New("natural key conflict but no live job found")
}

func (s *Postgres) findLiveByNaturalKey(ctx context.Context, key string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE natural_key = $1 AND status IN ('queued', 'active', 'completed')
		ORDER BY created_at DESC LIMIT 1`, key)
	return scanJob(row)
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// ListStaleQueued returns queued jobs whose run time is at or before cutoff,
// oldest first.
func (s *Postgres) ListStaleQueued(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND next_run_at <= $2
		ORDER BY next_run_at LIMIT $3`, models.StatusQueued, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale queued: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClaimJob is the single conditional update that makes a worker the owner of
// a queued job.
func (s *Postgres) ClaimJob(ctx context.Context, id, workerID string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET status = $2, worker_id = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
		RETURNING `+jobColumns, id, models.StatusActive, workerID, models.StatusQueued)
	job, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		current, getErr := s.GetJob(ctx, id)
		if getErr != nil {
			return models.Job{}, false, getErr
		}
		return current, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// RecordProgress writes percent and tool while the job is still in status
// for the given attempt. Late writes from a superseded attempt are dropped and
// reported as not applied.
func (s *Postgres) RecordProgress(ctx context.Context, id string, attempt int, status string, percent int, tool string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET progress_percent = $4,
		    last_tool = CASE WHEN $5::text = '' THEN last_tool ELSE $5::text END,
		    updated_at = NOW()
		WHERE id = $1 AND attempt = $2 AND status = $3
	`, id, attempt, status, percent, tool)
	if err != nil {
		return false, fmt.Errorf("record progress: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteJob transitions an active attempt to completed with its result.
func (s *Postgres) CompleteJob(ctx context.Context, id string, attempt int, result map[string]any) (bool, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("marshal result: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $3, result = $4, progress_percent = 100, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND attempt = $2 AND status = $5
	`, id, attempt, models.StatusCompleted, resultJSON, models.StatusActive)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FinishJob moves a queued or active attempt to a terminal status.
func (s *Postgres) FinishJob(ctx context.Context, id string, attempt int, status, lastErr string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1 AND attempt = $2 AND status IN ($5, $6)
	`, id, attempt, status, emptyToNil(lastErr), models.StatusQueued, models.StatusActive)
	if err != nil {
		return false, fmt.Errorf("finish job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RetryJob puts an active attempt back to queued as attempt+1.
func (s *Postgres) RetryJob(ctx context.Context, id string, attempt int, nextRun time.Time, lastErr string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $3, attempt = attempt + 1, next_run_at = $4, last_error = $5, worker_id = '', updated_at = NOW()
		WHERE id = $1 AND attempt = $2 AND status = $6
	`, id, attempt, models.StatusQueued, nextRun, emptyToNil(lastErr), models.StatusActive)
	if err != nil {
		return false, fmt.Errorf("retry job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CancelJob sets the cancel flag on a live job and cancels it outright when
// it is still queued.
func (s *Postgres) CancelJob(ctx context.Context, id string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET cancel_requested = TRUE,
		    status = CASE WHEN status = $2 THEN $3 ELSE status END,
		    updated_at = NOW()
		WHERE id = $1 AND status IN ($2, $4)
		RETURNING `+jobColumns, id, models.StatusQueued, models.StatusCancelled, models.StatusActive)
	job, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		current, getErr := s.GetJob(ctx, id)
		if getErr != nil {
			return models.Job{}, false, getErr
		}
		return current, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, job.Status == models.StatusCancelled, nil
}

func (s *Postgres) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flag bool
	err := s.pool.QueryRow(ctx, `SELECT cancel_requested FROM jobs WHERE id = $1`, id).Scan(&flag)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return flag, nil
}

// AppendAudit adds an audit row.
func (s *Postgres) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

func (s *Postgres) SaveSession(ctx context.Context, sess models.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (workflow_id, session_ref, step, accumulated_cost_usd, saved_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (workflow_id) DO UPDATE
		SET session_ref = EXCLUDED.session_ref, step = EXCLUDED.step,
		    accumulated_cost_usd = EXCLUDED.accumulated_cost_usd, saved_at = EXCLUDED.saved_at
	`, sess.WorkflowID, sess.SessionRef, sess.Step, sess.AccumulatedCostUSD, sess.SavedAt)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *Postgres) GetSession(ctx context.Context, workflowID string) (models.Session, bool, error) {
	var sess models.Session
	err := s.pool.QueryRow(ctx, `
		SELECT workflow_id, session_ref, step, accumulated_cost_usd, saved_at FROM sessions WHERE workflow_id = $1
	`, workflowID).Scan(&sess.WorkflowID, &sess.SessionRef, &sess.Step, &sess.AccumulatedCostUSD, &sess.SavedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Session{}, false, nil
	}
	if err != nil {
		return models.Session{}, false, fmt.Errorf("get session: %w", err)
	}
	return sess, true, nil
}

func (s *Postgres) DeleteSession(ctx context.Context, workflowID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE workflow_id = $1`, workflowID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *Postgres) AppendCost(ctx context.Context, rec models.CostRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cost_records (id, owner_id, workflow_id, job_id, unit_tag, input_units, output_units, items, cost_usd, duration_ms, success, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, rec.ID, rec.OwnerID, emptyToNil(rec.WorkflowID), emptyToNil(rec.JobID), rec.UnitTag,
		rec.InputUnits, rec.OutputUnits, rec.Items, rec.CostUSD, rec.DurationMs, rec.Success, rec.RecordedAt)
	if err != nil {
		return fmt.Errorf("append cost: %w", err)
	}
	return nil
}

func (s *Postgres) JobCost(ctx context.Context, jobID string) (float64, error) {
	var total float64
	if err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(cost_usd), 0) FROM cost_records WHERE job_id = $1
	`, jobID).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum job cost: %w", err)
	}
	return total, nil
}

func (s *Postgres) OwnerDailyCost(ctx context.Context, ownerID string, day time.Time) (float64, error) {
	start, end := dayBounds(day)
	var total float64
	if err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(cost_usd), 0) FROM cost_records
		WHERE owner_id = $1 AND recorded_at >= $2 AND recorded_at < $3
	`, ownerID, start, end).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum owner daily cost: %w", err)
	}
	return total, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payloadJSON, resultJSON []byte
	var naturalKey, lastErr pgtype.Text
	var timeoutMs int64

	if err := row.Scan(&job.ID, &job.QueueName, &naturalKey, &job.OwnerID, &job.WorkflowID, &payloadJSON, &job.Status,
		&job.Attempt, &job.MaxAttempts, &job.ProgressPercent, &job.LastTool, &timeoutMs, &job.CancelRequested,
		&job.WorkerID, &resultJSON, &lastErr, &job.NextRunAt, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	job.NaturalKey = naturalKey.String
	job.Timeout = time.Duration(timeoutMs) * time.Millisecond
	job.LastError = textPtr(lastErr)
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
