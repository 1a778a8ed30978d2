package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"pipeline-orchestrator/internal/models"
)

// Memory is a process-local store with the same method set as Postgres.
// It backs single-node development and tests.
type Memory struct {
	mu        sync.Mutex
	jobs      map[string]*models.Job
	byKey     map[string]string
	sessions  map[string]models.Session
	costs     []models.CostRecord
	audit     []models.AuditLog
	failWrite error
}

func NewMemory() *Memory {
	return &Memory{
		jobs:     make(map[string]*models.Job),
		byKey:    make(map[string]string),
		sessions: make(map[string]models.Session),
	}
}

// FailWrites makes every subsequent write return err (nil restores).
func (m *Memory) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrite = err
}

func cloneJob(j *models.Job) models.Job {
	out := *j
	if j.Result != nil {
		out.Result = make(map[string]any, len(j.Result))
		for k, v := range j.Result {
			out.Result[k] = v
		}
	}
	if j.LastError != nil {
		msg := *j.LastError
		out.LastError = &msg
	}
	return out
}

// CreateJob inserts a queued job unless the natural key is already held by a
// queued, active or completed job, in which case that job is returned.
func (m *Memory) CreateJob(_ context.Context, p CreateJobParams) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite != nil {
		return models.Job{}, false, m.failWrite
	}
	if p.NaturalKey != "" {
		if id, ok := m.byKey[p.NaturalKey]; ok {
			if existing := m.jobs[id]; existing != nil && blocksNaturalKey(existing.Status) {
				return cloneJob(existing), true, nil
			}
		}
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	now := time.Now().UTC()
	runAt := p.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	job := &models.Job{
		ID:          uuid.New().String(),
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
	}
	m.jobs[job.ID] = job
	if p.NaturalKey != "" {
		m.byKey[p.NaturalKey] = job.ID
	}
	return cloneJob(job), false, nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return cloneJob(j), nil
}

// ClaimJob moves a queued job to active. ok is false when another worker won.
func (m *Memory) ListStaleQueued(_ context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var jobs []models.Job
	for _, j := range m.jobs {
		if j.Status == models.StatusQueued && !j.NextRunAt.After(cutoff) {
			jobs = append(jobs, cloneJob(j))
		}
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].NextRunAt.Before(jobs[b].NextRunAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (m *Memory) ClaimJob(_ context.Context, id, workerID string) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite != nil {
		return models.Job{}, false, m.failWrite
	}
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, false, ErrNotFound
	}
	if j.Status != models.StatusQueued {
		return cloneJob(j), false, nil
	}
	j.Status = models.StatusActive
	j.WorkerID = workerID
	j.UpdatedAt = time.Now().UTC()
	return cloneJob(j), true, nil
}

// RecordProgress applies only while the job is still in status for attempt.
func (m *Memory) RecordProgress(_ context.Context, id string, attempt int, status string, percent int, tool string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite != nil {
		return false, m.failWrite
	}
	j, ok := m.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	if j.Status != status || j.Attempt != attempt {
		return false, nil
	}
	j.ProgressPercent = percent
	if tool != "" {
		j.LastTool = tool
	}
	j.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *Memory) CompleteJob(_ context.Context, id string, attempt int, result map[string]any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite != nil {
		return false, m.failWrite
	}
	j, ok := m.jobs[id]
	if !ok || j.Status != models.StatusActive || j.Attempt != attempt {
		return false, nil
	}
	j.Status = models.StatusCompleted
	j.Result = result
	j.ProgressPercent = 100
	j.LastError = nil
	j.UpdatedAt = time.Now().UTC()
	return true, nil
}

// FinishJob moves a queued or active job of the given attempt to a terminal status.
func (m *Memory) FinishJob(_ context.Context, id string, attempt int, status, lastErr string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite != nil {
		return false, m.failWrite
	}
	j, ok := m.jobs[id]
	if !ok || j.Attempt != attempt {
		return false, nil
	}
	if j.Status != models.StatusActive && j.Status != models.StatusQueued {
		return false, nil
	}
	j.Status = status
	j.LastError = emptyToNil(lastErr)
	j.UpdatedAt = time.Now().UTC()
	return true, nil
}

// RetryJob requeues an active attempt as attempt+1 to run at nextRun.
func (m *Memory) RetryJob(_ context.Context, id string, attempt int, nextRun time.Time, lastErr string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite != nil {
		return false, m.failWrite
	}
	j, ok := m.jobs[id]
	if !ok || j.Status != models.StatusActive || j.Attempt != attempt {
		return false, nil
	}
	j.Status = models.StatusQueued
	j.Attempt = attempt + 1
	j.NextRunAt = nextRun
	j.LastError = emptyToNil(lastErr)
	j.WorkerID = ""
	j.UpdatedAt = time.Now().UTC()
	return true, nil
}

// CancelJob flags a live job. A queued job is cancelled on the spot and
// cancelled reports true; an active one only gets the flag.
func (m *Memory) CancelJob(_ context.Context, id string) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite != nil {
		return models.Job{}, false, m.failWrite
	}
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, false, ErrNotFound
	}
	switch j.Status {
	case models.StatusQueued:
		j.Status = models.StatusCancelled
		j.CancelRequested = true
		j.UpdatedAt = time.Now().UTC()
		return cloneJob(j), true, nil
	case models.StatusActive:
		j.CancelRequested = true
		j.UpdatedAt = time.Now().UTC()
	}
	return cloneJob(j), false, nil
}

func (m *Memory) CancelRequested(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	return j.CancelRequested, nil
}

func (m *Memory) AppendAudit(_ context.Context, jobID, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, models.AuditLog{JobID: jobID, Event: event, Detail: detail, Recorded: time.Now().UTC()})
	return nil
}

// AuditTrail returns the audit events recorded for a job, oldest first.
func (m *Memory) AuditTrail(jobID string) []models.AuditLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditLog
	for _, a := range m.audit {
		if a.JobID == jobID {
			out = append(out, a)
		}
	}
	return out
}

func (m *Memory) SaveSession(_ context.Context, s models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite != nil {
		return m.failWrite
	}
	m.sessions[s.WorkflowID] = s
	return nil
}

func (m *Memory) GetSession(_ context.Context, workflowID string) (models.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[workflowID]
	return s, ok, nil
}

func (m *Memory) DeleteSession(_ context.Context, workflowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite != nil {
		return m.failWrite
	}
	delete(m.sessions, workflowID)
	return nil
}

func (m *Memory) AppendCost(_ context.Context, rec models.CostRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite != nil {
		return m.failWrite
	}
	m.costs = append(m.costs, rec)
	return nil
}

// CostRecords returns a copy of the append log.
func (m *Memory) CostRecords() []models.CostRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.CostRecord(nil), m.costs...)
}

func (m *Memory) JobCost(_ context.Context, jobID string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total float64
	for _, c := range m.costs {
		if c.JobID == jobID {
			total += c.CostUSD
		}
	}
	return total, nil
}

func (m *Memory) OwnerDailyCost(_ context.Context, ownerID string, day time.Time) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start, end := dayBounds(day)
	var total float64
	for _, c := range m.costs {
		if c.OwnerID == ownerID && !c.RecordedAt.Before(start) && c.RecordedAt.Before(end) {
			total += c.CostUSD
		}
	}
	return total, nil
}
