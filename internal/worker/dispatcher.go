package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-playground/validator/v10"

	"pipeline-orchestrator/internal/models"
	"pipeline-orchestrator/internal/progress"
	"pipeline-orchestrator/internal/queue"
	"pipeline-orchestrator/internal/store"
	"pipeline-orchestrator/internal/telemetry"
)

var (
	ErrUnknownQueue   = errors.New("unknown queue")
	ErrInvalidOptions = errors.New("invalid submit options")
)

// Store is the durable job state the dispatcher and processor drive.
type Store interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListStaleQueued(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error)
	ClaimJob(ctx context.Context, id, workerID string) (models.Job, bool, error)
	CompleteJob(ctx context.Context, id string, attempt int, result map[string]any) (bool, error)
	FinishJob(ctx context.Context, id string, attempt int, status, lastErr string) (bool, error)
	RetryJob(ctx context.Context, id string, attempt int, nextRun time.Time, lastErr string) (bool, error)
	CancelJob(ctx context.Context, id string) (models.Job, bool, error)
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Events records and broadcasts progress.
type Events interface {
	Emit(ctx context.Context, topic string, ev models.ProgressEvent) error
}

// SubmitOptions tune a single submission. Zero values take the configured defaults.
type SubmitOptions struct {
	OwnerID     string        `validate:"required,max=128"`
	WorkflowID  string        `validate:"max=128"`
	MaxAttempts int           `validate:"gte=0,lte=25"`
	Timeout     time.Duration `validate:"gte=0"`
	RunAt       time.Time
}

// Submission reports the job that answers a submit call.
type Submission struct {
	JobID    string
	Existing bool
	Job      models.Job
}

// Defaults applied to submissions that leave options unset.
type Defaults struct {
	MaxAttempts int
	Timeout     time.Duration
}

// Dispatcher accepts work and answers job queries and cancellations.
type Dispatcher struct {
	store    Store
	queue    *queue.RedisQueue
	events   Events
	queues   map[string]int
	defaults Defaults
	validate *validator.Validate
}

// NewDispatcher accepts submissions for the named queues. A nil or empty
// queues map accepts any queue name.
func NewDispatcher(st Store, q *queue.RedisQueue, events Events, queues map[string]int, defaults Defaults) *Dispatcher {
	if defaults.MaxAttempts == 0 {
		defaults.MaxAttempts = 3
	}
	if defaults.Timeout == 0 {
		defaults.Timeout = 10 * time.Minute
	}
	return &Dispatcher{
		store:    st,
		queue:    q,
		events:   events,
		queues:   queues,
		defaults: defaults,
		validate: validator.New(),
	}
}

// Submit creates a job unless one already answers for naturalKey. An empty
// naturalKey never deduplicates.
func (d *Dispatcher) Submit(ctx context.Context, queueName, naturalKey string, payload map[string]any, opts SubmitOptions) (Submission, error) {
	if queueName == "" {
		return Submission{}, fmt.Errorf("%w: empty name", ErrUnknownQueue)
	}
	if len(d.queues) > 0 {
		if _, ok := d.queues[queueName]; !ok {
			return Submission{}, fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
		}
	}
	if err := d.validate.Struct(opts); err != nil {
		return Submission{}, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = d.defaults.MaxAttempts
	}
	if opts.Timeout == 0 {
		opts.Timeout = d.defaults.Timeout
	}
	if payload == nil {
		payload = map[string]any{}
	}

	job, existing, err := d.store.CreateJob(ctx, store.CreateJobParams{
		QueueName:   queueName,
		NaturalKey:  naturalKey,
		OwnerID:     opts.OwnerID,
		WorkflowID:  opts.WorkflowID,
		Payload:     payload,
		MaxAttempts: opts.MaxAttempts,
		Timeout:     opts.Timeout,
		RunAt:       opts.RunAt,
	})
	if err != nil {
		return Submission{}, fmt.Errorf("create job: %w", err)
	}
	if existing {
		telemetry.JobsDeduplicated.WithLabelValues(queueName).Inc()
		return Submission{JobID: job.ID, Existing: true, Job: job}, nil
	}

	if job.NextRunAt.After(time.Now()) {
		err = d.queue.Schedule(ctx, queueName, job.ID, job.NextRunAt)
	} else {
		err = d.queue.Enqueue(ctx, queueName, job.ID)
	}
	if err != nil {
		// Release the natural key so the caller can resubmit.
		msg := fmt.Sprintf("enqueue: %v", err)
		if ok, ferr := d.store.FinishJob(ctx, job.ID, job.Attempt, models.StatusFailed, msg); ferr == nil && ok {
			job.Status = models.StatusFailed
			emitTerminal(ctx, d.events, job, models.EventFailed, job.ProgressPercent, nil, "", "could not enqueue job")
		}
		return Submission{}, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}

	_ = d.store.AppendAudit(ctx, job.ID, "submitted", fmt.Sprintf("queue=%s natural_key=%s", queueName, naturalKey))
	telemetry.JobsSubmitted.WithLabelValues(queueName).Inc()
	log.Printf("job submitted id=%s queue=%s owner=%s workflow=%s max_attempts=%d", job.ID, queueName, job.OwnerID, job.WorkflowID, job.MaxAttempts)
	return Submission{JobID: job.ID, Job: job}, nil
}

func (d *Dispatcher) GetJob(ctx context.Context, id string) (models.Job, error) {
	return d.store.GetJob(ctx, id)
}

// Cancel stops a job. A queued job is cancelled at once; an active one is
// flagged and stops at its next turn boundary. Terminal jobs are returned
// unchanged.
func (d *Dispatcher) Cancel(ctx context.Context, id string) (models.Job, error) {
	job, cancelledNow, err := d.store.CancelJob(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	if !cancelledNow {
		if job.Status == models.StatusActive {
			_ = d.store.AppendAudit(ctx, id, "cancel_requested", "")
		}
		return job, nil
	}

	if err := d.queue.Cancel(ctx, job.QueueName, id); err != nil {
		log.Printf("cancel: remove job=%s from queue: %v", id, err)
	}
	emitTerminal(ctx, d.events, job, models.EventCancelled, job.ProgressPercent, nil, "", "")
	_ = d.store.AppendAudit(ctx, id, "cancelled", "cancelled while queued")
	telemetry.JobsCancelled.WithLabelValues(job.QueueName).Inc()
	return job, nil
}

// DeadLetters returns up to n dead-lettered jobs of a queue, oldest first.
func (d *Dispatcher) DeadLetters(ctx context.Context, queueName string, n int64) ([]models.Job, error) {
	ids, err := d.queue.DLQPeek(ctx, queueName, n)
	if err != nil {
		return nil, fmt.Errorf("dlq peek: %w", err)
	}
	out := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		job, err := d.store.GetJob(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func topicFor(job models.Job) string {
	if job.WorkflowID != "" {
		return progress.Topic(job.WorkflowID)
	}
	return progress.Topic(job.ID)
}

// emitTerminal announces a terminal transition. Callers invoke it only after
// their conditional transition succeeded, so each job gets one.
func emitTerminal(ctx context.Context, events Events, job models.Job, eventType string, percent int, result map[string]any, summary, errMsg string) {
	if events == nil {
		return
	}
	err := events.Emit(ctx, topicFor(job), models.ProgressEvent{
		Type:            eventType,
		JobID:           job.ID,
		WorkflowID:      job.WorkflowID,
		Attempt:         job.Attempt,
		Status:          job.Status,
		Tool:            job.LastTool,
		ProgressPercent: percent,
		ResultSummary:   summary,
		Result:          result,
		Error:           errMsg,
	})
	if err != nil {
		log.Printf("emit %s job=%s: %v", eventType, job.ID, err)
	}
}
