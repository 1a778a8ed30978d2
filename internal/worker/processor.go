package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"pipeline-orchestrator/internal/config"
	"pipeline-orchestrator/internal/failure"
	"pipeline-orchestrator/internal/models"
	"pipeline-orchestrator/internal/pipeline"
	"pipeline-orchestrator/internal/queue"
	"pipeline-orchestrator/internal/store"
	"pipeline-orchestrator/internal/telemetry"
)

// Runner executes one attempt of a job.
type Runner interface {
	Run(ctx context.Context, job models.Job) (pipeline.Outcome, error)
}

// Processor drives the worker pool: per-queue pullers plus one maintenance
// loop that promotes due retries and reclaims expired leases.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	store    Store
	runner   Runner
	events   Events
	workerID string
	now      func() time.Time
}

func NewProcessor(cfg config.Config, q *queue.RedisQueue, st Store, runner Runner, events Events, workerID string) *Processor {
	if cfg.WorkerPollInterval == 0 {
		cfg.WorkerPollInterval = time.Second
	}
	if cfg.DefaultJobTimeout == 0 {
		cfg.DefaultJobTimeout = 10 * time.Minute
	}
	if cfg.BackoffFactor == 0 {
		cfg.BackoffFactor = 1.5
	}
	if cfg.ScheduledBatchSize == 0 {
		cfg.ScheduledBatchSize = 100
	}
	if cfg.OrphanGrace == 0 {
		cfg.OrphanGrace = 2 * time.Minute
	}
	if len(cfg.QueueConcurrency) == 0 {
		cfg.QueueConcurrency = map[string]int{"default": 1}
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		runner:   runner,
		events:   events,
		workerID: workerID,
		now:      time.Now,
	}
}

// Run starts the pullers and the maintenance loop and blocks until ctx is
// cancelled. In-flight attempts are abandoned on shutdown; their leases
// expire and the next maintenance pass reclaims them.
func (p *Processor) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.cfg.WorkerPollInterval)
		defer ticker.Stop()
		for {
			p.Maintain(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	for _, name := range p.cfg.Queues() {
		n := p.cfg.QueueConcurrency[name]
		log.Printf("worker %s: starting %d puller(s) for queue %s", p.workerID, n, name)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(queueName string) {
				defer wg.Done()
				p.pull(ctx, queueName)
			}(name)
		}
	}

	wg.Wait()
	return ctx.Err()
}

func (p *Processor) pull(ctx context.Context, queueName string) {
	for {
		if ctx.Err() != nil {
			return
		}
		worked, err := p.ProcessNext(ctx, queueName)
		if err != nil {
			log.Printf("worker %s: queue=%s: %v", p.workerID, queueName, err)
		}
		if worked && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

// Maintain promotes due retries, reclaims expired leases, requeues orphaned
// jobs and refreshes the queue depth gauges.
func (p *Processor) Maintain(ctx context.Context) {
	now := p.now()
	if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil && ctx.Err() == nil {
		log.Printf("worker %s: promote scheduled: %v", p.workerID, err)
	}

	reclaimed, err := p.queue.ReclaimExpired(ctx, now, 100)
	if err != nil && ctx.Err() == nil {
		log.Printf("worker %s: reclaim leases: %v", p.workerID, err)
	}
	for _, id := range reclaimed {
		p.reclaim(ctx, id)
	}
	p.requeueOrphans(ctx, now)

	for _, name := range p.cfg.Queues() {
		if depth, err := p.queue.ReadyDepth(ctx, name); err == nil {
			telemetry.QueueDepthGauge.WithLabelValues(name).Set(float64(depth))
		}
	}
}

// requeueOrphans enqueues queued jobs that Redis never saw, such as a
// submission whose process died between the insert and the enqueue. Only jobs
// due for longer than OrphanGrace are considered.
func (p *Processor) requeueOrphans(ctx context.Context, now time.Time) {
	jobs, err := p.store.ListStaleQueued(ctx, now.Add(-p.cfg.OrphanGrace), p.cfg.ScheduledBatchSize)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("worker %s: list stale queued: %v", p.workerID, err)
		}
		return
	}
	for _, job := range jobs {
		tracked, err := p.queue.Tracked(ctx, job.ID)
		if err != nil {
			log.Printf("worker %s: check job=%s: %v", p.workerID, job.ID, err)
			return
		}
		if tracked {
			continue
		}
		if err := p.queue.Enqueue(ctx, job.QueueName, job.ID); err != nil {
			log.Printf("worker %s: requeue orphan job=%s: %v", p.workerID, job.ID, err)
			continue
		}
		_ = p.store.AppendAudit(ctx, job.ID, "requeued", "orphaned queued job")
		log.Printf("worker %s: requeued orphan job=%s queue=%s", p.workerID, job.ID, job.QueueName)
	}
}

// reclaim settles a job whose lease expired. An active attempt counts as a
// failed, recoverable attempt.
func (p *Processor) reclaim(ctx context.Context, id string) {
	job, err := p.store.GetJob(ctx, id)
	if err != nil {
		log.Printf("worker %s: reclaim job=%s: %v", p.workerID, id, err)
		return
	}
	switch {
	case job.Status == models.StatusActive:
		log.Printf("worker %s: lease expired job=%s attempt=%d held_by=%s", p.workerID, id, job.Attempt, job.WorkerID)
		p.fail(ctx, job, failure.Transient(fmt.Errorf("%w: lease expired", failure.ErrAttemptTimeout)))
	case job.Status == models.StatusQueued:
		// A retry whose schedule write was lost.
		if job.NextRunAt.After(p.now()) {
			err = p.queue.Schedule(ctx, job.QueueName, id, job.NextRunAt)
		} else {
			err = p.queue.Enqueue(ctx, job.QueueName, id)
		}
		if err != nil {
			log.Printf("worker %s: requeue job=%s: %v", p.workerID, id, err)
		}
	default:
		_ = p.queue.Ack(ctx, id)
	}
}

// ProcessNext claims and runs at most one job from queueName. It reports
// whether a job id was taken off the queue.
func (p *Processor) ProcessNext(ctx context.Context, queueName string) (bool, error) {
	lease := p.cfg.DefaultJobTimeout + p.cfg.LeaseGrace
	jobID, err := p.queue.DequeueWithLease(ctx, queueName, lease)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if jobID == "" {
		return false, nil
	}

	job, claimed, err := p.store.ClaimJob(ctx, jobID, p.workerID)
	if errors.Is(err, store.ErrNotFound) {
		_ = p.queue.Ack(ctx, jobID)
		return true, nil
	}
	if err != nil {
		// The lease stays; maintenance hands the id back once it expires.
		return true, fmt.Errorf("claim job %s: %w", jobID, err)
	}
	if !claimed {
		if models.IsTerminal(job.Status) {
			_ = p.queue.Ack(ctx, jobID)
		}
		return true, nil
	}

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = p.cfg.DefaultJobTimeout
	}
	if timeout != p.cfg.DefaultJobTimeout {
		_ = p.queue.ExtendLease(ctx, jobID, timeout+p.cfg.LeaseGrace)
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()
	_ = p.store.AppendAudit(ctx, job.ID, "claimed", fmt.Sprintf("worker=%s attempt=%d", p.workerID, job.Attempt))
	log.Printf("worker %s: running job=%s queue=%s attempt=%d/%d", p.workerID, job.ID, job.QueueName, job.Attempt, job.MaxAttempts)

	out, runErr := p.execute(ctx, job, timeout)
	if ctx.Err() != nil {
		return true, nil
	}
	if runErr != nil {
		p.fail(ctx, job, runErr)
		return true, nil
	}
	p.settle(ctx, job, out)
	return true, nil
}

type attemptResult struct {
	out pipeline.Outcome
	err error
}

// execute runs one attempt under its deadline. A panic in the runner is
// reported as an infrastructure failure.
func (p *Processor) execute(ctx context.Context, job models.Job, timeout time.Duration) (pipeline.Outcome, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("worker %s: panic in job=%s: %v", p.workerID, job.ID, r)
				done <- attemptResult{err: failure.Infrastructure(fmt.Errorf("panic: %v", r))}
			}
		}()
		out, err := p.runner.Run(attemptCtx, job)
		done <- attemptResult{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return pipeline.Outcome{}, fmt.Errorf("%w after %s: %v", failure.ErrAttemptTimeout, timeout, res.err)
		}
		return res.out, res.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return pipeline.Outcome{}, ctx.Err()
		}
		return pipeline.Outcome{}, fmt.Errorf("%w after %s", failure.ErrAttemptTimeout, timeout)
	}
}

// settle applies a finished run's outcome. Only the writer whose conditional
// transition succeeds acks the lease and announces the terminal event.
func (p *Processor) settle(ctx context.Context, job models.Job, out pipeline.Outcome) {
	if out.LastTool != "" {
		job.LastTool = out.LastTool
	}
	switch out.Status {
	case models.StatusCompleted:
		ok, err := p.store.CompleteJob(ctx, job.ID, job.Attempt, out.Result)
		if err != nil {
			p.fail(ctx, job, failure.Infrastructure(fmt.Errorf("complete job: %w", err)))
			return
		}
		if !ok {
			log.Printf("worker %s: job=%s attempt=%d superseded before completion", p.workerID, job.ID, job.Attempt)
			return
		}
		_ = p.queue.Ack(ctx, job.ID)
		job.Status = models.StatusCompleted
		job.Result = out.Result
		emitTerminal(ctx, p.events, job, models.EventCompleted, 100, out.Result, out.Summary, "")
		_ = p.store.AppendAudit(ctx, job.ID, "completed", fmt.Sprintf("turns=%d cost_usd=%.6f", out.Turns, out.CostUSD))
		telemetry.JobsCompleted.WithLabelValues(job.QueueName).Inc()
		log.Printf("worker %s: completed job=%s attempt=%d turns=%d cost_usd=%.6f", p.workerID, job.ID, job.Attempt, out.Turns, out.CostUSD)

	case models.StatusBudgetExceeded:
		msg := fmt.Sprintf("%v: spent $%.4f", failure.ErrBudgetExceeded, out.CostUSD)
		if p.finishTerminal(ctx, job, models.StatusBudgetExceeded, models.EventBudgetExceeded, msg) {
			telemetry.JobsBudgetExceeded.WithLabelValues(job.QueueName).Inc()
		}

	case models.StatusCancelled:
		if p.finishTerminal(ctx, job, models.StatusCancelled, models.EventCancelled, "") {
			telemetry.JobsCancelled.WithLabelValues(job.QueueName).Inc()
		}

	default:
		p.fail(ctx, job, failure.Terminal(fmt.Errorf("runner returned unknown status %q", out.Status)))
	}
}

func (p *Processor) finishTerminal(ctx context.Context, job models.Job, status, eventType, msg string) bool {
	ok, err := p.store.FinishJob(ctx, job.ID, job.Attempt, status, msg)
	if err != nil {
		log.Printf("worker %s: finish job=%s status=%s: %v", p.workerID, job.ID, status, err)
		return false
	}
	if !ok {
		return false
	}
	_ = p.queue.Ack(ctx, job.ID)
	job.Status = status
	emitTerminal(ctx, p.events, job, eventType, p.currentPercent(ctx, job), nil, "", msg)
	_ = p.store.AppendAudit(ctx, job.ID, status, msg)
	log.Printf("worker %s: job=%s attempt=%d finished status=%s", p.workerID, job.ID, job.Attempt, status)
	return true
}

// fail retries a recoverable failure while attempts remain and dead-letters
// everything else.
func (p *Processor) fail(ctx context.Context, job models.Job, cause error) {
	msg := cause.Error()
	if failure.IsRecoverable(cause) && job.Attempt < job.MaxAttempts {
		nextRun := p.now().Add(backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffFactor, p.cfg.BackoffMax, job.Attempt))
		ok, err := p.store.RetryJob(ctx, job.ID, job.Attempt, nextRun, msg)
		if err != nil {
			log.Printf("worker %s: schedule retry job=%s: %v", p.workerID, job.ID, err)
			return
		}
		if !ok {
			return
		}
		if err := p.queue.Schedule(ctx, job.QueueName, job.ID, nextRun); err != nil {
			log.Printf("worker %s: queue retry job=%s: %v", p.workerID, job.ID, err)
		}

		retry := job
		retry.Attempt = job.Attempt + 1
		retry.Status = models.StatusQueued
		if p.events != nil {
			err := p.events.Emit(ctx, topicFor(retry), models.ProgressEvent{
				Type:            models.EventRetryScheduled,
				JobID:           retry.ID,
				WorkflowID:      retry.WorkflowID,
				Attempt:         retry.Attempt,
				Status:          retry.Status,
				Tool:            retry.LastTool,
				ProgressPercent: p.currentPercent(ctx, job),
				Error:           pipeline.PublicError(cause),
			})
			if err != nil {
				log.Printf("worker %s: emit retry job=%s: %v", p.workerID, job.ID, err)
			}
		}
		_ = p.store.AppendAudit(ctx, job.ID, "retry_scheduled", fmt.Sprintf("next_run=%s attempt=%d error=%s", nextRun.UTC().Format(time.RFC3339), retry.Attempt, msg))
		telemetry.JobRetries.WithLabelValues(job.QueueName).Inc()
		log.Printf("worker %s: retry job=%s attempt=%d next_run=%s: %v", p.workerID, job.ID, retry.Attempt, nextRun.UTC().Format(time.RFC3339), cause)
		return
	}

	ok, err := p.store.FinishJob(ctx, job.ID, job.Attempt, models.StatusDeadLetter, msg)
	if err != nil {
		log.Printf("worker %s: dead-letter job=%s: %v", p.workerID, job.ID, err)
		return
	}
	if !ok {
		return
	}
	_ = p.queue.Ack(ctx, job.ID)
	if err := p.queue.DLQPush(ctx, job.QueueName, job.ID); err != nil {
		log.Printf("worker %s: dlq push job=%s: %v", p.workerID, job.ID, err)
	}
	job.Status = models.StatusDeadLetter
	emitTerminal(ctx, p.events, job, models.EventDeadLettered, p.currentPercent(ctx, job), nil, "", pipeline.PublicError(cause))
	_ = p.store.AppendAudit(ctx, job.ID, "dead_letter", msg)
	telemetry.JobsDeadLettered.WithLabelValues(job.QueueName).Inc()
	log.Printf("worker %s: dead-lettered job=%s attempt=%d: %v", p.workerID, job.ID, job.Attempt, cause)
}

// currentPercent reads back the durable percentage so terminal and retry
// events do not rewind it.
func (p *Processor) currentPercent(ctx context.Context, job models.Job) int {
	current, err := p.store.GetJob(ctx, job.ID)
	if err != nil {
		return job.ProgressPercent
	}
	return current.ProgressPercent
}

// backoffWithJitter waits base*factor^attempt, capped at max, then picks a
// point in the upper half of that window.
func backoffWithJitter(base time.Duration, factor float64, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	wait := time.Duration(float64(base) * math.Pow(factor, float64(attempt)))
	if max > 0 && (wait > max || wait <= 0) {
		wait = max
	}
	half := int64(wait / 2)
	if half <= 0 {
		return wait
	}
	return wait/2 + time.Duration(rand.Int63n(half))
}
