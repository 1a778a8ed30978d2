// Package pipeline drives a multi-turn executor for one job attempt: resume
// from the saved session, emit progress per turn, record spend and stop at
// the hard cost ceiling.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"pipeline-orchestrator/internal/failure"
	"pipeline-orchestrator/internal/ledger"
	"pipeline-orchestrator/internal/models"
	"pipeline-orchestrator/internal/progress"
	"pipeline-orchestrator/internal/telemetry"
)

// Turn is the input to one executor call.
type Turn struct {
	Index      int
	Attempt    int
	JobID      string
	WorkflowID string
	OwnerID    string
	SessionRef string
	Step       string
	Payload    map[string]any
}

// TurnResult is what one executor call produced.
type TurnResult struct {
	Tool       string
	Usage      ledger.Usage
	SessionRef string
	Step       string
	Done       bool
	Result     map[string]any
	Summary    string
}

// Executor performs one unit of work per call.
type Executor interface {
	Turn(ctx context.Context, t Turn) (TurnResult, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, t Turn) (TurnResult, error)

func (f ExecutorFunc) Turn(ctx context.Context, t Turn) (TurnResult, error) { return f(ctx, t) }

// Hooks are optional callbacks invoked by the runner alongside its own
// progress, cost and session wiring. A BeforeTurn error aborts the run.
type Hooks struct {
	BeforeTurn func(ctx context.Context, t Turn) error
	AfterTurn  func(ctx context.Context, t Turn, res TurnResult, costUSD float64)
	OnError    func(ctx context.Context, t Turn, err error)
	OnComplete func(ctx context.Context, out Outcome)
}

// Outcome is how a run ended when it did not fail.
type Outcome struct {
	Status   string
	Result   map[string]any
	Summary  string
	LastTool string
	Turns    int
	CostUSD  float64
}

type Sessions interface {
	Save(ctx context.Context, workflowID, sessionRef, step string, costUSD float64) error
	Load(ctx context.Context, workflowID string) (*models.Session, error)
}

type CostRecorder interface {
	Record(ctx context.Context, e ledger.Entry) models.CostRecord
}

type Emitter interface {
	Emit(ctx context.Context, topic string, ev models.ProgressEvent) error
}

type CancelChecker interface {
	CancelRequested(ctx context.Context, jobID string) (bool, error)
}

// Archiver stores the sanitized result document.
type Archiver interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

type Config struct {
	MaxTurns       int
	HardCeilingUSD float64
	TurnRetries    int
	TurnRetryDelay time.Duration
	// ToolProgress maps a unit-of-work name to an overall percentage.
	ToolProgress map[string]int
}

type Deps struct {
	Sessions Sessions
	Costs    CostRecorder
	Events   Emitter
	Cancels  CancelChecker
	Archive  Archiver
	Hooks    Hooks
}

// Runner executes jobs with the executor registered for their queue.
type Runner struct {
	cfg       Config
	deps      Deps
	executors map[string]Executor
	fallback  Executor
}

func NewRunner(cfg Config, deps Deps) *Runner {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 50
	}
	if cfg.HardCeilingUSD <= 0 {
		cfg.HardCeilingUSD = 2.50
	}
	if cfg.ToolProgress == nil {
		cfg.ToolProgress = DefaultToolProgress
	}
	return &Runner{cfg: cfg, deps: deps, executors: make(map[string]Executor)}
}

// Register binds an executor to a queue name. The "default" queue's executor
// also serves queues with nothing registered.
func (r *Runner) Register(queue string, ex Executor) {
	if queue == "" || ex == nil {
		return
	}
	r.executors[queue] = ex
	if queue == "default" {
		r.fallback = ex
	}
}

func (r *Runner) executorFor(queue string) (Executor, bool) {
	if ex, ok := r.executors[queue]; ok {
		return ex, true
	}
	return r.fallback, r.fallback != nil
}

// workflowKey scopes sessions and topics; jobs without a workflow get their own.
func workflowKey(job models.Job) string {
	if job.WorkflowID != "" {
		return job.WorkflowID
	}
	return job.ID
}

// Run drives job.Attempt to an Outcome. A returned error means the attempt
// failed and the caller applies retry policy using failure.IsRecoverable.
func (r *Runner) Run(ctx context.Context, job models.Job) (Outcome, error) {
	ex, ok := r.executorFor(job.QueueName)
	if !ok {
		return Outcome{}, failure.Terminal(fmt.Errorf("no executor registered for queue %q", job.QueueName))
	}
	wf := workflowKey(job)
	topic := progress.Topic(wf)

	var sessionRef, step string
	var accumulated float64
	if r.deps.Sessions != nil {
		sess, err := r.deps.Sessions.Load(ctx, wf)
		if err != nil {
			return Outcome{}, failure.Infrastructure(err)
		}
		if sess != nil {
			sessionRef, step, accumulated = sess.SessionRef, sess.Step, sess.AccumulatedCostUSD
		}
	}
	if step == "" {
		if s, ok := job.Payload["step"].(string); ok {
			step = s
		}
	}

	lastTool := ""
	percent := job.ProgressPercent
	for turn := 1; turn <= r.cfg.MaxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		if r.deps.Cancels != nil {
			cancelled, err := r.deps.Cancels.CancelRequested(ctx, job.ID)
			if err != nil {
				return Outcome{}, failure.Infrastructure(err)
			}
			if cancelled {
				return Outcome{Status: models.StatusCancelled, LastTool: lastTool, Turns: turn - 1, CostUSD: accumulated}, nil
			}
		}
		if accumulated >= r.cfg.HardCeilingUSD {
			log.Printf("pipeline: hard ceiling job=%s workflow=%s spent=%.6f ceiling=%.2f", job.ID, wf, accumulated, r.cfg.HardCeilingUSD)
			return Outcome{Status: models.StatusBudgetExceeded, LastTool: lastTool, Turns: turn - 1, CostUSD: accumulated}, nil
		}

		t := Turn{
			Index:      turn,
			Attempt:    job.Attempt,
			JobID:      job.ID,
			WorkflowID: job.WorkflowID,
			OwnerID:    job.OwnerID,
			SessionRef: sessionRef,
			Step:       step,
			Payload:    job.Payload,
		}
		if h := r.deps.Hooks.BeforeTurn; h != nil {
			if err := h(ctx, t); err != nil {
				return Outcome{}, err
			}
		}
		if err := r.emit(ctx, topic, job, models.EventToolStart, step, percent); err != nil {
			return Outcome{}, err
		}

		res, spent, err := r.execute(ctx, ex, job, topic, t, percent)
		accumulated += spent
		if err != nil {
			return Outcome{}, err
		}

		if res.Tool != "" {
			lastTool = res.Tool
		}
		if res.SessionRef != "" {
			sessionRef = res.SessionRef
		}
		if res.Step != "" {
			step = res.Step
		}
		percent = r.percentFor(res.Tool, turn)
		if err := r.emit(ctx, topic, job, models.EventToolComplete, res.Tool, percent); err != nil {
			return Outcome{}, err
		}
		// A timed-out attempt may already be superseded; it must not overwrite
		// the checkpoint of the attempt that replaced it.
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		if err := r.checkpoint(ctx, wf, sessionRef, step, accumulated); err != nil {
			return Outcome{}, err
		}
		if h := r.deps.Hooks.AfterTurn; h != nil {
			h(ctx, t, res, spent)
		}

		if res.Done {
			out := Outcome{
				Status:   models.StatusCompleted,
				Result:   Sanitize(res.Result),
				Summary:  res.Summary,
				LastTool: lastTool,
				Turns:    turn,
				CostUSD:  accumulated,
			}
			r.archive(ctx, wf, job.ID, out.Result)
			if h := r.deps.Hooks.OnComplete; h != nil {
				h(ctx, out)
			}
			return out, nil
		}
	}
	return Outcome{}, failure.Terminal(fmt.Errorf("%w after %d turns", failure.ErrTurnLimit, r.cfg.MaxTurns))
}

// execute calls the executor, retrying the single turn in place for
// recoverable errors while retries remain. It returns what the calls cost.
func (r *Runner) execute(ctx context.Context, ex Executor, job models.Job, topic string, t Turn, percent int) (TurnResult, float64, error) {
	var spent float64
	for try := 0; ; try++ {
		started := time.Now()
		res, err := ex.Turn(ctx, t)
		elapsed := time.Since(started)

		tool := res.Tool
		if tool == "" {
			tool = t.Step
		}
		telemetry.TurnDuration.WithLabelValues(tool).Observe(elapsed.Seconds())

		if res.Usage.UnitTag != "" && r.deps.Costs != nil {
			rec := r.deps.Costs.Record(ctx, ledger.Entry{
				OwnerID:    job.OwnerID,
				WorkflowID: job.WorkflowID,
				JobID:      job.ID,
				Usage:      res.Usage,
				Duration:   elapsed,
				Success:    err == nil,
			})
			spent += rec.CostUSD
		}
		if err == nil {
			return res, spent, nil
		}

		log.Printf("pipeline: turn failed job=%s attempt=%d turn=%d tool=%s: %v", job.ID, job.Attempt, t.Index, tool, err)
		if h := r.deps.Hooks.OnError; h != nil {
			h(ctx, t, err)
		}
		if emitErr := r.emitError(ctx, topic, job, tool, percent, err); emitErr != nil {
			return TurnResult{}, spent, emitErr
		}
		if !failure.IsRecoverable(err) || try >= r.cfg.TurnRetries || ctx.Err() != nil {
			return TurnResult{}, spent, err
		}
		select {
		case <-ctx.Done():
			return TurnResult{}, spent, ctx.Err()
		case <-time.After(r.cfg.TurnRetryDelay):
		}
	}
}

func (r *Runner) percentFor(tool string, completed int) int {
	if p, ok := r.cfg.ToolProgress[tool]; ok {
		return p
	}
	return FallbackPercent(completed)
}

// FallbackPercent is the estimate used for tools missing from the table.
func FallbackPercent(turn int) int {
	return min(turn*10, 95)
}

func (r *Runner) emit(ctx context.Context, topic string, job models.Job, eventType, tool string, percent int) error {
	if r.deps.Events == nil {
		return nil
	}
	return r.deps.Events.Emit(ctx, topic, models.ProgressEvent{
		Type:            eventType,
		JobID:           job.ID,
		WorkflowID:      job.WorkflowID,
		Attempt:         job.Attempt,
		Status:          models.StatusActive,
		Tool:            tool,
		ProgressPercent: percent,
	})
}

// emitError reports a failed turn without moving the progress bar.
func (r *Runner) emitError(ctx context.Context, topic string, job models.Job, tool string, percent int, cause error) error {
	if r.deps.Events == nil {
		return nil
	}
	return r.deps.Events.Emit(ctx, topic, models.ProgressEvent{
		Type:            models.EventToolError,
		JobID:           job.ID,
		WorkflowID:      job.WorkflowID,
		Attempt:         job.Attempt,
		Status:          models.StatusActive,
		Tool:            tool,
		ProgressPercent: percent,
		Error:           PublicError(cause),
	})
}

func (r *Runner) checkpoint(ctx context.Context, wf, sessionRef, step string, accumulated float64) error {
	if r.deps.Sessions == nil || sessionRef == "" {
		return nil
	}
	if err := r.deps.Sessions.Save(ctx, wf, sessionRef, step, accumulated); err != nil {
		return failure.Infrastructure(err)
	}
	return nil
}

func (r *Runner) archive(ctx context.Context, wf, jobID string, result map[string]any) {
	if r.deps.Archive == nil || result == nil {
		return
	}
	body, err := json.Marshal(result)
	if err != nil {
		log.Printf("pipeline: encode result job=%s: %v", jobID, err)
		return
	}
	key := fmt.Sprintf("results/%s/%s.json", wf, jobID)
	if _, err := r.deps.Archive.Upload(ctx, key, body, "application/json"); err != nil {
		log.Printf("pipeline: archive result job=%s key=%s: %v", jobID, key, err)
	}
}
