package worker

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"pipeline-orchestrator/internal/config"
	"pipeline-orchestrator/internal/ledger"
	"pipeline-orchestrator/internal/models"
	"pipeline-orchestrator/internal/pipeline"
	"pipeline-orchestrator/internal/progress"
	"pipeline-orchestrator/internal/queue"
	"pipeline-orchestrator/internal/session"
	"pipeline-orchestrator/internal/skills"
	"pipeline-orchestrator/internal/store"
)

type eventLog struct {
	mu     sync.Mutex
	events []models.ProgressEvent
}

func (l *eventLog) Publish(_ context.Context, _ string, payload []byte) error {
	var ev models.ProgressEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) ofType(eventType string) []models.ProgressEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.ProgressEvent
	for _, ev := range l.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) terminal() []models.ProgressEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.ProgressEvent
	for _, ev := range l.events {
		if models.IsTerminalEvent(ev.Type) {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	mem    *store.Memory
	q      *queue.RedisQueue
	events *eventLog
	runner *pipeline.Runner
	d      *Dispatcher
	p      *Processor
}

func testConfig() config.Config {
	return config.Config{
		WorkerPollInterval: 10 * time.Millisecond,
		LeaseGrace:         time.Second,
		DefaultMaxAttempts: 3,
		DefaultJobTimeout:  time.Minute,
		BackoffFactor:      2,
		QueueConcurrency:   map[string]int{"default": 1, "logo-generation": 1},
		ScheduledBatchSize: 10,
		MaxTurns:           10,
		HardCeilingUSD:     2.50,
	}
}

func newHarness(t *testing.T, cfg config.Config, prices map[string]ledger.Price) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	mem := store.NewMemory()
	q := queue.NewRedisQueue(client)
	events := &eventLog{}
	bridge := progress.NewBridge(mem, events)

	runner := pipeline.NewRunner(pipeline.Config{
		MaxTurns:       cfg.MaxTurns,
		HardCeilingUSD: cfg.HardCeilingUSD,
	}, pipeline.Deps{
		Sessions: session.NewRegistry(client, mem, 0),
		Costs:    ledger.New(ledger.Config{Prices: prices}, mem, client, nil),
		Events:   bridge,
		Cancels:  mem,
	})
	runner.Register("default", skills.Scripted{})

	return &harness{
		mem:    mem,
		q:      q,
		events: events,
		runner: runner,
		d:      NewDispatcher(mem, q, bridge, cfg.QueueConcurrency, Defaults{MaxAttempts: cfg.DefaultMaxAttempts, Timeout: cfg.DefaultJobTimeout}),
		p:      NewProcessor(cfg, q, mem, runner, bridge, "test-worker"),
	}
}

// drain runs maintenance and claims until the job is terminal.
func (h *harness) drain(t *testing.T, queueName, jobID string) models.Job {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		h.p.Maintain(ctx)
		if _, err := h.p.ProcessNext(ctx, queueName); err != nil {
			t.Fatalf("process: %v", err)
		}
		job, err := h.mem.GetJob(ctx, jobID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if models.IsTerminal(job.Status) {
			return job
		}
	}
	t.Fatalf("job %s never reached a terminal state", jobID)
	return models.Job{}
}

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, 2, max, 1)
	if b1 < base || b1 > 2*base {
		t.Fatalf("backoff out of range for attempt 1: %s", b1)
	}

	b5 := backoffWithJitter(base, 2, max, 5)
	if b5 < max/2 || b5 > max {
		t.Fatalf("backoff not capped for attempt 5: %s", b5)
	}

	if b := backoffWithJitter(0, 2, max, 3); b != 0 {
		t.Fatalf("expected zero backoff for zero base, got %s", b)
	}
}

func TestSubmitIsIdempotentPerNaturalKey(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()
	opts := SubmitOptions{OwnerID: "owner-1", WorkflowID: "wf-1"}

	first, err := h.d.Submit(ctx, "default", "brand:acme", map[string]any{"turns": 1}, opts)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := h.d.Submit(ctx, "default", "brand:acme", map[string]any{"turns": 9}, opts)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.JobID != first.JobID || !second.Existing {
		t.Fatalf("expected existing job %s, got %+v", first.JobID, second)
	}
	depth, _ := h.q.ReadyDepth(ctx, "default")
	if depth != 1 {
		t.Fatalf("expected one ready job, got %d", depth)
	}
}

func TestCompletedJobAnswersResubmission(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()
	opts := SubmitOptions{OwnerID: "owner-1", WorkflowID: "wf-replay"}
	payload := map[string]any{"turns": 2, "result": map[string]any{"logo_url": "https://cdn.example.com/acme.png"}}

	first, err := h.d.Submit(ctx, "default", "brand:replay", payload, opts)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := h.drain(t, "default", first.JobID)
	if done.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}

	again, err := h.d.Submit(ctx, "default", "brand:replay", payload, opts)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if !again.Existing || again.JobID != first.JobID {
		t.Fatalf("expected the completed job to answer, got %+v", again)
	}
	if again.Job.Status != models.StatusCompleted || again.Job.Result["logo_url"] != "https://cdn.example.com/acme.png" {
		t.Fatalf("expected prior result on replay, got status=%s result=%v", again.Job.Status, again.Job.Result)
	}
	if depth, _ := h.q.ReadyDepth(ctx, "default"); depth != 0 {
		t.Fatalf("replay must not enqueue work, depth=%d", depth)
	}
}

func TestParallelSubmittersCreateOneJob(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()

	const n = 20
	ids := make([]string, n)
	created := make([]bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub, err := h.d.Submit(ctx, "default", "brand:parallel", nil, SubmitOptions{OwnerID: "owner-1"})
			if err != nil {
				t.Errorf("submit %d: %v", i, err)
				return
			}
			ids[i] = sub.JobID
			created[i] = !sub.Existing
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := 0; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("submitter %d got %s, want %s", i, ids[i], ids[0])
		}
		if created[i] {
			fresh++
		}
	}
	if fresh != 1 {
		t.Fatalf("expected exactly one creating submitter, got %d", fresh)
	}
	depth, _ := h.q.ReadyDepth(ctx, "default")
	if depth != 1 {
		t.Fatalf("expected one ready job, got %d", depth)
	}
}

func TestSubmitRejectsUnknownQueueAndBadOptions(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()

	if _, err := h.d.Submit(ctx, "nope", "k", nil, SubmitOptions{OwnerID: "o"}); !errors.Is(err, ErrUnknownQueue) {
		t.Fatalf("expected ErrUnknownQueue, got %v", err)
	}
	if _, err := h.d.Submit(ctx, "default", "k", nil, SubmitOptions{}); !errors.Is(err, ErrInvalidOptions) {
		t.Fatalf("expected ErrInvalidOptions for missing owner, got %v", err)
	}
	if _, err := h.d.Submit(ctx, "default", "k", nil, SubmitOptions{OwnerID: "o", MaxAttempts: 99}); !errors.Is(err, ErrInvalidOptions) {
		t.Fatalf("expected ErrInvalidOptions for max attempts, got %v", err)
	}
}

func TestLogoGenerationRecoversAfterTwoUpstreamFailures(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()

	sub, err := h.d.Submit(ctx, "logo-generation", "logo:acme", map[string]any{
		"turns":         1,
		"tools":         []any{"logo-concepts"},
		"fail_attempts": 2,
		"result":        map[string]any{"concepts": 4, "api_key": "sk-live"},
	}, SubmitOptions{OwnerID: "owner-1", WorkflowID: "wf-logo", MaxAttempts: 3})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	job := h.drain(t, "logo-generation", sub.JobID)
	if job.Status != models.StatusCompleted || job.Attempt != 3 {
		t.Fatalf("expected completed on attempt 3, got %s attempt %d", job.Status, job.Attempt)
	}
	if got := len(h.events.ofType(models.EventToolStart)); got != 3 {
		t.Fatalf("expected 3 tool-start events, got %d", got)
	}
	if got := len(h.events.ofType(models.EventToolError)); got != 2 {
		t.Fatalf("expected 2 tool-error events, got %d", got)
	}
	if got := len(h.events.ofType(models.EventRetryScheduled)); got != 2 {
		t.Fatalf("expected 2 retry-scheduled events, got %d", got)
	}
	terminal := h.events.terminal()
	if len(terminal) != 1 || terminal[0].Type != models.EventCompleted {
		t.Fatalf("expected exactly one completed event, got %+v", terminal)
	}
	done := terminal[0]
	if done.ProgressPercent != 100 || done.Attempt != 3 || done.Tool != "logo-concepts" {
		t.Fatalf("unexpected completed event %+v", done)
	}
	if _, leaked := done.Result["api_key"]; leaked {
		t.Fatalf("credential leaked into result: %+v", done.Result)
	}
	if done.Result["concepts"] != float64(4) {
		t.Fatalf("expected concepts in result, got %+v", done.Result)
	}
}

func TestRetryExhaustionDeadLetters(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()

	sub, err := h.d.Submit(ctx, "default", "flaky", map[string]any{"fail_attempts": 10}, SubmitOptions{OwnerID: "owner-1", MaxAttempts: 3})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	job := h.drain(t, "default", sub.JobID)
	if job.Status != models.StatusDeadLetter || job.Attempt != 3 {
		t.Fatalf("expected dead_lettered on attempt 3, got %s attempt %d", job.Status, job.Attempt)
	}
	if got := len(h.events.ofType(models.EventToolStart)); got != 3 {
		t.Fatalf("expected exactly 3 executions, got %d", got)
	}
	terminal := h.events.terminal()
	if len(terminal) != 1 || terminal[0].Type != models.EventDeadLettered {
		t.Fatalf("expected one dead-lettered event, got %+v", terminal)
	}
	if !strings.Contains(terminal[0].Error, "503") {
		t.Fatalf("expected upstream error in event, got %q", terminal[0].Error)
	}

	dead, err := h.d.DeadLetters(ctx, "default", 10)
	if err != nil || len(dead) != 1 || dead[0].ID != sub.JobID {
		t.Fatalf("expected job in dlq, got %+v err=%v", dead, err)
	}

	// The natural key is free again once the job is dead-lettered.
	again, err := h.d.Submit(ctx, "default", "flaky", nil, SubmitOptions{OwnerID: "owner-1"})
	if err != nil || again.Existing || again.JobID == sub.JobID {
		t.Fatalf("expected a fresh job, got %+v err=%v", again, err)
	}
}

func TestTerminalExecutorErrorIsNotRetried(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()

	sub, _ := h.d.Submit(ctx, "default", "bad", map[string]any{"should_fail": true}, SubmitOptions{OwnerID: "owner-1", MaxAttempts: 5})
	job := h.drain(t, "default", sub.JobID)
	if job.Status != models.StatusDeadLetter || job.Attempt != 1 {
		t.Fatalf("expected dead_lettered on attempt 1, got %s attempt %d", job.Status, job.Attempt)
	}
	if got := len(h.events.ofType(models.EventRetryScheduled)); got != 0 {
		t.Fatalf("expected no retries, got %d", got)
	}
}

func TestBudgetCeilingHaltsJob(t *testing.T) {
	cfg := testConfig()
	cfg.HardCeilingUSD = 0.10
	h := newHarness(t, cfg, map[string]ledger.Price{"render": {PerItem: 0.06}})
	ctx := context.Background()

	sub, _ := h.d.Submit(ctx, "default", "render", map[string]any{"turns": 5, "unit": "render"}, SubmitOptions{OwnerID: "owner-1", WorkflowID: "wf-render"})
	job := h.drain(t, "default", sub.JobID)
	if job.Status != models.StatusBudgetExceeded {
		t.Fatalf("expected budget_exceeded, got %s", job.Status)
	}
	if got := len(h.events.ofType(models.EventToolStart)); got != 2 {
		t.Fatalf("expected 2 turns before the ceiling, got %d", got)
	}
	terminal := h.events.terminal()
	if len(terminal) != 1 || terminal[0].Type != models.EventBudgetExceeded {
		t.Fatalf("expected one budget-exceeded event, got %+v", terminal)
	}
	if got := len(h.mem.CostRecords()); got != 2 {
		t.Fatalf("expected 2 cost records, got %d", got)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()

	sub, _ := h.d.Submit(ctx, "default", "cancel-me", nil, SubmitOptions{OwnerID: "owner-1"})
	job, err := h.d.Cancel(ctx, sub.JobID)
	if err != nil || job.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %+v err=%v", job, err)
	}
	if depth, _ := h.q.ReadyDepth(ctx, "default"); depth != 0 {
		t.Fatalf("expected empty ready list, got %d", depth)
	}
	if _, err := h.d.Cancel(ctx, sub.JobID); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if got := len(h.events.terminal()); got != 1 {
		t.Fatalf("expected one terminal event, got %d", got)
	}
	if worked, err := h.p.ProcessNext(ctx, "default"); err != nil || worked {
		t.Fatalf("expected nothing to process, worked=%v err=%v", worked, err)
	}
}

func TestCancelActiveJobStopsAtTurnBoundary(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()

	turns := 0
	h.runner.Register("default", pipeline.ExecutorFunc(func(ctx context.Context, turn pipeline.Turn) (pipeline.TurnResult, error) {
		turns++
		if turn.Index == 1 {
			if _, err := h.d.Cancel(ctx, turn.JobID); err != nil {
				return pipeline.TurnResult{}, err
			}
		}
		return pipeline.TurnResult{Tool: "research"}, nil
	}))

	sub, _ := h.d.Submit(ctx, "default", "long", nil, SubmitOptions{OwnerID: "owner-1"})
	job := h.drain(t, "default", sub.JobID)
	if job.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", job.Status)
	}
	if turns != 1 {
		t.Fatalf("expected the run to stop after 1 turn, got %d", turns)
	}
	terminal := h.events.terminal()
	if len(terminal) != 1 || terminal[0].Type != models.EventCancelled {
		t.Fatalf("expected one cancelled event, got %+v", terminal)
	}
}

func TestAttemptTimeoutCountsAsFailure(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()

	sub, _ := h.d.Submit(ctx, "default", "slow", map[string]any{"duration_ms": 2000}, SubmitOptions{
		OwnerID: "owner-1", MaxAttempts: 1, Timeout: 20 * time.Millisecond,
	})
	started := time.Now()
	job := h.drain(t, "default", sub.JobID)
	if time.Since(started) > time.Second {
		t.Fatalf("timeout was not enforced, took %s", time.Since(started))
	}
	if job.Status != models.StatusDeadLetter {
		t.Fatalf("expected dead_lettered, got %s", job.Status)
	}
	if job.LastError == nil || !strings.Contains(*job.LastError, "timed out") {
		t.Fatalf("expected timeout error, got %v", job.LastError)
	}
}

func TestPanicIsRecoveredAsFailedAttempt(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()
	h.runner.Register("default", pipeline.ExecutorFunc(func(context.Context, pipeline.Turn) (pipeline.TurnResult, error) {
		panic("boom")
	}))

	sub, _ := h.d.Submit(ctx, "default", "panics", nil, SubmitOptions{OwnerID: "owner-1", MaxAttempts: 1})
	job := h.drain(t, "default", sub.JobID)
	if job.Status != models.StatusDeadLetter {
		t.Fatalf("expected dead_lettered, got %s", job.Status)
	}
	if job.LastError == nil || !strings.Contains(*job.LastError, "panic: boom") {
		t.Fatalf("expected panic in last error, got %v", job.LastError)
	}
}

func TestExpiredLeaseIsRetried(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()

	sub, _ := h.d.Submit(ctx, "default", "crashy", nil, SubmitOptions{OwnerID: "owner-1", MaxAttempts: 2})

	// A worker that claims the job and then disappears.
	id, err := h.q.DequeueWithLease(ctx, "default", time.Millisecond)
	if err != nil || id != sub.JobID {
		t.Fatalf("dequeue: %q err=%v", id, err)
	}
	if _, ok, err := h.mem.ClaimJob(ctx, id, "gone-worker"); err != nil || !ok {
		t.Fatalf("claim ok=%v err=%v", ok, err)
	}
	time.Sleep(10 * time.Millisecond)

	h.p.Maintain(ctx)
	job, _ := h.mem.GetJob(ctx, id)
	if job.Status != models.StatusQueued || job.Attempt != 2 {
		t.Fatalf("expected queued attempt 2 after reclaim, got %s attempt %d", job.Status, job.Attempt)
	}
	if got := len(h.events.ofType(models.EventRetryScheduled)); got != 1 {
		t.Fatalf("expected one retry-scheduled event, got %d", got)
	}

	job = h.drain(t, "default", id)
	if job.Status != models.StatusCompleted || job.Attempt != 2 {
		t.Fatalf("expected completed on attempt 2, got %s attempt %d", job.Status, job.Attempt)
	}
}

func TestRunProcessesUntilCancelled(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, _ := h.d.Submit(ctx, "default", "bg", map[string]any{"turns": 2}, SubmitOptions{OwnerID: "owner-1"})

	errCh := make(chan error, 1)
	go func() { errCh <- h.p.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, _ := h.mem.GetJob(context.Background(), sub.JobID)
		if job.Status == models.StatusCompleted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	job, _ := h.mem.GetJob(context.Background(), sub.JobID)
	if job.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}
}

func TestMaintainRequeuesOrphanedJob(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()

	// Inserted but never enqueued, as when a submitter dies mid-submit.
	orphan, _, err := h.mem.CreateJob(ctx, store.CreateJobParams{
		QueueName: "default", NaturalKey: "brand:orphan", OwnerID: "owner-1",
		Payload: map[string]any{"turns": 1}, MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	h.p.Maintain(ctx)
	if depth, _ := h.q.ReadyDepth(ctx, "default"); depth != 0 {
		t.Fatalf("a job inside the grace window must be left alone, depth=%d", depth)
	}

	h.p.now = func() time.Time { return time.Now().Add(time.Hour) }
	h.p.Maintain(ctx)
	h.p.Maintain(ctx)
	if depth, _ := h.q.ReadyDepth(ctx, "default"); depth != 1 {
		t.Fatalf("expected the orphan enqueued exactly once, depth=%d", depth)
	}

	h.p.now = time.Now
	job := h.drain(t, "default", orphan.ID)
	if job.Status != models.StatusCompleted {
		t.Fatalf("expected orphan to complete, got %s", job.Status)
	}
	if got := len(h.events.terminal()); got != 1 {
		t.Fatalf("expected one terminal event, got %d", got)
	}
}

func TestMaintainLeavesTrackedJobsAlone(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()
	if _, err := h.d.Submit(ctx, "default", "brand:tracked", nil, SubmitOptions{OwnerID: "owner-1"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	h.p.now = func() time.Time { return time.Now().Add(time.Hour) }
	h.p.Maintain(ctx)
	if depth, _ := h.q.ReadyDepth(ctx, "default"); depth != 1 {
		t.Fatalf("an enqueued job must not be pushed twice, depth=%d", depth)
	}
}
