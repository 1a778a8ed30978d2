package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"pipeline-orchestrator/internal/config"
	"pipeline-orchestrator/internal/ledger"
	"pipeline-orchestrator/internal/models"
	"pipeline-orchestrator/internal/progress"
	"pipeline-orchestrator/internal/queue"
	"pipeline-orchestrator/internal/ratelimit"
	"pipeline-orchestrator/internal/session"
	"pipeline-orchestrator/internal/store"
	"pipeline-orchestrator/internal/token"
	"pipeline-orchestrator/internal/worker"
)

type testAPI struct {
	mem      *store.Memory
	sessions *session.Registry
	ledger   *ledger.Ledger
	hub      *progress.Hub
	handler  http.Handler
}

func newTestAPI(t *testing.T, rateCapacity int) *testAPI {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	mem := store.NewMemory()
	hub := progress.NewHub()
	bridge := progress.NewBridge(mem, hub)
	codec, err := token.NewCodec([]byte("test-secret"))
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	sessions := session.NewRegistry(client, mem, 0)
	ldg := ledger.New(ledger.Config{}, mem, client, nil)

	cfg := config.Config{QueueConcurrency: map[string]int{"default": 1}}
	srv := New(cfg, Deps{
		Dispatcher: worker.NewDispatcher(mem, queue.NewRedisQueue(client), bridge, cfg.QueueConcurrency, worker.Defaults{}),
		Sessions:   sessions,
		Ledger:     ldg,
		Tokens:     codec,
		Limiter:    ratelimit.NewOwnerLimiter(client, rateCapacity, 0.001),
		Hub:        hub,
	})
	return &testAPI{mem: mem, sessions: sessions, ledger: ldg, hub: hub, handler: srv.Router()}
}

func (a *testAPI) do(t *testing.T, method, path, owner string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if owner != "" {
		req.Header.Set(ownerHeader, owner)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestSubmitAndFetchJob(t *testing.T) {
	a := newTestAPI(t, 10)

	rec := a.do(t, http.MethodPost, "/jobs", "owner-1", map[string]any{
		"queue": "default", "natural_key": "brand:acme", "workflow_id": "wf-1", "payload": map[string]any{"turns": 2},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d: %s", rec.Code, rec.Body.String())
	}
	first := decode[submitResponse](t, rec)
	if first.Existing || first.Job.Status != models.StatusQueued || first.Job.OwnerID != "owner-1" {
		t.Fatalf("unexpected submit response %+v", first)
	}

	rec = a.do(t, http.MethodPost, "/jobs", "owner-1", map[string]any{"queue": "default", "natural_key": "brand:acme"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for existing job got %d", rec.Code)
	}
	if again := decode[submitResponse](t, rec); !again.Existing || again.Job.ID != first.Job.ID {
		t.Fatalf("expected the same job back, got %+v", again)
	}

	rec = a.do(t, http.MethodGet, "/jobs/"+first.Job.ID, "owner-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if job := decode[models.Job](t, rec); job.WorkflowID != "wf-1" {
		t.Fatalf("unexpected job %+v", job)
	}

	if rec := a.do(t, http.MethodGet, "/jobs/"+first.Job.ID, "owner-2", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected other owners to get 404, got %d", rec.Code)
	}
	if rec := a.do(t, http.MethodGet, "/jobs/"+first.Job.ID, "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without owner, got %d", rec.Code)
	}
}

func TestSubmitRejectsBadInput(t *testing.T) {
	a := newTestAPI(t, 10)

	if rec := a.do(t, http.MethodPost, "/jobs", "owner-1", map[string]any{"queue": "unknown"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown queue, got %d", rec.Code)
	}
	if rec := a.do(t, http.MethodPost, "/jobs", "owner-1", map[string]any{"max_attempts": 99}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for max_attempts, got %d", rec.Code)
	}
}

func TestSubmitIsRateLimitedPerOwner(t *testing.T) {
	a := newTestAPI(t, 2)

	for i, key := range []string{"a", "b"} {
		if rec := a.do(t, http.MethodPost, "/jobs", "owner-1", map[string]any{"natural_key": key}); rec.Code != http.StatusAccepted {
			t.Fatalf("submit %d: expected 202 got %d", i, rec.Code)
		}
	}
	rec := a.do(t, http.MethodPost, "/jobs", "owner-1", map[string]any{"natural_key": "c"})
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d %v", rec.Code, rec.Header())
	}
	if rec := a.do(t, http.MethodPost, "/jobs", "owner-2", map[string]any{"natural_key": "c"}); rec.Code != http.StatusAccepted {
		t.Fatalf("expected other owner unaffected, got %d", rec.Code)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	a := newTestAPI(t, 10)
	sub := decode[submitResponse](t, a.do(t, http.MethodPost, "/jobs", "owner-1", map[string]any{"natural_key": "x"}))

	rec := a.do(t, http.MethodPost, "/jobs/"+sub.Job.ID+"/cancel", "owner-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if job := decode[models.Job](t, rec); job.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled got %s", job.Status)
	}
	if rec := a.do(t, http.MethodPost, "/jobs/missing/cancel", "owner-1", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing job, got %d", rec.Code)
	}
}

func TestResumeTokenFlow(t *testing.T) {
	a := newTestAPI(t, 10)

	rec := a.do(t, http.MethodPost, "/workflows/wf-7/resume-tokens", "owner-1", map[string]any{"step": "naming", "ttl_seconds": 600})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	tok := decode[map[string]any](t, rec)["token"].(string)

	// Wrong owner and a tampered token answer identically.
	wrongOwner := a.do(t, http.MethodPost, "/resume", "owner-2", map[string]any{"token": tok})
	tampered := a.do(t, http.MethodPost, "/resume", "owner-1", map[string]any{"token": tok[:len(tok)-1] + flip(tok[len(tok)-1])})
	if wrongOwner.Code != http.StatusForbidden || tampered.Code != http.StatusForbidden {
		t.Fatalf("expected 403s, got %d and %d", wrongOwner.Code, tampered.Code)
	}
	if wrongOwner.Body.String() != tampered.Body.String() {
		t.Fatalf("token failures must be indistinguishable: %q vs %q", wrongOwner.Body.String(), tampered.Body.String())
	}

	if err := a.sessions.Save(context.Background(), "wf-7", "sess-abc", "brand-strategy", 0.4); err != nil {
		t.Fatalf("save session: %v", err)
	}
	rec = a.do(t, http.MethodPost, "/resume", "owner-1", map[string]any{"token": tok, "queue": "default"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[resumeResponse](t, rec)
	if resp.WorkflowID != "wf-7" || resp.Step != "naming" {
		t.Fatalf("unexpected claims %+v", resp)
	}
	if resp.Session == nil || resp.Session.SessionRef != "sess-abc" {
		t.Fatalf("expected saved session, got %+v", resp.Session)
	}
	if resp.Job == nil || resp.Job.WorkflowID != "wf-7" || resp.Job.Payload["step"] != "naming" {
		t.Fatalf("expected resumed job, got %+v", resp.Job)
	}
}

func flip(c byte) string {
	if c == 'a' {
		return "b"
	}
	return "a"
}

func TestSessionEndpoints(t *testing.T) {
	a := newTestAPI(t, 10)
	if err := a.sessions.Save(context.Background(), "wf-1", "sess-1", "naming", 0.2); err != nil {
		t.Fatalf("save: %v", err)
	}

	rec := a.do(t, http.MethodGet, "/workflows/wf-1/session", "owner-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if sess := decode[models.Session](t, rec); sess.SessionRef != "sess-1" || sess.Step != "naming" {
		t.Fatalf("unexpected session %+v", sess)
	}

	if rec := a.do(t, http.MethodDelete, "/workflows/wf-1/session", "owner-1", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d", rec.Code)
	}
	if rec := a.do(t, http.MethodGet, "/workflows/wf-1/session", "owner-1", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after clear, got %d", rec.Code)
	}
}

func TestCostEndpoints(t *testing.T) {
	a := newTestAPI(t, 10)
	sub := decode[submitResponse](t, a.do(t, http.MethodPost, "/jobs", "owner-1", map[string]any{"natural_key": "costed"}))

	a.ledger.Record(context.Background(), ledger.Entry{
		OwnerID: "owner-1", JobID: sub.Job.ID, Usage: ledger.Usage{UnitTag: "simulated", Items: 3}, Success: true,
	})

	rec := a.do(t, http.MethodGet, "/jobs/"+sub.Job.ID+"/cost", "owner-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if got := decode[map[string]any](t, rec)["cost_usd"]; got != 0.03 {
		t.Fatalf("expected job cost 0.03 got %v", got)
	}

	today := time.Now().UTC().Format("2006-01-02")
	rec = a.do(t, http.MethodGet, "/owners/owner-1/costs/daily?date="+today, "owner-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if got := decode[map[string]any](t, rec)["cost_usd"]; got != 0.03 {
		t.Fatalf("expected daily cost 0.03 got %v", got)
	}

	if rec := a.do(t, http.MethodGet, "/owners/owner-1/costs/daily", "owner-2", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for another owner's costs, got %d", rec.Code)
	}
	if rec := a.do(t, http.MethodGet, "/owners/owner-1/costs/daily?date=14-03-2026", "owner-1", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad date, got %d", rec.Code)
	}
}

func TestEventStream(t *testing.T) {
	a := newTestAPI(t, 10)
	ts := httptest.NewServer(a.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/workflows/wf-9/events", nil)
	req.Header.Set(ownerHeader, "owner-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	for a.hub.Subscribers(progress.Topic("wf-9")) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if err := a.hub.Publish(ctx, progress.Topic("wf-9"), []byte(`{"type":"tool-start"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			if line != `data: {"type":"tool-start"}` {
				t.Fatalf("unexpected event line %q", line)
			}
			return
		}
	}
	t.Fatalf("stream ended without an event: %v", scanner.Err())
}

func TestHealthz(t *testing.T) {
	a := newTestAPI(t, 10)
	if rec := a.do(t, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
}
