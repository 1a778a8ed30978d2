package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"pipeline-orchestrator/internal/config"
	"pipeline-orchestrator/internal/ledger"
	"pipeline-orchestrator/internal/models"
	"pipeline-orchestrator/internal/progress"
	"pipeline-orchestrator/internal/ratelimit"
	"pipeline-orchestrator/internal/session"
	"pipeline-orchestrator/internal/store"
	"pipeline-orchestrator/internal/telemetry"
	"pipeline-orchestrator/internal/token"
	"pipeline-orchestrator/internal/worker"
)

const ownerHeader = "X-Owner-ID"

type ownerKey struct{}

// Deps are the services behind the HTTP surface. Limiter and Hub may be nil.
type Deps struct {
	Dispatcher *worker.Dispatcher
	Sessions   *session.Registry
	Ledger     *ledger.Ledger
	Tokens     *token.Codec
	Limiter    *ratelimit.OwnerLimiter
	Hub        *progress.Hub
}

// Server wires HTTP handlers for submitting and following pipeline jobs.
type Server struct {
	cfg  config.Config
	deps Deps
}

// New constructs the API server.
func New(cfg config.Config, deps Deps) *Server {
	if cfg.ResumeTokenTTL == 0 {
		cfg.ResumeTokenTTL = 72 * time.Hour
	}
	return &Server{cfg: cfg, deps: deps}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())
	r.Get("/queues/{queue}/dlq", s.handleDLQ)

	r.Group(func(r chi.Router) {
		r.Use(requireOwner)

		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/cancel", s.handleCancel)
		r.Get("/jobs/{id}/cost", s.handleJobCost)

		r.Get("/workflows/{id}/session", s.handleGetSession)
		r.Delete("/workflows/{id}/session", s.handleClearSession)
		r.Post("/workflows/{id}/resume-tokens", s.handleIssueToken)
		r.Get("/workflows/{id}/events", s.handleEvents)
		r.Post("/resume", s.handleResume)

		r.Get("/owners/{owner}/costs/daily", s.handleDailyCost)
	})
	return r
}

// requireOwner reads the caller identity set by the fronting gateway.
func requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.Header.Get(ownerHeader)
		if owner == "" {
			writeError(w, http.StatusUnauthorized, "missing "+ownerHeader)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
	})
}

func ownerFrom(r *http.Request) string {
	owner, _ := r.Context().Value(ownerKey{}).(string)
	return owner
}

type submitRequest struct {
	Queue        string         `json:"queue"`
	NaturalKey   string         `json:"natural_key"`
	WorkflowID   string         `json:"workflow_id"`
	Payload      map[string]any `json:"payload"`
	MaxAttempts  int            `json:"max_attempts"`
	TimeoutMs    int64          `json:"timeout_ms"`
	RunAt        *time.Time     `json:"run_at"`
	DelaySeconds int            `json:"delay_seconds"`
}

type submitResponse struct {
	Job      models.Job `json:"job"`
	Existing bool       `json:"existing"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Queue == "" {
		req.Queue = "default"
	}
	owner := ownerFrom(r)

	if d := s.deps.Limiter.Allow(r.Context(), owner); !d.Allowed {
		telemetry.RateLimitRejects.Inc()
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return
	}

	opts := worker.SubmitOptions{
		OwnerID:     owner,
		WorkflowID:  req.WorkflowID,
		MaxAttempts: req.MaxAttempts,
		Timeout:     time.Duration(req.TimeoutMs) * time.Millisecond,
	}
	if req.RunAt != nil {
		opts.RunAt = *req.RunAt
	}
	if req.DelaySeconds > 0 {
		opts.RunAt = time.Now().Add(time.Duration(req.DelaySeconds) * time.Second)
	}

	sub, err := s.deps.Dispatcher.Submit(r.Context(), req.Queue, req.NaturalKey, req.Payload, opts)
	if err != nil {
		s.submitError(w, err)
		return
	}
	code := http.StatusAccepted
	if sub.Existing {
		code = http.StatusOK
	}
	writeJSON(w, code, submitResponse{Job: sub.Job, Existing: sub.Existing})
}

func (s *Server) submitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, worker.ErrUnknownQueue), errors.Is(err, worker.ErrInvalidOptions):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("api: submit: %v", err)
		writeError(w, http.StatusInternalServerError, "submit failed")
	}
}

// ownedJob loads a job the caller owns. Jobs of other owners read as missing.
func (s *Server) ownedJob(w http.ResponseWriter, r *http.Request) (models.Job, bool) {
	job, err := s.deps.Dispatcher.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) || (err == nil && job.OwnerID != ownerFrom(r)) {
		writeError(w, http.StatusNotFound, "job not found")
		return models.Job{}, false
	}
	if err != nil {
		log.Printf("api: get job: %v", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return models.Job{}, false
	}
	return job, true
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	cancelled, err := s.deps.Dispatcher.Cancel(r.Context(), job.ID)
	if err != nil {
		log.Printf("api: cancel job=%s: %v", job.ID, err)
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	writeJSON(w, http.StatusOK, cancelled)
}

func (s *Server) handleJobCost(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	total, err := s.deps.Ledger.JobCost(r.Context(), job.ID)
	if err != nil {
		log.Printf("api: job cost job=%s: %v", job.ID, err)
		writeError(w, http.StatusInternalServerError, "cost lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": job.ID, "cost_usd": total})
}

// handleDLQ lists dead-lettered jobs for operators.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	limit := int64(100)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	jobs, err := s.deps.Dispatcher.DeadLetters(r.Context(), chi.URLParam(r, "queue"), limit)
	if err != nil {
		log.Printf("api: dlq: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Load(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		log.Printf("api: load session: %v", err)
		writeError(w, http.StatusInternalServerError, "session lookup failed")
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "no session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Sessions.Clear(r.Context(), chi.URLParam(r, "id")); err != nil {
		log.Printf("api: clear session: %v", err)
		writeError(w, http.StatusInternalServerError, "clear failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type issueTokenRequest struct {
	Step       string `json:"step"`
	TTLSeconds int    `json:"ttl_seconds"`
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tokens == nil {
		writeError(w, http.StatusNotImplemented, "resume tokens are not configured")
		return
	}
	var req issueTokenRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	ttl := s.cfg.ResumeTokenTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	wf := chi.URLParam(r, "id")
	tok, err := s.deps.Tokens.Issue(wf, ownerFrom(r), req.Step, ttl)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"token":      tok,
		"expires_at": time.Now().Add(ttl).UTC(),
	})
}

type resumeRequest struct {
	Token   string         `json:"token"`
	Queue   string         `json:"queue"`
	Payload map[string]any `json:"payload"`
}

type resumeResponse struct {
	WorkflowID string          `json:"workflow_id"`
	Step       string          `json:"step"`
	Session    *models.Session `json:"session,omitempty"`
	Job        *models.Job     `json:"job,omitempty"`
}

// handleResume verifies a resume token and, when a queue is named, submits
// the step again under the token's workflow. Every token failure answers the
// same way.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tokens == nil {
		writeError(w, http.StatusNotImplemented, "resume tokens are not configured")
		return
	}
	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	owner := ownerFrom(r)
	claims, err := s.deps.Tokens.Verify(req.Token, owner)
	if err != nil {
		writeError(w, http.StatusForbidden, token.ErrInvalid.Error())
		return
	}

	resp := resumeResponse{WorkflowID: claims.WorkflowID, Step: claims.Step}
	sess, err := s.deps.Sessions.Load(r.Context(), claims.WorkflowID)
	if err != nil {
		log.Printf("api: resume load session workflow=%s: %v", claims.WorkflowID, err)
	}
	resp.Session = sess

	if req.Queue == "" {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	payload := map[string]any{}
	for k, v := range req.Payload {
		payload[k] = v
	}
	if claims.Step != "" {
		payload["step"] = claims.Step
	}
	key := fmt.Sprintf("resume:%s:%s", claims.WorkflowID, claims.Step)
	sub, err := s.deps.Dispatcher.Submit(r.Context(), req.Queue, key, payload, worker.SubmitOptions{
		OwnerID:    owner,
		WorkflowID: claims.WorkflowID,
	})
	if err != nil {
		s.submitError(w, err)
		return
	}
	resp.Job = &sub.Job
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleDailyCost(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	if owner != ownerFrom(r) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	day := time.Now().UTC()
	if v := r.URL.Query().Get("date"); v != "" {
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		day = parsed
	}
	total, err := s.deps.Ledger.DailyTotal(r.Context(), owner, day)
	if err != nil {
		log.Printf("api: daily cost owner=%s: %v", owner, err)
		writeError(w, http.StatusInternalServerError, "cost lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"owner_id": owner,
		"date":     day.Format("2006-01-02"),
		"cost_usd": total,
	})
}

// handleEvents streams a workflow's progress events as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		writeError(w, http.StatusNotImplemented, "event streaming is not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	ch, unsubscribe := s.deps.Hub.Subscribe(progress.Topic(chi.URLParam(r, "id")), 64)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			_, _ = w.Write([]byte(": keep-alive\n\n"))
			flusher.Flush()
		case payload, open := <-ch:
			if !open {
				// Dropped as a slow consumer; the client reconnects and reads
				// the durable state.
				return
			}
			_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
