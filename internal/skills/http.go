package skills

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"pipeline-orchestrator/internal/failure"
	"pipeline-orchestrator/internal/ledger"
	"pipeline-orchestrator/internal/pipeline"
)

// HTTPSkill delegates each turn to a remote skill service.
type HTTPSkill struct {
	httpClient *http.Client
	endpoint   string
}

type turnRequest struct {
	Turn       int            `json:"turn"`
	Attempt    int            `json:"attempt"`
	JobID      string         `json:"job_id"`
	WorkflowID string         `json:"workflow_id"`
	OwnerID    string         `json:"owner_id"`
	SessionRef string         `json:"session_ref,omitempty"`
	Step       string         `json:"step,omitempty"`
	Payload    map[string]any `json:"payload"`
}

type turnResponse struct {
	Tool       string         `json:"tool"`
	Usage      ledger.Usage   `json:"usage"`
	SessionRef string         `json:"session_ref"`
	Step       string         `json:"step"`
	Done       bool           `json:"done"`
	Result     map[string]any `json:"result"`
	Summary    string         `json:"summary"`
}

// NewHTTPSkill posts turns to endpoint. Per-call deadlines come from the
// attempt context; timeout bounds a single request.
func NewHTTPSkill(endpoint string, timeout time.Duration) *HTTPSkill {
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPSkill{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   endpoint,
	}
}

func (s *HTTPSkill) Turn(ctx context.Context, t pipeline.Turn) (pipeline.TurnResult, error) {
	body, err := json.Marshal(turnRequest{
		Turn:       t.Index,
		Attempt:    t.Attempt,
		JobID:      t.JobID,
		WorkflowID: t.WorkflowID,
		OwnerID:    t.OwnerID,
		SessionRef: t.SessionRef,
		Step:       t.Step,
		Payload:    t.Payload,
	})
	if err != nil {
		return pipeline.TurnResult{}, failure.Terminal(fmt.Errorf("marshal turn: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return pipeline.TurnResult{}, failure.Terminal(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return pipeline.TurnResult{}, failure.Transient(fmt.Errorf("send turn: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return pipeline.TurnResult{}, failure.Transient(fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return pipeline.TurnResult{}, failure.FromHTTPStatus(resp.StatusCode,
			fmt.Errorf("skill error (status %d): %s", resp.StatusCode, truncate(respBody, 200)))
	}

	var out turnResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return pipeline.TurnResult{}, failure.Terminal(fmt.Errorf("unmarshal response: %w", err))
	}
	return pipeline.TurnResult{
		Tool:       out.Tool,
		Usage:      out.Usage,
		SessionRef: out.SessionRef,
		Step:       out.Step,
		Done:       out.Done,
		Result:     out.Result,
		Summary:    out.Summary,
	}, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
