// Package skills holds executors the worker can register per queue.
package skills

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pipeline-orchestrator/internal/failure"
	"pipeline-orchestrator/internal/ledger"
	"pipeline-orchestrator/internal/pipeline"
)

// Scripted is a simulation executor whose behavior comes from the job
// payload:
//
//	turns         number of turns before the run is done (default 1)
//	tools         tool name per turn; missing entries become "step-N"
//	unit, items   usage reported per turn (default "simulated", 1)
//	duration_ms   time spent per turn
//	should_fail   fail every turn with a terminal error
//	fail_attempts fail the first turn transiently on attempts up to N
//	result        extra fields merged into the final result
type Scripted struct{}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	default:
		return 0, false
	}
}

func intField(p map[string]any, key string, def int) int {
	if v, ok := asInt(p[key]); ok {
		return v
	}
	return def
}

func toolFor(p map[string]any, turn int) string {
	switch tools := p["tools"].(type) {
	case []any:
		if turn-1 < len(tools) {
			if s, ok := tools[turn-1].(string); ok && s != "" {
				return s
			}
		}
	case []string:
		if turn-1 < len(tools) && tools[turn-1] != "" {
			return tools[turn-1]
		}
	}
	return fmt.Sprintf("step-%d", turn)
}

func (Scripted) Turn(ctx context.Context, t pipeline.Turn) (pipeline.TurnResult, error) {
	p := t.Payload
	tool := toolFor(p, t.Index)
	unit, _ := p["unit"].(string)
	if unit == "" {
		unit = "simulated"
	}

	if ms := intField(p, "duration_ms", 0); ms > 0 {
		select {
		case <-ctx.Done():
			return pipeline.TurnResult{Tool: tool}, ctx.Err()
		case <-time.After(time.Duration(ms) * time.Millisecond):
		}
	}

	if fail, ok := p["should_fail"].(bool); ok && fail {
		return pipeline.TurnResult{Tool: tool}, failure.Terminal(errors.New("simulated failure requested by payload.should_fail"))
	}
	if t.Index == 1 && t.Attempt <= intField(p, "fail_attempts", 0) {
		return pipeline.TurnResult{Tool: tool}, failure.Transient(fmt.Errorf("simulated upstream 503 on attempt %d", t.Attempt))
	}

	sessionRef := t.SessionRef
	if sessionRef == "" {
		sessionRef = "sim-" + t.JobID
	}
	res := pipeline.TurnResult{
		Tool:       tool,
		Usage:      ledger.Usage{UnitTag: unit, Items: int64(intField(p, "items", 1))},
		SessionRef: sessionRef,
		Step:       tool,
	}

	turns := intField(p, "turns", 1)
	if t.Index >= turns {
		res.Done = true
		res.Summary = fmt.Sprintf("completed %d simulated turns", t.Index)
		res.Result = map[string]any{"turns": t.Index, "last_tool": tool}
		if extra, ok := p["result"].(map[string]any); ok {
			for k, v := range extra {
				res.Result[k] = v
			}
		}
	}
	return res, nil
}
