// Package progress records job progress durably and broadcasts it to
// workflow subscribers.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"pipeline-orchestrator/internal/failure"
	"pipeline-orchestrator/internal/models"
	"pipeline-orchestrator/internal/telemetry"
)

const TopicPrefix = "workflow:"

// Topic is the broadcast channel for a workflow.
func Topic(workflowID string) string {
	return TopicPrefix + workflowID
}

// Publisher pushes an encoded event to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// ProgressStore persists the durable side of an event.
type ProgressStore interface {
	RecordProgress(ctx context.Context, jobID string, attempt int, status string, percent int, tool string) (bool, error)
}

// Fanout publishes to several publishers and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, topic string, payload []byte) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, topic, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Bridge writes an event to the job record first, then broadcasts it.
// Subscribers may miss a broadcast; the durable record never lags one.
type Bridge struct {
	store ProgressStore
	pub   Publisher
	now   func() time.Time
}

func NewBridge(store ProgressStore, pub Publisher) *Bridge {
	return &Bridge{store: store, pub: pub, now: time.Now}
}

// Emit records and broadcasts ev on topic. Events from a superseded attempt
// are neither recorded nor broadcast. Only the durable write can fail
// the call; a terminal event is still broadcast when it does, since the job's
// terminal transition was written before it.
func (b *Bridge) Emit(ctx context.Context, topic string, ev models.ProgressEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now().UTC()
	}
	applied, err := b.store.RecordProgress(ctx, ev.JobID, ev.Attempt, ev.Status, ev.ProgressPercent, ev.Tool)
	if err != nil {
		if models.IsTerminalEvent(ev.Type) {
			b.broadcast(ctx, topic, ev)
		}
		return failure.Infrastructure(err)
	}
	if !applied {
		// Superseded attempt; its subscribers already moved on.
		return nil
	}
	b.broadcast(ctx, topic, ev)
	return nil
}

func (b *Bridge) broadcast(ctx context.Context, topic string, ev models.ProgressEvent) {
	if b.pub == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		telemetry.BroadcastFailures.Inc()
		log.Printf("progress: encode event job=%s type=%s: %v", ev.JobID, ev.Type, err)
		return
	}
	if err := b.pub.Publish(ctx, topic, payload); err != nil {
		telemetry.BroadcastFailures.Inc()
		log.Printf("progress: broadcast job=%s type=%s topic=%s: %v", ev.JobID, ev.Type, topic, err)
	}
}
