// Package session keeps one resumable session pointer per workflow: a Redis
// cache in front of the durable store.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"pipeline-orchestrator/internal/models"
)

// Store is the durable tier.
type Store interface {
	SaveSession(ctx context.Context, s models.Session) error
	GetSession(ctx context.Context, workflowID string) (models.Session, bool, error)
	DeleteSession(ctx context.Context, workflowID string) error
}

// Registry writes through the cache to the durable store. The durable tier
// is authoritative; cache failures are logged and otherwise ignored.
type Registry struct {
	redis *redis.Client
	store Store
	ttl   time.Duration
	now   func() time.Time
}

func NewRegistry(client *redis.Client, store Store, ttl time.Duration) *Registry {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Registry{redis: client, store: store, ttl: ttl, now: time.Now}
}

func cacheKey(workflowID string) string {
	return "session:" + workflowID
}

// Save records the latest session for a workflow.
func (r *Registry) Save(ctx context.Context, workflowID, sessionRef, step string, costUSD float64) error {
	sess := models.Session{
		WorkflowID:         workflowID,
		SessionRef:         sessionRef,
		Step:               step,
		AccumulatedCostUSD: costUSD,
		SavedAt:            r.now().UTC(),
	}
	if err := r.store.SaveSession(ctx, sess); err != nil {
		return fmt.Errorf("save session %s: %w", workflowID, err)
	}
	r.cachePut(ctx, sess)
	return nil
}

// Get returns the session reference, consulting the cache first.
func (r *Registry) Get(ctx context.Context, workflowID string) (string, bool, error) {
	sess, err := r.Load(ctx, workflowID)
	if err != nil || sess == nil {
		return "", false, err
	}
	return sess.SessionRef, true, nil
}

// Load returns the full session record, or nil when none exists.
func (r *Registry) Load(ctx context.Context, workflowID string) (*models.Session, error) {
	if sess, ok := r.cacheGet(ctx, workflowID); ok {
		return &sess, nil
	}
	sess, ok, err := r.store.GetSession(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", workflowID, err)
	}
	if !ok {
		return nil, nil
	}
	return &sess, nil
}

// Clear removes the session from both tiers. Clearing a missing session is fine.
func (r *Registry) Clear(ctx context.Context, workflowID string) error {
	if r.redis != nil {
		if err := r.redis.Del(ctx, cacheKey(workflowID)).Err(); err != nil {
			log.Printf("session: cache delete workflow=%s: %v", workflowID, err)
		}
	}
	if err := r.store.DeleteSession(ctx, workflowID); err != nil {
		return fmt.Errorf("delete session %s: %w", workflowID, err)
	}
	return nil
}

func (r *Registry) cachePut(ctx context.Context, sess models.Session) {
	if r.redis == nil {
		return
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		log.Printf("session: encode workflow=%s: %v", sess.WorkflowID, err)
		return
	}
	if err := r.redis.Set(ctx, cacheKey(sess.WorkflowID), raw, r.ttl).Err(); err != nil {
		log.Printf("session: cache write workflow=%s: %v", sess.WorkflowID, err)
	}
}

func (r *Registry) cacheGet(ctx context.Context, workflowID string) (models.Session, bool) {
	if r.redis == nil {
		return models.Session{}, false
	}
	raw, err := r.redis.Get(ctx, cacheKey(workflowID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("session: cache read workflow=%s: %v", workflowID, err)
		}
		return models.Session{}, false
	}
	var sess models.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		log.Printf("session: decode workflow=%s: %v", workflowID, err)
		return models.Session{}, false
	}
	return sess, true
}
