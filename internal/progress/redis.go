package progress

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher broadcasts payloads with PUBLISH so every API node sees them.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := p.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

// Relay pattern-subscribes to workflow topics on Redis and republishes every
// message into a local Hub.
type Relay struct {
	client *redis.Client
	hub    *Hub
	ready  chan struct{}
}

func NewRelay(client *redis.Client, hub *Hub) *Relay {
	return &Relay{client: client, hub: hub, ready: make(chan struct{})}
}

// Ready is closed once the pattern subscription is confirmed.
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

// Run blocks until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	ps := r.client.PSubscribe(ctx, TopicPrefix+"*")
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe: %w", err)
	}
	close(r.ready)

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := r.hub.Publish(ctx, msg.Channel, []byte(msg.Payload)); err != nil {
				log.Printf("progress: relay topic=%s: %v", msg.Channel, err)
			}
		}
	}
}
