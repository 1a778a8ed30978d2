package progress

import (
	"context"
	"log"
	"sync"
)

// Hub fans published payloads out to in-process subscribers grouped by topic.
// Sends never block: a subscriber whose buffer is full is dropped and its
// channel closed.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*subscriber]struct{}
}

type subscriber struct {
	topic string
	send  chan []byte
}

func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[*subscriber]struct{})}
}

// Subscribe registers a listener on topic. The returned func unsubscribes and
// is safe to call more than once.
func (h *Hub) Subscribe(topic string, buffer int) (<-chan []byte, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{topic: topic, send: make(chan []byte, buffer)}

	h.mu.Lock()
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*subscriber]struct{})
	}
	h.topics[topic][sub] = struct{}{}
	h.mu.Unlock()

	return sub.send, func() { h.remove(sub) }
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[sub.topic]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	close(sub.send)
	if len(subs) == 0 {
		delete(h.topics, sub.topic)
	}
}

// Publish delivers payload to every current subscriber of topic.
func (h *Hub) Publish(_ context.Context, topic string, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.topics[topic] {
		select {
		case sub.send <- payload:
		default:
			log.Printf("progress: dropping slow subscriber topic=%s", topic)
			delete(h.topics[topic], sub)
			close(sub.send)
		}
	}
	if len(h.topics[topic]) == 0 {
		delete(h.topics, topic)
	}
	return nil
}

// Subscribers reports how many listeners a topic has.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
