// Package hub fans processed-image updates out to all connected live
// listeners. Membership is the only locked state; delivery happens
// outside the lock against a point-in-time snapshot of the subscribers.
package hub

import (
	"sync"
	"time"

	"github.com/0karl0/Serverless/pkg/log"
)

// Message is one live update delivered to every subscriber.
type Message struct {
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	Timestamp time.Time `json:"-"`
}

// Hub maintains the live set of subscribers.
type Hub struct {
	mu          sync.Mutex
	subscribers map[*Subscriber]struct{}
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// Subscribe registers a new subscriber. The caller must release it with
// Unsubscribe on every exit path.
func (h *Hub) Subscribe() *Subscriber {
	s := newSubscriber()

	h.mu.Lock()
	h.subscribers[s] = struct{}{}
	n := len(h.subscribers)
	h.mu.Unlock()

	logger := log.L()
	logger.Debug().Int("subscribers", n).Msg("listener subscribed")
	return s
}

// Unsubscribe removes a subscriber from the live set and closes it.
// It is safe to call more than once.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	_, ok := h.subscribers[s]
	delete(h.subscribers, s)
	n := len(h.subscribers)
	h.mu.Unlock()

	if ok {
		s.close()
		logger := log.L()
		logger.Debug().Int("subscribers", n).Msg("listener unsubscribed")
	}
}

// Publish enqueues the message for every currently registered subscriber.
// Each subscriber's queue is unbounded, so a slow listener never blocks
// the publisher or its peers.
func (h *Hub) Publish(msg Message) {
	h.mu.Lock()
	snapshot := make([]*Subscriber, 0, len(h.subscribers))
	for s := range h.subscribers {
		snapshot = append(snapshot, s)
	}
	h.mu.Unlock()

	for _, s := range snapshot {
		s.push(msg)
	}
}

// Count returns the number of live subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}
