package hub

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Next after the subscriber has been unsubscribed.
var ErrClosed = errors.New("subscriber closed")

// Subscriber is one listener's delivery queue: unbounded, FIFO in publish
// order. It lives exactly as long as the listener's connection.
type Subscriber struct {
	mu     sync.Mutex
	queue  []Message
	closed bool

	// wake coalesces push signals; the queue is always re-checked before
	// waiting, so a coalesced signal never loses a message.
	wake chan struct{}
}

func newSubscriber() *Subscriber {
	return &Subscriber{
		wake: make(chan struct{}, 1),
	}
}

// push enqueues a message without ever blocking the caller.
func (s *Subscriber) push(msg Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Next blocks until a message is available, the context is cancelled, or
// the subscriber is closed.
func (s *Subscriber) Next(ctx context.Context) (Message, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			msg := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return msg, nil
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return Message{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-s.wake:
		}
	}
}
