// Package notification provides the hub for broadcasting state snapshots to observers.
package notification

import (
	"sync"

	"github.com/google/uuid"
)

// DefaultBuffer is the subscriber channel capacity used when none is given.
const DefaultBuffer = 16

// Message is one published value with its sequence number.
type Message[T any] struct {
	SequenceNo uint64
	Value      T
}

// subscription represents a subscriber's subscription.
type subscription[T any] struct {
	id string
	ch chan Message[T]
}

// Hub broadcasts values to subscribers without ever blocking the publisher.
// A subscriber that falls behind loses its oldest pending messages, never the newest.
type Hub[T any] struct {
	mu            sync.Mutex
	subscriptions map[string]*subscription[T]
	sequenceNo    uint64
	last          *Message[T]
	closed        bool
}

// NewHub creates a new hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{
		subscriptions: make(map[string]*subscription[T]),
	}
}

// Subscribe adds a new subscription and returns its channel and ID.
// The most recently published value, if any, is delivered first.
func (h *Hub[T]) Subscribe(buffer int) (<-chan Message[T], string) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &subscription[T]{
		id: uuid.New().String(),
		ch: make(chan Message[T], buffer),
	}
	if h.closed {
		close(sub.ch)
		return sub.ch, sub.id
	}
	if h.last != nil {
		sub.ch <- *h.last
	}
	h.subscriptions[sub.id] = sub
	return sub.ch, sub.id
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub[T]) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub, ok := h.subscriptions[id]; ok {
		delete(h.subscriptions, id)
		close(sub.ch)
	}
}

// Publish sends v to all subscribers and returns its sequence number.
func (h *Hub[T]) Publish(v T) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return h.sequenceNo
	}
	h.sequenceNo++
	msg := Message[T]{SequenceNo: h.sequenceNo, Value: v}
	h.last = &msg

	for _, sub := range h.subscriptions {
		deliver(sub.ch, msg)
	}
	return msg.SequenceNo
}

// deliver sends without blocking, evicting the oldest pending message when full.
// Only called with the hub lock held, so this is the channel's only sender.
func deliver[T any](ch chan Message[T], msg Message[T]) {
	for {
		select {
		case ch <- msg:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (h *Hub[T]) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscriptions)
}

// Close closes every subscription. Later publishes are ignored.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subscriptions {
		delete(h.subscriptions, id)
		close(sub.ch)
	}
}
