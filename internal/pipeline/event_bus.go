package pipeline

import (
	"sync"
	"time"
)

// UpdateKind names an event lifecycle transition
type UpdateKind string

const (
	UpdateCreated    UpdateKind = "created"
	UpdateMerged     UpdateKind = "merged"
	UpdateEnqueued   UpdateKind = "enqueued"
	UpdateDropped    UpdateKind = "dropped"
	UpdateSaved      UpdateKind = "saved"
	UpdateFailed     UpdateKind = "failed"
	UpdateSuperseded UpdateKind = "superseded"
)

// EventUpdate is published whenever an event changes state
type EventUpdate struct {
	RunID     string         `json:"run_id"`
	Kind      UpdateKind     `json:"kind"`
	Event     ViolationEvent `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventUpdateHandler receives event updates synchronously
type EventUpdateHandler interface {
	OnEventUpdate(update EventUpdate)
}

// EventUpdateFunc adapts a function to EventUpdateHandler
type EventUpdateFunc func(update EventUpdate)

// OnEventUpdate implements EventUpdateHandler
func (f EventUpdateFunc) OnEventUpdate(update EventUpdate) {
	f(update)
}

// EventBus provides pub/sub for event lifecycle updates
type EventBus struct {
	subscribers map[*eventSubscription]bool
	mu          sync.RWMutex
}

type eventSubscription struct {
	runFilter string // Empty string means receive all runs
	channel   chan EventUpdate
	handler   EventUpdateHandler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*eventSubscription]bool),
	}
}

// Subscribe registers a handler for updates from all runs.
// Returns an unsubscribe function.
func (b *EventBus) Subscribe(handler EventUpdateHandler) func() {
	return b.add(&eventSubscription{handler: handler})
}

// SubscribeRun registers a handler for updates from a single run
func (b *EventBus) SubscribeRun(runID string, handler EventUpdateHandler) func() {
	return b.add(&eventSubscription{runFilter: runID, handler: handler})
}

// SubscribeChannel returns a buffered channel of updates for a run (or all
// runs when runID is empty). Updates are dropped when the channel is full.
func (b *EventBus) SubscribeChannel(runID string, bufferSize int) (<-chan EventUpdate, func()) {
	if bufferSize <= 0 {
		bufferSize = 16
	}

	ch := make(chan EventUpdate, bufferSize)
	sub := &eventSubscription{
		runFilter: runID,
		channel:   ch,
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, unsubscribe
}

func (b *EventBus) add(sub *eventSubscription) func() {
	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// Publish delivers an update to all matching subscribers.
// Handlers run on the caller's goroutine to keep per-event ordering.
func (b *EventBus) Publish(update EventUpdate) {
	if b == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.runFilter != "" && sub.runFilter != update.RunID {
			continue
		}

		if sub.handler != nil {
			sub.handler.OnEventUpdate(update)
		} else if sub.channel != nil {
			select {
			case sub.channel <- update:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes all subscribers and closes channels
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(b.subscribers, sub)
	}
}
