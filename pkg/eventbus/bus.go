// Package eventbus is the in-process publish/subscribe fabric. Topics are
// event types plus the wildcard "*". Publish never blocks: each subscriber
// owns an unbounded FIFO drained by its own goroutine, so events from one
// publish arrive at each subscriber in publish order, handlers are isolated
// from each other, and a panicking handler cannot affect the publisher.
package eventbus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/gitgovernance/core/pkg/contracts"
)

// Handler processes one event.
type Handler func(event contracts.Event)

type subscriber struct {
	id      string
	topic   string
	handler Handler

	mu     sync.Mutex
	queue  []contracts.Event
	closed bool // set by drain once done fires; no enqueues after
	signal chan struct{}
	done   chan struct{}
}

// Bus routes events to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[string]*subscriber // topic -> subscription id -> sub
	byID   map[string]*subscriber
	wg     sync.WaitGroup // in-flight deliveries
	logger *slog.Logger
	closed bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string]map[string]*subscriber),
		byID:   make(map[string]*subscriber),
		logger: logger,
	}
}

// Subscribe registers handler for events of the given type ("*" for all).
func (b *Bus) Subscribe(eventType string, handler func(event contracts.Event)) string {
	sub := &subscriber{
		id:      uuid.NewString(),
		topic:   eventType,
		handler: handler,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.subs[eventType] == nil {
		b.subs[eventType] = make(map[string]*subscriber)
	}
	b.subs[eventType][sub.id] = sub
	b.byID[sub.id] = sub
	b.mu.Unlock()

	go b.drain(sub)
	return sub.id
}

// Unsubscribe removes a subscription. Returns false for unknown IDs.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	sub, ok := b.byID[id]
	if ok {
		delete(b.byID, id)
		delete(b.subs[sub.topic], id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.done)
	}
	return ok
}

// Publish delivers event to every subscriber of event.Type and of "*".
// It returns immediately; handlers run on their subscribers' goroutines.
func (b *Bus) Publish(event contracts.Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	targets := make([]*subscriber, 0, 4)
	for _, sub := range b.subs[event.Type] {
		targets = append(targets, sub)
	}
	if event.Type != contracts.WildcardTopic {
		for _, sub := range b.subs[contracts.WildcardTopic] {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		// The closed check and the enqueue must be one critical section:
		// drain settles the queue's WaitGroup debt exactly once, so an
		// enqueue after that would leave WaitForIdle hanging.
		sub.mu.Lock()
		if sub.closed {
			sub.mu.Unlock()
			continue
		}
		b.wg.Add(1)
		sub.queue = append(sub.queue, event)
		sub.mu.Unlock()
		select {
		case sub.signal <- struct{}{}:
		default:
		}
	}
}

func (b *Bus) drain(sub *subscriber) {
	for {
		select {
		case <-sub.done:
			// Account for anything still queued so WaitForIdle terminates.
			sub.mu.Lock()
			sub.closed = true
			pending := len(sub.queue)
			sub.queue = nil
			sub.mu.Unlock()
			for i := 0; i < pending; i++ {
				b.wg.Done()
			}
			return
		case <-sub.signal:
			for {
				sub.mu.Lock()
				if len(sub.queue) == 0 {
					sub.mu.Unlock()
					break
				}
				event := sub.queue[0]
				sub.queue = sub.queue[1:]
				sub.mu.Unlock()
				b.deliver(sub, event)
			}
		}
	}
}

func (b *Bus) deliver(sub *subscriber, event contracts.Event) {
	defer b.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "topic", sub.topic, "event", event.Type, "panic", r)
		}
	}()
	sub.handler(event)
}

// WaitForIdle blocks until every delivery accepted so far has completed, or
// ctx expires. Test helper only; production code must not depend on it.
func (b *Bus) WaitForIdle(ctx context.Context) error {
	idle := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close unsubscribes everything and drops subsequent publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*subscriber, 0, len(b.byID))
	for _, sub := range b.byID {
		subs = append(subs, sub)
	}
	b.byID = make(map[string]*subscriber)
	b.subs = make(map[string]map[string]*subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.done)
	}
}
