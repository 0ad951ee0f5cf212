// Package bus implements the typed publish/subscribe dispatch that glues
// the resilience components together.
//
// Subscriptions are keyed by event type and an optional partition key
// (usually an endpoint id) so subscribers can filter without inspecting
// payloads. Publishing has a synchronous variant, used when the caller
// must observe ordering relative to its own subsequent code, and an
// asynchronous variant for fire-and-forget notifications.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hausnet/linkguard/internal/metrics"
)

// Event is anything that can be dispatched on the bus.
type Event interface {
	// Type names the event (e.g. "connection_lost").
	Type() string

	// Key is the partition key, usually an endpoint id. Empty means
	// the event is not partitioned.
	Key() string

	// Time is when the event occurred.
	Time() time.Time
}

// Handler receives dispatched events. A handler that panics is isolated
// and logged; it never prevents delivery to other handlers.
type Handler func(Event)

// UnsubscribeFunc removes a subscription. Safe to call more than once.
type UnsubscribeFunc func()

type subscription struct {
	id      int
	key     string // "" matches every key
	handler Handler
}

// Bus is a typed pub/sub dispatcher.
//
// Delivery order for the same (event type, key) pair is FIFO relative to
// publish calls issued from the same goroutine. No ordering is guaranteed
// across different event types.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID int

	asyncCh   chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	log *slog.Logger
}

// asyncQueueSize bounds the fire-and-forget queue. Publishers block once
// it fills so per-goroutine FIFO order is preserved.
const asyncQueueSize = 256

// New creates a bus and starts its async dispatch loop.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	b := &Bus{
		subs:    make(map[string][]subscription),
		asyncCh: make(chan Event, asyncQueueSize),
		done:    make(chan struct{}),
		log:     log,
	}
	b.wg.Add(1)
	go b.dispatchLoop()
	return b
}

// Subscribe registers a handler for an event type. A non-empty key
// restricts delivery to events carrying that partition key. The returned
// function removes the subscription.
func (b *Bus) Subscribe(eventType, key string, h Handler) UnsubscribeFunc {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, key: key, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[eventType]
		for i, s := range list {
			if s.id == id {
				b.subs[eventType] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Publish dispatches the event to all matching handlers on the caller's
// stack, before Publish returns.
func (b *Bus) Publish(e Event) {
	metrics.EventsPublished.WithLabelValues(e.Type()).Inc()
	b.dispatch(e)
}

// PublishAsync schedules the event for later dispatch. It blocks only if
// the async queue is full; after Close the event is dropped.
func (b *Bus) PublishAsync(e Event) {
	metrics.EventsPublished.WithLabelValues(e.Type()).Inc()
	select {
	case <-b.done:
	case b.asyncCh <- e:
	}
}

// Close stops the async dispatch loop. Idempotent. Events already queued
// are delivered before Close returns.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.wg.Wait()
	})
}

func (b *Bus) dispatchLoop() {
	defer b.wg.Done()
	for {
		select {
		case e := <-b.asyncCh:
			b.dispatch(e)
		case <-b.done:
			// Drain whatever was queued before shutdown.
			for {
				select {
				case e := <-b.asyncCh:
					b.dispatch(e)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(e Event) {
	b.mu.RLock()
	list := b.subs[e.Type()]
	handlers := make([]Handler, 0, len(list))
	for _, s := range list {
		if s.key == "" || s.key == e.Key() {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(e, h)
	}
}

func (b *Bus) deliver(e Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked",
				"event_type", e.Type(),
				"key", e.Key(),
				"panic", r)
		}
	}()
	h(e)
}
