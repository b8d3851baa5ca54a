// Package events provides an in-process publish/subscribe bus. The risk
// engine publishes security events on it; audit sinks subscribe.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a domain event
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	TraceID   string                 `json:"trace_id,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	Payload   map[string]interface{} `json:"payload"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

// NewEvent creates a new event with auto-generated ID and timestamp
func NewEvent(eventType, source string, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
		Metadata:  make(map[string]string),
	}
}

// WithTraceID adds a trace ID to the event
func (e Event) WithTraceID(traceID string) Event {
	e.TraceID = traceID
	return e
}

// WithUserID adds a user ID to the event
func (e Event) WithUserID(userID string) Event {
	e.UserID = userID
	return e
}

// WithMetadata adds metadata to the event
func (e Event) WithMetadata(key, value string) Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// JSON serializes the event to JSON
func (e Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// EventHandler processes events
type EventHandler func(ctx context.Context, event Event) error

// Subscription represents an event subscription
type Subscription struct {
	ID        string
	EventType string
	Handler   EventHandler
	Filter    func(Event) bool
}

// Bus is the event bus interface
type Bus interface {
	// Publish delivers the event to all subscribers before returning
	Publish(ctx context.Context, event Event) error

	// PublishAsync delivers the event in the background. Delivery is not
	// cancelled when ctx is.
	PublishAsync(ctx context.Context, event Event)

	// Subscribe subscribes to events of a specific type
	Subscribe(eventType string, handler EventHandler) *Subscription

	// SubscribePrefix subscribes to every event type starting with prefix
	SubscribePrefix(prefix string, handler EventHandler) *Subscription

	// Close waits for in-flight deliveries and rejects further publishing
	Close() error
}

// ErrBusClosed is returned by Publish after Close.
var ErrBusClosed = fmt.Errorf("event bus is closed")

// MemoryBus is an in-memory event bus implementation
type MemoryBus struct {
	mu             sync.RWMutex
	subscriptions  map[string][]*Subscription
	prefixHandlers []*Subscription
	closed         bool
	wg             sync.WaitGroup
	errorHandler   func(Event, error)
}

// NewMemoryBus creates a new in-memory event bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subscriptions: make(map[string][]*Subscription),
		errorHandler:  func(Event, error) {},
	}
}

// SetErrorHandler sets the handler for errors returned by async deliveries
func (b *MemoryBus) SetErrorHandler(handler func(Event, error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errorHandler = handler
}

// Publish publishes an event synchronously. Every matching handler runs even
// if an earlier one fails; the last error is returned.
func (b *MemoryBus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrBusClosed
	}
	return b.deliver(ctx, event)
}

func (b *MemoryBus) deliver(ctx context.Context, event Event) error {
	b.mu.RLock()
	handlers := make([]*Subscription, 0, len(b.subscriptions[event.Type])+len(b.prefixHandlers))
	handlers = append(handlers, b.subscriptions[event.Type]...)
	handlers = append(handlers, b.prefixHandlers...)
	b.mu.RUnlock()

	var lastErr error
	for _, sub := range handlers {
		if sub.Filter != nil && !sub.Filter(event) {
			continue
		}
		if err := sub.Handler(ctx, event); err != nil {
			lastErr = fmt.Errorf("handler %s for %s: %w", sub.ID, event.Type, err)
		}
	}
	return lastErr
}

// PublishAsync publishes an event asynchronously
func (b *MemoryBus) PublishAsync(ctx context.Context, event Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	b.wg.Add(1)
	b.mu.RUnlock()

	ctx = context.WithoutCancel(ctx)
	go func() {
		defer b.wg.Done()
		if err := b.deliver(ctx, event); err != nil {
			b.mu.RLock()
			handler := b.errorHandler
			b.mu.RUnlock()
			handler(event, err)
		}
	}()
}

// Drain blocks until all async deliveries started so far have finished.
func (b *MemoryBus) Drain() {
	b.wg.Wait()
}

// Subscribe subscribes to events of a specific type
func (b *MemoryBus) Subscribe(eventType string, handler EventHandler) *Subscription {
	sub := &Subscription{
		ID:        uuid.New().String(),
		EventType: eventType,
		Handler:   handler,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriptions[eventType] = append(b.subscriptions[eventType], sub)
	return sub
}

// SubscribePrefix subscribes to every event type starting with prefix
func (b *MemoryBus) SubscribePrefix(prefix string, handler EventHandler) *Subscription {
	sub := &Subscription{
		ID:        uuid.New().String(),
		EventType: prefix + "*",
		Handler:   handler,
		Filter: func(e Event) bool {
			return strings.HasPrefix(e.Type, prefix)
		},
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.prefixHandlers = append(b.prefixHandlers, sub)
	return sub
}

// Close shuts down the event bus
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

// PrefixRisk covers every security event the risk engine emits.
const PrefixRisk = "risk."
