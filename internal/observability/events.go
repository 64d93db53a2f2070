package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes gateway events for filtering and display.
type EventType string

const (
	EventBreakerOpen     EventType = "breaker.open"
	EventBreakerHalfOpen EventType = "breaker.half_open"
	EventBreakerClose    EventType = "breaker.close"

	EventFailover EventType = "routing.failover"

	EventRateLimitWarning  EventType = "ratelimit.warning"
	EventRateLimitExceeded EventType = "ratelimit.exceeded"

	EventToolsChanged EventType = "tools.changed"

	EventUpstreamConnect EventType = "upstream.connect"
	EventUpstreamExit    EventType = "upstream.exit"
)

// Event is a single gateway event.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Server    string         `json:"server,omitempty"`
	Role      string         `json:"role,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Handler receives published events. Handlers must not block; slow consumers
// should hand off to their own goroutine.
type Handler func(Event)

// Bus is a typed publish/subscribe event bus. Events are dispatched
// synchronously in publish order; there is no ambient global dispatch.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	all      []Handler
	logger   *slog.Logger
}

// NewBus creates an event bus. The logger may be nil.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[EventType][]Handler),
		logger:   logger.With("component", "events"),
	}
}

// Subscribe registers a handler for a specific event type.
func (b *Bus) Subscribe(t EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish delivers an event to all matching handlers. Missing ID and
// Timestamp fields are filled in.
func (b *Bus) Publish(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	typed := b.handlers[event.Type]
	all := b.all
	b.mu.RUnlock()

	b.logger.Debug("event", "type", event.Type, "server", event.Server, "role", event.Role)

	for _, h := range typed {
		b.safeCall(h, event)
	}
	for _, h := range all {
		b.safeCall(h, event)
	}
}

// safeCall invokes a handler, recovering panics so one bad subscriber
// cannot take down the dispatch path.
func (b *Bus) safeCall(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic", "type", event.Type, "panic", r)
		}
	}()
	h(event)
}
