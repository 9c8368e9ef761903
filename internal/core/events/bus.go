package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

type Handler func(ctx context.Context, event DomainEvent) error

// EventBus delivers events to in-process subscribers. It is a Sink, so it can
// sit behind the emitter alongside the durable sinks.
type EventBus struct {
	handlers map[Kind][]Handler
	all      []Handler
	logger   *slog.Logger
	mu       sync.RWMutex
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers: make(map[Kind][]Handler),
		logger:   logger,
	}
}

func (eb *EventBus) Subscribe(kind Kind, handler Handler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.handlers[kind] = append(eb.handlers[kind], handler)
	eb.logger.Info("event handler registered",
		"event_type", kind,
		"total_handlers", len(eb.handlers[kind]))
}

func (eb *EventBus) SubscribeAll(handler Handler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.all = append(eb.all, handler)
}

// Publish runs the handlers in registration order and stops at the first
// failure.
func (eb *EventBus) Publish(ctx context.Context, event DomainEvent) error {
	eb.mu.RLock()
	handlers := make([]Handler, 0, len(eb.handlers[event.Kind])+len(eb.all))
	handlers = append(handlers, eb.handlers[event.Kind]...)
	handlers = append(handlers, eb.all...)
	eb.mu.RUnlock()

	if len(handlers) == 0 {
		eb.logger.Debug("no handlers for event type", "event_type", event.Kind)
		return nil
	}

	eb.logger.Debug("publishing event",
		"event_type", event.Kind,
		"event_id", event.ID,
		"handlers_count", len(handlers))

	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			eb.logger.Error("event handler failed",
				"event_type", event.Kind,
				"event_id", event.ID,
				"error", err)
			return fmt.Errorf("handler failed for event %s: %w", event.Kind, err)
		}
	}

	return nil
}
