package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/frahmantamala/payment-connector/internal/queue"
)

// Sink is an append-only destination for events.
type Sink interface {
	Publish(ctx context.Context, event DomainEvent) error
}

type SinkFunc func(ctx context.Context, event DomainEvent) error

func (f SinkFunc) Publish(ctx context.Context, event DomainEvent) error {
	return f(ctx, event)
}

// Fanout publishes to every sink in order and fails on the first error.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, event DomainEvent) error {
	for _, s := range f {
		if err := s.Publish(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

type QueueSender interface {
	Send(ctx context.Context, msg queue.Outgoing) error
}

// SQSSink writes events to a FIFO queue grouped by resource, so the queue
// keeps the per-resource order the emitter established.
type SQSSink struct {
	sender QueueSender
}

func NewSQSSink(sender QueueSender) *SQSSink {
	return &SQSSink{sender: sender}
}

func (s *SQSSink) Publish(ctx context.Context, event DomainEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.ID, err)
	}
	return s.sender.Send(ctx, queue.Outgoing{
		Body:            string(body),
		GroupID:         event.PartitionKey(),
		DeduplicationID: event.ID,
	})
}
