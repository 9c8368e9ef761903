package payout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/frahmantamala/payment-connector/internal/queue"
)

// ReconcileMessage asks for the balance transactions of one Stripe payout to
// be turned into events.
type ReconcileMessage struct {
	GatewayPayoutID  string    `json:"gateway_payout_id"`
	ConnectAccountID string    `json:"connect_account_id"`
	CreatedDate      time.Time `json:"created_date"`

	QueueMessage queue.Message `json:"-"`
}

type MessageQueue interface {
	Send(ctx context.Context, msg queue.Outgoing) error
	Receive(ctx context.Context) ([]queue.Message, error)
	Delete(ctx context.Context, msg queue.Message) error
}

type ReconcileQueue struct {
	queue  MessageQueue
	logger *slog.Logger
}

func NewReconcileQueue(q MessageQueue, logger *slog.Logger) *ReconcileQueue {
	return &ReconcileQueue{queue: q, logger: logger}
}

// SendPayout queues a payout for reconciliation.
func (r *ReconcileQueue) SendPayout(ctx context.Context, msg ReconcileMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal payout reconcile message: %w", err)
	}
	return r.queue.Send(ctx, queue.Outgoing{
		Body:            string(body),
		GroupID:         msg.ConnectAccountID,
		DeduplicationID: msg.GatewayPayoutID,
	})
}

// RetrievePayoutMessages returns the next batch. Undecodable messages are
// logged and deleted.
func (r *ReconcileQueue) RetrievePayoutMessages(ctx context.Context) ([]ReconcileMessage, error) {
	messages, err := r.queue.Receive(ctx)
	if err != nil {
		return nil, err
	}

	payouts := make([]ReconcileMessage, 0, len(messages))
	for _, m := range messages {
		var msg ReconcileMessage
		if err := json.Unmarshal([]byte(m.Body), &msg); err != nil || msg.GatewayPayoutID == "" {
			r.logger.Error("discarding malformed payout reconcile message",
				"queue_message_id", m.ID,
				"error", err)
			if err := r.queue.Delete(ctx, m); err != nil {
				r.logger.Error("failed to delete malformed payout message", "queue_message_id", m.ID, "error", err)
			}
			continue
		}
		msg.QueueMessage = m
		payouts = append(payouts, msg)
	}
	return payouts, nil
}

func (r *ReconcileQueue) MarkProcessed(ctx context.Context, msg ReconcileMessage) error {
	return r.queue.Delete(ctx, msg.QueueMessage)
}
