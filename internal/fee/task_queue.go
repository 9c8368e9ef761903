package fee

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/frahmantamala/payment-connector/internal/queue"
)

const TaskCollectFeeForStripeFailedPayment = "collect_fee_for_stripe_failed_payment"

type PaymentTask struct {
	Task              string `json:"task"`
	PaymentExternalID string `json:"payment_external_id"`
}

type TaskMessage struct {
	PaymentTask
	QueueMessage queue.Message
}

// MessageQueue is the subset of queue.Queue the task queue needs.
type MessageQueue interface {
	Send(ctx context.Context, msg queue.Outgoing) error
	Receive(ctx context.Context) ([]queue.Message, error)
	Delete(ctx context.Context, msg queue.Message) error
}

type TaskQueue struct {
	queue  MessageQueue
	logger *slog.Logger
}

func NewTaskQueue(q MessageQueue, logger *slog.Logger) *TaskQueue {
	return &TaskQueue{queue: q, logger: logger}
}

// EnqueueFeeCollection schedules fee collection for a failed payment.
func (t *TaskQueue) EnqueueFeeCollection(ctx context.Context, chargeExternalID string) error {
	body, err := json.Marshal(PaymentTask{
		Task:              TaskCollectFeeForStripeFailedPayment,
		PaymentExternalID: chargeExternalID,
	})
	if err != nil {
		return fmt.Errorf("marshal payment task: %w", err)
	}
	if err := t.queue.Send(ctx, queue.Outgoing{
		Body:            string(body),
		GroupID:         chargeExternalID,
		DeduplicationID: TaskCollectFeeForStripeFailedPayment + "-" + chargeExternalID,
	}); err != nil {
		return err
	}
	t.logger.Info("fee collection task queued", "charge_external_id", chargeExternalID)
	return nil
}

// Retrieve returns the next batch of tasks. Messages that cannot be decoded
// are logged and deleted.
func (t *TaskQueue) Retrieve(ctx context.Context) ([]TaskMessage, error) {
	messages, err := t.queue.Receive(ctx)
	if err != nil {
		return nil, err
	}

	tasks := make([]TaskMessage, 0, len(messages))
	for _, m := range messages {
		var task PaymentTask
		if err := json.Unmarshal([]byte(m.Body), &task); err != nil {
			t.logger.Error("discarding malformed task message",
				"queue_message_id", m.ID,
				"error", err)
			if err := t.queue.Delete(ctx, m); err != nil {
				t.logger.Error("failed to delete malformed task message", "queue_message_id", m.ID, "error", err)
			}
			continue
		}
		tasks = append(tasks, TaskMessage{PaymentTask: task, QueueMessage: m})
	}
	return tasks, nil
}

func (t *TaskQueue) MarkProcessed(ctx context.Context, msg TaskMessage) error {
	return t.queue.Delete(ctx, msg.QueueMessage)
}
