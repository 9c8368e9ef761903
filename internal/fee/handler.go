package fee

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/frahmantamala/payment-connector/internal"
	"github.com/frahmantamala/payment-connector/internal/queue"
)

type FeeCollector interface {
	CollectAndPersistFees(ctx context.Context, chargeExternalID string) error
}

type DeadLetterer interface {
	Exhausted(msg queue.Message) bool
	DeadLetter(ctx context.Context, msg queue.Message) error
}

type TaskHandler struct {
	tasks      *TaskQueue
	collector  FeeCollector
	deadLetter DeadLetterer
	logger     *slog.Logger
}

// NewTaskHandler builds the consumer of the task queue. deadLetter may be nil,
// in which case failing tasks are redelivered until the queue drops them.
func NewTaskHandler(tasks *TaskQueue, collector FeeCollector, deadLetter DeadLetterer, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{
		tasks:      tasks,
		collector:  collector,
		deadLetter: deadLetter,
		logger:     logger,
	}
}

// ProcessMessages handles one batch. Each task is isolated: a failure is
// logged and the message is left for redelivery.
func (h *TaskHandler) ProcessMessages(ctx context.Context) error {
	messages, err := h.tasks.Retrieve(ctx)
	if err != nil {
		return err
	}

	for _, msg := range messages {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if h.handle(ctx, msg) {
			if err := h.tasks.MarkProcessed(ctx, msg); err != nil {
				h.logger.Error("failed to acknowledge task message",
					"queue_message_id", msg.QueueMessage.ID,
					"error", err)
			}
			continue
		}
		if h.deadLetter != nil && h.deadLetter.Exhausted(msg.QueueMessage) {
			if err := h.deadLetter.DeadLetter(ctx, msg.QueueMessage); err != nil {
				h.logger.Error("failed to dead-letter task message",
					"queue_message_id", msg.QueueMessage.ID,
					"error", err)
			}
		}
	}
	return nil
}

// handle reports whether the message should be acknowledged.
func (h *TaskHandler) handle(ctx context.Context, msg TaskMessage) bool {
	switch msg.Task {
	case TaskCollectFeeForStripeFailedPayment:
		err := h.collector.CollectAndPersistFees(ctx, msg.PaymentExternalID)
		switch {
		case err == nil:
			return true
		case errors.Is(err, internal.ErrDataAssumptionViolation):
			h.logger.Error("fee collection violated a data assumption, not retrying",
				"charge_external_id", msg.PaymentExternalID,
				"queue_message_id", msg.QueueMessage.ID,
				"error", err)
			return true
		case errors.Is(err, internal.ErrEventEmission):
			h.logger.Error("fees persisted but FEE_INCURRED was not emitted",
				"charge_external_id", msg.PaymentExternalID,
				"queue_message_id", msg.QueueMessage.ID,
				"error", err)
			return true
		default:
			h.logger.Error("fee collection failed",
				"charge_external_id", msg.PaymentExternalID,
				"queue_message_id", msg.QueueMessage.ID,
				"receive_count", msg.QueueMessage.ReceiveCount,
				"error", err)
			return false
		}
	default:
		h.logger.Error("task is not supported",
			"task", msg.Task,
			"charge_external_id", msg.PaymentExternalID,
			"queue_message_id", msg.QueueMessage.ID)
		return true
	}
}

func (h *TaskHandler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := h.ProcessMessages(ctx); err != nil && ctx.Err() == nil {
			h.logger.Error("failed to process task queue", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
