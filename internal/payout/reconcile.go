package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stripe/stripe-go/v76"

	"github.com/frahmantamala/payment-connector/internal"
	"github.com/frahmantamala/payment-connector/internal/core/datamodel/gatewayaccount"
	"github.com/frahmantamala/payment-connector/internal/core/events"
	stripegw "github.com/frahmantamala/payment-connector/internal/gateway/stripe"
	"github.com/frahmantamala/payment-connector/internal/queue"
)

const (
	transactionTypePayment  = "payment"
	transactionTypeTransfer = "transfer"
	transactionTypePayout   = "payout"
)

var errMissingTransactionExternalID = errors.New("transaction external id missing in transfer metadata")

type AccountFinder interface {
	FindStripeAccount(ctx context.Context, stripeAccountID string) (*gatewayaccount.GatewayAccount, error)
}

type EventEmitter interface {
	Emit(ctx context.Context, events ...events.DomainEvent) error
}

type DeadLetterer interface {
	Exhausted(msg queue.Message) bool
	DeadLetter(ctx context.Context, msg queue.Message) error
}

type Config struct {
	Stripe internal.StripeConfig
	// EmitEvents turns event publication off while still acknowledging
	// reconciled payouts.
	EmitEvents bool
}

type ReconcileProcess struct {
	queue        *ReconcileQueue
	transactions BalanceTransactionSource
	accounts     AccountFinder
	emitter      EventEmitter
	deadLetter   DeadLetterer
	cfg          Config
	logger       *slog.Logger
}

func NewReconcileProcess(q *ReconcileQueue, transactions BalanceTransactionSource, accounts AccountFinder, emitter EventEmitter, deadLetter DeadLetterer, cfg Config, logger *slog.Logger) *ReconcileProcess {
	return &ReconcileProcess{
		queue:        q,
		transactions: transactions,
		accounts:     accounts,
		emitter:      emitter,
		deadLetter:   deadLetter,
		cfg:          cfg,
		logger:       logger,
	}
}

type reconcileResult struct {
	payments  int
	transfers int
	failed    int
}

// acknowledge is false for a payout with nothing to reconcile, which needs
// investigation, and for one where any transaction failed.
func (r reconcileResult) acknowledge() bool {
	return r.payments+r.transfers > 0 && r.failed == 0
}

// ProcessPayouts reconciles one batch. Each message is isolated; only a
// failure to read the queue is returned.
func (p *ReconcileProcess) ProcessPayouts(ctx context.Context) error {
	messages, err := p.queue.RetrievePayoutMessages(ctx)
	if err != nil {
		return err
	}

	for _, msg := range messages {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log := p.logger.With(
			"gateway_payout_id", msg.GatewayPayoutID,
			"connect_account_id", msg.ConnectAccountID,
			"queue_message_id", msg.QueueMessage.ID)

		log.Info("processing payout")
		result, err := p.reconcile(ctx, msg, log)
		if err != nil {
			log.Error("error processing payout", "error", err)
		}

		switch {
		case err == nil && result.acknowledge():
			log.Info("finished processing payout",
				"payments", result.payments,
				"transfers", result.transfers)
			if err := p.queue.MarkProcessed(ctx, msg); err != nil {
				log.Error("failed to acknowledge payout message", "error", err)
			}
			continue
		case err == nil && result.payments+result.transfers == 0:
			log.Error("no payments or refunds retrieved for payout, requires investigation")
		case err == nil:
			log.Error("payout partially reconciled, leaving for redelivery",
				"payments", result.payments,
				"transfers", result.transfers,
				"failed", result.failed)
		}

		if p.deadLetter != nil && p.deadLetter.Exhausted(msg.QueueMessage) {
			if err := p.deadLetter.DeadLetter(ctx, msg.QueueMessage); err != nil {
				log.Error("failed to dead-letter payout message", "error", err)
			}
		}
	}
	return nil
}

func (p *ReconcileProcess) reconcile(ctx context.Context, msg ReconcileMessage, log *slog.Logger) (reconcileResult, error) {
	var result reconcileResult

	account, err := p.accounts.FindStripeAccount(ctx, msg.ConnectAccountID)
	if err != nil {
		return result, err
	}
	apiKey := p.cfg.Stripe.AuthTokenFor(account.IsLive())

	transactions, err := p.transactions.BalanceTransactionsForPayout(ctx, apiKey, msg.GatewayPayoutID, msg.ConnectAccountID)
	if err != nil {
		return result, err
	}

	for _, bt := range transactions {
		var err error
		switch string(bt.Type) {
		case transactionTypePayment:
			if err = p.reconcilePayment(ctx, msg, bt, log); err == nil {
				result.payments++
			}
		case transactionTypeTransfer:
			if err = p.reconcileTransfer(ctx, msg, bt, log); err == nil {
				result.transfers++
			}
		case transactionTypePayout:
			err = p.emitPayoutEvents(ctx, bt)
		default:
			log.Error("payout contains a balance transaction of unexpected type",
				"balance_transaction_id", bt.ID,
				"type", bt.Type)
		}
		if err != nil {
			result.failed++
			log.Error("failed to reconcile balance transaction",
				"balance_transaction_id", bt.ID,
				"type", bt.Type,
				"error", err)
		}
	}
	return result, nil
}

func (p *ReconcileProcess) reconcilePayment(ctx context.Context, msg ReconcileMessage, bt *stripe.BalanceTransaction, log *slog.Logger) error {
	var transfer *stripe.Transfer
	if bt.Source != nil && bt.Source.Charge != nil {
		transfer = bt.Source.Charge.SourceTransfer
	}
	paymentExternalID, _, err := transferMetadata(transfer)
	if err != nil {
		return err
	}
	if err := p.emit(ctx, events.PaymentIncludedInPayout(paymentExternalID, msg.GatewayPayoutID, msg.CreatedDate)); err != nil {
		return err
	}
	log.Info("emitted event for payment included in payout", "payment_external_id", paymentExternalID)
	return nil
}

// reconcileTransfer treats a transfer as a refund unless it moved the fee for
// a failed payment, which belongs to the payment.
func (p *ReconcileProcess) reconcileTransfer(ctx context.Context, msg ReconcileMessage, bt *stripe.BalanceTransaction, log *slog.Logger) error {
	var transfer *stripe.Transfer
	if bt.Source != nil {
		transfer = bt.Source.Transfer
	}
	transactionExternalID, reason, err := transferMetadata(transfer)
	if err != nil {
		return err
	}

	if reason == stripegw.ReasonTransferFeeForFailedPayment {
		if err := p.emit(ctx, events.PaymentIncludedInPayout(transactionExternalID, msg.GatewayPayoutID, msg.CreatedDate)); err != nil {
			return err
		}
		log.Info("emitted event for payment included in payout", "payment_external_id", transactionExternalID)
		return nil
	}

	if err := p.emit(ctx, events.RefundIncludedInPayout(transactionExternalID, msg.GatewayPayoutID, msg.CreatedDate)); err != nil {
		return err
	}
	log.Info("emitted event for refund included in payout", "refund_external_id", transactionExternalID)
	return nil
}

// emitPayoutEvents also emits the terminal payout event, in case the webhook
// that normally does so was lost.
func (p *ReconcileProcess) emitPayoutEvents(ctx context.Context, bt *stripe.BalanceTransaction) error {
	if bt.Source == nil || bt.Source.Payout == nil {
		return fmt.Errorf("balance transaction %s has no payout source", bt.ID)
	}
	info := PayoutInfoFrom(bt.Source.Payout)

	if err := p.emit(ctx, events.PayoutCreatedFrom(info)); err != nil {
		return err
	}
	if terminal, ok := events.PayoutTerminalEvent(info); ok {
		return p.emit(ctx, terminal)
	}
	if info.Status == "canceled" {
		p.logger.Warn("no event for payout in terminal status",
			"gateway_payout_id", info.ID,
			"status", info.Status)
	}
	return nil
}

func (p *ReconcileProcess) emit(ctx context.Context, event events.DomainEvent) error {
	if !p.cfg.EmitEvents {
		return nil
	}
	if err := p.emitter.Emit(ctx, event); err != nil {
		return fmt.Errorf("emit %s for %s: %w", event.Kind, event.ResourceExternalID, err)
	}
	return nil
}

func transferMetadata(t *stripe.Transfer) (transactionExternalID, reason string, err error) {
	if t == nil {
		return "", "", errMissingTransactionExternalID
	}
	transactionExternalID = t.Metadata[stripegw.MetadataTransactionExternalID]
	if transactionExternalID == "" {
		return "", "", fmt.Errorf("transfer %s: %w", t.ID, errMissingTransactionExternalID)
	}
	return transactionExternalID, t.Metadata[stripegw.MetadataReason], nil
}

func (p *ReconcileProcess) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := p.ProcessPayouts(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("failed to process payout reconcile queue", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
