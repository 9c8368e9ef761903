package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/frahmantamala/payment-connector/internal"
	chargesvc "github.com/frahmantamala/payment-connector/internal/charge"
	"github.com/frahmantamala/payment-connector/internal/core/events"
	"github.com/frahmantamala/payment-connector/internal/gateway"
	"github.com/frahmantamala/payment-connector/internal/payout"
	"github.com/frahmantamala/payment-connector/internal/transport"
)

const (
	stripeSignatureHeader = "Stripe-Signature"
	maxStripePayloadBytes = 65536
)

const (
	eventPaymentIntentCapturable = "payment_intent.amount_capturable_updated"
	eventPaymentIntentFailed     = "payment_intent.payment_failed"
	eventDisputeCreated          = "charge.dispute.created"
	eventPayoutCreated           = "payout.created"
	eventPayoutPaid              = "payout.paid"
	eventPayoutFailed            = "payout.failed"
)

type StripeConfig struct {
	Stripe           internal.StripeConfig
	EmitPayoutEvents bool
}

// StripeHandler verifies Stripe webhook signatures against the test and live
// secrets and dispatches on the event type.
type StripeHandler struct {
	*transport.BaseHandler
	charges  ChargeNotifier
	accounts AccountService
	emitter  EventEmitter
	payouts  PayoutSender
	cfg      StripeConfig
	logger   *slog.Logger
}

func NewStripeHandler(base *transport.BaseHandler, charges ChargeNotifier, accounts AccountService, emitter EventEmitter, payouts PayoutSender, cfg StripeConfig, logger *slog.Logger) *StripeHandler {
	return &StripeHandler{
		BaseHandler: base,
		charges:     charges,
		accounts:    accounts,
		emitter:     emitter,
		payouts:     payouts,
		cfg:         cfg,
		logger:      logger,
	}
}

func (h *StripeHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxStripePayloadBytes))
	if err != nil {
		h.WriteError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	event, err := h.verify(payload, r.Header.Get(stripeSignatureHeader))
	if err != nil {
		h.logger.Warn("rejected stripe webhook", "error", err)
		h.WriteError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	log := h.logger.With(
		"stripe_event_id", event.ID,
		"stripe_event_type", event.Type,
		"connect_account_id", event.Account)

	if err := h.dispatch(r.Context(), event, log); err != nil {
		if ignorable(err) {
			log.Warn("stripe webhook not applied", "error", err)
		} else {
			log.Error("failed to process stripe webhook", "error", err)
			h.WriteError(w, http.StatusInternalServerError, "failed to process webhook")
			return
		}
	}
	h.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *StripeHandler) verify(payload []byte, signature string) (stripe.Event, error) {
	opts := webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true}
	var lastErr error
	for _, secret := range []string{h.cfg.Stripe.TestWebhookSecret, h.cfg.Stripe.LiveWebhookSecret} {
		if secret == "" {
			continue
		}
		event, err := webhook.ConstructEventWithOptions(payload, signature, secret, opts)
		if err == nil {
			return event, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no stripe webhook secret configured")
	}
	return stripe.Event{}, lastErr
}

func (h *StripeHandler) dispatch(ctx context.Context, event stripe.Event, log *slog.Logger) error {
	if event.Data == nil {
		return fmt.Errorf("stripe event %s has no data: %w", event.ID, internal.ErrInvalidNotification)
	}
	switch string(event.Type) {
	case eventPaymentIntentCapturable:
		return h.applyPaymentIntent(ctx, event, chargesvc.NotificationAuthorised)
	case eventPaymentIntentFailed:
		return h.applyPaymentIntent(ctx, event, chargesvc.NotificationRejected)
	case eventDisputeCreated:
		return h.disputeCreated(ctx, event, log)
	case eventPayoutCreated, eventPayoutPaid, eventPayoutFailed:
		return h.payoutUpdated(ctx, event, log)
	}
	log.Debug("ignoring stripe webhook")
	return nil
}

// applyPaymentIntent reports the outcome of a payment intent that waited on
// 3DS authentication.
func (h *StripeHandler) applyPaymentIntent(ctx context.Context, event stripe.Event, status chargesvc.NotificationStatus) error {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return fmt.Errorf("decode payment intent: %w", internal.ErrInvalidNotification)
	}
	return h.charges.ApplyNotification(ctx, string(gateway.NameStripe), chargesvc.Notification{
		TransactionID: intent.ID,
		Status:        status,
	})
}

func (h *StripeHandler) disputeCreated(ctx context.Context, event stripe.Event, log *slog.Logger) error {
	var dispute stripe.Dispute
	if err := json.Unmarshal(event.Data.Raw, &dispute); err != nil || dispute.PaymentIntent == nil {
		return fmt.Errorf("decode dispute: %w", internal.ErrInvalidNotification)
	}

	c, err := h.charges.FindByGatewayTransactionID(ctx, string(gateway.NameStripe), dispute.PaymentIntent.ID)
	if err != nil {
		return err
	}
	account, err := h.accounts.Get(ctx, c.GatewayAccountID)
	if err != nil {
		return err
	}

	info := events.DisputeInfo{
		ID:                dispute.ID,
		PaymentExternalID: c.ExternalID,
		ServiceID:         account.ServiceID,
		Live:              account.IsLive(),
		Amount:            dispute.Amount,
		Reason:            string(dispute.Reason),
		Created:           time.Unix(dispute.Created, 0).UTC(),
	}
	for _, bt := range dispute.BalanceTransactions {
		info.Fee += bt.Fee
		info.NetAmount += bt.Net
	}
	if dispute.EvidenceDetails != nil {
		info.EvidenceDueDate = time.Unix(dispute.EvidenceDetails.DueBy, 0).UTC()
	}

	if err := h.emitter.Emit(ctx, events.DisputeCreatedFrom(info)); err != nil {
		return internal.NewEventEmissionError(err)
	}
	log.Info("emitted dispute created event",
		"charge_external_id", c.ExternalID,
		"gateway_dispute_id", dispute.ID)
	return nil
}

// payoutUpdated queues paid payouts for reconciliation and reports payout
// status changes as events.
func (h *StripeHandler) payoutUpdated(ctx context.Context, event stripe.Event, log *slog.Logger) error {
	var p stripe.Payout
	if err := json.Unmarshal(event.Data.Raw, &p); err != nil || p.ID == "" {
		return fmt.Errorf("decode payout: %w", internal.ErrInvalidNotification)
	}
	info := payout.PayoutInfoFrom(&p)

	if string(event.Type) == eventPayoutPaid {
		err := h.payouts.SendPayout(ctx, payout.ReconcileMessage{
			GatewayPayoutID:  p.ID,
			ConnectAccountID: event.Account,
			CreatedDate:      info.Created,
		})
		if err != nil {
			return fmt.Errorf("queue payout %s for reconciliation: %w", p.ID, err)
		}
		log.Info("queued payout for reconciliation", "gateway_payout_id", p.ID)
	}

	if !h.cfg.EmitPayoutEvents {
		return nil
	}
	e := events.PayoutCreatedFrom(info)
	if string(event.Type) != eventPayoutCreated {
		terminal, ok := events.PayoutTerminalEvent(info)
		if !ok {
			log.Info("no event for payout status", "gateway_payout_id", p.ID, "status", info.Status)
			return nil
		}
		e = terminal
	}
	if err := h.emitter.Emit(ctx, e); err != nil {
		return internal.NewEventEmissionError(err)
	}
	return nil
}
