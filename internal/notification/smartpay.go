package notification

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/frahmantamala/payment-connector/internal"
	chargesvc "github.com/frahmantamala/payment-connector/internal/charge"
	"github.com/frahmantamala/payment-connector/internal/gateway"
	"github.com/frahmantamala/payment-connector/internal/transport"
)

const smartpayAccepted = "[accepted]"

const (
	smartpayEventAuthorisation = "AUTHORISATION"
	smartpayEventCapture       = "CAPTURE"
	smartpayEventRefund        = "REFUND"
)

type smartpayNotification struct {
	Live  string         `json:"live"`
	Items []smartpayItem `json:"notificationItems"`
}

type smartpayItem struct {
	Request smartpayRequestItem `json:"NotificationRequestItem"`
}

type smartpayRequestItem struct {
	EventCode         string `json:"eventCode"`
	PspReference      string `json:"pspReference"`
	OriginalReference string `json:"originalReference"`
	MerchantReference string `json:"merchantReference"`
	Success           string `json:"success"`
	Reason            string `json:"reason"`
}

func (i smartpayRequestItem) succeeded() bool {
	return i.Success == "true"
}

// chargeReference is the psp reference Smartpay assigned to the payment
// itself. Modifications carry it as the original reference.
func (i smartpayRequestItem) chargeReference() string {
	if i.EventCode == smartpayEventAuthorisation {
		return i.PspReference
	}
	return i.OriginalReference
}

func (i smartpayRequestItem) toNotification() (chargesvc.Notification, bool) {
	switch i.EventCode {
	case smartpayEventAuthorisation:
		status := chargesvc.NotificationRejected
		if i.succeeded() {
			status = chargesvc.NotificationAuthorised
		}
		return chargesvc.Notification{TransactionID: i.PspReference, Status: status}, true
	case smartpayEventCapture:
		if !i.succeeded() {
			return chargesvc.Notification{}, false
		}
		return chargesvc.Notification{TransactionID: i.OriginalReference, Status: chargesvc.NotificationCaptured}, true
	case smartpayEventRefund:
		status := chargesvc.NotificationRefundFailed
		if i.succeeded() {
			status = chargesvc.NotificationRefunded
		}
		return chargesvc.Notification{TransactionID: i.PspReference, Status: status}, true
	}
	return chargesvc.Notification{}, false
}

// SmartpayHandler accepts Smartpay notifications authenticated with the
// notification credentials of the gateway account owning each charge.
type SmartpayHandler struct {
	*transport.BaseHandler
	charges  ChargeNotifier
	accounts AccountService
	logger   *slog.Logger
}

func NewSmartpayHandler(base *transport.BaseHandler, charges ChargeNotifier, accounts AccountService, logger *slog.Logger) *SmartpayHandler {
	return &SmartpayHandler{
		BaseHandler: base,
		charges:     charges,
		accounts:    accounts,
		logger:      logger,
	}
}

func (h *SmartpayHandler) HandleNotification(w http.ResponseWriter, r *http.Request) {
	var payload smartpayNotification
	if err := h.DecodeJSON(r, &payload); err != nil {
		h.WriteAppError(w, err)
		return
	}

	username, password, ok := r.BasicAuth()
	if !ok {
		h.WriteAppError(w, internal.ErrInvalidCredentials)
		return
	}

	for _, item := range payload.Items {
		if err := h.process(r.Context(), item.Request, username, password); err != nil {
			if errors.Is(err, internal.ErrInvalidCredentials) {
				h.logger.Warn("smartpay notification failed authentication",
					"psp_reference", item.Request.PspReference)
				h.WriteAppError(w, err)
				return
			}
			h.logger.Error("failed to process smartpay notification",
				"event_code", item.Request.EventCode,
				"psp_reference", item.Request.PspReference,
				"error", err)
			h.WriteError(w, http.StatusInternalServerError, "failed to process notification")
			return
		}
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(smartpayAccepted))
}

func (h *SmartpayHandler) process(ctx context.Context, item smartpayRequestItem, username, password string) error {
	log := h.logger.With(
		"provider", gateway.NameSmartpay,
		"event_code", item.EventCode,
		"psp_reference", item.PspReference)

	notification, ok := item.toNotification()
	if !ok {
		log.Info("ignoring smartpay notification", "success", item.Success)
		return nil
	}

	c, err := h.charges.FindByGatewayTransactionID(ctx, string(gateway.NameSmartpay), item.chargeReference())
	if err != nil {
		if errors.Is(err, internal.ErrChargeNotFound) {
			log.Warn("smartpay notification for unknown charge")
			return nil
		}
		return err
	}

	account, err := h.accounts.Get(ctx, c.GatewayAccountID)
	if err != nil {
		return err
	}
	if err := h.accounts.VerifyNotificationCredentials(account, username, password); err != nil {
		return err
	}

	err = h.charges.ApplyNotification(ctx, string(gateway.NameSmartpay), notification)
	if err != nil && ignorable(err) {
		log.Warn("smartpay notification not applied",
			"charge_external_id", c.ExternalID,
			"error", err)
		return nil
	}
	return err
}
