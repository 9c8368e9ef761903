// Package notification receives asynchronous reports from acquirers and
// turns them into charge transitions and events.
package notification

import (
	"context"
	"errors"

	"github.com/frahmantamala/payment-connector/internal"
	chargesvc "github.com/frahmantamala/payment-connector/internal/charge"
	"github.com/frahmantamala/payment-connector/internal/core/datamodel/charge"
	"github.com/frahmantamala/payment-connector/internal/core/datamodel/gatewayaccount"
	"github.com/frahmantamala/payment-connector/internal/core/events"
	"github.com/frahmantamala/payment-connector/internal/payout"
)

type ChargeNotifier interface {
	FindByGatewayTransactionID(ctx context.Context, provider, transactionID string) (*charge.Charge, error)
	ApplyNotification(ctx context.Context, provider string, n chargesvc.Notification) error
}

type AccountService interface {
	Get(ctx context.Context, id int64) (*gatewayaccount.GatewayAccount, error)
	VerifyNotificationCredentials(account *gatewayaccount.GatewayAccount, username, password string) error
}

type EventEmitter interface {
	Emit(ctx context.Context, events ...events.DomainEvent) error
}

type PayoutSender interface {
	SendPayout(ctx context.Context, msg payout.ReconcileMessage) error
}

// ignorable reports errors that redelivery of the same notification would
// not fix.
func ignorable(err error) bool {
	return errors.Is(err, internal.ErrChargeNotFound) ||
		errors.Is(err, internal.ErrRefundNotFound) ||
		errors.Is(err, internal.ErrIllegalState) ||
		errors.Is(err, internal.ErrInvalidNotification) ||
		errors.Is(err, internal.ErrEventEmission)
}
