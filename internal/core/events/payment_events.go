package events

import (
	"time"

	"github.com/frahmantamala/payment-connector/internal/core/datamodel/charge"
)

var statusEventKinds = map[charge.Status]Kind{
	charge.StatusEnteringCardDetails:          KindPaymentStarted,
	charge.StatusAuthorisation3dsRequired:     KindAuthorisation3dsRequired,
	charge.StatusAuthorisationSuccess:         KindAuthorisationSucceeded,
	charge.StatusAuthorisationRejected:        KindAuthorisationRejected,
	charge.StatusAuthorisationCancelled:       KindAuthorisationCancelled,
	charge.StatusAuthorisationError:           KindGatewayErrorDuringAuthorisation,
	charge.StatusAuthorisationTimeout:         KindGatewayTimeoutDuringAuth,
	charge.StatusAuthorisationUnexpectedError: KindUnexpectedGatewayError,
	charge.StatusCaptureSubmitted:             KindCaptureSubmitted,
	charge.StatusCaptured:                     KindCaptureConfirmed,
	charge.StatusCaptureUnknown:               KindCaptureErrored,
	charge.StatusSystemCancelled:              KindCancelledByExternalService,
	charge.StatusUserCancelled:                KindCancelledByUser,
	charge.StatusExpired:                      KindPaymentExpired,
}

var refundEventKinds = map[charge.RefundStatus]Kind{
	charge.RefundStatusCreated:   KindRefundCreatedByUser,
	charge.RefundStatusSubmitted: KindRefundSubmitted,
	charge.RefundStatusRefunded:  KindRefundSucceeded,
	charge.RefundStatusError:     KindRefundError,
}

func PaymentCreatedFrom(c *charge.Charge) DomainEvent {
	return newEvent(KindPaymentCreated, ResourceTypePayment, c.ExternalID, c.CreatedAt, PaymentCreatedDetails{
		Amount:               c.Amount,
		Description:          c.Description,
		Reference:            c.Reference,
		ReturnURL:            c.ReturnURL,
		GatewayAccountID:     c.GatewayAccountID,
		PaymentProvider:      c.PaymentProvider,
		CredentialExternalID: c.CredentialExternalID,
		Language:             c.Language,
		Email:                c.Email,
	})
}

// PaymentStatusChanged builds the event announcing the charge's current
// status. Statuses that only lock the charge for an in-flight gateway call
// have no event and report false.
func PaymentStatusChanged(c *charge.Charge, at time.Time) (DomainEvent, bool) {
	kind, ok := statusEventKinds[c.Status]
	if !ok {
		return DomainEvent{}, false
	}
	return newEvent(kind, ResourceTypePayment, c.ExternalID, at, PaymentDetails{
		GatewayTransactionID: c.TransactionID(),
		CardBrand:            deref(c.CardBrand),
		LastDigitsCardNumber: deref(c.LastDigitsCardNumber),
		CardExpiry:           deref(c.CardExpiry),
		WalletType:           deref(c.WalletType),
	}), true
}

// CaptureSubmittedWithFee is emitted in place of the plain status event when
// the acquirer deducted a platform fee at capture.
func CaptureSubmittedWithFee(c *charge.Charge, fee int64, at time.Time) DomainEvent {
	net := c.Amount - fee
	return newEvent(KindCaptureSubmitted, ResourceTypePayment, c.ExternalID, at, PaymentDetails{
		GatewayTransactionID: c.TransactionID(),
		Fee:                  &fee,
		NetAmount:            &net,
	})
}

func RefundEvent(r *charge.Refund, at time.Time) (DomainEvent, bool) {
	kind, ok := refundEventKinds[r.Status]
	if !ok {
		return DomainEvent{}, false
	}
	return newEvent(kind, ResourceTypeRefund, r.ExternalID, at, RefundDetails{
		Amount:               r.Amount,
		UserExternalID:       deref(r.UserExternalID),
		GatewayTransactionID: deref(r.GatewayTransactionID),
	}).withParent(r.ChargeExternalID), true
}

func FeeIncurredFrom(c *charge.Charge, fees []charge.Fee, at time.Time) DomainEvent {
	breakdown := make([]FeeBreakdown, 0, len(fees))
	for _, f := range fees {
		breakdown = append(breakdown, FeeBreakdown{FeeType: string(f.FeeType), Amount: f.AmountCollected})
	}
	return newEvent(KindFeeIncurred, ResourceTypePayment, c.ExternalID, at, FeeDetails{
		Fee:          charge.TotalFees(fees),
		FeeBreakdown: breakdown,
	})
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
