package stripe

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/stripe/stripe-go/v76"

	"github.com/frahmantamala/payment-connector/internal/gateway"
)

const (
	MetadataTransactionExternalID = "transaction_external_id"
	MetadataReason                = "reason"

	ReasonTransferPaymentAmount       = "transfer_payment_amount"
	ReasonTransferRefundAmount        = "transfer_refund_amount"
	ReasonTransferFeeForFailedPayment = "transfer_fee_amount_for_failed_payment"

	currency = "gbp"
)

func cardParams(card gateway.CardDetails) *stripe.PaymentMethodParams {
	month, year := splitEndDate(card.EndDate)
	params := &stripe.PaymentMethodParams{
		Type: stripe.String(string(stripe.PaymentMethodTypeCard)),
		Card: &stripe.PaymentMethodCardParams{
			Number:   optionalString(card.CardNo),
			CVC:      optionalString(card.CVC),
			ExpMonth: month,
			ExpYear:  year,
		},
		BillingDetails: &stripe.PaymentMethodBillingDetailsParams{
			Name: optionalString(card.CardHolder),
		},
	}
	if a := card.Address; a != nil {
		params.BillingDetails.Address = &stripe.AddressParams{
			Line1:      optionalString(a.Line1),
			Line2:      optionalString(a.Line2),
			PostalCode: optionalString(a.Postcode),
			City:       optionalString(a.City),
			Country:    optionalString(a.Country),
		}
	}
	return params
}

func transferMetadata(transactionExternalID, reason string) map[string]string {
	return map[string]string{
		MetadataTransactionExternalID: transactionExternalID,
		MetadataReason:                reason,
	}
}

// idempotencyKey makes a redelivered request return the first result
// instead of moving money twice.
func idempotencyKey(reason, transactionExternalID string) string {
	return reason + ":" + transactionExternalID
}

func threeDSAuthenticated(ch *stripe.Charge) bool {
	d := ch.PaymentMethodDetails
	return d != nil && d.Card != nil && d.Card.ThreeDSecure != nil &&
		d.Card.ThreeDSecure.Result == stripe.ChargePaymentMethodDetailsCardThreeDSecureResultAuthenticated
}

func latestChargeID(intent *stripe.PaymentIntent) *string {
	if intent.LatestCharge == nil {
		return nil
	}
	return optionalString(intent.LatestCharge.ID)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return stripe.String(s)
}

// splitEndDate reads MM/YY or MM/YYYY.
func splitEndDate(endDate string) (*int64, *int64) {
	parts := strings.SplitN(endDate, "/", 2)
	if len(parts) != 2 {
		return nil, nil
	}
	year := parts[1]
	if len(year) == 2 {
		year = "20" + year
	}
	m, errM := strconv.ParseInt(parts[0], 10, 64)
	y, errY := strconv.ParseInt(year, 10, 64)
	if errM != nil || errY != nil {
		return nil, nil
	}
	return stripe.Int64(m), stripe.Int64(y)
}

// leveledLogger sends stripe-go's own logging to slog. Per-request lines are
// demoted to debug.
type leveledLogger struct {
	logger *slog.Logger
}

func (l leveledLogger) Debugf(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...), "provider", gateway.NameStripe)
}

func (l leveledLogger) Infof(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...), "provider", gateway.NameStripe)
}

func (l leveledLogger) Warnf(format string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, v...), "provider", gateway.NameStripe)
}

func (l leveledLogger) Errorf(format string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, v...), "provider", gateway.NameStripe)
}
