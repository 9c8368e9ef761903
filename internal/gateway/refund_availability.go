package gateway

import (
	"github.com/frahmantamala/payment-connector/internal/core/datamodel/charge"
)

type RefundAvailability string

const (
	RefundAvailable   RefundAvailability = "AVAILABLE"
	RefundUnavailable RefundAvailability = "UNAVAILABLE"
	RefundPending     RefundAvailability = "PENDING"
	RefundFull        RefundAvailability = "FULL"
)

var refundPendingStatuses = map[charge.Status]bool{
	charge.StatusCreated:                  true,
	charge.StatusEnteringCardDetails:      true,
	charge.StatusAuthorisationReady:       true,
	charge.StatusAuthorisation3dsRequired: true,
	charge.StatusAuthorisation3dsReady:    true,
	charge.StatusAuthorisationSuccess:     true,
	charge.StatusReadyForCapture:          true,
	charge.StatusCaptureReady:             true,
}

var refundAvailableStatuses = map[charge.Status]bool{
	charge.StatusCaptureSubmitted: true,
	charge.StatusCaptured:         true,
}

// DefaultRefundAvailability is embedded by every adapter. Availability does
// not depend on the acquirer.
type DefaultRefundAvailability struct{}

func (DefaultRefundAvailability) ExternalChargeRefundAvailability(c *charge.Charge, refunds []charge.Refund) RefundAvailability {
	switch {
	case refundPendingStatuses[c.Status]:
		return RefundPending
	case refundAvailableStatuses[c.Status]:
		if RefundedAmount(refunds) >= c.Amount {
			return RefundFull
		}
		return RefundAvailable
	default:
		return RefundUnavailable
	}
}

func RefundedAmount(refunds []charge.Refund) int64 {
	var total int64
	for _, r := range refunds {
		if r.Status.CountsTowardsRefunded() {
			total += r.Amount
		}
	}
	return total
}

func RefundableAmount(c *charge.Charge, refunds []charge.Refund) int64 {
	remaining := c.Amount - RefundedAmount(refunds)
	if remaining < 0 {
		return 0
	}
	return remaining
}
