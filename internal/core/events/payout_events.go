package events

import "time"

type PayoutInfo struct {
	ID                  string
	Amount              int64
	ArrivalDate         time.Time
	Created             time.Time
	Status              string
	Type                string
	StatementDescriptor string
	FailureCode         string
	FailureMessage      string
}

type DisputeInfo struct {
	ID                string
	PaymentExternalID string
	ServiceID         string
	Live              bool
	Amount            int64
	Fee               int64
	NetAmount         int64
	Reason            string
	EvidenceDueDate   time.Time
	Created           time.Time
}

var payoutTerminalKinds = map[string]Kind{
	"paid":   KindPayoutPaid,
	"failed": KindPayoutFailed,
}

func PaymentIncludedInPayout(paymentExternalID, gatewayPayoutID string, at time.Time) DomainEvent {
	return newEvent(KindPaymentIncludedInPayout, ResourceTypePayment, paymentExternalID, at,
		PayoutInclusionDetails{GatewayPayoutID: gatewayPayoutID})
}

func RefundIncludedInPayout(refundExternalID, gatewayPayoutID string, at time.Time) DomainEvent {
	return newEvent(KindRefundIncludedInPayout, ResourceTypeRefund, refundExternalID, at,
		PayoutInclusionDetails{GatewayPayoutID: gatewayPayoutID})
}

func PayoutCreatedFrom(p PayoutInfo) DomainEvent {
	return newEvent(KindPayoutCreated, ResourceTypePayout, p.ID, p.Created, payoutDetails(p))
}

// PayoutTerminalEvent reports false for statuses without an event, such as
// canceled or in_transit.
func PayoutTerminalEvent(p PayoutInfo) (DomainEvent, bool) {
	kind, ok := payoutTerminalKinds[p.Status]
	if !ok {
		return DomainEvent{}, false
	}
	return newEvent(kind, ResourceTypePayout, p.ID, p.Created, payoutDetails(p)), true
}

func DisputeCreatedFrom(d DisputeInfo) DomainEvent {
	return newEvent(KindDisputeCreated, ResourceTypeDispute, d.ID, d.Created, DisputeDetails{
		Amount:           d.Amount,
		Fee:              d.Fee,
		NetAmount:        d.NetAmount,
		Reason:           d.Reason,
		EvidenceDueDate:  d.EvidenceDueDate,
		GatewayDisputeID: d.ID,
	}).withParent(d.PaymentExternalID).withService(d.ServiceID, d.Live)
}

func payoutDetails(p PayoutInfo) PayoutDetails {
	return PayoutDetails{
		Amount:              p.Amount,
		ArrivalDate:         p.ArrivalDate,
		Status:              p.Status,
		Type:                p.Type,
		StatementDescriptor: p.StatementDescriptor,
		FailureCode:         p.FailureCode,
		FailureMessage:      p.FailureMessage,
	}
}
