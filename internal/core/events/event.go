package events

import (
	"time"

	"github.com/google/uuid"
)

type ResourceType string

const (
	ResourceTypePayment ResourceType = "PAYMENT"
	ResourceTypeRefund  ResourceType = "REFUND"
	ResourceTypeDispute ResourceType = "DISPUTE"
	ResourceTypePayout  ResourceType = "PAYOUT"
)

type Kind string

const (
	KindPaymentCreated                  Kind = "PAYMENT_CREATED"
	KindPaymentStarted                  Kind = "PAYMENT_STARTED"
	KindAuthorisation3dsRequired        Kind = "REQUESTED_3DS_AUTHENTICATION"
	KindAuthorisationSucceeded          Kind = "AUTHORISATION_SUCCEEDED"
	KindAuthorisationRejected           Kind = "AUTHORISATION_REJECTED"
	KindAuthorisationCancelled          Kind = "AUTHORISATION_CANCELLED"
	KindGatewayErrorDuringAuthorisation Kind = "GATEWAY_ERROR_DURING_AUTHORISATION"
	KindGatewayTimeoutDuringAuth        Kind = "GATEWAY_TIMEOUT_DURING_AUTHORISATION"
	KindUnexpectedGatewayError          Kind = "UNEXPECTED_GATEWAY_ERROR_DURING_AUTHORISATION"
	KindCaptureSubmitted                Kind = "CAPTURE_SUBMITTED"
	KindCaptureConfirmed                Kind = "CAPTURE_CONFIRMED"
	KindCaptureErrored                  Kind = "CAPTURE_ERRORED"
	KindCancelledByExternalService      Kind = "CANCELLED_BY_EXTERNAL_SERVICE"
	KindCancelledByUser                 Kind = "CANCELLED_BY_USER"
	KindPaymentExpired                  Kind = "PAYMENT_EXPIRED"
	KindFeeIncurred                     Kind = "FEE_INCURRED"

	KindRefundCreatedByUser Kind = "REFUND_CREATED_BY_USER"
	KindRefundSubmitted     Kind = "REFUND_SUBMITTED"
	KindRefundSucceeded     Kind = "REFUND_SUCCEEDED"
	KindRefundError         Kind = "REFUND_ERROR"

	KindPaymentIncludedInPayout Kind = "PAYMENT_INCLUDED_IN_PAYOUT"
	KindRefundIncludedInPayout  Kind = "REFUND_INCLUDED_IN_PAYOUT"
	KindPayoutCreated           Kind = "PAYOUT_CREATED"
	KindPayoutPaid              Kind = "PAYOUT_PAID"
	KindPayoutFailed            Kind = "PAYOUT_FAILED"

	KindDisputeCreated Kind = "DISPUTE_CREATED"
)

// DomainEvent is an immutable fact about one resource. Build it through the
// factory for its kind so only the fields that belong to the public contract
// are copied in.
type DomainEvent struct {
	ID                       string       `json:"event_id"`
	Kind                     Kind         `json:"event_type"`
	ResourceType             ResourceType `json:"resource_type"`
	ResourceExternalID       string       `json:"resource_external_id"`
	ParentResourceExternalID string       `json:"parent_resource_external_id,omitempty"`
	ServiceID                string       `json:"service_id,omitempty"`
	Live                     *bool        `json:"live,omitempty"`
	Timestamp                time.Time    `json:"timestamp"`
	Details                  Details      `json:"event_details"`
}

// PartitionKey groups events that must be delivered in generation order.
func (e DomainEvent) PartitionKey() string {
	return e.ResourceExternalID
}

// DedupeKey identifies an event for at-most-once publication.
func (e DomainEvent) DedupeKey() string {
	return e.ResourceExternalID + "#" + string(e.Kind)
}

func newEvent(kind Kind, resourceType ResourceType, resourceExternalID string, at time.Time, details Details) DomainEvent {
	if details == nil {
		details = EmptyDetails{}
	}
	return DomainEvent{
		ID:                 uuid.New().String(),
		Kind:               kind,
		ResourceType:       resourceType,
		ResourceExternalID: resourceExternalID,
		Timestamp:          at.UTC(),
		Details:            details,
	}
}

func (e DomainEvent) withParent(parentExternalID string) DomainEvent {
	e.ParentResourceExternalID = parentExternalID
	return e
}

func (e DomainEvent) withService(serviceID string, live bool) DomainEvent {
	e.ServiceID = serviceID
	e.Live = &live
	return e
}

// Details is the closed set of event payloads.
type Details interface {
	details()
}

type EmptyDetails struct{}

type PaymentCreatedDetails struct {
	Amount               int64   `json:"amount"`
	Description          string  `json:"description"`
	Reference            string  `json:"reference"`
	ReturnURL            string  `json:"return_url"`
	GatewayAccountID     int64   `json:"gateway_account_id"`
	PaymentProvider      string  `json:"payment_provider"`
	CredentialExternalID string  `json:"credential_external_id"`
	Language             string  `json:"language"`
	Email                *string `json:"email,omitempty"`
}

type PaymentDetails struct {
	GatewayTransactionID string `json:"gateway_transaction_id,omitempty"`
	CardBrand            string `json:"card_brand,omitempty"`
	LastDigitsCardNumber string `json:"last_digits_card_number,omitempty"`
	CardExpiry           string `json:"expiry_date,omitempty"`
	WalletType           string `json:"wallet_type,omitempty"`
	Fee                  *int64 `json:"fee,omitempty"`
	NetAmount            *int64 `json:"net_amount,omitempty"`
}

type RefundDetails struct {
	Amount               int64  `json:"amount"`
	UserExternalID       string `json:"refunded_by,omitempty"`
	GatewayTransactionID string `json:"gateway_transaction_id,omitempty"`
}

type PayoutInclusionDetails struct {
	GatewayPayoutID string `json:"gateway_payout_id"`
}

type PayoutDetails struct {
	Amount              int64     `json:"amount"`
	ArrivalDate         time.Time `json:"arrival_date"`
	Status              string    `json:"gateway_status"`
	Type                string    `json:"destination_type"`
	StatementDescriptor string    `json:"statement_descriptor"`
	FailureCode         string    `json:"failure_code,omitempty"`
	FailureMessage      string    `json:"failure_message,omitempty"`
}

type DisputeDetails struct {
	Amount           int64     `json:"amount"`
	Fee              int64     `json:"fee"`
	NetAmount        int64     `json:"net_amount"`
	Reason           string    `json:"reason"`
	EvidenceDueDate  time.Time `json:"evidence_due_date"`
	GatewayDisputeID string    `json:"gateway_dispute_id"`
}

type FeeBreakdown struct {
	FeeType string `json:"fee_type"`
	Amount  int64  `json:"amount"`
}

type FeeDetails struct {
	Fee          int64          `json:"fee"`
	FeeBreakdown []FeeBreakdown `json:"fee_breakdown"`
}

func (EmptyDetails) details()           {}
func (PaymentCreatedDetails) details()  {}
func (PaymentDetails) details()         {}
func (RefundDetails) details()          {}
func (PayoutInclusionDetails) details() {}
func (PayoutDetails) details()          {}
func (DisputeDetails) details()         {}
func (FeeDetails) details()             {}
