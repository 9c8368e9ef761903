package gateway

import (
	"context"

	"github.com/frahmantamala/payment-connector/internal/core/datamodel/charge"
)

// PaymentProvider is implemented once per acquirer. Every method makes at most
// one outbound call and returns *GatewayError for transport failures.
type PaymentProvider interface {
	Name() Name
	Capabilities() Capabilities
	CanQueryPaymentStatus() bool

	// GenerateTransactionID returns false when the acquirer assigns the id.
	GenerateTransactionID() (string, bool)

	Authorise(ctx context.Context, req *CardAuthorisationRequest) (*AuthorisationOutcome, error)
	Authorise3dsResponse(ctx context.Context, req *Auth3dsResponseRequest) (*AuthorisationOutcome, error)
	AuthoriseWallet(ctx context.Context, req *WalletAuthorisationRequest) (*AuthorisationOutcome, error)
	Capture(ctx context.Context, req *CaptureRequest) (*CaptureOutcome, error)
	Cancel(ctx context.Context, req *CancelRequest) (*CancelOutcome, error)
	Refund(ctx context.Context, req *RefundRequest) (*RefundOutcome, error)
	QueryPaymentStatus(ctx context.Context, req *QueryRequest) (*StatusOutcome, error)

	ExternalChargeRefundAvailability(c *charge.Charge, refunds []charge.Refund) RefundAvailability
}

// FailedPaymentFeeCollector is implemented by acquirers that bill for
// authorisation attempts that did not succeed.
type FailedPaymentFeeCollector interface {
	CollectFeesForFailedPayment(ctx context.Context, req *FeeCollectionRequest) ([]CollectedFee, error)
}

type DeviceDataCollector interface {
	DeviceDataCollectionToken(creds Credentials, chargeExternalID string) (string, error)
}
