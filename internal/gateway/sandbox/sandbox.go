package sandbox

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/frahmantamala/payment-connector/internal"
	"github.com/frahmantamala/payment-connector/internal/gateway"
)

// Magic card numbers recognised by the sandbox. Any other number authorises.
const (
	CardDeclined        = "4000000000000002"
	CardProcessingError = "4000000000000119"
	CardExpired         = "4000000000000069"
	CardCVCError        = "4000000000000127"
)

var lastDigitsOutcome = map[string]gateway.AuthoriseStatus{
	"0002": gateway.AuthoriseStatusRejected,
	"0069": gateway.AuthoriseStatusRejected,
	"0127": gateway.AuthoriseStatusRejected,
	"0119": gateway.AuthoriseStatusError,
}

var cardOutcome = map[string]gateway.AuthoriseStatus{
	CardDeclined:        gateway.AuthoriseStatusRejected,
	CardExpired:         gateway.AuthoriseStatusRejected,
	CardCVCError:        gateway.AuthoriseStatusRejected,
	CardProcessingError: gateway.AuthoriseStatusError,
}

// Provider answers locally without any outbound call.
type Provider struct {
	gateway.DefaultRefundAvailability
}

func New() *Provider {
	return &Provider{}
}

func (p *Provider) Name() gateway.Name {
	return gateway.NameSandbox
}

func (p *Provider) Capabilities() gateway.Capabilities {
	return gateway.CapabilityCard | gateway.CapabilityWallet
}

func (p *Provider) CanQueryPaymentStatus() bool {
	return false
}

func (p *Provider) GenerateTransactionID() (string, bool) {
	return uuid.NewString(), true
}

func (p *Provider) Authorise(ctx context.Context, req *gateway.CardAuthorisationRequest) (*gateway.AuthorisationOutcome, error) {
	status, ok := cardOutcome[req.Card.CardNo]
	if !ok {
		status = gateway.AuthoriseStatusAuthorised
	}
	return &gateway.AuthorisationOutcome{
		Status:        status,
		TransactionID: req.TransactionID,
	}, nil
}

func (p *Provider) AuthoriseWallet(ctx context.Context, req *gateway.WalletAuthorisationRequest) (*gateway.AuthorisationOutcome, error) {
	status, ok := lastDigitsOutcome[req.LastDigits]
	if !ok {
		status = gateway.AuthoriseStatusAuthorised
	}
	return &gateway.AuthorisationOutcome{
		Status:        status,
		TransactionID: req.TransactionID,
	}, nil
}

func (p *Provider) Authorise3dsResponse(ctx context.Context, req *gateway.Auth3dsResponseRequest) (*gateway.AuthorisationOutcome, error) {
	return gateway.LocalAuth3dsOutcome(req), nil
}

func (p *Provider) Capture(ctx context.Context, req *gateway.CaptureRequest) (*gateway.CaptureOutcome, error) {
	return &gateway.CaptureOutcome{TransactionID: req.TransactionID}, nil
}

func (p *Provider) Cancel(ctx context.Context, req *gateway.CancelRequest) (*gateway.CancelOutcome, error) {
	return &gateway.CancelOutcome{TransactionID: req.TransactionID}, nil
}

func (p *Provider) Refund(ctx context.Context, req *gateway.RefundRequest) (*gateway.RefundOutcome, error) {
	return &gateway.RefundOutcome{
		Status:    gateway.RefundOutcomeComplete,
		Reference: uuid.NewString(),
	}, nil
}

func (p *Provider) QueryPaymentStatus(ctx context.Context, req *gateway.QueryRequest) (*gateway.StatusOutcome, error) {
	return nil, fmt.Errorf("sandbox status query: %w", internal.ErrUnsupportedOperation)
}
