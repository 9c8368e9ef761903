package smartpay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/frahmantamala/payment-connector/internal"
	"github.com/frahmantamala/payment-connector/internal/core/datamodel/gatewayaccount"
	"github.com/frahmantamala/payment-connector/internal/gateway"
)

var resultCodeStatus = map[string]gateway.AuthoriseStatus{
	"Authorised":      gateway.AuthoriseStatusAuthorised,
	"Refused":         gateway.AuthoriseStatusRejected,
	"RedirectShopper": gateway.AuthoriseStatusRequires3ds,
	"Cancelled":       gateway.AuthoriseStatusCancelled,
	"Error":           gateway.AuthoriseStatusError,
}

const (
	captureReceived = "[capture-received]"
	cancelReceived  = "[cancel-received]"
	refundReceived  = "[refund-received]"
)

type Provider struct {
	gateway.DefaultRefundAvailability

	cfg    internal.GatewayConfig
	client *gateway.Client
	logger *slog.Logger
}

func New(cfg internal.GatewayConfig, logger *slog.Logger) *Provider {
	return &Provider{
		cfg:    cfg,
		client: gateway.NewClient(gateway.NameSmartpay, cfg.Timeout, logger),
		logger: logger,
	}
}

func (p *Provider) Name() gateway.Name {
	return gateway.NameSmartpay
}

func (p *Provider) Capabilities() gateway.Capabilities {
	return gateway.CapabilityCard | gateway.CapabilityThreeDS
}

func (p *Provider) CanQueryPaymentStatus() bool {
	return false
}

// GenerateTransactionID returns false: the pspReference is assigned by Smartpay.
func (p *Provider) GenerateTransactionID() (string, bool) {
	return "", false
}

func (p *Provider) Authorise(ctx context.Context, req *gateway.CardAuthorisationRequest) (*gateway.AuthorisationOutcome, error) {
	month, year := splitEndDate(req.Card.EndDate)
	pr := paymentRequest{
		Amount: gbp(req.Charge.Amount),
		Card: card{
			CVC:         req.Card.CVC,
			ExpiryMonth: month,
			ExpiryYear:  year,
			HolderName:  req.Card.CardHolder,
			Number:      req.Card.CardNo,
		},
		MerchantAccount: req.Credentials.Get(gatewayaccount.KeyMerchantID),
		Reference:       req.Charge.ExternalID,
		ShopperIP:       req.Card.IPAddress,
	}
	if req.Charge.Email != nil {
		pr.ShopperEmail = *req.Charge.Email
	}
	if a := req.Card.Address; a != nil {
		pr.Card.BillingAddress = &billingAddress{
			City:              a.City,
			Country:           a.Country,
			HouseNumberOrName: a.Line1,
			PostalCode:        a.Postcode,
			Street:            a.Line2,
		}
	}
	if req.Card.AcceptHeader != "" || req.Card.UserAgentHeader != "" {
		pr.BrowserInfo = &browserInfo{AcceptHeader: req.Card.AcceptHeader, UserAgent: req.Card.UserAgentHeader}
	}

	resp, err := p.send(ctx, req.Credentials, "authorise", body{Authorise: &authorise{PaymentRequest: pr}})
	if err != nil {
		return nil, err
	}
	return p.paymentOutcome(resp, func(b *responseBody) *paymentResult { return b.AuthoriseResult })
}

func (p *Provider) AuthoriseWallet(ctx context.Context, req *gateway.WalletAuthorisationRequest) (*gateway.AuthorisationOutcome, error) {
	return nil, fmt.Errorf("smartpay wallet authorisation: %w", internal.ErrUnsupportedCapability)
}

// Authorise3dsResponse sends the PaRes on only for an authenticated
// cardholder. A missing outcome is never forwarded.
func (p *Provider) Authorise3dsResponse(ctx context.Context, req *gateway.Auth3dsResponseRequest) (*gateway.AuthorisationOutcome, error) {
	if req.Result.Outcome != gateway.Auth3dsOutcomeAuthorised || req.Result.PaResponse == "" {
		return gateway.LocalAuth3dsOutcome(req), nil
	}
	md := req.Result.MD
	if md == "" {
		md = req.Charge.SessionID()
	}
	r3d := authorise3d{PaymentRequest3d: paymentRequest3d{
		MerchantAccount: req.Credentials.Get(gatewayaccount.KeyMerchantID),
		MD:              md,
		PaResponse:      req.Result.PaResponse,
	}}
	resp, err := p.send(ctx, req.Credentials, "authorise_3ds", body{Authorise3d: &r3d})
	if err != nil {
		return nil, err
	}
	outcome, err := p.paymentOutcome(resp, func(b *responseBody) *paymentResult { return b.Authorise3dResult })
	if err != nil {
		return nil, err
	}
	if outcome.Status == gateway.AuthoriseStatusRequires3ds {
		outcome.Status = gateway.AuthoriseStatusError
	}
	return outcome, nil
}

func (p *Provider) Capture(ctx context.Context, req *gateway.CaptureRequest) (*gateway.CaptureOutcome, error) {
	amt := gbp(req.Amount)
	mod := p.modification(req.Credentials, req.TransactionID, &amt, "")
	resp, err := p.send(ctx, req.Credentials, "capture", body{Capture: mod})
	if err != nil {
		return nil, err
	}
	psp, err := p.modificationOutcome(resp, captureReceived, func(b *responseBody) *modificationResult { return b.CaptureResult })
	if err != nil {
		return nil, err
	}
	return &gateway.CaptureOutcome{TransactionID: psp}, nil
}

func (p *Provider) Cancel(ctx context.Context, req *gateway.CancelRequest) (*gateway.CancelOutcome, error) {
	mod := p.modification(req.Credentials, req.TransactionID, nil, "")
	resp, err := p.send(ctx, req.Credentials, "cancel", body{Cancel: mod})
	if err != nil {
		return nil, err
	}
	psp, err := p.modificationOutcome(resp, cancelReceived, func(b *responseBody) *modificationResult { return b.CancelResult })
	if err != nil {
		return nil, err
	}
	return &gateway.CancelOutcome{TransactionID: psp}, nil
}

func (p *Provider) Refund(ctx context.Context, req *gateway.RefundRequest) (*gateway.RefundOutcome, error) {
	amt := gbp(req.Amount)
	mod := p.modification(req.Credentials, req.TransactionID, &amt, req.RefundExternalID)
	resp, err := p.send(ctx, req.Credentials, "refund", body{Refund: mod})
	if err != nil {
		return nil, err
	}
	psp, err := p.modificationOutcome(resp, refundReceived, func(b *responseBody) *modificationResult { return b.RefundResult })
	if err != nil {
		return nil, err
	}
	return &gateway.RefundOutcome{Status: gateway.RefundOutcomePending, Reference: psp}, nil
}

func (p *Provider) QueryPaymentStatus(ctx context.Context, req *gateway.QueryRequest) (*gateway.StatusOutcome, error) {
	return nil, fmt.Errorf("smartpay status query: %w", internal.ErrUnsupportedOperation)
}

func (p *Provider) modification(creds gateway.Credentials, pspReference string, amt *amount, reference string) *modification {
	return &modification{ModificationRequest: modificationRequest{
		MerchantAccount:    creds.Get(gatewayaccount.KeyMerchantID),
		ModificationAmount: amt,
		OriginalReference:  pspReference,
		Reference:          reference,
	}}
}

func (p *Provider) send(ctx context.Context, creds gateway.Credentials, operation string, b body) (*gateway.Response, error) {
	payload, err := encode(b)
	if err != nil {
		return nil, gateway.NewGenericError("failed to build smartpay request", err)
	}
	return p.client.Do(ctx, gateway.Request{
		URL:         p.cfg.URLFor(creds.Live),
		Body:        payload,
		ContentType: "application/soap+xml; charset=utf-8",
		BasicAuth: &gateway.BasicAuth{
			Username: creds.Get(gatewayaccount.KeyUsername),
			Password: creds.Get(gatewayaccount.KeyPassword),
		},
		Operation: operation,
	})
}

func (p *Provider) paymentOutcome(resp *gateway.Response, pick func(*responseBody) *paymentResult) (*gateway.AuthorisationOutcome, error) {
	b, err := decode(resp.Body)
	if err != nil {
		return nil, gateway.NewGenericError("failed to parse smartpay response", err)
	}
	if b.Fault != nil {
		return &gateway.AuthorisationOutcome{
			Status: gateway.AuthoriseStatusError,
			GatewayError: gateway.NewGatewayError(
				fmt.Sprintf("smartpay fault %s: %s", b.Fault.Code, b.Fault.String),
				resp.StatusCode, string(resp.Body)),
		}, nil
	}
	result := pick(b)
	if result == nil {
		return nil, gateway.NewGenericError("smartpay response has no payment result", nil)
	}
	status, ok := resultCodeStatus[result.ResultCode]
	if !ok {
		return nil, gateway.NewGenericError(fmt.Sprintf("unknown smartpay result code %q", result.ResultCode), nil)
	}

	outcome := &gateway.AuthorisationOutcome{
		Status:            status,
		TransactionID:     result.PspReference,
		SessionIdentifier: result.MD,
	}
	if status == gateway.AuthoriseStatusRequires3ds {
		outcome.Auth3dsRequired = &gateway.Auth3dsRequired{
			IssuerURL:      result.IssuerURL,
			PaRequest:      result.PaRequest,
			MD:             result.MD,
			ThreeDsVersion: "1.0.2",
		}
	}
	if status == gateway.AuthoriseStatusRejected && result.RefusalReason != "" {
		p.logger.Info("smartpay refused authorisation",
			"psp_reference", result.PspReference,
			"refusal_reason", result.RefusalReason)
	}
	return outcome, nil
}

func (p *Provider) modificationOutcome(resp *gateway.Response, expected string, pick func(*responseBody) *modificationResult) (string, error) {
	b, err := decode(resp.Body)
	if err != nil {
		return "", gateway.NewGenericError("failed to parse smartpay response", err)
	}
	if b.Fault != nil {
		return "", gateway.NewGatewayError(
			fmt.Sprintf("smartpay fault %s: %s", b.Fault.Code, b.Fault.String),
			resp.StatusCode, string(resp.Body))
	}
	result := pick(b)
	if result == nil {
		return "", gateway.NewGenericError("smartpay response has no modification result", nil)
	}
	if !strings.EqualFold(strings.TrimSpace(result.Response), expected) {
		return "", gateway.NewGatewayError(
			fmt.Sprintf("smartpay answered %q, expected %q", result.Response, expected),
			resp.StatusCode, string(resp.Body))
	}
	return result.PspReference, nil
}
