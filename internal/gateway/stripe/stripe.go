package stripe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v76"
	stripecharge "github.com/stripe/stripe-go/v76/charge"
	"github.com/stripe/stripe-go/v76/paymentintent"
	"github.com/stripe/stripe-go/v76/paymentmethod"
	"github.com/stripe/stripe-go/v76/refund"
	"github.com/stripe/stripe-go/v76/transfer"

	"github.com/frahmantamala/payment-connector/internal"
	"github.com/frahmantamala/payment-connector/internal/core/datamodel/charge"
	"github.com/frahmantamala/payment-connector/internal/core/datamodel/gatewayaccount"
	"github.com/frahmantamala/payment-connector/internal/gateway"
)

var intentStatus = map[stripe.PaymentIntentStatus]gateway.AuthoriseStatus{
	stripe.PaymentIntentStatusRequiresCapture:       gateway.AuthoriseStatusAuthorised,
	stripe.PaymentIntentStatusSucceeded:             gateway.AuthoriseStatusAuthorised,
	stripe.PaymentIntentStatusRequiresAction:        gateway.AuthoriseStatusRequires3ds,
	stripe.PaymentIntentStatusRequiresPaymentMethod: gateway.AuthoriseStatusRejected,
	stripe.PaymentIntentStatusCanceled:              gateway.AuthoriseStatusCancelled,
}

type Provider struct {
	gateway.DefaultRefundAvailability

	cfg    internal.StripeConfig
	test   stripe.Backend
	live   stripe.Backend
	logger *slog.Logger
}

func New(gw internal.GatewayConfig, cfg internal.StripeConfig, logger *slog.Logger) *Provider {
	return &Provider{
		cfg:    cfg,
		test:   newBackend(gw.TestURL, gw.Timeout, logger),
		live:   newBackend(gw.LiveURL, gw.Timeout, logger),
		logger: logger,
	}
}

// newBackend bounds every Stripe call by the gateway timeout. stripe-go's own
// retries are off: a retried transfer is decided by the caller.
func newBackend(baseURL string, timeout time.Duration, logger *slog.Logger) stripe.Backend {
	if timeout <= 0 {
		timeout = gateway.DefaultTimeout
	}
	cfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     leveledLogger{logger: logger},
	}
	if baseURL != "" {
		cfg.URL = stripe.String(baseURL)
	}
	return stripe.GetBackendWithConfig(stripe.APIBackend, cfg)
}

func (p *Provider) Name() gateway.Name {
	return gateway.NameStripe
}

func (p *Provider) Capabilities() gateway.Capabilities {
	return gateway.CapabilityCard | gateway.CapabilityThreeDS
}

func (p *Provider) CanQueryPaymentStatus() bool {
	return false
}

func (p *Provider) GenerateTransactionID() (string, bool) {
	return "", false
}

func (p *Provider) Authorise(ctx context.Context, req *gateway.CardAuthorisationRequest) (*gateway.AuthorisationOutcome, error) {
	pmParams := cardParams(req.Card)
	pmParams.Context = ctx
	pm, err := p.paymentMethods(req.Credentials).New(pmParams)
	if err != nil {
		return p.rejectionOrError("create_payment_method", err)
	}

	intentParams := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Charge.Amount),
		Currency:      stripe.String(currency),
		PaymentMethod: stripe.String(pm.ID),
		Confirm:       stripe.Bool(true),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Description:   optionalString(req.Charge.Description),
		TransferGroup: optionalString(req.Charge.ExternalID),
		OnBehalfOf:    optionalString(stripeAccount(req.Credentials)),
		ReturnURL:     optionalString(req.Charge.ReturnURL),
	}
	intentParams.Context = ctx
	intent, err := p.paymentIntents(req.Credentials).New(intentParams)
	if err != nil {
		return p.rejectionOrError("create_payment_intent", err)
	}
	return intentOutcome(intent), nil
}

func (p *Provider) AuthoriseWallet(ctx context.Context, req *gateway.WalletAuthorisationRequest) (*gateway.AuthorisationOutcome, error) {
	return nil, fmt.Errorf("stripe wallet authorisation: %w", internal.ErrUnsupportedCapability)
}

// Authorise3dsResponse maps locally. Stripe confirms the payment intent
// itself and reports the result by webhook.
func (p *Provider) Authorise3dsResponse(ctx context.Context, req *gateway.Auth3dsResponseRequest) (*gateway.AuthorisationOutcome, error) {
	return gateway.LocalAuth3dsOutcome(req), nil
}

// Capture captures the payment intent on the platform account, then moves the
// amount net of the platform fee to the connected account.
func (p *Provider) Capture(ctx context.Context, req *gateway.CaptureRequest) (*gateway.CaptureOutcome, error) {
	captureParams := &stripe.PaymentIntentCaptureParams{}
	captureParams.Context = ctx
	intent, err := p.paymentIntents(req.Credentials).Capture(req.TransactionID, captureParams)
	if err != nil {
		return nil, p.gatewayError("capture", err)
	}

	fee := p.platformFee(req.Amount)
	transferParams := &stripe.TransferParams{
		Amount:            stripe.Int64(req.Amount - fee),
		Currency:          stripe.String(currency),
		Destination:       optionalString(stripeAccount(req.Credentials)),
		TransferGroup:     optionalString(req.Charge.ExternalID),
		SourceTransaction: latestChargeID(intent),
		Metadata:          transferMetadata(req.Charge.ExternalID, ReasonTransferPaymentAmount),
	}
	transferParams.Context = ctx
	transferParams.SetIdempotencyKey(idempotencyKey(ReasonTransferPaymentAmount, req.Charge.ExternalID))
	t, err := p.transfers(req.Credentials).New(transferParams)
	if err != nil {
		return nil, p.gatewayError("transfer_out", err)
	}
	p.logger.Info("stripe capture transferred to connected account",
		"charge_external_id", req.Charge.ExternalID,
		"transfer_id", t.ID,
		"net_amount", req.Amount-fee,
		"fee", fee)

	return &gateway.CaptureOutcome{TransactionID: req.TransactionID, FeeAmount: &fee}, nil
}

func (p *Provider) Cancel(ctx context.Context, req *gateway.CancelRequest) (*gateway.CancelOutcome, error) {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	intent, err := p.paymentIntents(req.Credentials).Cancel(req.TransactionID, params)
	if err != nil {
		return nil, p.gatewayError("cancel", err)
	}
	if intent.Status != stripe.PaymentIntentStatusCanceled {
		return nil, gateway.NewGatewayError(fmt.Sprintf("stripe payment intent is %s after cancel", intent.Status), http.StatusOK, "")
	}
	return &gateway.CancelOutcome{TransactionID: intent.ID}, nil
}

// Refund refunds on the platform account, then pulls the refunded amount back
// from the connected account. Once Stripe has accepted the refund the outcome
// stands; a failed pull-back is logged for follow-up.
func (p *Provider) Refund(ctx context.Context, req *gateway.RefundRequest) (*gateway.RefundOutcome, error) {
	params := &stripe.RefundParams{
		PaymentIntent: optionalString(req.TransactionID),
		Amount:        stripe.Int64(req.Amount),
		Metadata:      map[string]string{MetadataTransactionExternalID: req.RefundExternalID},
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey("refund", req.RefundExternalID))
	r, err := p.refunds(req.Credentials).New(params)
	if err != nil {
		return nil, p.gatewayError("refund", err)
	}

	status := gateway.RefundOutcomePending
	if r.Status == stripe.RefundStatusSucceeded {
		status = gateway.RefundOutcomeComplete
	}
	outcome := &gateway.RefundOutcome{Status: status, Reference: r.ID}

	if _, err := p.transferIn(ctx, req.Credentials, req.Amount, req.Charge.ExternalID, req.RefundExternalID, ReasonTransferRefundAmount); err != nil {
		p.logger.Error("refund issued but transfer from connected account failed",
			"charge_external_id", req.Charge.ExternalID,
			"refund_external_id", req.RefundExternalID,
			"refund_id", r.ID,
			"connect_account_id", stripeAccount(req.Credentials),
			"amount", req.Amount,
			"error", err)
	}
	return outcome, nil
}

func (p *Provider) QueryPaymentStatus(ctx context.Context, req *gateway.QueryRequest) (*gateway.StatusOutcome, error) {
	return nil, fmt.Errorf("stripe status query: %w", internal.ErrUnsupportedOperation)
}

// CollectFeesForFailedPayment bills the connected account for the Radar fee,
// plus the 3DS fee when the card went through an authenticated 3DS check.
// The transfer is keyed on the charge, so a redelivered task cannot bill twice.
func (p *Provider) CollectFeesForFailedPayment(ctx context.Context, req *gateway.FeeCollectionRequest) ([]gateway.CollectedFee, error) {
	threeDS := false
	if tx := req.Charge.TransactionID(); tx != "" {
		charges, err := p.chargesForIntent(ctx, req.Credentials, tx)
		if err != nil {
			return nil, err
		}
		if len(charges) > 1 {
			return nil, internal.NewDataAssumptionViolation(
				"expected at most 1 charge for payment intent %s, found %d", tx, len(charges))
		}
		if len(charges) == 1 {
			threeDS = threeDSAuthenticated(charges[0])
		}
	}

	fees := []gateway.CollectedFee{{Type: charge.FeeTypeRadar, Amount: p.cfg.RadarFeeInPence}}
	if threeDS {
		fees = append(fees, gateway.CollectedFee{Type: charge.FeeTypeThreeDS, Amount: p.cfg.ThreeDsFeeInPence})
	}
	var total int64
	for _, f := range fees {
		total += f.Amount
	}

	t, err := p.transferIn(ctx, req.Credentials, total, req.Charge.ExternalID, req.Charge.ExternalID, ReasonTransferFeeForFailedPayment)
	if err != nil {
		return nil, err
	}
	p.logger.Info("collected fees for failed payment",
		"charge_external_id", req.Charge.ExternalID,
		"fee_total", total,
		"transfer_id", t.ID,
		"connect_account_id", stripeAccount(req.Credentials),
		"transfer_group", t.TransferGroup)
	return fees, nil
}

func (p *Provider) chargesForIntent(ctx context.Context, creds gateway.Credentials, paymentIntentID string) ([]*stripe.Charge, error) {
	params := &stripe.ChargeListParams{PaymentIntent: stripe.String(paymentIntentID)}
	params.Context = ctx
	iter := p.charges(creds).List(params)

	var charges []*stripe.Charge
	for iter.Next() {
		charges = append(charges, iter.Charge())
	}
	if err := iter.Err(); err != nil {
		return nil, p.gatewayError("list_charges", err)
	}
	return charges, nil
}

func (p *Provider) transferIn(ctx context.Context, creds gateway.Credentials, amount int64, transferGroup, transactionExternalID, reason string) (*stripe.Transfer, error) {
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(amount),
		Currency:      stripe.String(currency),
		Destination:   optionalString(p.cfg.PlatformAccountID),
		TransferGroup: optionalString(transferGroup),
		Metadata:      transferMetadata(transactionExternalID, reason),
	}
	params.Context = ctx
	params.SetStripeAccount(stripeAccount(creds))
	params.SetIdempotencyKey(idempotencyKey(reason, transactionExternalID))

	t, err := p.transfers(creds).New(params)
	if err != nil {
		return nil, p.gatewayError("transfer_in", err)
	}
	return t, nil
}

func (p *Provider) platformFee(amount int64) int64 {
	return int64(math.Ceil(float64(amount) * p.cfg.FeePercentage / 100))
}

func (p *Provider) backend(creds gateway.Credentials) stripe.Backend {
	if creds.Live {
		return p.live
	}
	return p.test
}

func (p *Provider) paymentMethods(creds gateway.Credentials) paymentmethod.Client {
	return paymentmethod.Client{B: p.backend(creds), Key: p.cfg.AuthTokenFor(creds.Live)}
}

func (p *Provider) paymentIntents(creds gateway.Credentials) paymentintent.Client {
	return paymentintent.Client{B: p.backend(creds), Key: p.cfg.AuthTokenFor(creds.Live)}
}

func (p *Provider) transfers(creds gateway.Credentials) transfer.Client {
	return transfer.Client{B: p.backend(creds), Key: p.cfg.AuthTokenFor(creds.Live)}
}

func (p *Provider) refunds(creds gateway.Credentials) refund.Client {
	return refund.Client{B: p.backend(creds), Key: p.cfg.AuthTokenFor(creds.Live)}
}

func (p *Provider) charges(creds gateway.Credentials) stripecharge.Client {
	return stripecharge.Client{B: p.backend(creds), Key: p.cfg.AuthTokenFor(creds.Live)}
}

// gatewayError translates a stripe-go failure. An API answer becomes
// GATEWAY_ERROR with the status and body kept, a timeout becomes
// GATEWAY_CONNECTION_TIMEOUT_ERROR, anything else GENERIC_GATEWAY_ERROR.
func (p *Provider) gatewayError(operation string, err error) *gateway.GatewayError {
	var stripeErr *stripe.Error
	switch {
	case errors.As(err, &stripeErr):
		p.logger.Warn("stripe call rejected",
			"operation", operation,
			"status_code", stripeErr.HTTPStatusCode,
			"type", stripeErr.Type,
			"code", stripeErr.Code,
			"request_id", stripeErr.RequestID)
		return gateway.NewGatewayError(
			fmt.Sprintf("stripe %s returned status %d", operation, stripeErr.HTTPStatusCode),
			stripeErr.HTTPStatusCode,
			stripeErr.Error())
	case gateway.IsTimeout(err):
		p.logger.Warn("stripe call timed out", "operation", operation)
		return gateway.NewConnectionTimeoutError("stripe "+operation+" timed out", err)
	default:
		p.logger.Error("stripe call failed", "operation", operation, "error", err)
		return gateway.NewGenericError("stripe "+operation+" request failed", err)
	}
}

// rejectionOrError turns a card error answered with 402 into a rejected
// authorisation and any other 4xx into an error outcome. Timeouts and
// server-side failures are returned for the caller to map.
func (p *Provider) rejectionOrError(operation string, err error) (*gateway.AuthorisationOutcome, error) {
	gwErr := p.gatewayError(operation, err)
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) || stripeErr.HTTPStatusCode >= 500 {
		return nil, gwErr
	}
	outcome := &gateway.AuthorisationOutcome{Status: gateway.AuthoriseStatusError, GatewayError: gwErr}
	if stripeErr.PaymentIntent != nil {
		outcome.TransactionID = stripeErr.PaymentIntent.ID
	}
	if stripeErr.HTTPStatusCode == http.StatusPaymentRequired || stripeErr.Type == stripe.ErrorTypeCard {
		outcome.Status = gateway.AuthoriseStatusRejected
	}
	return outcome, nil
}

func intentOutcome(intent *stripe.PaymentIntent) *gateway.AuthorisationOutcome {
	status, ok := intentStatus[intent.Status]
	if !ok {
		status = gateway.AuthoriseStatusError
	}
	outcome := &gateway.AuthorisationOutcome{Status: status, TransactionID: intent.ID}
	if status == gateway.AuthoriseStatusRequires3ds && intent.NextAction != nil && intent.NextAction.RedirectToURL != nil {
		outcome.Auth3dsRequired = &gateway.Auth3dsRequired{
			IssuerURL:      intent.NextAction.RedirectToURL.URL,
			ThreeDsVersion: "2.0.0",
		}
	}
	return outcome
}

func stripeAccount(creds gateway.Credentials) string {
	return creds.Get(gatewayaccount.KeyStripeAccountID)
}
