package epdq

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/frahmantamala/payment-connector/internal"
	"github.com/frahmantamala/payment-connector/internal/core/datamodel/charge"
	"github.com/frahmantamala/payment-connector/internal/core/datamodel/gatewayaccount"
	"github.com/frahmantamala/payment-connector/internal/gateway"
)

const (
	pathOrder       = "/orderdirect.asp"
	pathMaintenance = "/maintenancedirect.asp"
	pathQuery       = "/querydirect.asp"

	operationAuthorise = "RES"
	operationCapture   = "SAS"
	operationCancel    = "DES"
	operationRefund    = "RFD"
)

var authoriseStatus = map[string]gateway.AuthoriseStatus{
	"5":  gateway.AuthoriseStatusAuthorised,
	"46": gateway.AuthoriseStatusRequires3ds,
	"2":  gateway.AuthoriseStatusRejected,
	"1":  gateway.AuthoriseStatusCancelled,
	"0":  gateway.AuthoriseStatusError,
}

var queryStatus = map[string]charge.Status{
	"0":  charge.StatusAuthorisationError,
	"1":  charge.StatusAuthorisationCancelled,
	"2":  charge.StatusAuthorisationRejected,
	"5":  charge.StatusAuthorisationSuccess,
	"46": charge.StatusAuthorisation3dsRequired,
	"6":  charge.StatusSystemCancelled,
	"61": charge.StatusSystemCancelled,
	"8":  charge.StatusCaptured,
	"81": charge.StatusCaptured,
	"9":  charge.StatusCaptured,
	"91": charge.StatusCaptureSubmitted,
}

type Provider struct {
	gateway.DefaultRefundAvailability

	cfg    internal.EpdqConfig
	client *gateway.Client
	logger *slog.Logger
}

func New(cfg internal.EpdqConfig, logger *slog.Logger) *Provider {
	return &Provider{
		cfg:    cfg,
		client: gateway.NewClient(gateway.NameEpdq, cfg.Timeout, logger),
		logger: logger,
	}
}

func (p *Provider) Name() gateway.Name {
	return gateway.NameEpdq
}

func (p *Provider) Capabilities() gateway.Capabilities {
	return gateway.CapabilityCard | gateway.CapabilityThreeDS | gateway.CapabilityStatusQuery
}

func (p *Provider) CanQueryPaymentStatus() bool {
	return true
}

func (p *Provider) GenerateTransactionID() (string, bool) {
	return "", false
}

func (p *Provider) Authorise(ctx context.Context, req *gateway.CardAuthorisationRequest) (*gateway.AuthorisationOutcome, error) {
	frontend := fmt.Sprintf("%s/card_details/%s/3ds_required_in/epdq", strings.TrimRight(p.cfg.FrontendURL, "/"), req.Charge.ExternalID)

	ps := p.credentialParams(req.Credentials).
		add("ORDERID", req.Charge.ExternalID).
		add("AMOUNT", amountString(req.Charge.Amount)).
		add("CURRENCY", "GBP").
		add("OPERATION", operationAuthorise).
		add("CARDNO", req.Card.CardNo).
		add("ED", req.Card.EndDate).
		add("CVC", req.Card.CVC).
		add("CN", req.Card.CardHolder).
		add("FLAG3D", "Y").
		add("WIN3DS", "MAINW").
		add("ACCEPTURL", frontend).
		add("DECLINEURL", frontend+"?status=declined").
		add("EXCEPTIONURL", frontend+"?status=error").
		add("HTTP_ACCEPT", req.Card.AcceptHeader).
		add("HTTP_USER_AGENT", req.Card.UserAgentHeader).
		add("REMOTE_ADDR", req.Card.IPAddress).
		add(browserColorDepth, colorDepth(req.Card.BrowserColorDepth)).
		add(browserLanguage, languageTag(req.Card.BrowserLanguage)).
		add("browserScreenHeight", req.Card.BrowserScreenHeight).
		add("browserScreenWidth", req.Card.BrowserScreenWidth).
		add("browserTimeZone", req.Card.BrowserTimezoneOffset)
	if req.Charge.Email != nil {
		ps.add("EMAIL", *req.Charge.Email)
	}
	if a := req.Card.Address; a != nil {
		ps.add("OWNERADDRESS", strings.TrimSpace(a.Line1+" "+a.Line2)).
			add("OWNERZIP", a.Postcode).
			add("OWNERTOWN", a.City).
			add("OWNERCTY", a.Country)
	}

	resp, err := p.send(ctx, req.Credentials, pathOrder, "authorise", ps)
	if err != nil {
		return nil, err
	}

	outcome := &gateway.AuthorisationOutcome{TransactionID: resp.PayID}
	if resp.hasError() && resp.Status == "0" {
		p.logger.Warn("epdq authorisation error",
			"charge_external_id", req.Charge.ExternalID,
			"nc_error", resp.NCError,
			"nc_error_plus", resp.NCErrorPlus)
		outcome.Status = gateway.AuthoriseStatusError
		outcome.GatewayError = gateway.NewGatewayError(
			fmt.Sprintf("epdq error %s: %s", resp.NCError, resp.NCErrorPlus), 200, "")
		return outcome, nil
	}
	status, ok := authoriseStatus[resp.Status]
	if !ok {
		status = gateway.AuthoriseStatusError
	}
	outcome.Status = status
	if status == gateway.AuthoriseStatusRequires3ds {
		outcome.Auth3dsRequired = &gateway.Auth3dsRequired{
			HTMLOut:        resp.HTMLAnswer,
			ThreeDsVersion: "2.1.0",
		}
	}
	return outcome, nil
}

func (p *Provider) AuthoriseWallet(ctx context.Context, req *gateway.WalletAuthorisationRequest) (*gateway.AuthorisationOutcome, error) {
	return nil, fmt.Errorf("epdq wallet authorisation: %w", internal.ErrUnsupportedCapability)
}

// Authorise3dsResponse maps locally. ePDQ reports the final result through
// its own notification.
func (p *Provider) Authorise3dsResponse(ctx context.Context, req *gateway.Auth3dsResponseRequest) (*gateway.AuthorisationOutcome, error) {
	return gateway.LocalAuth3dsOutcome(req), nil
}

func (p *Provider) Capture(ctx context.Context, req *gateway.CaptureRequest) (*gateway.CaptureOutcome, error) {
	ps := p.credentialParams(req.Credentials).
		add("PAYID", req.TransactionID).
		add("OPERATION", operationCapture)
	if _, err := p.maintenance(ctx, req.Credentials, "capture", ps, "9", "91"); err != nil {
		return nil, err
	}
	return &gateway.CaptureOutcome{TransactionID: req.TransactionID}, nil
}

func (p *Provider) Cancel(ctx context.Context, req *gateway.CancelRequest) (*gateway.CancelOutcome, error) {
	ps := p.credentialParams(req.Credentials).
		add("PAYID", req.TransactionID).
		add("OPERATION", operationCancel)
	if _, err := p.maintenance(ctx, req.Credentials, "cancel", ps, "6", "61"); err != nil {
		return nil, err
	}
	return &gateway.CancelOutcome{TransactionID: req.TransactionID}, nil
}

func (p *Provider) Refund(ctx context.Context, req *gateway.RefundRequest) (*gateway.RefundOutcome, error) {
	ps := p.credentialParams(req.Credentials).
		add("PAYID", req.TransactionID).
		add("AMOUNT", amountString(req.Amount)).
		add("OPERATION", operationRefund)
	resp, err := p.maintenance(ctx, req.Credentials, "refund", ps, "8", "81")
	if err != nil {
		return nil, err
	}
	status := gateway.RefundOutcomePending
	if resp.Status == "8" {
		status = gateway.RefundOutcomeComplete
	}
	return &gateway.RefundOutcome{Status: status, Reference: resp.PayID}, nil
}

func (p *Provider) QueryPaymentStatus(ctx context.Context, req *gateway.QueryRequest) (*gateway.StatusOutcome, error) {
	ps := p.credentialParams(req.Credentials).add("PAYID", req.TransactionID)
	if req.TransactionID == "" {
		ps.add("ORDERID", req.Charge.ExternalID)
	}
	resp, err := p.send(ctx, req.Credentials, pathQuery, "query", ps)
	if err != nil {
		return nil, err
	}
	if resp.hasError() {
		return nil, gateway.NewGatewayError(fmt.Sprintf("epdq query error %s: %s", resp.NCError, resp.NCErrorPlus), 200, "")
	}
	mapped, ok := queryStatus[resp.Status]
	if !ok {
		return nil, gateway.NewGenericError(fmt.Sprintf("unknown epdq status %q", resp.Status), nil)
	}
	return &gateway.StatusOutcome{RawStatus: resp.Status, MappedStatus: mapped}, nil
}

func (p *Provider) credentialParams(creds gateway.Credentials) params {
	return params{}.
		add("PSPID", creds.Get(gatewayaccount.KeyMerchantID)).
		add("USERID", creds.Get(gatewayaccount.KeyUsername)).
		add("PSWD", creds.Get(gatewayaccount.KeyPassword))
}

func (p *Provider) maintenance(ctx context.Context, creds gateway.Credentials, operation string, ps params, accepted ...string) (*ncResponse, error) {
	resp, err := p.send(ctx, creds, pathMaintenance, operation, ps)
	if err != nil {
		return nil, err
	}
	if resp.hasError() {
		return nil, gateway.NewGatewayError(
			fmt.Sprintf("epdq %s error %s: %s", operation, resp.NCError, resp.NCErrorPlus), 200, "")
	}
	for _, s := range accepted {
		if resp.Status == s {
			return resp, nil
		}
	}
	return nil, gateway.NewGatewayError(fmt.Sprintf("epdq %s returned status %s", operation, resp.Status), 200, "")
}

func (p *Provider) send(ctx context.Context, creds gateway.Credentials, path, operation string, ps params) (*ncResponse, error) {
	resp, err := p.client.Do(ctx, gateway.Request{
		URL:         strings.TrimRight(p.cfg.URLFor(creds.Live), "/") + path,
		Body:        ps.encode(creds.Get(gatewayaccount.KeyShaInPassphrase)),
		ContentType: "application/x-www-form-urlencoded",
		Operation:   operation,
	})
	if err != nil {
		return nil, err
	}
	r, err := decode(resp.Body)
	if err != nil {
		return nil, gateway.NewGenericError("failed to parse epdq response", err)
	}
	return r, nil
}
