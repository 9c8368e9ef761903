package worldpay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/frahmantamala/payment-connector/internal"
	"github.com/frahmantamala/payment-connector/internal/core/datamodel/charge"
	"github.com/frahmantamala/payment-connector/internal/core/datamodel/gatewayaccount"
	"github.com/frahmantamala/payment-connector/internal/gateway"
)

const (
	machineCookie      = "machine"
	defaultDDCTokenTTL = 90 * time.Minute
)

var lastEventStatus = map[string]gateway.AuthoriseStatus{
	"AUTHORISED": gateway.AuthoriseStatusAuthorised,
	"REFUSED":    gateway.AuthoriseStatusRejected,
	"CANCELLED":  gateway.AuthoriseStatusCancelled,
	"ERROR":      gateway.AuthoriseStatusError,
}

var inquiryStatus = map[string]charge.Status{
	"SENT_FOR_AUTHORISATION": charge.StatusAuthorisationReady,
	"AUTHORISED":             charge.StatusAuthorisationSuccess,
	"REFUSED":                charge.StatusAuthorisationRejected,
	"CANCELLED":              charge.StatusSystemCancelled,
	"CAPTURED":               charge.StatusCaptured,
	"SETTLED":                charge.StatusCaptured,
	"SENT_FOR_REFUND":        charge.StatusCaptured,
	"REFUNDED":               charge.StatusCaptured,
	"ERROR":                  charge.StatusAuthorisationError,
	"EXPIRED":                charge.StatusExpired,
}

type Provider struct {
	gateway.DefaultRefundAvailability

	cfg    internal.WorldpayConfig
	client *gateway.Client
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg internal.WorldpayConfig, logger *slog.Logger) *Provider {
	return &Provider{
		cfg:    cfg,
		client: gateway.NewClient(gateway.NameWorldpay, cfg.Timeout, logger),
		logger: logger,
		now:    time.Now,
	}
}

func (p *Provider) Name() gateway.Name {
	return gateway.NameWorldpay
}

func (p *Provider) Capabilities() gateway.Capabilities {
	return gateway.CapabilityCard | gateway.CapabilityWallet | gateway.CapabilityThreeDS | gateway.CapabilityStatusQuery
}

func (p *Provider) CanQueryPaymentStatus() bool {
	return true
}

// GenerateTransactionID pre-allocates the order code so a crash before the
// call still leaves a traceable id.
func (p *Provider) GenerateTransactionID() (string, bool) {
	return uuid.NewString(), true
}

func (p *Provider) Authorise(ctx context.Context, req *gateway.CardAuthorisationRequest) (*gateway.AuthorisationOutcome, error) {
	month, year := splitEndDate(req.Card.EndDate)
	card := &cardSSL{
		CardNumber:     req.Card.CardNo,
		ExpiryDate:     expiryDate{Date: date{Month: month, Year: year}},
		CardHolderName: req.Card.CardHolder,
		CVC:            req.Card.CVC,
	}
	if a := req.Card.Address; a != nil {
		card.CardAddress = &cardAddress{Address: address{
			Address1:    a.Line1,
			Address2:    a.Line2,
			PostalCode:  a.Postcode,
			City:        a.City,
			CountryCode: a.Country,
		}}
	}

	o := order{
		OrderCode:   req.TransactionID,
		Description: req.Charge.Description,
		Amount:      ptr(gbp(req.Charge.Amount)),
		PaymentDetails: &paymentDetails{
			Card:    card,
			Session: &session{ShopperIPAddress: req.Card.IPAddress, ID: req.TransactionID},
		},
		Shopper: &shopper{
			Email: emailOf(req.Charge),
			Browser: &browser{
				AcceptHeader:    req.Card.AcceptHeader,
				UserAgentHeader: req.Card.UserAgentHeader,
			},
		},
	}
	if req.Card.DeviceDataCollectionID != "" {
		o.AdditionalData = &additional3DS{
			DfReferenceID:       req.Card.DeviceDataCollectionID,
			ChallengeWindowSize: "390x400",
			ChallengePreference: "noPreference",
		}
	}

	resp, err := p.send(ctx, req.Credentials, "authorise", paymentService{Submit: &submit{Order: o}}, nil)
	if err != nil {
		return nil, err
	}
	return p.authorisationOutcome(resp, req.TransactionID)
}

func (p *Provider) AuthoriseWallet(ctx context.Context, req *gateway.WalletAuthorisationRequest) (*gateway.AuthorisationOutcome, error) {
	details := &paymentDetails{Session: &session{ID: req.TransactionID}}
	switch strings.ToUpper(req.WalletType) {
	case "APPLE_PAY":
		details.ApplePay = &walletPayload{Token: req.PaymentToken}
	case "GOOGLE_PAY":
		details.GooglePay = &walletPayload{Token: req.PaymentToken}
	default:
		return nil, fmt.Errorf("worldpay wallet %q: %w", req.WalletType, internal.ErrUnsupportedCapability)
	}

	o := order{
		OrderCode:      req.TransactionID,
		Description:    req.Charge.Description,
		Amount:         ptr(gbp(req.Charge.Amount)),
		PaymentDetails: details,
		Shopper:        &shopper{Email: emailOf(req.Charge)},
	}
	resp, err := p.send(ctx, req.Credentials, "authorise_wallet", paymentService{Submit: &submit{Order: o}}, nil)
	if err != nil {
		return nil, err
	}
	return p.authorisationOutcome(resp, req.TransactionID)
}

// Authorise3dsResponse forwards an authenticated cardholder to Worldpay. Any
// other answer, including none at all, is mapped locally, so a missing
// outcome always leaves the charge waiting for a notification.
func (p *Provider) Authorise3dsResponse(ctx context.Context, req *gateway.Auth3dsResponseRequest) (*gateway.AuthorisationOutcome, error) {
	result := req.Result
	forward := result.Outcome == gateway.Auth3dsOutcomeAuthorised &&
		(result.PaResponse != "" || strings.HasPrefix(result.ThreeDsVersion, "2"))
	if !forward {
		return gateway.LocalAuth3dsOutcome(req), nil
	}

	info := &info3DSecure{PaResponse: result.PaResponse}
	if result.PaResponse == "" {
		info.CompletedAuthentication = &struct{}{}
	}
	o := order{
		OrderCode: req.TransactionID,
		PaymentDetails: &paymentDetails{
			Info3DSecure: info,
			Session:      &session{ID: req.TransactionID},
		},
	}

	var cookies []*http.Cookie
	if req.Charge.SessionID() != "" {
		cookies = append(cookies, &http.Cookie{Name: machineCookie, Value: req.Charge.SessionID()})
	}
	resp, err := p.send(ctx, req.Credentials, "authorise_3ds", paymentService{Submit: &submit{Order: o}}, cookies)
	if err != nil {
		return nil, err
	}
	outcome, err := p.authorisationOutcome(resp, req.TransactionID)
	if err != nil {
		return nil, err
	}
	if outcome.Status == gateway.AuthoriseStatusAuth3dsReady || outcome.Status == gateway.AuthoriseStatusRequires3ds {
		outcome.Status = gateway.AuthoriseStatusError
	}
	return outcome, nil
}

func (p *Provider) Capture(ctx context.Context, req *gateway.CaptureRequest) (*gateway.CaptureOutcome, error) {
	mod := orderModification{
		OrderCode: req.TransactionID,
		Capture:   &captureMod{Date: captureDate(p.now()), Amount: gbp(req.Amount)},
	}
	resp, err := p.send(ctx, req.Credentials, "capture", paymentService{Modify: &modify{OrderModification: mod}}, nil)
	if err != nil {
		return nil, err
	}
	r, err := p.decodeModification(resp)
	if err != nil {
		return nil, err
	}
	if r.Ok.CaptureReceived == nil {
		return nil, gateway.NewGenericError("worldpay capture was not acknowledged", nil)
	}
	return &gateway.CaptureOutcome{TransactionID: req.TransactionID}, nil
}

func (p *Provider) Cancel(ctx context.Context, req *gateway.CancelRequest) (*gateway.CancelOutcome, error) {
	mod := orderModification{OrderCode: req.TransactionID, Cancel: &struct{}{}}
	resp, err := p.send(ctx, req.Credentials, "cancel", paymentService{Modify: &modify{OrderModification: mod}}, nil)
	if err != nil {
		return nil, err
	}
	r, err := p.decodeModification(resp)
	if err != nil {
		return nil, err
	}
	if r.Ok.CancelReceived == nil {
		return nil, gateway.NewGenericError("worldpay cancel was not acknowledged", nil)
	}
	return &gateway.CancelOutcome{TransactionID: req.TransactionID}, nil
}

func (p *Provider) Refund(ctx context.Context, req *gateway.RefundRequest) (*gateway.RefundOutcome, error) {
	mod := orderModification{
		OrderCode: req.TransactionID,
		Refund:    &refundMod{Reference: req.RefundExternalID, Amount: gbp(req.Amount)},
	}
	resp, err := p.send(ctx, req.Credentials, "refund", paymentService{Modify: &modify{OrderModification: mod}}, nil)
	if err != nil {
		return nil, err
	}
	r, err := p.decodeModification(resp)
	if err != nil {
		return nil, err
	}
	if r.Ok.RefundReceived == nil {
		return nil, gateway.NewGenericError("worldpay refund was not acknowledged", nil)
	}
	// Worldpay confirms the refund later through a notification.
	return &gateway.RefundOutcome{Status: gateway.RefundOutcomePending, Reference: req.RefundExternalID}, nil
}

func (p *Provider) QueryPaymentStatus(ctx context.Context, req *gateway.QueryRequest) (*gateway.StatusOutcome, error) {
	doc := paymentService{Inquiry: &inquiry{OrderInquiry: orderInquiry{OrderCode: req.TransactionID}}}
	resp, err := p.send(ctx, req.Credentials, "inquiry", doc, nil)
	if err != nil {
		return nil, err
	}
	r, err := decode(resp.Body)
	if err != nil {
		return nil, gateway.NewGenericError("failed to parse worldpay inquiry response", err)
	}
	if e := replyErr(r); e != nil {
		return nil, gateway.NewGatewayError(fmt.Sprintf("worldpay inquiry error %s: %s", e.Code, strings.TrimSpace(e.Message)), resp.StatusCode, string(resp.Body))
	}
	if r.OrderStatus == nil || r.OrderStatus.Payment == nil {
		return nil, gateway.NewGenericError("worldpay inquiry response has no payment", nil)
	}
	raw := r.OrderStatus.Payment.LastEvent
	mapped, ok := inquiryStatus[raw]
	if !ok {
		return nil, gateway.NewGenericError(fmt.Sprintf("unknown worldpay last event %q", raw), nil)
	}
	return &gateway.StatusOutcome{RawStatus: raw, MappedStatus: mapped}, nil
}

// DeviceDataCollectionToken issues the JWT the payment page hands to the
// 3DS Flex device data collection iframe.
func (p *Provider) DeviceDataCollectionToken(creds gateway.Credentials, chargeExternalID string) (string, error) {
	issuer := creds.Get(gatewayaccount.KeyIssuer)
	orgUnit := creds.Get(gatewayaccount.KeyOrganisationalUnitID)
	macKey := creds.Get(gatewayaccount.KeyJwtMacKey)
	if issuer == "" || orgUnit == "" || macKey == "" {
		return "", fmt.Errorf("worldpay 3ds flex credentials missing for charge %s: %w", chargeExternalID, internal.ErrCredentialsNotFound)
	}

	ttl := p.cfg.DDCTokenTTL
	if ttl <= 0 {
		ttl = defaultDDCTokenTTL
	}
	now := p.now()
	claims := jwt.MapClaims{
		"jti":       uuid.NewString(),
		"iat":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
		"iss":       issuer,
		"OrgUnitId": orgUnit,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(macKey))
	if err != nil {
		return "", fmt.Errorf("sign device data collection token: %w", err)
	}
	return signed, nil
}

func (p *Provider) send(ctx context.Context, creds gateway.Credentials, operation string, doc paymentService, cookies []*http.Cookie) (*gateway.Response, error) {
	doc.MerchantCode = creds.Get(gatewayaccount.KeyMerchantID)
	body, err := encode(doc)
	if err != nil {
		return nil, gateway.NewGenericError("failed to build worldpay request", err)
	}
	return p.client.Do(ctx, gateway.Request{
		URL:         p.cfg.URLFor(creds.Live),
		Body:        body,
		ContentType: "application/xml",
		BasicAuth: &gateway.BasicAuth{
			Username: creds.Get(gatewayaccount.KeyUsername),
			Password: creds.Get(gatewayaccount.KeyPassword),
		},
		Cookies:   cookies,
		Operation: operation,
	})
}

func (p *Provider) authorisationOutcome(resp *gateway.Response, transactionID string) (*gateway.AuthorisationOutcome, error) {
	r, err := decode(resp.Body)
	if err != nil {
		return nil, gateway.NewGenericError("failed to parse worldpay authorisation response", err)
	}

	outcome := &gateway.AuthorisationOutcome{
		TransactionID:     transactionID,
		SessionIdentifier: resp.Cookie(machineCookie),
	}

	if e := replyErr(r); e != nil {
		outcome.Status = gateway.AuthoriseStatusError
		outcome.GatewayError = gateway.NewGatewayError(
			fmt.Sprintf("worldpay error %s: %s", e.Code, strings.TrimSpace(e.Message)),
			resp.StatusCode, string(resp.Body))
		return outcome, nil
	}
	if r.OrderStatus == nil {
		return nil, gateway.NewGenericError("worldpay response has no order status", nil)
	}

	status := r.OrderStatus
	switch {
	case status.RequestInfo != nil && status.RequestInfo.Request3DSecure != nil:
		outcome.Status = gateway.AuthoriseStatusRequires3ds
		outcome.Auth3dsRequired = &gateway.Auth3dsRequired{
			IssuerURL:      status.RequestInfo.Request3DSecure.IssuerURL,
			PaRequest:      status.RequestInfo.Request3DSecure.PaRequest,
			ThreeDsVersion: "1.0.2",
		}
	case status.ChallengeRequired != nil:
		d := status.ChallengeRequired.Details
		outcome.Status = gateway.AuthoriseStatusRequires3ds
		outcome.Auth3dsRequired = &gateway.Auth3dsRequired{
			IssuerURL:      d.ACSURL,
			PaRequest:      d.Payload,
			MD:             d.TransactionID3DS,
			ThreeDsVersion: d.ThreeDSVersion,
		}
	case status.Payment != nil:
		mapped, ok := lastEventStatus[status.Payment.LastEvent]
		if !ok {
			return nil, gateway.NewGenericError(fmt.Sprintf("unknown worldpay last event %q", status.Payment.LastEvent), nil)
		}
		outcome.Status = mapped
		outcome.CardExpiry = status.Payment.cardExpiry()
	default:
		return nil, gateway.NewGenericError("worldpay order status has neither payment nor 3DS request", nil)
	}
	return outcome, nil
}

func (p *Provider) decodeModification(resp *gateway.Response) (*reply, error) {
	r, err := decode(resp.Body)
	if err != nil {
		return nil, gateway.NewGenericError("failed to parse worldpay modification response", err)
	}
	if e := replyErr(r); e != nil {
		return nil, gateway.NewGatewayError(
			fmt.Sprintf("worldpay error %s: %s", e.Code, strings.TrimSpace(e.Message)),
			resp.StatusCode, string(resp.Body))
	}
	if r.Ok == nil {
		return nil, gateway.NewGenericError("worldpay modification response has no ok element", nil)
	}
	return r, nil
}

func replyErr(r *reply) *replyError {
	if r.Error != nil {
		return r.Error
	}
	if r.OrderStatus != nil && r.OrderStatus.Error != nil {
		return r.OrderStatus.Error
	}
	return nil
}

func emailOf(c *charge.Charge) string {
	if c.Email == nil {
		return ""
	}
	return *c.Email
}

func ptr[T any](v T) *T {
	return &v
}
