package charge

import (
	"time"

	"github.com/frahmantamala/payment-connector/internal"
	"github.com/frahmantamala/payment-connector/internal/core/common/validation"
	"github.com/frahmantamala/payment-connector/internal/core/datamodel/charge"
	"github.com/frahmantamala/payment-connector/internal/gateway"
)

type CreateChargeDTO struct {
	GatewayAccountID int64   `json:"gateway_account_id"`
	Amount           int64   `json:"amount"`
	Description      string  `json:"description"`
	Reference        string  `json:"reference"`
	ReturnURL        string  `json:"return_url"`
	Email            *string `json:"email,omitempty"`
	Language         string  `json:"language,omitempty"`
	// PaymentProvider is optional when the account has a single usable credential.
	PaymentProvider string `json:"payment_provider,omitempty"`
}

func (dto CreateChargeDTO) Validate() error {
	if dto.GatewayAccountID <= 0 {
		return internal.NewValidationFieldError("gateway_account_id", "gateway_account_id is required", internal.ErrCodeValidationFailed)
	}
	if err := validation.ValidateCharge(validation.ChargeFields{
		Amount:      dto.Amount,
		Description: dto.Description,
		Reference:   dto.Reference,
		ReturnURL:   dto.ReturnURL,
		Email:       dto.Email,
		Language:    dto.Language,
	}); err != nil {
		return err
	}
	return nil
}

type WalletDetails struct {
	WalletType   string `json:"wallet_type"`
	PaymentToken string `json:"payment_token"`
	CardHolder   string `json:"cardholder_name"`
	CardBrand    string `json:"card_brand"`
	LastDigits   string `json:"last_digits_card_number"`
}

func (w WalletDetails) Validate() error {
	if w.WalletType == "" {
		return internal.NewValidationFieldError("wallet_type", "wallet_type is required", internal.ErrCodeValidationFailed)
	}
	if w.PaymentToken == "" {
		return internal.NewValidationFieldError("payment_token", "payment_token is required", internal.ErrCodeValidationFailed)
	}
	return nil
}

type NotificationStatus string

const (
	NotificationAuthorised   NotificationStatus = "AUTHORISED"
	NotificationRejected     NotificationStatus = "REJECTED"
	NotificationError        NotificationStatus = "ERROR"
	NotificationCaptured     NotificationStatus = "CAPTURED"
	NotificationRefunded     NotificationStatus = "REFUNDED"
	NotificationRefundFailed NotificationStatus = "REFUND_FAILED"
)

// Notification is an asynchronous status report from an acquirer.
// TransactionID identifies the charge, or the refund for refund statuses.
type Notification struct {
	TransactionID string
	Status        NotificationStatus
}

func (n Notification) isRefund() bool {
	return n.Status == NotificationRefunded || n.Status == NotificationRefundFailed
}

var authorisationNotificationStatuses = map[NotificationStatus]charge.Status{
	NotificationAuthorised: charge.StatusAuthorisationSuccess,
	NotificationRejected:   charge.StatusAuthorisationRejected,
	NotificationError:      charge.StatusAuthorisationError,
}

type GatewayStatus struct {
	ChargeExternalID string        `json:"charge_id"`
	ChargeStatus     charge.Status `json:"charge_status"`
	// Queried is false when the provider cannot report payment status or the
	// charge never reached it.
	Queried        bool          `json:"queried"`
	RawStatus      string        `json:"gateway_status,omitempty"`
	MappedStatus   charge.Status `json:"mapped_status,omitempty"`
	StatusMismatch bool          `json:"status_mismatch"`
}

func gatewayStatusFrom(c *charge.Charge, outcome *gateway.StatusOutcome) *GatewayStatus {
	status := &GatewayStatus{
		ChargeExternalID: c.ExternalID,
		ChargeStatus:     c.Status,
	}
	if outcome == nil {
		return status
	}
	status.Queried = true
	status.RawStatus = outcome.RawStatus
	status.MappedStatus = outcome.MappedStatus
	status.StatusMismatch = outcome.MappedStatus != "" && outcome.MappedStatus != c.Status
	return status
}

type AuthoriseCardDTO struct {
	CardNumber            string      `json:"card_number"`
	CVC                   string      `json:"cvc"`
	ExpiryDate            string      `json:"expiry_date"`
	CardHolder            string      `json:"cardholder_name"`
	CardBrand             string      `json:"card_brand"`
	Address               *AddressDTO `json:"address,omitempty"`
	AcceptHeader          string      `json:"accept_header,omitempty"`
	UserAgentHeader       string      `json:"user_agent_header,omitempty"`
	IPAddress             string      `json:"ip_address,omitempty"`
	BrowserLanguage       string      `json:"browser_language,omitempty"`
	BrowserColorDepth     string      `json:"browser_color_depth,omitempty"`
	BrowserScreenHeight   string      `json:"browser_screen_height,omitempty"`
	BrowserScreenWidth    string      `json:"browser_screen_width,omitempty"`
	BrowserTimezoneOffset string      `json:"browser_timezone_offset_mins,omitempty"`
	WorldpayDDCResult     string      `json:"worldpay_3ds_flex_ddc_result,omitempty"`
}

type AddressDTO struct {
	Line1    string `json:"line1"`
	Line2    string `json:"line2,omitempty"`
	Postcode string `json:"postcode"`
	City     string `json:"city"`
	Country  string `json:"country"`
}

func (dto AuthoriseCardDTO) Validate() error {
	if dto.CardNumber == "" {
		return internal.NewValidationFieldError("card_number", "card_number is required", internal.ErrCodeValidationFailed)
	}
	if dto.ExpiryDate == "" {
		return internal.NewValidationFieldError("expiry_date", "expiry_date is required", internal.ErrCodeValidationFailed)
	}
	if dto.CardHolder == "" {
		return internal.NewValidationFieldError("cardholder_name", "cardholder_name is required", internal.ErrCodeValidationFailed)
	}
	return nil
}

func (dto AuthoriseCardDTO) ToCardDetails() gateway.CardDetails {
	card := gateway.CardDetails{
		CardNo:                 dto.CardNumber,
		CVC:                    dto.CVC,
		EndDate:                dto.ExpiryDate,
		CardHolder:             dto.CardHolder,
		CardBrand:              dto.CardBrand,
		AcceptHeader:           dto.AcceptHeader,
		UserAgentHeader:        dto.UserAgentHeader,
		IPAddress:              dto.IPAddress,
		BrowserLanguage:        dto.BrowserLanguage,
		BrowserColorDepth:      dto.BrowserColorDepth,
		BrowserScreenHeight:    dto.BrowserScreenHeight,
		BrowserScreenWidth:     dto.BrowserScreenWidth,
		BrowserTimezoneOffset:  dto.BrowserTimezoneOffset,
		DeviceDataCollectionID: dto.WorldpayDDCResult,
	}
	if dto.Address != nil {
		card.Address = &gateway.Address{
			Line1:    dto.Address.Line1,
			Line2:    dto.Address.Line2,
			Postcode: dto.Address.Postcode,
			City:     dto.Address.City,
			Country:  dto.Address.Country,
		}
	}
	return card
}

type Auth3dsDTO struct {
	AuthResult     string `json:"auth_3ds_result,omitempty"`
	PaResponse     string `json:"pa_response,omitempty"`
	MD             string `json:"md,omitempty"`
	ThreeDsVersion string `json:"three_ds_version,omitempty"`
}

func (dto Auth3dsDTO) ToResult() gateway.Auth3dsResult {
	return gateway.Auth3dsResult{
		Outcome:        gateway.Auth3dsOutcome(dto.AuthResult),
		PaResponse:     dto.PaResponse,
		MD:             dto.MD,
		ThreeDsVersion: dto.ThreeDsVersion,
	}
}

type RefundDTO struct {
	Amount         int64  `json:"amount"`
	UserExternalID string `json:"user_external_id"`
}

type ChargeResponse struct {
	ChargeID        string        `json:"charge_id"`
	Amount          int64         `json:"amount"`
	Status          charge.Status `json:"status"`
	Description     string        `json:"description"`
	Reference       string        `json:"reference"`
	ReturnURL       string        `json:"return_url"`
	Email           *string       `json:"email,omitempty"`
	Language        string        `json:"language"`
	PaymentProvider string        `json:"payment_provider"`
	GatewayTxID     *string       `json:"gateway_transaction_id,omitempty"`
	CardBrand       *string       `json:"card_brand,omitempty"`
	LastDigits      *string       `json:"last_digits_card_number,omitempty"`
	WalletType      *string       `json:"wallet_type,omitempty"`
	IssuerURL3ds    *string       `json:"issuer_url_3ds,omitempty"`
	PaRequest3ds    *string       `json:"pa_request_3ds,omitempty"`
	HTMLOut3ds      *string       `json:"html_out_3ds,omitempty"`
	Version         int64         `json:"version"`
	CreatedDate     time.Time     `json:"created_date"`
}

func ToChargeResponse(c *charge.Charge) ChargeResponse {
	return ChargeResponse{
		ChargeID:        c.ExternalID,
		Amount:          c.Amount,
		Status:          c.Status,
		Description:     c.Description,
		Reference:       c.Reference,
		ReturnURL:       c.ReturnURL,
		Email:           c.Email,
		Language:        c.Language,
		PaymentProvider: c.PaymentProvider,
		GatewayTxID:     c.GatewayTransactionID,
		CardBrand:       c.CardBrand,
		LastDigits:      c.LastDigitsCardNumber,
		WalletType:      c.WalletType,
		IssuerURL3ds:    c.IssuerURL3ds,
		PaRequest3ds:    c.PaRequest3ds,
		HTMLOut3ds:      c.HTMLOut3ds,
		Version:         c.Version,
		CreatedDate:     c.CreatedAt,
	}
}

type RefundResponse struct {
	RefundID       string              `json:"refund_id"`
	ChargeID       string              `json:"charge_id"`
	Amount         int64               `json:"amount"`
	Status         charge.RefundStatus `json:"status"`
	UserExternalID *string             `json:"user_external_id,omitempty"`
	CreatedDate    time.Time           `json:"created_date"`
}

func ToRefundResponse(r *charge.Refund) RefundResponse {
	return RefundResponse{
		RefundID:       r.ExternalID,
		ChargeID:       r.ChargeExternalID,
		Amount:         r.Amount,
		Status:         r.Status,
		UserExternalID: r.UserExternalID,
		CreatedDate:    r.CreatedAt,
	}
}
