package gateway

import (
	"github.com/frahmantamala/payment-connector/internal/core/datamodel/charge"
)

type Name string

const (
	NameWorldpay Name = "worldpay"
	NameStripe   Name = "stripe"
	NameSmartpay Name = "smartpay"
	NameEpdq     Name = "epdq"
	NameSandbox  Name = "sandbox"
)

type Capabilities uint8

const (
	CapabilityCard Capabilities = 1 << iota
	CapabilityWallet
	CapabilityThreeDS
	CapabilityStatusQuery
)

func (c Capabilities) Has(want Capabilities) bool {
	return c&want == want
}

type AuthoriseStatus string

const (
	AuthoriseStatusAuthorised   AuthoriseStatus = "AUTHORISED"
	AuthoriseStatusRejected     AuthoriseStatus = "REJECTED"
	AuthoriseStatusError        AuthoriseStatus = "ERROR"
	AuthoriseStatusCancelled    AuthoriseStatus = "CANCELLED"
	AuthoriseStatusRequires3ds  AuthoriseStatus = "REQUIRES_3DS"
	AuthoriseStatusAuth3dsReady AuthoriseStatus = "AUTH_3DS_READY"
	AuthoriseStatusException    AuthoriseStatus = "EXCEPTION"
)

func (s AuthoriseStatus) ChargeStatus() charge.Status {
	switch s {
	case AuthoriseStatusAuthorised:
		return charge.StatusAuthorisationSuccess
	case AuthoriseStatusRejected:
		return charge.StatusAuthorisationRejected
	case AuthoriseStatusCancelled:
		return charge.StatusAuthorisationCancelled
	case AuthoriseStatusRequires3ds:
		return charge.StatusAuthorisation3dsRequired
	case AuthoriseStatusAuth3dsReady:
		return charge.StatusAuthorisation3dsReady
	case AuthoriseStatusException:
		return charge.StatusAuthorisationUnexpectedError
	default:
		return charge.StatusAuthorisationError
	}
}

type Credentials struct {
	Values                   map[string]string
	Live                     bool
	GatewayAccountExternalID string
	CredentialExternalID     string
}

func (c Credentials) Get(key string) string {
	return c.Values[key]
}

type Address struct {
	Line1    string
	Line2    string
	Postcode string
	City     string
	Country  string
}

type CardDetails struct {
	CardNo     string
	CVC        string
	EndDate    string // MM/YY
	CardHolder string
	CardBrand  string
	Address    *Address

	AcceptHeader           string
	UserAgentHeader        string
	IPAddress              string
	BrowserLanguage        string
	BrowserColorDepth      string
	BrowserScreenHeight    string
	BrowserScreenWidth     string
	BrowserTimezoneOffset  string
	DeviceDataCollectionID string
}

func (d CardDetails) LastDigits() string {
	if len(d.CardNo) < 4 {
		return d.CardNo
	}
	return d.CardNo[len(d.CardNo)-4:]
}

type CardAuthorisationRequest struct {
	Charge        *charge.Charge
	Credentials   Credentials
	TransactionID string
	Card          CardDetails
}

type WalletAuthorisationRequest struct {
	Charge        *charge.Charge
	Credentials   Credentials
	TransactionID string
	WalletType    string
	PaymentToken  string
	CardHolder    string
	CardBrand     string
	LastDigits    string
}

type Auth3dsOutcome string

const (
	Auth3dsOutcomeCanceled   Auth3dsOutcome = "CANCELED"
	Auth3dsOutcomeError      Auth3dsOutcome = "ERROR"
	Auth3dsOutcomeDeclined   Auth3dsOutcome = "DECLINED"
	Auth3dsOutcomeAuthorised Auth3dsOutcome = "AUTHORISED"
)

// Auth3dsResult is what the payer's browser brings back from the issuer.
// An empty Outcome means the issuer did not report one.
type Auth3dsResult struct {
	Outcome        Auth3dsOutcome
	PaResponse     string
	MD             string
	ThreeDsVersion string
}

type Auth3dsResponseRequest struct {
	Charge        *charge.Charge
	Credentials   Credentials
	TransactionID string
	Result        Auth3dsResult
}

type Auth3dsRequired struct {
	IssuerURL      string
	PaRequest      string
	HTMLOut        string
	MD             string
	ThreeDsVersion string
}

type AuthorisationOutcome struct {
	Status            AuthoriseStatus
	TransactionID     string
	Auth3dsRequired   *Auth3dsRequired
	SessionIdentifier string
	CardExpiry        string
	GatewayError      *GatewayError
}

func (o *AuthorisationOutcome) ChargeStatus() charge.Status {
	return o.Status.ChargeStatus()
}

func (o *AuthorisationOutcome) Success() bool {
	return o.Status == AuthoriseStatusAuthorised
}

type CaptureRequest struct {
	Charge        *charge.Charge
	Credentials   Credentials
	TransactionID string
	Amount        int64
}

type CaptureOutcome struct {
	TransactionID string
	FeeAmount     *int64
}

type CancelRequest struct {
	Charge        *charge.Charge
	Credentials   Credentials
	TransactionID string
}

type CancelOutcome struct {
	TransactionID string
}

type RefundRequest struct {
	Charge           *charge.Charge
	Credentials      Credentials
	TransactionID    string
	RefundExternalID string
	Amount           int64
}

type RefundOutcomeStatus string

const (
	RefundOutcomePending  RefundOutcomeStatus = "PENDING"
	RefundOutcomeComplete RefundOutcomeStatus = "COMPLETE"
)

type RefundOutcome struct {
	Status    RefundOutcomeStatus
	Reference string
}

func (o *RefundOutcome) RefundStatus() charge.RefundStatus {
	if o.Status == RefundOutcomeComplete {
		return charge.RefundStatusRefunded
	}
	return charge.RefundStatusSubmitted
}

type QueryRequest struct {
	Charge        *charge.Charge
	Credentials   Credentials
	TransactionID string
}

type StatusOutcome struct {
	RawStatus    string
	MappedStatus charge.Status
}

type FeeCollectionRequest struct {
	Charge      *charge.Charge
	Credentials Credentials
}

type CollectedFee struct {
	Type   charge.FeeType
	Amount int64
}
