package worldpay

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	paymentServiceVersion = "1.4"
	docType               = `<!DOCTYPE paymentService PUBLIC "-//WorldPay//DTD WorldPay PaymentService v1//EN" "http://dtd.worldpay.com/paymentService_v1.dtd">`
	currencyGBP           = "GBP"
)

type paymentService struct {
	XMLName      xml.Name `xml:"paymentService"`
	Version      string   `xml:"version,attr"`
	MerchantCode string   `xml:"merchantCode,attr"`
	Submit       *submit  `xml:"submit,omitempty"`
	Modify       *modify  `xml:"modify,omitempty"`
	Inquiry      *inquiry `xml:"inquiry,omitempty"`
	Reply        *reply   `xml:"reply,omitempty"`
}

type submit struct {
	Order order `xml:"order"`
}

type order struct {
	OrderCode      string          `xml:"orderCode,attr"`
	Description    string          `xml:"description,omitempty"`
	Amount         *amount         `xml:"amount,omitempty"`
	PaymentDetails *paymentDetails `xml:"paymentDetails,omitempty"`
	Shopper        *shopper        `xml:"shopper,omitempty"`
	AdditionalData *additional3DS  `xml:"additional3DSData,omitempty"`
}

type amount struct {
	CurrencyCode string `xml:"currencyCode,attr"`
	Exponent     string `xml:"exponent,attr"`
	Value        int64  `xml:"value,attr"`
}

type paymentDetails struct {
	Card         *cardSSL       `xml:"CARD-SSL,omitempty"`
	ApplePay     *walletPayload `xml:"APPLEPAY-SSL,omitempty"`
	GooglePay    *walletPayload `xml:"PAYWITHGOOGLE-SSL,omitempty"`
	Session      *session       `xml:"session,omitempty"`
	Info3DSecure *info3DSecure  `xml:"info3DSecure,omitempty"`
}

type cardSSL struct {
	CardNumber     string       `xml:"cardNumber"`
	ExpiryDate     expiryDate   `xml:"expiryDate"`
	CardHolderName string       `xml:"cardHolderName"`
	CVC            string       `xml:"cvc,omitempty"`
	CardAddress    *cardAddress `xml:"cardAddress,omitempty"`
}

type walletPayload struct {
	Token string `xml:",chardata"`
}

type expiryDate struct {
	Date date `xml:"date"`
}

type date struct {
	DayOfMonth string `xml:"dayOfMonth,attr,omitempty"`
	Month      string `xml:"month,attr"`
	Year       string `xml:"year,attr"`
}

type cardAddress struct {
	Address address `xml:"address"`
}

type address struct {
	Address1    string `xml:"address1"`
	Address2    string `xml:"address2,omitempty"`
	PostalCode  string `xml:"postalCode"`
	City        string `xml:"city"`
	CountryCode string `xml:"countryCode"`
}

type session struct {
	ShopperIPAddress string `xml:"shopperIPAddress,attr,omitempty"`
	ID               string `xml:"id,attr"`
}

type info3DSecure struct {
	PaResponse              string    `xml:"paResponse,omitempty"`
	CompletedAuthentication *struct{} `xml:"completedAuthentication,omitempty"`
}

type shopper struct {
	Email   string   `xml:"shopperEmailAddress,omitempty"`
	Browser *browser `xml:"browser,omitempty"`
}

type browser struct {
	AcceptHeader    string `xml:"acceptHeader"`
	UserAgentHeader string `xml:"userAgentHeader"`
}

type additional3DS struct {
	DfReferenceID       string `xml:"dfReferenceId,attr"`
	ChallengeWindowSize string `xml:"challengeWindowSize,attr"`
	ChallengePreference string `xml:"challengePreference,attr"`
}

type modify struct {
	OrderModification orderModification `xml:"orderModification"`
}

type orderModification struct {
	OrderCode string      `xml:"orderCode,attr"`
	Capture   *captureMod `xml:"capture,omitempty"`
	Cancel    *struct{}   `xml:"cancel,omitempty"`
	Refund    *refundMod  `xml:"refund,omitempty"`
}

type captureMod struct {
	Date   date   `xml:"date"`
	Amount amount `xml:"amount"`
}

type refundMod struct {
	Reference string `xml:"reference,attr"`
	Amount    amount `xml:"amount"`
}

type inquiry struct {
	OrderInquiry orderInquiry `xml:"orderInquiry"`
}

type orderInquiry struct {
	OrderCode string `xml:"orderCode,attr"`
}

type reply struct {
	OrderStatus *orderStatus `xml:"orderStatus"`
	Ok          *ok          `xml:"ok"`
	Error       *replyError  `xml:"error"`
}

type replyError struct {
	Code    string `xml:"code,attr"`
	Message string `xml:",chardata"`
}

type ok struct {
	CaptureReceived *modReceived `xml:"captureReceived"`
	CancelReceived  *modReceived `xml:"cancelReceived"`
	RefundReceived  *modReceived `xml:"refundReceived"`
}

type modReceived struct {
	OrderCode string `xml:"orderCode,attr"`
}

type orderStatus struct {
	OrderCode         string             `xml:"orderCode,attr"`
	Payment           *payment           `xml:"payment"`
	RequestInfo       *requestInfo       `xml:"requestInfo"`
	ChallengeRequired *challengeRequired `xml:"challengeRequired"`
	Error             *replyError        `xml:"error"`
}

type payment struct {
	PaymentMethod       string               `xml:"paymentMethod"`
	LastEvent           string               `xml:"lastEvent"`
	PaymentMethodDetail *paymentMethodDetail `xml:"paymentMethodDetail"`
	ISO8583ReturnCode   *returnCode          `xml:"ISO8583ReturnCode"`
}

type paymentMethodDetail struct {
	Card struct {
		ExpiryDate *expiryDate `xml:"expiryDate"`
	} `xml:"card"`
}

type returnCode struct {
	Code        string `xml:"code,attr"`
	Description string `xml:"description,attr"`
}

type requestInfo struct {
	Request3DSecure *request3DSecure `xml:"request3DSecure"`
}

type request3DSecure struct {
	PaRequest string `xml:"paRequest"`
	IssuerURL string `xml:"issuerURL"`
}

type challengeRequired struct {
	Details struct {
		ThreeDSVersion   string `xml:"threeDSVersion"`
		ACSURL           string `xml:"acsURL"`
		TransactionID3DS string `xml:"transactionId3DS"`
		Payload          string `xml:"payload"`
	} `xml:"threeDSChallengeDetails"`
}

func gbp(value int64) amount {
	return amount{CurrencyCode: currencyGBP, Exponent: "2", Value: value}
}

func encode(doc paymentService) ([]byte, error) {
	doc.Version = paymentServiceVersion
	body, err := xml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal worldpay order: %w", err)
	}
	var b strings.Builder
	b.WriteString(xml.Header)
	b.WriteString(docType)
	b.Write(body)
	return []byte(b.String()), nil
}

func decode(body []byte) (*reply, error) {
	var doc paymentService
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	if doc.Reply == nil {
		return nil, fmt.Errorf("worldpay response has no reply element")
	}
	return doc.Reply, nil
}

// splitEndDate turns "MM/YY" into the month and four digit year Worldpay expects.
func splitEndDate(endDate string) (string, string) {
	parts := strings.SplitN(endDate, "/", 2)
	if len(parts) != 2 {
		return "", ""
	}
	year := parts[1]
	if len(year) == 2 {
		year = "20" + year
	}
	return parts[0], year
}

// cardExpiry renders the expiry reported by Worldpay as MM/YY. Invalid dates yield "".
func (p *payment) cardExpiry() string {
	if p == nil || p.PaymentMethodDetail == nil || p.PaymentMethodDetail.Card.ExpiryDate == nil {
		return ""
	}
	d := p.PaymentMethodDetail.Card.ExpiryDate.Date
	month, err := strconv.Atoi(d.Month)
	if err != nil || month < 1 || month > 12 {
		return ""
	}
	year, err := strconv.Atoi(d.Year)
	if err != nil || year < 2000 || year > 2099 {
		return ""
	}
	return fmt.Sprintf("%02d/%02d", month, year%100)
}

func captureDate(now time.Time) date {
	return date{
		DayOfMonth: strconv.Itoa(now.Day()),
		Month:      strconv.Itoa(int(now.Month())),
		Year:       strconv.Itoa(now.Year()),
	}
}
