package smartpay

import (
	"encoding/xml"
	"fmt"
	"strings"
)

type envelope struct {
	XMLName xml.Name `xml:"http://schemas.xmlsoap.org/soap/envelope/ Envelope"`
	Body    body     `xml:"http://schemas.xmlsoap.org/soap/envelope/ Body"`
}

type body struct {
	Authorise   *authorise    `xml:"http://payment.services.adyen.com authorise,omitempty"`
	Authorise3d *authorise3d  `xml:"http://payment.services.adyen.com authorise3d,omitempty"`
	Capture     *modification `xml:"http://payment.services.adyen.com capture,omitempty"`
	Cancel      *modification `xml:"http://payment.services.adyen.com cancel,omitempty"`
	Refund      *modification `xml:"http://payment.services.adyen.com refund,omitempty"`
}

type authorise struct {
	PaymentRequest paymentRequest `xml:"paymentRequest"`
}

type paymentRequest struct {
	Amount           amount       `xml:"amount"`
	Card             card         `xml:"card"`
	MerchantAccount  string       `xml:"merchantAccount"`
	Reference        string       `xml:"reference"`
	ShopperReference string       `xml:"shopperReference,omitempty"`
	ShopperEmail     string       `xml:"shopperEmail,omitempty"`
	ShopperIP        string       `xml:"shopperIP,omitempty"`
	BrowserInfo      *browserInfo `xml:"browserInfo,omitempty"`
}

type amount struct {
	Currency string `xml:"currency"`
	Value    int64  `xml:"value"`
}

type card struct {
	CVC            string          `xml:"cvc"`
	ExpiryMonth    string          `xml:"expiryMonth"`
	ExpiryYear     string          `xml:"expiryYear"`
	HolderName     string          `xml:"holderName"`
	Number         string          `xml:"number"`
	BillingAddress *billingAddress `xml:"billingAddress,omitempty"`
}

type billingAddress struct {
	City              string `xml:"city"`
	Country           string `xml:"country"`
	HouseNumberOrName string `xml:"houseNumberOrName"`
	PostalCode        string `xml:"postalCode"`
	Street            string `xml:"street"`
}

type browserInfo struct {
	AcceptHeader string `xml:"acceptHeader"`
	UserAgent    string `xml:"userAgent"`
}

type authorise3d struct {
	PaymentRequest3d paymentRequest3d `xml:"paymentRequest3d"`
}

type paymentRequest3d struct {
	MerchantAccount string       `xml:"merchantAccount"`
	MD              string       `xml:"md"`
	PaResponse      string       `xml:"paResponse"`
	BrowserInfo     *browserInfo `xml:"browserInfo,omitempty"`
}

type modification struct {
	ModificationRequest modificationRequest `xml:"modificationRequest"`
}

type modificationRequest struct {
	MerchantAccount    string  `xml:"merchantAccount"`
	ModificationAmount *amount `xml:"modificationAmount,omitempty"`
	OriginalReference  string  `xml:"originalReference"`
	Reference          string  `xml:"reference,omitempty"`
}

// responseEnvelope matches on local names only so any namespace prefix works.
type responseEnvelope struct {
	XMLName xml.Name     `xml:"Envelope"`
	Body    responseBody `xml:"Body"`
}

type responseBody struct {
	AuthoriseResult   *paymentResult      `xml:"authoriseResponse>paymentResult"`
	Authorise3dResult *paymentResult      `xml:"authorise3dResponse>paymentResult"`
	CaptureResult     *modificationResult `xml:"captureResponse>captureResult"`
	CancelResult      *modificationResult `xml:"cancelResponse>cancelResult"`
	RefundResult      *modificationResult `xml:"refundResponse>refundResult"`
	Fault             *fault              `xml:"Fault"`
}

type paymentResult struct {
	IssuerURL     string `xml:"issuerUrl"`
	MD            string `xml:"md"`
	PaRequest     string `xml:"paRequest"`
	PspReference  string `xml:"pspReference"`
	RefusalReason string `xml:"refusalReason"`
	ResultCode    string `xml:"resultCode"`
}

type modificationResult struct {
	PspReference string `xml:"pspReference"`
	Response     string `xml:"response"`
}

type fault struct {
	Code   string `xml:"faultcode"`
	String string `xml:"faultstring"`
}

func encode(b body) ([]byte, error) {
	out, err := xml.Marshal(envelope{Body: b})
	if err != nil {
		return nil, fmt.Errorf("marshal smartpay envelope: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

func decode(raw []byte) (*responseBody, error) {
	var env responseEnvelope
	if err := xml.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	return &env.Body, nil
}

func gbp(value int64) amount {
	return amount{Currency: "GBP", Value: value}
}

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
