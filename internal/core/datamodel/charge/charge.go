package charge

import (
	"time"
)

type Charge struct {
	ID                   int64      `gorm:"primaryKey"`
	ExternalID           string     `gorm:"column:external_id;not null;uniqueIndex"`
	Amount               int64      `gorm:"column:amount;not null"`
	Status               Status     `gorm:"column:status;not null;index"`
	Description          string     `gorm:"column:description"`
	Reference            string     `gorm:"column:reference"`
	ReturnURL            string     `gorm:"column:return_url"`
	Email                *string    `gorm:"column:email"`
	Language             string     `gorm:"column:language;default:en"`
	GatewayAccountID     int64      `gorm:"column:gateway_account_id;not null;index"`
	PaymentProvider      string     `gorm:"column:payment_provider;not null"`
	CredentialExternalID string     `gorm:"column:credential_external_id"`
	GatewayTransactionID *string    `gorm:"column:gateway_transaction_id;index"`
	ProviderSessionID    *string    `gorm:"column:provider_session_id"`
	CardBrand            *string    `gorm:"column:card_brand"`
	LastDigitsCardNumber *string    `gorm:"column:last_digits_card_number"`
	CardExpiry           *string    `gorm:"column:card_expiry"`
	WalletType           *string    `gorm:"column:wallet_type"`
	IssuerURL3ds         *string    `gorm:"column:issuer_url_3ds"`
	PaRequest3ds         *string    `gorm:"column:pa_request_3ds"`
	HTMLOut3ds           *string    `gorm:"column:html_out_3ds"`
	Version3ds           *string    `gorm:"column:version_3ds"`
	Version              int64      `gorm:"column:version;not null;default:1"`
	CreatedAt            time.Time  `gorm:"column:created_at"`
	UpdatedAt            time.Time  `gorm:"column:updated_at"`
	CapturedAt           *time.Time `gorm:"column:captured_at"`
}

func (Charge) TableName() string {
	return "charges"
}

func (c *Charge) TransactionID() string {
	if c.GatewayTransactionID == nil {
		return ""
	}
	return *c.GatewayTransactionID
}

func (c *Charge) SessionID() string {
	if c.ProviderSessionID == nil {
		return ""
	}
	return *c.ProviderSessionID
}

type Refund struct {
	ID                   int64        `gorm:"primaryKey"`
	ExternalID           string       `gorm:"column:external_id;not null;uniqueIndex"`
	ChargeExternalID     string       `gorm:"column:charge_external_id;not null;index"`
	Amount               int64        `gorm:"column:amount;not null"`
	Status               RefundStatus `gorm:"column:status;not null"`
	GatewayTransactionID *string      `gorm:"column:gateway_transaction_id;index"`
	UserExternalID       *string      `gorm:"column:user_external_id"`
	Version              int64        `gorm:"column:version;not null;default:1"`
	CreatedAt            time.Time    `gorm:"column:created_at"`
	UpdatedAt            time.Time    `gorm:"column:updated_at"`
}

func (Refund) TableName() string {
	return "refunds"
}

type Fee struct {
	ID               int64     `gorm:"primaryKey"`
	ExternalID       string    `gorm:"column:external_id;not null;uniqueIndex"`
	ChargeExternalID string    `gorm:"column:charge_external_id;not null;index"`
	FeeType          FeeType   `gorm:"column:fee_type;not null"`
	AmountCollected  int64     `gorm:"column:amount_collected;not null"`
	CreatedAt        time.Time `gorm:"column:created_at"`
}

func (Fee) TableName() string {
	return "fees"
}

func TotalFees(fees []Fee) int64 {
	var total int64
	for _, f := range fees {
		total += f.AmountCollected
	}
	return total
}
