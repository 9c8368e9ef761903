package gatewayaccount

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type Type string

const (
	TypeTest Type = "test"
	TypeLive Type = "live"
)

type GatewayAccount struct {
	ID                       int64        `gorm:"primaryKey"`
	ExternalID               string       `gorm:"column:external_id;not null;uniqueIndex"`
	ServiceID                string       `gorm:"column:service_id"`
	Type                     Type         `gorm:"column:type;not null"`
	Description              string       `gorm:"column:description"`
	NotificationUsername     *string      `gorm:"column:notification_username"`
	NotificationPasswordHash *string      `gorm:"column:notification_password_hash"`
	Credentials              []Credential `gorm:"foreignKey:GatewayAccountID"`
	CreatedAt                time.Time    `gorm:"column:created_at"`
	UpdatedAt                time.Time    `gorm:"column:updated_at"`
}

func (GatewayAccount) TableName() string {
	return "gateway_accounts"
}

func (a *GatewayAccount) IsLive() bool {
	return a.Type == TypeLive
}

type CredentialState string

const (
	CredentialStateCreated                 CredentialState = "CREATED"
	CredentialStateEntered                 CredentialState = "ENTERED"
	CredentialStateVerifiedWithLivePayment CredentialState = "VERIFIED_WITH_LIVE_PAYMENT"
	CredentialStateActive                  CredentialState = "ACTIVE"
	CredentialStateRetired                 CredentialState = "RETIRED"
)

var credentialStateOrder = map[CredentialState]int{
	CredentialStateCreated:                 0,
	CredentialStateEntered:                 1,
	CredentialStateVerifiedWithLivePayment: 2,
	CredentialStateActive:                  3,
	CredentialStateRetired:                 4,
}

func (s CredentialState) IsUsable() bool {
	switch s {
	case CredentialStateEntered, CredentialStateVerifiedWithLivePayment, CredentialStateActive:
		return true
	}
	return false
}

func (s CredentialState) IsValid() bool {
	_, ok := credentialStateOrder[s]
	return ok
}

// CanAdvanceTo reports whether moving from s to next keeps the state moving forward.
func (s CredentialState) CanAdvanceTo(next CredentialState) bool {
	from, ok := credentialStateOrder[s]
	if !ok {
		return false
	}
	to, ok := credentialStateOrder[next]
	if !ok {
		return false
	}
	return to > from
}

const (
	KeyMerchantID           = "merchant_id"
	KeyUsername             = "username"
	KeyPassword             = "password"
	KeyShaInPassphrase      = "sha_in_passphrase"
	KeyShaOutPassphrase     = "sha_out_passphrase"
	KeyStripeAccountID      = "stripe_account_id"
	KeyIssuer               = "issuer"
	KeyOrganisationalUnitID = "organisational_unit_id"
	KeyJwtMacKey            = "jwt_mac_key"
)

// CredentialMap is stored as a JSON document.
type CredentialMap map[string]string

func (m CredentialMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *CredentialMap) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = CredentialMap{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported credentials column type %T", src)
	}
	out := CredentialMap{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return err
		}
	}
	*m = out
	return nil
}

type Credential struct {
	ID               int64           `gorm:"primaryKey"`
	ExternalID       string          `gorm:"column:external_id;not null;uniqueIndex"`
	GatewayAccountID int64           `gorm:"column:gateway_account_id;not null;index"`
	PaymentProvider  string          `gorm:"column:payment_provider;not null"`
	Credentials      CredentialMap   `gorm:"column:credentials;type:jsonb"`
	State            CredentialState `gorm:"column:state;not null"`
	ActiveStartDate  *time.Time      `gorm:"column:active_start_date"`
	ActiveEndDate    *time.Time      `gorm:"column:active_end_date"`
	CreatedAt        time.Time       `gorm:"column:created_at"`
	UpdatedAt        time.Time       `gorm:"column:updated_at"`
}

func (Credential) TableName() string {
	return "gateway_account_credentials"
}

func (c *Credential) HasCredentials() bool {
	return len(c.Credentials) > 0
}
