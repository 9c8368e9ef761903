package postgres

import (
	"context"
	"errors"

	"gorm.io/gorm"

	chargesvc "github.com/frahmantamala/payment-connector/internal/charge"
	"github.com/frahmantamala/payment-connector/internal/core/datamodel/charge"
)

// ChargeRepository implements charge.RepositoryAPI using GORM.
type ChargeRepository struct {
	db *gorm.DB
}

func NewChargeRepository(db *gorm.DB) *ChargeRepository {
	return &ChargeRepository{db: db}
}

func (r *ChargeRepository) Create(ctx context.Context, c *charge.Charge) error {
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *ChargeRepository) GetByExternalID(ctx context.Context, externalID string) (*charge.Charge, error) {
	var c charge.Charge
	err := r.db.WithContext(ctx).Where("external_id = ?", externalID).First(&c).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (r *ChargeRepository) GetByGatewayTransactionID(ctx context.Context, provider, transactionID string) (*charge.Charge, error) {
	var c charge.Charge
	err := r.db.WithContext(ctx).
		Where("payment_provider = ? AND gateway_transaction_id = ?", provider, transactionID).
		First(&c).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// SaveWithVersion is a compare-and-swap on the version column.
func (r *ChargeRepository) SaveWithVersion(ctx context.Context, c *charge.Charge) error {
	return saveChargeWithVersion(r.db.WithContext(ctx), c, chargeColumns(c))
}

func (r *ChargeRepository) CreateRefund(ctx context.Context, c *charge.Charge, refund *charge.Refund) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bump := map[string]interface{}{"updated_at": refund.CreatedAt}
		if err := saveChargeWithVersion(tx, c, bump); err != nil {
			return err
		}
		return tx.Create(refund).Error
	})
}

func (r *ChargeRepository) UpdateRefund(ctx context.Context, refund *charge.Refund) error {
	expected := refund.Version
	result := r.db.WithContext(ctx).Model(&charge.Refund{}).
		Where("external_id = ? AND version = ?", refund.ExternalID, expected).
		Updates(map[string]interface{}{
			"status":                 refund.Status,
			"gateway_transaction_id": refund.GatewayTransactionID,
			"version":                expected + 1,
			"updated_at":             refund.UpdatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return chargesvc.ErrVersionConflict
	}
	refund.Version = expected + 1
	return nil
}

func (r *ChargeRepository) ListRefunds(ctx context.Context, chargeExternalID string) ([]charge.Refund, error) {
	var refunds []charge.Refund
	err := r.db.WithContext(ctx).
		Where("charge_external_id = ?", chargeExternalID).
		Order("created_at ASC, id ASC").
		Find(&refunds).Error
	return refunds, err
}

func (r *ChargeRepository) GetRefundByGatewayTransactionID(ctx context.Context, transactionID string) (*charge.Refund, error) {
	var refund charge.Refund
	err := r.db.WithContext(ctx).Where("gateway_transaction_id = ?", transactionID).First(&refund).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &refund, nil
}

func (r *ChargeRepository) SaveFees(ctx context.Context, fees []charge.Fee) error {
	if len(fees) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&fees).Error
}

func (r *ChargeRepository) ListFees(ctx context.Context, chargeExternalID string) ([]charge.Fee, error) {
	var fees []charge.Fee
	err := r.db.WithContext(ctx).
		Where("charge_external_id = ?", chargeExternalID).
		Order("id ASC").
		Find(&fees).Error
	return fees, err
}

func saveChargeWithVersion(db *gorm.DB, c *charge.Charge, columns map[string]interface{}) error {
	expected := c.Version
	columns["version"] = expected + 1
	result := db.Model(&charge.Charge{}).
		Where("external_id = ? AND version = ?", c.ExternalID, expected).
		Updates(columns)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return chargesvc.ErrVersionConflict
	}
	c.Version = expected + 1
	return nil
}

func chargeColumns(c *charge.Charge) map[string]interface{} {
	return map[string]interface{}{
		"status":                  c.Status,
		"gateway_transaction_id":  c.GatewayTransactionID,
		"provider_session_id":     c.ProviderSessionID,
		"card_brand":              c.CardBrand,
		"last_digits_card_number": c.LastDigitsCardNumber,
		"card_expiry":             c.CardExpiry,
		"wallet_type":             c.WalletType,
		"issuer_url_3ds":          c.IssuerURL3ds,
		"pa_request_3ds":          c.PaRequest3ds,
		"html_out_3ds":            c.HTMLOut3ds,
		"version_3ds":             c.Version3ds,
		"captured_at":             c.CapturedAt,
		"updated_at":              c.UpdatedAt,
	}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return chargesvc.ErrNotFound
	}
	return err
}
