package postgres

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/frahmantamala/payment-connector/internal/core/datamodel/gatewayaccount"
	gatewayaccountpkg "github.com/frahmantamala/payment-connector/internal/gatewayaccount"
)

type GatewayAccountRepository struct {
	db *gorm.DB
}

func NewGatewayAccountRepository(db *gorm.DB) *GatewayAccountRepository {
	return &GatewayAccountRepository{
		db: db,
	}
}

var _ gatewayaccountpkg.RepositoryAPI = (*GatewayAccountRepository)(nil)

func (r *GatewayAccountRepository) Create(ctx context.Context, account *gatewayaccount.GatewayAccount) error {
	return r.db.WithContext(ctx).Omit("Credentials").Create(account).Error
}

func (r *GatewayAccountRepository) GetByID(ctx context.Context, id int64) (*gatewayaccount.GatewayAccount, error) {
	var account gatewayaccount.GatewayAccount
	err := r.db.WithContext(ctx).Preload("Credentials").First(&account, id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &account, nil
}

func (r *GatewayAccountRepository) GetByExternalID(ctx context.Context, externalID string) (*gatewayaccount.GatewayAccount, error) {
	var account gatewayaccount.GatewayAccount
	err := r.db.WithContext(ctx).Preload("Credentials").Where("external_id = ?", externalID).First(&account).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &account, nil
}

func (r *GatewayAccountRepository) UpdateNotificationCredentials(ctx context.Context, id int64, username, passwordHash string) error {
	result := r.db.WithContext(ctx).Model(&gatewayaccount.GatewayAccount{}).Where("id = ?", id).Updates(map[string]interface{}{
		"notification_username":      username,
		"notification_password_hash": passwordHash,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gatewayaccountpkg.ErrNotFound
	}
	return nil
}

func (r *GatewayAccountRepository) CreateCredential(ctx context.Context, credential *gatewayaccount.Credential) error {
	return r.db.WithContext(ctx).Create(credential).Error
}

func (r *GatewayAccountRepository) UpdateCredential(ctx context.Context, credential *gatewayaccount.Credential) error {
	return r.db.WithContext(ctx).Model(credential).Select("Credentials", "State", "ActiveStartDate", "ActiveEndDate", "UpdatedAt").Updates(credential).Error
}

func (r *GatewayAccountRepository) GetCredentialByExternalID(ctx context.Context, externalID string) (*gatewayaccount.Credential, error) {
	var credential gatewayaccount.Credential
	err := r.db.WithContext(ctx).Where("external_id = ?", externalID).First(&credential).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &credential, nil
}

func (r *GatewayAccountRepository) HasActiveCredentials(ctx context.Context, accountID int64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&gatewayaccount.Credential{}).
		Where("gateway_account_id = ? AND state = ?", accountID, gatewayaccount.CredentialStateActive).
		Count(&count).Error
	return count > 0, err
}

// FindCredentialByKeyValue narrows candidates with a text match and checks
// the key in Go, which keeps the query portable between postgres and sqlite.
func (r *GatewayAccountRepository) FindCredentialByKeyValue(ctx context.Context, key, value string) (*gatewayaccount.Credential, error) {
	var candidates []gatewayaccount.Credential
	err := r.db.WithContext(ctx).
		Where("CAST(credentials AS TEXT) LIKE ?", "%"+value+"%").
		Order("id").
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		if candidates[i].Credentials[key] == value {
			return &candidates[i], nil
		}
	}
	return nil, gatewayaccountpkg.ErrNotFound
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return gatewayaccountpkg.ErrNotFound
	}
	return err
}
