package gatewayaccount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/frahmantamala/payment-connector/internal"
	"github.com/frahmantamala/payment-connector/internal/core/datamodel/gatewayaccount"
	"github.com/frahmantamala/payment-connector/internal/gateway"
)

type RepositoryAPI interface {
	Create(ctx context.Context, account *gatewayaccount.GatewayAccount) error
	GetByID(ctx context.Context, id int64) (*gatewayaccount.GatewayAccount, error)
	GetByExternalID(ctx context.Context, externalID string) (*gatewayaccount.GatewayAccount, error)
	UpdateNotificationCredentials(ctx context.Context, id int64, username, passwordHash string) error
	CreateCredential(ctx context.Context, credential *gatewayaccount.Credential) error
	UpdateCredential(ctx context.Context, credential *gatewayaccount.Credential) error
	GetCredentialByExternalID(ctx context.Context, externalID string) (*gatewayaccount.Credential, error)
	HasActiveCredentials(ctx context.Context, accountID int64) (bool, error)
	FindCredentialByKeyValue(ctx context.Context, key, value string) (*gatewayaccount.Credential, error)
}

// ErrNotFound is returned by repositories when no row matches.
var ErrNotFound = errors.New("record not found")

type Service struct {
	repo       RepositoryAPI
	logger     *slog.Logger
	bcryptCost int
	now        func() time.Time
}

func NewService(repo RepositoryAPI, logger *slog.Logger) *Service {
	return &Service{
		repo:       repo,
		logger:     logger,
		bcryptCost: bcrypt.DefaultCost,
		now:        time.Now,
	}
}

func (s *Service) CreateAccount(ctx context.Context, serviceID string, accountType gatewayaccount.Type, description, provider string, credentials map[string]string) (*gatewayaccount.GatewayAccount, error) {
	if accountType != gatewayaccount.TypeTest && accountType != gatewayaccount.TypeLive {
		return nil, internal.NewValidationFieldError("type", "type must be test or live", internal.ErrCodeValidationFailed)
	}
	account := &gatewayaccount.GatewayAccount{
		ExternalID:  uuid.New().String(),
		ServiceID:   serviceID,
		Type:        accountType,
		Description: description,
	}
	if err := s.repo.Create(ctx, account); err != nil {
		return nil, fmt.Errorf("create gateway account: %w", err)
	}

	credential, err := s.CreateCredential(ctx, account.ID, provider, credentials)
	if err != nil {
		return nil, err
	}
	account.Credentials = []gatewayaccount.Credential{*credential}

	s.logger.Info("gateway account created",
		"gateway_account_id", account.ID,
		"gateway_account_type", account.Type,
		"provider", provider)
	return account, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*gatewayaccount.GatewayAccount, error) {
	account, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, internal.ErrGatewayAccountNotFound
		}
		return nil, fmt.Errorf("get gateway account %d: %w", id, err)
	}
	return account, nil
}

// CreateCredential starts the credential ACTIVE when it is the first one with
// values, or for the sandbox, ENTERED when it has values, and CREATED
// otherwise.
func (s *Service) CreateCredential(ctx context.Context, accountID int64, provider string, values map[string]string) (*gatewayaccount.Credential, error) {
	hasActive, err := s.repo.HasActiveCredentials(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("check active credentials: %w", err)
	}

	prePopulated := len(values) > 0
	state := gatewayaccount.CredentialStateCreated
	switch {
	case (!hasActive && prePopulated) || gateway.Name(provider) == gateway.NameSandbox:
		state = gatewayaccount.CredentialStateActive
	case prePopulated:
		state = gatewayaccount.CredentialStateEntered
	}

	credential := &gatewayaccount.Credential{
		ExternalID:       uuid.New().String(),
		GatewayAccountID: accountID,
		PaymentProvider:  provider,
		Credentials:      gatewayaccount.CredentialMap(values),
		State:            state,
	}
	if state == gatewayaccount.CredentialStateActive {
		now := s.now().UTC()
		credential.ActiveStartDate = &now
	}

	if err := s.repo.CreateCredential(ctx, credential); err != nil {
		return nil, fmt.Errorf("create credential: %w", err)
	}
	return credential, nil
}

// UpdateCredentialValues merges values into the credential. A CREATED
// credential becomes ACTIVE when it is the account's only credential and
// ENTERED otherwise.
func (s *Service) UpdateCredentialValues(ctx context.Context, credentialExternalID string, values map[string]string) (*gatewayaccount.Credential, error) {
	credential, err := s.credential(ctx, credentialExternalID)
	if err != nil {
		return nil, err
	}

	merged := gatewayaccount.CredentialMap{}
	for k, v := range credential.Credentials {
		merged[k] = v
	}
	for k, v := range values {
		merged[k] = v
	}
	credential.Credentials = merged

	if credential.State == gatewayaccount.CredentialStateCreated {
		account, err := s.Get(ctx, credential.GatewayAccountID)
		if err != nil {
			return nil, err
		}
		if len(account.Credentials) == 1 {
			now := s.now().UTC()
			credential.State = gatewayaccount.CredentialStateActive
			credential.ActiveStartDate = &now
		} else {
			credential.State = gatewayaccount.CredentialStateEntered
		}
	}

	if err := s.repo.UpdateCredential(ctx, credential); err != nil {
		return nil, fmt.Errorf("update credential: %w", err)
	}
	s.logger.Info("updated credentials for gateway account",
		"gateway_account_id", credential.GatewayAccountID,
		"provider", credential.PaymentProvider,
		"state", credential.State)
	return credential, nil
}

func (s *Service) UpdateCredentialState(ctx context.Context, credentialExternalID string, next gatewayaccount.CredentialState) (*gatewayaccount.Credential, error) {
	if !next.IsValid() {
		return nil, internal.NewValidationFieldError("state", fmt.Sprintf("unknown credential state %s", next), internal.ErrCodeValidationFailed)
	}
	credential, err := s.credential(ctx, credentialExternalID)
	if err != nil {
		return nil, err
	}
	if !credential.State.CanAdvanceTo(next) {
		return nil, internal.NewValidationError(
			fmt.Sprintf("credential state cannot move from %s to %s", credential.State, next),
			internal.ErrCodeValidationFailed)
	}

	now := s.now().UTC()
	switch next {
	case gatewayaccount.CredentialStateActive:
		credential.ActiveStartDate = &now
	case gatewayaccount.CredentialStateRetired:
		credential.ActiveEndDate = &now
	}
	credential.State = next

	if err := s.repo.UpdateCredential(ctx, credential); err != nil {
		return nil, fmt.Errorf("update credential state: %w", err)
	}
	return credential, nil
}

// UsableCredential returns the single credential for provider in a usable
// state.
func (s *Service) UsableCredential(account *gatewayaccount.GatewayAccount, provider string) (*gatewayaccount.Credential, error) {
	var forProvider []gatewayaccount.Credential
	for _, c := range account.Credentials {
		if c.PaymentProvider == provider {
			forProvider = append(forProvider, c)
		}
	}

	if len(forProvider) == 0 {
		return nil, internal.NewNotFoundError(
			fmt.Sprintf("no credentials exist for payment provider %s", provider), internal.ErrCodeCredentialsNotFound)
	}
	if len(forProvider) == 1 && forProvider[0].State == gatewayaccount.CredentialStateCreated {
		return nil, internal.NewNotFoundError("gateway account credentials are not configured", internal.ErrCodeCredentialsNotFound)
	}

	var usable []gatewayaccount.Credential
	for _, c := range forProvider {
		if c.State.IsUsable() {
			usable = append(usable, c)
		}
	}
	switch len(usable) {
	case 0:
		return nil, internal.NewNotFoundError(
			fmt.Sprintf("no credentials in usable state for payment provider %s", provider), internal.ErrCodeCredentialsNotFound)
	case 1:
		return &usable[0], nil
	default:
		return nil, internal.NewValidationError(
			fmt.Sprintf("multiple usable credentials exist for payment provider %s, unable to determine which to use", provider),
			internal.ErrCodeValidationFailed)
	}
}

// CredentialFor returns the credential a charge was created against, as
// gateway credentials.
func (s *Service) CredentialFor(ctx context.Context, account *gatewayaccount.GatewayAccount, credentialExternalID string) (gateway.Credentials, error) {
	for _, c := range account.Credentials {
		if c.ExternalID == credentialExternalID {
			return ToGatewayCredentials(account, &c), nil
		}
	}
	credential, err := s.credential(ctx, credentialExternalID)
	if err != nil {
		return gateway.Credentials{}, err
	}
	if credential.GatewayAccountID != account.ID {
		return gateway.Credentials{}, internal.ErrCredentialsNotFound
	}
	return ToGatewayCredentials(account, credential), nil
}

// FindStripeAccount resolves the gateway account owning a Stripe connect
// account.
func (s *Service) FindStripeAccount(ctx context.Context, stripeAccountID string) (*gatewayaccount.GatewayAccount, error) {
	credential, err := s.repo.FindCredentialByKeyValue(ctx, gatewayaccount.KeyStripeAccountID, stripeAccountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, internal.NewNotFoundError(
				fmt.Sprintf("gateway account credentials with Stripe connect account ID %s not found", stripeAccountID),
				internal.ErrCodeCredentialsNotFound)
		}
		return nil, fmt.Errorf("find stripe credential: %w", err)
	}
	return s.Get(ctx, credential.GatewayAccountID)
}

func (s *Service) SetNotificationCredentials(ctx context.Context, accountID int64, username, password string) error {
	if username == "" || password == "" {
		return internal.NewValidationError("username and password are required", internal.ErrCodeValidationFailed)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return fmt.Errorf("hash notification password: %w", err)
	}
	return s.repo.UpdateNotificationCredentials(ctx, accountID, username, string(hash))
}

// VerifyNotificationCredentials checks basic auth sent with gateway
// notifications against the stored bcrypt hash.
func (s *Service) VerifyNotificationCredentials(account *gatewayaccount.GatewayAccount, username, password string) error {
	if account.NotificationUsername == nil || account.NotificationPasswordHash == nil {
		return internal.ErrInvalidCredentials
	}
	if *account.NotificationUsername != username {
		return internal.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*account.NotificationPasswordHash), []byte(password)); err != nil {
		return internal.ErrInvalidCredentials
	}
	return nil
}

func (s *Service) credential(ctx context.Context, externalID string) (*gatewayaccount.Credential, error) {
	credential, err := s.repo.GetCredentialByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, internal.ErrCredentialsNotFound
		}
		return nil, fmt.Errorf("get credential %s: %w", externalID, err)
	}
	return credential, nil
}

func ToGatewayCredentials(account *gatewayaccount.GatewayAccount, credential *gatewayaccount.Credential) gateway.Credentials {
	values := make(map[string]string, len(credential.Credentials))
	for k, v := range credential.Credentials {
		values[k] = v
	}
	return gateway.Credentials{
		Values:                   values,
		Live:                     account.IsLive(),
		GatewayAccountExternalID: account.ExternalID,
		CredentialExternalID:     credential.ExternalID,
	}
}
