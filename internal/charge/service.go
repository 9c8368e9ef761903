package charge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/frahmantamala/payment-connector/internal"
	"github.com/frahmantamala/payment-connector/internal/core/common/validation"
	"github.com/frahmantamala/payment-connector/internal/core/datamodel/charge"
	"github.com/frahmantamala/payment-connector/internal/core/datamodel/gatewayaccount"
	"github.com/frahmantamala/payment-connector/internal/core/events"
	"github.com/frahmantamala/payment-connector/internal/gateway"
)

type RepositoryAPI interface {
	Create(ctx context.Context, c *charge.Charge) error
	GetByExternalID(ctx context.Context, externalID string) (*charge.Charge, error)
	GetByGatewayTransactionID(ctx context.Context, provider, transactionID string) (*charge.Charge, error)
	// SaveWithVersion writes c only if the stored version still equals
	// c.Version, then increments c.Version. A stale version returns
	// ErrVersionConflict and leaves the stored row untouched.
	SaveWithVersion(ctx context.Context, c *charge.Charge) error
	// CreateRefund inserts r and bumps the charge version in one transaction.
	CreateRefund(ctx context.Context, c *charge.Charge, r *charge.Refund) error
	UpdateRefund(ctx context.Context, r *charge.Refund) error
	ListRefunds(ctx context.Context, chargeExternalID string) ([]charge.Refund, error)
	GetRefundByGatewayTransactionID(ctx context.Context, transactionID string) (*charge.Refund, error)
	SaveFees(ctx context.Context, fees []charge.Fee) error
	ListFees(ctx context.Context, chargeExternalID string) ([]charge.Fee, error)
}

var (
	ErrNotFound        = errors.New("record not found")
	ErrVersionConflict = errors.New("stale version")
)

type AccountService interface {
	Get(ctx context.Context, id int64) (*gatewayaccount.GatewayAccount, error)
	UsableCredential(account *gatewayaccount.GatewayAccount, provider string) (*gatewayaccount.Credential, error)
	CredentialFor(ctx context.Context, account *gatewayaccount.GatewayAccount, credentialExternalID string) (gateway.Credentials, error)
}

type EventEmitter interface {
	Emit(ctx context.Context, events ...events.DomainEvent) error
}

type FeeTaskEnqueuer interface {
	EnqueueFeeCollection(ctx context.Context, chargeExternalID string) error
}

type Service struct {
	repo      RepositoryAPI
	providers gateway.Providers
	accounts  AccountService
	emitter   EventEmitter
	feeTasks  FeeTaskEnqueuer
	logger    *slog.Logger
	now       func() time.Time
}

// NewService wires the charge engine. feeTasks may be nil, in which case
// failed payments never trigger fee collection.
func NewService(repo RepositoryAPI, providers gateway.Providers, accounts AccountService, emitter EventEmitter, feeTasks FeeTaskEnqueuer, logger *slog.Logger) *Service {
	return &Service{
		repo:      repo,
		providers: providers,
		accounts:  accounts,
		emitter:   emitter,
		feeTasks:  feeTasks,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Create(ctx context.Context, dto CreateChargeDTO) (*charge.Charge, error) {
	if err := dto.Validate(); err != nil {
		s.logger.Error("charge validation failed", "error", err, "gateway_account_id", dto.GatewayAccountID)
		return nil, err
	}

	account, err := s.accounts.Get(ctx, dto.GatewayAccountID)
	if err != nil {
		return nil, err
	}
	credential, err := s.resolveCredential(account, dto.PaymentProvider)
	if err != nil {
		return nil, err
	}
	if _, err := s.providers.Resolve(credential.PaymentProvider); err != nil {
		return nil, err
	}

	language := dto.Language
	if language == "" {
		language = "en"
	}
	now := s.now()
	c := &charge.Charge{
		ExternalID:           uuid.New().String(),
		Amount:               dto.Amount,
		Status:               charge.StatusCreated,
		Description:          dto.Description,
		Reference:            dto.Reference,
		ReturnURL:            dto.ReturnURL,
		Email:                dto.Email,
		Language:             language,
		GatewayAccountID:     account.ID,
		PaymentProvider:      credential.PaymentProvider,
		CredentialExternalID: credential.ExternalID,
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.repo.Create(ctx, c); err != nil {
		s.logger.Error("failed to create charge", "error", err, "gateway_account_id", account.ID)
		return nil, fmt.Errorf("create charge: %w", err)
	}

	s.logger.Info("charge created",
		"charge_external_id", c.ExternalID,
		"gateway_account_id", account.ID,
		"provider", c.PaymentProvider,
		"amount", c.Amount)

	if err := s.emit(ctx, events.PaymentCreatedFrom(c)); err != nil {
		return c, err
	}
	return c, nil
}

func (s *Service) Get(ctx context.Context, externalID string) (*charge.Charge, error) {
	return s.load(ctx, externalID)
}

// GetForAccount hides charges that belong to another gateway account.
func (s *Service) GetForAccount(ctx context.Context, externalID string, accountID int64) (*charge.Charge, error) {
	c, err := s.load(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if c.GatewayAccountID != accountID {
		return nil, chargeNotFound(externalID)
	}
	return c, nil
}

func (s *Service) Refunds(ctx context.Context, externalID string) ([]charge.Refund, error) {
	if _, err := s.load(ctx, externalID); err != nil {
		return nil, err
	}
	return s.repo.ListRefunds(ctx, externalID)
}

func (s *Service) StartCardEntry(ctx context.Context, externalID string) (*charge.Charge, error) {
	c, err := s.load(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if c.Status == charge.StatusEnteringCardDetails {
		return c, nil
	}
	if err := transition(c, charge.StatusEnteringCardDetails); err != nil {
		return nil, err
	}
	if err := s.save(ctx, c); err != nil {
		return nil, err
	}
	if err := s.emitStatus(ctx, c); err != nil {
		return c, err
	}
	return c, nil
}

type authoriseFunc func(ctx context.Context, provider gateway.PaymentProvider, c *charge.Charge, creds gateway.Credentials) (*gateway.AuthorisationOutcome, error)

func (s *Service) Authorise(ctx context.Context, externalID string, card gateway.CardDetails) (*charge.Charge, error) {
	if card.CardNo == "" {
		return nil, internal.NewValidationFieldError("card_number", "card_number is required", internal.ErrCodeValidationFailed)
	}
	record := func(c *charge.Charge) {
		c.CardBrand = optional(card.CardBrand)
		c.LastDigitsCardNumber = optional(card.LastDigits())
		c.CardExpiry = optional(card.EndDate)
	}
	call := func(ctx context.Context, provider gateway.PaymentProvider, c *charge.Charge, creds gateway.Credentials) (*gateway.AuthorisationOutcome, error) {
		return provider.Authorise(ctx, &gateway.CardAuthorisationRequest{
			Charge:        c,
			Credentials:   creds,
			TransactionID: c.TransactionID(),
			Card:          card,
		})
	}
	return s.authorise(ctx, externalID, gateway.CapabilityCard, record, call)
}

func (s *Service) AuthoriseWallet(ctx context.Context, externalID string, wallet WalletDetails) (*charge.Charge, error) {
	if err := wallet.Validate(); err != nil {
		return nil, err
	}
	record := func(c *charge.Charge) {
		c.WalletType = optional(wallet.WalletType)
		c.CardBrand = optional(wallet.CardBrand)
		c.LastDigitsCardNumber = optional(wallet.LastDigits)
	}
	call := func(ctx context.Context, provider gateway.PaymentProvider, c *charge.Charge, creds gateway.Credentials) (*gateway.AuthorisationOutcome, error) {
		return provider.AuthoriseWallet(ctx, &gateway.WalletAuthorisationRequest{
			Charge:        c,
			Credentials:   creds,
			TransactionID: c.TransactionID(),
			WalletType:    wallet.WalletType,
			PaymentToken:  wallet.PaymentToken,
			CardHolder:    wallet.CardHolder,
			CardBrand:     wallet.CardBrand,
			LastDigits:    wallet.LastDigits,
		})
	}
	return s.authorise(ctx, externalID, gateway.CapabilityWallet, record, call)
}

// authorise guards the charge, takes the AUTHORISATION_READY lock with a
// version-checked write, calls the provider and records the outcome. Once the
// lock is held the charge is always advanced, whatever the provider returns.
func (s *Service) authorise(ctx context.Context, externalID string, need gateway.Capabilities, record func(*charge.Charge), call authoriseFunc) (*charge.Charge, error) {
	c, err := s.load(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if err := guardAuthorise(c); err != nil {
		return nil, err
	}

	provider, creds, err := s.gatewayFor(ctx, c)
	if err != nil {
		return nil, err
	}
	if !provider.Capabilities().Has(need) {
		return nil, fmt.Errorf("%s: %w", provider.Name(), internal.ErrUnsupportedCapability)
	}

	if err := transition(c, charge.StatusAuthorisationReady); err != nil {
		return nil, err
	}
	if transactionID, ok := provider.GenerateTransactionID(); ok {
		c.GatewayTransactionID = &transactionID
	}
	record(c)
	if err := s.save(ctx, c); err != nil {
		return nil, err
	}

	outcome, callErr := call(ctx, provider, c, creds)
	return s.completeAuthorisation(context.WithoutCancel(ctx), externalID, charge.StatusAuthorisationReady, outcome, callErr)
}

func (s *Service) Authorise3DS(ctx context.Context, externalID string, result gateway.Auth3dsResult) (*charge.Charge, error) {
	c, err := s.load(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if err := guardAuthorise3ds(c); err != nil {
		return nil, err
	}

	provider, creds, err := s.gatewayFor(ctx, c)
	if err != nil {
		return nil, err
	}

	if err := transition(c, charge.StatusAuthorisation3dsReady); err != nil {
		return nil, err
	}
	if err := s.save(ctx, c); err != nil {
		return nil, err
	}

	outcome, callErr := provider.Authorise3dsResponse(ctx, &gateway.Auth3dsResponseRequest{
		Charge:        c,
		Credentials:   creds,
		TransactionID: c.TransactionID(),
		Result:        result,
	})
	return s.completeAuthorisation(context.WithoutCancel(ctx), externalID, charge.StatusAuthorisation3dsReady, outcome, callErr)
}

func (s *Service) completeAuthorisation(ctx context.Context, externalID string, locked charge.Status, outcome *gateway.AuthorisationOutcome, callErr error) (*charge.Charge, error) {
	c, err := s.load(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if c.Status != locked {
		s.logger.Warn("charge left its authorisation lock during the gateway call",
			"charge_external_id", externalID,
			"expected_status", locked,
			"status", c.Status)
		return nil, internal.NewVersionConflictError("charge %s moved to %s during authorisation", externalID, c.Status)
	}

	next := s.authorisationStatus(c, outcome, callErr)
	if next == locked {
		// the issuer has not reported yet; a notification completes it
		return c, nil
	}
	if !c.Status.CanTransitionTo(next) {
		s.logger.Error("provider returned an outcome not reachable from the lock status",
			"charge_external_id", externalID,
			"status", c.Status,
			"outcome_status", next)
		next = charge.StatusAuthorisationUnexpectedError
	}

	applyOutcome(c, outcome)
	if err := transition(c, next); err != nil {
		return nil, err
	}
	if err := s.save(ctx, c); err != nil {
		return nil, err
	}

	s.logger.Info("charge authorisation completed",
		"charge_external_id", c.ExternalID,
		"provider", c.PaymentProvider,
		"status", c.Status,
		"gateway_transaction_id", c.TransactionID())

	s.enqueueFeeCollection(ctx, c)
	if err := s.emitStatus(ctx, c); err != nil {
		return c, err
	}
	return c, nil
}

func (s *Service) authorisationStatus(c *charge.Charge, outcome *gateway.AuthorisationOutcome, callErr error) charge.Status {
	if callErr != nil {
		s.logger.Error("gateway error during authorisation",
			"charge_external_id", c.ExternalID,
			"provider", c.PaymentProvider,
			"error", callErr)
		return authorisationFailureStatus(callErr)
	}
	if outcome == nil {
		return charge.StatusAuthorisationUnexpectedError
	}
	if outcome.GatewayError != nil {
		s.logger.Warn("gateway rejected authorisation request",
			"charge_external_id", c.ExternalID,
			"provider", c.PaymentProvider,
			"error", outcome.GatewayError)
	}
	return outcome.ChargeStatus()
}

func applyOutcome(c *charge.Charge, outcome *gateway.AuthorisationOutcome) {
	if outcome == nil {
		return
	}
	if outcome.TransactionID != "" {
		transactionID := outcome.TransactionID
		c.GatewayTransactionID = &transactionID
	}
	if outcome.SessionIdentifier != "" {
		session := outcome.SessionIdentifier
		c.ProviderSessionID = &session
	}
	if outcome.CardExpiry != "" {
		expiry := outcome.CardExpiry
		c.CardExpiry = &expiry
	}
	if required := outcome.Auth3dsRequired; required != nil {
		c.IssuerURL3ds = optional(required.IssuerURL)
		c.PaRequest3ds = optional(required.PaRequest)
		c.HTMLOut3ds = optional(required.HTMLOut)
		c.Version3ds = optional(required.ThreeDsVersion)
	}
}

// Capture never retries a failed capture call. The charge moves to
// CAPTURE_UNKNOWN and waits for a notification or an operator.
func (s *Service) Capture(ctx context.Context, externalID string) (*charge.Charge, error) {
	c, err := s.load(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if err := guardCapture(c); err != nil {
		return nil, err
	}

	provider, creds, err := s.gatewayFor(ctx, c)
	if err != nil {
		return nil, err
	}

	if err := transition(c, charge.StatusCaptureReady); err != nil {
		return nil, err
	}
	if err := s.save(ctx, c); err != nil {
		return nil, err
	}

	outcome, callErr := provider.Capture(ctx, &gateway.CaptureRequest{
		Charge:        c,
		Credentials:   creds,
		TransactionID: c.TransactionID(),
		Amount:        c.Amount,
	})

	ctx = context.WithoutCancel(ctx)
	c, err = s.load(ctx, externalID)
	if err != nil {
		return nil, err
	}

	next := charge.StatusCaptureSubmitted
	if callErr != nil {
		s.logger.Error("gateway error during capture",
			"charge_external_id", externalID,
			"provider", c.PaymentProvider,
			"error", callErr)
		next = charge.StatusCaptureUnknown
	}
	if err := transition(c, next); err != nil {
		return nil, err
	}
	if err := s.save(ctx, c); err != nil {
		return nil, err
	}

	s.logger.Info("charge capture completed",
		"charge_external_id", c.ExternalID,
		"provider", c.PaymentProvider,
		"status", c.Status)

	if callErr == nil && outcome != nil && outcome.FeeAmount != nil {
		fee := charge.Fee{
			ExternalID:       uuid.New().String(),
			ChargeExternalID: c.ExternalID,
			FeeType:          charge.FeeTypeTransaction,
			AmountCollected:  *outcome.FeeAmount,
			CreatedAt:        s.now(),
		}
		if err := s.repo.SaveFees(ctx, []charge.Fee{fee}); err != nil {
			s.logger.Error("failed to persist capture fee", "charge_external_id", c.ExternalID, "error", err)
		}
		if err := s.emit(ctx, events.CaptureSubmittedWithFee(c, fee.AmountCollected, s.now())); err != nil {
			return c, err
		}
		return c, nil
	}

	if err := s.emitStatus(ctx, c); err != nil {
		return c, err
	}
	return c, nil
}

// Cancel releases the charge at the acquirer when it may hold state there. A
// failed gateway call leaves the charge unchanged.
func (s *Service) Cancel(ctx context.Context, externalID string, accountID int64, by charge.CancelledBy) (*charge.Charge, error) {
	c, err := s.GetForAccount(ctx, externalID, accountID)
	if err != nil {
		return nil, err
	}
	if err := guardCancel(c); err != nil {
		return nil, err
	}

	if c.Status.ReachedGateway() && c.TransactionID() != "" {
		if err := s.cancelAtGateway(ctx, c); err != nil {
			return nil, err
		}
	}

	if err := transition(c, by.Status()); err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)
	if err := s.save(ctx, c); err != nil {
		return nil, err
	}

	s.logger.Info("charge cancelled",
		"charge_external_id", c.ExternalID,
		"cancelled_by", by,
		"status", c.Status)

	if err := s.emitStatus(ctx, c); err != nil {
		return c, err
	}
	return c, nil
}

func (s *Service) cancelAtGateway(ctx context.Context, c *charge.Charge) error {
	provider, creds, err := s.gatewayFor(ctx, c)
	if err != nil {
		return err
	}
	_, err = provider.Cancel(ctx, &gateway.CancelRequest{
		Charge:        c,
		Credentials:   creds,
		TransactionID: c.TransactionID(),
	})
	if err != nil {
		s.logger.Error("gateway error during cancel",
			"charge_external_id", c.ExternalID,
			"provider", c.PaymentProvider,
			"error", err)
		return internal.NewExternalError(
			fmt.Sprintf("cancel of charge %s at %s failed", c.ExternalID, c.PaymentProvider),
			internal.ErrCodeGatewayFailure, err)
	}
	return nil
}

// Refund checks availability before anything is written. The refund row is
// created together with a charge version bump, so concurrent refunds of the
// same charge conflict instead of overspending it.
func (s *Service) Refund(ctx context.Context, externalID string, accountID int64, amount int64, userExternalID string) (*charge.Refund, error) {
	if err := validation.ValidateRefundAmount(amount); err != nil {
		return nil, err
	}
	c, err := s.GetForAccount(ctx, externalID, accountID)
	if err != nil {
		return nil, err
	}

	provider, creds, err := s.gatewayFor(ctx, c)
	if err != nil {
		return nil, err
	}
	refunds, err := s.repo.ListRefunds(ctx, c.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("list refunds for charge %s: %w", c.ExternalID, err)
	}

	switch provider.ExternalChargeRefundAvailability(c, refunds) {
	case gateway.RefundAvailable:
	case gateway.RefundFull:
		return nil, internal.NewValidationError(
			fmt.Sprintf("charge %s has already been fully refunded", c.ExternalID), internal.ErrCodeRefundAmountExceeded)
	default:
		return nil, internal.NewValidationError(
			fmt.Sprintf("charge %s in status %s is not available for refund", c.ExternalID, c.Status), internal.ErrCodeRefundNotAvailable)
	}
	if available := gateway.RefundableAmount(c, refunds); amount > available {
		s.logger.Warn("refund amount exceeds available amount",
			"charge_external_id", c.ExternalID,
			"amount", amount,
			"available", available)
		return nil, internal.NewValidationError(
			fmt.Sprintf("refund amount %d exceeds available amount %d", amount, available), internal.ErrCodeRefundAmountExceeded)
	}

	now := s.now()
	refund := &charge.Refund{
		ExternalID:       uuid.New().String(),
		ChargeExternalID: c.ExternalID,
		Amount:           amount,
		Status:           charge.RefundStatusCreated,
		UserExternalID:   optional(userExternalID),
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repo.CreateRefund(ctx, c, refund); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return nil, internal.NewVersionConflictError("charge %s was modified concurrently", c.ExternalID)
		}
		return nil, fmt.Errorf("create refund for charge %s: %w", c.ExternalID, err)
	}

	var emitErr error
	if event, ok := events.RefundEvent(refund, now); ok {
		emitErr = s.emit(ctx, event)
	}

	outcome, callErr := provider.Refund(ctx, &gateway.RefundRequest{
		Charge:           c,
		Credentials:      creds,
		TransactionID:    c.TransactionID(),
		RefundExternalID: refund.ExternalID,
		Amount:           amount,
	})

	ctx = context.WithoutCancel(ctx)
	next := failedRefundStatus(callErr)
	if callErr == nil && outcome != nil {
		next = outcome.RefundStatus()
		refund.GatewayTransactionID = optional(outcome.Reference)
	}
	if err := s.advanceRefund(ctx, refund, next); err != nil {
		return nil, err
	}
	if err := s.emitRefund(ctx, refund); err != nil && emitErr == nil {
		emitErr = err
	}

	if callErr != nil {
		s.logger.Error("gateway error during refund",
			"charge_external_id", c.ExternalID,
			"refund_external_id", refund.ExternalID,
			"provider", c.PaymentProvider,
			"error", callErr)
		return refund, internal.NewExternalError(
			fmt.Sprintf("refund %s at %s failed", refund.ExternalID, c.PaymentProvider),
			internal.ErrCodeGatewayFailure, callErr)
	}

	s.logger.Info("refund completed",
		"charge_external_id", c.ExternalID,
		"refund_external_id", refund.ExternalID,
		"status", refund.Status)

	if emitErr != nil {
		return refund, emitErr
	}
	return refund, nil
}

// failedRefundStatus keeps a refund spent unless the acquirer answered and
// turned it down. Timeouts, unreadable replies and server errors leave the
// outcome unknown.
func failedRefundStatus(err error) charge.RefundStatus {
	if gwErr, ok := gateway.AsGatewayError(err); ok && gwErr.Kind == gateway.KindGatewayError && gwErr.StatusCode < 500 {
		return charge.RefundStatusError
	}
	return charge.RefundStatusUnknown
}

func (s *Service) advanceRefund(ctx context.Context, r *charge.Refund, next charge.RefundStatus) error {
	if !r.Status.CanTransitionTo(next) {
		return internal.NewIllegalStateError("refund %s cannot move from %s to %s", r.ExternalID, r.Status, next)
	}
	r.Status = next
	r.UpdatedAt = s.now()
	if err := s.repo.UpdateRefund(ctx, r); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return internal.NewVersionConflictError("refund %s was modified concurrently", r.ExternalID)
		}
		return fmt.Errorf("update refund %s: %w", r.ExternalID, err)
	}
	return nil
}

// FindByGatewayTransactionID returns the charge a provider knows by
// transactionID.
func (s *Service) FindByGatewayTransactionID(ctx context.Context, provider, transactionID string) (*charge.Charge, error) {
	c, err := s.repo.GetByGatewayTransactionID(ctx, provider, transactionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, internal.NewNotFoundError(
				fmt.Sprintf("no %s charge with transaction id %s", provider, transactionID), internal.ErrCodeChargeNotFound)
		}
		return nil, fmt.Errorf("find charge by transaction id: %w", err)
	}
	return c, nil
}

// ApplyNotification records an asynchronous status report. Repeated
// notifications for a status already reached are ignored.
func (s *Service) ApplyNotification(ctx context.Context, provider string, n Notification) error {
	if n.TransactionID == "" {
		return internal.ErrInvalidNotification
	}
	if n.isRefund() {
		return s.applyRefundNotification(ctx, n)
	}

	c, err := s.FindByGatewayTransactionID(ctx, provider, n.TransactionID)
	if err != nil {
		return err
	}

	var target charge.Status
	switch n.Status {
	case NotificationCaptured:
		target = charge.StatusCaptured
	case NotificationAuthorised, NotificationRejected, NotificationError:
		target = authorisationNotificationStatuses[n.Status]
	default:
		return fmt.Errorf("notification status %q: %w", n.Status, internal.ErrInvalidNotification)
	}

	if c.Status == target {
		s.logger.Debug("ignoring repeated notification",
			"charge_external_id", c.ExternalID,
			"status", target)
		return nil
	}

	if c.Status == charge.StatusAuthorisation3dsRequired && target != charge.StatusCaptured {
		if err := transition(c, charge.StatusAuthorisation3dsReady); err != nil {
			return err
		}
		if err := s.save(ctx, c); err != nil {
			return err
		}
	}
	if err := transition(c, target); err != nil {
		return err
	}
	if target == charge.StatusCaptured {
		capturedAt := s.now()
		c.CapturedAt = &capturedAt
	}
	if err := s.save(ctx, c); err != nil {
		return err
	}

	s.logger.Info("charge updated from gateway notification",
		"charge_external_id", c.ExternalID,
		"provider", provider,
		"status", c.Status)

	s.enqueueFeeCollection(ctx, c)
	return s.emitStatus(ctx, c)
}

func (s *Service) applyRefundNotification(ctx context.Context, n Notification) error {
	r, err := s.repo.GetRefundByGatewayTransactionID(ctx, n.TransactionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return internal.NewNotFoundError(
				fmt.Sprintf("no refund with gateway reference %s", n.TransactionID), internal.ErrCodeRefundNotFound)
		}
		return fmt.Errorf("find refund by reference: %w", err)
	}

	target := charge.RefundStatusRefunded
	if n.Status == NotificationRefundFailed {
		target = charge.RefundStatusError
	}
	if r.Status == target {
		return nil
	}
	if err := s.advanceRefund(ctx, r, target); err != nil {
		return err
	}

	s.logger.Info("refund updated from gateway notification",
		"refund_external_id", r.ExternalID,
		"charge_external_id", r.ChargeExternalID,
		"status", r.Status)

	return s.emitRefund(ctx, r)
}

// QueryGatewayStatus asks the acquirer for its view of the charge when the
// provider supports it. It never changes the charge.
func (s *Service) QueryGatewayStatus(ctx context.Context, externalID string) (*GatewayStatus, error) {
	c, err := s.load(ctx, externalID)
	if err != nil {
		return nil, err
	}
	provider, err := s.providers.Resolve(c.PaymentProvider)
	if err != nil {
		return nil, err
	}
	if !provider.CanQueryPaymentStatus() || !c.Status.ReachedGateway() {
		return gatewayStatusFrom(c, nil), nil
	}

	_, creds, err := s.gatewayFor(ctx, c)
	if err != nil {
		return nil, err
	}
	outcome, err := provider.QueryPaymentStatus(ctx, &gateway.QueryRequest{
		Charge:        c,
		Credentials:   creds,
		TransactionID: c.TransactionID(),
	})
	if err != nil {
		return nil, internal.NewExternalError(
			fmt.Sprintf("query status of charge %s at %s failed", c.ExternalID, c.PaymentProvider),
			internal.ErrCodeGatewayFailure, err)
	}
	return gatewayStatusFrom(c, outcome), nil
}

// Expire moves an abandoned charge to EXPIRED. Authorised charges are
// cancelled at the acquirer first so the hold on the card is released.
func (s *Service) Expire(ctx context.Context, externalID string) (*charge.Charge, error) {
	c, err := s.load(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if !c.Status.CanTransitionTo(charge.StatusExpired) {
		return nil, internal.NewIllegalStateError("charge %s in status %s cannot expire", c.ExternalID, c.Status)
	}

	awaitingCapture := c.Status == charge.StatusAuthorisationSuccess || c.Status == charge.StatusReadyForCapture
	if awaitingCapture && c.TransactionID() != "" {
		if err := s.cancelAtGateway(ctx, c); err != nil {
			return nil, err
		}
	}

	if err := transition(c, charge.StatusExpired); err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)
	if err := s.save(ctx, c); err != nil {
		return nil, err
	}

	s.logger.Info("charge expired", "charge_external_id", c.ExternalID)

	s.enqueueFeeCollection(ctx, c)
	if err := s.emitStatus(ctx, c); err != nil {
		return c, err
	}
	return c, nil
}

func (s *Service) resolveCredential(account *gatewayaccount.GatewayAccount, provider string) (*gatewayaccount.Credential, error) {
	if provider != "" {
		return s.accounts.UsableCredential(account, provider)
	}

	providers := map[string]bool{}
	for _, c := range account.Credentials {
		if c.State.IsUsable() {
			providers[c.PaymentProvider] = true
		}
	}
	switch len(providers) {
	case 0:
		if len(account.Credentials) > 0 {
			return s.accounts.UsableCredential(account, account.Credentials[0].PaymentProvider)
		}
		return nil, internal.ErrCredentialsNotFound
	case 1:
		for name := range providers {
			return s.accounts.UsableCredential(account, name)
		}
	}
	return nil, internal.NewValidationFieldError("payment_provider",
		"payment_provider is required when the account has credentials for more than one provider",
		internal.ErrCodeValidationFailed)
}

func (s *Service) gatewayFor(ctx context.Context, c *charge.Charge) (gateway.PaymentProvider, gateway.Credentials, error) {
	provider, err := s.providers.Resolve(c.PaymentProvider)
	if err != nil {
		return nil, gateway.Credentials{}, err
	}
	account, err := s.accounts.Get(ctx, c.GatewayAccountID)
	if err != nil {
		return nil, gateway.Credentials{}, err
	}
	creds, err := s.accounts.CredentialFor(ctx, account, c.CredentialExternalID)
	if err != nil {
		return nil, gateway.Credentials{}, err
	}
	return provider, creds, nil
}

// enqueueFeeCollection schedules fee collection for failed payments on
// acquirers that bill for them. Failures are logged; the charge is already
// persisted.
func (s *Service) enqueueFeeCollection(ctx context.Context, c *charge.Charge) {
	if s.feeTasks == nil || !incursFailedPaymentFee(c) {
		return
	}
	provider, err := s.providers.Resolve(c.PaymentProvider)
	if err != nil {
		return
	}
	if _, ok := provider.(gateway.FailedPaymentFeeCollector); !ok {
		return
	}
	if err := s.feeTasks.EnqueueFeeCollection(ctx, c.ExternalID); err != nil {
		s.logger.Error("failed to enqueue fee collection task",
			"charge_external_id", c.ExternalID,
			"error", err)
	}
}

func incursFailedPaymentFee(c *charge.Charge) bool {
	if c.Status.IsAuthorisationFailure() {
		return true
	}
	return c.Status == charge.StatusExpired && (c.IssuerURL3ds != nil || c.Version3ds != nil)
}

func (s *Service) load(ctx context.Context, externalID string) (*charge.Charge, error) {
	c, err := s.repo.GetByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, chargeNotFound(externalID)
		}
		return nil, fmt.Errorf("load charge %s: %w", externalID, err)
	}
	return c, nil
}

func (s *Service) save(ctx context.Context, c *charge.Charge) error {
	c.UpdatedAt = s.now()
	if err := s.repo.SaveWithVersion(ctx, c); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			s.logger.Warn("charge version conflict",
				"charge_external_id", c.ExternalID,
				"version", c.Version)
			return internal.NewVersionConflictError("charge %s was modified concurrently", c.ExternalID)
		}
		return fmt.Errorf("save charge %s: %w", c.ExternalID, err)
	}
	return nil
}

func (s *Service) emitStatus(ctx context.Context, c *charge.Charge) error {
	event, ok := events.PaymentStatusChanged(c, s.now())
	if !ok {
		return nil
	}
	return s.emit(ctx, event)
}

func (s *Service) emitRefund(ctx context.Context, r *charge.Refund) error {
	event, ok := events.RefundEvent(r, s.now())
	if !ok {
		return nil
	}
	return s.emit(ctx, event)
}

func (s *Service) emit(ctx context.Context, evs ...events.DomainEvent) error {
	if err := s.emitter.Emit(ctx, evs...); err != nil {
		s.logger.Error("failed to emit events",
			"resource_external_id", evs[0].ResourceExternalID,
			"event_type", evs[0].Kind,
			"error", err)
		if errors.Is(err, internal.ErrEventEmission) {
			return err
		}
		return internal.NewEventEmissionError(err)
	}
	return nil
}

func chargeNotFound(externalID string) error {
	return internal.NewNotFoundError(fmt.Sprintf("charge %s not found", externalID), internal.ErrCodeChargeNotFound)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
