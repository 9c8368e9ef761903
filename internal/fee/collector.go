package fee

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/frahmantamala/payment-connector/internal"
	chargesvc "github.com/frahmantamala/payment-connector/internal/charge"
	"github.com/frahmantamala/payment-connector/internal/core/datamodel/charge"
	"github.com/frahmantamala/payment-connector/internal/core/datamodel/gatewayaccount"
	"github.com/frahmantamala/payment-connector/internal/core/events"
	"github.com/frahmantamala/payment-connector/internal/gateway"
)

type ChargeStore interface {
	GetByExternalID(ctx context.Context, externalID string) (*charge.Charge, error)
	SaveFees(ctx context.Context, fees []charge.Fee) error
	ListFees(ctx context.Context, chargeExternalID string) ([]charge.Fee, error)
}

type AccountService interface {
	Get(ctx context.Context, id int64) (*gatewayaccount.GatewayAccount, error)
	CredentialFor(ctx context.Context, account *gatewayaccount.GatewayAccount, credentialExternalID string) (gateway.Credentials, error)
}

// Collector bills connected accounts for payments that failed after the
// acquirer already charged the platform for them.
type Collector struct {
	charges   ChargeStore
	providers gateway.Providers
	accounts  AccountService
	emitter   chargesvc.EventEmitter
	logger    *slog.Logger
	now       func() time.Time
}

func NewCollector(charges ChargeStore, providers gateway.Providers, accounts AccountService, emitter chargesvc.EventEmitter, logger *slog.Logger) *Collector {
	return &Collector{
		charges:   charges,
		providers: providers,
		accounts:  accounts,
		emitter:   emitter,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CollectAndPersistFees collects the failed-payment fees for a charge once.
// A charge that already has fees recorded is left alone.
func (c *Collector) CollectAndPersistFees(ctx context.Context, chargeExternalID string) error {
	ch, err := c.charges.GetByExternalID(ctx, chargeExternalID)
	if err != nil {
		if errors.Is(err, chargesvc.ErrNotFound) {
			return internal.NewNotFoundError(fmt.Sprintf("charge %s not found", chargeExternalID), internal.ErrCodeChargeNotFound)
		}
		return fmt.Errorf("load charge %s: %w", chargeExternalID, err)
	}

	existing, err := c.charges.ListFees(ctx, ch.ExternalID)
	if err != nil {
		return fmt.Errorf("list fees for charge %s: %w", ch.ExternalID, err)
	}
	if len(existing) > 0 {
		c.logger.Warn("fees already collected for charge, skipping",
			"charge_external_id", ch.ExternalID,
			"fee_total", charge.TotalFees(existing))
		return nil
	}

	provider, err := c.providers.Resolve(ch.PaymentProvider)
	if err != nil {
		return err
	}
	collector, ok := provider.(gateway.FailedPaymentFeeCollector)
	if !ok {
		return fmt.Errorf("%s fee collection: %w", provider.Name(), internal.ErrUnsupportedOperation)
	}

	account, err := c.accounts.Get(ctx, ch.GatewayAccountID)
	if err != nil {
		return err
	}
	creds, err := c.accounts.CredentialFor(ctx, account, ch.CredentialExternalID)
	if err != nil {
		return err
	}

	collected, err := collector.CollectFeesForFailedPayment(ctx, &gateway.FeeCollectionRequest{
		Charge:      ch,
		Credentials: creds,
	})
	if err != nil {
		return err
	}

	now := c.now()
	fees := make([]charge.Fee, 0, len(collected))
	for _, f := range collected {
		fees = append(fees, charge.Fee{
			ExternalID:       uuid.New().String(),
			ChargeExternalID: ch.ExternalID,
			FeeType:          f.Type,
			AmountCollected:  f.Amount,
			CreatedAt:        now,
		})
	}
	if err := c.charges.SaveFees(ctx, fees); err != nil {
		return fmt.Errorf("save fees for charge %s: %w", ch.ExternalID, err)
	}

	c.logger.Info("fees collected for failed payment",
		"charge_external_id", ch.ExternalID,
		"provider", ch.PaymentProvider,
		"fee_total", charge.TotalFees(fees))

	if err := c.emitter.Emit(ctx, events.FeeIncurredFrom(ch, fees, now)); err != nil {
		if errors.Is(err, internal.ErrEventEmission) {
			return err
		}
		return internal.NewEventEmissionError(err)
	}
	return nil
}
