package charge

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/frahmantamala/payment-connector/internal"
	"github.com/frahmantamala/payment-connector/internal/core/datamodel/charge"
)

const (
	defaultSweepInterval          = time.Minute
	defaultSweepBatchSize         = 100
	defaultExpiryThreshold        = 90 * time.Minute
	defaultAwaitingCaptureTimeout = 120 * time.Hour
)

type SweepQueryAPI interface {
	ListExpirable(ctx context.Context, statuses []charge.Status, createdBefore time.Time, limit int) ([]string, error)
}

type SweepResult struct {
	Expired int
	Failed  int
}

// Sweeper expires charges that were abandoned before authorisation or never
// captured.
type Sweeper struct {
	service *Service
	query   SweepQueryAPI
	cfg     internal.ChargeSweepConfig
	logger  *slog.Logger
	now     func() time.Time
}

func NewSweeper(service *Service, query SweepQueryAPI, cfg internal.ChargeSweepConfig, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSweepInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultSweepBatchSize
	}
	if cfg.DefaultExpiryThreshold <= 0 {
		cfg.DefaultExpiryThreshold = defaultExpiryThreshold
	}
	if cfg.AwaitingCaptureExpiryThreshold <= 0 {
		cfg.AwaitingCaptureExpiryThreshold = defaultAwaitingCaptureTimeout
	}
	return &Sweeper{
		service: service,
		query:   query,
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Sweep runs one pass. A charge that fails to expire is logged and skipped.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := s.now()

	groups := []struct {
		statuses  []charge.Status
		threshold time.Duration
	}{
		{preAuthorisationStatuses, s.cfg.DefaultExpiryThreshold},
		{awaitingCaptureStatuses, s.cfg.AwaitingCaptureExpiryThreshold},
	}

	for _, group := range groups {
		ids, err := s.query.ListExpirable(ctx, group.statuses, now.Add(-group.threshold), s.cfg.BatchSize)
		if err != nil {
			return result, err
		}
		for _, id := range ids {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			if _, err := s.service.Expire(ctx, id); err != nil && !errors.Is(err, internal.ErrEventEmission) {
				result.Failed++
				s.logger.Error("failed to expire charge",
					"charge_external_id", id,
					"error", err)
				continue
			}
			result.Expired++
		}
	}

	if result.Expired > 0 || result.Failed > 0 {
		s.logger.Info("charge sweep completed",
			"expired", result.Expired,
			"failed", result.Failed)
	}
	return result, nil
}

func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("charge sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
