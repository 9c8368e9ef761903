package charge_test

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/payment-connector/internal"
	chargesvc "github.com/frahmantamala/payment-connector/internal/charge"
	chargepg "github.com/frahmantamala/payment-connector/internal/charge/postgres"
	"github.com/frahmantamala/payment-connector/internal/core/datamodel/charge"
	"github.com/frahmantamala/payment-connector/internal/core/events"
	"github.com/frahmantamala/payment-connector/internal/gateway"
)

var _ = Describe("Sweeper", func() {
	var (
		env     *testEnv
		ctx     context.Context
		sweeper *chargesvc.Sweeper
	)

	BeforeEach(func() {
		fake := newFakeProvider()
		env = newTestEnv(fake, fake)
		ctx = context.Background()

		sqlDB, err := env.db.DB()
		Expect(err).NotTo(HaveOccurred())
		sweeper = chargesvc.NewSweeper(env.service, chargepg.NewSweepQuery(sqlx.NewDb(sqlDB, "sqlite3")),
			internal.ChargeSweepConfig{
				BatchSize:                      10,
				DefaultExpiryThreshold:         90 * time.Minute,
				AwaitingCaptureExpiryThreshold: 120 * time.Hour,
			},
			slog.New(slog.NewTextHandler(io.Discard, nil)))
	})

	agedCharge := func(status charge.Status, transactionID string, age time.Duration) *charge.Charge {
		c := env.chargeIn(status, transactionID)
		Expect(env.db.Model(&charge.Charge{}).
			Where("external_id = ?", c.ExternalID).
			Update("created_at", time.Now().UTC().Add(-age)).Error).To(Succeed())
		return c
	}

	It("should expire charges past their threshold and leave the rest alone", func() {
		// Given
		abandoned := agedCharge(charge.StatusCreated, "", 3*time.Hour)
		uncaptured := agedCharge(charge.StatusAuthorisationSuccess, "tx-old", 6*24*time.Hour)
		recentlyAuthorised := agedCharge(charge.StatusAuthorisationSuccess, "tx-new", 2*time.Hour)
		fresh := agedCharge(charge.StatusEnteringCardDetails, "", time.Minute)
		captured := agedCharge(charge.StatusCaptured, "tx-cap", 6*24*time.Hour)

		// When
		result, err := sweeper.Sweep(ctx)

		// Then
		Expect(err).NotTo(HaveOccurred())
		Expect(result).To(Equal(chargesvc.SweepResult{Expired: 2}))
		Expect(env.reload(abandoned.ExternalID).Status).To(Equal(charge.StatusExpired))
		Expect(env.reload(uncaptured.ExternalID).Status).To(Equal(charge.StatusExpired))
		Expect(env.reload(recentlyAuthorised.ExternalID).Status).To(Equal(charge.StatusAuthorisationSuccess))
		Expect(env.reload(fresh.ExternalID).Status).To(Equal(charge.StatusEnteringCardDetails))
		Expect(env.reload(captured.ExternalID).Status).To(Equal(charge.StatusCaptured))
		Expect(env.provider.Calls("cancel")).To(Equal(1))
		Expect(env.emitter.Kinds(abandoned.ExternalID)).To(ContainElement(events.KindPaymentExpired))
	})

	It("should skip charges the gateway refuses to release and carry on", func() {
		env.provider.cancel = func(ctx context.Context, req *gateway.CancelRequest) (*gateway.CancelOutcome, error) {
			if req.TransactionID == "tx-stuck" {
				return nil, gateway.NewGatewayError("cancel refused", 500, "")
			}
			return &gateway.CancelOutcome{TransactionID: req.TransactionID}, nil
		}
		stuck := agedCharge(charge.StatusAuthorisationSuccess, "tx-stuck", 7*24*time.Hour)
		released := agedCharge(charge.StatusAuthorisationSuccess, "tx-ok", 6*24*time.Hour)

		result, err := sweeper.Sweep(ctx)

		Expect(err).NotTo(HaveOccurred())
		Expect(result).To(Equal(chargesvc.SweepResult{Expired: 1, Failed: 1}))
		Expect(env.reload(stuck.ExternalID).Status).To(Equal(charge.StatusAuthorisationSuccess))
		Expect(env.reload(released.ExternalID).Status).To(Equal(charge.StatusExpired))
	})

	It("should count charges as expired even when the event could not be emitted", func() {
		c := agedCharge(charge.StatusEnteringCardDetails, "", 2*time.Hour)
		env.emitter.err = context.DeadlineExceeded

		result, err := sweeper.Sweep(ctx)

		Expect(err).NotTo(HaveOccurred())
		Expect(result.Expired).To(Equal(1))
		Expect(env.reload(c.ExternalID).Status).To(Equal(charge.StatusExpired))
	})

	It("should stop when its context is cancelled", func() {
		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error)
		go func() {
			done <- sweeper.Run(runCtx)
		}()

		cancel()

		Eventually(done).Should(Receive(BeNil()))
	})
})
