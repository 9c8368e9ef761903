package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	chargesvc "github.com/frahmantamala/payment-connector/internal/charge"
	chargepg "github.com/frahmantamala/payment-connector/internal/charge/postgres"
	"github.com/frahmantamala/payment-connector/internal/fee"
	"github.com/frahmantamala/payment-connector/internal/payout"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start background workers",
	Long:  `Start the queue consumers and periodic jobs: payout reconciliation, failed payment fee collection and the charge sweep.`,
}

var payoutReconcileWorkerCmd = &cobra.Command{
	Use:   "payout-reconcile",
	Short: "Turn paid Stripe payouts into payout events",
	Run: func(cmd *cobra.Command, args []string) {
		runWorker("payout-reconcile", startPayoutReconcileWorker)
	},
}

var feeCollectionWorkerCmd = &cobra.Command{
	Use:   "fee-collection",
	Short: "Collect fees for failed Stripe payments",
	Run: func(cmd *cobra.Command, args []string) {
		runWorker("fee-collection", startFeeCollectionWorker)
	},
}

var chargeSweepWorkerCmd = &cobra.Command{
	Use:   "charge-sweep",
	Short: "Expire abandoned and uncaptured charges",
	Run: func(cmd *cobra.Command, args []string) {
		runWorker("charge-sweep", startChargeSweepWorker)
	},
}

var pollInterval time.Duration

type workerFunc func(ctx context.Context, deps *Dependencies) error

// runWorker runs start until SIGINT or SIGTERM, then lets it finish the
// message in hand.
func runWorker(name string, start workerFunc) {
	deps, err := initializeDependencies(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}
	defer deps.Close()

	log := deps.Logger.With("worker", name)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- start(ctx, deps)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Info("worker is running. Press Ctrl+C to stop.")

	select {
	case sig := <-sigChan:
		log.Info("received signal, shutting down worker", "signal", sig)
		cancel()
		select {
		case <-done:
		case <-time.After(30 * time.Second):
			log.Warn("shutdown timeout reached, forcing exit")
		}
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("worker stopped", "error", err)
			deps.Close()
			os.Exit(1)
		}
	}

	log.Info("worker shutdown complete")
}

func startPayoutReconcileWorker(ctx context.Context, deps *Dependencies) error {
	cfg := deps.Config
	if deps.SQS == nil || cfg.Queues.PayoutReconcileURL == "" {
		return errors.New("queues.payout_reconcile_url is required")
	}

	source := deps.newQueue(cfg.Queues.PayoutReconcileURL)
	transactions := payout.NewStripeBalanceTransactions(payout.NewStripeBackend(cfg.Gateways.Stripe.LiveURL))
	process := payout.NewReconcileProcess(
		payout.NewReconcileQueue(source, deps.Logger),
		transactions,
		deps.Accounts,
		deps.Emitter,
		deps.deadLetterQueue(source),
		payout.Config{Stripe: cfg.Stripe, EmitEvents: cfg.Events.EmitPayoutEvents},
		deps.Logger,
	)

	return process.Run(ctx, interval(cfg.Queues.PollInterval))
}

func startFeeCollectionWorker(ctx context.Context, deps *Dependencies) error {
	if deps.TaskQueue == nil {
		return errors.New("fee collection needs stripe.collect_failed_payment_fee and queues.task_url")
	}

	collector := fee.NewCollector(deps.Charges, deps.Providers, deps.Accounts, deps.Emitter, deps.Logger)
	source := deps.newQueue(deps.Config.Queues.TaskURL)
	handler := fee.NewTaskHandler(deps.TaskQueue, collector, deps.deadLetterQueue(source), deps.Logger)

	return handler.Run(ctx, interval(deps.Config.Queues.PollInterval))
}

func startChargeSweepWorker(ctx context.Context, deps *Dependencies) error {
	cfg := deps.Config.ChargeSweep
	if pollInterval > 0 {
		cfg.Interval = pollInterval
	}
	sweeper := chargesvc.NewSweeper(deps.Service, chargepg.NewSweepQuery(deps.DB), cfg, deps.Logger)
	return sweeper.Run(ctx)
}

func interval(configured time.Duration) time.Duration {
	if pollInterval > 0 {
		return pollInterval
	}
	if configured > 0 {
		return configured
	}
	return time.Second
}

func init() {
	workerCmd.PersistentFlags().DurationVar(&pollInterval, "interval", 0, "Polling interval (overrides config)")

	workerCmd.AddCommand(payoutReconcileWorkerCmd)
	workerCmd.AddCommand(feeCollectionWorkerCmd)
	workerCmd.AddCommand(chargeSweepWorkerCmd)

	rootCmd.AddCommand(workerCmd)
}
