package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/spf13/cobra"

	chargesvc "github.com/frahmantamala/payment-connector/internal/charge"
	"github.com/frahmantamala/payment-connector/internal/notification"
	"github.com/frahmantamala/payment-connector/internal/payout"
	"github.com/frahmantamala/payment-connector/internal/transport"
	"github.com/frahmantamala/payment-connector/internal/transport/rest"
)

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server serving the charge API, the payment pages backend and gateway notifications`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

func startHTTPServer() {
	deps, err := initializeDependencies(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}
	defer deps.Close()

	router := chi.NewRouter()
	rest.RegisterAllRoutes(router, deps.DB, buildHandlers(deps), deps.Logger)

	addr := fmt.Sprintf(":%d", deps.Config.Server.Port)
	deps.Logger.Info("Starting HTTP server", "address", addr)

	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: deps.Config.Server.ReadHeaderTimeout,
		ReadTimeout:       deps.Config.Server.ReadTimeout,
		WriteTimeout:      deps.Config.Server.WriteTimeout,
		IdleTimeout:       deps.Config.Server.IdleTimeout,
	}

	// Signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case sig := <-sigChan:
		deps.Logger.Info("Received signal, shutting down...", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			deps.Logger.Error("Server shutdown error", "error", err)
		}
	case err := <-serverErrChan:
		if err != nil && err != http.ErrServerClosed {
			deps.Logger.Error("Server failed to start", "error", err)
			deps.Close()
			os.Exit(1)
		}
	}

	deps.Logger.Info("Server stopped")
}

func buildHandlers(deps *Dependencies) rest.Handlers {
	base := transport.NewBaseHandler(deps.Logger)

	handlers := rest.Handlers{
		Charge:       chargesvc.NewHandler(base, deps.Service),
		HealthChecks: deps.queueHealthChecks(),
	}

	if deps.Config.Gateways.Smartpay.Enabled {
		handlers.Smartpay = notification.NewSmartpayHandler(base, deps.Service, deps.Accounts, deps.Logger)
	}

	if deps.Config.Gateways.Stripe.Enabled {
		if deps.SQS == nil || deps.Config.Queues.PayoutReconcileURL == "" {
			deps.Logger.Warn("stripe notifications disabled: no payout reconcile queue configured")
			return handlers
		}
		payouts := payout.NewReconcileQueue(deps.newQueue(deps.Config.Queues.PayoutReconcileURL), deps.Logger)
		handlers.Stripe = notification.NewStripeHandler(base, deps.Service, deps.Accounts, deps.Emitter, payouts, notification.StripeConfig{
			Stripe:           deps.Config.Stripe,
			EmitPayoutEvents: deps.Config.Events.EmitPayoutEvents,
		}, deps.Logger)
	}

	return handlers
}
