package rest

import (
	"log/slog"

	"github.com/go-chi/chi"
	chiMiddleware "github.com/go-chi/chi/middleware"
	"github.com/jmoiron/sqlx"

	"github.com/frahmantamala/payment-connector/internal/charge"
	"github.com/frahmantamala/payment-connector/internal/notification"
	"github.com/frahmantamala/payment-connector/internal/transport/middleware"
)

type Handlers struct {
	Charge       *charge.Handler
	Smartpay     *notification.SmartpayHandler
	Stripe       *notification.StripeHandler
	HealthChecks []HealthCheck
}

func RegisterAllRoutes(router *chi.Mux, db *sqlx.DB, handlers Handlers, logger *slog.Logger) {
	healthHandler := NewHealthHandler(db, handlers.HealthChecks...)

	// Apply global middleware
	router.Use(chiMiddleware.RequestID)
	router.Use(middleware.RequestID)
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))

	router.Get("/healthcheck", healthHandler.healthCheckHandler)
	router.Get("/ping", healthHandler.pingHandler)

	router.Route("/v1/api", func(r chi.Router) {
		// Gateway notifications authenticate themselves
		r.Route("/notifications", func(nr chi.Router) {
			if handlers.Smartpay != nil {
				nr.Post("/smartpay", handlers.Smartpay.HandleNotification)
			}
			if handlers.Stripe != nil {
				nr.Post("/stripe", handlers.Stripe.HandleWebhook)
			}
		})

		if handlers.Charge == nil {
			return
		}
		h := handlers.Charge

		r.Route("/accounts/{accountId}/charges", func(cr chi.Router) {
			cr.Post("/", h.CreateCharge)
			cr.Route("/{chargeId}", func(sr chi.Router) {
				sr.Use(middleware.ChargeContext)
				sr.Get("/", h.GetCharge)
				sr.Post("/cancel", h.CancelCharge)
				sr.Post("/refunds", h.RefundCharge)
				sr.Get("/refunds", h.ListRefunds)
				sr.Get("/gateway-status", h.GatewayStatus)
			})
		})
	})

	if handlers.Charge == nil {
		return
	}
	h := handlers.Charge

	router.Route("/v1/frontend/charges/{chargeId}", func(fr chi.Router) {
		fr.Use(middleware.ChargeContext)
		fr.Get("/", h.GetFrontendCharge)
		fr.Post("/start", h.StartCardEntry)
		fr.Post("/cards", h.AuthoriseCard)
		fr.Post("/wallets", h.AuthoriseWallet)
		fr.Post("/3ds", h.Authorise3DS)
		fr.Post("/capture", h.CaptureCharge)
		fr.Post("/cancel", h.CancelByUser)
	})
}
