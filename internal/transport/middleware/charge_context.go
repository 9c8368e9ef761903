package middleware

import (
	"net/http"

	"github.com/go-chi/chi"

	"github.com/frahmantamala/payment-connector/pkg/logger"
)

// ChargeContext tags the request logger with the charge in the route.
func ChargeContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chargeID := chi.URLParam(r, "chargeId")
		if chargeID == "" {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(logger.WithCharge(r.Context(), chargeID)))
	})
}
