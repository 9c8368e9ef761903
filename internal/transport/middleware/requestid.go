package middleware

import (
	"net/http"

	"github.com/frahmantamala/payment-connector/internal"
	"github.com/frahmantamala/payment-connector/pkg/logger"

	"github.com/google/uuid"
)

func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Request-Id")
		if traceID == "" {
			traceID = uuid.NewString()
		}

		// inject into context
		ctx := logger.With(r.Context(), "traceID", traceID)
		ctx = internal.ContextWithCorrelationID(ctx, traceID)

		// propagate back to response
		w.Header().Set("X-Request-Id", traceID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
