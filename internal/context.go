package internal

import "context"

type ctxKey string

const contextCorrelationKey ctxKey = "correlationID"

// CorrelationIDFromContext returns the id that ties log lines of one request or
// queue message together.
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(contextCorrelationKey).(string); ok {
		return id
	}
	return ""
}

func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextCorrelationKey, id)
}
