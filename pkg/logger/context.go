package logger

import (
	"context"
	"log/slog"
)

type ctxKey string

const loggerKey ctxKey = "logger"

// With returns a new context that includes a logger with fields.
func With(ctx context.Context, fields ...any) context.Context {
	l := From(ctx).With(fields...)
	return context.WithValue(ctx, loggerKey, l)
}

// Into stores l in ctx, replacing any logger already there.
func Into(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// From returns the logger stored in context, or default if missing.
func From(ctx context.Context) *slog.Logger {
	return FromOr(ctx, LoggerWrapper())
}

// FromOr returns the logger stored in context, or fallback if missing.
func FromOr(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
			return l
		}
	}
	return fallback
}

// WithCharge tags every later log line in ctx with the charge external id.
func WithCharge(ctx context.Context, chargeExternalID string) context.Context {
	return With(ctx, "charge_external_id", chargeExternalID)
}

// WithQueueMessage tags log lines with the queue message being processed.
func WithQueueMessage(ctx context.Context, queueMessageID string) context.Context {
	return With(ctx, "queue_message_id", queueMessageID)
}
