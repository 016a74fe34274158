package context

import (
	"context"
	"strings"
)

type ctxKey string

const (
	requestIDKey  ctxKey = "request_id"
	checkoutIDKey ctxKey = "checkout_request_id"
)

// WithRequestID stores the inbound request id on the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, strings.TrimSpace(requestID))
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(requestIDKey).(string)
	return value
}

// WithCheckoutRequestID tags the context with the provider correlation key
// being processed, so logs from nested calls carry it.
func WithCheckoutRequestID(ctx context.Context, checkoutRequestID string) context.Context {
	return context.WithValue(ctx, checkoutIDKey, strings.TrimSpace(checkoutRequestID))
}

func CheckoutRequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(checkoutIDKey).(string)
	return value
}
