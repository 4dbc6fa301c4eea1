package utils

import "context"

type contextKey string

const contextKeyCorrelationId = contextKey("CorrelationId")

// GetCorrelationIdFromContext returns the request's correlation id, or an
// empty string when the request arrived without one.
func GetCorrelationIdFromContext(ctx context.Context) string {
	v, _ := ctx.Value(contextKeyCorrelationId).(string)
	return v
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return context.WithValue(ctx, contextKeyCorrelationId, correlationId)
}
