package telemetry

import "context"

// ctxKey is an unexported type so values set here never collide with keys
// set by other packages using the same context.
type ctxKey int

const (
	ctxKeyTenantID ctxKey = iota
	ctxKeyTraceID
	ctxKeySpanID
)

// WithTenant returns a context carrying tenant_id for log enrichment.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, ctxKeyTenantID, tenantID)
}

// WithTrace returns a context carrying trace_id for log enrichment.
func WithTrace(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, ctxKeyTraceID, traceID)
}

// WithSpan returns a context carrying span_id for log enrichment.
func WithSpan(ctx context.Context, spanID string) context.Context {
	return context.WithValue(ctx, ctxKeySpanID, spanID)
}

func tenantFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(ctxKeyTenantID).(string)
	return v, ok && v != ""
}

func traceFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(ctxKeyTraceID).(string)
	return v, ok && v != ""
}

func spanFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(ctxKeySpanID).(string)
	return v, ok && v != ""
}
