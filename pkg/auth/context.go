package auth

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

type contextKey int

const (
	principalKey contextKey = iota
	gateOutcomeKey
)

// ContextWithPrincipal attaches p to ctx. Use the [Installer] in request
// paths; it guarantees a single install per request.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the request's principal. ok is false for
// anonymous requests.
//
// Example:
//
//	p, ok := auth.PrincipalFromContext(r.Context())
//	if !ok {
//	    // anonymous
//	}
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok && p != nil
}

// MustPrincipalFromContext panics when no principal is present. Only use it
// behind the authorization layer on routes that require authentication.
func MustPrincipalFromContext(ctx context.Context) *Principal {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		panic("auth: no principal in context; route is not protected by the authorization table")
	}
	return p
}

// GateOutcomeFromContext returns the final gate state recorded for the
// request, if the gate ran.
func GateOutcomeFromContext(ctx context.Context) (GateState, bool) {
	s, ok := ctx.Value(gateOutcomeKey).(GateState)
	return s, ok
}

func contextWithGateOutcome(ctx context.Context, s GateState) context.Context {
	return context.WithValue(ctx, gateOutcomeKey, s)
}

// TraceIDFromContext returns the active OpenTelemetry trace ID, used to
// correlate auth log lines with request traces.
func TraceIDFromContext(ctx context.Context) (string, bool) {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.HasTraceID() {
		return "", false
	}
	return sc.TraceID().String(), true
}
