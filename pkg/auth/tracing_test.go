package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ClassMarket/classmarket-core/pkg/models"
)

// tracingTestProvider installs an in-memory exporter as the global tracer
// provider for the duration of the test. Gates must be built after it.
func tracingTestProvider(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func tracingTestSpan(t *testing.T, exporter *tracetest.InMemoryExporter, name string) tracetest.SpanStub {
	t.Helper()
	for _, s := range exporter.GetSpans() {
		if s.Name == name {
			return s
		}
	}
	require.Failf(t, "span not recorded", "no %q span among %d spans", name, len(exporter.GetSpans()))
	return tracetest.SpanStub{}
}

func tracingTestAttr(s tracetest.SpanStub, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range s.Attributes {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

// Not parallel: swaps the global tracer provider.
func TestGate_AuthenticateSpan(t *testing.T) {
	exporter := tracingTestProvider(t)

	alice := gateTestUser(7, "alice", "alice@example.com", models.RoleUser)
	f := gateTestSetup(t, alice)
	token, err := f.codec.Mint("alice", alice.ID, string(alice.Role), time.Hour)
	require.NoError(t, err)

	f.serve(t, "/api/me", "Bearer "+token)

	span := tracingTestSpan(t, exporter, "auth.Gate.Authenticate")
	outcome, ok := tracingTestAttr(span, "auth.gate.outcome")
	require.True(t, ok)
	assert.Equal(t, "context_installed", outcome.AsString())
	class, ok := tracingTestAttr(span, "auth.credential_class")
	require.True(t, ok)
	assert.Equal(t, "local_or_oauth", class.AsString())
	uid, ok := tracingTestAttr(span, "auth.user_id")
	require.True(t, ok)
	assert.Equal(t, int64(7), uid.AsInt64())
	assert.NotEqual(t, codes.Error, span.Status.Code)
}

// Not parallel: swaps the global tracer provider.
func TestGate_RejectionLogsTraceID(t *testing.T) {
	exporter := tracingTestProvider(t)

	f := gateTestSetup(t)
	f.serve(t, "/api/me", "Bearer not.a.token")

	span := tracingTestSpan(t, exporter, "auth.Gate.Authenticate")
	outcome, _ := tracingTestAttr(span, "auth.gate.outcome")
	assert.Equal(t, "anonymous", outcome.AsString())

	traceID := span.SpanContext.TraceID().String()
	logs := f.logs.String()
	assert.Contains(t, logs, "auth: bearer verification failed")
	assert.True(t, strings.Contains(logs, `"trace_id":"`+traceID+`"`), "log line carries the span's trace ID")
}
