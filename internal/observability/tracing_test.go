package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

func newRecordingTracer(t *testing.T) (*TracingManager, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tm, err := newTracingManager(zap.NewNop().Sugar(), TracingConfig{
		Enabled:     true,
		ServiceName: "wingpipe-test",
		SampleRate:  1.0,
	}, trace.WithSyncer(exporter))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tm.Close(context.Background()) })
	return tm, exporter
}

func attr(span tracetest.SpanStub, key string) string {
	for _, kv := range span.Attributes {
		if string(kv.Key) == key {
			return kv.Value.Emit()
		}
	}
	return ""
}

func TestTracingDisabled(t *testing.T) {
	tm, err := NewTracingManager(nil, TracingConfig{Enabled: false})
	require.NoError(t, err)
	assert.False(t, tm.IsEnabled())

	ctx, span := tm.TraceConnection(context.Background(), `\\.\pipe\x`, "classic")
	assert.False(t, span.SpanContext().IsValid())
	tm.SetSpanError(ctx, errors.New("ignored"))
	span.End()
	assert.NoError(t, tm.Close(context.Background()))

	var nilTM *TracingManager
	assert.False(t, nilTM.IsEnabled())
	_, span = nilTM.TraceConnect(context.Background(), `\\.\pipe\x`)
	span.End()
}

func TestTraceConnectionRecordsAttributesAndErrors(t *testing.T) {
	tm, exporter := newRecordingTracer(t)

	ctx, span := tm.TraceConnection(context.Background(), `\\.\pipe\echo`, "iocp")
	tm.AddSpanAttributes(ctx, attribute.Int("pipe.bytes", 39))
	tm.SetSpanError(ctx, errors.New("broken pipe"))
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "pipe.connection", spans[0].Name)
	assert.Equal(t, `\\.\pipe\echo`, attr(spans[0], "pipe.name"))
	assert.Equal(t, "iocp", attr(spans[0], "pipe.backend"))
	assert.Equal(t, "39", attr(spans[0], "pipe.bytes"))
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.NotEmpty(t, spans[0].Events)
}

func TestTracingHTTPMiddleware(t *testing.T) {
	tm, exporter := newRecordingTracer(t)

	h := tm.HTTPMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /healthz", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
}
