package observability

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// TracingConfig holds configuration for OpenTelemetry tracing
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"service_name"`
	ServiceVersion string  `json:"service_version"`
	OTLPEndpoint   string  `json:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
}

// TracingManager manages OpenTelemetry tracing. A disabled manager hands
// out the span already in the context, so callers never branch on it.
type TracingManager struct {
	logger   *zap.SugaredLogger
	config   TracingConfig
	tracer   oteltrace.Tracer
	provider *trace.TracerProvider
	enabled  bool
}

// NewTracingManager creates a tracing manager exporting over OTLP/HTTP.
func NewTracingManager(logger *zap.SugaredLogger, config TracingConfig) (*TracingManager, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if !config.Enabled {
		logger.Info("OpenTelemetry tracing disabled")
		return &TracingManager{logger: logger, config: config}, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithInsecure()}
	if config.OTLPEndpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(config.OTLPEndpoint))
	}
	exporter, err := otlptracehttp.New(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	tm, err := newTracingManager(logger, config, trace.WithBatcher(exporter))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	otel.SetTracerProvider(tm.provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	logger.Infow("OpenTelemetry tracing initialized",
		"service_name", config.ServiceName,
		"otlp_endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate)
	return tm, nil
}

// newTracingManager builds an enabled manager around the given span
// processor option without touching the global provider.
func newTracingManager(logger *zap.SugaredLogger, config TracingConfig, processor trace.TracerProviderOption) (*TracingManager, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.ServiceName),
			semconv.ServiceVersionKey.String(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := trace.NewTracerProvider(
		processor,
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(config.SampleRate))),
	)

	return &TracingManager{
		logger:   logger,
		config:   config,
		tracer:   provider.Tracer(config.ServiceName),
		provider: provider,
		enabled:  true,
	}, nil
}

// Close flushes and shuts down the tracing provider
func (tm *TracingManager) Close(ctx context.Context) error {
	if tm == nil || !tm.enabled || tm.provider == nil {
		return nil
	}

	tm.logger.Info("Shutting down OpenTelemetry tracing")
	return tm.provider.Shutdown(ctx)
}

// StartSpan starts a new trace span
func (tm *TracingManager) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	if tm == nil || !tm.enabled {
		return ctx, oteltrace.SpanFromContext(ctx)
	}
	return tm.tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// TraceConnection starts the span covering one served connection.
func (tm *TracingManager) TraceConnection(ctx context.Context, pipe, backend string) (context.Context, oteltrace.Span) {
	return tm.StartSpan(ctx, "pipe.connection",
		attribute.String("pipe.name", pipe),
		attribute.String("pipe.backend", backend),
		attribute.String("pipe.side", "server"),
	)
}

// TraceConnect starts the span covering a client connect.
func (tm *TracingManager) TraceConnect(ctx context.Context, pipe string) (context.Context, oteltrace.Span) {
	return tm.StartSpan(ctx, "pipe.connect",
		attribute.String("pipe.name", pipe),
		attribute.String("pipe.side", "client"),
	)
}

// AddSpanAttributes adds attributes to the current span
func (tm *TracingManager) AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	if tm == nil || !tm.enabled {
		return
	}
	oteltrace.SpanFromContext(ctx).SetAttributes(attrs...)
}

// SetSpanError marks the current span as failed
func (tm *TracingManager) SetSpanError(ctx context.Context, err error) {
	if tm == nil || !tm.enabled || err == nil {
		return
	}
	span := oteltrace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// IsEnabled returns whether tracing is enabled
func (tm *TracingManager) IsEnabled() bool {
	return tm != nil && tm.enabled
}

// HTTPMiddleware returns middleware that adds tracing to HTTP requests
func (tm *TracingManager) HTTPMiddleware() func(http.Handler) http.Handler {
	if !tm.IsEnabled() {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			ctx, span := tm.tracer.Start(ctx, fmt.Sprintf("%s %s", r.Method, r.URL.Path),
				oteltrace.WithAttributes(
					semconv.HTTPMethodKey.String(r.Method),
					semconv.HTTPTargetKey.String(r.URL.Path),
					semconv.HTTPUserAgentKey.String(r.UserAgent()),
				),
			)
			defer span.End()

			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(ww, r.WithContext(ctx))

			span.SetAttributes(semconv.HTTPStatusCodeKey.Int(ww.statusCode))
			if ww.statusCode >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(ww.statusCode))
			}
		})
	}
}
