package infrastructure

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"gymdesk/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestInitializeOTel_MetricsExposedOnPrometheus(t *testing.T) {
	providers, err := InitializeOTel(&OTelConfig{
		ServiceName:    "gymdesk-test",
		ServiceVersion: "test",
		Environment:    "test",
		EnableMetrics:  true,
		TraceExporter:  "none",
	}, discardLogger())
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())

	require.NotNil(t, providers.PrometheusHTTP)

	httpMetrics, err := NewHTTPMetrics(providers.Meter)
	require.NoError(t, err)
	httpMetrics.RequestsTotal.Add(context.Background(), 3,
		metric.WithAttributes(attribute.String("route", "/api/license/status")))

	rec := httptest.NewRecorder()
	providers.PrometheusHTTP.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestInitializeOTel_Disabled(t *testing.T) {
	providers, err := InitializeOTel(&OTelConfig{ServiceName: "gymdesk-test"}, discardLogger())
	require.NoError(t, err)

	assert.Nil(t, providers.MeterProvider)
	assert.Nil(t, providers.TracerProvider)
	assert.Nil(t, providers.PrometheusHTTP)
	require.NotNil(t, providers.Meter, "no-op meter is always available")
	require.NotNil(t, providers.Tracer)

	_, err = NewHTTPMetrics(providers.Meter)
	assert.NoError(t, err)
	assert.NoError(t, providers.Shutdown(context.Background()))
}

func TestInitializeOTel_TracingStdout(t *testing.T) {
	providers, err := InitializeOTel(&OTelConfig{
		ServiceName:   "gymdesk-test",
		EnableTracing: true,
		TraceExporter: "stdout",
		SampleRatio:   1,
	}, discardLogger())
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())

	ctx, span := providers.Tracer.Start(context.Background(), "license.validate")
	assert.NotEmpty(t, TraceIDFromContext(ctx))
	RecordError(ctx, assert.AnError)
	span.End()
}

func TestInitializeOTel_UnsupportedExporter(t *testing.T) {
	_, err := InitializeOTel(&OTelConfig{EnableTracing: true, TraceExporter: "zipkin"}, discardLogger())
	assert.Error(t, err)
}

func TestOTelConfigFrom(t *testing.T) {
	cfg := config.Default()
	cfg.Telemetry.TracingEnabled = true
	cfg.Telemetry.TraceExporter = "stdout"

	got := OTelConfigFrom(cfg)
	assert.Equal(t, config.AppServiceName, got.ServiceName)
	assert.Equal(t, config.EnvProduction, got.Environment)
	assert.True(t, got.EnableMetrics)
	assert.True(t, got.EnableTracing)
	assert.Equal(t, "stdout", got.TraceExporter)
}

func TestTraceIDFromContext_NoSpan(t *testing.T) {
	assert.Empty(t, TraceIDFromContext(context.Background()))
}
