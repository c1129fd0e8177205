package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"gymdesk/pkg/contracts/domain"
)

const (
	TracerName = "gymdesk-license"
	MeterName  = "gymdesk-license"
)

// LicenseMetrics holds all license-specific OpenTelemetry metrics
type LicenseMetrics struct {
	// Activation metrics
	ActivationAttempts metric.Int64Counter
	ActivationResults  metric.Int64Counter
	ActivationDuration metric.Float64Histogram

	// Validation metrics
	ValidationResults  metric.Int64Counter
	ValidationDuration metric.Float64Histogram
	GraceRemaining     metric.Float64Histogram

	// Security metrics
	IntegrityFailures metric.Int64Counter
	SecurityEvents    metric.Int64Counter
	RateLimitHits     metric.Int64Counter

	// License server metrics
	ServerRequestDuration metric.Float64Histogram
	BackgroundRuns        metric.Int64Counter
}

// InitializeLicenseMetrics creates all license-specific metrics
func InitializeLicenseMetrics(meter metric.Meter) (*LicenseMetrics, error) {
	metrics := &LicenseMetrics{}

	var err error

	metrics.ActivationAttempts, err = meter.Int64Counter(
		"license_activation_attempts_total",
		metric.WithDescription("Total number of license activation attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation attempts counter: %w", err)
	}

	metrics.ActivationResults, err = meter.Int64Counter(
		"license_activation_results_total",
		metric.WithDescription("License activation results by code"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation results counter: %w", err)
	}

	metrics.ActivationDuration, err = meter.Float64Histogram(
		"license_activation_duration_seconds",
		metric.WithDescription("License activation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation duration histogram: %w", err)
	}

	metrics.ValidationResults, err = meter.Int64Counter(
		"license_validation_results_total",
		metric.WithDescription("License validation results by mode and code"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation results counter: %w", err)
	}

	metrics.ValidationDuration, err = meter.Float64Histogram(
		"license_validation_duration_seconds",
		metric.WithDescription("License validation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation duration histogram: %w", err)
	}

	metrics.GraceRemaining, err = meter.Float64Histogram(
		"license_offline_grace_remaining_hours",
		metric.WithDescription("Offline grace remaining when the license server is unreachable"),
		metric.WithUnit("h"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grace remaining histogram: %w", err)
	}

	metrics.IntegrityFailures, err = meter.Int64Counter(
		"license_integrity_failures_total",
		metric.WithDescription("Total number of application integrity failures by code"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create integrity failures counter: %w", err)
	}

	metrics.SecurityEvents, err = meter.Int64Counter(
		"license_security_events_total",
		metric.WithDescription("Total number of license security events"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create security events counter: %w", err)
	}

	metrics.RateLimitHits, err = meter.Int64Counter(
		"license_rate_limit_hits_total",
		metric.WithDescription("Total number of throttled activation attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limit hits counter: %w", err)
	}

	metrics.ServerRequestDuration, err = meter.Float64Histogram(
		"license_server_request_duration_seconds",
		metric.WithDescription("License server request latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create server request histogram: %w", err)
	}

	metrics.BackgroundRuns, err = meter.Int64Counter(
		"license_background_validations_total",
		metric.WithDescription("Total number of scheduled background validations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create background runs counter: %w", err)
	}

	return metrics, nil
}

func (m *LicenseMetrics) recordActivation(ctx context.Context, result domain.ActivationResult, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("code", result.Code),
		attribute.Bool("success", result.Success),
	)
	m.ActivationAttempts.Add(ctx, 1)
	m.ActivationResults.Add(ctx, 1, attrs)
	m.ActivationDuration.Record(ctx, duration.Seconds(), attrs)
}

func (m *LicenseMetrics) recordValidation(ctx context.Context, outcome domain.ValidationOutcome, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("code", outcome.Code),
		attribute.String("mode", string(outcome.Mode)),
		attribute.Bool("valid", outcome.Valid),
	)
	m.ValidationResults.Add(ctx, 1, attrs)
	m.ValidationDuration.Record(ctx, duration.Seconds(), attrs)
	if outcome.GraceRemaining != nil {
		m.GraceRemaining.Record(ctx, outcome.GraceRemaining.Hours())
	}
}

func (m *LicenseMetrics) recordIntegrityFailure(ctx context.Context, code string, strict bool) {
	if m == nil {
		return
	}
	m.IntegrityFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("code", code),
		attribute.Bool("strict", strict),
	))
}

func (m *LicenseMetrics) recordSecurityEvent(ctx context.Context, event string) {
	if m == nil {
		return
	}
	m.SecurityEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

func (m *LicenseMetrics) recordRateLimitHit(ctx context.Context) {
	if m == nil {
		return
	}
	m.RateLimitHits.Add(ctx, 1)
}

func (m *LicenseMetrics) recordServerRequest(ctx context.Context, endpoint, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ServerRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("outcome", outcome),
	))
}

func (m *LicenseMetrics) recordBackgroundRun(ctx context.Context, outcome domain.ValidationOutcome) {
	if m == nil {
		return
	}
	m.BackgroundRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("code", outcome.Code),
		attribute.Bool("valid", outcome.Valid),
	))
}

// traceActivation wraps license activation with OpenTelemetry tracing
func (s *Session) traceActivation(ctx context.Context, licenseKey string, fn func(context.Context) domain.ActivationResult) domain.ActivationResult {
	ctx, span := s.tracer.Start(ctx, "license.activation",
		trace.WithAttributes(
			attribute.String("license.operation", "activation"),
			attribute.String("license.key_prefix", maskLicenseKey(licenseKey)),
			attribute.String("component", "license_session"),
		),
	)
	defer span.End()

	start := time.Now()
	result := fn(ctx)
	duration := time.Since(start)

	s.metrics.recordActivation(ctx, result, duration)

	span.SetAttributes(
		attribute.Float64("license.duration_ms", float64(duration.Milliseconds())),
		attribute.Bool("license.success", result.Success),
		attribute.String("license.code", result.Code),
	)
	if result.Success {
		span.SetStatus(codes.Ok, "License activated")
	} else {
		span.SetStatus(codes.Error, result.Code)
	}
	return result
}

// traceValidation wraps license validation with OpenTelemetry tracing
func (s *Session) traceValidation(ctx context.Context, forceOnline bool, fn func(context.Context) domain.ValidationOutcome) domain.ValidationOutcome {
	ctx, span := s.tracer.Start(ctx, "license.validation",
		trace.WithAttributes(
			attribute.String("license.operation", "validation"),
			attribute.Bool("license.force_online", forceOnline),
			attribute.String("component", "license_session"),
		),
	)
	defer span.End()

	start := time.Now()
	outcome := fn(ctx)
	duration := time.Since(start)

	s.metrics.recordValidation(ctx, outcome, duration)

	span.SetAttributes(
		attribute.Float64("license.duration_ms", float64(duration.Milliseconds())),
		attribute.Bool("license.valid", outcome.Valid),
		attribute.String("license.code", outcome.Code),
		attribute.String("license.mode", string(outcome.Mode)),
	)
	if outcome.Valid {
		span.SetStatus(codes.Ok, "License valid")
	} else {
		span.SetStatus(codes.Error, outcome.Code)
	}
	return outcome
}
