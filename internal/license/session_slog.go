package license

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"gymdesk/internal/infrastructure"
)

// logAction logs a session action with span correlation. License keys and
// fingerprints must be passed through maskLicenseKey and fingerprintPrefix.
func (s *Session) logAction(ctx context.Context, level slog.Level, action, result string, attrs ...slog.Attr) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent("license."+action, trace.WithAttributes(
			attribute.String("action", action),
			attribute.String("result", result),
		))
	}

	allAttrs := []slog.Attr{
		slog.String("action", action),
	}
	if otelTraceID := infrastructure.TraceIDFromContext(ctx); otelTraceID != "" {
		allAttrs = append(allAttrs, slog.String("otel_trace_id", otelTraceID))
	}
	allAttrs = append(allAttrs, attrs...)

	s.logger.LogAttrs(ctx, level, result, allAttrs...)
}

func (s *Session) logDebug(ctx context.Context, action, result string, attrs ...slog.Attr) {
	s.logAction(ctx, slog.LevelDebug, action, result, attrs...)
}

func (s *Session) logInfo(ctx context.Context, action, result string, attrs ...slog.Attr) {
	s.logAction(ctx, slog.LevelInfo, action, result, attrs...)
}

func (s *Session) logWarn(ctx context.Context, action, result string, attrs ...slog.Attr) {
	s.logAction(ctx, slog.LevelWarn, action, result, attrs...)
}

func (s *Session) logError(ctx context.Context, action, result string, attrs ...slog.Attr) {
	s.logAction(ctx, slog.LevelError, action, result, attrs...)
}

// maskLicenseKey keeps the first and last four characters
func maskLicenseKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// fingerprintPrefix returns enough of a fingerprint to correlate log lines
func fingerprintPrefix(fp string) string {
	if len(fp) <= 8 {
		return fp
	}
	return fp[:8] + "..."
}
