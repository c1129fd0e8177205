package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	licenseErrors "gymdesk/internal/errors"
	"gymdesk/internal/infrastructure"
	"gymdesk/pkg/contracts/domain"
)

// Response headers set on every gated request
const (
	HeaderLicenseMode  = "X-License-Mode"
	HeaderLicenseGrace = "X-License-Grace-Remaining"
	HeaderLicenseCode  = "X-License-Code"
)

// LicenseGate blocks application routes unless the device holds a valid
// license. Outcomes come from the session, which caches them briefly.
type LicenseGate struct {
	source          OutcomeSource
	logger          *slog.Logger
	excludePaths    []string
	excludePrefixes []string
	enabled         bool
	redirectOnFail  bool
	licensePageURL  string
	metrics         *GateMetrics
}

// GateMetrics holds OpenTelemetry counters for the gate
type GateMetrics struct {
	RequestsTotal metric.Int64Counter
	Allowed       metric.Int64Counter
	Denied        metric.Int64Counter
	Excluded      metric.Int64Counter
}

// NewGateMetrics registers the gate counters on meter
func NewGateMetrics(meter metric.Meter) (*GateMetrics, error) {
	requests, err := meter.Int64Counter("gymdesk_license_gate_requests_total",
		metric.WithDescription("Requests seen by the license gate"))
	if err != nil {
		return nil, fmt.Errorf("failed to create gate requests counter: %w", err)
	}
	allowed, err := meter.Int64Counter("gymdesk_license_gate_allowed_total",
		metric.WithDescription("Requests allowed by the license gate"))
	if err != nil {
		return nil, fmt.Errorf("failed to create gate allowed counter: %w", err)
	}
	denied, err := meter.Int64Counter("gymdesk_license_gate_denied_total",
		metric.WithDescription("Requests denied by the license gate"))
	if err != nil {
		return nil, fmt.Errorf("failed to create gate denied counter: %w", err)
	}
	excluded, err := meter.Int64Counter("gymdesk_license_gate_excluded_total",
		metric.WithDescription("Requests on paths the license gate skips"))
	if err != nil {
		return nil, fmt.Errorf("failed to create gate excluded counter: %w", err)
	}
	return &GateMetrics{RequestsTotal: requests, Allowed: allowed, Denied: denied, Excluded: excluded}, nil
}

// NewLicenseGate creates the gate. The license API, health and metrics
// endpoints are always reachable so an unlicensed device can activate.
func NewLicenseGate(source OutcomeSource, logger *slog.Logger) *LicenseGate {
	return &LicenseGate{
		source:         source,
		logger:         logger.With(slog.String("component", "license_gate")),
		enabled:        true,
		redirectOnFail: true,
		licensePageURL: "/license",
		excludePaths: []string{
			"/",
			"/license",
			"/api/version",
			"/metrics",
			"/favicon.ico",
		},
		excludePrefixes: []string{
			"/api/license/",
			"/api/health",
			"/ws/",
			"/static/",
			"/assets/",
		},
	}
}

// Handler returns the middleware handler function
func (g *LicenseGate) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := infrastructure.EnsureTraceID(r.Context())
		if !g.enabled {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		g.count(ctx, func(m *GateMetrics) metric.Int64Counter { return m.RequestsTotal })
		if g.shouldExcludePath(r.URL.Path) {
			g.count(ctx, func(m *GateMetrics) metric.Int64Counter { return m.Excluded })
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		ctx, span := otel.Tracer("license-gate").Start(ctx, "license_gate.check",
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.url", r.URL.Path),
				attribute.String("component", "license_gate"),
			),
		)
		defer span.End()

		outcome := g.source.CurrentOutcome(ctx)
		span.SetAttributes(
			attribute.Bool("license.valid", outcome.Valid),
			attribute.String("license.code", outcome.Code),
			attribute.String("license.mode", string(outcome.Mode)),
		)

		if !outcome.Valid {
			g.count(ctx, func(m *GateMetrics) metric.Int64Counter { return m.Denied })
			g.deny(w, r.WithContext(ctx), outcome)
			return
		}

		g.count(ctx, func(m *GateMetrics) metric.Int64Counter { return m.Allowed })
		setLicenseHeaders(w, outcome)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func setLicenseHeaders(w http.ResponseWriter, outcome domain.ValidationOutcome) {
	if outcome.Mode != "" {
		w.Header().Set(HeaderLicenseMode, string(outcome.Mode))
	}
	if outcome.GraceRemaining != nil {
		w.Header().Set(HeaderLicenseGrace, outcome.GraceRemaining.Std().Round(time.Second).String())
	}
}

// deny answers API requests with a problem document and sends browsers to
// the license page
func (g *LicenseGate) deny(w http.ResponseWriter, r *http.Request, outcome domain.ValidationOutcome) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	traceID := infrastructure.GetTraceID(ctx)

	g.logger.InfoContext(ctx, "request blocked by license gate",
		slog.String("path", r.URL.Path),
		slog.String("code", outcome.Code),
		slog.String("request_id", reqID),
		slog.String("trace_id", traceID))

	w.Header().Set(HeaderLicenseCode, outcome.Code)

	if !isAPIRequest(r) && g.redirectOnFail {
		g.redirectToLicensePage(w, r, outcome.Code)
		return
	}

	detail := outcome.Message
	if detail == "" {
		detail = "No valid license found. Activate a license to access this resource."
	}
	problem := licenseErrors.NewProblemDetails(
		http.StatusPaymentRequired,
		licenseErrors.TypeLicenseRequired,
		"License Required",
		detail,
		r.URL.Path+"#"+reqID,
	).WithExtension("trace_id", traceID).
		WithExtension("code", outcome.Code).
		WithExtension("redirect_url", g.licensePageURL)

	_ = render.Render(w, r, problem)
}

func (g *LicenseGate) redirectToLicensePage(w http.ResponseWriter, r *http.Request, reason string) {
	q := url.Values{}
	if reason != "" {
		q.Set("reason", reason)
	}
	if r.URL.Path != "/" && r.URL.Path != g.licensePageURL {
		q.Set("return", r.URL.RequestURI())
	}

	target := g.licensePageURL
	if encoded := q.Encode(); encoded != "" {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + encoded
	}
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

func (g *LicenseGate) shouldExcludePath(path string) bool {
	for _, excluded := range g.excludePaths {
		if path == excluded {
			return true
		}
	}
	for _, prefix := range g.excludePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (g *LicenseGate) count(ctx context.Context, pick func(*GateMetrics) metric.Int64Counter) {
	if g.metrics == nil {
		return
	}
	if c := pick(g.metrics); c != nil {
		c.Add(ctx, 1)
	}
}

// AddExcludePath lets a route bypass the gate
func (g *LicenseGate) AddExcludePath(path string) {
	g.excludePaths = append(g.excludePaths, path)
}

// AddExcludePrefix lets every route under prefix bypass the gate
func (g *LicenseGate) AddExcludePrefix(prefix string) {
	g.excludePrefixes = append(g.excludePrefixes, prefix)
}

// SetEnabled turns the gate on or off
func (g *LicenseGate) SetEnabled(enabled bool) {
	g.enabled = enabled
}

// SetRedirectOnFail controls whether browsers are redirected or get a 402
func (g *LicenseGate) SetRedirectOnFail(redirect bool) {
	g.redirectOnFail = redirect
}

// SetLicensePageURL sets the page unlicensed browsers are sent to
func (g *LicenseGate) SetLicensePageURL(pageURL string) {
	g.licensePageURL = pageURL
}

// SetMetrics attaches gate counters
func (g *LicenseGate) SetMetrics(metrics *GateMetrics) {
	g.metrics = metrics
}

// isAPIRequest checks if the request expects a JSON response
func isAPIRequest(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		return true
	}
	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		return true
	}
	return strings.HasPrefix(r.URL.Path, "/api/")
}
