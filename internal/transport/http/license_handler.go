package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	licenseErrors "gymdesk/internal/errors"
	"gymdesk/internal/infrastructure"
	"gymdesk/pkg/contracts/domain"
)

// LicenseSession is the part of the license session the local API drives
type LicenseSession interface {
	Activate(ctx context.Context, licenseKey, gymName string) domain.ActivationResult
	Validate(ctx context.Context, licenseKey string, opts domain.ValidateOptions) domain.ValidationOutcome
	Status(ctx context.Context) domain.LicenseStatus
	ClearCache(ctx context.Context) domain.ClearResult
	DeviceFingerprint(ctx context.Context) string
}

// LicenseHandler exposes the license session to the desktop shell
type LicenseHandler struct {
	session  LicenseSession
	logger   *slog.Logger
	validate *validator.Validate
	errors   *licenseErrors.ErrorHandler
	tracer   trace.Tracer
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(session LicenseSession, logger *slog.Logger) *LicenseHandler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With(slog.String("handler", "license"))
	return &LicenseHandler{
		session:  session,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		errors:   licenseErrors.NewErrorHandler(logger, false),
		tracer:   otel.Tracer("license-handler"),
	}
}

// ActivateRequest is the body of POST /activate. Format rules beyond
// presence and length are enforced by the session.
type ActivateRequest struct {
	LicenseKey string `json:"licenseKey" validate:"required,max=64"`
	GymName    string `json:"gymName" validate:"required,max=120"`
}

// Bind implements render.Binder
func (a *ActivateRequest) Bind(r *http.Request) error {
	a.LicenseKey = strings.TrimSpace(a.LicenseKey)
	a.GymName = strings.TrimSpace(a.GymName)
	return nil
}

// ValidateRequest is the optional body of POST /validate
type ValidateRequest struct {
	LicenseKey  string `json:"licenseKey,omitempty" validate:"omitempty,max=64"`
	ForceOnline bool   `json:"forceOnline"`
}

// Bind implements render.Binder
func (v *ValidateRequest) Bind(r *http.Request) error {
	v.LicenseKey = strings.TrimSpace(v.LicenseKey)
	return nil
}

// FingerprintResponse is returned by GET /fingerprint
type FingerprintResponse struct {
	DeviceFingerprint string `json:"deviceFingerprint"`
	TraceID           string `json:"traceId,omitempty"`
}

// Routes returns a chi router for license endpoints
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()

	// Activation and forced validation talk to the license server
	r.Use(middleware.Timeout(30 * time.Second))

	r.Post("/activate", h.Activate)
	r.Get("/validate", h.Validate)
	r.Post("/validate", h.Validate)
	r.Get("/status", h.GetStatus)
	r.Get("/fingerprint", h.GetFingerprint)
	r.Delete("/cache", h.ClearCache)
	r.Post("/clear-cache", h.ClearCache)

	return r
}

// Activate handles POST /api/license/activate
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "activate")
	defer span.End()
	start := time.Now()

	var req ActivateRequest
	if err := render.Bind(r, &req); err != nil {
		h.badRequest(w, r.WithContext(ctx), err)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.badRequest(w, r.WithContext(ctx), err)
		return
	}

	h.logger.InfoContext(ctx, "license activation requested",
		slog.String("request_id", middleware.GetReqID(ctx)),
		slog.String("trace_id", infrastructure.GetTraceID(ctx)),
		slog.String("remote_addr", r.RemoteAddr),
	)

	result := h.session.Activate(ctx, req.LicenseKey, req.GymName)
	status := licenseErrors.HTTPStatus(licenseErrors.Code(result.Code))

	span.SetAttributes(
		attribute.Bool("license.success", result.Success),
		attribute.String("license.code", result.Code),
		attribute.Int("http.status_code", status),
	)
	h.logger.InfoContext(ctx, "license activation completed",
		slog.String("request_id", middleware.GetReqID(ctx)),
		slog.Bool("success", result.Success),
		slog.String("code", result.Code),
		slog.Duration("latency", time.Since(start)),
	)

	render.Status(r, status)
	render.JSON(w, r, result)
}

// Validate handles GET and POST /api/license/validate. GET accepts
// ?force=true in place of a body.
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "validate")
	defer span.End()

	var req ValidateRequest
	if r.Method == http.MethodPost && r.ContentLength != 0 {
		if err := render.Bind(r, &req); err != nil && !errors.Is(err, io.EOF) {
			h.badRequest(w, r.WithContext(ctx), err)
			return
		}
		if err := h.validate.Struct(&req); err != nil {
			h.badRequest(w, r.WithContext(ctx), err)
			return
		}
	}
	if force := r.URL.Query().Get("force"); force == "true" || force == "1" {
		req.ForceOnline = true
	}

	outcome := h.session.Validate(ctx, req.LicenseKey, domain.ValidateOptions{ForceOnline: req.ForceOnline})
	status := licenseErrors.HTTPStatus(licenseErrors.Code(outcome.Code))

	span.SetAttributes(
		attribute.Bool("license.valid", outcome.Valid),
		attribute.String("license.code", outcome.Code),
		attribute.String("license.mode", string(outcome.Mode)),
		attribute.Bool("license.force_online", req.ForceOnline),
	)
	h.logger.DebugContext(ctx, "license validation completed",
		slog.String("request_id", middleware.GetReqID(ctx)),
		slog.Bool("valid", outcome.Valid),
		slog.String("code", outcome.Code),
		slog.String("mode", string(outcome.Mode)),
	)

	render.Status(r, status)
	render.JSON(w, r, outcome)
}

// GetStatus handles GET /api/license/status. It always answers 200: the
// status body is the display state, not a request failure.
func (h *LicenseHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "get_status")
	defer span.End()

	status := h.session.Status(ctx)
	span.SetAttributes(
		attribute.String("license.state", string(status.State)),
		attribute.String("license.code", status.Code),
	)
	h.logger.InfoContext(ctx, "license status requested",
		slog.String("request_id", middleware.GetReqID(ctx)),
		slog.String("state", string(status.State)),
		slog.String("code", status.Code),
	)

	render.JSON(w, r, status)
}

// GetFingerprint handles GET /api/license/fingerprint
func (h *LicenseHandler) GetFingerprint(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "get_fingerprint")
	defer span.End()

	fp := h.session.DeviceFingerprint(ctx)
	if fp == "" {
		problem := licenseErrors.NewProblemDetails(
			http.StatusInternalServerError,
			licenseErrors.TypeInternal,
			"Device Identity Unavailable",
			"The device fingerprint could not be computed.",
			r.URL.Path+"#"+middleware.GetReqID(ctx),
		).WithExtension("trace_id", infrastructure.GetTraceID(ctx))
		_ = render.Render(w, r, problem)
		return
	}

	render.JSON(w, r, FingerprintResponse{
		DeviceFingerprint: fp,
		TraceID:           infrastructure.GetTraceID(ctx),
	})
}

// ClearCache handles DELETE /api/license/cache and POST /api/license/clear-cache
func (h *LicenseHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "clear_cache")
	defer span.End()

	result := h.session.ClearCache(ctx)
	h.logger.InfoContext(ctx, "license cache clear requested",
		slog.String("request_id", middleware.GetReqID(ctx)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.Bool("cleared", result.Cleared),
	)

	if result.Error != "" {
		span.SetAttributes(attribute.String("error.message", result.Error))
		render.Status(r, http.StatusInternalServerError)
	}
	render.JSON(w, r, result)
}

func (h *LicenseHandler) startSpan(r *http.Request, operation string) (context.Context, trace.Span) {
	ctx := infrastructure.EnsureTraceID(r.Context())
	return h.tracer.Start(ctx, "license_handler."+operation,
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
			attribute.String("request_id", middleware.GetReqID(ctx)),
			attribute.String("component", "license_handler"),
			attribute.String("operation", operation),
		),
	)
}

// badRequest renders a validation problem listing the offending fields.
// Bodies that fail to decode carry no field list.
func (h *LicenseHandler) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		h.errors.HandleError(w, r, fmt.Errorf("%w: %v", licenseErrors.ErrInvalidRequest, err))
		return
	}

	fields := make([]licenseErrors.ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields = append(fields, licenseErrors.ValidationError{
			Field:   jsonFieldName(fe.Field()),
			Message: describeFieldError(fe),
		})
	}
	h.errors.HandleError(w, r, licenseErrors.NewValidationErrors(fields))
}

func jsonFieldName(field string) string {
	if field == "" {
		return field
	}
	return strings.ToLower(field[:1]) + field[1:]
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	}
	return fmt.Sprintf("failed %s validation", fe.Tag())
}
