package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"runtime/debug"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"gymdesk/internal/infrastructure"
)

// Common error types following RFC 7807
const (
	TypeValidation  = "/errors/validation"
	TypeNotFound    = "/errors/not-found"
	TypeRateLimit   = "/errors/rate-limit"
	TypeInternal    = "/errors/internal"
	TypeServiceDown = "/errors/service-unavailable"
	TypeTimeout     = "/errors/timeout"
)

// License problem types
const (
	TypeLicenseRequired  = "/errors/license/required"
	TypeLicenseTrust     = "/errors/license/trust"
	TypeLicenseIntegrity = "/errors/license/integrity"
	TypeLicenseStorage   = "/errors/license/storage"
	TypeLicenseNetwork   = "/errors/license/network"
)

// HTTPStatus maps a license code onto the status used by the local API.
func HTTPStatus(code Code) int {
	switch code.Category() {
	case CategoryNone:
		return http.StatusOK
	case CategoryInput:
		switch code {
		case CodeRateLimited:
			return http.StatusTooManyRequests
		case CodeNoLicense:
			return http.StatusPaymentRequired
		}
		return http.StatusBadRequest
	case CategoryTransient:
		return http.StatusServiceUnavailable
	case CategoryStorage, CategoryInternal:
		return http.StatusInternalServerError
	}
	return http.StatusUnprocessableEntity
}

func problemType(code Code) string {
	switch {
	case code == CodeNoLicense:
		return TypeLicenseRequired
	case code == CodeRateLimited:
		return TypeRateLimit
	case code.IsIntegrityFailure():
		return TypeLicenseIntegrity
	}
	switch code.Category() {
	case CategoryInput:
		return TypeValidation
	case CategoryTransient:
		return TypeLicenseNetwork
	case CategoryStorage:
		return TypeLicenseStorage
	case CategoryInternal:
		return TypeInternal
	}
	return TypeLicenseTrust
}

// ErrorHandler provides centralized error handling
type ErrorHandler struct {
	logger       *slog.Logger
	includeStack bool
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *slog.Logger, includeStack bool) *ErrorHandler {
	return &ErrorHandler{
		logger:       logger.With(slog.String("component", "error_handler")),
		includeStack: includeStack,
	}
}

// HandleError converts any error to RFC 7807 format and responds. Client
// errors are logged as warnings, everything else as errors.
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}

	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	problem := h.ErrorToProblem(err, r)

	level := slog.LevelError
	if problem.Status < http.StatusInternalServerError {
		level = slog.LevelWarn
	}
	h.logger.LogAttrs(ctx, level, "request failed",
		slog.String("error", err.Error()),
		slog.Int("status", problem.Status),
		slog.String("request_id", reqID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
	)

	if reqID != "" {
		problem.WithExtension("request_id", reqID)
	}
	problem.WithExtension("trace_id", infrastructure.GetTraceID(ctx))

	if h.includeStack && problem.Status >= http.StatusInternalServerError {
		problem.WithExtension("stack", getStackTrace())
	}

	render.Render(w, r, problem)
}

// ErrorToProblem converts an error to RFC 7807 Problem Details
func (h *ErrorHandler) ErrorToProblem(err error, r *http.Request) *ProblemDetails {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewProblemDetails(
			http.StatusGatewayTimeout,
			TypeTimeout,
			"Request Timeout",
			"The request took too long to process and was cancelled",
			r.URL.Path,
		)
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return h.apiErrorToProblem(apiErr, r)
	}

	var licErr *LicenseError
	if errors.As(err, &licErr) {
		status := HTTPStatus(licErr.Code)
		return NewProblemDetails(
			status,
			problemType(licErr.Code),
			http.StatusText(status),
			MessageOf(licErr),
			r.URL.Path,
		).WithExtension("code", licErr.Code)
	}

	if errors.Is(err, ErrServerUnreachable) {
		return NewProblemDetails(
			http.StatusServiceUnavailable,
			TypeLicenseNetwork,
			"License Server Unreachable",
			MessageOf(err),
			r.URL.Path,
		).WithExtension("code", CodeNetworkError)
	}

	return NewProblemDetails(
		http.StatusInternalServerError,
		TypeInternal,
		"Internal Server Error",
		"An unexpected error occurred while processing your request",
		r.URL.Path,
	)
}

// apiErrorToProblem converts APIError to ProblemDetails
func (h *ErrorHandler) apiErrorToProblem(apiErr *APIError, r *http.Request) *ProblemDetails {
	pt := TypeInternal
	switch apiErr.ErrorCode {
	case "VALIDATION_FAILED", "INVALID_REQUEST":
		pt = TypeValidation
	default:
		if c := Code(apiErr.ErrorCode); c.Category() != CategoryInternal {
			pt = problemType(c)
		}
	}

	problem := NewProblemDetails(
		apiErr.StatusCode,
		pt,
		http.StatusText(apiErr.StatusCode),
		apiErr.Message,
		r.URL.Path,
	).WithExtension("error_code", apiErr.ErrorCode)

	if apiErr.Details != nil {
		problem.WithExtension("details", apiErr.Details)
	}

	return problem
}

// HandlePanic recovers from panics and returns RFC 7807 error
func (h *ErrorHandler) HandlePanic(w http.ResponseWriter, r *http.Request, recovered interface{}) {
	reqID := middleware.GetReqID(r.Context())

	h.logger.ErrorContext(r.Context(), "panic recovered",
		slog.Any("panic", recovered),
		slog.String("request_id", reqID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("stack", string(debug.Stack())),
	)

	problem := NewProblemDetails(
		http.StatusInternalServerError,
		TypeInternal,
		"Internal Server Error",
		"An unexpected error occurred",
		r.URL.Path,
	).WithExtension("trace_id", reqID)

	if h.includeStack {
		problem.WithExtension("panic", fmt.Sprintf("%v", recovered))
		problem.WithExtension("stack", getStackTrace())
	}

	render.Render(w, r, problem)
}

// NotFound returns a standard 404 error
func (h *ErrorHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	problem := NewProblemDetails(
		http.StatusNotFound,
		TypeNotFound,
		"Not Found",
		"The requested resource was not found",
		r.URL.Path,
	).WithExtension("trace_id", middleware.GetReqID(r.Context()))

	render.Render(w, r, problem)
}

// MethodNotAllowed returns a standard 405 error
func (h *ErrorHandler) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	problem := NewProblemDetails(
		http.StatusMethodNotAllowed,
		TypeInternal,
		"Method Not Allowed",
		fmt.Sprintf("Method %s is not allowed for this endpoint", r.Method),
		r.URL.Path,
	).WithExtension("trace_id", middleware.GetReqID(r.Context()))

	render.Render(w, r, problem)
}

func getStackTrace() string {
	buf := make([]byte, 1024*8)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}
