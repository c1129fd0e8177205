package license

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	licenseErrors "gymdesk/internal/errors"
	"gymdesk/internal/infrastructure"
	"gymdesk/internal/security"
	"gymdesk/pkg/contracts"
	"gymdesk/pkg/contracts/domain"
)

// maxResponseBytes caps how much of a server response is read
const maxResponseBytes = 1 << 20

// ServerClient talks to the remote license server
type ServerClient interface {
	FetchPublicKey(ctx context.Context) (*domain.PublicKeyBundle, error)
	Activate(ctx context.Context, req domain.ActivateRequest) (*domain.LicenseResponse, error)
	Validate(ctx context.Context, req domain.ValidateRequest) (*domain.LicenseResponse, error)
	FetchIntegrityManifest(ctx context.Context, version, buildID string) (*domain.IntegrityManifestResponse, error)
}

// ServerRejection is a definitive answer from the license server. Unlike
// ErrServerUnreachable it is never graced or retried.
type ServerRejection struct {
	Status  int
	Code    string
	Message string
}

// Error implements the error interface
func (e *ServerRejection) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("license server rejected request (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("license server rejected request: %s: %s", e.Code, e.Message)
}

// ClientConfig configures the HTTP license server client
type ClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	PinnedSPKI []string
	UserAgent  string
	// RootCAs overrides the system roots; used with private test servers
	RootCAs *x509.CertPool
}

// HTTPServerClient is the ServerClient over HTTPS with optional SPKI pinning
type HTTPServerClient struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	userAgent  string
	metrics    *LicenseMetrics
	logger     *slog.Logger
}

// NewHTTPServerClient creates a client for the license server at cfg.BaseURL
func NewHTTPServerClient(cfg ClientConfig, metrics *LicenseMetrics, logger *slog.Logger) (*HTTPServerClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid license server url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "gymdesk/" + contracts.Version
	}

	pinning := security.LicensePinningConfig(cfg.BaseURL, cfg.PinnedSPKI, cfg.Timeout)
	pinning.RootCAs = cfg.RootCAs
	pinner, err := security.NewCertificatePinner(pinning)
	if err != nil {
		return nil, fmt.Errorf("failed to configure certificate pinning: %w", err)
	}

	return &HTTPServerClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: pinner.CreateSecureHTTPClient(pinning),
		timeout:    cfg.Timeout,
		userAgent:  cfg.UserAgent,
		metrics:    metrics,
		logger:     logger.With(slog.String("component", "license_client")),
	}, nil
}

// FetchPublicKey retrieves the server's current signing key
func (c *HTTPServerClient) FetchPublicKey(ctx context.Context) (*domain.PublicKeyBundle, error) {
	var resp domain.PublicKeyResponse
	if err := c.do(ctx, "public-key", http.MethodGet, "/public-key", nil, &resp); err != nil {
		return nil, err
	}
	bundle := resp.PublicKeyBundle
	return &bundle, nil
}

// Activate binds the license key to this device
func (c *HTTPServerClient) Activate(ctx context.Context, req domain.ActivateRequest) (*domain.LicenseResponse, error) {
	var resp domain.LicenseResponse
	if err := c.do(ctx, "activate", http.MethodPost, "/activate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Validate asks the server to confirm the license and refresh the token
func (c *HTTPServerClient) Validate(ctx context.Context, req domain.ValidateRequest) (*domain.LicenseResponse, error) {
	var resp domain.LicenseResponse
	if err := c.do(ctx, "validate", http.MethodPost, "/validate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FetchIntegrityManifest retrieves the signed manifest for this build
func (c *HTTPServerClient) FetchIntegrityManifest(ctx context.Context, version, buildID string) (*domain.IntegrityManifestResponse, error) {
	query := url.Values{}
	query.Set("version", version)
	if buildID != "" {
		query.Set("buildId", buildID)
	}
	var resp domain.IntegrityManifestResponse
	if err := c.do(ctx, "integrity-manifest", http.MethodGet, "/integrity-manifest?"+query.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// envelope is the part of every response that signals rejection
type envelope struct {
	Success *bool  `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// do performs one request. Transport failures, timeouts, 5xx, 429 and
// undecodable bodies wrap ErrServerUnreachable; explicit refusals are
// returned as *ServerRejection.
func (c *HTTPServerClient) do(ctx context.Context, endpoint, method, path string, body, out any) (err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		var rejection *ServerRejection
		switch {
		case errors.As(err, &rejection):
			outcome = "rejected"
		case err != nil:
			outcome = "unreachable"
		}
		c.metrics.recordServerRequest(ctx, endpoint, outcome, time.Since(start))
		c.logger.DebugContext(ctx, "license server request",
			slog.String("endpoint", endpoint),
			slog.String("outcome", outcome),
			slog.Duration("duration", time.Since(start)))
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", endpoint, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if traceID := infrastructure.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Request-ID", traceID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", licenseErrors.ErrServerUnreachable, endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: %s: reading response: %v", licenseErrors.ErrServerUnreachable, endpoint, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %s: status %d", licenseErrors.ErrServerUnreachable, endpoint, resp.StatusCode)
	}

	var env envelope
	envErr := json.Unmarshal(data, &env)
	if resp.StatusCode >= http.StatusBadRequest {
		rejection := &ServerRejection{Status: resp.StatusCode, Code: env.Code, Message: env.Message}
		if envErr != nil || rejection.Message == "" {
			rejection.Message = http.StatusText(resp.StatusCode)
		}
		return rejection
	}
	if envErr != nil {
		return fmt.Errorf("%w: %s: undecodable response: %v", licenseErrors.ErrServerUnreachable, endpoint, envErr)
	}
	if env.Success != nil && !*env.Success {
		return &ServerRejection{Status: resp.StatusCode, Code: env.Code, Message: env.Message}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %s: undecodable response: %v", licenseErrors.ErrServerUnreachable, endpoint, err)
	}
	return nil
}
