package license

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	licenseErrors "gymdesk/internal/errors"
	"gymdesk/internal/infrastructure"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth represents health of a specific component
type ComponentHealth struct {
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  string                 `json:"duration,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// HealthCheckConfig configures health check behavior
type HealthCheckConfig struct {
	CheckTimeout        time.Duration
	MaxRejectedAttempts int64
}

// DefaultHealthCheckConfig returns sensible defaults
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		CheckTimeout:        10 * time.Second,
		MaxRejectedAttempts: 100,
	}
}

// LicenseHealthCheck reports on the pieces of a running session
type LicenseHealthCheck struct {
	session *Session
	config  HealthCheckConfig
}

// NewLicenseHealthCheck creates a new health check system
func NewLicenseHealthCheck(session *Session, config HealthCheckConfig) *LicenseHealthCheck {
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = DefaultHealthCheckConfig().CheckTimeout
	}
	return &LicenseHealthCheck{session: session, config: config}
}

// HealthCheckResult contains comprehensive health status
type HealthCheckResult struct {
	OverallStatus HealthStatus                `json:"status"`
	Message       string                      `json:"message"`
	Timestamp     time.Time                   `json:"timestamp"`
	Duration      string                      `json:"duration"`
	TraceID       string                      `json:"trace_id"`
	Components    map[string]*ComponentHealth `json:"components"`
	Summary       *HealthSummary              `json:"summary"`
}

// HealthSummary provides aggregated health metrics
type HealthSummary struct {
	TotalComponents     int     `json:"total_components"`
	HealthyComponents   int     `json:"healthy_components"`
	DegradedComponents  int     `json:"degraded_components"`
	UnhealthyComponents int     `json:"unhealthy_components"`
	OverallScore        float64 `json:"overall_score"`
}

// PerformHealthCheck runs every component check concurrently. It never
// forces the network: the license check reuses the gate outcome.
func (hc *LicenseHealthCheck) PerformHealthCheck(ctx context.Context) *HealthCheckResult {
	ctx, span := otel.Tracer(TracerName).Start(ctx, "license.health_check",
		trace.WithAttributes(attribute.String("component", "license_health")),
	)
	defer span.End()

	start := time.Now()
	result := &HealthCheckResult{
		Timestamp:  start,
		Components: make(map[string]*ComponentHealth),
		TraceID:    infrastructure.GetTraceID(ctx),
	}

	checks := map[string]func(context.Context) *ComponentHealth{
		"license":          hc.checkLicense,
		"license_store":    hc.checkStore,
		"device_identity":  hc.checkFingerprint,
		"background":       hc.checkBackground,
		"activation_guard": hc.checkActivationGuard,
		"outcome_cache":    hc.checkOutcomeCache,
	}

	type checkResult struct {
		name   string
		health *ComponentHealth
	}
	resultChan := make(chan checkResult, len(checks))

	for name, checkFunc := range checks {
		go func(n string, cf func(context.Context) *ComponentHealth) {
			checkCtx, cancel := context.WithTimeout(ctx, hc.config.CheckTimeout)
			defer cancel()
			resultChan <- checkResult{name: n, health: hc.run(checkCtx, cf)}
		}(name, checkFunc)
	}

	for i := 0; i < len(checks); i++ {
		res := <-resultChan
		result.Components[res.name] = res.health
	}

	result.Summary = hc.calculateHealthSummary(result.Components)
	result.OverallStatus = hc.determineOverallStatus(result.Components)
	result.Duration = time.Since(start).String()
	result.Message = hc.generateStatusMessage(result.OverallStatus, result.Summary)

	span.SetAttributes(
		attribute.String("health.overall_status", string(result.OverallStatus)),
		attribute.Int("health.total_components", result.Summary.TotalComponents),
		attribute.Float64("health.overall_score", result.Summary.OverallScore),
	)
	return result
}

// run executes one check, turning a missing session or a panic into an
// unhealthy component
func (hc *LicenseHealthCheck) run(ctx context.Context, cf func(context.Context) *ComponentHealth) (health *ComponentHealth) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			health = &ComponentHealth{
				Status:    HealthStatusUnhealthy,
				Message:   "Health check panicked",
				Timestamp: start,
				Error:     fmt.Sprint(r),
			}
		}
		if health != nil && health.Duration == "" {
			health.Duration = time.Since(start).String()
		}
	}()

	if hc.session == nil {
		return &ComponentHealth{
			Status:    HealthStatusUnhealthy,
			Message:   "License session not initialized",
			Timestamp: start,
			Error:     "session_nil",
		}
	}
	return cf(ctx)
}

// checkLicense reports the current validation outcome
func (hc *LicenseHealthCheck) checkLicense(ctx context.Context) *ComponentHealth {
	health := &ComponentHealth{Timestamp: time.Now(), Metadata: make(map[string]interface{})}

	outcome := hc.session.CurrentOutcome(ctx)
	health.Metadata["code"] = outcome.Code
	health.Metadata["mode"] = string(outcome.Mode)
	if outcome.GraceRemaining != nil {
		health.Metadata["grace_remaining_hours"] = outcome.GraceRemaining.Hours()
	}
	if outcome.IntegrityWarning != "" {
		health.Metadata["integrity_warning"] = outcome.IntegrityWarning
	}

	code := licenseErrors.Code(outcome.Code)
	switch {
	case outcome.Valid && code == licenseErrors.CodeOfflineGrace:
		health.Status = HealthStatusDegraded
		health.Message = outcome.Message
	case outcome.Valid:
		health.Status = HealthStatusHealthy
		health.Message = "License is valid"
	case code == licenseErrors.CodeNoLicense:
		health.Status = HealthStatusDegraded
		health.Message = "No license is activated on this device"
	default:
		health.Status = HealthStatusUnhealthy
		health.Message = outcome.Message
		health.Error = outcome.Code
	}
	return health
}

// checkStore verifies the cache directory is writable
func (hc *LicenseHealthCheck) checkStore(ctx context.Context) *ComponentHealth {
	health := &ComponentHealth{Timestamp: time.Now(), Metadata: make(map[string]interface{})}

	path := hc.session.store.Path()
	dir := filepath.Dir(path)
	health.Metadata["path"] = path

	info, err := os.Stat(path)
	switch {
	case err == nil:
		health.Metadata["cache_present"] = true
		health.Metadata["modified_at"] = info.ModTime()
	case os.IsNotExist(err):
		health.Metadata["cache_present"] = false
	default:
		health.Status = HealthStatusUnhealthy
		health.Message = "License cache cannot be inspected"
		health.Error = err.Error()
		return health
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		health.Status = HealthStatusUnhealthy
		health.Message = "License cache directory cannot be created"
		health.Error = err.Error()
		return health
	}
	probe, err := os.CreateTemp(dir, ".health-*")
	if err != nil {
		health.Status = HealthStatusUnhealthy
		health.Message = "License cache directory is not writable"
		health.Error = err.Error()
		return health
	}
	probe.Close()
	os.Remove(probe.Name())

	health.Status = HealthStatusHealthy
	health.Message = "License cache directory is writable"
	return health
}

// checkFingerprint verifies a device identity can be derived
func (hc *LicenseHealthCheck) checkFingerprint(ctx context.Context) *ComponentHealth {
	health := &ComponentHealth{Timestamp: time.Now(), Metadata: make(map[string]interface{})}

	fp := hc.session.DeviceFingerprint(ctx)
	health.Metadata["fingerprint_length"] = len(fp)
	if len(fp) != 64 {
		health.Status = HealthStatusUnhealthy
		health.Message = "Device fingerprint unavailable"
		health.Error = "fingerprint_invalid"
		return health
	}
	health.Metadata["fingerprint_prefix"] = fingerprintPrefix(fp)
	health.Status = HealthStatusHealthy
	health.Message = "Device fingerprint generated"
	return health
}

// checkBackground reports whether periodic revalidation is running
func (hc *LicenseHealthCheck) checkBackground(ctx context.Context) *ComponentHealth {
	health := &ComponentHealth{Timestamp: time.Now(), Metadata: make(map[string]interface{})}

	running := hc.session.BackgroundRunning()
	health.Metadata["running"] = running
	health.Metadata["interval"] = hc.session.backgroundInterval.String()
	if running {
		health.Status = HealthStatusHealthy
		health.Message = "Background validation running"
	} else {
		health.Status = HealthStatusDegraded
		health.Message = "Background validation not running"
	}
	return health
}

// checkActivationGuard flags sustained activation abuse
func (hc *LicenseHealthCheck) checkActivationGuard(ctx context.Context) *ComponentHealth {
	health := &ComponentHealth{Timestamp: time.Now()}

	stats := hc.session.guard.GetStats()
	health.Metadata = stats

	if rejected, ok := stats["rejected_attempts"].(int64); ok && rejected > hc.config.MaxRejectedAttempts {
		health.Status = HealthStatusDegraded
		health.Message = fmt.Sprintf("High number of throttled activations: %d", rejected)
	} else if blocked, _ := stats["blocked"].(bool); blocked {
		health.Status = HealthStatusDegraded
		health.Message = "Activation temporarily blocked after repeated rejections"
	} else {
		health.Status = HealthStatusHealthy
		health.Message = "Activation guard operational"
	}
	return health
}

// checkOutcomeCache reports gate cache statistics
func (hc *LicenseHealthCheck) checkOutcomeCache(ctx context.Context) *ComponentHealth {
	return &ComponentHealth{
		Status:    HealthStatusHealthy,
		Message:   "Outcome cache operational",
		Timestamp: time.Now(),
		Metadata:  hc.session.outcomes.GetStats(),
	}
}

// calculateHealthSummary computes aggregate health metrics
func (hc *LicenseHealthCheck) calculateHealthSummary(components map[string]*ComponentHealth) *HealthSummary {
	summary := &HealthSummary{
		TotalComponents: len(components),
	}

	for _, health := range components {
		switch health.Status {
		case HealthStatusHealthy:
			summary.HealthyComponents++
		case HealthStatusDegraded:
			summary.DegradedComponents++
		case HealthStatusUnhealthy:
			summary.UnhealthyComponents++
		}
	}

	// healthy=1.0, degraded=0.5, unhealthy=0.0
	if summary.TotalComponents > 0 {
		score := float64(summary.HealthyComponents) + (float64(summary.DegradedComponents) * 0.5)
		summary.OverallScore = score / float64(summary.TotalComponents)
	}

	return summary
}

// determineOverallStatus calculates overall health status
func (hc *LicenseHealthCheck) determineOverallStatus(components map[string]*ComponentHealth) HealthStatus {
	hasUnhealthy := false
	hasDegraded := false

	for _, health := range components {
		switch health.Status {
		case HealthStatusUnhealthy:
			hasUnhealthy = true
		case HealthStatusDegraded:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		return HealthStatusUnhealthy
	} else if hasDegraded {
		return HealthStatusDegraded
	}
	return HealthStatusHealthy
}

// generateStatusMessage creates human-readable status message
func (hc *LicenseHealthCheck) generateStatusMessage(status HealthStatus, summary *HealthSummary) string {
	switch status {
	case HealthStatusHealthy:
		return fmt.Sprintf("All %d license components are healthy", summary.TotalComponents)
	case HealthStatusDegraded:
		return fmt.Sprintf("License subsystem operational with %d degraded components out of %d",
			summary.DegradedComponents, summary.TotalComponents)
	case HealthStatusUnhealthy:
		return fmt.Sprintf("License subsystem unhealthy: %d unhealthy, %d degraded out of %d components",
			summary.UnhealthyComponents, summary.DegradedComponents, summary.TotalComponents)
	default:
		return "Unknown health status"
	}
}
