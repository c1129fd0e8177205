package license

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"gymdesk/internal/config"
	licenseErrors "gymdesk/internal/errors"
	"gymdesk/internal/infrastructure"
	"gymdesk/internal/security"
	"gymdesk/pkg/contracts"
	"gymdesk/pkg/contracts/domain"
)

// Options configures a Session. Fingerprinter, Store, Client and Integrity
// are required; everything else has a default.
type Options struct {
	Environment  string
	DevMode      bool
	DevBypassKey string
	AppVersion   string
	BuildID      string

	ValidateIntervalHours float64
	OfflineGraceHours     float64
	ClockSkewTolerance    time.Duration
	ActivationsPerMinute  int
	BackgroundInterval    time.Duration
	BackgroundTimeout     time.Duration
	GateCacheTTL          time.Duration

	Fingerprinter Fingerprinter
	Store         *Store
	Client        ServerClient
	Tokens        *security.TokenVerifier
	Integrity     *security.IntegrityVerifier
	Validator     *security.InputValidator

	Clock   func() time.Time
	Logger  *slog.Logger
	Metrics *LicenseMetrics
	Tracer  trace.Tracer

	DeviceName string
	Platform   string
}

// Session is the license state machine for one installation. It owns every
// piece of mutable license state; nothing lives in package globals.
type Session struct {
	environment  string
	devMode      bool
	devBypassKey string
	appVersion   string
	buildID      string
	deviceName   string
	platform     string

	defaultInterval    float64
	defaultGrace       float64
	skewTolerance      time.Duration
	backgroundInterval time.Duration
	backgroundTimeout  time.Duration

	fingerprinter Fingerprinter
	store         *Store
	client        ServerClient
	tokens        *security.TokenVerifier
	integrity     *security.IntegrityVerifier
	validator     *security.InputValidator
	guard         *ActivationGuard
	outcomes      *OutcomeCache

	clock   func() time.Time
	logger  *slog.Logger
	metrics *LicenseMetrics
	tracer  trace.Tracer

	// sem serializes every operation that writes the cache
	sem *semaphore.Weighted

	mu        sync.Mutex
	listeners []OutcomeListener
	scheduler *scheduler
}

// NewSession creates a session from opts
func NewSession(opts Options) (*Session, error) {
	switch {
	case opts.Fingerprinter == nil:
		return nil, errors.New("license session requires a fingerprinter")
	case opts.Store == nil:
		return nil, errors.New("license session requires a store")
	case opts.Client == nil:
		return nil, errors.New("license session requires a server client")
	case opts.Integrity == nil:
		return nil, errors.New("license session requires an integrity verifier")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	tokens := opts.Tokens
	if tokens == nil {
		tokens = &security.TokenVerifier{Now: clock}
	}
	if opts.Integrity.Now == nil {
		opts.Integrity.Now = clock
	}
	validator := opts.Validator
	if validator == nil {
		validator = security.NewInputValidator(logger)
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(TracerName)
	}
	if opts.AppVersion == "" {
		opts.AppVersion = contracts.Version
	}
	if opts.DeviceName == "" {
		opts.DeviceName, _ = os.Hostname()
	}
	if opts.Platform == "" {
		opts.Platform = runtime.GOOS
	}

	return &Session{
		environment:        opts.Environment,
		devMode:            opts.DevMode,
		devBypassKey:       strings.TrimSpace(opts.DevBypassKey),
		appVersion:         opts.AppVersion,
		buildID:            opts.BuildID,
		deviceName:         opts.DeviceName,
		platform:           opts.Platform,
		defaultInterval:    positiveOr(opts.ValidateIntervalHours, config.DefaultValidateIntervalHours),
		defaultGrace:       positiveOr(opts.OfflineGraceHours, config.DefaultOfflineGraceHours),
		skewTolerance:      durationOr(opts.ClockSkewTolerance, config.DefaultClockSkewTolerance),
		backgroundInterval: durationOr(opts.BackgroundInterval, config.DefaultBackgroundInterval),
		backgroundTimeout:  durationOr(opts.BackgroundTimeout, config.DefaultBackgroundTimeout),
		fingerprinter:      opts.Fingerprinter,
		store:              opts.Store,
		client:             opts.Client,
		tokens:             tokens,
		integrity:          opts.Integrity,
		validator:          validator,
		guard:              NewActivationGuard(opts.ActivationsPerMinute),
		outcomes:           NewOutcomeCache(opts.GateCacheTTL),
		clock:              clock,
		logger:             logger.With(slog.String("component", "license_session")),
		metrics:            opts.Metrics,
		tracer:             tracer,
		sem:                semaphore.NewWeighted(1),
	}, nil
}

// NewSessionFromConfig wires a production session from the application
// configuration. meter and tracer may be nil.
func NewSessionFromConfig(cfg *config.Config, logger *slog.Logger, meter metric.Meter, tracer trace.Tracer) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var metrics *LicenseMetrics
	if meter != nil {
		m, err := InitializeLicenseMetrics(meter)
		if err != nil {
			return nil, err
		}
		metrics = m
	}

	client, err := NewHTTPServerClient(ClientConfig{
		BaseURL:    cfg.License.ServerURL,
		Timeout:    cfg.License.RequestTimeout,
		PinnedSPKI: cfg.License.PinnedSPKI,
	}, metrics, logger)
	if err != nil {
		return nil, err
	}

	appVersion := cfg.License.AppVersion
	if appVersion == "" {
		appVersion = contracts.Version
	}
	buildID := cfg.License.BuildID
	if buildID == "" {
		buildID = contracts.BuildID
	}

	fingerprints := security.NewFingerprintManager(logger)
	store := NewStore(filepath.Join(cfg.License.DataDir, cfg.License.CacheFile), fingerprints, logger)
	integrity := security.NewIntegrityVerifier(cfg.License.AppRoot, appVersion, cfg.StrictIntegrity(), logger)

	return NewSession(Options{
		Environment:           cfg.Environment,
		DevMode:               cfg.License.DevMode,
		DevBypassKey:          cfg.License.DevBypassKey,
		AppVersion:            appVersion,
		BuildID:               buildID,
		ValidateIntervalHours: cfg.License.ValidateIntervalHours,
		OfflineGraceHours:     cfg.License.OfflineGraceHours,
		ClockSkewTolerance:    cfg.License.ClockSkewTolerance,
		ActivationsPerMinute:  cfg.License.ActivationsPerMinute,
		BackgroundInterval:    cfg.License.BackgroundInterval,
		BackgroundTimeout:     cfg.License.BackgroundTimeout,
		GateCacheTTL:          cfg.License.GateCacheTTL,
		Fingerprinter:         fingerprints,
		Store:                 store,
		Client:                client,
		Integrity:             integrity,
		Logger:                logger,
		Metrics:               metrics,
		Tracer:                tracer,
	})
}

// DeviceFingerprint returns this device's fingerprint
func (s *Session) DeviceFingerprint(ctx context.Context) (fp string) {
	defer func() {
		if r := recover(); r != nil {
			s.logError(ctx, "fingerprint", "Recovered from panic while fingerprinting", slog.Any("panic", r))
			fp = ""
		}
	}()
	return s.fingerprinter.GenerateFingerprint(ctx)
}

// Activate binds licenseKey to this device. It never panics and never
// returns an error: every failure is a coded result.
func (s *Session) Activate(ctx context.Context, licenseKey, gymName string) domain.ActivationResult {
	ctx = infrastructure.EnsureTraceID(ctx)
	return s.traceActivation(ctx, licenseKey, func(ctx context.Context) (result domain.ActivationResult) {
		defer func() {
			if r := recover(); r != nil {
				s.logError(ctx, "activate", "Recovered from panic during activation", slog.Any("panic", r))
				result = activationFailure(licenseErrors.CodeInternalError, "An unexpected error occurred during activation")
			}
		}()
		return s.activate(ctx, licenseKey, gymName)
	})
}

func (s *Session) activate(ctx context.Context, licenseKey, gymName string) domain.ActivationResult {
	keyCheck := s.validator.ValidateLicenseKey(ctx, licenseKey)
	if !keyCheck.IsValid {
		return activationFailure(licenseErrors.CodeInvalidLicenseKey,
			"License key is invalid: "+strings.Join(keyCheck.Errors, "; "))
	}
	key := keyCheck.SanitizedValue

	nameCheck := s.validator.ValidateGymName(ctx, gymName)
	if !nameCheck.IsValid {
		return activationFailure(licenseErrors.CodeInvalidGymName,
			"Gym name is invalid: "+strings.Join(nameCheck.Errors, "; "))
	}
	gym := nameCheck.SanitizedValue

	if !s.guard.Allow() {
		s.metrics.recordRateLimitHit(ctx)
		s.logWarn(ctx, "activate", "Activation throttled", slog.String("license_key", maskLicenseKey(key)))
		return activationFailure(licenseErrors.CodeRateLimited,
			"Too many activation attempts. Please wait a minute and try again")
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return activationFailure(licenseErrors.CodeOf(err), "Activation was cancelled")
	}
	defer s.sem.Release(1)

	fp := s.fingerprinter.GenerateFingerprint(ctx)

	// Load quarantines an unreadable cache so the new record lands cleanly
	if _, err := s.store.Load(ctx); err != nil {
		s.logWarn(ctx, "activate", "Existing license cache could not be read",
			slog.String("error", err.Error()))
	}

	if s.isBypassKey(key) {
		return s.activateDevBypass(ctx, key, gym, fp)
	}

	s.logInfo(ctx, "activate", "Activating license",
		slog.String("license_key", maskLicenseKey(key)),
		slog.String("fingerprint", fingerprintPrefix(fp)))

	// Activation always binds to the server's current key, never a cached one
	bundle, err := s.client.FetchPublicKey(ctx)
	if err != nil {
		return s.activationError(ctx, err)
	}

	resp, err := s.client.Activate(ctx, domain.ActivateRequest{
		LicenseKey:        key,
		DeviceFingerprint: fp,
		GymName:           gym,
		AppVersion:        s.appVersion,
		DeviceName:        s.deviceName,
		Platform:          s.platform,
	})
	if err == nil && !resp.Success {
		err = &ServerRejection{Code: resp.Code, Message: resp.Message}
	}
	if err != nil {
		return s.activationError(ctx, err)
	}

	verified := s.tokens.Verify(resp.ActivationToken, bundle, fp, key)
	if !verified.Valid {
		s.guard.RecordAttempt(false)
		s.metrics.recordSecurityEvent(ctx, "activation_token_rejected")
		s.logWarn(ctx, "activate", "Activation token rejected",
			slog.String("code", string(verified.Code)),
			slog.String("license_key", maskLicenseKey(key)))
		return activationFailure(verified.Code, verified.Message)
	}

	integrity := s.integrity.Check(ctx, s.manifestFetcher(), nil, bundle)
	if integrity.Code != "" {
		s.metrics.recordIntegrityFailure(ctx, string(integrity.Code), s.integrity.Strict)
	}
	if !integrity.Valid {
		return activationFailure(integrity.Code, integrity.Message)
	}

	now := s.clock()
	record := &CachedLicenseRecord{
		LicenseKey:            key,
		DeviceFingerprint:     fp,
		AppVersion:            s.appVersion,
		License:               resp.License,
		ActivationToken:       resp.ActivationToken,
		PublicKeyBundle:       bundle,
		LastValidated:         now,
		ValidateIntervalHours: resp.ValidateIntervalHours,
		OfflineGraceHours:     resp.OfflineGraceHours,
		Integrity:             integrity.Snapshot,
		CachedAt:              now,
	}
	if err := s.store.Save(ctx, record); err != nil {
		s.logError(ctx, "activate", "Activated license could not be saved", slog.String("error", err.Error()))
		return activationFailure(licenseErrors.CodeStorageError,
			"The license was activated but could not be saved on this device")
	}

	s.guard.RecordAttempt(true)
	s.outcomes.Invalidate()
	s.logInfo(ctx, "activate", "License activated",
		slog.String("license_key", maskLicenseKey(key)),
		slog.String("fingerprint", fingerprintPrefix(fp)),
		slog.String("integrity_warning", integrity.Warning()))

	return domain.ActivationResult{
		Success: true,
		Code:    string(licenseErrors.CodeActivated),
		Message: "License activated successfully",
		License: resp.License,
		Mode:    domain.ModeOnline,
	}
}

// activateDevBypass writes a local developer license without contacting
// the server
func (s *Session) activateDevBypass(ctx context.Context, key, gym, fp string) domain.ActivationResult {
	if !s.bypassAllowed() {
		s.metrics.recordSecurityEvent(ctx, "dev_bypass_refused")
		s.logWarn(ctx, "activate", "Developer bypass key refused outside development")
		return activationFailure(licenseErrors.CodeDevBypassNotAllowed,
			"Developer bypass is not allowed in this environment")
	}

	now := s.clock()
	expires := now.Add(config.DevLicenseLifetime)
	license := &domain.LicenseInfo{
		Type:       "developer",
		GymName:    gym,
		OwnerName:  "Developer",
		MaxDevices: 1,
		IssuedAt:   &now,
		ExpiresAt:  &expires,
	}
	record := &CachedLicenseRecord{
		LicenseKey:        key,
		DeviceFingerprint: fp,
		AppVersion:        s.appVersion,
		License:           license,
		LastValidated:     now,
		CachedAt:          now,
		DevBypass:         true,
	}
	if err := s.store.Save(ctx, record); err != nil {
		return activationFailure(licenseErrors.CodeStorageError,
			"The developer license could not be saved on this device")
	}

	s.outcomes.Invalidate()
	s.logWarn(ctx, "activate", "Developer bypass license activated",
		slog.String("environment", s.environment))
	return domain.ActivationResult{
		Success: true,
		Code:    string(licenseErrors.CodeDevBypass),
		Message: "Developer license activated",
		License: license,
		Mode:    domain.ModeDevBypass,
	}
}

func (s *Session) activationError(ctx context.Context, err error) domain.ActivationResult {
	var rejection *ServerRejection
	if errors.As(err, &rejection) {
		s.guard.RecordAttempt(false)
		code := licenseErrors.Code(rejection.Code)
		if code == "" {
			code = licenseErrors.CodeActivationRejected
		}
		message := rejection.Message
		if message == "" {
			message = "The license server rejected the activation"
		}
		s.logWarn(ctx, "activate", "Activation rejected by license server", slog.String("code", string(code)))
		return activationFailure(code, message)
	}

	s.logWarn(ctx, "activate", "License server unreachable during activation", slog.String("error", err.Error()))
	return activationFailure(licenseErrors.CodeOf(err), licenseErrors.MessageOf(err))
}

// Validate checks the cached license and revalidates online when due. It
// never panics and never returns an error: every failure is a coded outcome.
func (s *Session) Validate(ctx context.Context, licenseKey string, opts domain.ValidateOptions) domain.ValidationOutcome {
	ctx = infrastructure.EnsureTraceID(ctx)

	// settled is set only when validate ran to completion. Outcomes from a
	// cancelled wait or a recovered panic say nothing about the license and
	// are neither cached for the gate nor pushed to listeners.
	settled := false
	outcome := s.traceValidation(ctx, opts.ForceOnline, func(ctx context.Context) (outcome domain.ValidationOutcome) {
		defer func() {
			if r := recover(); r != nil {
				s.logError(ctx, "validate", "Recovered from panic during validation", slog.Any("panic", r))
				outcome = s.invalid(licenseErrors.CodeInternalError, "An unexpected error occurred while checking the license")
			}
		}()

		if err := s.sem.Acquire(ctx, 1); err != nil {
			return s.invalid(licenseErrors.CodeOf(err), "Validation was cancelled before it started")
		}
		defer s.sem.Release(1)

		outcome = s.validate(ctx, licenseKey, opts)
		settled = true
		return outcome
	})

	if settled {
		s.outcomes.Set(outcome)
		s.publish(ctx, outcome)
	}
	return outcome
}

func (s *Session) validate(ctx context.Context, licenseKey string, opts domain.ValidateOptions) domain.ValidationOutcome {
	now := s.clock()
	fp := s.fingerprinter.GenerateFingerprint(ctx)

	record, err := s.store.Load(ctx)
	if err != nil {
		s.logError(ctx, "validate", "License cache could not be read", slog.String("error", err.Error()))
		return s.invalid(licenseErrors.CodeStorageError, licenseErrors.MessageOf(err))
	}

	key := strings.TrimSpace(licenseKey)
	if key == "" && record != nil {
		key = record.LicenseKey
	}
	if key == "" || record == nil {
		return s.invalid(licenseErrors.CodeNoLicense, "No license is activated on this device")
	}

	if lastTrusted := record.lastTrusted(); now.Before(lastTrusted.Add(-s.skewTolerance)) {
		s.metrics.recordSecurityEvent(ctx, "clock_tampered")
		s.logWarn(ctx, "validate", "System clock is behind the last recorded license timestamp",
			slog.Time("last_trusted", lastTrusted),
			slog.Duration("behind_by", lastTrusted.Sub(now)))
		return s.invalid(licenseErrors.CodeClockTampered,
			"The system clock appears to have been moved backwards. Correct the date and time and try again")
	}

	if record.DevBypass {
		return s.validateDevBypass(ctx, record, key, fp, now)
	}

	cached := s.tokens.Verify(record.ActivationToken, record.PublicKeyBundle, fp, key)
	tokenExpired := cached.Code == licenseErrors.CodeTokenExpired
	if !cached.Valid && !tokenExpired {
		s.metrics.recordSecurityEvent(ctx, "cached_token_rejected")
		s.logWarn(ctx, "validate", "Cached activation token rejected",
			slog.String("code", string(cached.Code)),
			slog.String("license_key", maskLicenseKey(key)),
			slog.String("fingerprint", fingerprintPrefix(fp)))
		return s.invalid(cached.Code, cached.Message)
	}

	local := s.integrity.Check(ctx, nil, record.Integrity, record.PublicKeyBundle)
	if local.Code != "" {
		s.metrics.recordIntegrityFailure(ctx, string(local.Code), s.integrity.Strict)
	}
	if !local.Valid {
		return s.invalid(local.Code, local.Message)
	}

	interval := record.validateInterval(s.defaultInterval)
	due := opts.ForceOnline ||
		tokenExpired ||
		record.License.Expired(now) ||
		now.Sub(record.LastValidated) >= interval
	if !due {
		next := record.LastValidated.Add(interval)
		outcome := s.valid(licenseErrors.CodeValid, domain.ModeCached, "License is valid", record.License)
		outcome.NextValidationAt = &next
		outcome.IntegrityWarning = local.Warning()
		return outcome
	}

	return s.validateOnline(ctx, record, key, fp, now, local, tokenExpired)
}

func (s *Session) validateOnline(ctx context.Context, record *CachedLicenseRecord, key, fp string, now time.Time, local security.IntegrityResult, tokenExpired bool) domain.ValidationOutcome {
	resp, err := s.client.Validate(ctx, domain.ValidateRequest{
		LicenseKey:        key,
		DeviceFingerprint: fp,
		AppVersion:        s.appVersion,
		DeviceName:        s.deviceName,
		Platform:          s.platform,
	})
	if err == nil && !resp.Success {
		err = &ServerRejection{Code: resp.Code, Message: resp.Message}
	}
	if err != nil {
		var rejection *ServerRejection
		if errors.As(err, &rejection) {
			code := licenseErrors.Code(rejection.Code)
			if code == "" {
				code = licenseErrors.CodeValidationRejected
			}
			message := rejection.Message
			if message == "" {
				message = "The license server rejected this license"
			}
			s.logWarn(ctx, "validate", "License rejected by license server",
				slog.String("code", string(code)),
				slog.String("license_key", maskLicenseKey(key)))
			return s.invalid(code, message)
		}
		if tokenExpired {
			return s.invalid(licenseErrors.CodeTokenExpired,
				"The activation token has expired and the license server cannot be reached")
		}
		return s.offline(ctx, record, now, local, err)
	}

	bundle := record.PublicKeyBundle
	verified := s.tokens.Verify(resp.ActivationToken, bundle, fp, key)
	rotated := false
	if !verified.Valid && mayBeKeyRotation(verified.Code) {
		if fresh, ferr := s.client.FetchPublicKey(ctx); ferr == nil {
			if retry := s.tokens.Verify(resp.ActivationToken, fresh, fp, key); retry.Valid {
				bundle, verified, rotated = fresh, retry, true
				s.logInfo(ctx, "validate", "License server signing key rotated",
					slog.String("key_id", fresh.KeyID))
			}
		} else {
			s.logWarn(ctx, "validate", "Public key refresh failed", slog.String("error", ferr.Error()))
		}
	}
	if !verified.Valid {
		s.metrics.recordSecurityEvent(ctx, "refreshed_token_rejected")
		s.logWarn(ctx, "validate", "Refreshed activation token rejected", slog.String("code", string(verified.Code)))
		return s.invalid(verified.Code, verified.Message)
	}

	refreshed := s.integrity.Check(ctx, s.manifestFetcher(), record.Integrity, bundle)
	if !refreshed.Valid && refreshed.FromCache && rotated {
		// The cached manifest is signed with the retired key and already
		// verified against it above
		refreshed = local
	}
	if refreshed.Code != "" {
		s.metrics.recordIntegrityFailure(ctx, string(refreshed.Code), s.integrity.Strict)
	}
	if !refreshed.Valid {
		return s.invalid(refreshed.Code, refreshed.Message)
	}

	updated := *record
	updated.ActivationToken = resp.ActivationToken
	updated.PublicKeyBundle = bundle
	updated.AppVersion = s.appVersion
	updated.LastValidated = now
	updated.CachedAt = now
	if resp.License != nil {
		updated.License = resp.License
	}
	if resp.ValidateIntervalHours > 0 {
		updated.ValidateIntervalHours = resp.ValidateIntervalHours
	}
	if resp.OfflineGraceHours > 0 {
		updated.OfflineGraceHours = resp.OfflineGraceHours
	}
	if refreshed.Snapshot != nil {
		updated.Integrity = refreshed.Snapshot
	}

	if err := s.store.Save(ctx, &updated); err != nil {
		// The server just vouched for the license; a failed write only
		// means the next validation starts from the older record
		s.logError(ctx, "validate", "Validated license could not be saved", slog.String("error", err.Error()))
	}

	next := now.Add(updated.validateInterval(s.defaultInterval))
	outcome := s.valid(licenseErrors.CodeValid, domain.ModeOnline, "License validated with the license server", updated.License)
	outcome.NextValidationAt = &next
	outcome.IntegrityWarning = refreshed.Warning()
	return outcome
}

// offline applies the grace window after a transient server failure
func (s *Session) offline(ctx context.Context, record *CachedLicenseRecord, now time.Time, local security.IntegrityResult, cause error) domain.ValidationOutcome {
	grace := record.offlineGrace(s.defaultGrace)
	remaining := grace - now.Sub(record.LastValidated)

	if remaining <= 0 {
		s.logWarn(ctx, "validate", "Offline grace period expired",
			slog.Time("last_validated", record.LastValidated),
			slog.Float64("grace_hours", grace.Hours()),
			slog.String("error", cause.Error()))
		return s.invalid(licenseErrors.CodeGraceExpired,
			"The offline grace period has expired. Connect to the internet to revalidate the license")
	}

	s.logInfo(ctx, "validate", "License server unreachable, using offline grace",
		slog.Duration("grace_remaining", remaining),
		slog.String("error", cause.Error()))

	outcome := s.valid(licenseErrors.CodeOfflineGrace, domain.ModeOffline,
		fmt.Sprintf("License server unreachable; offline grace ends in %s", remaining.Round(time.Minute)),
		record.License)
	outcome.GraceRemaining = domain.NewDuration(remaining)
	outcome.IntegrityWarning = local.Warning()
	return outcome
}

func (s *Session) validateDevBypass(ctx context.Context, record *CachedLicenseRecord, key, fp string, now time.Time) domain.ValidationOutcome {
	switch {
	case !s.bypassAllowed() || !s.isBypassKey(record.LicenseKey):
		s.metrics.recordSecurityEvent(ctx, "dev_bypass_refused")
		return s.invalid(licenseErrors.CodeDevBypassNotAllowed,
			"Developer bypass is not allowed in this environment")
	case key != record.LicenseKey:
		return s.invalid(licenseErrors.CodeLicenseKeyMismatch, "License key does not match the activated license")
	case record.DeviceFingerprint != fp:
		return s.invalid(licenseErrors.CodeDeviceFingerprintMismatch, "License is bound to a different device")
	case record.License.Expired(now):
		return s.invalid(licenseErrors.CodeTokenExpired, "Developer license has expired")
	}
	return s.valid(licenseErrors.CodeDevBypass, domain.ModeDevBypass, "Developer license", record.License)
}

// Status forces an online validation and reshapes it for display
func (s *Session) Status(ctx context.Context) domain.LicenseStatus {
	outcome := s.Validate(ctx, "", domain.ValidateOptions{ForceOnline: true})
	return s.statusFor(ctx, outcome)
}

// CurrentOutcome returns a recent outcome for request gating, validating
// (without forcing the network) when none is cached
func (s *Session) CurrentOutcome(ctx context.Context) domain.ValidationOutcome {
	if outcome, ok := s.outcomes.Get(); ok {
		return outcome
	}
	return s.Validate(ctx, "", domain.ValidateOptions{})
}

// ClearCache deletes the local license, fully de-activating this device
func (s *Session) ClearCache(ctx context.Context) (result domain.ClearResult) {
	ctx = infrastructure.EnsureTraceID(ctx)
	defer func() {
		if r := recover(); r != nil {
			s.logError(ctx, "clear_cache", "Recovered from panic while clearing cache", slog.Any("panic", r))
			result = domain.ClearResult{Error: "An unexpected error occurred while clearing the license cache"}
		}
	}()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return domain.ClearResult{Error: "Clearing the license cache was cancelled"}
	}
	cleared, err := s.store.Clear(ctx)
	s.sem.Release(1)
	if err != nil {
		s.logError(ctx, "clear_cache", "License cache could not be deleted", slog.String("error", err.Error()))
		return domain.ClearResult{Error: licenseErrors.MessageOf(err)}
	}

	s.outcomes.Invalidate()
	s.logInfo(ctx, "clear_cache", "License cache cleared", slog.Bool("existed", cleared))
	s.publish(ctx, s.invalid(licenseErrors.CodeNoLicense, "No license is activated on this device"))
	return domain.ClearResult{Cleared: cleared}
}

// Close stops background validation, waits for an in-flight operation and
// wipes the cache key. The session cannot load or save the cache afterwards.
func (s *Session) Close() {
	s.StopBackgroundValidation()
	_ = s.sem.Acquire(context.Background(), 1)
	defer s.sem.Release(1)
	s.store.Close()
}

func (s *Session) statusFor(ctx context.Context, outcome domain.ValidationOutcome) domain.LicenseStatus {
	var state domain.SessionState
	switch code := licenseErrors.Code(outcome.Code); {
	case code == licenseErrors.CodeNoLicense:
		state = domain.StateNotActivated
	case outcome.Valid:
		state = domain.StateActive
	case code.Category() == licenseErrors.CategoryInternal || code.Category() == licenseErrors.CategoryStorage:
		state = domain.StateError
	default:
		state = domain.StateInvalid
	}

	o := outcome
	return domain.LicenseStatus{
		State:             state,
		Code:              outcome.Code,
		Message:           outcome.Message,
		License:           outcome.License,
		Mode:              outcome.Mode,
		GraceRemaining:    outcome.GraceRemaining,
		NextValidationAt:  outcome.NextValidationAt,
		DeviceFingerprint: s.DeviceFingerprint(ctx),
		Outcome:           &o,
	}
}

func (s *Session) manifestFetcher() security.ManifestFetcher {
	return func(ctx context.Context) (*domain.IntegrityManifestResponse, error) {
		return s.client.FetchIntegrityManifest(ctx, s.appVersion, s.buildID)
	}
}

// bypassAllowed is true only with dev mode on, a key configured and a
// non-production environment
func (s *Session) bypassAllowed() bool {
	return s.devMode && s.devBypassKey != "" && !isProduction(s.environment)
}

func (s *Session) isBypassKey(key string) bool {
	return s.devBypassKey != "" && subtle.ConstantTimeCompare([]byte(key), []byte(s.devBypassKey)) == 1
}

func (s *Session) valid(code licenseErrors.Code, mode domain.ValidationMode, message string, license *domain.LicenseInfo) domain.ValidationOutcome {
	return domain.ValidationOutcome{
		Valid:     true,
		Code:      string(code),
		Message:   message,
		License:   license,
		Mode:      mode,
		CheckedAt: s.clock(),
	}
}

func (s *Session) invalid(code licenseErrors.Code, message string) domain.ValidationOutcome {
	return domain.ValidationOutcome{
		Code:      string(code),
		Message:   message,
		CheckedAt: s.clock(),
	}
}

func activationFailure(code licenseErrors.Code, message string) domain.ActivationResult {
	return domain.ActivationResult{Code: string(code), Message: message}
}

// mayBeKeyRotation reports failures a fresh public key could resolve
func mayBeKeyRotation(code licenseErrors.Code) bool {
	switch code {
	case licenseErrors.CodeInvalidTokenSignature, licenseErrors.CodeMissingPublicKey, licenseErrors.CodeInvalidPublicKey:
		return true
	}
	return false
}

func isProduction(env string) bool {
	env = strings.ToLower(strings.TrimSpace(env))
	return env == "" || env == config.EnvProduction
}

func positiveOr(v, def float64) float64 {
	if v > 0 {
		return v
	}
	return def
}

func durationOr(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}
