package license

import (
	"context"
	"log/slog"
	"time"

	"gymdesk/internal/infrastructure"
	"gymdesk/pkg/contracts/domain"
)

// OutcomeListener receives the license status after every validation and
// every cache clear
type OutcomeListener interface {
	OnLicenseStatus(ctx context.Context, status domain.LicenseStatus)
}

// OutcomeListenerFunc adapts a function to OutcomeListener
type OutcomeListenerFunc func(ctx context.Context, status domain.LicenseStatus)

// OnLicenseStatus calls f
func (f OutcomeListenerFunc) OnLicenseStatus(ctx context.Context, status domain.LicenseStatus) {
	f(ctx, status)
}

// AddListener registers l for status updates
func (s *Session) AddListener(l OutcomeListener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

func (s *Session) publish(ctx context.Context, outcome domain.ValidationOutcome) {
	s.mu.Lock()
	listeners := append([]OutcomeListener(nil), s.listeners...)
	s.mu.Unlock()
	if len(listeners) == 0 {
		return
	}

	status := s.statusFor(ctx, outcome)
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logError(ctx, "publish", "Listener panicked", slog.Any("panic", r))
				}
			}()
			l.OnLicenseStatus(ctx, status)
		}()
	}
}

type scheduler struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// StartBackgroundValidation revalidates on a fixed interval until ctx is
// cancelled or StopBackgroundValidation is called. It returns false when a
// loop is already running.
func (s *Session) StartBackgroundValidation(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduler != nil {
		return false
	}

	loopCtx, cancel := context.WithCancel(ctx)
	sched := &scheduler{cancel: cancel, done: make(chan struct{})}
	s.scheduler = sched

	go func() {
		defer close(sched.done)
		defer func() {
			s.mu.Lock()
			if s.scheduler == sched {
				s.scheduler = nil
			}
			s.mu.Unlock()
		}()

		ticker := time.NewTicker(s.backgroundInterval)
		defer ticker.Stop()

		s.logInfo(loopCtx, "background", "Background validation started",
			slog.Duration("interval", s.backgroundInterval))
		for {
			select {
			case <-loopCtx.Done():
				s.logInfo(context.Background(), "background", "Background validation stopped")
				return
			case <-ticker.C:
				s.backgroundValidate(loopCtx)
			}
		}
	}()
	return true
}

// StopBackgroundValidation stops the loop and waits for an in-flight run
func (s *Session) StopBackgroundValidation() {
	s.mu.Lock()
	sched := s.scheduler
	s.scheduler = nil
	s.mu.Unlock()

	if sched == nil {
		return
	}
	sched.cancel()
	<-sched.done
}

// BackgroundRunning reports whether the loop is active
func (s *Session) BackgroundRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduler != nil
}

// backgroundValidate runs one revalidation. Failures never escape the loop.
func (s *Session) backgroundValidate(parent context.Context) {
	ctx, cancel := context.WithTimeout(infrastructure.ContextWithTraceID(parent), s.backgroundTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			s.logError(ctx, "background", "Recovered from panic in background validation", slog.Any("panic", r))
		}
	}()

	outcome := s.Validate(ctx, "", domain.ValidateOptions{})
	s.metrics.recordBackgroundRun(ctx, outcome)

	if outcome.Valid {
		s.logDebug(ctx, "background", "Background validation passed",
			slog.String("code", outcome.Code),
			slog.String("mode", string(outcome.Mode)))
		return
	}
	s.logWarn(ctx, "background", "Background validation failed",
		slog.String("code", outcome.Code),
		slog.String("message", outcome.Message))
}
