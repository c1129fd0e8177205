package middleware

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	licenseErrors "gymdesk/internal/errors"
	"gymdesk/pkg/contracts/domain"
)

type stubOutcomes struct {
	outcome domain.ValidationOutcome
	calls   atomic.Int32
}

func (s *stubOutcomes) CurrentOutcome(context.Context) domain.ValidationOutcome {
	s.calls.Add(1)
	return s.outcome
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func okHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func TestLicenseGate(t *testing.T) {
	valid := domain.ValidationOutcome{Valid: true, Code: "VALID", Mode: domain.ModeCached}
	graced := domain.ValidationOutcome{Valid: true, Code: "OFFLINE_GRACE", Mode: domain.ModeOffline,
		GraceRemaining: domain.NewDuration(20 * time.Hour)}
	expired := domain.ValidationOutcome{Code: string(licenseErrors.CodeGraceExpired), Message: "grace expired"}

	tests := []struct {
		name           string
		path           string
		accept         string
		outcome        domain.ValidationOutcome
		wantStatus     int
		wantNextCalled bool
		wantConsulted  bool
		wantMode       string
	}{
		{"excluded root", "/", "", expired, http.StatusOK, true, false, ""},
		{"excluded license api", "/api/license/activate", "", expired, http.StatusOK, true, false, ""},
		{"excluded health", "/api/health", "", expired, http.StatusOK, true, false, ""},
		{"excluded websocket", "/ws/license", "", expired, http.StatusOK, true, false, ""},
		{"valid api request", "/api/members", "", valid, http.StatusOK, true, true, "cached"},
		{"offline grace marks mode", "/api/members", "", graced, http.StatusOK, true, true, "offline"},
		{"invalid api request", "/api/members", "", expired, http.StatusPaymentRequired, false, true, ""},
		{"invalid browser request", "/members", "text/html", expired, http.StatusTemporaryRedirect, false, true, ""},
		{"invalid json request", "/members", "application/json", expired, http.StatusPaymentRequired, false, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := &stubOutcomes{outcome: tt.outcome}
			gate := NewLicenseGate(source, testLogger())

			var called bool
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.accept != "" {
				req.Header.Set("Accept", tt.accept)
			}
			rec := httptest.NewRecorder()
			gate.Handler(okHandler(&called)).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantNextCalled, called)
			assert.Equal(t, tt.wantConsulted, source.calls.Load() > 0)
			assert.Equal(t, tt.wantMode, rec.Header().Get(HeaderLicenseMode))
		})
	}
}

func TestLicenseGate_GraceHeader(t *testing.T) {
	source := &stubOutcomes{outcome: domain.ValidationOutcome{
		Valid: true, Code: "OFFLINE_GRACE", Mode: domain.ModeOffline,
		GraceRemaining: domain.NewDuration(19*time.Hour + 59*time.Minute),
	}}

	var called bool
	rec := httptest.NewRecorder()
	NewLicenseGate(source, testLogger()).Handler(okHandler(&called)).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/members", nil))

	assert.True(t, called)
	assert.Equal(t, "19h59m0s", rec.Header().Get(HeaderLicenseGrace))
}

func TestLicenseGate_ProblemBody(t *testing.T) {
	source := &stubOutcomes{outcome: domain.ValidationOutcome{Code: string(licenseErrors.CodeClockTampered), Message: "clock moved"}}

	var called bool
	rec := httptest.NewRecorder()
	NewLicenseGate(source, testLogger()).Handler(okHandler(&called)).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/members", nil))

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, string(licenseErrors.CodeClockTampered), rec.Header().Get(HeaderLicenseCode))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, licenseErrors.TypeLicenseRequired, body["type"])
	assert.Equal(t, "clock moved", body["detail"])
	assert.Equal(t, string(licenseErrors.CodeClockTampered), body["code"])
	assert.Equal(t, "/license", body["redirect_url"])
	assert.NotEmpty(t, body["trace_id"])
}

func TestLicenseGate_Redirect(t *testing.T) {
	source := &stubOutcomes{outcome: domain.ValidationOutcome{Code: string(licenseErrors.CodeNoLicense)}}
	gate := NewLicenseGate(source, testLogger())
	gate.SetLicensePageURL("/activate")

	var called bool
	rec := httptest.NewRecorder()
	gate.Handler(okHandler(&called)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/members?page=2", nil))

	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/activate", loc.Path)
	assert.Equal(t, "NO_LICENSE", loc.Query().Get("reason"))
	assert.Equal(t, "/members?page=2", loc.Query().Get("return"))

	gate.SetRedirectOnFail(false)
	rec = httptest.NewRecorder()
	gate.Handler(okHandler(&called)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/members", nil))
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestLicenseGate_Configuration(t *testing.T) {
	source := &stubOutcomes{outcome: domain.ValidationOutcome{Code: string(licenseErrors.CodeNoLicense)}}
	gate := NewLicenseGate(source, testLogger())
	gate.AddExcludePath("/api/public")
	gate.AddExcludePrefix("/docs/")

	for _, path := range []string{"/api/public", "/docs/setup"} {
		var called bool
		rec := httptest.NewRecorder()
		gate.Handler(okHandler(&called)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.True(t, called, path)
	}
	assert.Zero(t, source.calls.Load())

	gate.SetEnabled(false)
	var called bool
	rec := httptest.NewRecorder()
	gate.Handler(okHandler(&called)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/members", nil))
	assert.True(t, called)
	assert.Zero(t, source.calls.Load())
}

func TestLicenseGate_Metrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewGateMetrics(provider.Meter("test"))
	require.NoError(t, err)

	source := &stubOutcomes{outcome: domain.ValidationOutcome{Code: string(licenseErrors.CodeNoLicense)}}
	gate := NewLicenseGate(source, testLogger())
	gate.SetMetrics(metrics)

	var called bool
	for _, path := range []string{"/api/members", "/api/health"} {
		gate.Handler(okHandler(&called)).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					totals[m.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(2), totals["gymdesk_license_gate_requests_total"])
	assert.Equal(t, int64(1), totals["gymdesk_license_gate_denied_total"])
	assert.Equal(t, int64(1), totals["gymdesk_license_gate_excluded_total"])
}
