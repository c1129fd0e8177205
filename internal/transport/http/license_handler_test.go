package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	licenseErrors "gymdesk/internal/errors"
	"gymdesk/pkg/contracts/domain"
)

// MockLicenseSession implements LicenseSession for testing
type MockLicenseSession struct {
	mock.Mock
}

func (m *MockLicenseSession) Activate(ctx context.Context, licenseKey, gymName string) domain.ActivationResult {
	args := m.Called(ctx, licenseKey, gymName)
	return args.Get(0).(domain.ActivationResult)
}

func (m *MockLicenseSession) Validate(ctx context.Context, licenseKey string, opts domain.ValidateOptions) domain.ValidationOutcome {
	args := m.Called(ctx, licenseKey, opts)
	return args.Get(0).(domain.ValidationOutcome)
}

func (m *MockLicenseSession) Status(ctx context.Context) domain.LicenseStatus {
	args := m.Called(ctx)
	return args.Get(0).(domain.LicenseStatus)
}

func (m *MockLicenseSession) ClearCache(ctx context.Context) domain.ClearResult {
	args := m.Called(ctx)
	return args.Get(0).(domain.ClearResult)
}

func (m *MockLicenseSession) DeviceFingerprint(ctx context.Context) string {
	args := m.Called(ctx)
	return args.String(0)
}

func newLicenseRouter(session LicenseSession) http.Handler {
	r := chi.NewRouter()
	r.Mount("/api/license", NewLicenseHandler(session, nil).Routes())
	return r
}

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestLicenseHandler_Activate(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		result     *domain.ActivationResult
		wantStatus int
		wantCode   string
	}{
		{
			name:       "activated",
			body:       `{"licenseKey":" GYM-ABCD-1234 ","gymName":"Iron Temple"}`,
			result:     &domain.ActivationResult{Success: true, Code: "ACTIVATED", Mode: domain.ModeOnline},
			wantStatus: http.StatusOK,
			wantCode:   "ACTIVATED",
		},
		{
			name:       "server rejection",
			body:       `{"licenseKey":"GYM-ABCD-1234","gymName":"Iron Temple"}`,
			result:     &domain.ActivationResult{Code: "LICENSE_REVOKED", Message: "revoked"},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "LICENSE_REVOKED",
		},
		{
			name:       "offline",
			body:       `{"licenseKey":"GYM-ABCD-1234","gymName":"Iron Temple"}`,
			result:     &domain.ActivationResult{Code: string(licenseErrors.CodeNetworkError)},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   string(licenseErrors.CodeNetworkError),
		},
		{
			name:       "throttled",
			body:       `{"licenseKey":"GYM-ABCD-1234","gymName":"Iron Temple"}`,
			result:     &domain.ActivationResult{Code: string(licenseErrors.CodeRateLimited)},
			wantStatus: http.StatusTooManyRequests,
			wantCode:   string(licenseErrors.CodeRateLimited),
		},
		{
			name:       "missing gym name",
			body:       `{"licenseKey":"GYM-ABCD-1234"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed json",
			body:       `{"licenseKey":`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := new(MockLicenseSession)
			if tt.result != nil {
				session.On("Activate", mock.Anything, "GYM-ABCD-1234", "Iron Temple").Return(*tt.result).Once()
			}

			rec := serve(newLicenseRouter(session), http.MethodPost, "/api/license/activate", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			if tt.result == nil {
				assert.Equal(t, licenseErrors.TypeValidation, body["type"])
				session.AssertNotCalled(t, "Activate", mock.Anything, mock.Anything, mock.Anything)
				return
			}
			assert.Equal(t, tt.wantCode, body["code"])
			session.AssertExpectations(t)
		})
	}
}

func TestLicenseHandler_ActivateReportsFields(t *testing.T) {
	session := new(MockLicenseSession)
	rec := serve(newLicenseRouter(session), http.MethodPost, "/api/license/activate", `{"licenseKey":"","gymName":""}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "VALIDATION_FAILED", body["error_code"])
	assert.NotEmpty(t, body["trace_id"])

	details, ok := body["details"].(map[string]any)
	require.True(t, ok)
	entries, ok := details["errors"].([]any)
	require.True(t, ok)

	fields := make(map[string]any, len(entries))
	for _, e := range entries {
		entry := e.(map[string]any)
		fields[entry["field"].(string)] = entry["message"]
	}
	assert.Equal(t, "is required", fields["licenseKey"])
	assert.Equal(t, "is required", fields["gymName"])
}

func TestLicenseHandler_MalformedBodyHidesDecoderError(t *testing.T) {
	session := new(MockLicenseSession)
	rec := serve(newLicenseRouter(session), http.MethodPost, "/api/license/activate", `{"licenseKey":`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "INVALID_REQUEST", body["error_code"])
	assert.Equal(t, "Invalid request format", body["detail"])
	_, hasDetails := body["details"]
	assert.False(t, hasDetails)
}

func TestLicenseHandler_Validate(t *testing.T) {
	valid := domain.ValidationOutcome{Valid: true, Code: "VALID", Mode: domain.ModeCached}
	noLicense := domain.ValidationOutcome{Code: string(licenseErrors.CodeNoLicense)}

	tests := []struct {
		name       string
		method     string
		target     string
		body       string
		wantKey    string
		wantForce  bool
		outcome    domain.ValidationOutcome
		wantStatus int
	}{
		{"get cached", http.MethodGet, "/api/license/validate", "", "", false, valid, http.StatusOK},
		{"get forced", http.MethodGet, "/api/license/validate?force=true", "", "", true, valid, http.StatusOK},
		{"post with key", http.MethodPost, "/api/license/validate", `{"licenseKey":"GYM-ABCD-1234","forceOnline":true}`, "GYM-ABCD-1234", true, valid, http.StatusOK},
		{"post without body", http.MethodPost, "/api/license/validate", "", "", false, noLicense, http.StatusPaymentRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := new(MockLicenseSession)
			session.On("Validate", mock.Anything, tt.wantKey, domain.ValidateOptions{ForceOnline: tt.wantForce}).Return(tt.outcome).Once()

			rec := serve(newLicenseRouter(session), tt.method, tt.target, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)

			var got domain.ValidationOutcome
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			assert.Equal(t, tt.outcome.Code, got.Code)
			session.AssertExpectations(t)
		})
	}
}

func TestLicenseHandler_StatusAlwaysOK(t *testing.T) {
	session := new(MockLicenseSession)
	session.On("Status", mock.Anything).Return(domain.LicenseStatus{
		State: domain.StateInvalid,
		Code:  string(licenseErrors.CodeGraceExpired),
	})

	rec := serve(newLicenseRouter(session), http.MethodGet, "/api/license/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var got domain.LicenseStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, domain.StateInvalid, got.State)
	assert.Equal(t, string(licenseErrors.CodeGraceExpired), got.Code)
}

func TestLicenseHandler_Fingerprint(t *testing.T) {
	t.Run("available", func(t *testing.T) {
		session := new(MockLicenseSession)
		session.On("DeviceFingerprint", mock.Anything).Return(strings.Repeat("a", 64))

		rec := serve(newLicenseRouter(session), http.MethodGet, "/api/license/fingerprint", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var got FingerprintResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Len(t, got.DeviceFingerprint, 64)
	})

	t.Run("unavailable", func(t *testing.T) {
		session := new(MockLicenseSession)
		session.On("DeviceFingerprint", mock.Anything).Return("")

		rec := serve(newLicenseRouter(session), http.MethodGet, "/api/license/fingerprint", "")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestLicenseHandler_ClearCache(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		target     string
		result     domain.ClearResult
		wantStatus int
	}{
		{"delete", http.MethodDelete, "/api/license/cache", domain.ClearResult{Cleared: true}, http.StatusOK},
		{"post alias", http.MethodPost, "/api/license/clear-cache", domain.ClearResult{}, http.StatusOK},
		{"storage failure", http.MethodDelete, "/api/license/cache", domain.ClearResult{Error: "permission denied"}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := new(MockLicenseSession)
			session.On("ClearCache", mock.Anything).Return(tt.result).Once()

			rec := serve(newLicenseRouter(session), tt.method, tt.target, "")
			assert.Equal(t, tt.wantStatus, rec.Code)

			var got domain.ClearResult
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			assert.Equal(t, tt.result, got)
			session.AssertExpectations(t)
		})
	}
}
