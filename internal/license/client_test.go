package license

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	licenseErrors "gymdesk/internal/errors"
	"gymdesk/internal/infrastructure"
	"gymdesk/internal/security"
	"gymdesk/pkg/contracts/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPServerClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewHTTPServerClient(ClientConfig{BaseURL: server.URL + "/", Timeout: time.Second}, nil, nil)
	require.NoError(t, err)
	return client
}

func TestNewHTTPServerClient_InvalidURL(t *testing.T) {
	for _, raw := range []string{"", "not a url", "/relative/path"} {
		_, err := NewHTTPServerClient(ClientConfig{BaseURL: raw}, nil, nil)
		assert.Error(t, err, raw)
	}
}

func TestHTTPServerClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantRejection bool
		wantCode      string
		wantMessage   string
	}{
		{name: "server error", status: 503, wantRejection: false},
		{name: "throttled", status: 429, body: `{"success":false,"code":"SLOW_DOWN"}`, wantRejection: false},
		{name: "garbage body", status: 200, body: `<html>`, wantRejection: false},
		{name: "explicit refusal", status: 200, body: `{"success":false,"code":"LICENSE_REVOKED","message":"revoked"}`,
			wantRejection: true, wantCode: "LICENSE_REVOKED", wantMessage: "revoked"},
		{name: "client error with envelope", status: 403, body: `{"success":false,"code":"DEVICE_LIMIT","message":"too many devices"}`,
			wantRejection: true, wantCode: "DEVICE_LIMIT", wantMessage: "too many devices"},
		{name: "client error without body", status: 404,
			wantRejection: true, wantMessage: "Not Found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := client.Validate(context.Background(), domain.ValidateRequest{LicenseKey: "GYM-TEST-1234-ABCD"})
			require.Error(t, err)

			var rejection *ServerRejection
			if !tt.wantRejection {
				assert.False(t, errors.As(err, &rejection))
				assert.ErrorIs(t, err, licenseErrors.ErrServerUnreachable)
				assert.Equal(t, licenseErrors.CodeNetworkError, licenseErrors.CodeOf(err))
				return
			}
			require.True(t, errors.As(err, &rejection))
			assert.Equal(t, tt.wantCode, rejection.Code)
			assert.Equal(t, tt.wantMessage, rejection.Message)
		})
	}
}

func TestHTTPServerClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)
	client.timeout = 50 * time.Millisecond

	_, err := client.FetchPublicKey(context.Background())
	assert.ErrorIs(t, err, licenseErrors.ErrServerUnreachable)
}

func TestHTTPServerClient_Requests(t *testing.T) {
	var (
		mu     sync.Mutex
		seen   []*http.Request
		bodies []map[string]any
	)

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}
		mu.Lock()
		seen = append(seen, r.Clone(context.Background()))
		bodies = append(bodies, body)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/public-key":
			_, _ = w.Write([]byte(`{"publicKey":"pem","algorithm":"ES256","keyId":"k2"}`))
		case "/integrity-manifest":
			_, _ = w.Write([]byte(`{"success":true,"manifest":{"appVersion":"2.4.0","files":[]},"signature":"c2ln"}`))
		default:
			_, _ = w.Write([]byte(`{"success":true,"activationToken":"tok","validateIntervalHours":12}`))
		}
	})

	ctx := infrastructure.ContextWithTraceID(context.Background())

	bundle, err := client.FetchPublicKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ES256", bundle.Algorithm)
	assert.Equal(t, "k2", bundle.KeyID)

	resp, err := client.Activate(ctx, domain.ActivateRequest{LicenseKey: "GYM-TEST-1234-ABCD", DeviceFingerprint: deviceA, GymName: "Iron Temple"})
	require.NoError(t, err)
	assert.Equal(t, "tok", resp.ActivationToken)
	assert.Equal(t, float64(12), resp.ValidateIntervalHours)

	manifest, err := client.FetchIntegrityManifest(ctx, "2.4.0", "b-17")
	require.NoError(t, err)
	assert.JSONEq(t, `{"appVersion":"2.4.0","files":[]}`, string(manifest.RawManifest))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	assert.Equal(t, http.MethodGet, seen[0].Method)
	assert.Equal(t, http.MethodPost, seen[1].Method)
	assert.Equal(t, "application/json", seen[1].Header.Get("Content-Type"))
	assert.Equal(t, deviceA, bodies[1]["deviceFingerprint"])
	assert.Equal(t, "2.4.0", seen[2].URL.Query().Get("version"))
	assert.Equal(t, "b-17", seen[2].URL.Query().Get("buildId"))

	for _, r := range seen {
		assert.True(t, strings.HasPrefix(r.Header.Get("User-Agent"), "gymdesk/"))
		assert.Equal(t, infrastructure.GetTraceID(ctx), r.Header.Get("X-Request-ID"))
	}
}

func TestHTTPServerClient_Pinning(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"publicKey":"pem"}`))
	}))
	t.Cleanup(server.Close)

	pool := x509.NewCertPool()
	pool.AddCert(server.Certificate())

	tests := []struct {
		name    string
		pins    []string
		wantErr bool
	}{
		{"matching pin", []string{security.CalculateSPKIHash(server.Certificate())}, false},
		{"mismatched pin", []string{strings.Repeat("0", 64)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewHTTPServerClient(ClientConfig{BaseURL: server.URL, PinnedSPKI: tt.pins, RootCAs: pool}, nil, nil)
			require.NoError(t, err)

			_, err = client.FetchPublicKey(context.Background())
			if tt.wantErr {
				assert.ErrorIs(t, err, licenseErrors.ErrServerUnreachable)
				return
			}
			assert.NoError(t, err)
		})
	}
}
