package security

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	licenseErrors "gymdesk/internal/errors"
	"gymdesk/internal/shared/testutil"
	"gymdesk/pkg/contracts/domain"
)

const testFingerprint = "3f1c9a6b2d4e8f0a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f607182"

func TestTokenVerifier_Verify(t *testing.T) {
	key := testutil.NewRSASigningKey(t)
	other := testutil.NewRSASigningKey(t)
	verifier := &TokenVerifier{}

	withClaim := func(name string, value any) jwt.MapClaims {
		c := testutil.ActivationClaims(testutil.ValidLicenseKey, testFingerprint, time.Hour)
		if value == nil {
			delete(c, name)
		} else {
			c[name] = value
		}
		return c
	}

	tests := []struct {
		name        string
		token       string
		bundle      *domain.PublicKeyBundle
		fingerprint string
		licenseKey  string
		wantValid   bool
		wantCode    licenseErrors.Code
	}{
		{
			name:        "valid token",
			token:       key.MintToken(t, withClaim("typ", "activation")),
			bundle:      key.BundlePtr(),
			fingerprint: testFingerprint,
			licenseKey:  testutil.ValidLicenseKey,
			wantValid:   true,
		},
		{
			name:        "license key not checked when not expected",
			token:       key.MintToken(t, withClaim("licenseKey", "SOMETHING-ELSE")),
			bundle:      key.BundlePtr(),
			fingerprint: testFingerprint,
			wantValid:   true,
		},
		{
			name:        "missing device status is accepted",
			token:       key.MintToken(t, withClaim("deviceStatus", nil)),
			bundle:      key.BundlePtr(),
			fingerprint: testFingerprint,
			wantValid:   true,
		},
		{
			name:        "empty token",
			token:       "  ",
			bundle:      key.BundlePtr(),
			fingerprint: testFingerprint,
			wantCode:    licenseErrors.CodeMissingToken,
		},
		{
			name:        "nil bundle",
			token:       key.MintToken(t, withClaim("typ", "activation")),
			fingerprint: testFingerprint,
			wantCode:    licenseErrors.CodeMissingPublicKey,
		},
		{
			name:        "garbage public key",
			token:       key.MintToken(t, withClaim("typ", "activation")),
			bundle:      &domain.PublicKeyBundle{PublicKey: "not a key!", Algorithm: "RS256"},
			fingerprint: testFingerprint,
			wantCode:    licenseErrors.CodeInvalidPublicKey,
		},
		{
			name:        "hmac algorithm rejected",
			token:       key.MintToken(t, withClaim("typ", "activation")),
			bundle:      &domain.PublicKeyBundle{PublicKey: key.Bundle.PublicKey, Algorithm: "HS256"},
			fingerprint: testFingerprint,
			wantCode:    licenseErrors.CodeInvalidPublicKey,
		},
		{
			name:        "signed by another key",
			token:       other.MintToken(t, withClaim("typ", "activation")),
			bundle:      key.BundlePtr(),
			fingerprint: testFingerprint,
			wantCode:    licenseErrors.CodeInvalidTokenSignature,
		},
		{
			name:        "wrong issuer",
			token:       key.MintToken(t, withClaim("iss", "someone-else")),
			bundle:      key.BundlePtr(),
			fingerprint: testFingerprint,
			wantCode:    licenseErrors.CodeInvalidTokenSignature,
		},
		{
			name:        "wrong audience",
			token:       key.MintToken(t, withClaim("aud", "another-app")),
			bundle:      key.BundlePtr(),
			fingerprint: testFingerprint,
			wantCode:    licenseErrors.CodeInvalidTokenSignature,
		},
		{
			name:        "expired",
			token:       key.MintToken(t, withClaim("exp", time.Now().Add(-2*time.Hour).Unix())),
			bundle:      key.BundlePtr(),
			fingerprint: testFingerprint,
			wantCode:    licenseErrors.CodeTokenExpired,
		},
		{
			name:        "expiry within leeway",
			token:       key.MintToken(t, withClaim("exp", time.Now().Add(-30*time.Second).Unix())),
			bundle:      key.BundlePtr(),
			fingerprint: testFingerprint,
			wantValid:   true,
		},
		{
			name:        "wrong type",
			token:       key.MintToken(t, withClaim("typ", "refresh")),
			bundle:      key.BundlePtr(),
			fingerprint: testFingerprint,
			wantCode:    licenseErrors.CodeInvalidTokenType,
		},
		{
			name:        "fingerprint mismatch",
			token:       key.MintToken(t, withClaim("typ", "activation")),
			bundle:      key.BundlePtr(),
			fingerprint: strings.Repeat("0", 64),
			wantCode:    licenseErrors.CodeDeviceFingerprintMismatch,
		},
		{
			name:        "license key mismatch",
			token:       key.MintToken(t, withClaim("licenseKey", "GYM-OTHER-KEY-0001")),
			bundle:      key.BundlePtr(),
			fingerprint: testFingerprint,
			licenseKey:  testutil.ValidLicenseKey,
			wantCode:    licenseErrors.CodeLicenseKeyMismatch,
		},
		{
			name:        "device pending",
			token:       key.MintToken(t, withClaim("deviceStatus", domain.DeviceStatusPending)),
			bundle:      key.BundlePtr(),
			fingerprint: testFingerprint,
			wantCode:    licenseErrors.CodeDeviceNotApproved,
		},
		{
			name:        "device revoked",
			token:       key.MintToken(t, withClaim("deviceStatus", domain.DeviceStatusRevoked)),
			bundle:      key.BundlePtr(),
			fingerprint: testFingerprint,
			wantCode:    licenseErrors.CodeDeviceNotApproved,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := verifier.Verify(tt.token, tt.bundle, tt.fingerprint, tt.licenseKey)
			assert.Equal(t, tt.wantValid, result.Valid, result.Message)
			assert.Equal(t, tt.wantCode, result.Code)
			if tt.wantValid {
				require.NotNil(t, result.Payload)
				assert.Equal(t, testFingerprint, result.Payload.Fingerprint)
			} else {
				assert.Nil(t, result.Payload)
				assert.NotEmpty(t, result.Message)
			}
		})
	}
}

func TestTokenVerifier_FingerprintCheckedBeforeLicenseKey(t *testing.T) {
	key := testutil.NewRSASigningKey(t)
	token := key.MintToken(t, testutil.ActivationClaims("GYM-OTHER-KEY-0001", testFingerprint, time.Hour))

	result := (&TokenVerifier{}).Verify(token, key.BundlePtr(), strings.Repeat("a", 64), testutil.ValidLicenseKey)

	assert.False(t, result.Valid)
	assert.Equal(t, licenseErrors.CodeDeviceFingerprintMismatch, result.Code)
}

func TestTokenVerifier_Algorithms(t *testing.T) {
	keys := map[string]*testutil.SigningKey{
		"RS256": testutil.NewRSASigningKey(t),
		"ES256": testutil.NewECSigningKey(t),
		"EdDSA": testutil.NewEdSigningKey(t),
	}

	for alg, key := range keys {
		t.Run(alg, func(t *testing.T) {
			token := key.MintToken(t, testutil.ActivationClaims(testutil.ValidLicenseKey, testFingerprint, time.Hour))
			result := (&TokenVerifier{}).Verify(token, key.BundlePtr(), testFingerprint, testutil.ValidLicenseKey)
			assert.True(t, result.Valid, result.Message)
		})
	}
}

func TestTokenVerifier_AlgorithmConfusion(t *testing.T) {
	rsaKey := testutil.NewRSASigningKey(t)
	ecKey := testutil.NewECSigningKey(t)
	token := ecKey.MintToken(t, testutil.ActivationClaims(testutil.ValidLicenseKey, testFingerprint, time.Hour))

	// RS256 bundle must not accept an ES256 token
	result := (&TokenVerifier{}).Verify(token, rsaKey.BundlePtr(), testFingerprint, "")
	assert.Equal(t, licenseErrors.CodeInvalidTokenSignature, result.Code)
}

func TestTokenVerifier_DefaultsToRS256(t *testing.T) {
	key := testutil.NewRSASigningKey(t)
	bundle := key.BundlePtr()
	bundle.Algorithm = ""
	token := key.MintToken(t, testutil.ActivationClaims(testutil.ValidLicenseKey, testFingerprint, time.Hour))

	result := (&TokenVerifier{}).Verify(token, bundle, testFingerprint, "")
	assert.True(t, result.Valid, result.Message)
}

func TestTokenVerifier_InjectedClock(t *testing.T) {
	key := testutil.NewRSASigningKey(t)
	token := key.MintToken(t, testutil.ActivationClaims(testutil.ValidLicenseKey, testFingerprint, time.Hour))

	verifier := &TokenVerifier{Now: func() time.Time { return time.Now().Add(3 * time.Hour) }}
	result := verifier.Verify(token, key.BundlePtr(), testFingerprint, "")

	assert.Equal(t, licenseErrors.CodeTokenExpired, result.Code)
}

func TestParsePublicKey_Encodings(t *testing.T) {
	key := testutil.NewRSASigningKey(t)
	block, _ := pem.Decode([]byte(key.Bundle.PublicKey))
	require.NotNil(t, block)

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	require.NoError(t, err)

	tests := []struct {
		name string
		raw  string
	}{
		{"pkix pem", key.Bundle.PublicKey},
		{"escaped newlines", strings.ReplaceAll(key.Bundle.PublicKey, "\n", `\n`)},
		{"bare base64 der", base64.StdEncoding.EncodeToString(block.Bytes)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := parsePublicKey(tt.raw, "RS256")
			require.NoError(t, err)
			assert.Equal(t, pub, parsed)
		})
	}

	_, err = parsePublicKey(key.Bundle.PublicKey, "none")
	assert.Error(t, err)
}

func TestVerifySignature(t *testing.T) {
	key := testutil.NewRSASigningKey(t)
	payload := []byte(`{"appVersion":"2.4.0","files":[{"path":"app.exe","sha256":"00"}]}`)
	sig := key.SignPayload(t, payload)
	raw, err := base64.StdEncoding.DecodeString(sig)
	require.NoError(t, err)

	t.Run("standard base64", func(t *testing.T) {
		assert.NoError(t, VerifySignature(payload, sig, key.BundlePtr()))
	})

	t.Run("raw url base64", func(t *testing.T) {
		assert.NoError(t, VerifySignature(payload, base64.RawURLEncoding.EncodeToString(raw), key.BundlePtr()))
	})

	t.Run("tampered payload", func(t *testing.T) {
		tampered := append([]byte{}, payload...)
		tampered[len(tampered)-3] = '1'
		err := VerifySignature(tampered, sig, key.BundlePtr())
		assert.Equal(t, licenseErrors.CodeInvalidTokenSignature, licenseErrors.CodeOf(err))
	})

	t.Run("missing key", func(t *testing.T) {
		err := VerifySignature(payload, sig, nil)
		assert.Equal(t, licenseErrors.CodeMissingPublicKey, licenseErrors.CodeOf(err))
	})

	t.Run("empty signature", func(t *testing.T) {
		err := VerifySignature(payload, "", key.BundlePtr())
		assert.Equal(t, licenseErrors.CodeInvalidTokenSignature, licenseErrors.CodeOf(err))
	})

	t.Run("ecdsa", func(t *testing.T) {
		ec := testutil.NewECSigningKey(t)
		assert.NoError(t, VerifySignature(payload, ec.SignPayload(t, payload), ec.BundlePtr()))
	})
}
