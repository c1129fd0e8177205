package security

import (
	"crypto"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	licenseErrors "gymdesk/internal/errors"
	"gymdesk/pkg/contracts/domain"
)

const (
	// ActivationTokenType is the typ claim every activation token must carry
	ActivationTokenType = "activation"

	// DefaultTokenAlgorithm is used when the key bundle names none
	DefaultTokenAlgorithm = "RS256"

	tokenLeeway = 60 * time.Second
)

var supportedAlgorithms = map[string]struct{}{
	"RS256": {}, "RS384": {}, "RS512": {},
	"PS256": {}, "PS384": {}, "PS512": {},
	"ES256": {}, "ES384": {}, "ES512": {},
	"EdDSA": {},
}

// ActivationClaims is the payload of a server-issued activation token
type ActivationClaims struct {
	Type         string `json:"typ"`
	LicenseKey   string `json:"licenseKey"`
	Fingerprint  string `json:"fingerprint"`
	DeviceStatus string `json:"deviceStatus,omitempty"`
	jwt.RegisteredClaims
}

// TokenResult is the structured result of a token verification
type TokenResult struct {
	Valid   bool
	Code    licenseErrors.Code
	Message string
	Payload *ActivationClaims
}

func tokenFailure(code licenseErrors.Code, message string) TokenResult {
	return TokenResult{Code: code, Message: message}
}

// TokenVerifier checks activation tokens against the server public key.
// The zero value is ready to use.
type TokenVerifier struct {
	// Now overrides the clock used for exp/nbf checks
	Now func() time.Time
	// Leeway tolerated on time-based claims; defaults to 60s
	Leeway time.Duration
}

func (v *TokenVerifier) now() time.Time {
	if v != nil && v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func (v *TokenVerifier) leeway() time.Duration {
	if v != nil && v.Leeway > 0 {
		return v.Leeway
	}
	return tokenLeeway
}

// Verify checks the token signature and its binding to this device. The
// expected license key is only compared when non-empty. Verification never
// panics and never returns an error: every failure is a coded result.
func (v *TokenVerifier) Verify(token string, bundle *domain.PublicKeyBundle, expectedFingerprint, expectedLicenseKey string) TokenResult {
	if strings.TrimSpace(token) == "" {
		return tokenFailure(licenseErrors.CodeMissingToken, "Activation token is missing")
	}
	if bundle.IsZero() {
		return tokenFailure(licenseErrors.CodeMissingPublicKey, "License server public key is missing")
	}

	alg := algorithmOf(bundle)
	key, err := parsePublicKey(bundle.PublicKey, alg)
	if err != nil {
		return tokenFailure(licenseErrors.CodeInvalidPublicKey, "License server public key could not be parsed")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{alg}),
		jwt.WithLeeway(v.leeway()),
		jwt.WithTimeFunc(v.now),
	}
	if bundle.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(bundle.Issuer))
	}
	if bundle.Audience != "" {
		opts = append(opts, jwt.WithAudience(bundle.Audience))
	}

	claims := &ActivationClaims{}
	_, err = jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != alg {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return key, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return tokenFailure(licenseErrors.CodeTokenExpired, "Activation token has expired")
		}
		return tokenFailure(licenseErrors.CodeInvalidTokenSignature, "Activation token signature is invalid")
	}

	if claims.Type != ActivationTokenType {
		return tokenFailure(licenseErrors.CodeInvalidTokenType, "Token is not an activation token")
	}
	if claims.Fingerprint == "" || claims.Fingerprint != expectedFingerprint {
		return tokenFailure(licenseErrors.CodeDeviceFingerprintMismatch, "License is bound to a different device")
	}
	if expectedLicenseKey != "" && claims.LicenseKey != expectedLicenseKey {
		return tokenFailure(licenseErrors.CodeLicenseKeyMismatch, "Token was issued for a different license key")
	}
	if claims.DeviceStatus != "" && claims.DeviceStatus != domain.DeviceStatusApproved {
		return tokenFailure(licenseErrors.CodeDeviceNotApproved,
			fmt.Sprintf("Device is %s for this license", claims.DeviceStatus))
	}

	return TokenResult{Valid: true, Payload: claims}
}

// VerifySignature checks a detached signature over payload with the bundle's
// key and algorithm. ECDSA signatures use the JWS r||s encoding. The signature
// may be standard or URL-safe base64, padded or not.
func VerifySignature(payload []byte, signature string, bundle *domain.PublicKeyBundle) error {
	if bundle.IsZero() {
		return licenseErrors.NewLicenseError(licenseErrors.CodeMissingPublicKey, "public key is missing", nil)
	}
	alg := algorithmOf(bundle)
	key, err := parsePublicKey(bundle.PublicKey, alg)
	if err != nil {
		return licenseErrors.NewLicenseError(licenseErrors.CodeInvalidPublicKey, "public key could not be parsed", err)
	}
	sig, err := decodeSignature(signature)
	if err != nil {
		return licenseErrors.NewLicenseError(licenseErrors.CodeInvalidTokenSignature, "signature is not base64", err)
	}
	if err := jwt.GetSigningMethod(alg).Verify(string(payload), sig, key); err != nil {
		return licenseErrors.NewLicenseError(licenseErrors.CodeInvalidTokenSignature, "signature does not match", err)
	}
	return nil
}

func algorithmOf(bundle *domain.PublicKeyBundle) string {
	alg := strings.TrimSpace(bundle.Algorithm)
	if alg == "" {
		return DefaultTokenAlgorithm
	}
	if strings.EqualFold(alg, "eddsa") || strings.EqualFold(alg, "ed25519") {
		return "EdDSA"
	}
	return strings.ToUpper(alg)
}

// parsePublicKey accepts PEM (PKIX, PKCS#1 or certificate) or bare base64 DER
func parsePublicKey(raw, alg string) (crypto.PublicKey, error) {
	if _, ok := supportedAlgorithms[alg]; !ok {
		return nil, fmt.Errorf("unsupported algorithm %q", alg)
	}
	data := []byte(strings.TrimSpace(strings.ReplaceAll(raw, `\n`, "\n")))
	if block, _ := pem.Decode(data); block == nil {
		der, err := base64.StdEncoding.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("public key is neither PEM nor base64 DER: %w", err)
		}
		data = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	}

	switch alg[:2] {
	case "RS", "PS":
		return jwt.ParseRSAPublicKeyFromPEM(data)
	case "ES":
		return jwt.ParseECPublicKeyFromPEM(data)
	default:
		return jwt.ParseEdPublicKeyFromPEM(data)
	}
}

func decodeSignature(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty signature")
	}
	if strings.ContainsAny(s, "-_") {
		return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	}
	if sig, err := base64.StdEncoding.DecodeString(s); err == nil {
		return sig, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}
