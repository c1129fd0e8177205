package testutil

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"gymdesk/pkg/contracts/domain"
)

// Test license keys
const (
	ValidLicenseKey   = "GYM-TEST-1234-ABCD"
	RevokedLicenseKey = "GYM-REVK-0000-ZZZZ"
	TestGymName       = "Iron Temple"
	TestIssuer        = "gymdesk-license-server"
	TestAudience      = "gymdesk-desktop"
)

// SigningKey is a server-side key pair with its published bundle
type SigningKey struct {
	Private crypto.Signer
	Method  jwt.SigningMethod
	Bundle  domain.PublicKeyBundle
}

// NewRSASigningKey generates an RS256 key pair
func NewRSASigningKey(t testing.TB) *SigningKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return newSigningKey(t, priv, jwt.SigningMethodRS256)
}

// NewECSigningKey generates an ES256 key pair
func NewECSigningKey(t testing.TB) *SigningKey {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return newSigningKey(t, priv, jwt.SigningMethodES256)
}

// NewEdSigningKey generates an EdDSA key pair
func NewEdSigningKey(t testing.TB) *SigningKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return newSigningKey(t, priv, jwt.SigningMethodEdDSA)
}

func newSigningKey(t testing.TB, priv crypto.Signer, method jwt.SigningMethod) *SigningKey {
	der, err := x509.MarshalPKIXPublicKey(priv.Public())
	require.NoError(t, err)
	return &SigningKey{
		Private: priv,
		Method:  method,
		Bundle: domain.PublicKeyBundle{
			PublicKey: string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})),
			Algorithm: method.Alg(),
			Issuer:    TestIssuer,
			Audience:  TestAudience,
			KeyID:     hex.EncodeToString(sha256Sum(der)[:8]),
		},
	}
}

// BundlePtr returns a copy of the public bundle
func (k *SigningKey) BundlePtr() *domain.PublicKeyBundle {
	b := k.Bundle
	return &b
}

// ActivationClaims builds the claim set the license server issues
func ActivationClaims(licenseKey, fingerprint string, ttl time.Duration) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"typ":          "activation",
		"licenseKey":   licenseKey,
		"fingerprint":  fingerprint,
		"deviceStatus": domain.DeviceStatusApproved,
		"iss":          TestIssuer,
		"aud":          TestAudience,
		"iat":          now.Unix(),
		"exp":          now.Add(ttl).Unix(),
	}
}

// MintToken signs claims with the key
func (k *SigningKey) MintToken(t testing.TB, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(k.Method, claims)
	token.Header["kid"] = k.Bundle.KeyID
	signed, err := token.SignedString(k.Private)
	require.NoError(t, err)
	return signed
}

// SignPayload produces a detached standard-base64 signature over payload
func (k *SigningKey) SignPayload(t testing.TB, payload []byte) string {
	t.Helper()
	sig, err := k.Method.Sign(string(payload), k.Private)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(sig)
}

// WriteAppTree writes files under root and returns a sha256 manifest for them
func WriteAppTree(t testing.TB, root, appVersion string, files map[string]string) domain.IntegrityManifest {
	t.Helper()
	manifest := domain.IntegrityManifest{
		AppVersion:    appVersion,
		GeneratedAt:   time.Now().UTC().Format(time.RFC3339),
		HashAlgorithm: "sha256",
	}
	for rel, content := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
		manifest.Files = append(manifest.Files, domain.ManifestEntry{
			Path:   rel,
			SHA256: hex.EncodeToString(sha256Sum([]byte(content))),
		})
	}
	return manifest
}

// MarshalManifest encodes a manifest the way the server signs it
func MarshalManifest(t testing.TB, m domain.IntegrityManifest) []byte {
	t.Helper()
	data, err := json.Marshal(m)
	require.NoError(t, err)
	return data
}

func sha256Sum(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

// Failure describes an injected endpoint failure
type Failure struct {
	// Status forces an HTTP status with an empty body (e.g. 503)
	Status int
	// Code and Message produce a {success:false} rejection
	Code    string
	Message string
	// Drop closes the connection without answering
	Drop bool
}

// Endpoint names used for failure injection and call counting
const (
	EndpointPublicKey = "public-key"
	EndpointActivate  = "activate"
	EndpointValidate  = "validate"
	EndpointManifest  = "integrity-manifest"
)

type fakeLicense struct {
	info        domain.LicenseInfo
	fingerprint string
	revoked     bool
}

// FakeLicenseServer is an httptest license server with programmable
// responses. Base URL is Server.URL; endpoints live directly under it.
type FakeLicenseServer struct {
	Server *httptest.Server

	mu                    sync.Mutex
	t                     testing.TB
	key                   *SigningKey
	licenses              map[string]*fakeLicense
	failures              map[string]*Failure
	calls                 map[string]int
	manifestPayload       []byte
	manifestSignature     string
	manifestAsObject      bool
	tokenTTL              time.Duration
	ValidateIntervalHours float64
	OfflineGraceHours     float64
}

// NewFakeLicenseServer starts a server signing with an RS256 key and
// knowing ValidLicenseKey and RevokedLicenseKey.
func NewFakeLicenseServer(t testing.TB) *FakeLicenseServer {
	t.Helper()
	f := &FakeLicenseServer{
		t:                     t,
		key:                   NewRSASigningKey(t),
		licenses:              make(map[string]*fakeLicense),
		failures:              make(map[string]*Failure),
		calls:                 make(map[string]int),
		tokenTTL:              30 * 24 * time.Hour,
		ValidateIntervalHours: 24,
		OfflineGraceHours:     72,
	}
	f.AddLicense(ValidLicenseKey, domain.LicenseInfo{Type: "annual", GymName: TestGymName, OwnerName: "Test Owner", MaxDevices: 1})
	f.AddLicense(RevokedLicenseKey, domain.LicenseInfo{Type: "annual", GymName: TestGymName})
	f.licenses[RevokedLicenseKey].revoked = true

	mux := http.NewServeMux()
	mux.HandleFunc("/"+EndpointPublicKey, f.handlePublicKey)
	mux.HandleFunc("/"+EndpointActivate, f.handleActivate)
	mux.HandleFunc("/"+EndpointValidate, f.handleValidate)
	mux.HandleFunc("/"+EndpointManifest, f.handleManifest)
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

// URL returns the server base URL
func (f *FakeLicenseServer) URL() string { return f.Server.URL }

// Key returns the current signing key
func (f *FakeLicenseServer) Key() *SigningKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.key
}

// RotateKey replaces the signing key; later tokens and /public-key use it
func (f *FakeLicenseServer) RotateKey() *SigningKey {
	key := NewRSASigningKey(f.t)
	f.mu.Lock()
	f.key = key
	f.mu.Unlock()
	return key
}

// AddLicense registers a license key
func (f *FakeLicenseServer) AddLicense(key string, info domain.LicenseInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.licenses[key] = &fakeLicense{info: info}
}

// SetManifest publishes a signed manifest payload. asObject sends it as the
// "manifest" object instead of the "manifestPayload" string.
func (f *FakeLicenseServer) SetManifest(payload []byte, asObject bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manifestPayload = payload
	f.manifestSignature = f.key.SignPayload(f.t, payload)
	f.manifestAsObject = asObject
}

// SetRawManifest publishes payload with an arbitrary signature
func (f *FakeLicenseServer) SetRawManifest(payload []byte, signature string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manifestPayload = payload
	f.manifestSignature = signature
	f.manifestAsObject = false
}

// SetTokenTTL changes the lifetime of tokens minted from now on
func (f *FakeLicenseServer) SetTokenTTL(ttl time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenTTL = ttl
}

// SetLeaseHours changes the revalidation interval and offline grace sent
// with later tokens
func (f *FakeLicenseServer) SetLeaseHours(interval, grace float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ValidateIntervalHours = interval
	f.OfflineGraceHours = grace
}

// SetFailure injects a failure on endpoint until cleared with nil
func (f *FakeLicenseServer) SetFailure(endpoint string, failure *Failure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if failure == nil {
		delete(f.failures, endpoint)
		return
	}
	f.failures[endpoint] = failure
}

// SetOffline makes every endpoint drop connections (or restores them)
func (f *FakeLicenseServer) SetOffline(offline bool) {
	for _, ep := range []string{EndpointPublicKey, EndpointActivate, EndpointValidate, EndpointManifest} {
		if offline {
			f.SetFailure(ep, &Failure{Drop: true})
		} else {
			f.SetFailure(ep, nil)
		}
	}
}

// Calls returns how many times endpoint was hit
func (f *FakeLicenseServer) Calls(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[endpoint]
}

// BoundFingerprint returns the fingerprint a license key is bound to
func (f *FakeLicenseServer) BoundFingerprint(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.licenses[key]; ok {
		return l.fingerprint
	}
	return ""
}

// intercept records the call and applies an injected failure. It returns
// true when the request has been answered.
func (f *FakeLicenseServer) intercept(endpoint string, w http.ResponseWriter) bool {
	f.mu.Lock()
	f.calls[endpoint]++
	failure := f.failures[endpoint]
	f.mu.Unlock()

	if failure == nil {
		return false
	}
	switch {
	case failure.Drop:
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				_ = conn.Close()
				return true
			}
		}
		w.WriteHeader(http.StatusBadGateway)
	case failure.Status != 0:
		w.WriteHeader(failure.Status)
	default:
		writeJSON(w, map[string]any{"success": false, "code": failure.Code, "message": failure.Message})
	}
	return true
}

func (f *FakeLicenseServer) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	if f.intercept(EndpointPublicKey, w) {
		return
	}
	writeJSON(w, f.Key().Bundle)
}

func (f *FakeLicenseServer) handleActivate(w http.ResponseWriter, r *http.Request) {
	if f.intercept(EndpointActivate, w) {
		return
	}
	var req domain.ActivateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	lic, ok := f.licenses[req.LicenseKey]
	switch {
	case !ok:
		f.mu.Unlock()
		writeJSON(w, map[string]any{"success": false, "code": "LICENSE_NOT_FOUND", "message": "Unknown license key"})
		return
	case lic.revoked:
		f.mu.Unlock()
		writeJSON(w, map[string]any{"success": false, "code": "LICENSE_REVOKED", "message": "License has been revoked"})
		return
	}
	lic.fingerprint = req.DeviceFingerprint
	if req.GymName != "" {
		lic.info.GymName = req.GymName
	}
	info := lic.info
	f.mu.Unlock()

	f.writeLicense(w, req.LicenseKey, req.DeviceFingerprint, info)
}

func (f *FakeLicenseServer) handleValidate(w http.ResponseWriter, r *http.Request) {
	if f.intercept(EndpointValidate, w) {
		return
	}
	var req domain.ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	lic, ok := f.licenses[req.LicenseKey]
	if !ok || lic.revoked {
		f.mu.Unlock()
		writeJSON(w, map[string]any{"success": false, "code": "LICENSE_REVOKED", "message": "License is no longer valid"})
		return
	}
	if lic.fingerprint != req.DeviceFingerprint {
		f.mu.Unlock()
		writeJSON(w, map[string]any{"success": false, "code": "DEVICE_NOT_REGISTERED", "message": "Device is not registered"})
		return
	}
	info := lic.info
	f.mu.Unlock()

	f.writeLicense(w, req.LicenseKey, req.DeviceFingerprint, info)
}

func (f *FakeLicenseServer) writeLicense(w http.ResponseWriter, key, fingerprint string, info domain.LicenseInfo) {
	f.mu.Lock()
	signer, ttl := f.key, f.tokenTTL
	interval, grace := f.ValidateIntervalHours, f.OfflineGraceHours
	f.mu.Unlock()

	writeJSON(w, domain.LicenseResponse{
		Success:               true,
		License:               &info,
		ActivationToken:       signer.MintToken(f.t, ActivationClaims(key, fingerprint, ttl)),
		ValidateIntervalHours: interval,
		OfflineGraceHours:     grace,
	})
}

func (f *FakeLicenseServer) handleManifest(w http.ResponseWriter, r *http.Request) {
	if f.intercept(EndpointManifest, w) {
		return
	}
	f.mu.Lock()
	payload, sig, asObject := f.manifestPayload, f.manifestSignature, f.manifestAsObject
	f.mu.Unlock()

	if payload == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	body := map[string]any{"success": true, "signature": sig, "buildId": r.URL.Query().Get("buildId")}
	if asObject {
		body["manifest"] = json.RawMessage(payload)
	} else {
		body["manifestPayload"] = string(payload)
	}
	writeJSON(w, body)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
