// Package domain contains the license contracts shared by the session, the
// local API and the desktop shell. These types are the single source of truth
// for every shape that crosses a process or package boundary.
package domain

import (
	"encoding/json"
	"time"
)

// ValidationMode tells the caller how a validation outcome was reached
type ValidationMode string

const (
	ModeOnline     ValidationMode = "online"
	ModeOffline    ValidationMode = "offline"
	ModeCached     ValidationMode = "cached"
	ModeDevBypass  ValidationMode = "dev_bypass"
	ModeDevWarning ValidationMode = "dev_warning"
)

// SessionState is the display-friendly state returned by Status
type SessionState string

const (
	StateNotActivated SessionState = "not_activated"
	StateActive       SessionState = "active"
	StateInvalid      SessionState = "invalid"
	StateError        SessionState = "error"
)

// Device status values carried in activation tokens
const (
	DeviceStatusApproved = "approved"
	DeviceStatusPending  = "pending"
	DeviceStatusRevoked  = "revoked"
)

// LicenseInfo is the server-issued license descriptor. Unknown fields sent by
// the server are ignored; missing ones stay zero.
type LicenseInfo struct {
	Type       string     `json:"type,omitempty"`
	GymName    string     `json:"gymName,omitempty"`
	OwnerName  string     `json:"ownerName,omitempty"`
	MaxDevices int        `json:"maxDevices,omitempty"`
	Features   []string   `json:"features,omitempty"`
	IssuedAt   *time.Time `json:"issuedAt,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether the descriptor carries an expiry before now
func (l *LicenseInfo) Expired(now time.Time) bool {
	return l != nil && l.ExpiresAt != nil && now.After(*l.ExpiresAt)
}

// ValidationOutcome is the only shape validate() ever returns
type ValidationOutcome struct {
	Valid            bool           `json:"valid"`
	Code             string         `json:"code"`
	Message          string         `json:"message"`
	License          *LicenseInfo   `json:"license,omitempty"`
	Mode             ValidationMode `json:"mode,omitempty"`
	GraceRemaining   *Duration      `json:"graceRemaining,omitempty"`
	NextValidationAt *time.Time     `json:"nextValidationAt,omitempty"`
	IntegrityWarning string         `json:"integrityWarning,omitempty"`
	CheckedAt        time.Time      `json:"checkedAt"`
}

// ValidateOptions tunes a single validate() call
type ValidateOptions struct {
	ForceOnline bool `json:"forceOnline"`
}

// ActivationResult is the structured result of activate()
type ActivationResult struct {
	Success bool           `json:"success"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	License *LicenseInfo   `json:"license,omitempty"`
	Mode    ValidationMode `json:"mode,omitempty"`
}

// LicenseStatus is the display-friendly reshape of a forced validation
type LicenseStatus struct {
	State             SessionState       `json:"state"`
	Code              string             `json:"code"`
	Message           string             `json:"message"`
	License           *LicenseInfo       `json:"license,omitempty"`
	Mode              ValidationMode     `json:"mode,omitempty"`
	GraceRemaining    *Duration          `json:"graceRemaining,omitempty"`
	NextValidationAt  *time.Time         `json:"nextValidationAt,omitempty"`
	DeviceFingerprint string             `json:"deviceFingerprint,omitempty"`
	Outcome           *ValidationOutcome `json:"outcome,omitempty"`
}

// ClearResult reports whether clearCache() removed anything
type ClearResult struct {
	Cleared bool   `json:"cleared"`
	Error   string `json:"error,omitempty"`
}

// PublicKeyBundle is the server's signing key description
type PublicKeyBundle struct {
	PublicKey string `json:"publicKey"`
	Algorithm string `json:"algorithm,omitempty"`
	Issuer    string `json:"issuer,omitempty"`
	Audience  string `json:"audience,omitempty"`
	KeyID     string `json:"keyId,omitempty"`
}

// IsZero reports whether the bundle carries no key material
func (b *PublicKeyBundle) IsZero() bool {
	return b == nil || b.PublicKey == ""
}

// IntegrityManifest is the signed list of expected file hashes
type IntegrityManifest struct {
	AppVersion    string             `json:"appVersion"`
	GeneratedAt   string             `json:"generatedAt,omitempty"`
	HashAlgorithm string             `json:"hashAlgorithm,omitempty"`
	Files         []ManifestEntry    `json:"files,omitempty"`
	Artifacts     []ManifestArtifact `json:"artifacts,omitempty"`
}

// ManifestEntry is one expected file, relative to the application root
type ManifestEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// ManifestArtifact groups entries under a base path inside the root
type ManifestArtifact struct {
	Name     string          `json:"name,omitempty"`
	BasePath string          `json:"basePath"`
	Files    []ManifestEntry `json:"files"`
}

// IntegritySnapshot is the last-known-good manifest kept in the cache
type IntegritySnapshot struct {
	ManifestPayload string    `json:"manifestPayload"`
	Signature       string    `json:"signature"`
	BuildID         string    `json:"buildId,omitempty"`
	CheckedAt       time.Time `json:"checkedAt"`
}

// Server request and response schemas

// PublicKeyResponse is returned by GET /public-key
type PublicKeyResponse struct {
	PublicKeyBundle
	Success *bool  `json:"success,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ActivateRequest is posted to /activate
type ActivateRequest struct {
	LicenseKey        string `json:"licenseKey"`
	DeviceFingerprint string `json:"deviceFingerprint"`
	GymName           string `json:"gymName"`
	AppVersion        string `json:"appVersion"`
	DeviceName        string `json:"deviceName"`
	Platform          string `json:"platform"`
}

// ValidateRequest is posted to /validate
type ValidateRequest struct {
	LicenseKey        string `json:"licenseKey"`
	DeviceFingerprint string `json:"deviceFingerprint"`
	AppVersion        string `json:"appVersion"`
	DeviceName        string `json:"deviceName"`
	Platform          string `json:"platform"`
}

// LicenseResponse is the body of /activate and /validate
type LicenseResponse struct {
	Success               bool         `json:"success"`
	Code                  string       `json:"code,omitempty"`
	Message               string       `json:"message,omitempty"`
	License               *LicenseInfo `json:"license,omitempty"`
	ActivationToken       string       `json:"activationToken,omitempty"`
	ValidateIntervalHours float64      `json:"validateIntervalHours,omitempty"`
	OfflineGraceHours     float64      `json:"offlineGraceHours,omitempty"`
}

// IntegrityManifestResponse is returned by GET /integrity-manifest
type IntegrityManifestResponse struct {
	Success         bool               `json:"success"`
	Code            string             `json:"code,omitempty"`
	Message         string             `json:"message,omitempty"`
	Manifest        *IntegrityManifest `json:"manifest,omitempty"`
	ManifestPayload string             `json:"manifestPayload,omitempty"`
	Signature       string             `json:"signature"`
	BuildID         string             `json:"buildId,omitempty"`

	// RawManifest holds the manifest object bytes exactly as received
	RawManifest []byte `json:"-"`
}

// UnmarshalJSON keeps the manifest bytes verbatim so a signature over the
// embedded object can be checked against exactly what the server sent.
func (r *IntegrityManifestResponse) UnmarshalJSON(data []byte) error {
	type alias IntegrityManifestResponse
	aux := struct {
		*alias
		Manifest json.RawMessage `json:"manifest,omitempty"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.Manifest = nil
	r.RawManifest = nil
	if len(aux.Manifest) == 0 || string(aux.Manifest) == "null" {
		return nil
	}
	var m IntegrityManifest
	if err := json.Unmarshal(aux.Manifest, &m); err != nil {
		return err
	}
	r.Manifest = &m
	r.RawManifest = []byte(aux.Manifest)
	return nil
}
