package license

import (
	"time"

	"gymdesk/pkg/contracts/domain"
)

// CachedLicenseRecord is the plaintext of the encrypted cache file. It is the
// device's proof of activation between server contacts.
type CachedLicenseRecord struct {
	LicenseKey            string                    `json:"licenseKey"`
	DeviceFingerprint     string                    `json:"deviceFingerprint"`
	AppVersion            string                    `json:"appVersion"`
	License               *domain.LicenseInfo       `json:"license,omitempty"`
	ActivationToken       string                    `json:"activationToken"`
	PublicKeyBundle       *domain.PublicKeyBundle   `json:"publicKeyBundle,omitempty"`
	LastValidated         time.Time                 `json:"lastValidated"`
	ValidateIntervalHours float64                   `json:"validateIntervalHours"`
	OfflineGraceHours     float64                   `json:"offlineGraceHours"`
	Integrity             *domain.IntegritySnapshot `json:"integrity,omitempty"`
	CachedAt              time.Time                 `json:"cachedAt"`

	// DevBypass marks a record written by the developer bypass path. Such a
	// record carries no token and is honoured only where bypass is allowed.
	DevBypass bool `json:"devBypass,omitempty"`
}

// validateInterval returns the server-provided revalidation interval, or def
func (r *CachedLicenseRecord) validateInterval(def float64) time.Duration {
	return hoursOr(r.ValidateIntervalHours, def)
}

// offlineGrace returns the server-provided offline grace window, or def
func (r *CachedLicenseRecord) offlineGrace(def float64) time.Duration {
	return hoursOr(r.OfflineGraceHours, def)
}

// lastTrusted is the newest timestamp the device has recorded. The wall
// clock must never run behind it.
func (r *CachedLicenseRecord) lastTrusted() time.Time {
	if r.LastValidated.After(r.CachedAt) {
		return r.LastValidated
	}
	return r.CachedAt
}

func hoursOr(hours, def float64) time.Duration {
	if hours <= 0 {
		hours = def
	}
	return time.Duration(hours * float64(time.Hour))
}
