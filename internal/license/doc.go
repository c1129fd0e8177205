// Package license enforces the gym application's license on this device.
//
// # Architecture Overview
//
// A Session owns all license state for one installation:
//
//	- Store: the AES-256-GCM encrypted cache file, keyed by the device fingerprint
//	- ServerClient: the HTTPS client for the license server (optionally SPKI pinned)
//	- TokenVerifier: checks activation tokens against the server's public key
//	- IntegrityVerifier: hashes the installed files against a signed manifest
//	- ActivationGuard: throttles activation attempts
//	- OutcomeCache: remembers the last outcome briefly for the request gate
//
// # Activation
//
//	result := session.Activate(ctx, "GYM-ABCD-1234-EFGH", "Iron Temple")
//	if !result.Success {
//		// result.Code explains why, e.g. LICENSE_REVOKED or NETWORK_ERROR
//	}
//
// Activation always fetches the server's current public key, verifies the
// returned token is bound to this device and key, attests the installed
// files and only then writes the cache. Nothing is written on failure.
//
// # Validation
//
// Validate trusts the cache between revalidations. When a revalidation is
// due it contacts the server; if the server cannot be reached the license
// stays valid in offline mode until the grace window since the last
// successful contact runs out. Definitive rejections are never graced.
//
// A system clock that moved behind the last trusted timestamp by more than
// the skew tolerance fails validation with CLOCK_TAMPERED.
//
// # Results
//
// Activate, Validate, Status and ClearCache never panic and never return
// errors. Every failure is a result carrying a stable code from
// gymdesk/internal/errors.
//
// # Background Validation
//
// StartBackgroundValidation revalidates on a fixed interval and notifies
// registered OutcomeListeners. Stop it before shutdown.
package license
