package errors

import (
	"context"
	"errors"
	"fmt"
)

// Code identifies a license failure (or success) in every structured result
// handed to the host application. Values are part of the UI contract.
type Code string

// Input errors
const (
	CodeInvalidLicenseKey Code = "INVALID_LICENSE_KEY"
	CodeInvalidGymName    Code = "INVALID_GYM_NAME"
	CodeNoLicense         Code = "NO_LICENSE"
	CodeRateLimited       Code = "RATE_LIMITED"
)

// Trust failures
const (
	CodeMissingToken              Code = "MISSING_TOKEN"
	CodeMissingPublicKey          Code = "MISSING_PUBLIC_KEY"
	CodeInvalidPublicKey          Code = "INVALID_PUBLIC_KEY"
	CodeInvalidTokenSignature     Code = "INVALID_TOKEN_SIGNATURE"
	CodeInvalidTokenType          Code = "INVALID_TOKEN_TYPE"
	CodeTokenExpired              Code = "TOKEN_EXPIRED"
	CodeDeviceFingerprintMismatch Code = "DEVICE_FINGERPRINT_MISMATCH"
	CodeLicenseKeyMismatch        Code = "LICENSE_KEY_MISMATCH"
	CodeDeviceNotApproved         Code = "DEVICE_NOT_APPROVED"
	CodeClockTampered             Code = "CLOCK_TAMPERED"
	CodeGraceExpired              Code = "GRACE_EXPIRED"
	CodeDevBypassNotAllowed       Code = "DEV_BYPASS_NOT_ALLOWED"
	CodeActivationRejected        Code = "ACTIVATION_REJECTED"
	CodeValidationRejected        Code = "VALIDATION_REJECTED"

	CodeIntegritySignatureInvalid    Code = "INTEGRITY_SIGNATURE_INVALID"
	CodeManifestParseFailed          Code = "MANIFEST_PARSE_FAILED"
	CodeUnsupportedHashAlgorithm     Code = "UNSUPPORTED_HASH_ALGORITHM"
	CodeIntegrityVersionMismatch     Code = "INTEGRITY_VERSION_MISMATCH"
	CodeIntegrityInvalidPath         Code = "INTEGRITY_INVALID_PATH"
	CodeIntegrityFileMissing         Code = "INTEGRITY_FILE_MISSING"
	CodeIntegrityMismatch            Code = "INTEGRITY_MISMATCH"
	CodeIntegrityManifestUnavailable Code = "INTEGRITY_MANIFEST_UNAVAILABLE"
)

// Transient, storage and internal failures
const (
	CodeNetworkError  Code = "NETWORK_ERROR"
	CodeStorageError  Code = "STORAGE_ERROR"
	CodeInternalError Code = "INTERNAL_ERROR"
)

// Success codes
const (
	CodeValid        Code = "VALID"
	CodeOfflineGrace Code = "OFFLINE_GRACE"
	CodeDevBypass    Code = "DEV_BYPASS"
	CodeActivated    Code = "ACTIVATED"
)

// Category groups codes by how the session is allowed to react to them.
type Category string

const (
	CategoryNone      Category = ""
	CategoryInput     Category = "input"
	CategoryTrust     Category = "trust"
	CategoryTransient Category = "transient"
	CategoryStorage   Category = "storage"
	CategoryInternal  Category = "internal"
)

// Category classifies the code. Unknown codes coming from the license server
// are treated as trust failures so they are never retried or graced.
func (c Code) Category() Category {
	switch c {
	case "", CodeValid, CodeOfflineGrace, CodeDevBypass, CodeActivated:
		return CategoryNone
	case CodeInvalidLicenseKey, CodeInvalidGymName, CodeNoLicense, CodeRateLimited:
		return CategoryInput
	case CodeNetworkError:
		return CategoryTransient
	case CodeStorageError:
		return CategoryStorage
	case CodeInternalError:
		return CategoryInternal
	default:
		return CategoryTrust
	}
}

// IsTokenFailure reports whether the code belongs to the INVALID_TOKEN family.
func (c Code) IsTokenFailure() bool {
	switch c {
	case CodeMissingToken, CodeMissingPublicKey, CodeInvalidPublicKey, CodeInvalidTokenSignature,
		CodeInvalidTokenType, CodeTokenExpired, CodeDeviceFingerprintMismatch,
		CodeLicenseKeyMismatch, CodeDeviceNotApproved:
		return true
	}
	return false
}

// IsIntegrityFailure reports whether the code was produced by file attestation.
func (c Code) IsIntegrityFailure() bool {
	switch c {
	case CodeIntegritySignatureInvalid, CodeManifestParseFailed, CodeUnsupportedHashAlgorithm,
		CodeIntegrityVersionMismatch, CodeIntegrityInvalidPath, CodeIntegrityFileMissing,
		CodeIntegrityMismatch, CodeIntegrityManifestUnavailable:
		return true
	}
	return false
}

// Sentinel errors used across package boundaries
var (
	ErrServerUnreachable = errors.New("license server unreachable")
	ErrCacheCorrupt      = errors.New("license cache corrupt")
	ErrNotActivated      = errors.New("license not activated")
)

// LicenseError carries a Code through internal fallible steps. The session
// maps it into a structured result before anything leaves the package.
type LicenseError struct {
	Code    Code
	Message string
	Err     error
}

// NewLicenseError creates a LicenseError
func NewLicenseError(code Code, message string, err error) *LicenseError {
	return &LicenseError{Code: code, Message: message, Err: err}
}

// Error implements the error interface
func (e *LicenseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap allows errors.Is and errors.As to reach the cause
func (e *LicenseError) Unwrap() error {
	return e.Err
}

// CodeOf extracts the code from err. Context deadlines and unreachable
// servers collapse into NETWORK_ERROR; anything else unknown is INTERNAL_ERROR.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var le *LicenseError
	if errors.As(err, &le) {
		return le.Code
	}
	if errors.Is(err, ErrServerUnreachable) || errors.Is(err, context.DeadlineExceeded) {
		return CodeNetworkError
	}
	if errors.Is(err, ErrCacheCorrupt) {
		return CodeStorageError
	}
	return CodeInternalError
}

// MessageOf returns the user-facing message for err
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var le *LicenseError
	if errors.As(err, &le) && le.Message != "" {
		return le.Message
	}
	switch CodeOf(err) {
	case CodeNetworkError:
		return "Unable to reach the license server. Please check your internet connection"
	case CodeStorageError:
		return "The local license cache could not be read or written"
	}
	return "An unexpected error occurred while checking the license"
}
