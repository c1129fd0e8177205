package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCode_Category(t *testing.T) {
	tests := []struct {
		code Code
		want Category
	}{
		{CodeValid, CategoryNone},
		{CodeOfflineGrace, CategoryNone},
		{CodeInvalidLicenseKey, CategoryInput},
		{CodeNoLicense, CategoryInput},
		{CodeRateLimited, CategoryInput},
		{CodeInvalidTokenSignature, CategoryTrust},
		{CodeIntegrityInvalidPath, CategoryTrust},
		{CodeClockTampered, CategoryTrust},
		{Code("LICENSE_REVOKED"), CategoryTrust},
		{CodeNetworkError, CategoryTransient},
		{CodeStorageError, CategoryStorage},
		{CodeInternalError, CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.code.Category())
		})
	}
}

func TestCode_Families(t *testing.T) {
	assert.True(t, CodeDeviceNotApproved.IsTokenFailure())
	assert.True(t, CodeTokenExpired.IsTokenFailure())
	assert.False(t, CodeIntegrityMismatch.IsTokenFailure())

	assert.True(t, CodeIntegrityMismatch.IsIntegrityFailure())
	assert.True(t, CodeIntegrityManifestUnavailable.IsIntegrityFailure())
	assert.False(t, CodeMissingToken.IsIntegrityFailure())
}

func TestLicenseError(t *testing.T) {
	cause := errors.New("disk full")
	err := NewLicenseError(CodeStorageError, "could not persist license", cause)

	assert.Equal(t, "STORAGE_ERROR: could not persist license: disk full", err.Error())
	assert.ErrorIs(t, err, cause)

	wrapped := fmt.Errorf("save: %w", err)
	var le *LicenseError
	assert.ErrorAs(t, wrapped, &le)
	assert.Equal(t, CodeStorageError, le.Code)

	assert.Equal(t, "NO_LICENSE: none", NewLicenseError(CodeNoLicense, "none", nil).Error())
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{name: "nil", err: nil, want: ""},
		{name: "license error", err: NewLicenseError(CodeGraceExpired, "", nil), want: CodeGraceExpired},
		{name: "wrapped license error", err: fmt.Errorf("x: %w", NewLicenseError(CodeMissingToken, "", nil)), want: CodeMissingToken},
		{name: "unreachable", err: fmt.Errorf("dial: %w", ErrServerUnreachable), want: CodeNetworkError},
		{name: "deadline", err: context.DeadlineExceeded, want: CodeNetworkError},
		{name: "corrupt cache", err: ErrCacheCorrupt, want: CodeStorageError},
		{name: "unknown", err: errors.New("boom"), want: CodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestMessageOf(t *testing.T) {
	assert.Empty(t, MessageOf(nil))
	assert.Equal(t, "custom", MessageOf(NewLicenseError(CodeInvalidGymName, "custom", nil)))
	assert.Contains(t, MessageOf(ErrServerUnreachable), "license server")
	assert.Contains(t, MessageOf(errors.New("boom")), "unexpected")
}
