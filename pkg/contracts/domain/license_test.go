package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegrityManifestResponse_KeepsRawManifest(t *testing.T) {
	body := `{"success":true,"manifest":{"appVersion":"2.1.0","files":[{"path":"app.asar","sha256":"AB"}]},"signature":"c2ln","buildId":"b1"}`

	var resp IntegrityManifestResponse
	require.NoError(t, json.Unmarshal([]byte(body), &resp))

	require.NotNil(t, resp.Manifest)
	assert.Equal(t, "2.1.0", resp.Manifest.AppVersion)
	assert.Equal(t, `{"appVersion":"2.1.0","files":[{"path":"app.asar","sha256":"AB"}]}`, string(resp.RawManifest))
	assert.Equal(t, "c2ln", resp.Signature)
	assert.Equal(t, "b1", resp.BuildID)
}

func TestIntegrityManifestResponse_PayloadOnly(t *testing.T) {
	var resp IntegrityManifestResponse
	require.NoError(t, json.Unmarshal([]byte(`{"success":true,"manifestPayload":"{}","signature":"x","manifest":null}`), &resp))

	assert.Nil(t, resp.Manifest)
	assert.Nil(t, resp.RawManifest)
	assert.Equal(t, "{}", resp.ManifestPayload)
}

func TestLicenseResponse_ToleratesUnknownFields(t *testing.T) {
	var resp LicenseResponse
	err := json.Unmarshal([]byte(`{"success":true,"license":{"type":"annual","seats":3,"gymName":"Iron"},"extra":[1,2]}`), &resp)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "annual", resp.License.Type)
	assert.Equal(t, "Iron", resp.License.GymName)
	assert.Zero(t, resp.ValidateIntervalHours)
}

func TestDuration_JSON(t *testing.T) {
	out := ValidationOutcome{Valid: true, GraceRemaining: NewDuration(20*time.Hour + 300*time.Millisecond)}
	data, err := json.Marshal(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"graceRemaining":"20h0m0s"`)

	var back ValidationOutcome
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, 20*time.Hour, back.GraceRemaining.Std())

	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`90`), &d))
	assert.Equal(t, 90*time.Second, d.Std())
	assert.Error(t, json.Unmarshal([]byte(`"soon"`), &d))
	assert.Error(t, json.Unmarshal([]byte(`true`), &d))
}

func TestLicenseInfo_Expired(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	assert.False(t, (*LicenseInfo)(nil).Expired(now))
	assert.False(t, (&LicenseInfo{}).Expired(now))
	assert.True(t, (&LicenseInfo{ExpiresAt: &past}).Expired(now))
	assert.False(t, (&LicenseInfo{ExpiresAt: &future}).Expired(now))
}
