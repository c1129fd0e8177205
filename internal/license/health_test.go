package license

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLicenseHealthCheck(t *testing.T) {
	t.Run("nil session", func(t *testing.T) {
		hc := NewLicenseHealthCheck(nil, HealthCheckConfig{})
		result := hc.PerformHealthCheck(context.Background())

		assert.Equal(t, HealthStatusUnhealthy, result.OverallStatus)
		assert.Equal(t, result.Summary.TotalComponents, result.Summary.UnhealthyComponents)
	})

	t.Run("not activated is degraded", func(t *testing.T) {
		f := newSessionFixture(t)
		hc := NewLicenseHealthCheck(f.session, DefaultHealthCheckConfig())
		result := hc.PerformHealthCheck(context.Background())

		require.Contains(t, result.Components, "license")
		assert.Equal(t, HealthStatusDegraded, result.Components["license"].Status)
		assert.Equal(t, HealthStatusHealthy, result.Components["license_store"].Status)
		assert.Equal(t, HealthStatusHealthy, result.Components["device_identity"].Status)
		assert.Equal(t, HealthStatusDegraded, result.Components["background"].Status)
		assert.Equal(t, HealthStatusDegraded, result.OverallStatus)
	})

	t.Run("active with background running is healthy", func(t *testing.T) {
		f := newSessionFixture(t)
		f.activate()
		require.True(t, f.session.StartBackgroundValidation(context.Background()))
		defer f.session.StopBackgroundValidation()

		hc := NewLicenseHealthCheck(f.session, DefaultHealthCheckConfig())
		result := hc.PerformHealthCheck(context.Background())

		for name, c := range result.Components {
			assert.Equal(t, HealthStatusHealthy, c.Status, name)
		}
		assert.Equal(t, HealthStatusHealthy, result.OverallStatus)
		assert.Equal(t, 1.0, result.Summary.OverallScore)
	})

	t.Run("fingerprint failure is unhealthy", func(t *testing.T) {
		f := newSessionFixture(t)
		f.device.Set("")

		hc := NewLicenseHealthCheck(f.session, DefaultHealthCheckConfig())
		result := hc.PerformHealthCheck(context.Background())
		assert.Equal(t, HealthStatusUnhealthy, result.Components["device_identity"].Status)
		assert.Equal(t, HealthStatusUnhealthy, result.OverallStatus)
	})
}
