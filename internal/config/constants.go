package config

import "time"

// Application constants
const (
	AppName        = "GymDesk"
	AppServiceName = "gymdesk-license"
	AppVendor      = "GymDesk"
)

// License defaults
const (
	DefaultLicenseServerURL      = "https://license.gymdesk.app/api/v1"
	DefaultRequestTimeout        = 10 * time.Second
	DefaultCacheFile             = "license.cache"
	DefaultValidateIntervalHours = 24
	DefaultOfflineGraceHours     = 72
	DefaultClockSkewTolerance    = 60 * time.Second
	DefaultBackgroundInterval    = time.Hour
	DefaultBackgroundTimeout     = 30 * time.Second
	DefaultActivationsPerMinute  = 5
	DefaultGateCacheTTL          = 5 * time.Minute

	// DevLicenseLifetime is how long a developer bypass license lasts
	DevLicenseLifetime = 10 * 365 * 24 * time.Hour
)

// File paths (relative to executable)
const (
	DefaultDataDir    = "data"
	DefaultLogFile    = "logs/gymdesk.log"
	DefaultConfigFile = "gymdesk.yaml"
)

// Local API
const (
	DefaultAPIPort    = 8787
	LicenseAPIPrefix  = "/api/license"
	HealthEndpoint    = "/api/health"
	MetricsEndpoint   = "/metrics"
	WebSocketEndpoint = "/ws/license"
)
