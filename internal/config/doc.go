// Package config loads the GymDesk license daemon configuration.
//
// # Configuration Sources
//
// Configuration is assembled in increasing order of precedence:
//
//	1. Default values (Default)
//	2. An optional YAML file (GYMDESK_CONFIG_FILE, ./gymdesk.yaml or next to the executable)
//	3. Environment variables
//
// # Environment Variables
//
// All variables are prefixed with GYMDESK_ and follow the struct layout:
//
//	GYMDESK_ENVIRONMENT=production
//	GYMDESK_LICENSE_SERVER_URL=https://license.gymdesk.app/api/v1
//	GYMDESK_LICENSE_STRICT_INTEGRITY=auto
//	GYMDESK_LICENSE_OFFLINE_GRACE_HOURS=72
//	GYMDESK_LOGGING_LEVEL=debug
//
// # Paths
//
// Relative data, application root and log paths are resolved against the
// executable directory so the daemon behaves the same wherever it is started.
package config
