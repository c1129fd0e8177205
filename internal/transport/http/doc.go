// Package http exposes the license session over the local HTTP API used by
// the GymDesk renderer.
//
// # Routes
//
// The license routes are mounted under /api/license:
//
//	POST   /activate      bind a license key to this device
//	GET    /validate      validate the cached license
//	POST   /validate      validate with options ({"licenseKey", "forceOnline"})
//	GET    /status        forced status check for the license screen
//	DELETE /cache         remove the stored license (POST /clear-cache alias)
//	GET    /fingerprint   device fingerprint for support requests
//
// Health endpoints live under /api/health and metrics under /metrics.
//
// # Status Codes
//
// Validation and activation results are always rendered as JSON bodies. The
// HTTP status follows the result code category (see errors.HTTPStatus), so a
// revoked license answers 422 and an unreachable license server 503 while the
// body still carries the machine readable code. Status always answers 200.
//
// Malformed requests are answered with RFC 7807 problem details:
//
//	{
//	    "type": "/errors/validation",
//	    "title": "Invalid request",
//	    "status": 400,
//	    "detail": "licenseKey is required",
//	    "instance": "/api/license/activate",
//	    "trace_id": "..."
//	}
//
// # Secrets
//
// License keys and tokens never reach the logs; handlers log a masked key
// and the trace ID only.
package http
