// Package app wires the license service together and owns its lifecycle.
//
// # Initialization Flow
//
//	1. Load configuration from defaults, the YAML file and the environment
//	2. Initialize logging and OpenTelemetry
//	3. Create the license session and the status hub
//	4. Set up the chi router, middleware and handlers
//	5. Bind the listener, start background validation and serve
//
// # Usage
//
//	application, err := app.NewApplication()
//	if err != nil {
//	    return err
//	}
//	return application.Run()
//
// # Graceful Shutdown
//
// Run waits for SIGINT or SIGTERM, then drains in-flight requests, stops
// background validation, disconnects websocket clients and flushes
// telemetry. The package never calls os.Exit.
package app
