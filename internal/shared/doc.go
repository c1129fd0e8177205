// Package shared groups helpers used by more than one GymDesk package.
//
// The testutil subpackage holds the test fixtures: a fake license server
// that signs tokens and serves the integrity manifest, helpers that write
// an application tree with a matching manifest, and a buffered slog handler
// for asserting on log output without leaking secrets.
//
//	func TestActivate(t *testing.T) {
//	    server := testutil.NewFakeLicenseServer(t)
//	    logger, logs := testutil.NewTestLogger(t)
//	    ...
//	    testutil.AssertNoSecrets(t, logs, testutil.ValidLicenseKey)
//	}
//
// Nothing here may import domain packages such as license or websocket.
package shared
