// Package integration provides end-to-end integration tests for the conduit
// library.
//
// This package contains integration tests that verify the complete stack by
// running real servers on loopback including:
//   - Plain HTTP fetches through the TCP transport
//   - HTTPS fetches through the TLS decorator
//   - Certificate policy enforcement against a live server
//
// No external network access is needed; every peer the tests talk to is
// started in-process.
package integration

// TestSuiteVersion returns version information for the integration test suite.
func TestSuiteVersion() string {
	return "conduit integration tests v1.0.0"
}
