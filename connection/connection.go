// Package connection defines the byte-stream connection capability the rest
// of conduit is built around.
//
// A Connection is push-based in both directions: the owner calls Send to
// transmit and receives inbound bytes and lifecycle events through delegates
// it supplied when the connection was established. The same interface is
// implemented by the plain TCP transport and by the TLS decorator that wraps
// it, so a consumer cannot tell (and never needs to know) whether its bytes
// are encrypted on the wire.
package connection

// DataReceivedFunc is invoked with each chunk of inbound bytes, in arrival
// order. The callee must not retain the slice past the call.
type DataReceivedFunc func(data []byte)

// BrokenFunc is invoked exactly once when the connection stops working.
// clean reports whether the peer shut down gracefully.
type BrokenFunc func(clean bool)

// Delegates bundles the callbacks a connection owner supplies at connect
// time. Either field may be nil if the owner does not care about that event.
type Delegates struct {
	OnDataReceived DataReceivedFunc
	OnBroken       BrokenFunc
}

// Connection is a bidirectional, callback-driven byte stream.
type Connection interface {
	// GetPeerAddress returns the host:port of the remote endpoint.
	GetPeerAddress() string

	// GetPeerID returns a short identity string for the remote endpoint,
	// suitable for diagnostics.
	GetPeerID() string

	// Send queues data for transmission and returns without blocking.
	// The connection makes its own copy of data. Transmission failures
	// surface later through the broken delegate.
	Send(data []byte)

	// Break tears the connection down. A clean break lets queued data
	// flush first; a non-clean break discards it and closes immediately.
	// Break returns without invoking delegates; the resulting broken
	// notification is delivered asynchronously.
	Break(clean bool)

	// Close releases the connection's resources, stopping any goroutines
	// it owns. It is safe to call more than once and safe to call after
	// Break. No delegate is invoked after Close returns.
	Close() error
}
