// Copyright 2025 Morgridge Institute for Research
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package security provides the TLS layer of the stack: a connection
// decorator that inserts a TLS session between a plaintext consumer and an
// underlying byte-stream connection, and a factory that dials and decorates
// in one step.
//
// The decorator bridges two different I/O disciplines. Above it, the
// consumer pushes plaintext with Send and receives plaintext through a
// delegate. Below it, the TLS engine pulls ciphertext and pushes ciphertext
// through synchronous callbacks. A dedicated worker goroutine per decorated
// connection reconciles the two, applying the engine's flow-control signals
// and delivering decrypted data in record order.
package security

import (
	"context"
	"crypto/x509"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/bbockelm/conduit/connection"
	"github.com/bbockelm/conduit/diagnostics"
)

// decryptedBufferSize is the capacity of the scratch buffer each decrypt
// cycle reads into, and therefore the largest plaintext chunk a consumer
// sees in one delegate call.
const decryptedBufferSize = 65536

// ErrAlreadyConnected is returned by Connect when the decorator already has
// a running worker. A decorator cannot be reconnected.
var ErrAlreadyConnected = errors.New("TLS decorator already connected")

// DecoratorConfig configures a TLSDecorator. The zero value is usable and
// performs no certificate verification.
type DecoratorConfig struct {
	// Logger receives diagnostics. Defaults to diagnostics.Discard.
	Logger diagnostics.Logger

	// RootCAs, when set, enables standard chain verification of the peer
	// certificate against these roots, with the server name passed to
	// Connect as the expected DNS name. When nil the peer chain is
	// accepted as presented.
	RootCAs *x509.CertPool

	// VerifyPeer, when set, is invoked with the peer's chain (leaf first)
	// after the handshake and after RootCAs verification, if any. A
	// non-nil return fails the connect.
	VerifyPeer func(chain []*x509.Certificate) error
}

// TLSDecorator wraps an established Connection with a TLS client session.
// It implements connection.Connection itself, so a consumer uses it exactly
// like the plain connection it decorates.
type TLSDecorator struct {
	logger     diagnostics.Logger
	rootCAs    *x509.CertPool
	verifyPeer func(chain []*x509.Certificate) error

	// newEngine builds the TLS session during Connect. Tests substitute
	// their own.
	newEngine func(conn net.Conn, serverName string) (engine, error)

	mu   sync.Mutex
	wake *sync.Cond

	lower       connection.Connection
	onPlaintext connection.DataReceivedFunc
	onBroken    connection.BrokenFunc
	session     engine

	open           bool // peer-facing session alive; false after a break from below
	canWrite       bool // engine may attempt to encrypt and send
	stopRequested  bool // worker asked to terminate
	failed         bool // engine hit a fatal error; no further engine calls
	started        bool // worker exists; set once, never cleared
	brokenReported bool // the single upward onBroken has been delivered

	outboundPlaintext []byte
	inboundCiphertext []byte
	decryptedScratch  []byte

	workerDone chan struct{}
}

var _ connection.Connection = (*TLSDecorator)(nil)

// NewTLSDecorator returns an unconnected decorator. Wire Delegates into the
// underlying connection, then call Connect.
func NewTLSDecorator(config *DecoratorConfig) *TLSDecorator {
	cfg := DecoratorConfig{}
	if config != nil {
		cfg = *config
	}
	d := &TLSDecorator{
		logger:           diagnostics.ValidLoggerOrDefault(cfg.Logger),
		rootCAs:          cfg.RootCAs,
		verifyPeer:       cfg.VerifyPeer,
		newEngine:        newMintEngine,
		open:             true,
		canWrite:         true,
		decryptedScratch: make([]byte, decryptedBufferSize),
	}
	d.wake = sync.NewCond(&d.mu)
	return d
}

// Delegates returns the callbacks to register with the underlying
// connection: the data delegate feeds inbound ciphertext into the decorator
// and the broken delegate reports transport failure. They are safe to call
// from any goroutine.
func (d *TLSDecorator) Delegates() connection.Delegates {
	return connection.Delegates{
		OnDataReceived: d.receiveCiphertext,
		OnBroken:       d.handleBroken,
	}
}

// Connect binds the decorator to its underlying connection, performs the
// TLS handshake as a client with serverName as the peer identity, and, on
// success, starts the worker goroutine that services the session.
//
// The handshake runs synchronously on the calling goroutine; ciphertext
// arriving through the data delegate feeds it. If the dial context ends, the
// underlying connection breaks, or the engine rejects the handshake, Connect
// returns an error, no worker is started, and the decorator must not be
// reused. A second Connect on a decorator that already has its worker fails
// with ErrAlreadyConnected and changes nothing.
func (d *TLSDecorator) Connect(ctx context.Context, lower connection.Connection, onPlaintextReceived connection.DataReceivedFunc, onBroken connection.BrokenFunc, serverName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return ErrAlreadyConnected
	}
	d.lower = lower
	d.onPlaintext = onPlaintextReceived
	d.onBroken = onBroken

	session, err := d.newEngine(callbackConn{d: d}, serverName)
	if err != nil {
		return errors.Wrap(err, "configuring TLS session")
	}
	d.session = session

	if err := d.runHandshake(ctx); err != nil {
		d.session = nil
		return err
	}
	if err := verifyPeerChain(session.peerChain(), serverName, d.rootCAs, d.verifyPeer); err != nil {
		d.session = nil
		return err
	}
	d.logger.Debugf("🔐 TLS session established with %s", lower.GetPeerID())

	d.stopRequested = false
	d.started = true
	d.workerDone = make(chan struct{})
	go d.worker()
	return nil
}

// runHandshake drives the engine to completion on the calling goroutine,
// blocking on the condition variable whenever the engine is starved for
// ciphertext. Caller holds d.mu.
func (d *TLSDecorator) runHandshake(ctx context.Context) error {
	var ctxErr error
	stop := context.AfterFunc(ctx, func() {
		d.mu.Lock()
		ctxErr = ctx.Err()
		d.wake.Broadcast()
		d.mu.Unlock()
	})
	defer stop()

	for {
		if ctxErr != nil {
			return errors.Wrap(ctxErr, "TLS handshake")
		}
		done, err := d.session.handshakeStep()
		if done {
			return nil
		}
		switch err {
		case nil, errWantWrite:
			// Progress was made, or output is pending that the push
			// callback has already absorbed. Step again.
		case errWantRead:
			for len(d.inboundCiphertext) == 0 && d.open && ctxErr == nil {
				d.wake.Wait()
			}
			if len(d.inboundCiphertext) == 0 && !d.open {
				return errors.New("connection broken during TLS handshake")
			}
		default:
			return errors.Wrap(err, "TLS handshake")
		}
	}
}

// worker is the single goroutine driving the engine for the lifetime of the
// decorated connection. It holds the lock for the whole loop body except
// while blocked in Wait and while delivering plaintext to the consumer.
func (d *TLSDecorator) worker() {
	d.mu.Lock()
	// Start optimistic: attempt one read even before any ciphertext has
	// arrived, then stop speculating whenever a read comes back empty.
	tryRead := true
	for !d.stopRequested {
		if len(d.outboundPlaintext) > 0 && d.canWrite && d.open && !d.failed {
			n, err := d.session.write(d.outboundPlaintext)
			switch {
			case err == errWantRead:
				// The record layer needs peer input before it can
				// continue; hold writes until ciphertext arrives.
				d.canWrite = false
			case err != nil:
				d.failSessionLocked("write", err)
			default:
				remaining := copy(d.outboundPlaintext, d.outboundPlaintext[n:])
				d.outboundPlaintext = d.outboundPlaintext[:remaining]
			}
		}

		if (len(d.inboundCiphertext) > 0 || tryRead) && !d.failed && !d.brokenReported {
			n, err := d.session.read(d.decryptedScratch)
			switch {
			case err == errWantRead || err == errWantWrite:
				// Flow control; the engine is drained until its next
				// input arrives.
				tryRead = false
			case err != nil:
				tryRead = false
				d.failSessionLocked("read", err)
			case n > 0:
				// The session may hold more records it already
				// consumed from the buffer; keep reading until it
				// comes up empty.
				tryRead = true
				chunk := make([]byte, n)
				copy(chunk, d.decryptedScratch[:n])
				onData := d.onPlaintext
				d.mu.Unlock()
				if onData != nil {
					onData(chunk)
				}
				d.mu.Lock()
			default:
				tryRead = false
			}
		}

		// A break from below is reported upward only after the session
		// has yielded everything it can still decrypt. tryRead false
		// means the last read attempt came back empty, so nothing is
		// stuck inside the engine either.
		if !d.open && (d.failed || (len(d.inboundCiphertext) == 0 && !tryRead)) {
			d.reportBrokenLocked()
		}

		for !d.stopRequested && !d.workPendingLocked(tryRead) {
			d.wake.Wait()
		}
	}
	d.mu.Unlock()
	close(d.workerDone)
}

// workPendingLocked reports whether the worker loop has something left to
// do: an undelivered broken report, a read the engine might satisfy, or
// queued plaintext it can flush. The worker blocks while this is false;
// anything that changes its inputs must broadcast on wake. A failed session
// stops all engine work but still owes the broken report.
func (d *TLSDecorator) workPendingLocked(tryRead bool) bool {
	if !d.open && !d.brokenReported {
		return true
	}
	if d.failed {
		return false
	}
	if (len(d.inboundCiphertext) > 0 || tryRead) && !d.brokenReported {
		return true
	}
	return len(d.outboundPlaintext) > 0 && d.canWrite && d.open
}

// failSessionLocked handles a fatal engine error: the session is abandoned
// and the underlying connection force-broken. The resulting break
// notification, or the drain check in the worker loop when the transport is
// already gone, delivers the single onBroken the consumer sees.
func (d *TLSDecorator) failSessionLocked(op string, err error) {
	d.logger.Warnf("TLS %s failed: %v", op, err)
	d.failed = true
	d.inboundCiphertext = nil
	if d.lower != nil {
		d.lower.Break(false)
	}
}

// reportBrokenLocked delivers the upward onBroken exactly once. Caller
// holds d.mu; the lock is released for the duration of the delegate call.
func (d *TLSDecorator) reportBrokenLocked() {
	if d.brokenReported {
		return
	}
	d.brokenReported = true
	cb := d.onBroken
	if cb == nil {
		return
	}
	d.mu.Unlock()
	cb(false)
	d.mu.Lock()
}

// receiveCiphertext is the data delegate wired into the underlying
// connection. It is the sole injection point for network-sourced ciphertext.
// Bytes arriving after the broken notification went out are dropped; the
// consumer has already been told the stream is over.
func (d *TLSDecorator) receiveCiphertext(data []byte) {
	d.mu.Lock()
	if !d.brokenReported {
		d.inboundCiphertext = append(d.inboundCiphertext, data...)
		d.wake.Broadcast()
	}
	d.mu.Unlock()
}

// handleBroken is the broken delegate wired into the underlying connection.
// The session closes to new traffic immediately. Once the worker exists it
// owns the upward notification, draining whatever the engine can still
// decrypt before reporting; before then (a break during the handshake) the
// notification is delivered here.
func (d *TLSDecorator) handleBroken(clean bool) {
	d.mu.Lock()
	d.open = false
	d.wake.Broadcast()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.reportBrokenLocked()
	d.mu.Unlock()
}

// Send queues plaintext for encryption and transmission and returns
// immediately. There is no backpressure toward the caller: the outbound
// buffer grows without bound while the engine is blocked.
func (d *TLSDecorator) Send(data []byte) {
	d.mu.Lock()
	d.outboundPlaintext = append(d.outboundPlaintext, data...)
	d.wake.Broadcast()
	d.mu.Unlock()
}

// Break force-breaks the underlying connection. The break is always
// forwarded non-clean: the TLS session is not shut down first and no
// close-notify reaches the peer.
func (d *TLSDecorator) Break(clean bool) {
	d.mu.Lock()
	lower := d.lower
	d.mu.Unlock()
	if lower != nil {
		lower.Break(false)
	}
}

// GetPeerAddress passes through to the underlying connection.
func (d *TLSDecorator) GetPeerAddress() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lower == nil {
		return ""
	}
	return d.lower.GetPeerAddress()
}

// GetPeerID passes through to the underlying connection.
func (d *TLSDecorator) GetPeerID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lower == nil {
		return ""
	}
	return d.lower.GetPeerID()
}

// Close stops the worker, waits for it to exit, and only then releases the
// engine session and the underlying connection. Safe to call more than
// once. Close must not be called from inside a delegate.
func (d *TLSDecorator) Close() error {
	d.mu.Lock()
	if !d.started {
		lower := d.lower
		d.session = nil
		d.mu.Unlock()
		if lower != nil {
			lower.Close()
		}
		return nil
	}
	d.stopRequested = true
	d.wake.Broadcast()
	d.mu.Unlock()
	<-d.workerDone

	d.mu.Lock()
	lower := d.lower
	d.session = nil
	d.mu.Unlock()
	if lower != nil {
		lower.Close()
	}
	return nil
}

// callbackConn adapts the decorator's buffers to the net.Conn a TLS engine
// performs record I/O on. The engine only calls these methods from inside a
// session operation, and every session operation runs on a goroutine that
// already holds the decorator lock, so the methods access decorator state
// without locking of their own.
type callbackConn struct {
	d *TLSDecorator
}

// Read hands the engine pending ciphertext, removing the copied prefix.
// With nothing buffered it returns (0, nil) while the session is open,
// which the record layer reports as would-block rather than end-of-stream,
// and io.EOF once the underlying connection is gone.
func (c callbackConn) Read(p []byte) (int, error) {
	d := c.d
	if len(d.inboundCiphertext) == 0 {
		if d.open {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(p, d.inboundCiphertext)
	remaining := copy(d.inboundCiphertext, d.inboundCiphertext[n:])
	d.inboundCiphertext = d.inboundCiphertext[:remaining]
	// Fresh ciphertext may be exactly what a stalled write was waiting
	// for.
	d.canWrite = true
	return n, nil
}

// Write forwards ciphertext to the underlying connection. The bytes are
// always reported fully consumed: after the session closes they go to
// nowhere, which keeps the engine from retrying against a dead peer.
func (c callbackConn) Write(p []byte) (int, error) {
	d := c.d
	if d.open && d.lower != nil {
		d.lower.Send(p)
	}
	return len(p), nil
}

func (c callbackConn) Close() error { return nil }

func (c callbackConn) LocalAddr() net.Addr { return decoratorAddr{} }

func (c callbackConn) RemoteAddr() net.Addr { return decoratorAddr{} }

func (c callbackConn) SetDeadline(t time.Time) error { return nil }

func (c callbackConn) SetReadDeadline(t time.Time) error { return nil }

func (c callbackConn) SetWriteDeadline(t time.Time) error { return nil }

type decoratorAddr struct{}

func (decoratorAddr) Network() string { return "conduit" }

func (decoratorAddr) String() string { return "tls-decorator" }
