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

package security

import (
	"crypto/x509"
	"io"
	"net"

	"github.com/bifurcation/mint"
	"github.com/pkg/errors"
)

// Flow-control signals returned by engine operations. The worker loop
// consumes them; they never reach a consumer of the decorator.
var (
	errWantRead  = errors.New("engine blocked waiting for inbound ciphertext")
	errWantWrite = errors.New("engine blocked waiting for outbound capacity")
)

// engine is the TLS session a decorator drives. Implementations never
// block: when an operation cannot proceed it returns errWantRead or
// errWantWrite and the worker retries once the condition clears. Any other
// error is fatal to the session.
type engine interface {
	// handshakeStep advances the handshake by at most one transition,
	// reporting done=true once the session is established.
	handshakeStep() (done bool, err error)

	// peerChain returns the certificate chain the peer presented, leaf
	// first, or nil before the handshake completes.
	peerChain() []*x509.Certificate

	// read decrypts application data into p. A return of (0, nil) means
	// the peer ended the stream cleanly or simply that nothing is
	// deliverable right now. An implementation reports errWantRead only
	// after consuming everything its conn had to offer.
	read(p []byte) (int, error)

	// write encrypts and transmits a prefix of p, returning its length.
	write(p []byte) (int, error)
}

// mintEngine adapts a mint TLS 1.3 session, run in non-blocking record
// mode, to the engine interface. The conn it is given supplies ciphertext
// on Read and accepts ciphertext on Write; mint's record layer converts an
// empty (0, nil) read into its would-block alert.
type mintEngine struct {
	tc *mint.Conn
}

// newMintEngine configures a client TLS session over conn bound to
// serverName. The session itself accepts the peer chain as presented;
// verifyPeerChain applies the configured policy once the handshake is done.
func newMintEngine(conn net.Conn, serverName string) (engine, error) {
	config := &mint.Config{
		ServerName:         serverName,
		NonBlocking:        true,
		InsecureSkipVerify: true,
	}
	return &mintEngine{tc: mint.Client(conn, config)}, nil
}

func (e *mintEngine) handshakeStep() (bool, error) {
	alert := e.tc.Handshake()
	switch alert {
	case mint.AlertNoAlert:
		return e.tc.GetHsState() == mint.StateClientConnected, nil
	case mint.AlertWouldBlock:
		return false, errWantRead
	default:
		return false, errors.Errorf("handshake failed with alert %v", alert)
	}
}

func (e *mintEngine) peerChain() []*x509.Certificate {
	return e.tc.ConnectionState().PeerCertificates
}

func (e *mintEngine) read(p []byte) (int, error) {
	n, err := e.tc.Read(p)
	switch {
	case err == nil:
		return n, nil
	case err == mint.AlertWouldBlock:
		return 0, errWantRead
	case err == io.EOF:
		// close_notify: the peer ended the stream, nothing more will
		// arrive. Not an error at this layer.
		return 0, nil
	default:
		return 0, errors.Wrap(err, "TLS read")
	}
}

// maxWriteFragment is the largest plaintext slice handed to the session in
// one write call. The record layer rejects protected payloads over 2^14
// bytes, and the AEAD tag plus the content-type byte count against that
// ceiling.
const maxWriteFragment = 16367

func (e *mintEngine) write(p []byte) (int, error) {
	if len(p) > maxWriteFragment {
		p = p[:maxWriteFragment]
	}
	n, err := e.tc.Write(p)
	switch {
	case err == nil:
		return n, nil
	case err == mint.AlertWouldBlock:
		if n > 0 {
			return n, nil
		}
		return 0, errWantRead
	default:
		return 0, errors.Wrap(err, "TLS write")
	}
}

// verifyPeerChain applies the optional certificate policy to the chain the
// engine captured during the handshake. When both rootCAs and verify are
// nil the chain is accepted as presented; that is the default, and it is
// only appropriate when the peer is authenticated by some other means.
// Supplying rootCAs gets standard chain verification against serverName.
func verifyPeerChain(chain []*x509.Certificate, serverName string, rootCAs *x509.CertPool, verify func([]*x509.Certificate) error) error {
	if rootCAs == nil && verify == nil {
		return nil
	}
	if len(chain) == 0 {
		return errors.New("peer presented no certificate chain")
	}
	if rootCAs != nil {
		opts := x509.VerifyOptions{
			DNSName:       serverName,
			Roots:         rootCAs,
			Intermediates: x509.NewCertPool(),
		}
		for _, cert := range chain[1:] {
			opts.Intermediates.AddCert(cert)
		}
		if _, err := chain[0].Verify(opts); err != nil {
			return errors.Wrap(err, "verifying peer certificate")
		}
	}
	if verify != nil {
		if err := verify(chain); err != nil {
			return errors.Wrap(err, "peer certificate rejected by policy")
		}
	}
	return nil
}
