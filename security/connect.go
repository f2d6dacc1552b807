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
	"context"
	"crypto/x509"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/bbockelm/conduit/connection"
	"github.com/bbockelm/conduit/diagnostics"
	"github.com/bbockelm/conduit/transport"
)

// ClientConfig configures Connect.
//
// The zero value dials with default timeouts and, notably, accepts whatever
// certificate chain the server presents. Callers that need the usual web-PKI
// guarantees must set RootCAs (and ServerName when the dialed host is not
// the name to verify).
type ClientConfig struct {
	// ServerName is the identity requested via SNI and checked during
	// verification. Defaults to the host passed to Connect.
	ServerName string

	// RootCAs enables chain verification; see DecoratorConfig.RootCAs.
	RootCAs *x509.CertPool

	// VerifyPeer is an additional peer-chain check; see
	// DecoratorConfig.VerifyPeer.
	VerifyPeer func(chain []*x509.Certificate) error

	// Logger receives diagnostics. Defaults to diagnostics.Discard.
	Logger diagnostics.Logger

	// Timeout bounds the dial plus handshake when ctx carries no deadline
	// of its own. Defaults to transport.DefaultDialTimeout.
	Timeout time.Duration
}

func (c *ClientConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = transport.DefaultDialTimeout
	}
	c.Logger = diagnostics.ValidLoggerOrDefault(c.Logger)
}

// Connect dials host:port over TCP, wraps the connection in a TLS client
// session, and completes the handshake before returning. The delegates see
// plaintext only: onPlaintextReceived gets each decrypted chunk in order and
// onBroken fires exactly once when the secured connection stops working.
//
// On failure the underlying connection, if one was established, is released
// before the error is returned.
func Connect(ctx context.Context, host string, port uint16, onPlaintextReceived connection.DataReceivedFunc, onBroken connection.BrokenFunc, config *ClientConfig) (*TLSDecorator, error) {
	cfg := ClientConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.applyDefaults()

	serverName := cfg.ServerName
	if serverName == "" {
		serverName = host
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	d := NewTLSDecorator(&DecoratorConfig{
		Logger:     cfg.Logger,
		RootCAs:    cfg.RootCAs,
		VerifyPeer: cfg.VerifyPeer,
	})

	address := net.JoinHostPort(host, strconv.Itoa(int(port)))
	lower, err := transport.Dial(ctx, address, d.Delegates(), &transport.DialConfig{
		Timeout: cfg.Timeout,
		Logger:  cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	if err := d.Connect(ctx, lower, onPlaintextReceived, onBroken, serverName); err != nil {
		lower.Close()
		return nil, errors.Wrapf(err, "securing connection to %s", address)
	}
	return d, nil
}
