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

// Package transport implements the plain TCP connection underneath the rest
// of the stack.
//
// A TCPConn owns two goroutines: a read pump that delivers inbound bytes to
// the data delegate in arrival order, and a write pump that drains the
// outbound queue so Send never blocks the caller. The broken delegate fires
// exactly once, from the read or write pump, when the connection stops
// working for any reason other than a local Close.
package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/bbockelm/conduit/connection"
	"github.com/bbockelm/conduit/diagnostics"
)

const (
	// DefaultDialTimeout bounds connection establishment when the caller's
	// context carries no deadline of its own.
	DefaultDialTimeout = 30 * time.Second

	// defaultReadBufferSize is the size of the read pump's buffer. Inbound
	// chunks delivered to the data delegate are never larger than this.
	defaultReadBufferSize = 65536
)

// DialConfig configures Dial. The zero value is usable.
type DialConfig struct {
	// Timeout bounds the TCP connect. Defaults to DefaultDialTimeout.
	Timeout time.Duration

	// Logger receives diagnostics. Defaults to diagnostics.Discard.
	Logger diagnostics.Logger

	// ReadBufferSize overrides the read pump's buffer size.
	ReadBufferSize int
}

func (c *DialConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultDialTimeout
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = defaultReadBufferSize
	}
	c.Logger = diagnostics.ValidLoggerOrDefault(c.Logger)
}

// TCPConn is a connection.Connection backed by a TCP socket.
type TCPConn struct {
	id        string
	logger    diagnostics.Logger
	conn      net.Conn
	delegates connection.Delegates
	peerAddr  string
	peerID    string

	mu          sync.Mutex
	wake        *sync.Cond
	outbound    []byte
	flushing    bool // clean break requested: drain the queue, then close
	flushClosed bool // the write pump closed the socket after a full flush
	stopped     bool // socket closed locally; pumps are shutting down
	silent      bool // set by Close: suppress the broken delegate

	brokenOnce sync.Once
	pumps      sync.WaitGroup
}

var _ connection.Connection = (*TCPConn)(nil)

// Dial establishes a TCP connection to address ("host:port") and starts its
// pumps. The delegates receive inbound data and the broken notification; both
// may be nil. The returned connection must be released with Close.
func Dial(ctx context.Context, address string, delegates connection.Delegates, config *DialConfig) (*TCPConn, error) {
	cfg := DialConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.applyDefaults()

	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", address)
	}
	return newConn(conn, address, delegates, cfg), nil
}

// Wrap adopts an already-established net.Conn, for example one returned by
// an Accept loop, and starts its pumps. The peer identity defaults to the
// connection's remote address. The returned connection must be released
// with Close.
func Wrap(conn net.Conn, delegates connection.Delegates, config *DialConfig) *TCPConn {
	cfg := DialConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.applyDefaults()
	return newConn(conn, conn.RemoteAddr().String(), delegates, cfg)
}

func newConn(conn net.Conn, peerID string, delegates connection.Delegates, cfg DialConfig) *TCPConn {
	c := &TCPConn{
		id:        uuid.NewString()[:8],
		logger:    cfg.Logger,
		conn:      conn,
		delegates: delegates,
		peerAddr:  conn.RemoteAddr().String(),
		peerID:    peerID,
	}
	c.wake = sync.NewCond(&c.mu)
	c.logger.Debugf("conn %s: connected to %s", c.id, c.peerAddr)

	c.pumps.Add(2)
	go c.readPump(cfg.ReadBufferSize)
	go c.writePump()
	return c
}

// GetPeerAddress returns the remote host:port as resolved by the dial.
func (c *TCPConn) GetPeerAddress() string {
	return c.peerAddr
}

// GetPeerID returns the address the connection was dialed with, which keeps
// the hostname when one was used.
func (c *TCPConn) GetPeerID() string {
	return c.peerID
}

// Send queues data for transmission and returns immediately. Data sent after
// a break or close is dropped.
func (c *TCPConn) Send(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.flushing {
		c.logger.Debugf("conn %s: dropping %d bytes sent after shutdown", c.id, len(data))
		return
	}
	c.outbound = append(c.outbound, data...)
	c.wake.Broadcast()
}

// Break tears the connection down. A clean break flushes the outbound queue
// first; a non-clean break discards it and closes the socket immediately.
// Either way the broken delegate fires once the pumps observe the closed
// socket.
func (c *TCPConn) Break(clean bool) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if clean {
		if !c.flushing {
			c.flushing = true
			c.wake.Broadcast()
		}
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.outbound = nil
	c.wake.Broadcast()
	c.mu.Unlock()
	c.logger.Debugf("conn %s: hard break", c.id)
	c.conn.Close()
}

// Close releases the connection without invoking any delegate, waiting for
// both pumps to stop. It is safe to call more than once.
func (c *TCPConn) Close() error {
	c.mu.Lock()
	c.silent = true
	c.stopped = true
	c.outbound = nil
	c.wake.Broadcast()
	c.mu.Unlock()
	c.conn.Close()
	c.pumps.Wait()
	return nil
}

func (c *TCPConn) readPump(bufferSize int) {
	defer c.pumps.Done()
	buf := make([]byte, bufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 && c.delegates.OnDataReceived != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.delegates.OnDataReceived(chunk)
		}
		if err != nil {
			c.teardown(err)
			return
		}
	}
}

func (c *TCPConn) writePump() {
	defer c.pumps.Done()
	for {
		c.mu.Lock()
		for len(c.outbound) == 0 && !c.stopped && !c.flushing {
			c.wake.Wait()
		}
		if c.stopped {
			c.mu.Unlock()
			return
		}
		batch := c.outbound
		c.outbound = nil
		flush := c.flushing
		c.mu.Unlock()

		if len(batch) > 0 {
			if _, err := c.conn.Write(batch); err != nil {
				c.teardown(err)
				return
			}
		}
		if flush {
			c.mu.Lock()
			drained := len(c.outbound) == 0
			if drained {
				c.stopped = true
				c.flushClosed = true
				c.wake.Broadcast()
			}
			c.mu.Unlock()
			if drained {
				c.logger.Debugf("conn %s: flushed and closing", c.id)
				c.conn.Close()
				return
			}
		}
	}
}

// teardown runs on a pump after a socket error. A locally initiated shutdown
// (Break or Close) also surfaces here as an error on the other pump; only the
// first cause counts, and Close suppresses the delegate entirely.
func (c *TCPConn) teardown(err error) {
	c.mu.Lock()
	clean := err == io.EOF || c.flushClosed
	alreadyStopped := c.stopped
	c.stopped = true
	c.outbound = nil
	silent := c.silent
	c.wake.Broadcast()
	c.mu.Unlock()
	c.conn.Close()
	if silent {
		return
	}
	if !alreadyStopped {
		c.logger.Debugf("conn %s: broken (clean=%v): %v", c.id, clean, err)
	}
	c.reportBroken(clean)
}

func (c *TCPConn) reportBroken(clean bool) {
	c.brokenOnce.Do(func() {
		if c.delegates.OnBroken != nil {
			c.delegates.OnBroken(clean)
		}
	})
}
