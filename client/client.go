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

// Package client implements a small HTTP/1.1 GET client on top of conduit
// connections. It speaks just enough of the protocol to fetch a resource
// over a plain or TLS-decorated connection, which makes it both a usable
// tool and an end-to-end exercise of the layers below it.
package client

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/bbockelm/conduit/connection"
	"github.com/bbockelm/conduit/diagnostics"
	"github.com/bbockelm/conduit/security"
	"github.com/bbockelm/conduit/transport"
	"github.com/bbockelm/conduit/urlx"
)

// Outcome classifies how a fetch ended.
type Outcome int

const (
	// OutcomeCompleted means the full response was received: either the
	// declared Content-Length arrived or the peer closed a
	// close-delimited body.
	OutcomeCompleted Outcome = iota

	// OutcomeUnableToConnect means no connection was established.
	OutcomeUnableToConnect

	// OutcomeBroken means the connection failed before the response was
	// complete.
	OutcomeBroken

	// OutcomeTimeout means the transaction deadline expired.
	OutcomeTimeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeUnableToConnect:
		return "unable_to_connect"
	case OutcomeBroken:
		return "broken"
	case OutcomeTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Response is the result of a fetch. Outcome is always set; the remaining
// fields are populated as far as the transaction got.
type Response struct {
	Outcome    Outcome
	Status     string // e.g. "200 OK"
	StatusCode int
	Headers    textproto.MIMEHeader
	Body       []byte
}

// Config configures a Client. The zero value is usable.
type Config struct {
	// Logger receives diagnostics. Defaults to diagnostics.Discard.
	Logger diagnostics.Logger

	// Timeout bounds the whole transaction, dial included, when the
	// caller's context carries no deadline. Defaults to
	// transport.DefaultDialTimeout.
	Timeout time.Duration

	// UserAgent is sent with each request.
	UserAgent string

	// TLS carries certificate policy and server-name overrides for https
	// fetches. Logger and Timeout inside it are superseded by the
	// client's own.
	TLS security.ClientConfig
}

const defaultUserAgent = "conduit-fetch"

// Client fetches resources over conduit connections. A Client is stateless
// apart from its configuration and may be used concurrently.
type Client struct {
	logger    diagnostics.Logger
	timeout   time.Duration
	userAgent string
	tls       security.ClientConfig
}

// New returns a Client with defaults applied.
func New(config *Config) *Client {
	cfg := Config{}
	if config != nil {
		cfg = *config
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = transport.DefaultDialTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	return &Client{
		logger:    diagnostics.ValidLoggerOrDefault(cfg.Logger),
		timeout:   cfg.Timeout,
		userAgent: cfg.UserAgent,
		tls:       cfg.TLS,
	}
}

// fetchState accumulates delegate callbacks for the fetch loop.
type fetchState struct {
	mu     sync.Mutex
	buf    []byte
	broken bool
	notify chan struct{}
}

func (s *fetchState) onData(data []byte) {
	s.mu.Lock()
	s.buf = append(s.buf, data...)
	s.mu.Unlock()
	s.ping()
}

func (s *fetchState) onBroken(clean bool) {
	s.mu.Lock()
	s.broken = true
	s.mu.Unlock()
	s.ping()
}

func (s *fetchState) ping() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *fetchState) snapshot() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf...), s.broken
}

// Fetch issues a GET for rawURL and waits for the response. The returned
// Response always carries an Outcome; err is non-nil whenever the outcome
// is not OutcomeCompleted. The scheme selects the stack: http dials a plain
// connection, https a TLS-decorated one.
func (c *Client) Fetch(ctx context.Context, rawURL string) (*Response, error) {
	ep, err := urlx.ParseEndpoint(rawURL)
	if err != nil {
		return &Response{Outcome: OutcomeUnableToConnect}, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	st := &fetchState{notify: make(chan struct{}, 1)}
	conn, err := c.dial(ctx, ep, st)
	if err != nil {
		outcome := OutcomeUnableToConnect
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = OutcomeTimeout
		}
		return &Response{Outcome: outcome}, err
	}
	defer conn.Close()

	c.logger.Debugf("🌐 GET %s via %s", rawURL, conn.GetPeerAddress())
	conn.Send(buildRequest(ep, c.userAgent))

	var ph *parsedHeader
	for {
		buf, broken := st.snapshot()
		if ph == nil {
			if i := bytes.Index(buf, []byte("\r\n\r\n")); i >= 0 {
				ph, err = parseHeaderBlock(buf[:i+4])
				if err != nil {
					return &Response{Outcome: OutcomeBroken}, err
				}
			}
		}
		if ph != nil {
			body := buf[ph.headerLen:]
			if ph.contentLength >= 0 && len(body) >= ph.contentLength {
				return ph.response(body[:ph.contentLength]), nil
			}
			if broken {
				if ph.contentLength < 0 {
					// Close-delimited body: the break is the
					// end-of-response marker.
					return ph.response(body), nil
				}
				return &Response{Outcome: OutcomeBroken}, errors.Errorf(
					"connection broken with %d of %d body bytes", len(body), ph.contentLength)
			}
		} else if broken {
			return &Response{Outcome: OutcomeBroken}, errors.New("connection broken before response headers")
		}

		select {
		case <-st.notify:
		case <-ctx.Done():
			err := ctx.Err()
			outcome := OutcomeBroken
			if errors.Is(err, context.DeadlineExceeded) {
				outcome = OutcomeTimeout
			}
			return &Response{Outcome: outcome}, errors.Wrap(err, "awaiting response")
		}
	}
}

func (c *Client) dial(ctx context.Context, ep urlx.Endpoint, st *fetchState) (connection.Connection, error) {
	if ep.Secure() {
		tlsCfg := c.tls
		tlsCfg.Logger = c.logger
		tlsCfg.Timeout = c.timeout
		return security.Connect(ctx, ep.Host, ep.Port, st.onData, st.onBroken, &tlsCfg)
	}
	delegates := connection.Delegates{OnDataReceived: st.onData, OnBroken: st.onBroken}
	return transport.Dial(ctx, ep.Address(), delegates, &transport.DialConfig{
		Timeout: c.timeout,
		Logger:  c.logger,
	})
}

func buildRequest(ep urlx.Endpoint, userAgent string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", ep.RequestTarget())
	fmt.Fprintf(&b, "Host: %s\r\n", hostHeader(ep))
	fmt.Fprintf(&b, "User-Agent: %s\r\n", userAgent)
	b.WriteString("Connection: close\r\n\r\n")
	return b.Bytes()
}

// hostHeader renders the Host header value: the port is dropped when it is
// the scheme default, and IPv6 literals stay bracketed.
func hostHeader(ep urlx.Endpoint) string {
	defaultPort := uint16(80)
	if ep.Secure() {
		defaultPort = 443
	}
	if ep.Port != defaultPort {
		return ep.Address()
	}
	if strings.Contains(ep.Host, ":") {
		return "[" + ep.Host + "]"
	}
	return ep.Host
}

type parsedHeader struct {
	status        string
	code          int
	headers       textproto.MIMEHeader
	contentLength int // -1 when the response is close-delimited
	headerLen     int
}

func parseHeaderBlock(raw []byte) (*parsedHeader, error) {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw)))
	statusLine, err := tp.ReadLine()
	if err != nil {
		return nil, errors.Wrap(err, "reading status line")
	}
	proto, status, ok := strings.Cut(statusLine, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/") {
		return nil, errors.Errorf("malformed status line %q", statusLine)
	}
	codeStr, _, _ := strings.Cut(status, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil {
		return nil, errors.Errorf("malformed status code in %q", statusLine)
	}
	headers, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, errors.Wrap(err, "reading response headers")
	}

	contentLength := -1
	if v := headers.Get("Content-Length"); v != "" {
		contentLength, err = strconv.Atoi(v)
		if err != nil || contentLength < 0 {
			return nil, errors.Errorf("malformed Content-Length %q", v)
		}
	}
	return &parsedHeader{
		status:        strings.TrimSpace(status),
		code:          code,
		headers:       headers,
		contentLength: contentLength,
		headerLen:     len(raw),
	}, nil
}

func (ph *parsedHeader) response(body []byte) *Response {
	return &Response{
		Outcome:    OutcomeCompleted,
		Status:     ph.status,
		StatusCode: ph.code,
		Headers:    ph.headers,
		Body:       body,
	}
}
