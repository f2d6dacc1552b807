package integration

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bifurcation/mint"
	"go.uber.org/goleak"

	"github.com/bbockelm/conduit/client"
	"github.com/bbockelm/conduit/security"
)

// originServer is a minimal in-process HTTP/1.1 origin used as the remote
// peer for fetch tests. Each accepted connection gets the same canned
// response; a non-nil TLS config wraps every connection in a TLS session.
// With closeDelimited set the response carries no Content-Length and the
// server's close marks the end of the body.
type originServer struct {
	listener       net.Listener
	tlsConf        *mint.Config
	status         string
	body           string
	closeDelimited bool

	mu       sync.Mutex
	requests []string
	wg       sync.WaitGroup
}

func newOriginServer(t *testing.T, tlsConf *mint.Config, status, body string) *originServer {
	t.Helper()
	return startOrigin(t, &originServer{tlsConf: tlsConf, status: status, body: body})
}

func newStreamingOriginServer(t *testing.T, tlsConf *mint.Config, status, body string) *originServer {
	t.Helper()
	return startOrigin(t, &originServer{tlsConf: tlsConf, status: status, body: body, closeDelimited: true})
}

func startOrigin(t *testing.T, s *originServer) *originServer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	s.listener = l
	s.wg.Add(1)
	go s.serve()
	return s
}

func (s *originServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *originServer) handle(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	var rw io.ReadWriter = conn
	if s.tlsConf != nil {
		tc := mint.Server(conn, s.tlsConf)
		if alert := tc.Handshake(); alert != mint.AlertNoAlert {
			return
		}
		rw = tc
	}

	req, err := readUntilBlankLine(rw)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	if s.closeDelimited {
		if _, err := rw.Write([]byte(fmt.Sprintf("HTTP/1.1 %s\r\n\r\n", s.status))); err != nil {
			return
		}
		// Stream the body in pieces; the close after the return is the
		// end-of-body marker.
		for off := 0; off < len(s.body); off += 4096 {
			end := off + 4096
			if end > len(s.body) {
				end = len(s.body)
			}
			if _, err := rw.Write([]byte(s.body[off:end])); err != nil {
				return
			}
		}
		return
	}

	resp := fmt.Sprintf("HTTP/1.1 %s\r\nContent-Length: %d\r\n\r\n%s", s.status, len(s.body), s.body)
	if _, err := rw.Write([]byte(resp)); err != nil {
		return
	}

	// Hold the connection until the client hangs up so the response is
	// never cut short by our own close.
	buf := make([]byte, 1024)
	for {
		if _, err := rw.Read(buf); err != nil {
			return
		}
	}
}

func (s *originServer) url(scheme string) string {
	return fmt.Sprintf("%s://%s/", scheme, s.listener.Addr())
}

func (s *originServer) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *originServer) request(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.requests) {
		return ""
	}
	return s.requests[i]
}

func (s *originServer) Stop() {
	s.listener.Close()
	s.wg.Wait()
}

func readUntilBlankLine(r io.Reader) (string, error) {
	var b bytes.Buffer
	buf := make([]byte, 1024)
	for !bytes.Contains(b.Bytes(), []byte("\r\n\r\n")) {
		n, err := r.Read(buf)
		if n > 0 {
			b.Write(buf[:n])
		}
		if err != nil {
			return b.String(), err
		}
	}
	return b.String(), nil
}

// serverCert builds a self-signed certificate for name, usable both as a
// mint server credential and as a client trust anchor.
func serverCert(t *testing.T, name string) (*mint.Certificate, *x509.CertPool) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: name},
		DNSNames:              []string{name},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing certificate: %v", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return &mint.Certificate{Chain: []*x509.Certificate{leaf}, PrivateKey: key}, pool
}

func tlsConfigFor(name string, cert *mint.Certificate) *mint.Config {
	return &mint.Config{
		ServerName:   name,
		Certificates: []*mint.Certificate{cert},
	}
}

func TestFetchPlainHTTP(t *testing.T) {
	defer goleak.VerifyNone(t)
	srv := newOriginServer(t, nil, "200 OK", "plain integration body")
	defer srv.Stop()

	resp, err := client.New(nil).Fetch(context.Background(), srv.url("http"))
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if resp.Outcome != client.OutcomeCompleted {
		t.Errorf("Expected outcome completed, got %v", resp.Outcome)
	}
	if resp.StatusCode != 200 {
		t.Errorf("Expected status code 200, got %d", resp.StatusCode)
	}
	if string(resp.Body) != "plain integration body" {
		t.Errorf("Expected the canned body, got %q", resp.Body)
	}
	if srv.requestCount() != 1 {
		t.Fatalf("Expected 1 request at the origin, got %d", srv.requestCount())
	}
	if req := srv.request(0); !strings.HasPrefix(req, "GET / HTTP/1.1\r\n") {
		t.Errorf("Expected origin-form request line, got %q", req)
	}
}

func TestFetchHTTPSThroughDecorator(t *testing.T) {
	defer goleak.VerifyNone(t)
	cert, pool := serverCert(t, "origin.test")
	srv := newOriginServer(t, tlsConfigFor("origin.test", cert), "200 OK", "secure integration body")
	defer srv.Stop()

	c := client.New(&client.Config{TLS: security.ClientConfig{
		ServerName: "origin.test",
		RootCAs:    pool,
	}})
	resp, err := c.Fetch(context.Background(), srv.url("https"))
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if resp.Outcome != client.OutcomeCompleted {
		t.Errorf("Expected outcome completed, got %v", resp.Outcome)
	}
	if string(resp.Body) != "secure integration body" {
		t.Errorf("Expected the canned body, got %q", resp.Body)
	}
	if srv.requestCount() != 1 {
		t.Errorf("Expected 1 request at the origin, got %d", srv.requestCount())
	}
}

func TestFetchHTTPSCloseDelimitedBody(t *testing.T) {
	defer goleak.VerifyNone(t)
	cert, pool := serverCert(t, "origin.test")
	body := strings.Repeat("stream until the origin hangs up ", 1200)
	srv := newStreamingOriginServer(t, tlsConfigFor("origin.test", cert), "200 OK", body)
	defer srv.Stop()

	c := client.New(&client.Config{TLS: security.ClientConfig{
		ServerName: "origin.test",
		RootCAs:    pool,
	}})
	resp, err := c.Fetch(context.Background(), srv.url("https"))
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if resp.Outcome != client.OutcomeCompleted {
		t.Errorf("Expected outcome completed, got %v", resp.Outcome)
	}
	if resp.Headers.Get("Content-Length") != "" {
		t.Fatalf("Expected a close-delimited response, got Content-Length %q", resp.Headers.Get("Content-Length"))
	}
	if string(resp.Body) != body {
		t.Errorf("Expected the full %d-byte streamed body, got %d bytes", len(body), len(resp.Body))
	}
	if srv.requestCount() != 1 {
		t.Errorf("Expected 1 request at the origin, got %d", srv.requestCount())
	}
}

func TestFetchHTTPSRejectsUntrustedAuthority(t *testing.T) {
	defer goleak.VerifyNone(t)
	cert, _ := serverCert(t, "origin.test")
	_, otherPool := serverCert(t, "origin.test")
	srv := newOriginServer(t, tlsConfigFor("origin.test", cert), "200 OK", "should never arrive")
	defer srv.Stop()

	c := client.New(&client.Config{TLS: security.ClientConfig{
		ServerName: "origin.test",
		RootCAs:    otherPool,
	}})
	resp, err := c.Fetch(context.Background(), srv.url("https"))
	if err == nil {
		t.Fatal("Expected the fetch to reject an untrusted certificate chain")
	}
	if resp.Outcome != client.OutcomeUnableToConnect {
		t.Errorf("Expected outcome unable_to_connect, got %v", resp.Outcome)
	}
	if srv.requestCount() != 0 {
		t.Errorf("Expected no request to reach the origin, got %d", srv.requestCount())
	}
}

func TestFetchSequential(t *testing.T) {
	defer goleak.VerifyNone(t)
	srv := newOriginServer(t, nil, "200 OK", "fetch me")
	defer srv.Stop()

	c := client.New(nil)
	for i := 0; i < 3; i++ {
		resp, err := c.Fetch(context.Background(), srv.url("http"))
		if err != nil {
			t.Fatalf("fetch %d failed: %v", i, err)
		}
		if string(resp.Body) != "fetch me" {
			t.Errorf("Expected the canned body on fetch %d, got %q", i, resp.Body)
		}
	}
	if srv.requestCount() != 3 {
		t.Errorf("Expected 3 requests at the origin, got %d", srv.requestCount())
	}
}
