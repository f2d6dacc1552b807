// Command fetch retrieves a URL over a conduit connection and prints the
// response. An https URL gets a TLS session layered over the TCP
// connection; http goes direct to the transport.
//
// Usage:
//
//	fetch [-v] [-timeout 30s] [-cafile bundle.pem] [-servername name] URL
//
// The status line and headers go to stderr, the body to stdout, so the
// output can be piped. Without -cafile any server certificate is accepted.
package main

import (
	"context"
	"crypto/x509"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/apex/log"

	"github.com/bbockelm/conduit/client"
	"github.com/bbockelm/conduit/security"
	"github.com/bbockelm/conduit/transport"
)

// logStart anchors the elapsed-seconds column of the log output.
var logStart = time.Now()

// logHandler writes apex/log entries with an elapsed-seconds prefix.
type logHandler struct {
	io.Writer
}

var _ log.Handler = &logHandler{}

func (h *logHandler) HandleLog(e *log.Entry) error {
	line := fmt.Sprintf("[%10.6f] <%s> %s", time.Since(logStart).Seconds(), e.Level, e.Message)
	if len(e.Fields) > 0 {
		line += fmt.Sprintf(" %+v", e.Fields)
	}
	_, err := io.WriteString(h.Writer, line+"\n")
	return err
}

func main() {
	verbose := flag.Bool("v", false, "enable debug logging")
	timeout := flag.Duration("timeout", transport.DefaultDialTimeout, "overall transaction timeout")
	caFile := flag.String("cafile", "", "PEM bundle of trusted roots; without it any server certificate is accepted")
	serverName := flag.String("servername", "", "override the TLS server name (defaults to the URL host)")
	userAgent := flag.String("user-agent", "", "override the User-Agent header")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [options] URL\n\nOptions:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	log.SetHandler(&logHandler{os.Stderr})
	log.SetLevel(log.InfoLevel)
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := &client.Config{
		Logger:    log.Log,
		Timeout:   *timeout,
		UserAgent: *userAgent,
		TLS: security.ClientConfig{
			ServerName: *serverName,
		},
	}
	if *caFile != "" {
		pool, err := loadRoots(*caFile)
		if err != nil {
			log.Errorf("❌ %v", err)
			os.Exit(1)
		}
		cfg.TLS.RootCAs = pool
	}

	resp, err := client.New(cfg).Fetch(ctx, flag.Arg(0))
	if err != nil {
		log.Errorf("❌ fetch %s: %v", resp.Outcome, err)
		os.Exit(exitCode(resp.Outcome))
	}

	log.Infof("✅ %s (%d body bytes)", resp.Status, len(resp.Body))
	printResponse(resp)
}

// loadRoots reads a PEM bundle of trusted certificate authorities.
func loadRoots(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

// exitCode maps a fetch outcome to the process exit status. Zero means a
// complete response; usage errors exit 2 before a fetch starts.
func exitCode(o client.Outcome) int {
	switch o {
	case client.OutcomeCompleted:
		return 0
	case client.OutcomeUnableToConnect:
		return 3
	case client.OutcomeBroken:
		return 4
	case client.OutcomeTimeout:
		return 5
	default:
		return 1
	}
}

func printResponse(resp *client.Response) {
	fmt.Fprintf(os.Stderr, "HTTP/1.1 %s\n", resp.Status)
	keys := make([]string, 0, len(resp.Headers))
	for k := range resp.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range resp.Headers[k] {
			fmt.Fprintf(os.Stderr, "%s: %s\n", k, v)
		}
	}
	fmt.Fprintln(os.Stderr)
	os.Stdout.Write(resp.Body)
}
