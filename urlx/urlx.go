// Package urlx parses the URLs the fetch client accepts into dialable
// endpoints.
//
// Supported URLs look like:
//   - "http://host/path"
//   - "https://host:8443/path?query"
//   - "https://bücher.example/" (hostname converted to punycode)
//
// The scheme selects the default port (80 for http, 443 for https) and
// whether the connection gets a TLS decorator. Hostnames are normalized to
// their ASCII form before they are dialed or used as a TLS server name.
package urlx

import (
	"fmt"
	"net"
	"net/url"
	"strconv"

	"golang.org/x/net/idna"
)

// Endpoint is the dialable form of a parsed URL.
type Endpoint struct {
	Scheme string // "http" or "https"
	Host   string // ASCII hostname or IP literal, without brackets
	Port   uint16 // explicit port, or the scheme default
	Path   string // request path, never empty, starts with "/"
	Query  string // raw query without the "?", empty when absent
}

// Secure reports whether the endpoint requires a TLS session.
func (e Endpoint) Secure() bool {
	return e.Scheme == "https"
}

// Address returns the host:port string to dial.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// RequestTarget returns the origin-form request target for the endpoint.
func (e Endpoint) RequestTarget() string {
	if e.Query == "" {
		return e.Path
	}
	return e.Path + "?" + e.Query
}

// ParseEndpoint parses rawURL into an Endpoint.
//
// Only http and https URLs are accepted; anything else is an error, as is a
// URL without a host. Non-ASCII hostnames are converted to punycode so the
// result is usable both for dialing and as a TLS server name.
func ParseEndpoint(rawURL string) (Endpoint, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parsing %q: %w", rawURL, err)
	}

	var port uint16
	switch u.Scheme {
	case "http":
		port = 80
	case "https":
		port = 443
	default:
		return Endpoint{}, fmt.Errorf("unsupported scheme %q in %q", u.Scheme, rawURL)
	}

	host := u.Hostname()
	if host == "" {
		return Endpoint{}, fmt.Errorf("no host in %q", rawURL)
	}
	if net.ParseIP(host) == nil {
		ascii, err := idna.ToASCII(host)
		if err != nil {
			return Endpoint{}, fmt.Errorf("hostname %q: %w", host, err)
		}
		host = ascii
	}

	if p := u.Port(); p != "" {
		parsed, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return Endpoint{}, fmt.Errorf("port %q in %q: %w", p, rawURL, err)
		}
		port = uint16(parsed)
	}

	path := u.Path
	if path == "" {
		path = "/"
	}

	return Endpoint{
		Scheme: u.Scheme,
		Host:   host,
		Port:   port,
		Path:   path,
		Query:  u.RawQuery,
	}, nil
}
