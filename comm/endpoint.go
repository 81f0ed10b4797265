package comm

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// SchemeTCP is a plain TCP connection
	SchemeTCP = "tcp"

	// SchemeSSL is a TLS 1.2 connection using a self-signed certificate pair
	SchemeSSL = "ssl"

	// SchemeSerial is an RS-232 port
	SchemeSerial = "serial"

	// DefaultCert is the certificate used for ssl:// endpoints that do not name one
	DefaultCert = "servers.pem"

	// DefaultBaud is the baud rate of serial:// endpoints that do not name one
	DefaultBaud = 9600
)

// Endpoint is a parsed endpoint string of the form
//
//	[ssl://|tcp://|serial://][cert_name[:key_name]@]host:port
//
// serial endpoints carry a device path and an optional baud rate,
// e.g. serial:///dev/ttyS0,115200
type Endpoint struct {
	Scheme string
	Cert   string
	Key    string
	Addr   string
	Baud   int
}

// ParseEndpoint parses an endpoint string.  The scheme defaults to tcp.
func ParseEndpoint(s string) (Endpoint, error) {
	ep := Endpoint{Scheme: SchemeTCP}
	rest := strings.TrimSpace(s)
	if idx := strings.Index(rest, "://"); idx >= 0 {
		ep.Scheme = strings.ToLower(rest[:idx])
		rest = rest[idx+3:]
	}
	switch ep.Scheme {
	case SchemeTCP, SchemeSSL:
	case SchemeSerial:
		ep.Baud = DefaultBaud
		if idx := strings.LastIndex(rest, ","); idx >= 0 {
			baud, err := strconv.Atoi(rest[idx+1:])
			if err != nil {
				return ep, fmt.Errorf("invalid baud rate in endpoint %q: %w", s, err)
			}
			ep.Baud = baud
			rest = rest[:idx]
		}
		if rest == "" {
			return ep, fmt.Errorf("endpoint %q has no device", s)
		}
		ep.Addr = rest
		return ep, nil
	default:
		return ep, fmt.Errorf("endpoint %q has unknown scheme %q", s, ep.Scheme)
	}
	if idx := strings.LastIndex(rest, "@"); idx >= 0 {
		creds := rest[:idx]
		rest = rest[idx+1:]
		if c := strings.SplitN(creds, ":", 2); len(c) == 2 {
			ep.Cert, ep.Key = c[0], c[1]
		} else {
			ep.Cert = creds
		}
	}
	if ep.Scheme == SchemeSSL {
		if ep.Cert == "" {
			ep.Cert = DefaultCert
		}
		if ep.Key == "" {
			ep.Key = ep.Cert
		}
	}
	if !strings.Contains(rest, ":") {
		return ep, fmt.Errorf("endpoint %q is missing a port", s)
	}
	ep.Addr = rest
	return ep, nil
}

// String is the inverse of ParseEndpoint
func (e Endpoint) String() string {
	switch e.Scheme {
	case SchemeSerial:
		return fmt.Sprintf("serial://%s,%d", e.Addr, e.Baud)
	case SchemeSSL:
		creds := e.Cert
		if e.Key != "" && e.Key != e.Cert {
			creds += ":" + e.Key
		}
		return "ssl://" + creds + "@" + e.Addr
	}
	return "tcp://" + e.Addr
}

// certPath resolves a certificate name against dir; names without an
// extension get .pem appended
func certPath(dir, name string) string {
	if filepath.Ext(name) == "" {
		name += ".pem"
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dir, name)
}
