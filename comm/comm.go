/*Package comm provides pooled, line-oriented request/reply communication with
networked lab hardware.

A Pool caches one connection per endpoint string and serializes access to it.
Most consumers boil down to:

	pool := comm.NewPool()
	resp := pool.Query("tcp://detector:2222", "get_state", '\n', 0)

Endpoints may be plain TCP, TLS 1.2 with a self-signed certificate that acts
as both client certificate and CA (ssl://), or an RS-232 port (serial://).
Query and Send never return failures to the caller; they log them and return
empty values.  QueryErr is available when the cause matters.
*/
package comm

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrNotConnected is generated when a connection cannot be established
	ErrNotConnected = errors.New("not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")

	// ErrPeerClosed is generated when the liveness check finds the remote has hung up
	ErrPeerClosed = errors.New("peer closed the connection")
)

// DialFunc opens a new connection to an endpoint
type DialFunc func(ep Endpoint, timeout time.Duration) (io.ReadWriteCloser, error)

// Dialer opens connections for a Pool.  CertDir is where certificate names
// in ssl:// endpoints are resolved.
type Dialer struct {
	CertDir string

	// Retry enables exponential backoff on connect.  Refused connections
	// are never retried.
	Retry bool
}

// Dial opens a connection to ep
func (d Dialer) Dial(ep Endpoint, timeout time.Duration) (io.ReadWriteCloser, error) {
	if !d.Retry {
		return d.open(ep, timeout)
	}
	var conn io.ReadWriteCloser
	op := func() error {
		c, err := d.open(ep, timeout)
		if err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "refused") {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      timeout,
		Clock:               backoff.SystemClock})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (d Dialer) open(ep Endpoint, timeout time.Duration) (io.ReadWriteCloser, error) {
	switch ep.Scheme {
	case SchemeSerial:
		port, err := serial.OpenPort(&serial.Config{
			Name:        ep.Addr,
			Baud:        ep.Baud,
			Size:        8,
			Parity:      serial.ParityNone,
			StopBits:    serial.Stop1,
			ReadTimeout: timeout})
		if err != nil {
			return nil, err
		}
		return port, nil
	case SchemeSSL:
		conf, err := TLSConfig(d.CertDir, ep)
		if err != nil {
			return nil, err
		}
		conn, err := tls.DialWithDialer(netDialer(timeout), "tcp", ep.Addr, conf)
		if err != nil {
			return nil, err
		}
		return conn, nil
	default:
		return TCPSetup(ep.Addr, timeout)
	}
}

func netDialer(timeout time.Duration) *net.Dialer {
	return &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
}

// TCPSetup opens a new TCP connection with keep-alive enabled and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := netDialer(timeout).Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetKeepAlive(true)
		tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	conn.SetDeadline(time.Now().Add(timeout))
	return conn, nil
}

// TLSConfig builds a TLS 1.2 client configuration for ep.  The certificate
// file is used both as the client certificate and as the only trusted root.
// The chain is verified but the host name is not, since the servers share one
// self-signed certificate.
func TLSConfig(certDir string, ep Endpoint) (*tls.Config, error) {
	certFile := certPath(certDir, ep.Cert)
	keyFile := certPath(certDir, ep.Key)
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading certificate %s: %w", certFile, err)
	}
	pem, err := os.ReadFile(certFile)
	if err != nil {
		return nil, err
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", certFile)
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		MaxVersion:         tls.VersionTLS12,
		Certificates:       []tls.Certificate{cert},
		RootCAs:            roots,
		InsecureSkipVerify: true,
		VerifyConnection: func(cs tls.ConnectionState) error {
			if len(cs.PeerCertificates) == 0 {
				return errors.New("server presented no certificate")
			}
			inter := x509.NewCertPool()
			for _, c := range cs.PeerCertificates[1:] {
				inter.AddCert(c)
			}
			_, err := cs.PeerCertificates[0].Verify(x509.VerifyOptions{
				Roots:         roots,
				Intermediates: inter,
				KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny}})
			return err
		},
	}, nil
}
