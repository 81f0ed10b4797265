package comm

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout bounds every connect, read, and write
	DefaultTimeout = 5 * time.Second

	// DefaultIdleTimeout is how long an unused connection is kept open
	DefaultIdleTimeout = 5 * time.Minute

	livenessProbe = time.Millisecond
)

// entry is the cached state for one endpoint.  mu serializes every
// operation on the endpoint.
type entry struct {
	mu       sync.Mutex
	conn     io.ReadWriteCloser
	rd       *bufio.Reader
	lastUsed time.Time
	timer    *time.Timer
}

func (e *entry) close() {
	if e.conn != nil {
		e.conn.Close()
	}
	e.conn = nil
	e.rd = nil
}

// Pool holds at most one connection per endpoint string.  Connections are
// established lazily, checked for liveness before every use, and closed
// after IdleTimeout without use.  It is safe for concurrent use; calls on
// the same endpoint are serialized.  Pools must be created with NewPool.
type Pool struct {
	// Timeout bounds connect, read, and write of each operation
	Timeout time.Duration

	// IdleTimeout is how long an unused connection survives.  Zero
	// disables reclaiming.
	IdleTimeout time.Duration

	// Dial opens connections.  NewPool installs a Dialer with backoff.
	Dial DialFunc

	// OnFailure, if not nil, is called once for every failed operation
	OnFailure func(endpoint string, err error)

	mu      sync.Mutex
	entries map[string]*entry
	warn    map[string]*rate.Limiter
}

// NewPool returns a Pool with default timeouts that resolves certificates
// in the working directory
func NewPool() *Pool {
	return &Pool{
		Timeout:     DefaultTimeout,
		IdleTimeout: DefaultIdleTimeout,
		Dial:        Dialer{CertDir: ".", Retry: true}.Dial,
		entries:     make(map[string]*entry),
		warn:        make(map[string]*rate.Limiter),
	}
}

func (p *Pool) entry(endpoint string) *entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[endpoint]
	if !ok {
		e = &entry{}
		p.entries[endpoint] = e
	}
	return e
}

// warnf logs a transport failure, at most a few per second per endpoint
func (p *Pool) warnf(endpoint string, format string, args ...interface{}) {
	p.mu.Lock()
	lim, ok := p.warn[endpoint]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Second), 3)
		p.warn[endpoint] = lim
	}
	p.mu.Unlock()
	if lim.Allow() {
		log.Printf(format, args...)
	}
}

// ensure makes e hold a live connection.  e.mu must be held.
func (p *Pool) ensure(endpoint string, e *entry) error {
	if e.conn != nil {
		if err := e.alive(); err == nil {
			return nil
		}
		e.close()
	}
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return err
	}
	conn, err := p.Dial(ep, p.Timeout)
	if err != nil {
		return err
	}
	e.conn = conn
	e.rd = bufio.NewReader(conn)
	return nil
}

// alive checks that the peer has not hung up.  Stale bytes left over from a
// previous exchange are discarded.
func (e *entry) alive() error {
	nc, ok := e.conn.(net.Conn)
	if !ok {
		// serial ports have no notion of a peer hanging up
		return nil
	}
	if n := e.rd.Buffered(); n > 0 {
		e.rd.Discard(n)
	}
	nc.SetReadDeadline(time.Now().Add(livenessProbe))
	_, err := e.rd.Peek(1)
	nc.SetReadDeadline(time.Time{})
	if err == nil {
		e.rd.Discard(e.rd.Buffered())
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return nil
	}
	if err == io.EOF {
		return ErrPeerClosed
	}
	return err
}

func (e *entry) deadline(d time.Duration) {
	if nc, ok := e.conn.(net.Conn); ok {
		nc.SetDeadline(time.Now().Add(d))
	}
}

// exchange writes cmd and, if read is true, reads the reply.  e.mu must be held.
func (e *entry) exchange(cmd []byte, read bool, term byte, count int, timeout time.Duration) ([]byte, error) {
	e.deadline(timeout)
	if _, err := e.conn.Write(cmd); err != nil {
		return nil, err
	}
	if !read {
		return nil, nil
	}
	if count > 0 {
		buf := make([]byte, count)
		_, err := io.ReadFull(e.rd, buf)
		return buf, err
	}
	buf, err := e.rd.ReadBytes(term)
	if err != nil {
		return buf, err
	}
	return bytes.TrimSuffix(buf, []byte{term}), nil
}

// do performs one operation on an endpoint, evicting the connection and
// retrying once on failure
func (p *Pool) do(endpoint, command string, read bool, term byte, count int) ([]byte, error) {
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	cmd := []byte(command)
	e := p.entry(endpoint)
	e.mu.Lock()
	defer e.mu.Unlock()
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if err = p.ensure(endpoint, e); err != nil {
			// the dialer already retried with backoff
			break
		}
		var resp []byte
		resp, err = e.exchange(cmd, read, term, count, p.Timeout)
		if err == nil {
			p.touch(e)
			return resp, nil
		}
		e.close()
	}
	if p.OnFailure != nil {
		p.OnFailure(endpoint, err)
	}
	return nil, err
}

// touch records use of e and rearms its idle timer.  e.mu must be held.
func (p *Pool) touch(e *entry) {
	e.lastUsed = time.Now()
	if p.IdleTimeout <= 0 {
		return
	}
	if e.timer == nil {
		idle := p.IdleTimeout
		e.timer = time.AfterFunc(idle, func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if time.Since(e.lastUsed) >= idle {
				e.close()
			}
		})
		return
	}
	e.timer.Reset(p.IdleTimeout)
}

// Send delivers command to endpoint, appending a newline if missing.
// No reply is read.  Failures are logged and swallowed.
func (p *Pool) Send(endpoint, command string) {
	if _, err := p.do(endpoint, command, false, 0, 0); err != nil {
		p.warnf(endpoint, "comm: send %q to %s failed: %v", strings.TrimSpace(command), endpoint, err)
	}
}

// SendErr is Send, returning the failure instead of logging it
func (p *Pool) SendErr(endpoint, command string) error {
	_, err := p.do(endpoint, command, false, 0, 0)
	return err
}

// Query sends command and reads the reply.  If count > 0, exactly count bytes
// are read, otherwise the reply runs until term, which is stripped.
// Failures are logged and yield an empty slice.
func (p *Pool) Query(endpoint, command string, term byte, count int) []byte {
	resp, err := p.QueryErr(endpoint, command, term, count)
	if err != nil {
		p.warnf(endpoint, "comm: query %q to %s failed: %v", strings.TrimSpace(command), endpoint, err)
		return []byte{}
	}
	return resp
}

// QueryErr is Query, returning the failure instead of logging it
func (p *Pool) QueryErr(endpoint, command string, term byte, count int) ([]byte, error) {
	return p.do(endpoint, command, true, term, count)
}

// Connected returns true if a usable connection to endpoint exists or can be
// established within one second
func (p *Pool) Connected(endpoint string) bool {
	e := p.entry(endpoint)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		if e.alive() == nil {
			return true
		}
		e.close()
	}
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return false
	}
	conn, err := p.dialOnce(ep)
	if err != nil {
		return false
	}
	e.conn = conn
	e.rd = bufio.NewReader(conn)
	p.touch(e)
	return true
}

func (p *Pool) dialOnce(ep Endpoint) (io.ReadWriteCloser, error) {
	timeout := time.Second
	if p.Timeout < timeout {
		timeout = p.Timeout
	}
	return p.Dial(ep, timeout)
}

// Disconnect closes and forgets any cached connection to endpoint
func (p *Pool) Disconnect(endpoint string) {
	e := p.entry(endpoint)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.close()
}

// Close disconnects every endpoint
func (p *Pool) Close() {
	p.mu.Lock()
	eps := make([]string, 0, len(p.entries))
	for k := range p.entries {
		eps = append(eps, k)
	}
	p.mu.Unlock()
	for _, ep := range eps {
		p.Disconnect(ep)
	}
}
