package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/WhileEndless/go-rawpool/pkg/timing"
)

var connCounter atomic.Uint64

// Conn is a physical client connection. The socket underneath it changes as
// the route is established: a TLS layer replaces the plain socket in place.
type Conn struct {
	id    string
	timer *timing.Timer

	mu        sync.RWMutex
	sock      net.Conn
	open      bool
	tlsState  *tls.ConnectionState
	soTimeout time.Duration
}

// NewConn creates an unbound connection.
func NewConn() *Conn {
	return &Conn{
		id:    fmt.Sprintf("http-outgoing-%d", connCounter.Add(1)-1),
		timer: timing.NewTimer(),
	}
}

// ID returns the connection identifier used in log output.
func (c *Conn) ID() string { return c.id }

// Bind attaches sock to the connection and marks it open.
func (c *Conn) Bind(sock net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sock = sock
	c.open = true
	if tc, ok := sock.(*tls.Conn); ok {
		st := tc.ConnectionState()
		c.tlsState = &st
	}
}

// Socket returns the bound socket, or nil.
func (c *Conn) Socket() net.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sock
}

// IsOpen reports whether a socket is bound and the connection was not closed.
func (c *Conn) IsOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.open && c.sock != nil
}

// IsSecure reports whether the bound socket speaks TLS.
func (c *Conn) IsSecure() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tlsState != nil
}

// IsStale probes an idle connection for a peer close without consuming data.
func (c *Conn) IsStale() bool {
	c.mu.RLock()
	sock, open := c.sock, c.open
	c.mu.RUnlock()
	if !open || sock == nil {
		return true
	}
	raw := rawSocket(sock)
	// Read leaves its so-timeout deadline on the socket; once passed it would
	// fail the peek on an idle but healthy connection.
	if err := raw.SetReadDeadline(time.Time{}); err != nil {
		return true
	}
	return isStale(raw)
}

// TLSState returns the handshake state of the TLS layer, if any.
func (c *Conn) TLSState() (tls.ConnectionState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.tlsState == nil {
		return tls.ConnectionState{}, false
	}
	return *c.tlsState, true
}

// NegotiatedProtocol returns the ALPN protocol of the TLS layer.
func (c *Conn) NegotiatedProtocol() string {
	st, ok := c.TLSState()
	if !ok {
		return ""
	}
	return st.NegotiatedProtocol
}

// Timer returns the establishment timer.
func (c *Conn) Timer() *timing.Timer { return c.timer }

// Metrics returns establishment timings.
func (c *Conn) Metrics() timing.Metrics { return c.timer.GetMetrics() }

// SetSoTimeout sets the read timeout applied before each Read. Zero disables it.
func (c *Conn) SetSoTimeout(d time.Duration) {
	c.mu.Lock()
	c.soTimeout = d
	c.mu.Unlock()
}

// Close closes the connection. Closing an unbound or closed connection is a no-op.
func (c *Conn) Close() error {
	c.mu.Lock()
	sock, open := c.sock, c.open
	c.open = false
	c.mu.Unlock()
	if sock == nil || !open {
		return nil
	}
	return sock.Close()
}

// Shutdown closes the connection immediately, discarding unsent data.
func (c *Conn) Shutdown() error {
	c.mu.Lock()
	sock := c.sock
	c.open = false
	c.mu.Unlock()
	if sock == nil {
		return nil
	}
	if tcp, ok := rawSocket(sock).(*net.TCPConn); ok {
		_ = tcp.SetLinger(0)
		return tcp.Close()
	}
	return sock.Close()
}

func (c *Conn) socket() (net.Conn, time.Duration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sock == nil || !c.open {
		return nil, 0, net.ErrClosed
	}
	return c.sock, c.soTimeout, nil
}

func (c *Conn) Read(b []byte) (int, error) {
	sock, soTimeout, err := c.socket()
	if err != nil {
		return 0, err
	}
	if soTimeout > 0 {
		if err := sock.SetReadDeadline(time.Now().Add(soTimeout)); err != nil {
			return 0, err
		}
	}
	return sock.Read(b)
}

func (c *Conn) Write(b []byte) (int, error) {
	sock, _, err := c.socket()
	if err != nil {
		return 0, err
	}
	return sock.Write(b)
}

func (c *Conn) LocalAddr() net.Addr {
	if sock := c.Socket(); sock != nil {
		return sock.LocalAddr()
	}
	return nil
}

func (c *Conn) RemoteAddr() net.Addr {
	if sock := c.Socket(); sock != nil {
		return sock.RemoteAddr()
	}
	return nil
}

func (c *Conn) SetDeadline(t time.Time) error {
	sock, _, err := c.socket()
	if err != nil {
		return err
	}
	return sock.SetDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	sock, _, err := c.socket()
	if err != nil {
		return err
	}
	return sock.SetReadDeadline(t)
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	sock, _, err := c.socket()
	if err != nil {
		return err
	}
	return sock.SetWriteDeadline(t)
}

func (c *Conn) String() string {
	if sock := c.Socket(); sock != nil {
		return fmt.Sprintf("%s %s->%s", c.id, sock.LocalAddr(), sock.RemoteAddr())
	}
	return c.id + " [not bound]"
}

// rawSocket unwraps TLS layers down to the transport socket.
func rawSocket(sock net.Conn) net.Conn {
	for {
		tc, ok := sock.(*tls.Conn)
		if !ok {
			return sock
		}
		sock = tc.NetConn()
	}
}

var _ net.Conn = (*Conn)(nil)
