package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/WhileEndless/go-rawpool/pkg/constants"
	"github.com/WhileEndless/go-rawpool/pkg/errors"
	"github.com/WhileEndless/go-rawpool/pkg/route"
	"github.com/WhileEndless/go-rawpool/pkg/timing"
	"github.com/WhileEndless/go-rawpool/pkg/tlsconfig"
)

// SocketFactory opens sockets for one URI scheme.
type SocketFactory interface {
	// ConnectSocket connects to remote, which is one resolved address of
	// target. A zero timeout leaves the attempt bounded only by ctx.
	ConnectSocket(ctx context.Context, target route.Host, remote, local *net.TCPAddr, timeout time.Duration) (net.Conn, error)
}

// LayeredSocketFactory can also layer its protocol over an open socket.
type LayeredSocketFactory interface {
	SocketFactory
	CreateLayeredSocket(ctx context.Context, sock net.Conn, target route.Host) (net.Conn, error)
}

var defaultTLSOptions = tlsconfig.Options{NextProtos: []string{"http/1.1"}}

type timerKey struct{}

func withTimer(ctx context.Context, t *timing.Timer) context.Context {
	return context.WithValue(ctx, timerKey{}, t)
}

func timerFrom(ctx context.Context) *timing.Timer {
	if t, ok := ctx.Value(timerKey{}).(*timing.Timer); ok {
		return t
	}
	return timing.NewTimer()
}

// PlainSocketFactory opens plain TCP sockets.
type PlainSocketFactory struct{}

func (PlainSocketFactory) ConnectSocket(ctx context.Context, target route.Host, remote, local *net.TCPAddr, timeout time.Duration) (net.Conn, error) {
	timer := timerFrom(ctx)
	timer.StartTCP()
	defer timer.EndTCP()

	d := &net.Dialer{Timeout: timeout}
	if local != nil {
		d.LocalAddr = local
	}
	return d.DialContext(ctx, "tcp", remote.String())
}

// TLSSocketFactory opens TLS sockets and layers TLS over tunnels.
type TLSSocketFactory struct {
	Options          tlsconfig.Options
	HandshakeTimeout time.Duration
}

func (f *TLSSocketFactory) ConnectSocket(ctx context.Context, target route.Host, remote, local *net.TCPAddr, timeout time.Duration) (net.Conn, error) {
	sock, err := PlainSocketFactory{}.ConnectSocket(ctx, target, remote, local, timeout)
	if err != nil {
		return nil, err
	}
	tlsSock, err := f.CreateLayeredSocket(ctx, sock, target)
	if err != nil {
		sock.Close()
		return nil, err
	}
	return tlsSock, nil
}

func (f *TLSSocketFactory) CreateLayeredSocket(ctx context.Context, sock net.Conn, target route.Host) (net.Conn, error) {
	timer := timerFrom(ctx)
	timer.StartTLS()
	defer timer.EndTLS()

	cfg, err := tlsconfig.Build(f.Options, target.Name)
	if err != nil {
		return nil, errors.NewConfigurationError("invalid TLS options", err)
	}

	timeout := f.HandshakeTimeout
	if timeout <= 0 {
		timeout = constants.DefaultConnTimeout
	}
	hsCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tlsConn := tls.Client(sock, cfg)
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		return nil, errors.NewTLSError(target.Name, target.Port, err)
	}
	return tlsConn, nil
}

// Registry maps URI schemes to socket factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]SocketFactory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]SocketFactory)}
}

// DefaultRegistry registers plain sockets for http and socks5 and TLS
// sockets for https.
func DefaultRegistry(tlsOpts tlsconfig.Options) *Registry {
	r := NewRegistry()
	r.Register("http", PlainSocketFactory{})
	r.Register("socks5", PlainSocketFactory{})
	r.Register("https", &TLSSocketFactory{Options: tlsOpts})
	return r
}

// Register sets the factory for scheme.
func (r *Registry) Register(scheme string, f SocketFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(scheme)] = f
}

// Lookup returns the factory for scheme. A missing factory is a
// configuration error.
func (r *Registry) Lookup(scheme string) (SocketFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[strings.ToLower(scheme)]
	if !ok {
		return nil, errors.NewConfigurationError(fmt.Sprintf("no socket factory registered for scheme %q", scheme), nil)
	}
	return f, nil
}

// Schemes returns the registered schemes in sorted order.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for s := range r.factories {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
