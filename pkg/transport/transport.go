// Package transport opens physical connections to the first hop of a route
// and layers protocols such as TLS over connections that are already open.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/WhileEndless/go-rawpool/pkg/constants"
	"github.com/WhileEndless/go-rawpool/pkg/errors"
	"github.com/WhileEndless/go-rawpool/pkg/route"
)

// SocketOptions are applied to every socket Open connects.
type SocketOptions struct {
	// ConnectTimeout bounds each address attempt. Zero means ctx only.
	ConnectTimeout time.Duration
	NoDelay        bool
	// Linger in whole seconds; zero or negative leaves the OS default.
	Linger time.Duration
	// KeepAlive period; zero leaves the OS default, negative disables it.
	KeepAlive time.Duration
	// SoTimeout is the read timeout applied to each Read.
	SoTimeout time.Duration
}

// DefaultSocketOptions returns the options used when none are configured.
func DefaultSocketOptions() SocketOptions {
	return SocketOptions{
		ConnectTimeout: constants.DefaultConnTimeout,
		NoDelay:        true,
		Linger:         constants.DefaultLinger,
	}
}

// Operator opens connections and upgrades them in place.
type Operator struct {
	registry *Registry
	resolver Resolver
}

// NewOperator creates an operator. Nil arguments select DefaultRegistry with
// default TLS options and a SystemResolver.
func NewOperator(registry *Registry, resolver Resolver) *Operator {
	if registry == nil {
		registry = DefaultRegistry(defaultTLSOptions)
	}
	if resolver == nil {
		resolver = NewSystemResolver(constants.DefaultDNSTimeout)
	}
	return &Operator{registry: registry, resolver: resolver}
}

// Registry returns the scheme registry.
func (o *Operator) Registry() *Registry { return o.registry }

// Open connects conn to target, trying each resolved address in order. A
// timeout or refusal on any address but the last moves on to the next one;
// any other failure ends the attempt at once.
func (o *Operator) Open(ctx context.Context, conn *Conn, target route.Host, local net.IP, opts SocketOptions) error {
	if conn.IsOpen() {
		return errors.NewRouteStateError("connection is already open")
	}
	factory, err := o.registry.Lookup(target.Scheme)
	if err != nil {
		return err
	}

	ips, err := o.resolve(ctx, conn, target.Name)
	if err != nil {
		return err
	}

	var localAddr *net.TCPAddr
	if local != nil {
		localAddr = &net.TCPAddr{IP: local}
	}

	ctx = withTimer(ctx, conn.Timer())
	for i, ip := range ips {
		last := i == len(ips)-1
		remote := &net.TCPAddr{IP: ip, Port: target.Port}

		sock, err := factory.ConnectSocket(ctx, target, remote, localAddr, opts.ConnectTimeout)
		if err == nil {
			if err := applySocketOptions(sock, opts); err != nil {
				sock.Close()
				return errors.NewConnectionError(target.Name, target.Port, err)
			}
			conn.SetSoTimeout(opts.SoTimeout)
			conn.Bind(sock)
			log.WithFields(logrus.Fields{
				"conn":   conn.ID(),
				"target": target.String(),
				"remote": remote.String(),
			}).Debug("connection established")
			return nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Classify(target.Name, target.Port, opts.ConnectTimeout, ctxErr)
		}
		cerr := errors.Classify(target.Name, target.Port, opts.ConnectTimeout, err)
		if last || !errors.IsConnectivityError(cerr) {
			return cerr
		}
		log.WithFields(logrus.Fields{
			"conn":   conn.ID(),
			"remote": remote.String(),
			"error":  cerr.Error(),
		}).Debug("connect attempt failed, trying next address")
	}
	return errors.NewDNSError(target.Name, nil)
}

func (o *Operator) resolve(ctx context.Context, conn *Conn, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	conn.Timer().StartDNS()
	defer conn.Timer().EndDNS()
	ips, err := o.resolver.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, errors.NewDNSError(host, nil)
	}
	return ips, nil
}

// Upgrade layers the target scheme's protocol over the open connection and
// rebinds conn to the layered socket.
func (o *Operator) Upgrade(ctx context.Context, conn *Conn, target route.Host) error {
	if !conn.IsOpen() {
		return errors.NewRouteStateError("connection is not open")
	}
	factory, err := o.registry.Lookup(target.Scheme)
	if err != nil {
		return err
	}
	layered, ok := factory.(LayeredSocketFactory)
	if !ok {
		return errors.NewConfigurationError(fmt.Sprintf("socket factory for scheme %q cannot layer over an open connection", target.Scheme), nil)
	}

	sock, err := layered.CreateLayeredSocket(withTimer(ctx, conn.Timer()), conn.Socket(), target)
	if err != nil {
		return err
	}
	conn.Bind(sock)
	log.WithFields(logrus.Fields{
		"conn":   conn.ID(),
		"target": target.String(),
	}).Debug("connection upgraded")
	return nil
}

func applySocketOptions(sock net.Conn, opts SocketOptions) error {
	tcp, ok := rawSocket(sock).(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tcp.SetNoDelay(opts.NoDelay); err != nil {
		return err
	}
	if opts.Linger > 0 {
		if err := tcp.SetLinger(int(opts.Linger / time.Second)); err != nil {
			return err
		}
	}
	switch {
	case opts.KeepAlive > 0:
		if err := tcp.SetKeepAlive(true); err != nil {
			return err
		}
		return tcp.SetKeepAlivePeriod(opts.KeepAlive)
	case opts.KeepAlive < 0:
		return tcp.SetKeepAlive(false)
	}
	return nil
}
