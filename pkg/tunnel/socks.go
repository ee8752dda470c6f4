package tunnel

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	xproxy "golang.org/x/net/proxy"

	"github.com/WhileEndless/go-rawpool/pkg/errors"
	"github.com/WhileEndless/go-rawpool/pkg/proxy"
	"github.com/WhileEndless/go-rawpool/pkg/route"
)

// forwardDialer hands the SOCKS client the connection that is already open
// to the proxy instead of dialing a new one.
type forwardDialer struct {
	conn net.Conn
}

func (d forwardDialer) Dial(network, addr string) (net.Conn, error) {
	return d.conn, nil
}

func (d forwardDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return d.conn, nil
}

// SOCKS5 performs a SOCKS5 CONNECT to target through the proxy at the other
// end of conn. The target name is resolved by the proxy. On failure conn is
// closed.
func SOCKS5(ctx context.Context, conn net.Conn, via, target route.Host, cred *proxy.Credential) error {
	var auth *xproxy.Auth
	if cred != nil {
		auth = &xproxy.Auth{User: cred.Username, Password: cred.Password}
	}
	dialer, err := xproxy.SOCKS5("tcp", via.Address(), auth, forwardDialer{conn: conn})
	if err != nil {
		return errors.NewConfigurationError("invalid SOCKS5 proxy", err)
	}
	cd, ok := dialer.(xproxy.ContextDialer)
	if !ok {
		return errors.NewConfigurationError("SOCKS5 dialer does not support contexts", nil)
	}

	ctx, cancel := connectContext(ctx)
	defer cancel()

	if _, err := cd.DialContext(ctx, "tcp", target.Address()); err != nil {
		return errors.NewTunnelError(via.Name, via.Port,
			fmt.Sprintf("SOCKS5 CONNECT to %s failed", target.Address()), contextCause(ctx, err))
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return errors.NewTunnelError(via.Name, via.Port, "failed to clear deadline", err)
	}

	log.WithFields(logrus.Fields{
		"proxy":  via.String(),
		"target": target.Address(),
	}).Debug("SOCKS5 tunnel established")
	return nil
}

// Establish tunnels from the proxy via to target using the protocol the
// proxy's scheme names.
func Establish(ctx context.Context, conn net.Conn, via, target route.Host, creds *proxy.Credentials) error {
	cred := creds.Get(via)
	switch via.Scheme {
	case "http", "https":
		return HTTPConnect(ctx, conn, via, target, cred, nil)
	case "socks5":
		return SOCKS5(ctx, conn, via, target, cred)
	}
	return errors.NewConfigurationError(fmt.Sprintf("cannot tunnel through proxy scheme %q", via.Scheme), nil)
}
