// Package tunnel establishes tunnels through proxies over connections that
// are already open to the proxy.
package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/WhileEndless/go-rawpool/pkg/constants"
	"github.com/WhileEndless/go-rawpool/pkg/errors"
	"github.com/WhileEndless/go-rawpool/pkg/proxy"
	"github.com/WhileEndless/go-rawpool/pkg/route"
)

var aLongTimeAgo = time.Unix(1, 0)

// HTTPConnect asks the HTTP proxy at the other end of conn to open a tunnel
// to target. On failure conn must be discarded.
func HTTPConnect(ctx context.Context, conn net.Conn, via, target route.Host, cred *proxy.Credential, header http.Header) error {
	hdr := header.Clone()
	if hdr == nil {
		hdr = make(http.Header)
	}
	if cred != nil && hdr.Get("Proxy-Authorization") == "" {
		hdr.Set("Proxy-Authorization", cred.BasicAuth())
	}
	authority := target.Address()
	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: authority},
		Host:   authority,
		Header: hdr,
	}

	ctx, cancel := connectContext(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(aLongTimeAgo) })
	defer stop()

	if err := connectReq.Write(conn); err != nil {
		return errors.NewTunnelError(via.Name, via.Port, "failed to send CONNECT", contextCause(ctx, err))
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, connectReq)
	if err != nil {
		return errors.NewTunnelError(via.Name, via.Port, "failed to read CONNECT response", contextCause(ctx, err))
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.NewTunnelError(via.Name, via.Port,
			fmt.Sprintf("proxy refused CONNECT to %s: %s", authority, resp.Status), nil)
	}
	if br.Buffered() > 0 {
		return errors.NewTunnelError(via.Name, via.Port, "unexpected data after CONNECT response", nil)
	}
	if !stop() {
		return errors.NewTunnelError(via.Name, via.Port, "CONNECT interrupted", ctx.Err())
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return errors.NewTunnelError(via.Name, via.Port, "failed to clear deadline", err)
	}

	log.WithFields(logrus.Fields{
		"proxy":  via.String(),
		"target": authority,
		"status": resp.StatusCode,
	}).Debug("CONNECT tunnel established")
	return nil
}

// connectContext bounds handshakes on contexts without a deadline.
func connectContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, constants.DefaultConnectTimeout)
}

func contextCause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
