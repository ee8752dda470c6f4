// Package http2 performs the HTTP/2 connection preface on a connection whose
// TLS layer negotiated h2, so that a pooled connection is ready for streams.
package http2

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/WhileEndless/go-rawpool/pkg/constants"
	"github.com/WhileEndless/go-rawpool/pkg/errors"
	"github.com/WhileEndless/go-rawpool/pkg/logging"
)

// NextProtoTLS is the ALPN protocol ID for HTTP/2 over TLS.
const NextProtoTLS = http2.NextProtoTLS

var log = logging.For("http2")

var aLongTimeAgo = time.Unix(1, 0)

// Prime writes the client preface and SETTINGS, answers the server's
// SETTINGS and PINGs, and waits for the ACK of its own SETTINGS. It returns
// the settings the server announced.
func Prime(ctx context.Context, conn net.Conn, opts *Options) (PeerSettings, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if err := ValidateOptions(opts); err != nil {
		return nil, errors.NewConfigurationError("invalid HTTP/2 options", err)
	}

	deadline := time.Now().Add(constants.SettingsAckTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, errors.NewIOError("set deadline", err)
	}
	defer conn.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(aLongTimeAgo) })
	defer stop()

	if _, err := io.WriteString(conn, http2.ClientPreface); err != nil {
		return nil, errors.NewProtocolError("failed to write client preface", err)
	}

	fr := http2.NewFramer(conn, conn)
	fr.ReadMetaHeaders = hpack.NewDecoder(opts.HeaderTableSize, nil)
	fr.MaxHeaderListSize = opts.MaxHeaderListSize

	if err := sendInitialSettings(fr, opts); err != nil {
		return nil, err
	}
	peer, err := waitForSettingsAck(fr)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.NewProtocolError("HTTP/2 preface interrupted", ctxErr)
		}
		return nil, err
	}

	// Go's HTTP/2 client raises the connection window right after the preface.
	if opts.InitialWindowSize > 65535 {
		if err := fr.WriteWindowUpdate(0, opts.InitialWindowSize-65535); err != nil {
			return nil, errors.NewProtocolError("failed to write connection window update", err)
		}
	}

	log.WithFields(logrus.Fields{
		"remote":                 conn.RemoteAddr(),
		"max_concurrent_streams": peer.MaxConcurrentStreams(),
	}).Debug("HTTP/2 preface complete")
	return peer, nil
}

func sendInitialSettings(fr *http2.Framer, opts *Options) error {
	if err := fr.WriteSettings(opts.settings()...); err != nil {
		return errors.NewProtocolError("failed to write settings", err)
	}
	return nil
}

func waitForSettingsAck(fr *http2.Framer) (PeerSettings, error) {
	peer := make(PeerSettings)
	for {
		frame, err := fr.ReadFrame()
		if err != nil {
			return nil, errors.NewProtocolError("failed to read frame while waiting for SETTINGS ACK", err)
		}

		switch f := frame.(type) {
		case *http2.SettingsFrame:
			if f.IsAck() {
				return peer, nil
			}
			if err := f.ForeachSetting(func(s http2.Setting) error {
				peer[s.ID] = s.Val
				return nil
			}); err != nil {
				return nil, errors.NewProtocolError("invalid server settings", err)
			}
			if err := fr.WriteSettingsAck(); err != nil {
				return nil, errors.NewProtocolError("failed to ACK server settings", err)
			}

		case *http2.WindowUpdateFrame:

		case *http2.PingFrame:
			if f.IsAck() {
				continue
			}
			if err := fr.WritePing(true, f.Data); err != nil {
				return nil, errors.NewProtocolError("failed to respond to PING", err)
			}

		case *http2.GoAwayFrame:
			return nil, errors.NewProtocolError(fmt.Sprintf("server sent GOAWAY during handshake: last stream %d, error %v",
				f.LastStreamID, f.ErrCode), nil)

		default:
			return nil, errors.NewProtocolError(fmt.Sprintf("unexpected frame during SETTINGS handshake: %T", frame), nil)
		}
	}
}
