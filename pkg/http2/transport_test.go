package http2

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"golang.org/x/net/http2"

	"github.com/WhileEndless/go-rawpool/pkg/errors"
)

// fakeServer reads the client preface and SETTINGS, then runs script.
func fakeServer(t *testing.T, conn net.Conn, script func(fr *http2.Framer) error) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		defer conn.Close()
		preface := make([]byte, len(http2.ClientPreface))
		if _, err := io.ReadFull(conn, preface); err != nil {
			done <- err
			return
		}
		if string(preface) != http2.ClientPreface {
			done <- io.ErrUnexpectedEOF
			return
		}
		fr := http2.NewFramer(conn, conn)
		if _, err := fr.ReadFrame(); err != nil {
			done <- err
			return
		}
		done <- script(fr)
	}()
	return done
}

func TestPrime(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	done := fakeServer(t, server, func(fr *http2.Framer) error {
		if err := fr.WriteSettings(http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: 50}); err != nil {
			return err
		}
		// client ACKs our SETTINGS
		f, err := fr.ReadFrame()
		if err != nil {
			return err
		}
		if sf, ok := f.(*http2.SettingsFrame); !ok || !sf.IsAck() {
			t.Errorf("expected SETTINGS ACK, got %T", f)
		}
		if err := fr.WritePing(false, [8]byte{1}); err != nil {
			return err
		}
		if f, err = fr.ReadFrame(); err != nil {
			return err
		}
		if pf, ok := f.(*http2.PingFrame); !ok || !pf.IsAck() {
			t.Errorf("expected PING ACK, got %T", f)
		}
		if err := fr.WriteSettingsAck(); err != nil {
			return err
		}
		f, err = fr.ReadFrame()
		if err != nil {
			return err
		}
		if wu, ok := f.(*http2.WindowUpdateFrame); !ok || wu.Increment != DefaultOptions().InitialWindowSize-65535 {
			t.Errorf("expected connection WINDOW_UPDATE, got %#v", f)
		}
		return nil
	})

	peer, err := Prime(context.Background(), client, nil)
	if err != nil {
		t.Fatalf("Prime: %v", err)
	}
	if peer.MaxConcurrentStreams() != 50 {
		t.Errorf("MaxConcurrentStreams = %d, want 50", peer.MaxConcurrentStreams())
	}
	if err := <-done; err != nil {
		t.Fatalf("server: %v", err)
	}
}

func TestPrimeGoAway(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	fakeServer(t, server, func(fr *http2.Framer) error {
		return fr.WriteGoAway(0, http2.ErrCodeProtocol, nil)
	})

	_, err := Prime(context.Background(), client, nil)
	if errors.GetErrorType(err) != errors.ErrorTypeProtocol {
		t.Errorf("got %v, want protocol error", err)
	}
}

func TestPrimeTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	release := make(chan struct{})
	defer close(release)
	fakeServer(t, server, func(fr *http2.Framer) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := Prime(ctx, client, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > time.Second {
		t.Error("Prime did not honour the context deadline")
	}
}

func TestValidateOptions(t *testing.T) {
	opts := DefaultOptions()
	if err := ValidateOptions(opts); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
	opts.MaxFrameSize = 1024
	if err := ValidateOptions(opts); err == nil {
		t.Error("expected error for small frame size")
	}
	if _, err := Prime(context.Background(), nil, opts); !errors.IsConfigurationError(err) {
		t.Errorf("got %v, want configuration error", err)
	}
}
