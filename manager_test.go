package rawpool

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/WhileEndless/go-rawpool/pkg/config"
	"github.com/WhileEndless/go-rawpool/pkg/errors"
	"github.com/WhileEndless/go-rawpool/pkg/http2"
	"github.com/WhileEndless/go-rawpool/pkg/route"
	"github.com/WhileEndless/go-rawpool/pkg/tlsconfig"
	"github.com/WhileEndless/go-rawpool/pkg/transport"
)

// echoServer accepts connections and echoes everything back.
func echoServer(t *testing.T) Host {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	return NewHost("http", "127.0.0.1", ln.Addr().(*net.TCPAddr).Port)
}

// connectProxy answers CONNECT by dialing the requested authority and
// relaying bytes both ways.
func connectProxy(t *testing.T) Host {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				br := bufio.NewReader(c)
				req, err := http.ReadRequest(br)
				if err != nil || req.Method != http.MethodConnect {
					return
				}
				upstream, err := net.Dial("tcp", req.Host)
				if err != nil {
					io.WriteString(c, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
					return
				}
				defer upstream.Close()
				io.WriteString(c, "HTTP/1.1 200 Connection established\r\n\r\n")
				go io.Copy(upstream, br)
				io.Copy(c, upstream)
			}()
		}
	}()
	return NewHost("http", "127.0.0.1", ln.Addr().(*net.TCPAddr).Port)
}

func tlsServer(t *testing.T, h2 bool) Host {
	t.Helper()
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.EnableHTTP2 = h2
	srv.StartTLS()
	t.Cleanup(srv.Close)
	return NewHost("https", "127.0.0.1", srv.Listener.Addr().(*net.TCPAddr).Port)
}

func newTestManager(t *testing.T, configure ...func(*Options)) *Manager {
	t.Helper()
	opts := DefaultOptions()
	opts.EvictInterval = 0
	opts.Registry = transport.DefaultRegistry(tlsconfig.Options{InsecureSkipVerify: true})
	for _, fn := range configure {
		fn(&opts)
	}
	m, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { m.ShutdownMode(Immediate) })
	return m
}

func lease(t *testing.T, m *Manager, r Route) *Handle {
	t.Helper()
	h, err := m.LeaseConnection(context.Background(), r, nil, time.Second)
	if err != nil {
		t.Fatalf("LeaseConnection: %v", err)
	}
	return h
}

func roundTrip(t *testing.T, h *Handle, msg string) {
	t.Helper()
	c := h.Conn()
	if _, err := io.WriteString(c, msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, len(msg))
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(c, buf); err != nil || string(buf) != msg {
		t.Fatalf("read = %q, %v", buf, err)
	}
	c.SetReadDeadline(time.Time{})
}

func TestLeaseEstablishReleaseReuse(t *testing.T) {
	m := newTestManager(t)
	r := DirectRoute(echoServer(t))
	ctx := context.Background()

	h := lease(t, m, r)
	if h.IsReused() || h.IsOpen() {
		t.Fatal("fresh lease should be unopened and not reused")
	}
	if err := m.Establish(ctx, h, r); err != nil {
		t.Fatalf("Establish: %v", err)
	}
	if !h.IsRouteComplete() {
		t.Error("route not marked complete")
	}
	roundTrip(t, h, "ping")
	id := h.ID()
	h.MarkReusable()
	m.Release(h, "session-1", time.Minute)

	if s := m.Stats(); s.Available != 1 || s.Leased != 0 {
		t.Fatalf("Stats = %v", s)
	}

	h2 := lease(t, m, r)
	if !h2.IsReused() || h2.ID() != id {
		t.Fatalf("expected reuse of %s, got %s (reused=%t)", id, h2.ID(), h2.IsReused())
	}
	if h2.State() != "session-1" {
		t.Errorf("State = %v", h2.State())
	}
	if err := m.Establish(ctx, h2, r); err != nil {
		t.Fatalf("Establish on reused connection: %v", err)
	}
	roundTrip(t, h2, "pong")
	m.Release(h2, nil, time.Minute)
}

func TestReleaseWithoutMarkCloses(t *testing.T) {
	m := newTestManager(t)
	r := DirectRoute(echoServer(t))
	h := lease(t, m, r)
	if err := m.Connect(context.Background(), h, r, time.Second); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	m.Release(h, nil, time.Minute)
	if h.IsOpen() {
		t.Error("connection left open")
	}
	if s := m.Stats(); s.Available != 0 || s.Leased != 0 {
		t.Errorf("Stats = %v", s)
	}
}

func TestHandleMisuse(t *testing.T) {
	m := newTestManager(t)
	r := DirectRoute(echoServer(t))
	other := DirectRoute(NewHost("http", "127.0.0.1", 1))
	ctx := context.Background()
	h := lease(t, m, r)

	tests := []struct {
		name string
		fn   func() error
	}{
		{"connect other route", func() error { return m.Connect(ctx, h, other, 0) }},
		{"upgrade untunnelled", func() error { return m.Upgrade(ctx, h, r) }},
		{"tunnel without proxy", func() error { return m.Tunnel(ctx, h, r, 1) }},
		{"complete before connect", func() error { return m.RouteComplete(ctx, h, r) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); !errors.IsRouteStateError(err) {
				t.Errorf("got %v, want route state error", err)
			}
		})
	}

	m.Release(h, nil, 0)
	m.Release(h, nil, 0)
	if err := m.Connect(ctx, h, r, 0); !errors.IsRouteStateError(err) {
		t.Errorf("Connect after release = %v", err)
	}
	if s := m.Stats(); s.Leased != 0 {
		t.Errorf("Leased = %d after double release", s.Leased)
	}
}

func TestTunnelThroughConnectProxy(t *testing.T) {
	m := newTestManager(t)
	target := echoServer(t)
	via := connectProxy(t)
	r, err := route.New(target, nil, []Host{via}, false, route.Tunnelled, route.NotLayered)
	if err != nil {
		t.Fatal(err)
	}

	h := lease(t, m, r)
	if err := m.Establish(context.Background(), h, r); err != nil {
		t.Fatalf("Establish: %v", err)
	}
	roundTrip(t, h, "through the tunnel")
	if got := h.Metrics().Attempts; got != 1 {
		t.Errorf("Attempts = %d, want 1", got)
	}
	h.MarkReusable()
	m.Release(h, nil, time.Minute)
	if s := m.RouteStats(r); s.Available != 1 {
		t.Errorf("RouteStats = %v", s)
	}
}

func TestTunnelThenUpgradeToTLS(t *testing.T) {
	m := newTestManager(t)
	target := tlsServer(t, false)
	r := ProxiedRoute(target, nil, connectProxy(t))
	if !r.IsTunnelled() || !r.IsLayered() {
		t.Fatalf("route %s should be tunnelled and layered", r)
	}

	h := lease(t, m, r)
	if err := m.Establish(context.Background(), h, r); err != nil {
		t.Fatalf("Establish: %v", err)
	}
	if _, ok := h.TLSState(); !ok {
		t.Error("no TLS state after upgrade")
	}
	if !h.IsRouteComplete() {
		t.Error("route not complete")
	}
}

func TestDirectTLS(t *testing.T) {
	m := newTestManager(t)
	r := DirectRoute(tlsServer(t, false))
	h := lease(t, m, r)
	if err := m.Establish(context.Background(), h, r); err != nil {
		t.Fatalf("Establish: %v", err)
	}
	st, ok := h.TLSState()
	if !ok || !st.HandshakeComplete {
		t.Error("TLS handshake not recorded")
	}
}

func TestRouteCompletePrimesHTTP2(t *testing.T) {
	m := newTestManager(t, func(o *Options) {
		o.Registry = transport.DefaultRegistry(tlsconfig.Options{
			InsecureSkipVerify: true,
			NextProtos:         []string{http2.NextProtoTLS, "http/1.1"},
		})
		o.HTTP2 = http2.DefaultOptions()
	})
	r := DirectRoute(tlsServer(t, true))
	h := lease(t, m, r)
	if err := m.Establish(context.Background(), h, r); err != nil {
		t.Fatalf("Establish: %v", err)
	}
	if got := h.Conn().NegotiatedProtocol(); got != http2.NextProtoTLS {
		t.Fatalf("negotiated %q, want h2", got)
	}
	if h.HTTP2Settings() == nil {
		t.Error("no peer settings recorded")
	}
}

func TestAbortResetsRoute(t *testing.T) {
	m := newTestManager(t)
	r := DirectRoute(echoServer(t))
	h := lease(t, m, r)
	ctx := context.Background()
	if err := m.Connect(ctx, h, r, 0); err != nil {
		t.Fatal(err)
	}
	h.MarkReusable()
	if err := h.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if err := m.RouteComplete(ctx, h, r); !errors.IsRouteStateError(err) {
		t.Errorf("RouteComplete after Abort = %v", err)
	}
	m.Release(h, nil, time.Minute)
	if s := m.Stats(); s.Available != 0 {
		t.Errorf("aborted connection kept: %v", s)
	}
}

func TestLeaseTimeout(t *testing.T) {
	m := newTestManager(t, func(o *Options) { o.MaxTotal = 1; o.DefaultMaxPerRoute = 1 })
	r := DirectRoute(echoServer(t))
	lease(t, m, r)

	_, err := m.LeaseConnection(context.Background(), r, nil, 50*time.Millisecond)
	if !IsPoolTimeout(err) {
		t.Fatalf("got %v, want pool timeout", err)
	}
	if s := m.Stats(); s.Leased != 1 || s.Pending != 0 {
		t.Errorf("Stats = %v", s)
	}
}

func TestRouteLimits(t *testing.T) {
	target := NewHost("http", "127.0.0.1", 8081)
	m := newTestManager(t, func(o *Options) {
		o.RouteLimits = map[route.Host]int{target: 1}
	})
	r := DirectRoute(target)
	req := m.RequestConnection(r, nil)
	defer req.Cancel()
	if got := m.RouteStats(r).Max; got != 1 {
		t.Errorf("Max = %d, want 1", got)
	}
	if got := m.RouteStats(DirectRoute(NewHost("http", "127.0.0.1", 8082))).Max; got != DefaultOptions().DefaultMaxPerRoute {
		t.Errorf("default Max = %d", got)
	}
}

func TestShutdownFailsLeases(t *testing.T) {
	m := newTestManager(t)
	r := DirectRoute(echoServer(t))
	m.Shutdown()
	m.Shutdown()
	if _, err := m.LeaseConnection(context.Background(), r, nil, time.Second); !errors.IsShutdown(err) {
		t.Errorf("got %v, want shutdown", err)
	}
}

func TestEvictorClosesIdle(t *testing.T) {
	m := newTestManager(t, func(o *Options) {
		o.EvictInterval = 10 * time.Millisecond
		o.MaxIdleTime = time.Millisecond
	})
	r := DirectRoute(echoServer(t))
	h := lease(t, m, r)
	if err := m.Establish(context.Background(), h, r); err != nil {
		t.Fatal(err)
	}
	h.MarkReusable()
	m.Release(h, nil, 0)

	deadline := time.Now().Add(2 * time.Second)
	for m.Stats().Available != 0 {
		if time.Now().After(deadline) {
			t.Fatal("evictor did not close the idle connection")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if h.IsOpen() {
		t.Error("evicted connection still open")
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Pool.MaxTotal = 7
	cfg.Pool.Routes = map[string]int{"https://api.example.com": 3}
	cfg.Proxy.Chain = []string{"http://alice:pw@proxy.example:3128"}
	cfg.HTTP2.Enabled = true
	cfg.Connect.Linger = 5

	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		t.Fatalf("OptionsFromConfig: %v", err)
	}
	if opts.MaxTotal != 7 {
		t.Errorf("MaxTotal = %d", opts.MaxTotal)
	}
	if opts.RouteLimits[NewHost("https", "api.example.com", 0)] != 3 {
		t.Errorf("RouteLimits = %v", opts.RouteLimits)
	}
	if opts.Socket.Linger != 5*time.Second {
		t.Errorf("Linger = %v", opts.Socket.Linger)
	}
	if opts.HTTP2 == nil {
		t.Error("HTTP2 options not set")
	}
	cred := opts.Credentials.Get(NewHost("http", "proxy.example", 3128))
	if cred == nil || cred.Username != "alice" {
		t.Errorf("credentials = %+v", cred)
	}

	cfg.Pool.MaxTotal = 0
	if _, err := OptionsFromConfig(cfg); err == nil {
		t.Error("expected error for invalid config")
	}
}

func TestReuseAfterReadTimeoutPassed(t *testing.T) {
	m := newTestManager(t, func(o *Options) {
		o.Socket.SoTimeout = 100 * time.Millisecond
		o.ValidateAfterInactivity = 10 * time.Millisecond
	})
	r := DirectRoute(echoServer(t))
	ctx := context.Background()

	h := lease(t, m, r)
	if err := m.Establish(ctx, h, r); err != nil {
		t.Fatalf("Establish: %v", err)
	}
	if _, err := io.WriteString(h.Conn(), "ping"); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(h.Conn(), buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	id := h.ID()
	h.MarkReusable()
	m.Release(h, nil, time.Minute)

	time.Sleep(300 * time.Millisecond)
	h2 := lease(t, m, r)
	if !h2.IsReused() || h2.ID() != id {
		t.Fatalf("got %s (reused=%t), want reuse of %s", h2.ID(), h2.IsReused(), id)
	}
	if n := m.Counters().Stale; n != 0 {
		t.Errorf("Stale = %d, want 0", n)
	}
	roundTrip(t, h2, "still alive")
	m.Release(h2, nil, time.Minute)
}

// resolverFunc adapts a function to transport.Resolver.
type resolverFunc func(ctx context.Context, host string) ([]net.IP, error)

func (f resolverFunc) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	return f(ctx, host)
}

func TestAbortDuringConnect(t *testing.T) {
	echo := echoServer(t)
	var h *Handle
	m := newTestManager(t, func(o *Options) {
		o.Resolver = resolverFunc(func(ctx context.Context, host string) ([]net.IP, error) {
			// the handle is aborted while the connection is being opened
			h.Abort()
			return []net.IP{net.ParseIP("127.0.0.1")}, nil
		})
	})
	r := DirectRoute(NewHost("http", "echo.test", echo.Port))
	h = lease(t, m, r)

	err := m.Connect(context.Background(), h, r, time.Second)
	if !errors.IsAborted(err) {
		t.Fatalf("Connect = %v, want aborted", err)
	}
	if h.IsOpen() {
		t.Error("connection left open after aborted connect")
	}
	if connected := h.entry.Tracker().IsConnected(); connected {
		t.Error("tracker records a connection after abort")
	}

	h.MarkReusable()
	m.Release(h, nil, time.Minute)
	if s := m.Stats(); s.Available != 0 || s.Leased != 0 {
		t.Errorf("Stats = %v, want entry retired", s)
	}
}

func TestRouteStepsFailAfterShutdown(t *testing.T) {
	m := newTestManager(t)
	r := DirectRoute(echoServer(t))
	ctx := context.Background()
	h := lease(t, m, r)
	m.Shutdown()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"connect", func() error { return m.Connect(ctx, h, r, 0) }},
		{"tunnel", func() error { return m.Tunnel(ctx, h, r, 1) }},
		{"upgrade", func() error { return m.Upgrade(ctx, h, r) }},
		{"establish", func() error { return m.Establish(ctx, h, r) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); !errors.IsShutdown(err) {
				t.Errorf("got %v, want shutdown error", err)
			}
		})
	}
	if h.IsOpen() {
		t.Error("connection opened after shutdown")
	}

	m.Release(h, nil, time.Minute)
	if s := m.Stats(); s.Leased != 0 || s.Available != 0 {
		t.Errorf("Stats = %v", s)
	}
}
