package rawpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/WhileEndless/go-rawpool/pkg/errors"
	"github.com/WhileEndless/go-rawpool/pkg/http2"
	"github.com/WhileEndless/go-rawpool/pkg/pool"
	"github.com/WhileEndless/go-rawpool/pkg/proxy"
	"github.com/WhileEndless/go-rawpool/pkg/route"
	"github.com/WhileEndless/go-rawpool/pkg/transport"
	"github.com/WhileEndless/go-rawpool/pkg/tunnel"
)

// Manager leases pooled connections and establishes their routes. Callers
// plan a route, lease a connection for it, drive Connect, Tunnel, Upgrade
// and RouteComplete as needed, and release the connection when done.
type Manager struct {
	pool     *pool.Pool
	operator *transport.Operator
	opts     Options
	creds    *proxy.Credentials

	limited sync.Map // route keys whose per-route limit has been applied

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a manager and starts its evictor if EvictInterval is set.
func New(opts Options) (*Manager, error) {
	defaults := DefaultOptions()
	if opts.MaxTotal <= 0 {
		opts.MaxTotal = defaults.MaxTotal
	}
	if opts.DefaultMaxPerRoute <= 0 {
		opts.DefaultMaxPerRoute = defaults.DefaultMaxPerRoute
	}
	if opts.Socket == (transport.SocketOptions{}) {
		opts.Socket = defaults.Socket
	}
	if opts.Credentials == nil {
		opts.Credentials = proxy.NewCredentials()
	}
	if opts.HTTP2 != nil {
		if err := http2.ValidateOptions(opts.HTTP2); err != nil {
			return nil, errors.NewConfigurationError("invalid HTTP/2 options", err)
		}
	}

	p, err := pool.New(pool.Options{
		MaxTotal:                opts.MaxTotal,
		DefaultMaxPerRoute:      opts.DefaultMaxPerRoute,
		TimeToLive:              opts.TimeToLive,
		ValidateAfterInactivity: opts.ValidateAfterInactivity,
		Factory: func(route.Route) pool.Connection {
			return transport.NewConn()
		},
	})
	if err != nil {
		return nil, err
	}

	m := &Manager{
		pool:     p,
		operator: transport.NewOperator(opts.Registry, opts.Resolver),
		opts:     opts,
		creds:    opts.Credentials,
		stopChan: make(chan struct{}),
	}
	if opts.EvictInterval > 0 {
		m.wg.Add(1)
		go m.evictLoop()
	}
	return m, nil
}

// RequestConnection queues a lease for r. state is the affinity tag matched
// against the state connections were released with.
func (m *Manager) RequestConnection(r route.Route, state any) *ConnRequest {
	m.applyRouteLimit(r)
	return &ConnRequest{m: m, future: m.pool.Request(r, state)}
}

// LeaseConnection leases a connection for r, waiting at most timeout (zero
// waits until ctx ends).
func (m *Manager) LeaseConnection(ctx context.Context, r route.Route, state any, timeout time.Duration) (*Handle, error) {
	return m.RequestConnection(r, state).Get(ctx, timeout)
}

func (m *Manager) applyRouteLimit(r route.Route) {
	max, ok := m.opts.RouteLimits[r.Target()]
	if !ok {
		return
	}
	if _, loaded := m.limited.LoadOrStore(r.Key(), struct{}{}); !loaded {
		m.pool.SetMaxPerRoute(r, max)
	}
}

// Release returns h to the pool with state as its affinity tag. The
// connection is kept for keepAlive (indefinitely if not positive) only if
// h was marked reusable, is still open and reached its planned route.
// Releasing a handle twice does nothing.
func (m *Manager) Release(h *Handle, state any, keepAlive time.Duration) {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	reusable := h.reusable
	h.mu.Unlock()

	h.entry.SetState(state)
	m.pool.Release(h.entry, reusable, keepAlive)
	log.WithFields(logrus.Fields{
		"entry":    h.entry.ID(),
		"conn":     h.conn.ID(),
		"reusable": reusable,
	}).Debug("connection handle released")
}

// Connect opens h's connection to the first hop of r: the first proxy, or
// the target of a direct route. connectTimeout bounds each address attempt;
// zero uses the configured socket options.
func (m *Manager) Connect(ctx context.Context, h *Handle, r route.Route, connectTimeout time.Duration) error {
	if err := h.check(r); err != nil {
		return err
	}
	guard := h.entry.Tracker().Expect(h.entry.Tracker().Generation())

	opts := m.opts.Socket
	if connectTimeout > 0 {
		opts.ConnectTimeout = connectTimeout
	}
	firstHop := r.FirstHop()
	if err := m.operator.Open(ctx, h.conn, firstHop, r.LocalAddr(), opts); err != nil {
		return err
	}

	var err error
	if r.HopCount() == 1 {
		err = guard.ConnectTarget(r.IsSecure())
	} else {
		err = guard.ConnectProxy(firstHop, false)
	}
	if err != nil {
		h.conn.Shutdown()
		return err
	}
	return nil
}

// Tunnel asks the proxy h is currently connected through to open a tunnel
// to hop of r. Hop r.HopCount()-1 is the target; lower hops extend a proxy
// chain.
func (m *Manager) Tunnel(ctx context.Context, h *Handle, r route.Route, hop int) error {
	if err := h.check(r); err != nil {
		return err
	}
	if hop < 1 || hop >= r.HopCount() {
		return errors.NewRouteStateError(fmt.Sprintf("hop %d out of range for route with %d hops", hop, r.HopCount()))
	}
	tracker := h.entry.Tracker()
	via, ok := tracker.CurrentProxy()
	if !ok {
		return errors.NewRouteStateError("tunnel requires a connection to a proxy")
	}
	guard := tracker.Expect(tracker.Generation())
	next := r.HopTarget(hop)

	timer := h.conn.Timer()
	timer.StartTunnel()
	err := tunnel.Establish(ctx, h.conn, via, next, m.creds)
	timer.EndTunnel()
	if err != nil {
		return err
	}

	if hop == r.HopCount()-1 {
		err = guard.TunnelTarget(false)
	} else {
		err = guard.TunnelProxy(next, false)
	}
	if err != nil {
		h.conn.Shutdown()
		return err
	}
	return nil
}

// Upgrade layers TLS for the target of r over h's tunnelled connection.
func (m *Manager) Upgrade(ctx context.Context, h *Handle, r route.Route) error {
	if err := h.check(r); err != nil {
		return err
	}
	tracker := h.entry.Tracker()
	if !tracker.IsTunnelled() {
		return errors.NewRouteStateError("protocol layering requires a tunnelled connection")
	}
	guard := tracker.Expect(tracker.Generation())
	if err := m.operator.Upgrade(ctx, h.conn, r.Target()); err != nil {
		return err
	}
	if err := guard.LayerProtocol(r.IsSecure()); err != nil {
		h.conn.Shutdown()
		return err
	}
	return nil
}

// RouteComplete marks h's route as fully established. If HTTP/2 is enabled
// and the TLS layer negotiated h2, the connection preface is exchanged
// first.
func (m *Manager) RouteComplete(ctx context.Context, h *Handle, r route.Route) error {
	if err := h.check(r); err != nil {
		return err
	}
	if !h.entry.Tracker().Reached(r) {
		return errors.NewRouteStateError(fmt.Sprintf("route %s not established: %s", r, h.entry.Tracker()))
	}
	if m.opts.HTTP2 != nil && h.conn.NegotiatedProtocol() == http2.NextProtoTLS {
		peer, err := http2.Prime(ctx, h.conn, m.opts.HTTP2)
		if err != nil {
			return err
		}
		h.mu.Lock()
		h.peer = peer
		h.mu.Unlock()
	}
	h.entry.MarkRouteComplete()
	return nil
}

// Establish drives h through every step of r that is not yet done: connect,
// tunnel each remaining hop, layer TLS and mark the route complete. A
// reused connection that already reached r is left untouched.
func (m *Manager) Establish(ctx context.Context, h *Handle, r route.Route) error {
	if err := h.check(r); err != nil {
		return err
	}
	tracker := h.entry.Tracker()
	for {
		hop, idx := tracker.Hop()
		var err error
		switch {
		case hop == route.HopNone:
			err = m.Connect(ctx, h, r, 0)
		case hop == route.HopProxy && r.IsTunnelled():
			err = m.Tunnel(ctx, h, r, idx+1)
		case r.IsLayered() && !tracker.IsLayered():
			err = m.Upgrade(ctx, h, r)
		case h.entry.RouteComplete():
			return nil
		default:
			return m.RouteComplete(ctx, h, r)
		}
		if err != nil {
			return err
		}
	}
}

// CloseIdleConnections closes pooled connections idle for at least idle.
func (m *Manager) CloseIdleConnections(idle time.Duration) int {
	return m.pool.CloseIdle(idle)
}

// CloseExpiredConnections closes pooled connections whose keep-alive ran out.
func (m *Manager) CloseExpiredConnections() int {
	return m.pool.CloseExpired()
}

// Shutdown stops the evictor and the pool gracefully: idle connections are
// closed and leased ones are closed on release.
func (m *Manager) Shutdown() {
	m.ShutdownMode(pool.Graceful)
}

// ShutdownMode stops the evictor and the pool. Immediate also shuts down
// every leased connection.
func (m *Manager) ShutdownMode(mode pool.ShutdownMode) {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()
	if m.pool.IsShutdown() {
		return
	}
	m.pool.Shutdown(mode)
	log.WithField("mode", mode).Info("connection manager shut down")
}

// Stats returns the pool-wide snapshot.
func (m *Manager) Stats() pool.Stats { return m.pool.Stats() }

// RouteStats returns the snapshot for r.
func (m *Manager) RouteStats(r route.Route) pool.Stats { return m.pool.RouteStats(r) }

// Counters returns cumulative lease outcomes.
func (m *Manager) Counters() pool.Counters { return m.pool.Counters() }

// SetMaxPerRoute overrides the connection bound for r.
func (m *Manager) SetMaxPerRoute(r route.Route, max int) {
	m.limited.Store(r.Key(), struct{}{})
	m.pool.SetMaxPerRoute(r, max)
}

// SetMaxTotal changes the global connection bound.
func (m *Manager) SetMaxTotal(max int) { m.pool.SetMaxTotal(max) }

// Credentials returns the proxy credential store used for tunnelling.
func (m *Manager) Credentials() *proxy.Credentials { return m.creds }

func (m *Manager) evictLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.EvictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.evict()
		}
	}
}

func (m *Manager) evict() {
	n := m.pool.CloseExpired()
	if m.opts.MaxIdleTime > 0 {
		n += m.pool.CloseIdle(m.opts.MaxIdleTime)
	}
	if n > 0 {
		log.WithFields(logrus.Fields{
			"closed": n,
			"stats":  m.pool.Stats().String(),
		}).Debug("evicted pooled connections")
	}
}

// ConnRequest is a pending lease.
type ConnRequest struct {
	m      *Manager
	future *pool.Future
}

// Get waits for the lease, at most timeout if positive.
func (r *ConnRequest) Get(ctx context.Context, timeout time.Duration) (*Handle, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	e, err := r.future.Get(ctx)
	if err != nil {
		return nil, err
	}
	return newHandle(r.m, e), nil
}

// Cancel withdraws the request. See pool.Future.Cancel.
func (r *ConnRequest) Cancel() bool {
	return r.future.Cancel()
}
