package route

import (
	"fmt"
	"net"
	"sync"

	"github.com/WhileEndless/go-rawpool/pkg/errors"
)

// Hop identifies how far a tracked connection has been established.
type Hop int

const (
	HopNone Hop = iota
	HopProxy
	HopTarget
)

func (h Hop) String() string {
	switch h {
	case HopProxy:
		return "proxy"
	case HopTarget:
		return "target"
	default:
		return "none"
	}
}

// Tracker records how much of a planned Route has actually been established
// on a live connection. It is safe for concurrent use so that a reset from a
// force-shutdown can race an in-progress connect.
//
// Invariant: layered implies tunnelled implies hop != HopNone.
type Tracker struct {
	planned Route

	mu         sync.Mutex
	hop        Hop
	proxyChain []Host
	tunnelled  bool
	layered    bool
	secure     bool
	generation uint64
}

// NewTracker creates a tracker in the initial state for the planned route.
func NewTracker(planned Route) *Tracker {
	return &Tracker{planned: planned}
}

// Planned returns the route the tracker was created for.
func (t *Tracker) Planned() Route {
	return t.planned
}

// Generation returns a counter that changes on every Reset.
func (t *Tracker) Generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.generation
}

// Hop returns the furthest hop connected so far and, for HopProxy, the index
// of the proxy the connection currently ends at.
func (t *Tracker) Hop() (Hop, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hop, len(t.proxyChain) - 1
}

// CurrentProxy returns the proxy the connection currently ends at.
func (t *Tracker) CurrentProxy() (Host, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hop != HopProxy || len(t.proxyChain) == 0 {
		return Host{}, false
	}
	return t.proxyChain[len(t.proxyChain)-1], true
}

func (t *Tracker) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hop != HopNone
}

func (t *Tracker) IsTunnelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tunnelled
}

func (t *Tracker) IsLayered() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.layered
}

func (t *Tracker) IsSecure() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.secure
}

// ConnectTarget records a direct connection to the target.
func (t *Tracker) ConnectTarget(secure bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectTargetLocked(secure)
}

// ConnectProxy records a connection to the first proxy.
func (t *Tracker) ConnectProxy(proxy Host, secure bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectProxyLocked(proxy, secure)
}

// TunnelTarget records a tunnel through the proxy chain to the target.
func (t *Tracker) TunnelTarget(secure bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tunnelTargetLocked(secure)
}

// TunnelProxy records a tunnel through the current proxy to the next one.
func (t *Tracker) TunnelProxy(next Host, secure bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tunnelProxyLocked(next, secure)
}

// LayerProtocol records a protocol, e.g. TLS, layered over the tunnel.
func (t *Tracker) LayerProtocol(secure bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.layerProtocolLocked(secure)
}

// Reset returns the tracker to its initial state.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hop = HopNone
	t.proxyChain = nil
	t.tunnelled = false
	t.layered = false
	t.secure = false
	t.generation++
}

// ToRoute returns the route established so far. It reports false while
// nothing is connected.
func (t *Tracker) ToRoute() (Route, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.toRouteLocked()
}

// Reached reports whether the effective route equals r.
func (t *Tracker) Reached(r Route) bool {
	eff, ok := t.ToRoute()
	return ok && eff.Equal(r)
}

// Expect returns a view of the tracker whose transitions fail with an aborted
// error if the tracker was reset after generation gen was observed.
func (t *Tracker) Expect(gen uint64) Guarded {
	return Guarded{t: t, gen: gen}
}

func (t *Tracker) connectTargetLocked(secure bool) error {
	if t.hop != HopNone {
		return errors.NewRouteStateError("already connected")
	}
	t.hop = HopTarget
	t.secure = secure
	return nil
}

func (t *Tracker) connectProxyLocked(proxy Host, secure bool) error {
	if proxy.Name == "" {
		return errors.NewRouteStateError("proxy host may not be empty")
	}
	if t.hop != HopNone {
		return errors.NewRouteStateError("already connected")
	}
	if len(t.planned.proxies) == 0 {
		return errors.NewRouteStateError("planned route has no proxy")
	}
	t.hop = HopProxy
	t.proxyChain = []Host{proxy}
	t.secure = secure
	return nil
}

func (t *Tracker) tunnelTargetLocked(secure bool) error {
	if t.hop == HopNone {
		return errors.NewRouteStateError("no tunnel unless connected")
	}
	if t.hop != HopProxy {
		return errors.NewRouteStateError("no tunnel without proxy")
	}
	t.hop = HopTarget
	t.tunnelled = true
	t.secure = secure
	return nil
}

func (t *Tracker) tunnelProxyLocked(next Host, secure bool) error {
	if next.Name == "" {
		return errors.NewRouteStateError("proxy host may not be empty")
	}
	if t.hop == HopNone {
		return errors.NewRouteStateError("no tunnel unless connected")
	}
	if t.hop != HopProxy {
		return errors.NewRouteStateError("no tunnel without proxy")
	}
	if len(t.planned.proxies) < 2 {
		return errors.NewRouteStateError("planned route names fewer than two proxies")
	}
	if len(t.proxyChain) >= len(t.planned.proxies) {
		return errors.NewRouteStateError("proxy chain already complete")
	}
	t.proxyChain = append(t.proxyChain, next)
	t.tunnelled = true
	t.secure = secure
	return nil
}

func (t *Tracker) layerProtocolLocked(secure bool) error {
	if !t.tunnelled {
		return errors.NewRouteStateError("no layered protocol unless tunnelled")
	}
	if t.layered {
		return errors.NewRouteStateError("protocol already layered")
	}
	t.layered = true
	t.secure = secure
	return nil
}

func (t *Tracker) toRouteLocked() (Route, bool) {
	if t.hop == HopNone {
		return Route{}, false
	}
	tunnelled, layered := Plain, NotLayered
	if t.tunnelled {
		tunnelled = Tunnelled
	}
	if t.layered {
		layered = Layered
	}
	var local net.IP
	if t.planned.local != nil {
		local = t.planned.local
	}
	r, err := New(t.planned.target, local, t.proxyChain, t.secure, tunnelled, layered)
	if err != nil {
		return Route{}, false
	}
	return r, true
}

func (t *Tracker) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fmt.Sprintf("tracker{hop=%s proxies=%d tunnelled=%t layered=%t secure=%t gen=%d}",
		t.hop, len(t.proxyChain), t.tunnelled, t.layered, t.secure, t.generation)
}

// Guarded applies tracker transitions only if no Reset happened since the
// generation it was created with.
type Guarded struct {
	t   *Tracker
	gen uint64
}

func (g Guarded) check() error {
	if g.t.generation != g.gen {
		return errors.NewAbortedError("connection was reset during route establishment")
	}
	return nil
}

func (g Guarded) ConnectTarget(secure bool) error {
	g.t.mu.Lock()
	defer g.t.mu.Unlock()
	if err := g.check(); err != nil {
		return err
	}
	return g.t.connectTargetLocked(secure)
}

func (g Guarded) ConnectProxy(proxy Host, secure bool) error {
	g.t.mu.Lock()
	defer g.t.mu.Unlock()
	if err := g.check(); err != nil {
		return err
	}
	return g.t.connectProxyLocked(proxy, secure)
}

func (g Guarded) TunnelTarget(secure bool) error {
	g.t.mu.Lock()
	defer g.t.mu.Unlock()
	if err := g.check(); err != nil {
		return err
	}
	return g.t.tunnelTargetLocked(secure)
}

func (g Guarded) TunnelProxy(next Host, secure bool) error {
	g.t.mu.Lock()
	defer g.t.mu.Unlock()
	if err := g.check(); err != nil {
		return err
	}
	return g.t.tunnelProxyLocked(next, secure)
}

func (g Guarded) LayerProtocol(secure bool) error {
	g.t.mu.Lock()
	defer g.t.mu.Unlock()
	if err := g.check(); err != nil {
		return err
	}
	return g.t.layerProtocolLocked(secure)
}
