package rawpool

import (
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/WhileEndless/go-rawpool/pkg/errors"
	"github.com/WhileEndless/go-rawpool/pkg/http2"
	"github.com/WhileEndless/go-rawpool/pkg/pool"
	"github.com/WhileEndless/go-rawpool/pkg/route"
	"github.com/WhileEndless/go-rawpool/pkg/timing"
	"github.com/WhileEndless/go-rawpool/pkg/transport"
)

// Handle is a leased connection. It is owned by one caller until released.
type Handle struct {
	m     *Manager
	entry *pool.Entry
	conn  *transport.Conn

	mu       sync.Mutex
	released bool
	reusable bool
	peer     http2.PeerSettings
}

func newHandle(m *Manager, e *pool.Entry) *Handle {
	return &Handle{
		m:     m,
		entry: e,
		conn:  e.Connection().(*transport.Conn),
	}
}

func (h *Handle) check(r route.Route) error {
	h.mu.Lock()
	released := h.released
	h.mu.Unlock()
	if released {
		return errors.NewRouteStateError("connection handle already released")
	}
	if h.m.pool.IsShutdown() {
		return errors.NewShutdownError("connection manager shut down")
	}
	if !r.Equal(h.entry.Route()) {
		return errors.NewRouteStateError(fmt.Sprintf("route %s does not match leased route %s", r, h.entry.Route()))
	}
	return nil
}

// Conn returns the connection for reading and writing.
func (h *Handle) Conn() *transport.Conn { return h.conn }

// Route returns the route the connection was leased for.
func (h *Handle) Route() route.Route { return h.entry.Route() }

// State returns the affinity tag the connection was last released with.
func (h *Handle) State() any { return h.entry.State() }

// ID returns the pool entry identifier.
func (h *Handle) ID() string { return h.entry.ID() }

func (h *Handle) IsOpen() bool { return h.conn.IsOpen() }

// IsReused reports whether the connection came from the pool's idle list.
func (h *Handle) IsReused() bool { return h.entry.IsReused() }

// IsRouteComplete reports whether RouteComplete succeeded for this
// connection, in this or an earlier lease.
func (h *Handle) IsRouteComplete() bool { return h.entry.RouteComplete() }

// MarkReusable lets Release keep the connection. Callers mark a connection
// reusable once the exchange on it ended cleanly.
func (h *Handle) MarkReusable() {
	h.mu.Lock()
	h.reusable = true
	h.mu.Unlock()
}

// MarkNonReusable makes Release close the connection.
func (h *Handle) MarkNonReusable() {
	h.mu.Lock()
	h.reusable = false
	h.mu.Unlock()
}

// Abort shuts the connection down and resets its route tracker. A route
// step racing Abort fails with an aborted error. The handle must still be
// released.
func (h *Handle) Abort() error {
	h.MarkNonReusable()
	h.entry.Tracker().Reset()
	return h.conn.Shutdown()
}

// Metrics returns how long establishing the connection took.
func (h *Handle) Metrics() timing.Metrics { return h.conn.Metrics() }

// TLSState returns the handshake state if the connection speaks TLS.
func (h *Handle) TLSState() (tls.ConnectionState, bool) { return h.conn.TLSState() }

// HTTP2Settings returns the settings the server announced during the HTTP/2
// preface, or nil if none was exchanged on this lease.
func (h *Handle) HTTP2Settings() http2.PeerSettings {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peer
}

func (h *Handle) String() string {
	return h.entry.String() + " " + h.conn.String()
}
