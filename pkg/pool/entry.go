package pool

import (
	"container/list"
	"fmt"
	"time"

	"github.com/WhileEndless/go-rawpool/pkg/route"
)

// Connection is what the pool stores per entry. The pool only opens and
// closes connections; it never reads or writes them.
type Connection interface {
	Close() error
	IsOpen() bool
}

// Staler is implemented by connections that can detect a peer close without
// blocking. It backs validate-after-inactivity.
type Staler interface {
	IsStale() bool
}

// Shutdowner is implemented by connections that can be closed abruptly.
type Shutdowner interface {
	Shutdown() error
}

// ConnFactory creates the unopened connection of a new entry. It must not
// perform I/O; opening happens after the lease, outside the pool lock.
type ConnFactory func(r route.Route) Connection

// State is where an entry currently lives in the pool.
type State int

const (
	StateAvailable State = iota
	StateLeased
	StateRetired
)

func (s State) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateLeased:
		return "leased"
	default:
		return "retired"
	}
}

// Entry couples one connection with the route it was planned for, the
// tracker recording how much of that route is established, and reuse
// metadata. Fields below the blank line are guarded by the pool lock.
type Entry struct {
	id      string
	route   route.Route
	tracker *route.Tracker
	conn    Connection
	created time.Time

	state         any
	updated       time.Time
	expiresAt     time.Time
	validUntil    time.Time
	poolState     State
	reused        bool
	routeComplete bool
	uses          int
	elem          *list.Element // in the route's available list
	lru           *list.Element // in the pool-wide available list
}

func (e *Entry) ID() string { return e.id }

// Route returns the planned route.
func (e *Entry) Route() route.Route { return e.route }

// Tracker returns the route tracker of the entry's connection.
func (e *Entry) Tracker() *route.Tracker { return e.tracker }

func (e *Entry) Connection() Connection { return e.conn }

// State returns the affinity tag stored with the entry. Only the lease
// holder may call it.
func (e *Entry) State() any { return e.state }

// SetState sets the affinity tag that future leases will match against.
// Only the lease holder may call it.
func (e *Entry) SetState(state any) { e.state = state }

// IsReused reports whether the entry was handed out from the available list
// rather than freshly created.
func (e *Entry) IsReused() bool { return e.reused }

// RouteComplete reports whether the lease holder marked the route as fully
// established.
func (e *Entry) RouteComplete() bool { return e.routeComplete }

// MarkRouteComplete records that the route is fully established. Only the
// lease holder may call it.
func (e *Entry) MarkRouteComplete() { e.routeComplete = true }

// Uses returns how many times the entry has been leased.
func (e *Entry) Uses() int { return e.uses }

func (e *Entry) Created() time.Time { return e.created }

// Updated returns when the entry was last released.
func (e *Entry) Updated() time.Time { return e.updated }

// ExpiresAt returns the keep-alive deadline; the zero time means none.
func (e *Entry) ExpiresAt() time.Time { return e.expiresAt }

func (e *Entry) isExpired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

func (e *Entry) pastTTL(now time.Time) bool {
	return !e.validUntil.IsZero() && !now.Before(e.validUntil)
}

// updateExpiry sets the keep-alive deadline, never beyond the time to live.
func (e *Entry) updateExpiry(now time.Time, keepAlive time.Duration) {
	var deadline time.Time
	if keepAlive > 0 {
		deadline = now.Add(keepAlive)
	}
	if !e.validUntil.IsZero() && (deadline.IsZero() || e.validUntil.Before(deadline)) {
		deadline = e.validUntil
	}
	e.expiresAt = deadline
}

func (e *Entry) close() error {
	return e.conn.Close()
}

func (e *Entry) shutdown() error {
	e.tracker.Reset()
	if s, ok := e.conn.(Shutdowner); ok {
		return s.Shutdown()
	}
	return e.conn.Close()
}

func (e *Entry) String() string {
	return fmt.Sprintf("[id: %s][route: %s][state: %v]", e.id, e.route, e.state)
}
