// Package pool holds connections keyed by route. It bounds how many
// connections exist per route and in total, queues lease requests in FIFO
// order when a bound is hit, and hands idle connections back out most
// recently used first.
//
// The pool never performs network I/O while holding its lock. Connections
// it decides to discard are closed after the lock is released.
package pool

import (
	"container/list"
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/WhileEndless/go-rawpool/pkg/constants"
	"github.com/WhileEndless/go-rawpool/pkg/errors"
	"github.com/WhileEndless/go-rawpool/pkg/route"
)

// nowFunc returns the current time; tests override it.
var nowFunc = time.Now

// closeConcurrency bounds how many connections are closed in parallel.
const closeConcurrency = 8

// ShutdownMode selects how Shutdown treats leased connections.
type ShutdownMode int

const (
	// Graceful closes idle connections and lets leased ones be closed on
	// release.
	Graceful ShutdownMode = iota
	// Immediate also shuts down every leased connection.
	Immediate
)

func (m ShutdownMode) String() string {
	if m == Immediate {
		return "immediate"
	}
	return "graceful"
}

// Options configures a Pool.
type Options struct {
	// MaxTotal bounds the number of connections across all routes.
	MaxTotal int
	// DefaultMaxPerRoute bounds the number of connections per route unless
	// overridden with SetMaxPerRoute.
	DefaultMaxPerRoute int
	// TimeToLive caps the lifetime of a connection; zero means unbounded.
	TimeToLive time.Duration
	// ValidateAfterInactivity makes a lease probe a reused connection for a
	// peer close when it has been idle longer than this. Zero disables it.
	ValidateAfterInactivity time.Duration
	// Factory creates the connection of a new entry.
	Factory ConnFactory
}

// Pool is a route-aware connection pool. It is safe for concurrent use.
type Pool struct {
	mu          sync.Mutex
	routes      map[string]*routePool
	maxPerRoute map[string]int
	available   *list.List // *Entry, front is least recently released
	pending     *list.List // *Future in arrival order
	allocated   int
	maxTotal    int
	defaultMax  int
	closed      bool
	checks      []delivery // handed-out entries awaiting a liveness check

	ttl      time.Duration
	validate time.Duration
	factory  ConnFactory
	seq      atomic.Uint64
	counters counters
}

// delivery is an entry assigned to a waiter that must pass a liveness check
// before the waiter's future completes.
type delivery struct {
	f *Future
	e *Entry
}

type routePool struct {
	route     route.Route
	available *list.List // *Entry, back is most recently released
	leased    map[*Entry]struct{}
	pending   int
}

func (rp *routePool) allocated() int {
	return rp.available.Len() + len(rp.leased)
}

func (rp *routePool) empty() bool {
	return rp.allocated() == 0 && rp.pending == 0
}

// New creates a pool. Non-positive limits fall back to the defaults in the
// constants package.
func New(opts Options) (*Pool, error) {
	if opts.Factory == nil {
		return nil, errors.NewConfigurationError("pool requires a connection factory", nil)
	}
	if opts.MaxTotal <= 0 {
		opts.MaxTotal = constants.DefaultMaxTotal
	}
	if opts.DefaultMaxPerRoute <= 0 {
		opts.DefaultMaxPerRoute = constants.DefaultMaxPerRoute
	}
	return &Pool{
		routes:      make(map[string]*routePool),
		maxPerRoute: make(map[string]int),
		available:   list.New(),
		pending:     list.New(),
		maxTotal:    opts.MaxTotal,
		defaultMax:  opts.DefaultMaxPerRoute,
		ttl:         opts.TimeToLive,
		validate:    opts.ValidateAfterInactivity,
		factory:     opts.Factory,
	}, nil
}

// Request queues a lease request for r and returns its future. state is the
// affinity tag: an idle entry released with an equal state is preferred.
func (p *Pool) Request(r route.Route, state any) *Future {
	f := newFuture(p, r, state)
	p.counters.requests.Add(1)

	p.mu.Lock()
	if p.closed {
		f.complete(nil, errors.NewShutdownError("connection pool shut down"))
		p.mu.Unlock()
		return f
	}
	p.enqueueLocked(f, false)
	toClose := p.processPendingLocked()
	p.mu.Unlock()

	p.settle(toClose)
	return f
}

// Lease requests an entry for r and waits for it. A positive timeout bounds
// the wait in addition to ctx; on expiry a pool timeout error is returned
// and the pool is left as if the request had never been made.
func (p *Pool) Lease(ctx context.Context, r route.Route, state any, timeout time.Duration) (*Entry, error) {
	f := p.Request(r, state)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return f.Get(ctx)
}

// Release returns a leased entry. The entry goes back to the available list
// only when reusable is set, its connection is open, its route is fully
// established and the pool is running; it then expires after keepAlive
// (never, if keepAlive is not positive) or at its time to live, whichever
// comes first. Otherwise the connection is closed. Releasing an entry that
// is not leased does nothing.
func (p *Pool) Release(e *Entry, reusable bool, keepAlive time.Duration) {
	p.mu.Lock()
	if e.poolState != StateLeased {
		p.mu.Unlock()
		return
	}
	now := nowFunc()
	rp := p.routes[e.route.Key()]

	var toClose []*Entry
	if reusable && !p.closed && !e.pastTTL(now) && e.conn.IsOpen() && e.tracker.Reached(e.route) {
		delete(rp.leased, e)
		e.updated = now
		e.updateExpiry(now, keepAlive)
		p.makeAvailableLocked(rp, e)
		if log.Logger.IsLevelEnabled(logrus.DebugLevel) {
			p.entryLog(rp, e).WithField("expires", e.expiresAt).Debug("connection released, kept alive")
		}
	} else {
		p.retireLocked(rp, e)
		toClose = append(toClose, e)
		if log.Logger.IsLevelEnabled(logrus.DebugLevel) {
			p.entryLog(rp, e).Debug("connection released, discarded")
		}
	}
	toClose = append(toClose, p.processPendingLocked()...)
	p.mu.Unlock()

	p.settle(toClose)
}

// CloseIdle closes available connections that were released at least idle
// ago. CloseIdle(0) closes every available connection.
func (p *Pool) CloseIdle(idle time.Duration) int {
	threshold := nowFunc().Add(-idle)
	return p.sweep(func(e *Entry) bool { return !e.updated.After(threshold) })
}

// CloseExpired closes available connections whose keep-alive ran out.
func (p *Pool) CloseExpired() int {
	now := nowFunc()
	return p.sweep(func(e *Entry) bool { return e.isExpired(now) })
}

func (p *Pool) sweep(match func(*Entry) bool) int {
	p.mu.Lock()
	var toClose []*Entry
	for el := p.available.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*Entry)
		if match(e) {
			p.retireLocked(p.routes[e.route.Key()], e)
			toClose = append(toClose, e)
		}
		el = next
	}
	n := len(toClose)
	if n > 0 {
		toClose = append(toClose, p.processPendingLocked()...)
	}
	p.mu.Unlock()

	p.settle(toClose)
	return n
}

// Shutdown stops the pool. Waiting requests fail with a shutdown error and
// available connections are closed. In Immediate mode leased connections are
// shut down too and their trackers reset. Later requests fail and later
// releases close the connection.
func (p *Pool) Shutdown(mode ShutdownMode) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true

	for el := p.pending.Front(); el != nil; el = el.Next() {
		f := el.Value.(*Future)
		f.elem = nil
		f.complete(nil, errors.NewShutdownError("connection pool shut down"))
	}
	p.pending.Init()

	var toClose, toShutdown []*Entry
	for el := p.available.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*Entry)
		p.retireLocked(p.routes[e.route.Key()], e)
		toClose = append(toClose, e)
		el = next
	}
	if mode == Immediate {
		for _, rp := range p.routes {
			for e := range rp.leased {
				toShutdown = append(toShutdown, e)
			}
		}
	}
	for key, rp := range p.routes {
		rp.pending = 0
		if rp.empty() {
			delete(p.routes, key)
		}
	}
	p.mu.Unlock()

	log.WithFields(logrus.Fields{
		"mode":   mode,
		"idle":   len(toClose),
		"leased": len(toShutdown),
	}).Debug("connection pool shut down")

	closeEntries(toClose)
	shutdownEntries(toShutdown)
}

// IsShutdown reports whether Shutdown has been called.
func (p *Pool) IsShutdown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// SetMaxTotal changes the global bound. Raising it may satisfy waiters.
func (p *Pool) SetMaxTotal(max int) {
	if max <= 0 {
		return
	}
	p.mu.Lock()
	p.maxTotal = max
	toClose := p.processPendingLocked()
	p.mu.Unlock()
	p.settle(toClose)
}

// MaxTotal returns the global bound.
func (p *Pool) MaxTotal() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxTotal
}

// SetDefaultMaxPerRoute changes the bound for routes without an override.
func (p *Pool) SetDefaultMaxPerRoute(max int) {
	if max <= 0 {
		return
	}
	p.mu.Lock()
	p.defaultMax = max
	toClose := p.processPendingLocked()
	p.mu.Unlock()
	p.settle(toClose)
}

// SetMaxPerRoute overrides the bound for r. A non-positive max removes the
// override. Lowering a bound never closes connections; it only stops new
// ones from being created.
func (p *Pool) SetMaxPerRoute(r route.Route, max int) {
	p.mu.Lock()
	if max <= 0 {
		delete(p.maxPerRoute, r.Key())
	} else {
		p.maxPerRoute[r.Key()] = max
	}
	toClose := p.processPendingLocked()
	p.mu.Unlock()
	p.settle(toClose)
}

// MaxPerRoute returns the bound in force for r.
func (p *Pool) MaxPerRoute(r route.Route) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxPerRouteLocked(r.Key())
}

func (p *Pool) maxPerRouteLocked(key string) int {
	if max, ok := p.maxPerRoute[key]; ok {
		return max
	}
	return p.defaultMax
}

func (p *Pool) routeLocked(r route.Route) *routePool {
	key := r.Key()
	rp, ok := p.routes[key]
	if !ok {
		rp = &routePool{
			route:     r,
			available: list.New(),
			leased:    make(map[*Entry]struct{}),
		}
		p.routes[key] = rp
	}
	return rp
}

func (p *Pool) gcRouteLocked(rp *routePool) {
	if rp.empty() {
		delete(p.routes, rp.route.Key())
	}
}

func (p *Pool) enqueueLocked(f *Future, front bool) {
	p.routeLocked(f.route).pending++
	if front {
		f.elem = p.pending.PushFront(f)
	} else {
		f.elem = p.pending.PushBack(f)
	}
}

func (p *Pool) dequeueLocked(f *Future) {
	if f.elem == nil {
		return
	}
	p.pending.Remove(f.elem)
	f.elem = nil
	if rp, ok := p.routes[f.route.Key()]; ok {
		rp.pending--
		p.gcRouteLocked(rp)
	}
}

// processPendingLocked serves waiting requests in arrival order. A request
// that cannot be served does not block later requests for other routes. A
// reused entry idle past the validation interval is not handed over here; it
// is queued in p.checks for settle to check.
func (p *Pool) processPendingLocked() []*Entry {
	var toClose []*Entry
	for el := p.pending.Front(); el != nil; {
		next := el.Next()
		f := el.Value.(*Future)
		e, closed := p.tryLeaseLocked(f.route, f.state)
		toClose = append(toClose, closed...)
		if e != nil {
			p.dequeueLocked(f)
			if p.needsValidation(e) {
				p.checks = append(p.checks, delivery{f: f, e: e})
			} else {
				f.complete(e, nil)
			}
		}
		el = next
	}
	return toClose
}

// settle runs the work deferred until the pool lock is released: it closes
// retired entries and checks deliveries queued by processPendingLocked.
func (p *Pool) settle(toClose []*Entry) {
	closeEntries(toClose)
	for {
		p.mu.Lock()
		checks := p.checks
		p.checks = nil
		p.mu.Unlock()
		if len(checks) == 0 {
			return
		}
		for _, d := range checks {
			p.verify(d)
		}
	}
}

// verify completes d's future with its entry if the connection is still
// alive. A stale entry is closed and the request goes back to the head of
// the queue. If the future was cancelled meanwhile the entry is returned.
func (p *Pool) verify(d delivery) {
	stale := d.e.conn.(Staler).IsStale()

	var toClose []*Entry
	p.mu.Lock()
	if stale {
		p.counters.stale.Add(1)
		log.WithFields(logrus.Fields{"entry": d.e.id, "route": d.e.route.String()}).Debug("discarding stale connection")
		p.retireLocked(p.routes[d.e.route.Key()], d.e)
		toClose = append(toClose, d.e)
		switch {
		case d.f.isCompleted():
		case p.closed:
			d.f.complete(nil, errors.NewShutdownError("connection pool shut down"))
		default:
			p.enqueueLocked(d.f, true)
		}
	} else if !d.f.complete(d.e, nil) {
		toClose = append(toClose, p.returnLocked(d.e)...)
	}
	toClose = append(toClose, p.processPendingLocked()...)
	p.mu.Unlock()

	closeEntries(toClose)
}

// tryLeaseLocked hands out an available entry for r, or creates one when
// both bounds allow it, evicting the least recently used idle entry of
// another route if only the global bound is in the way. It returns nil if
// the caller has to wait, and the entries it retired on the way.
func (p *Pool) tryLeaseLocked(r route.Route, state any) (*Entry, []*Entry) {
	rp := p.routeLocked(r)
	now := nowFunc()

	e, toClose := p.takeAvailableLocked(rp, state, now)
	if e != nil {
		e.reused = true
		p.leaseLocked(rp, e)
		p.counters.hits.Add(1)
		if log.Logger.IsLevelEnabled(logrus.DebugLevel) {
			p.entryLog(rp, e).Debug("connection leased")
		}
		return e, toClose
	}

	if rp.allocated() >= p.maxPerRouteLocked(rp.route.Key()) {
		return nil, toClose
	}
	if p.allocated >= p.maxTotal {
		victim := p.available.Front()
		if victim == nil {
			return nil, toClose
		}
		ve := victim.Value.(*Entry)
		p.retireLocked(p.routes[ve.route.Key()], ve)
		toClose = append(toClose, ve)
		p.counters.evictions.Add(1)
		log.WithFields(logrus.Fields{"entry": ve.id, "route": ve.route.String()}).Debug("evicted idle connection of another route")
		// retiring the victim may have dropped rp from the map
		rp = p.routeLocked(r)
		if p.allocated >= p.maxTotal {
			return nil, toClose
		}
	}

	e = &Entry{
		id:      fmt.Sprintf("ep-%d", p.seq.Add(1)-1),
		route:   r,
		tracker: route.NewTracker(r),
		conn:    p.factory(r),
		created: now,
		updated: now,
		state:   state,
	}
	if p.ttl > 0 {
		e.validUntil = now.Add(p.ttl)
		e.expiresAt = e.validUntil
	}
	p.allocated++
	p.leaseLocked(rp, e)
	p.counters.misses.Add(1)
	if log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		p.entryLog(rp, e).Debug("connection leased")
	}
	return e, toClose
}

// takeAvailableLocked scans rp's available entries from the most recently
// released end, dropping expired ones. It prefers an entry whose state
// equals state and otherwise takes the most recently released one.
func (p *Pool) takeAvailableLocked(rp *routePool, state any, now time.Time) (*Entry, []*Entry) {
	var toClose []*Entry
	var fallback *Entry
	for el := rp.available.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*Entry)
		if e.isExpired(now) {
			p.retireLocked(rp, e)
			toClose = append(toClose, e)
			el = prev
			continue
		}
		if reflect.DeepEqual(e.state, state) {
			return e, toClose
		}
		if fallback == nil {
			fallback = e
		}
		el = prev
	}
	return fallback, toClose
}

func (p *Pool) leaseLocked(rp *routePool, e *Entry) {
	if e.elem != nil {
		rp.available.Remove(e.elem)
		e.elem = nil
	}
	if e.lru != nil {
		p.available.Remove(e.lru)
		e.lru = nil
	}
	rp.leased[e] = struct{}{}
	e.poolState = StateLeased
	e.uses++
}

func (p *Pool) makeAvailableLocked(rp *routePool, e *Entry) {
	e.poolState = StateAvailable
	e.elem = rp.available.PushBack(e)
	e.lru = p.available.PushBack(e)
}

// returnLocked puts a leased entry back without touching its keep-alive, as
// if it had never been handed out. It returns e if it had to be retired.
func (p *Pool) returnLocked(e *Entry) []*Entry {
	if e.poolState != StateLeased {
		return nil
	}
	rp := p.routes[e.route.Key()]
	if !p.closed && e.conn.IsOpen() && e.tracker.Reached(e.route) {
		delete(rp.leased, e)
		p.makeAvailableLocked(rp, e)
		return nil
	}
	p.retireLocked(rp, e)
	return []*Entry{e}
}

func (p *Pool) retireLocked(rp *routePool, e *Entry) {
	switch e.poolState {
	case StateRetired:
		return
	case StateLeased:
		delete(rp.leased, e)
	case StateAvailable:
		rp.available.Remove(e.elem)
		p.available.Remove(e.lru)
		e.elem, e.lru = nil, nil
	}
	e.poolState = StateRetired
	p.allocated--
	p.gcRouteLocked(rp)
}

func (p *Pool) entryLog(rp *routePool, e *Entry) *logrus.Entry {
	return log.WithFields(logrus.Fields{
		"entry":           e.id,
		"route":           rp.route.String(),
		"route_allocated": fmt.Sprintf("%d of %d", rp.allocated(), p.maxPerRouteLocked(rp.route.Key())),
		"total_allocated": fmt.Sprintf("%d of %d", p.allocated, p.maxTotal),
		"kept_alive":      p.available.Len(),
	})
}

// needsValidation reports whether a freshly leased entry must be probed.
func (p *Pool) needsValidation(e *Entry) bool {
	if p.validate <= 0 || !e.reused {
		return false
	}
	if _, ok := e.conn.(Staler); !ok {
		return false
	}
	return nowFunc().Sub(e.updated) > p.validate
}

func closeEntries(entries []*Entry) {
	eachEntry(entries, (*Entry).close)
}

func shutdownEntries(entries []*Entry) {
	eachEntry(entries, (*Entry).shutdown)
}

func eachEntry(entries []*Entry, fn func(*Entry) error) {
	switch len(entries) {
	case 0:
		return
	case 1:
		if err := fn(entries[0]); err != nil {
			log.WithError(err).WithField("entry", entries[0].id).Debug("error closing connection")
		}
		return
	}
	var g errgroup.Group
	g.SetLimit(closeConcurrency)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			if err := fn(e); err != nil {
				log.WithError(err).WithField("entry", e.id).Debug("error closing connection")
			}
			return nil
		})
	}
	g.Wait()
}
