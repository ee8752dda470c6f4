package pool

import (
	"fmt"
	"sync/atomic"

	"github.com/WhileEndless/go-rawpool/pkg/route"
)

// Stats is a snapshot of a pool or of one route within it.
type Stats struct {
	Leased    int
	Available int
	Pending   int
	Max       int
}

func (s Stats) String() string {
	return fmt.Sprintf("[leased: %d; pending: %d; available: %d; max: %d]", s.Leased, s.Pending, s.Available, s.Max)
}

// Counters are cumulative lease outcomes since the pool was created.
type Counters struct {
	Requests  uint64
	Hits      uint64
	Misses    uint64
	Timeouts  uint64
	Evictions uint64
	Stale     uint64
}

type counters struct {
	requests  atomic.Uint64
	hits      atomic.Uint64
	misses    atomic.Uint64
	timeouts  atomic.Uint64
	evictions atomic.Uint64
	stale     atomic.Uint64
}

// Stats returns the pool-wide snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Leased:    p.allocated - p.available.Len(),
		Available: p.available.Len(),
		Pending:   p.pending.Len(),
		Max:       p.maxTotal,
	}
}

// RouteStats returns the snapshot for r.
func (p *Pool) RouteStats(r route.Route) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Max: p.maxPerRouteLocked(r.Key())}
	if rp, ok := p.routes[r.Key()]; ok {
		s.Leased = len(rp.leased)
		s.Available = rp.available.Len()
		s.Pending = rp.pending
	}
	return s
}

// Routes returns the routes that currently have connections or waiters.
func (p *Pool) Routes() []route.Route {
	p.mu.Lock()
	defer p.mu.Unlock()
	routes := make([]route.Route, 0, len(p.routes))
	for _, rp := range p.routes {
		routes = append(routes, rp.route)
	}
	return routes
}

// Counters returns the cumulative lease outcomes.
func (p *Pool) Counters() Counters {
	return Counters{
		Requests:  p.counters.requests.Load(),
		Hits:      p.counters.hits.Load(),
		Misses:    p.counters.misses.Load(),
		Timeouts:  p.counters.timeouts.Load(),
		Evictions: p.counters.evictions.Load(),
		Stale:     p.counters.stale.Load(),
	}
}
