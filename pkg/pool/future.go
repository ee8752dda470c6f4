package pool

import (
	"container/list"
	"context"
	"sync"

	"github.com/WhileEndless/go-rawpool/pkg/errors"
	"github.com/WhileEndless/go-rawpool/pkg/route"
)

// Future is a pending lease. It completes exactly once, with an entry or an
// error, and can be cancelled until Get has returned an entry. A reused
// entry that needs a liveness check is only delivered once the check passed,
// so Done never closes for a connection that is then discarded.
type Future struct {
	pool  *Pool
	route route.Route
	state any
	elem  *list.Element // position in the pool's queue, guarded by pool.mu
	done  chan struct{}

	mu        sync.Mutex
	entry     *Entry
	err       error
	completed bool
	consumed  bool
	cancelled bool
}

func newFuture(p *Pool, r route.Route, state any) *Future {
	return &Future{
		pool:  p,
		route: r,
		state: state,
		done:  make(chan struct{}),
	}
}

// Route returns the route the lease was requested for.
func (f *Future) Route() route.Route { return f.route }

// complete delivers the result. It is called with pool.mu held and reports
// false if the future had already completed.
func (f *Future) complete(e *Entry, err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completed {
		return false
	}
	f.entry, f.err, f.completed = e, err, true
	close(f.done)
	return true
}

func (f *Future) isCompleted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed
}

// Done is closed when the future completes.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Get waits for the lease. If ctx ends first the request is withdrawn, an
// entry delivered in the meantime goes back to the pool, and Get returns a
// pool timeout error for an expired deadline or ctx.Err() otherwise.
func (f *Future) Get(ctx context.Context) (*Entry, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		f.Cancel()
		return nil, f.contextError(ctx)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.entry != nil {
		f.consumed = true
	}
	return f.entry, f.err
}

// Cancel withdraws the request. If an entry was already delivered but not
// yet returned by Get, it goes back to the pool as if never leased. Cancel
// reports whether the request was withdrawn; it returns false once Get has
// returned an entry or the future failed.
func (f *Future) Cancel() bool {
	p := f.pool
	p.mu.Lock()
	f.mu.Lock()
	if f.cancelled || f.consumed {
		f.cancelled = true
		f.mu.Unlock()
		p.mu.Unlock()
		return false
	}
	f.cancelled = true
	e, completed := f.entry, f.completed
	if !completed || e != nil {
		f.err = errors.NewAbortedError("lease request cancelled")
	}
	if !completed {
		f.completed = true
		close(f.done)
	}
	f.entry = nil
	f.mu.Unlock()

	p.dequeueLocked(f)
	var toClose []*Entry
	if e != nil {
		toClose = p.returnLocked(e)
		toClose = append(toClose, p.processPendingLocked()...)
	}
	p.mu.Unlock()

	p.settle(toClose)
	return !completed || e != nil
}

func (f *Future) contextError(ctx context.Context) error {
	err := ctx.Err()
	if errors.IsContextTimeout(err) {
		f.pool.counters.timeouts.Add(1)
		return errors.NewPoolTimeoutError(f.route.String(), 0, err)
	}
	return err
}
