package transport

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/WhileEndless/go-rawpool/pkg/constants"
	"github.com/WhileEndless/go-rawpool/pkg/errors"
)

// Resolver turns a host name into the ordered list of addresses to try.
type Resolver interface {
	Resolve(ctx context.Context, host string) ([]net.IP, error)
}

// SystemResolver resolves through a net.Resolver.
type SystemResolver struct {
	Resolver *net.Resolver
	Timeout  time.Duration
}

// NewSystemResolver returns a resolver using the default net.Resolver.
func NewSystemResolver(timeout time.Duration) *SystemResolver {
	return &SystemResolver{Resolver: net.DefaultResolver, Timeout: timeout}
}

func (r *SystemResolver) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultDNSTimeout
	}
	res := r.Resolver
	if res == nil {
		res = net.DefaultResolver
	}

	ctxLookup, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addrs, err := res.LookupIPAddr(ctxLookup, host)
	if err != nil {
		return nil, errors.NewDNSError(host, err)
	}
	if len(addrs) == 0 {
		return nil, errors.NewDNSError(host, errors.NewValidationError("no IP addresses found"))
	}
	ips := make([]net.IP, len(addrs))
	for i, a := range addrs {
		ips[i] = a.IP
	}
	return ips, nil
}

// StaticResolver answers from a fixed table and defers to Fallback for
// unknown names.
type StaticResolver struct {
	mu       sync.RWMutex
	hosts    map[string][]net.IP
	Fallback Resolver
}

// NewStaticResolver creates a resolver with no entries.
func NewStaticResolver(fallback Resolver) *StaticResolver {
	return &StaticResolver{hosts: make(map[string][]net.IP), Fallback: fallback}
}

// Add maps host to ips, in the order they should be tried.
func (r *StaticResolver) Add(host string, ips ...net.IP) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hosts[strings.ToLower(host)] = append([]net.IP(nil), ips...)
}

func (r *StaticResolver) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	r.mu.RLock()
	ips, ok := r.hosts[strings.ToLower(host)]
	r.mu.RUnlock()
	if ok {
		return append([]net.IP(nil), ips...), nil
	}
	if r.Fallback != nil {
		return r.Fallback.Resolve(ctx, host)
	}
	return nil, errors.NewDNSError(host, nil)
}
