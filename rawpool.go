// Package rawpool manages pooled client connections for HTTP over TCP. A
// connection is leased for a route, which may pass through a chain of HTTP
// or SOCKS5 proxies, established hop by hop, and released back to the pool
// for reuse by later requests on the same route.
package rawpool

import (
	"net"

	"github.com/WhileEndless/go-rawpool/pkg/errors"
	"github.com/WhileEndless/go-rawpool/pkg/pool"
	"github.com/WhileEndless/go-rawpool/pkg/route"
	"github.com/WhileEndless/go-rawpool/pkg/timing"
)

// Version is the current version of the rawpool library
const Version = "1.0.0"

// GetVersion returns the current version of the library
func GetVersion() string {
	return Version
}

// Re-export key types for easier usage
type (
	// Route describes the hops from the client to a target.
	Route = route.Route

	// Host is one hop of a route.
	Host = route.Host

	// Stats is a snapshot of pool occupancy.
	Stats = pool.Stats

	// Metrics captures how long establishing a connection took.
	Metrics = timing.Metrics

	// Error represents a structured error with context information.
	Error = errors.Error
)

// Shutdown modes
const (
	Graceful  = pool.Graceful
	Immediate = pool.Immediate
)

// Re-export error types for convenience
const (
	ErrorTypeDNS            = errors.ErrorTypeDNS
	ErrorTypeConnectTimeout = errors.ErrorTypeConnectTimeout
	ErrorTypeConnectRefused = errors.ErrorTypeConnectRefused
	ErrorTypeTLS            = errors.ErrorTypeTLS
	ErrorTypeTunnel         = errors.ErrorTypeTunnel
	ErrorTypePoolTimeout    = errors.ErrorTypePoolTimeout
	ErrorTypeRouteState     = errors.ErrorTypeRouteState
	ErrorTypeConfiguration  = errors.ErrorTypeConfiguration
	ErrorTypeShutdown       = errors.ErrorTypeShutdown
)

// NewHost returns a Host, using the scheme's default port when port is 0.
func NewHost(scheme, name string, port int) Host {
	return route.NewHost(scheme, name, port)
}

// DirectRoute returns a route straight to target, secure for https.
func DirectRoute(target Host) Route {
	return route.NewDirect(target, nil, target.IsSecure())
}

// ProxiedRoute returns a route to target through the given proxies.
func ProxiedRoute(target Host, local net.IP, proxies ...Host) Route {
	return route.NewChained(target, local, proxies, target.IsSecure())
}

// IsPoolTimeout reports whether err is a lease that waited too long.
func IsPoolTimeout(err error) bool {
	return errors.IsPoolTimeout(err)
}

// IsConnectivityError reports whether err is a DNS, timeout or refused
// connect failure.
func IsConnectivityError(err error) bool {
	return errors.IsConnectivityError(err)
}

// GetErrorType returns the error type if it's a structured error.
func GetErrorType(err error) string {
	return string(errors.GetErrorType(err))
}
