// Package route describes how a connection reaches its target and tracks how
// much of that path has been established on a live connection.
package route

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/WhileEndless/go-rawpool/pkg/constants"
	"github.com/WhileEndless/go-rawpool/pkg/errors"
)

// Host is one hop of a route: a target server or a proxy.
type Host struct {
	Scheme string
	Name   string
	Port   int
}

// NewHost returns a Host, filling in the default port for the scheme when
// port is not positive.
func NewHost(scheme, name string, port int) Host {
	scheme = strings.ToLower(scheme)
	if port <= 0 {
		port = DefaultPort(scheme)
	}
	return Host{Scheme: scheme, Name: strings.ToLower(name), Port: port}
}

// ParseHost parses a target URL such as "https://example.com" or
// "http://10.0.0.1:8080". Only scheme, host and port are used.
func ParseHost(raw string) (Host, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Host{}, fmt.Errorf("invalid target URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Host{}, fmt.Errorf("target URL %q must use http or https", raw)
	}
	if u.Hostname() == "" {
		return Host{}, fmt.Errorf("target URL %q has no host", raw)
	}
	port := 0
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return Host{}, fmt.Errorf("target URL %q has invalid port %q", raw, p)
		}
	}
	return NewHost(u.Scheme, u.Hostname(), port), nil
}

// DefaultPort returns the well-known port for a scheme, or 0 if unknown.
func DefaultPort(scheme string) int {
	switch strings.ToLower(scheme) {
	case "http":
		return constants.PortHTTP
	case "https":
		return constants.PortHTTPS
	case "socks5":
		return constants.PortSOCKS5
	}
	return 0
}

// Address returns name:port suitable for dialing.
func (h Host) Address() string {
	return net.JoinHostPort(h.Name, strconv.Itoa(h.Port))
}

// IsSecure reports whether the scheme implies TLS.
func (h Host) IsSecure() bool {
	return h.Scheme == "https"
}

// IsZero reports whether h is the zero Host.
func (h Host) IsZero() bool {
	return h.Name == "" && h.Port == 0 && h.Scheme == ""
}

func (h Host) String() string {
	return h.Scheme + "://" + h.Address()
}

// TunnelType tells whether a route is tunnelled through its proxy chain.
type TunnelType int

const (
	Plain TunnelType = iota
	Tunnelled
)

// LayerType tells whether a protocol is layered over a tunnel.
type LayerType int

const (
	NotLayered LayerType = iota
	Layered
)

// Route is the immutable description of how to reach a target: the target
// itself, an ordered proxy chain, an optional local bind address and whether
// the path must be secured. Routes are compared structurally.
type Route struct {
	target    Host
	proxies   []Host
	local     net.IP
	secure    bool
	tunnelled TunnelType
	layered   LayerType
}

// New creates a route from all of its attributes. Tunnelled or layered routes
// require at least one proxy.
func New(target Host, local net.IP, proxies []Host, secure bool, tunnelled TunnelType, layered LayerType) (Route, error) {
	if target.Name == "" {
		return Route{}, errors.NewValidationError("route target host cannot be empty")
	}
	if target.Port <= 0 || target.Port > 65535 {
		return Route{}, errors.NewValidationError("route target port must be between 1 and 65535")
	}
	if len(proxies) == 0 && tunnelled == Tunnelled {
		return Route{}, errors.NewValidationError("proxy required if tunnelled")
	}
	if len(proxies) == 0 && layered == Layered {
		return Route{}, errors.NewValidationError("proxy required if layered")
	}
	for _, p := range proxies {
		if p.Name == "" || p.Port <= 0 {
			return Route{}, errors.NewValidationError("proxy host must have a name and port")
		}
	}
	r := Route{
		target:    target,
		secure:    secure,
		tunnelled: tunnelled,
		layered:   layered,
	}
	if len(proxies) > 0 {
		r.proxies = append([]Host(nil), proxies...)
	}
	if local != nil {
		r.local = append(net.IP(nil), local...)
	}
	return r, nil
}

// NewDirect creates a route that connects straight to the target.
func NewDirect(target Host, local net.IP, secure bool) Route {
	r, _ := New(target, local, nil, secure, Plain, NotLayered)
	return r
}

// NewProxied creates a route through a single proxy. Secure routes tunnel
// through the proxy and layer TLS on top.
func NewProxied(target Host, local net.IP, proxy Host, secure bool) Route {
	return NewChained(target, local, []Host{proxy}, secure)
}

// NewChained creates a route through a chain of proxies. Chains longer than
// one proxy, and any chain starting at a SOCKS proxy, are always tunnelled.
func NewChained(target Host, local net.IP, proxies []Host, secure bool) Route {
	tunnelled, layered := Plain, NotLayered
	if secure && len(proxies) > 0 {
		tunnelled, layered = Tunnelled, Layered
	}
	if len(proxies) > 1 || (len(proxies) == 1 && proxies[0].Scheme == "socks5") {
		tunnelled = Tunnelled
	}
	r, _ := New(target, local, proxies, secure, tunnelled, layered)
	return r
}

// Target returns the final destination.
func (r Route) Target() Host { return r.target }

// LocalAddr returns the local bind address, or nil.
func (r Route) LocalAddr() net.IP { return r.local }

// HopCount returns the number of hops including the target.
func (r Route) HopCount() int { return len(r.proxies) + 1 }

// HopTarget returns the host reached at hop i; the last hop is the target.
func (r Route) HopTarget(i int) Host {
	if i < 0 || i >= r.HopCount() {
		panic("route: hop index out of range")
	}
	if i < len(r.proxies) {
		return r.proxies[i]
	}
	return r.target
}

// ProxyHost returns the first proxy, or the zero Host for direct routes.
func (r Route) ProxyHost() Host {
	if len(r.proxies) == 0 {
		return Host{}
	}
	return r.proxies[0]
}

// FirstHop returns the host a fresh connection must be opened to.
func (r Route) FirstHop() Host {
	return r.HopTarget(0)
}

// Proxies returns a copy of the proxy chain.
func (r Route) Proxies() []Host {
	return append([]Host(nil), r.proxies...)
}

func (r Route) IsTunnelled() bool { return r.tunnelled == Tunnelled }
func (r Route) IsLayered() bool   { return r.layered == Layered }
func (r Route) IsSecure() bool    { return r.secure }

// IsZero reports whether r is the zero Route.
func (r Route) IsZero() bool { return r.target.IsZero() }

// Equal reports structural equality.
func (r Route) Equal(o Route) bool {
	if r.target != o.target || r.secure != o.secure ||
		r.tunnelled != o.tunnelled || r.layered != o.layered {
		return false
	}
	if !r.local.Equal(o.local) {
		return false
	}
	if len(r.proxies) != len(o.proxies) {
		return false
	}
	for i := range r.proxies {
		if r.proxies[i] != o.proxies[i] {
			return false
		}
	}
	return true
}

// Key returns a string that is equal for structurally equal routes.
func (r Route) Key() string {
	return r.String()
}

// String formats the route as {tls}->[local]->proxy->target.
func (r Route) String() string {
	var b strings.Builder
	if r.local != nil {
		b.WriteString(r.local.String())
		b.WriteString("->")
	}
	b.WriteByte('{')
	if r.tunnelled == Tunnelled {
		b.WriteByte('t')
	}
	if r.layered == Layered {
		b.WriteByte('l')
	}
	if r.secure {
		b.WriteByte('s')
	}
	b.WriteString("}->")
	for _, p := range r.proxies {
		b.WriteString(p.String())
		b.WriteString("->")
	}
	b.WriteString(r.target.String())
	return b.String()
}
