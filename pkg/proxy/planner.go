package proxy

import (
	"fmt"
	"net"
	"net/url"

	"golang.org/x/net/http/httpproxy"

	"github.com/WhileEndless/go-rawpool/pkg/route"
)

// Planner decides the route a connection to target should take.
type Planner interface {
	DetermineRoute(target route.Host, local net.IP) (route.Route, error)
}

// DirectPlanner always connects straight to the target.
type DirectPlanner struct{}

func (DirectPlanner) DetermineRoute(target route.Host, local net.IP) (route.Route, error) {
	if target.Name == "" {
		return route.Route{}, fmt.Errorf("target host cannot be empty")
	}
	return route.NewDirect(target, local, target.IsSecure()), nil
}

// StaticPlanner sends every connection through the same proxy chain.
type StaticPlanner struct {
	Chain []route.Host
}

// NewStaticPlanner builds a planner from parsed proxies.
func NewStaticPlanner(chain []*Proxy) *StaticPlanner {
	hosts := make([]route.Host, len(chain))
	for i, p := range chain {
		hosts[i] = p.Host
	}
	return &StaticPlanner{Chain: hosts}
}

func (p *StaticPlanner) DetermineRoute(target route.Host, local net.IP) (route.Route, error) {
	if target.Name == "" {
		return route.Route{}, fmt.Errorf("target host cannot be empty")
	}
	if len(p.Chain) == 0 {
		return route.NewDirect(target, local, target.IsSecure()), nil
	}
	return route.NewChained(target, local, p.Chain, target.IsSecure()), nil
}

// EnvPlanner picks the proxy from HTTP_PROXY, HTTPS_PROXY and NO_PROXY.
type EnvPlanner struct {
	proxyFunc func(*url.URL) (*url.URL, error)
	creds     *Credentials
}

// NewEnvPlanner reads the proxy environment once. Credentials embedded in
// the proxy URLs are recorded in creds when it is not nil.
func NewEnvPlanner(creds *Credentials) *EnvPlanner {
	return NewConfigPlanner(httpproxy.FromEnvironment(), creds)
}

// NewConfigPlanner plans routes from an explicit proxy configuration.
func NewConfigPlanner(cfg *httpproxy.Config, creds *Credentials) *EnvPlanner {
	return &EnvPlanner{proxyFunc: cfg.ProxyFunc(), creds: creds}
}

func (p *EnvPlanner) DetermineRoute(target route.Host, local net.IP) (route.Route, error) {
	if target.Name == "" {
		return route.Route{}, fmt.Errorf("target host cannot be empty")
	}
	u := &url.URL{Scheme: target.Scheme, Host: target.Address()}
	proxyURL, err := p.proxyFunc(u)
	if err != nil {
		return route.Route{}, fmt.Errorf("proxy lookup for %s: %w", target, err)
	}
	if proxyURL == nil {
		return route.NewDirect(target, local, target.IsSecure()), nil
	}
	px, err := ParseProxyURL(proxyURL.String())
	if err != nil {
		return route.Route{}, err
	}
	if cred := px.Credentials(); cred != nil && p.creds != nil {
		p.creds.Set(px.Host, *cred)
	}
	return route.NewProxied(target, local, px.Host, target.IsSecure()), nil
}
