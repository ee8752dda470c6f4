package proxy

import (
	"encoding/base64"
	"sync"

	"github.com/WhileEndless/go-rawpool/pkg/route"
)

// Credential is a username/password pair presented to a proxy.
type Credential struct {
	Username string
	Password string
}

// BasicAuth returns the value of a Proxy-Authorization header.
func (c *Credential) BasicAuth() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(c.Username+":"+c.Password))
}

// Credentials holds proxy credentials keyed by proxy address.
type Credentials struct {
	mu    sync.RWMutex
	creds map[string]Credential
}

// NewCredentials creates an empty store.
func NewCredentials() *Credentials {
	return &Credentials{creds: make(map[string]Credential)}
}

// Set stores the credential for a proxy.
func (c *Credentials) Set(proxy route.Host, cred Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds[proxy.Address()] = cred
}

// AddChain stores the credentials carried by parsed proxies.
func (c *Credentials) AddChain(chain []*Proxy) {
	for _, p := range chain {
		if cred := p.Credentials(); cred != nil {
			c.Set(p.Host, *cred)
		}
	}
}

// Get returns the credential for a proxy, or nil. A nil store has none.
func (c *Credentials) Get(proxy route.Host) *Credential {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	cred, ok := c.creds[proxy.Address()]
	if !ok {
		return nil
	}
	return &cred
}

// Remove forgets the credential for a proxy.
func (c *Credentials) Remove(proxy route.Host) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.creds, proxy.Address())
}
