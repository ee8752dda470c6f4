// Package timing measures how long each phase of connection establishment takes.
package timing

import (
	"fmt"
	"sync"
	"time"
)

// Metrics captures establishment timings for one connection.
type Metrics struct {
	// DNSLookup is the time spent resolving the first hop
	DNSLookup time.Duration `json:"dns_lookup"`

	// TCPConnect is the time spent in the TCP handshake, across all
	// addresses tried
	TCPConnect time.Duration `json:"tcp_connect"`

	// TLSHandshake is the time spent layering TLS (0 for plain routes)
	TLSHandshake time.Duration `json:"tls_handshake"`

	// Tunnel is the time spent in CONNECT or SOCKS handshakes, summed over hops
	Tunnel time.Duration `json:"tunnel"`

	// Attempts is the number of addresses dialed before one succeeded
	Attempts int `json:"attempts"`

	// TotalTime is from timer creation to the last completed phase
	TotalTime time.Duration `json:"total_time"`
}

// Timer collects establishment timings. It is safe for concurrent use.
type Timer struct {
	mu       sync.Mutex
	start    time.Time
	last     time.Time
	dnsStart time.Time
	tcpStart time.Time
	tlsStart time.Time
	tunStart time.Time
	m        Metrics
}

// NewTimer creates a new timing measurement session.
func NewTimer() *Timer {
	now := time.Now()
	return &Timer{start: now, last: now}
}

// StartDNS marks the beginning of DNS resolution.
func (t *Timer) StartDNS() {
	t.mu.Lock()
	t.dnsStart = time.Now()
	t.mu.Unlock()
}

// EndDNS marks the end of DNS resolution.
func (t *Timer) EndDNS() {
	t.mu.Lock()
	t.m.DNSLookup += t.since(t.dnsStart)
	t.mu.Unlock()
}

// StartTCP marks the beginning of one connect attempt.
func (t *Timer) StartTCP() {
	t.mu.Lock()
	t.tcpStart = time.Now()
	t.m.Attempts++
	t.mu.Unlock()
}

// EndTCP marks the end of a connect attempt, successful or not.
func (t *Timer) EndTCP() {
	t.mu.Lock()
	t.m.TCPConnect += t.since(t.tcpStart)
	t.mu.Unlock()
}

// StartTLS marks the beginning of a TLS handshake.
func (t *Timer) StartTLS() {
	t.mu.Lock()
	t.tlsStart = time.Now()
	t.mu.Unlock()
}

// EndTLS marks the end of a TLS handshake.
func (t *Timer) EndTLS() {
	t.mu.Lock()
	t.m.TLSHandshake += t.since(t.tlsStart)
	t.mu.Unlock()
}

// StartTunnel marks the beginning of a tunnel handshake.
func (t *Timer) StartTunnel() {
	t.mu.Lock()
	t.tunStart = time.Now()
	t.mu.Unlock()
}

// EndTunnel marks the end of a tunnel handshake.
func (t *Timer) EndTunnel() {
	t.mu.Lock()
	t.m.Tunnel += t.since(t.tunStart)
	t.mu.Unlock()
}

// since must be called with t.mu held.
func (t *Timer) since(start time.Time) time.Duration {
	if start.IsZero() {
		return 0
	}
	now := time.Now()
	t.last = now
	return now.Sub(start)
}

// GetMetrics returns the timings recorded so far.
func (t *Timer) GetMetrics() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.m
	m.TotalTime = t.last.Sub(t.start)
	return m
}

// GetConnectionTime returns DNS + TCP + TLS + tunnel time.
func (m Metrics) GetConnectionTime() time.Duration {
	return m.DNSLookup + m.TCPConnect + m.TLSHandshake + m.Tunnel
}

// String provides a human-readable representation of the metrics.
func (m Metrics) String() string {
	return fmt.Sprintf("DNSLookup: %v, TCPConnect: %v (%d attempts), TLSHandshake: %v, Tunnel: %v, TotalTime: %v",
		m.DNSLookup, m.TCPConnect, m.Attempts, m.TLSHandshake, m.Tunnel, m.TotalTime)
}
