package timing

import (
	"strings"
	"testing"
	"time"
)

func TestTimerAccumulatesPhases(t *testing.T) {
	timer := NewTimer()

	timer.StartDNS()
	time.Sleep(2 * time.Millisecond)
	timer.EndDNS()

	for i := 0; i < 2; i++ {
		timer.StartTCP()
		time.Sleep(time.Millisecond)
		timer.EndTCP()
	}

	timer.StartTunnel()
	timer.EndTunnel()

	m := timer.GetMetrics()
	if m.DNSLookup <= 0 {
		t.Errorf("DNSLookup = %v", m.DNSLookup)
	}
	if m.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", m.Attempts)
	}
	if m.TCPConnect < 2*time.Millisecond {
		t.Errorf("TCPConnect = %v, want at least 2ms", m.TCPConnect)
	}
	if m.TLSHandshake != 0 {
		t.Errorf("TLSHandshake = %v, want 0 without a handshake", m.TLSHandshake)
	}
	if m.TotalTime < m.DNSLookup+m.TCPConnect {
		t.Errorf("TotalTime %v shorter than phases", m.TotalTime)
	}
	if m.GetConnectionTime() != m.DNSLookup+m.TCPConnect+m.Tunnel {
		t.Error("GetConnectionTime mismatch")
	}
	if !strings.Contains(m.String(), "2 attempts") {
		t.Errorf("String() = %q", m.String())
	}
}

func TestEndWithoutStart(t *testing.T) {
	timer := NewTimer()
	timer.EndTLS()
	if m := timer.GetMetrics(); m.TLSHandshake != 0 {
		t.Errorf("TLSHandshake = %v, want 0", m.TLSHandshake)
	}
}
