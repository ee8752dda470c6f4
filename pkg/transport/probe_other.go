//go:build !unix

package transport

import "net"

// isStale cannot peek without blocking here; a dead peer surfaces on the
// next read instead.
func isStale(net.Conn) bool {
	return false
}
