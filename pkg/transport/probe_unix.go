//go:build unix

package transport

import (
	"errors"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// isStale peeks one byte without blocking. A zero-length read means the peer
// closed; pending data or EAGAIN mean the socket is still usable.
func isStale(sock net.Conn) bool {
	sc, ok := sock.(syscall.Conn)
	if !ok {
		return false
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return true
	}

	stale := false
	err = rc.Read(func(fd uintptr) bool {
		var b [1]byte
		n, _, rerr := unix.Recvfrom(int(fd), b[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		switch {
		case rerr == nil:
			stale = n == 0
		case errors.Is(rerr, unix.EAGAIN), errors.Is(rerr, unix.EWOULDBLOCK):
		default:
			stale = true
		}
		return true
	})
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return false
	}
	return err != nil || stale
}
