//go:build unix

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlListener sets SO_REUSEADDR so Reset can rebind the port the
// previous acceptor just released.
func controlListener(network, address string, c syscall.RawConn) error {
	var serr error
	if err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return serr
}
