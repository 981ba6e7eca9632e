//go:build unix

package listener

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlSocket sets listen-socket options before bind. SO_REUSEADDR lets a
// restarted server rebind a port still in TIME_WAIT.
func controlSocket(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}
