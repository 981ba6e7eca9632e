//go:build windows

package listener

import "syscall"

// controlSocket is a no-op on Windows; the default bind semantics already
// allow rebinding after restart.
func controlSocket(network, address string, c syscall.RawConn) error {
	return nil
}
