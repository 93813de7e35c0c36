//go:build unix

// SPDX-License-Identifier: GPL-3.0-or-later

package scannerl

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// newControlFunc returns a [net.Dialer.Control] hook applying the given
// socket options at socket creation, before connect.
func newControlFunc(options SocketOptions) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var soerr error
		err := c.Control(func(fd uintptr) {
			if options.ReuseAddress {
				soerr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			}
			if soerr == nil && options.ReceiveBufferSize > 0 {
				soerr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, options.ReceiveBufferSize)
			}
		})
		if err != nil {
			return err
		}
		return soerr
	}
}
