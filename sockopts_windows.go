//go:build windows

// SPDX-License-Identifier: GPL-3.0-or-later

package scannerl

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// newControlFunc returns a [net.Dialer.Control] hook applying the given
// socket options at socket creation, before connect.
func newControlFunc(options SocketOptions) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var soerr error
		err := c.Control(func(fd uintptr) {
			if options.ReuseAddress {
				soerr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
			}
			if soerr == nil && options.ReceiveBufferSize > 0 {
				soerr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_RCVBUF, options.ReceiveBufferSize)
			}
		})
		if err != nil {
			return err
		}
		return soerr
	}
}
