// SPDX-License-Identifier: GPL-3.0-or-later

package scannerl

// DefaultReceiveBufferSize is the default for [SocketOptions.ReceiveBufferSize].
const DefaultReceiveBufferSize = 1 << 16

// SocketOptions configures the TCP socket owned by a probe instance.
//
// The zero value is not useful. Use [DefaultSocketOptions] and then
// override individual fields as needed.
type SocketOptions struct {
	// BlockingRead controls how an armed read awaits inbound data.
	//
	// When true, an armed read blocks until data arrives or the socket
	// is closed, and the response-wait timer is the only wakeup. When
	// false, each armed read also carries a read deadline equal to the
	// probe timeout, so a quiet peer surfaces as a receive error and
	// feeds the retry logic instead of only the timer.
	BlockingRead bool

	// ReceiveBufferSize is the requested SO_RCVBUF size and the size of
	// the buffer used for each single read from the socket.
	ReceiveBufferSize int

	// ReuseAddress sets SO_REUSEADDR at socket creation. Probes that
	// bind privileged source ports reuse them across instances quickly,
	// which requires address reuse to avoid spurious bind failures.
	ReuseAddress bool
}

// DefaultSocketOptions returns the [SocketOptions] used when the caller
// does not override them.
func DefaultSocketOptions() SocketOptions {
	return SocketOptions{
		BlockingRead:      true,
		ReceiveBufferSize: DefaultReceiveBufferSize,
		ReuseAddress:      true,
	}
}
