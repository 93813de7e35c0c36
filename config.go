// SPDX-License-Identifier: GPL-3.0-or-later

package scannerl

import (
	"context"
	"math/rand/v2"
	"net"
	"time"
)

// Dialer abstracts the [*net.Dialer] behavior.
//
// By making the connection manager depend on an abstract implementation we
// allow for unit testing and for using alternative dialers.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config holds common configuration for probe instances.
//
// Pass this to constructor functions to pre-wire dependencies.
// All fields have sensible defaults set by [NewConfig].
type Config struct {
	// ErrClassifier classifies errors for structured logging and
	// for the reason codes of terminal outcomes.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// NewDialer constructs the [Dialer] for a single connect attempt.
	//
	// The laddr argument is the local address to bind, or nil when the
	// probe does not request a specific source port. The options argument
	// carries the per-probe socket options.
	//
	// Set by [NewConfig] to a factory returning a [*net.Dialer] that
	// binds laddr and applies the socket options at socket creation.
	NewDialer func(laddr *net.TCPAddr, options SocketOptions) Dialer

	// RandInt returns a pseudo-random int in [0, n). Used to pick an
	// ephemeral privileged source port on each connect attempt.
	//
	// Set by [NewConfig] to [rand.IntN].
	RandInt func(n int) int

	// Resolver resolves target hostnames to addresses.
	//
	// Set by [NewConfig] to a zero [*StdResolver].
	Resolver Resolver

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time
}

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		ErrClassifier: DefaultErrClassifier,
		NewDialer:     newDefaultDialer,
		RandInt:       rand.IntN,
		Resolver:      &StdResolver{},
		TimeNow:       time.Now,
	}
}

// newDefaultDialer returns a [*net.Dialer] binding the given local
// address, if any, and applying the given socket options.
func newDefaultDialer(laddr *net.TCPAddr, options SocketOptions) Dialer {
	dialer := &net.Dialer{Control: newControlFunc(options)}
	if laddr != nil {
		dialer.LocalAddr = laddr
	}
	return dialer
}
