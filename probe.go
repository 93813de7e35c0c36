// SPDX-License-Identifier: GPL-3.0-or-later

package scannerl

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/bassosimone/runtimex"
)

// Default values applied by [NewProbe].
const (
	// DefaultTimeout is the default [Probe.Timeout].
	DefaultTimeout = 3 * time.Second

	// DefaultPrivilegedRetryMax is the default [Probe.PrivilegedRetryMax].
	DefaultPrivilegedRetryMax = 3
)

// NewProbe returns a new [*Probe] targeting the given host and port and
// driven by the given [Module].
//
// The cfg argument contains the common configuration for probe instances.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewProbe(cfg *Config, target string, port uint16, module Module, logger SLogger) *Probe {
	return &Probe{
		ErrClassifier:      cfg.ErrClassifier,
		Logger:             logger,
		Module:             module,
		NewDialer:          cfg.NewDialer,
		Port:               port,
		PrivilegedPorts:    false,
		PrivilegedRetryMax: DefaultPrivilegedRetryMax,
		RandInt:            cfg.RandInt,
		Resolver:           cfg.Resolver,
		RetryBudget:        0,
		SocketOptions:      DefaultSocketOptions(),
		Target:             target,
		TimeNow:            cfg.TimeNow,
		Timeout:            DefaultTimeout,

		probeID: NewSpanID(),
		events:  make(chan event, 8),
		done:    make(chan struct{}),
	}
}

// Probe is a single probe instance: one finite state machine run bound
// to one connection attempt sequence against one target.
//
// Construct using [NewProbe]. All exported fields are safe to modify
// after construction but before calling [Probe.Start] or [Probe.Run];
// they must not be mutated afterwards.
type Probe struct {
	// ErrClassifier classifies errors for structured logging and for
	// the reason codes of terminal outcomes.
	//
	// Set by [NewProbe] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewProbe] to the user-provided logger.
	Logger SLogger

	// Module is the probe protocol to drive over the connection.
	//
	// Set by [NewProbe] to the user-provided module.
	Module Module

	// NewDialer constructs the [Dialer] for a single connect attempt.
	//
	// Set by [NewProbe] from [Config.NewDialer].
	NewDialer func(laddr *net.TCPAddr, options SocketOptions) Dialer

	// Port is the target port.
	//
	// Set by [NewProbe] to the user-provided value.
	Port uint16

	// PrivilegedPorts requests binding an ephemeral privileged source
	// port (1-1023), selected pseudo-randomly on each connect attempt.
	// Binding such ports typically requires elevated permission.
	//
	// Set by [NewProbe] to false.
	PrivilegedPorts bool

	// PrivilegedRetryMax bounds how many times a connect attempt is
	// repeated when binding the privileged source port fails because of
	// permission or contention. This budget is independent of
	// RetryBudget and spans the whole probe lifetime.
	//
	// Set by [NewProbe] to [DefaultPrivilegedRetryMax].
	PrivilegedRetryMax int

	// RandInt returns a pseudo-random int in [0, n), used to pick the
	// privileged source port.
	//
	// Set by [NewProbe] from [Config.RandInt].
	RandInt func(n int) int

	// Resolver resolves the target hostname.
	//
	// Set by [NewProbe] from [Config.Resolver].
	Resolver Resolver

	// RetryBudget is the number of times the pending payload is resent
	// when the response timeout elapses, or a send fails, with nothing
	// received. The budget is restored on every [Continue] and
	// [Restart] verdict.
	//
	// Set by [NewProbe] to zero.
	RetryBudget int

	// Results, when non-nil and Sink is nil, receives the final
	// [Result]. The channel owner must consume it: delivery blocks
	// until the send completes.
	//
	// Set by [NewProbe] to nil.
	Results chan<- Result

	// Sink, when non-nil, receives the final [Result] and takes
	// precedence over Results.
	//
	// Set by [NewProbe] to nil.
	Sink ResultSink

	// SocketOptions configures the TCP socket of each connect attempt.
	//
	// Set by [NewProbe] to [DefaultSocketOptions].
	SocketOptions SocketOptions

	// Target is the target host: a hostname or an IP literal.
	//
	// Set by [NewProbe] to the user-provided value.
	Target string

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewProbe] from [Config.TimeNow].
	TimeNow func() time.Time

	// Timeout bounds hostname resolution, each connect attempt, each
	// send, and the wait for a response within a cycle.
	//
	// Set by [NewProbe] to [DefaultTimeout].
	Timeout time.Duration

	// probeID correlates all log events emitted by this instance.
	probeID string

	// started guards against starting the same probe twice.
	started bool

	// events delivers I/O completions from helper goroutines to the
	// driver goroutine.
	events chan event

	// queue holds zero-delay internal events, drained before external
	// events so that "immediately schedule next step" stays distinct
	// from "wait for external event".
	queue []event

	// timer is the response-wait timer, owned by the driver goroutine.
	timer *time.Timer

	// done is closed once the result has been delivered.
	done chan struct{}

	// The fields below are the probe context threaded through every
	// transition. They are owned by the driver goroutine.

	state           probeState
	currentTarget   string
	currentPort     uint16
	resolving       bool
	resolvedAddr    netip.Addr
	conn            net.Conn
	connGen         int
	reader          *connReader
	readArmed       bool
	retryRemaining  int
	privRetries     int
	expectedPackets int
	receivedCount   int
	recvBuf         []byte
	pendingPayload  []byte
	moduleState     any
	lastSendErr     error
	lastRecvErr     error
	result          *Result
}

// Start spawns the probe's driver goroutine and returns immediately.
//
// The connection logic runs as the first scheduled step of the driver,
// not inline here, so the caller can observe the probe before its first
// real action. Cancel ctx to abort the probe: it concludes with an
// unknown outcome carrying the classified context error.
//
// Start panics when invoked twice or when the probe lacks a module.
func (p *Probe) Start(ctx context.Context) {
	runtimex.Assert(!p.started)
	runtimex.Assert(p.Module != nil)
	p.started = true
	p.queue = append(p.queue, stepEvent{})
	go p.loop(ctx)
}

// Wait blocks until the probe has terminated and returns its [Result],
// or returns the context error when ctx is done first. Waiting is
// always possible, whatever the configured delivery mode.
func (p *Probe) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		return *p.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Run starts the probe and waits for its [Result].
func (p *Probe) Run(ctx context.Context) (Result, error) {
	p.Start(ctx)
	return p.Wait(ctx)
}

// deliver pushes the result to the configured sink or channel. At most
// one external delivery occurs per probe.
func (p *Probe) deliver(result Result) {
	switch {
	case p.Sink != nil:
		p.Sink.Deliver(result)
	case p.Results != nil:
		p.Results <- result
	}
}
