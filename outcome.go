// SPDX-License-Identifier: GPL-3.0-or-later

package scannerl

import "fmt"

// Status is the coarse classification of a probe outcome.
//
// "up" means the target responded at the network layer, even if the
// probed protocol failed or was rejected. "unknown" means the probe
// could not determine the target state.
type Status string

// The statuses produced by this package.
const (
	// StatusUp means the target answered at the TCP layer.
	StatusUp = Status("up")

	// StatusUnknown means the target state could not be determined.
	StatusUnknown = Status("unknown")
)

// Reason codes attached to outcomes produced by the engine itself.
//
// Modules are free to use their own reason codes in the outcomes they
// conclude with; the engine only ever emits the reasons below plus raw
// classifier labels (e.g., "ETIMEDOUT") for unrecognized failures.
const (
	// ReasonConnectionRefused means the target actively refused the
	// TCP connection.
	ReasonConnectionRefused = "connection_refused"

	// ReasonConnectionReset means the target reset the TCP connection
	// while it was being established.
	ReasonConnectionReset = "connection_reset"

	// ReasonTooManyPackets means the peer sent a chunk when no further
	// chunks were wanted. The offending chunk is attached as outcome data.
	ReasonTooManyPackets = "too_many_packets_received"

	// ReasonResolutionFailure means hostname resolution failed for an
	// unrecognized cause.
	ReasonResolutionFailure = "resolution_failure"

	// ReasonResolutionTimeout means the response timer fired while the
	// engine was still waiting for hostname resolution.
	ReasonResolutionTimeout = "resolution_timeout"

	// ReasonNXDomain means the resolver reported that the name
	// does not exist.
	ReasonNXDomain = "nxdomain"

	// ReasonConnectException means the connect attempt failed before
	// reaching the network (e.g., a malformed address).
	ReasonConnectException = "connect_exception"
)

// Outcome is the classified result of a probe.
type Outcome struct {
	// Status is the coarse classification.
	Status Status

	// Reason is the machine-readable reason code.
	Reason string

	// Data optionally carries protocol evidence: the unexpected chunk
	// for ReasonTooManyPackets, a banner or fingerprint for module
	// outcomes. May be nil.
	Data []byte
}

// String implements [fmt.Stringer].
func (o Outcome) String() string {
	return fmt.Sprintf("(%s, %s)", o.Status, o.Reason)
}

// Result is the final tuple delivered exactly once per probe instance.
type Result struct {
	// Module is the name of the probe module that ran.
	Module string

	// Target is the originally configured target host. A restart
	// verdict may have migrated the connection elsewhere, but the
	// delivered answer is always about the caller's target.
	Target string

	// Port is the originally configured target port.
	Port uint16

	// Outcome is the classified outcome.
	Outcome Outcome
}

// String implements [fmt.Stringer].
func (r Result) String() string {
	return fmt.Sprintf("%s %s:%d %s", r.Module, r.Target, r.Port, r.Outcome)
}
