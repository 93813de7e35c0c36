// SPDX-License-Identifier: GPL-3.0-or-later

package scannerl

// Module is the pluggable probe protocol driven by a [*Probe].
//
// The engine invokes React whenever a send/receive cycle concludes: the
// retry budget is exhausted, the expected packet count is satisfied, or
// an I/O failure was recorded. The module inspects the [*Cycle] and
// answers with exactly one verdict: [Continue], [Restart], or [Conclude].
//
// A module owns no knowledge of socket mechanics and receives no socket
// handle, only the accumulated bytes and error reasons. Implementations
// must be safe for use by concurrent probes: configuration lives in the
// implementation's fields, while per-probe mutable state belongs in the
// opaque state value round-tripped through [Cycle.State].
type Module interface {
	// Name returns the module name reported in the [Result].
	Name() string

	// React returns the module's verdict for a concluded cycle.
	React(cycle *Cycle) Verdict
}

// Cycle is the view of a concluded send/receive cycle that the engine
// hands to [Module.React]. The engine owns the cycle and its fields;
// modules that need data past the call should carry it in the state
// value of the verdict they return.
type Cycle struct {
	// Target is the host the probe is currently connected to. After a
	// restart this may differ from the originally configured target.
	Target string

	// Port is the port the probe is currently connected to.
	Port uint16

	// Received holds the bytes accumulated during this cycle.
	Received []byte

	// PacketCount is the number of chunks received during this cycle.
	PacketCount int

	// SendErr is the error recorded by the most recent failed send in
	// this cycle, or nil.
	SendErr error

	// RecvErr is the error recorded while awaiting chunks in this
	// cycle, or nil. Peer-initiated closure surfaces as [io.EOF].
	RecvErr error

	// State is the opaque module state from the previous verdict. It is
	// nil on the first cycle of a probe.
	State any
}

// UnboundedPackets, used as [Continue.ExpectPackets], accepts chunks
// until the response timeout elapses with no further data.
const UnboundedPackets = -1

// Verdict is the answer of [Module.React]: one of [Continue],
// [Restart], or [Conclude]. The set of verdicts is closed; the engine
// panics on anything else, including a nil verdict.
type Verdict interface {
	isVerdict()
}

// Continue instructs the engine to run another cycle on the same
// connection: when the concluded cycle received data, stray bytes left
// unread on the socket are discarded, then Payload is sent and the
// engine awaits ExpectPackets chunks.
type Continue struct {
	// ExpectPackets is the number of chunks to accept before invoking
	// the module again: a positive count, zero for "no further chunks
	// wanted" (a chunk arriving then is a fatal protocol violation), or
	// [UnboundedPackets].
	ExpectPackets int

	// Payload is the next payload to send. An empty payload starts a
	// listen-only cycle and disables retransmission.
	Payload []byte

	// State is the opaque module state for the next cycle.
	State any
}

// Restart instructs the engine to close the connection and reconnect.
type Restart struct {
	// Target is the host to reconnect to. When empty, the engine falls
	// back to the originally configured target.
	Target string

	// Port is the port to reconnect to. When zero, the engine falls
	// back to the originally configured port.
	Port uint16

	// State is the opaque module state carried across the restart.
	State any
}

// Conclude instructs the engine to close the connection and terminate
// with the given outcome.
type Conclude struct {
	// Outcome is the final classified outcome.
	Outcome Outcome
}

var (
	_ Verdict = Continue{}
	_ Verdict = Restart{}
	_ Verdict = Conclude{}
)

func (Continue) isVerdict() {}

func (Restart) isVerdict() {}

func (Conclude) isVerdict() {}
