// SPDX-License-Identifier: GPL-3.0-or-later

// Package scannerl provides a reusable TCP probing engine.
//
// # Core Abstraction
//
// The engine is a finite state machine, [Probe], that establishes a TCP
// connection to a target host and port, drives a pluggable probe protocol
// over that connection, and reports a classified [Outcome]. The protocol
// logic lives entirely in a [Module]: after each send/receive cycle the
// engine invokes the module with the accumulated [Cycle] state and the
// module answers with one of three verdicts:
//
//   - [Continue]: send a new payload and await more data on the same
//     connection;
//   - [Restart]: tear down the connection and reconnect, possibly to new
//     coordinates (e.g., to follow a redirect);
//   - [Conclude]: terminate with a final [Outcome].
//
// The engine owns everything below the protocol: connection establishment
// with optional privileged-source-port binding and bounded retry on port
// contention, timeout-driven retransmission of the pending payload,
// packet-count-bounded reception with one-shot read arming as the
// backpressure mechanism, and the classification of connect failures.
// Modules never see a socket; they see bytes and error reasons.
//
// # Probe Lifecycle
//
// Construct a [*Probe] with [NewProbe], adjust its public fields if
// needed, then call [Probe.Start] followed by [Probe.Wait], or simply
// [Probe.Run]. A probe runs exactly once: it connects, cycles through
// send/receive rounds under the module's direction, and terminates with
// exactly one [Result]. The result is delivered to the configured
// [ResultSink], or sent on the configured results channel, or simply
// returned by [Probe.Wait] when neither is set.
//
// Each probe owns exactly one connection at a time. A restart or a
// conclusion always closes the previous connection before a new one is
// opened or the result is delivered, so terminated probes never leak
// descriptors.
//
// # Probe Modules
//
// Bundled modules live in the modules subpackage. A [Module]
// implementation carries its own configuration as struct fields and must
// be safe for use by concurrent probes: any per-probe mutable state
// belongs in the opaque state value that the engine round-trips through
// [Cycle.State] untouched.
//
// # External Collaborators
//
// Hostname resolution, dialing, error classification, randomness, and
// time are injected through [Config], so each probe is independently
// testable without real sockets. The defaults created by [NewConfig]
// use the system resolver and a [*net.Dialer] that applies the probe's
// [SocketOptions] at socket creation. Use [DNSResolver] to point a
// scanning campaign at a specific DNS server instead of the system
// resolver.
//
// # Observability
//
// The engine supports structured logging via [SLogger] (compatible with
// [log/slog]). By default, logging is disabled. Set the logger argument
// of [NewProbe] to a custom [*slog.Logger] to enable logging.
//
// The engine emits span events (*Start/*Done pairs) around resolution,
// connection, and closure, and per-cycle events around sends, receives,
// retries, and verdicts. Completion events include err and errClass
// fields; classification is configurable via [ErrClassifier]. Every
// event carries a probeID field, a UUIDv7 generated at construction,
// so log entries from one probe can be correlated across connections
// and cycles. I/O-level events are emitted at [slog.LevelDebug];
// lifecycle events use [slog.LevelInfo].
//
// # Concurrency
//
// A probe is a single logical thread of control: one driver goroutine
// owns all mutable state and processes one event at a time. Helper
// goroutines exist only to turn blocking I/O (resolving, dialing, one
// armed read at a time) into events, and never touch probe state. At
// most one pending I/O operation and one pending timer exist at any
// moment. Multiple probes may run concurrently; they share no mutable
// state.
//
// # Design Boundaries
//
// This package intentionally implements only the transport-and-retry
// substrate. The following are out of scope and belong to modules or to
// callers:
//
//   - Application-layer protocol semantics
//   - Managing a pool of concurrent probes
//   - Persisting state across process restarts
package scannerl
