// SPDX-License-Identifier: GPL-3.0-or-later

package scannerl

// ResultSink receives the final [Result] of a probe instance.
//
// Deliver is called exactly once per probe, after the socket has been
// closed, as the probe's last action. Implementations shared between
// concurrent probes must be safe for concurrent use.
type ResultSink interface {
	Deliver(result Result)
}

// ResultSinkFunc adapts a function to the [ResultSink] interface.
//
// This allows using simple functions as sinks:
//
//	probe.Sink = ResultSinkFunc(func(result Result) {
//		fmt.Println(result)
//	})
type ResultSinkFunc func(result Result)

var _ ResultSink = ResultSinkFunc(nil)

// Deliver implements [ResultSink].
func (f ResultSinkFunc) Deliver(result Result) {
	f(result)
}
