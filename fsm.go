// SPDX-License-Identifier: GPL-3.0-or-later

package scannerl

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/safeconn"
)

// probeState is the state of the probe state machine.
type probeState int

const (
	// stateConnecting resolves the current target and opens the TCP
	// connection. This is the initial state.
	stateConnecting = probeState(iota)

	// stateCallback runs send/receive cycles under the module's
	// direction. The sub-phase (awaiting send vs awaiting response) is
	// distinguished by the probe context fields, not by a state.
	stateCallback

	// stateDone is the terminal state: the socket is closed and the
	// result has been stored.
	stateDone
)

// String implements [fmt.Stringer].
func (s probeState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateCallback:
		return "callback"
	default:
		return "done"
	}
}

// event is a message processed by the driver goroutine. The concrete
// types below are the only events.
type event interface{}

// stepEvent is the zero-delay self-trigger: run the current state's
// next step immediately instead of waiting for an external event.
type stepEvent struct{}

// resolveEvent carries the result of a hostname resolution.
type resolveEvent struct {
	gen  int
	addr netip.Addr
	err  error
}

// dialEvent carries the result of a connect attempt.
type dialEvent struct {
	gen  int
	conn net.Conn
	err  error
}

// chunkEvent carries one chunk read from the socket by an armed read.
type chunkEvent struct {
	gen  int
	data []byte
}

// readErrorEvent carries the failure of an armed read, including
// [io.EOF] for peer-initiated closure.
type readErrorEvent struct {
	gen int
	err error
}

// loop is the driver: it owns all probe state and processes one event
// at a time until the probe reaches the terminal state. Zero-delay
// internal events are drained before external ones so immediate
// re-triggers cannot be starved by socket traffic.
func (p *Probe) loop(ctx context.Context) {
	p.timer = time.NewTimer(p.Timeout)
	p.timer.Stop()
	p.currentTarget = p.Target
	p.currentPort = p.Port
	p.retryRemaining = p.RetryBudget
	p.logProbeStart()
	for p.state != stateDone {
		if len(p.queue) > 0 {
			ev := p.queue[0]
			p.queue = p.queue[1:]
			p.handle(ctx, ev)
			continue
		}
		select {
		case ev := <-p.events:
			p.handle(ctx, ev)
		case <-p.timer.C:
			p.handleTimer(ctx)
		case <-ctx.Done():
			p.conclude(Outcome{
				Status: StatusUnknown,
				Reason: p.ErrClassifier.Classify(ctx.Err()),
			})
		}
	}
}

// handle dispatches one event to the appropriate handler.
func (p *Probe) handle(ctx context.Context, ev event) {
	switch ev := ev.(type) {
	case stepEvent:
		p.handleStep(ctx)
	case resolveEvent:
		p.handleResolveResult(ctx, ev)
	case dialEvent:
		p.handleDialResult(ctx, ev)
	case chunkEvent:
		p.handleChunk(ev)
	case readErrorEvent:
		p.handleReadError(ev)
	}
}

// handleStep runs the current state's entry logic.
func (p *Probe) handleStep(ctx context.Context) {
	switch p.state {
	case stateConnecting:
		p.beginResolve(ctx)
	case stateCallback:
		p.callbackStep()
	}
}

// handleTimer runs when the response-wait timer fires.
//
// The timer means different things in different states: during a
// resolution wait it is fatal; in the callback state it means "no
// response arrived in time" and feeds the retry condition.
func (p *Probe) handleTimer(ctx context.Context) {
	p.logTimerFired()
	switch {
	case p.state == stateConnecting && p.resolving:
		p.conclude(Outcome{Status: StatusUnknown, Reason: ReasonResolutionTimeout})
	case p.state == stateCallback:
		p.callbackStep()
	default:
		// The timer is stopped while dialing; a fire here is a stale
		// event and is ignored.
	}
}

// scheduleStep supersedes the pending timer with a zero-delay
// re-trigger of the current state.
func (p *Probe) scheduleStep() {
	p.timer.Stop()
	p.queue = append(p.queue, stepEvent{})
}

// armTimer (re)arms the response-wait timer. Stopping before Reset
// relies on the go1.23 timer semantics: a stopped timer never delivers
// a stale fire.
func (p *Probe) armTimer(d time.Duration) {
	p.timer.Stop()
	p.timer.Reset(d)
}

// closeConn closes the current connection, if any, releasing its reader
// and invalidating in-flight events for it.
func (p *Probe) closeConn() {
	if p.conn == nil {
		return
	}
	conn, reader := p.conn, p.reader
	p.conn = nil
	p.reader = nil
	p.readArmed = false
	p.connGen++
	close(reader.arm)
	t0 := p.TimeNow()
	p.logCloseStart(conn, t0)
	err := conn.Close()
	p.logCloseDone(conn, t0, err)
}

// conclude stores the final outcome, closes the socket, delivers the
// result, and moves the probe to the terminal state. It runs at most
// once per probe.
func (p *Probe) conclude(outcome Outcome) {
	runtimex.Assert(p.result == nil)
	p.closeConn()
	p.timer.Stop()
	result := Result{
		Module:  p.Module.Name(),
		Target:  p.Target,
		Port:    p.Port,
		Outcome: outcome,
	}
	p.result = &result
	p.state = stateDone
	p.logProbeDone(result)
	p.deliver(result)
	close(p.done)
}

func (p *Probe) logProbeStart() {
	p.Logger.Info(
		"probeStart",
		slog.String("module", p.Module.Name()),
		slog.Int("port", int(p.Port)),
		slog.String("probeID", p.probeID),
		slog.Int("retryBudget", p.RetryBudget),
		slog.String("target", p.Target),
		slog.Duration("timeout", p.Timeout),
		slog.Time("t", p.TimeNow()),
	)
}

func (p *Probe) logProbeDone(result Result) {
	p.Logger.Info(
		"probeDone",
		slog.String("module", result.Module),
		slog.Int("port", int(result.Port)),
		slog.String("probeID", p.probeID),
		slog.String("reason", result.Outcome.Reason),
		slog.String("status", string(result.Outcome.Status)),
		slog.String("target", result.Target),
		slog.Time("t", p.TimeNow()),
	)
}

func (p *Probe) logTimerFired() {
	p.Logger.Debug(
		"timerFired",
		slog.String("probeID", p.probeID),
		slog.Bool("resolving", p.resolving),
		slog.String("state", p.state.String()),
		slog.Time("t", p.TimeNow()),
	)
}

func (p *Probe) logStaleEvent(kind string, gen int) {
	p.Logger.Debug(
		"staleEvent",
		slog.Int("eventGen", gen),
		slog.Int("gen", p.connGen),
		slog.String("kind", kind),
		slog.String("probeID", p.probeID),
		slog.String("state", p.state.String()),
		slog.Time("t", p.TimeNow()),
	)
}

func (p *Probe) logCloseStart(conn net.Conn, t0 time.Time) {
	p.Logger.Info(
		"closeStart",
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("probeID", p.probeID),
		slog.String("protocol", safeconn.Network(conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		slog.Time("t", t0),
	)
}

func (p *Probe) logCloseDone(conn net.Conn, t0 time.Time, err error) {
	p.Logger.Info(
		"closeDone",
		slog.Any("err", err),
		slog.String("errClass", p.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("probeID", p.probeID),
		slog.String("protocol", safeconn.Network(conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		slog.Time("t0", t0),
		slog.Time("t", p.TimeNow()),
	)
}
