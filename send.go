// SPDX-License-Identifier: GPL-3.0-or-later

package scannerl

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/safeconn"
)

// callbackStep runs one step of the callback state: either retransmit
// the pending payload or hand the cycle to the module.
//
// Retransmission requires budget, a payload to retransmit, and an empty
// reception: once anything has been received the module decides, and a
// listen-only cycle has nothing to resend. Send failures and read
// errors funnel through the same condition, so a broken connection
// burns the budget before the module sees the errors. A retransmission
// re-arms the reader when a failed read left it parked: the resent
// payload still expects a response.
func (p *Probe) callbackStep() {
	runtimex.Assert(p.conn != nil)
	if p.retryRemaining > 0 && p.receivedCount == 0 && len(p.pendingPayload) > 0 {
		p.retryRemaining--
		p.logSendRetry()
		if !p.readArmed {
			p.armRead()
		}
		p.sendPayload()
		return
	}
	p.decide()
}

// sendPayload writes the pending payload to the connection, bounded by
// the probe timeout via the write deadline. On success the response
// wait starts; on failure the zero-delay re-entry feeds the failure to
// the retry condition.
func (p *Probe) sendPayload() {
	conn := p.conn
	t0 := p.TimeNow()
	deadline := t0.Add(p.Timeout)
	p.logSendStart(len(p.pendingPayload), deadline, t0)
	conn.SetWriteDeadline(deadline)
	count, err := conn.Write(p.pendingPayload)
	conn.SetWriteDeadline(time.Time{})
	p.logSendDone(count, err, t0)
	if err != nil {
		p.lastSendErr = err
		p.scheduleStep()
		return
	}
	p.lastSendErr = nil
	p.armTimer(p.Timeout)
}

// decide hands the completed cycle to the module and applies its
// verdict. This is the only place where module code runs.
func (p *Probe) decide() {
	cycle := &Cycle{
		Target:      p.currentTarget,
		Port:        p.currentPort,
		Received:    p.recvBuf,
		PacketCount: p.receivedCount,
		SendErr:     p.lastSendErr,
		RecvErr:     p.lastRecvErr,
		State:       p.moduleState,
	}
	p.logModuleStart(cycle)
	verdict := p.Module.React(cycle)
	p.logModuleDone(verdict)
	switch v := verdict.(type) {
	case Continue:
		p.applyContinue(v)
	case Restart:
		p.applyRestart(v)
	case Conclude:
		p.conclude(v.Outcome)
	default:
		panic("scannerl: module returned an unknown verdict; this is a programming error")
	}
}

// applyContinue starts the next send/receive cycle on the current
// connection: fresh reception state, restored retry budget, and a
// re-armed reader when the previous cycle left it parked. A completed
// reception can leave surplus bytes behind on the socket; those are
// drained before re-arming so they cannot masquerade as the new
// cycle's response. A reception that saw nothing has no surplus, and
// in particular the first cycle of a connection must not drain: a
// greeting the peer sends right after accepting belongs to the cycle.
//
// An empty payload makes the cycle listen-only: nothing is sent and
// the response wait starts immediately.
func (p *Probe) applyContinue(v Continue) {
	if !p.readArmed {
		if p.receivedCount > 0 {
			p.drainConn()
		}
		p.armRead()
	}
	p.moduleState = v.State
	p.pendingPayload = v.Payload
	p.expectedPackets = v.ExpectPackets
	p.retryRemaining = p.RetryBudget
	p.recvBuf = nil
	p.receivedCount = 0
	p.lastSendErr = nil
	p.lastRecvErr = nil
	if len(v.Payload) == 0 {
		p.armTimer(p.Timeout)
		return
	}
	p.sendPayload()
}

// applyRestart abandons the current connection and re-enters the
// connecting state against the verdict's coordinates. Omitted
// coordinates fall back to the probe's configured target and port, not
// to the previous restart's. The privileged-port retry budget is the
// one counter that deliberately survives: it spans the probe lifetime.
func (p *Probe) applyRestart(v Restart) {
	p.closeConn()
	target, port := v.Target, v.Port
	if target == "" {
		target = p.Target
	}
	if port == 0 {
		port = p.Port
	}
	p.currentTarget = target
	p.currentPort = port
	p.moduleState = v.State
	p.retryRemaining = p.RetryBudget
	p.resolvedAddr = netip.Addr{}
	p.expectedPackets = 0
	p.receivedCount = 0
	p.recvBuf = nil
	p.pendingPayload = nil
	p.lastSendErr = nil
	p.lastRecvErr = nil
	p.state = stateConnecting
	p.logProbeRestart()
	p.scheduleStep()
}

// verdictKind names a [Verdict] for structured logging.
func verdictKind(v Verdict) string {
	switch v.(type) {
	case Continue:
		return "continue"
	case Restart:
		return "restart"
	case Conclude:
		return "conclude"
	default:
		return "unknown"
	}
}

func (p *Probe) logSendStart(size int, deadline time.Time, t0 time.Time) {
	p.Logger.Debug(
		"sendStart",
		slog.Time("deadline", deadline),
		slog.Int("ioBufferSize", size),
		slog.String("localAddr", safeconn.LocalAddr(p.conn)),
		slog.String("probeID", p.probeID),
		slog.String("protocol", safeconn.Network(p.conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(p.conn)),
		slog.Time("t", t0),
	)
}

func (p *Probe) logSendDone(count int, err error, t0 time.Time) {
	p.Logger.Debug(
		"sendDone",
		slog.Any("err", err),
		slog.String("errClass", p.ErrClassifier.Classify(err)),
		slog.Int("ioBytesCount", count),
		slog.String("localAddr", safeconn.LocalAddr(p.conn)),
		slog.String("probeID", p.probeID),
		slog.String("protocol", safeconn.Network(p.conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(p.conn)),
		slog.Time("t0", t0),
		slog.Time("t", p.TimeNow()),
	)
}

func (p *Probe) logSendRetry() {
	p.Logger.Debug(
		"sendRetry",
		slog.Int("ioBufferSize", len(p.pendingPayload)),
		slog.String("probeID", p.probeID),
		slog.Int("remaining", p.retryRemaining),
		slog.Time("t", p.TimeNow()),
	)
}

func (p *Probe) logModuleStart(cycle *Cycle) {
	p.Logger.Debug(
		"moduleStart",
		slog.String("module", p.Module.Name()),
		slog.Int("packetCount", cycle.PacketCount),
		slog.String("probeID", p.probeID),
		slog.Int("receivedBytes", len(cycle.Received)),
		slog.Any("recvErr", cycle.RecvErr),
		slog.Any("sendErr", cycle.SendErr),
		slog.Time("t", p.TimeNow()),
	)
}

func (p *Probe) logModuleDone(v Verdict) {
	p.Logger.Debug(
		"moduleDone",
		slog.String("module", p.Module.Name()),
		slog.String("probeID", p.probeID),
		slog.String("verdict", verdictKind(v)),
		slog.Time("t", p.TimeNow()),
	)
}

func (p *Probe) logProbeRestart() {
	p.Logger.Info(
		"probeRestart",
		slog.Int("port", int(p.currentPort)),
		slog.String("probeID", p.probeID),
		slog.String("target", p.currentTarget),
		slog.Time("t", p.TimeNow()),
	)
}
