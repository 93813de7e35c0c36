//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/netxlite/dialer.go
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/dialer.go
//

package scannerl

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/bassosimone/errclass"
	"github.com/bassosimone/safeconn"
)

// maxPrivilegedPort is the highest TCP port whose binding typically
// requires elevated permission.
const maxPrivilegedPort = 1023

// beginResolve enters the connecting state by resolving the current
// target, bounded by the probe timeout. The response-wait timer guards
// the wait: a timer firing while resolution is pending is fatal.
func (p *Probe) beginResolve(ctx context.Context) {
	p.resolving = true
	p.armTimer(p.Timeout)
	gen := p.connGen
	host := p.currentTarget
	p.logResolveStart(host)
	rctx, cancel := context.WithTimeout(ctx, p.Timeout)
	go func() {
		defer cancel()
		addr, err := p.Resolver.Resolve(rctx, host)
		select {
		case p.events <- resolveEvent{gen: gen, addr: addr, err: err}:
		case <-p.done:
		}
	}()
}

// handleResolveResult classifies the resolution outcome and, on
// success, proceeds to the dial phase.
func (p *Probe) handleResolveResult(ctx context.Context, ev resolveEvent) {
	if p.state != stateConnecting || !p.resolving || ev.gen != p.connGen {
		p.logStaleEvent("resolve", ev.gen)
		return
	}
	p.resolving = false
	p.timer.Stop()
	p.logResolveDone(ev)
	if ev.err != nil {
		p.conclude(Outcome{Status: StatusUnknown, Reason: p.resolveReason(ev.err)})
		return
	}
	p.resolvedAddr = ev.addr
	p.beginDial(ctx)
}

// resolveReason maps a resolution error to an outcome reason.
func (p *Probe) resolveReason(err error) string {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return ReasonNXDomain
		}
		if dnsErr.IsTimeout {
			return ReasonResolutionTimeout
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonResolutionTimeout
	}
	if class := p.ErrClassifier.Classify(err); class != errclass.EGENERIC {
		return class
	}
	return ReasonResolutionFailure
}

// beginDial opens the TCP connection to the resolved address. The dial
// context deadline bounds the attempt, so the response-wait timer stays
// stopped: the dial helper always delivers exactly one event.
func (p *Probe) beginDial(ctx context.Context) {
	var laddr *net.TCPAddr
	if p.PrivilegedPorts {
		laddr = &net.TCPAddr{Port: 1 + p.RandInt(maxPrivilegedPort)}
	}
	dialer := p.NewDialer(laddr, p.SocketOptions)
	address := netip.AddrPortFrom(p.resolvedAddr, p.currentPort).String()
	gen := p.connGen
	deadline := p.TimeNow().Add(p.Timeout)
	p.logConnectStart(address, laddr, deadline)
	dctx, cancel := context.WithDeadline(ctx, deadline)
	go func() {
		defer cancel()
		conn, err := dialer.DialContext(dctx, "tcp", address)
		select {
		case p.events <- dialEvent{gen: gen, conn: conn, err: err}:
		case <-p.done:
			if conn != nil {
				conn.Close()
			}
		}
	}()
}

// handleDialResult classifies the connect outcome: store the socket and
// enter the callback state, retry locally on privileged-source-port
// contention, or conclude. No connect failure is silently dropped.
func (p *Probe) handleDialResult(ctx context.Context, ev dialEvent) {
	if p.state != stateConnecting || p.resolving || ev.gen != p.connGen {
		p.logStaleEvent("dial", ev.gen)
		if ev.conn != nil {
			ev.conn.Close()
		}
		return
	}
	p.logConnectDone(ev)
	if ev.err == nil {
		p.conn = ev.conn
		p.connGen++
		p.reader = p.startReader(ev.conn, p.connGen)
		p.state = stateCallback
		// Zero-delay re-entry: the module produces the first payload
		// before anything is sent on the wire.
		p.scheduleStep()
		return
	}
	var addrErr *net.AddrError
	switch {
	case errors.Is(ev.err, errECONNREFUSED):
		p.conclude(Outcome{Status: StatusUp, Reason: ReasonConnectionRefused})
	case errors.Is(ev.err, errECONNRESET):
		p.conclude(Outcome{Status: StatusUp, Reason: ReasonConnectionReset})
	case p.PrivilegedPorts && p.privRetries < p.PrivilegedRetryMax &&
		(errors.Is(ev.err, errEACCES) || errors.Is(ev.err, errEADDRINUSE)):
		p.privRetries++
		p.logPrivilegedPortRetry(ev.err)
		p.scheduleStep()
	case errors.As(ev.err, &addrErr):
		p.conclude(Outcome{Status: StatusUnknown, Reason: ReasonConnectException})
	default:
		p.conclude(Outcome{Status: StatusUnknown, Reason: p.ErrClassifier.Classify(ev.err)})
	}
}

func (p *Probe) logResolveStart(host string) {
	p.Logger.Info(
		"resolveStart",
		slog.String("hostname", host),
		slog.String("probeID", p.probeID),
		slog.Duration("timeout", p.Timeout),
		slog.Time("t", p.TimeNow()),
	)
}

func (p *Probe) logResolveDone(ev resolveEvent) {
	p.Logger.Info(
		"resolveDone",
		slog.String("address", ev.addr.String()),
		slog.Any("err", ev.err),
		slog.String("errClass", p.ErrClassifier.Classify(ev.err)),
		slog.String("hostname", p.currentTarget),
		slog.String("probeID", p.probeID),
		slog.Time("t", p.TimeNow()),
	)
}

func (p *Probe) logConnectStart(address string, laddr *net.TCPAddr, deadline time.Time) {
	attrs := []any{
		slog.Time("deadline", deadline),
		slog.String("probeID", p.probeID),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", address),
		slog.Time("t", p.TimeNow()),
	}
	if laddr != nil {
		attrs = append(attrs, slog.String("localAddr", laddr.String()))
	}
	p.Logger.Info("connectStart", attrs...)
}

func (p *Probe) logConnectDone(ev dialEvent) {
	p.Logger.Info(
		"connectDone",
		slog.Any("err", ev.err),
		slog.String("errClass", p.ErrClassifier.Classify(ev.err)),
		slog.String("localAddr", safeconn.LocalAddr(ev.conn)),
		slog.String("probeID", p.probeID),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", netip.AddrPortFrom(p.resolvedAddr, p.currentPort).String()),
		slog.Time("t", p.TimeNow()),
	)
}

func (p *Probe) logPrivilegedPortRetry(err error) {
	p.Logger.Info(
		"privilegedPortRetry",
		slog.Int("attempt", p.privRetries),
		slog.Any("err", err),
		slog.String("errClass", p.ErrClassifier.Classify(err)),
		slog.Int("max", p.PrivilegedRetryMax),
		slog.String("probeID", p.probeID),
		slog.Time("t", p.TimeNow()),
	)
}
