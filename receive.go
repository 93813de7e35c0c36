// SPDX-License-Identifier: GPL-3.0-or-later

package scannerl

import (
	"log/slog"
	"net"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/safeconn"
)

// drainInterval bounds each read made while flushing stale bytes from
// the socket between cycles: long enough to collect locally buffered
// data, short enough not to stall the driver.
const drainInterval = 5 * time.Millisecond

// connReader is the goroutine reading from the probe connection under
// one-shot arming: it performs exactly one delivery per token received
// on arm, then parks until the next token. Closing arm retires it.
type connReader struct {
	arm chan struct{}
}

// startReader spawns the reader goroutine for conn. Events delivered by
// the reader carry gen so the driver can discard them once the
// connection has been superseded.
func (p *Probe) startReader(conn net.Conn, gen int) *connReader {
	r := &connReader{arm: make(chan struct{}, 1)}
	var (
		blocking   = p.SocketOptions.BlockingRead
		classifier = p.ErrClassifier
		done       = p.done
		events     = p.events
		laddr      = safeconn.LocalAddr(conn)
		logger     = p.Logger
		probeID    = p.probeID
		protocol   = safeconn.Network(conn)
		raddr      = safeconn.RemoteAddr(conn)
		timeNow    = p.TimeNow
		timeout    = p.Timeout
	)
	go func() {
		buf := make([]byte, readBufferSize(p.SocketOptions))
		for {
			if _, ok := <-r.arm; !ok {
				return
			}
			for {
				if !blocking {
					conn.SetReadDeadline(timeNow().Add(timeout))
				}
				t0 := timeNow()
				logger.Debug(
					"readStart",
					slog.Int("ioBufferSize", len(buf)),
					slog.String("localAddr", laddr),
					slog.String("probeID", probeID),
					slog.String("protocol", protocol),
					slog.String("remoteAddr", raddr),
					slog.Time("t", t0),
				)
				count, err := conn.Read(buf)
				logger.Debug(
					"readDone",
					slog.Int("ioBytesCount", count),
					slog.Any("err", err),
					slog.String("errClass", classifier.Classify(err)),
					slog.String("localAddr", laddr),
					slog.String("probeID", probeID),
					slog.String("protocol", protocol),
					slog.String("remoteAddr", raddr),
					slog.Time("t0", t0),
					slog.Time("t", timeNow()),
				)
				if count > 0 {
					// A read returning data and an error at once
					// delivers the data now; the error resurfaces on
					// the next armed read.
					data := make([]byte, count)
					copy(data, buf[:count])
					select {
					case events <- chunkEvent{gen: gen, data: data}:
					case <-done:
					}
					break
				}
				if err != nil {
					select {
					case events <- readErrorEvent{gen: gen, err: err}:
					case <-done:
					}
					break
				}
			}
		}
	}()
	return r
}

// armRead grants the reader one read. At most one read is outstanding
// at any time: this is the backpressure that keeps packet accounting
// exact.
//
// A reader delivery still queued at this point answered a wait that
// the timer has since superseded. Its generation matches the live
// connection, so the handlers would mistake it for an answer to the
// read being armed now; it is discarded here instead.
func (p *Probe) armRead() {
	runtimex.Assert(!p.readArmed)
	for drained := false; !drained; {
		select {
		case ev := <-p.events:
			switch ev := ev.(type) {
			case chunkEvent:
				p.logStaleEvent("chunk", ev.gen)
			case readErrorEvent:
				p.logStaleEvent("readError", ev.gen)
			default:
				runtimex.Assert(false)
			}
		default:
			drained = true
		}
	}
	p.readArmed = true
	p.reader.arm <- struct{}{}
}

// handleChunk accumulates one received packet and applies the packet
// accounting of the current cycle.
func (p *Probe) handleChunk(ev chunkEvent) {
	if p.state != stateCallback || ev.gen != p.connGen {
		p.logStaleEvent("chunk", ev.gen)
		return
	}
	p.readArmed = false
	p.recvBuf = append(p.recvBuf, ev.data...)
	p.receivedCount++
	switch {
	case p.expectedPackets < 0:
		// Unbounded reception: keep reading and treat the response
		// wait as an idle timeout, restarted by every arrival.
		p.armRead()
		p.armTimer(p.Timeout)
	case p.expectedPackets == 0:
		p.conclude(Outcome{
			Status: StatusUp,
			Reason: ReasonTooManyPackets,
			Data:   ev.data,
		})
	case p.expectedPackets == 1:
		// Last wanted packet: the module decides on the zero-delay
		// re-entry, and the reader stays parked until the next cycle.
		p.expectedPackets = 0
		p.scheduleStep()
	default:
		p.expectedPackets--
		p.armRead()
		p.armTimer(p.Timeout)
	}
}

// handleReadError records a failed read and lets the retry condition
// judge it on the zero-delay re-entry.
func (p *Probe) handleReadError(ev readErrorEvent) {
	if p.state != stateCallback || ev.gen != p.connGen {
		p.logStaleEvent("readError", ev.gen)
		return
	}
	p.readArmed = false
	p.lastRecvErr = ev.err
	p.scheduleStep()
}

// drainConn flushes bytes already buffered on the socket. It runs on
// the driver goroutine and only while the reader is parked, so the two
// never read concurrently. Errors are not recorded here: a sticky
// connection error resurfaces on the next armed read.
func (p *Probe) drainConn() {
	conn := p.conn
	buf := make([]byte, readBufferSize(p.SocketOptions))
	drained := 0
	for {
		conn.SetReadDeadline(p.TimeNow().Add(drainInterval))
		count, err := conn.Read(buf)
		drained += count
		if count == 0 || err != nil {
			break
		}
	}
	conn.SetReadDeadline(time.Time{})
	if drained > 0 {
		p.Logger.Debug(
			"drainDone",
			slog.Int("ioBytesCount", drained),
			slog.String("localAddr", safeconn.LocalAddr(conn)),
			slog.String("probeID", p.probeID),
			slog.String("protocol", safeconn.Network(conn)),
			slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
			slog.Time("t", p.TimeNow()),
		)
	}
}

// readBufferSize returns the per-read buffer size for the given
// options.
func readBufferSize(options SocketOptions) int {
	if options.ReceiveBufferSize > 0 {
		return options.ReceiveBufferSize
	}
	return DefaultReceiveBufferSize
}
