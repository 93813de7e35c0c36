// SPDX-License-Identifier: GPL-3.0-or-later

package scannerl

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/bassosimone/slogstub"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"
)

// logRecorder captures log records emitted by a probe. The probe logs
// from its driver, reader, and helper goroutines, so access to the
// captured records is serialized.
type logRecorder struct {
	mu      sync.Mutex
	records []slog.Record
}

// Messages returns the captured event names in emission order.
func (r *logRecorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var messages []string
	for _, record := range r.records {
		messages = append(messages, record.Message)
	}
	return messages
}

// Count returns how many times the named event was emitted.
func (r *logRecorder) Count(message string) int {
	count := 0
	for _, m := range r.Messages() {
		if m == message {
			count++
		}
	}
	return count
}

// AttrValues returns the rendered value of the named attr for each
// captured record carrying it, in emission order.
func (r *logRecorder) AttrValues(key string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var values []string
	for _, record := range r.records {
		record.Attrs(func(attr slog.Attr) bool {
			if attr.Key == key {
				values = append(values, attr.Value.String())
			}
			return true
		})
	}
	return values
}

// newCapturingLogger returns a logger that captures all log records
// into the returned recorder. The caller can inspect the recorder after
// exercising the code under test to verify which events were emitted.
func newCapturingLogger() (*slog.Logger, *logRecorder) {
	recorder := &logRecorder{}
	handler := &slogstub.FuncHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool {
			return true
		},
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			recorder.mu.Lock()
			defer recorder.mu.Unlock()
			recorder.records = append(recorder.records, record)
			return nil
		},
	}
	return slog.New(handler), recorder
}

// newMinimalConn returns a [*netstub.FuncConn] with only LocalAddrFunc and
// RemoteAddrFunc set. This is the minimum needed for code that calls
// [safeconn.LocalAddr], [safeconn.RemoteAddr], and [safeconn.Network]
// during construction.
func newMinimalConn() *netstub.FuncConn {
	return &netstub.FuncConn{
		LocalAddrFunc:  func() net.Addr { return &net.TCPAddr{} },
		RemoteAddrFunc: func() net.Addr { return &net.TCPAddr{} },
	}
}

// scriptConn is an in-memory [net.Conn] whose remote side is the test:
// reads consume chunks queued with feed, honor the read deadline, and
// fail once the connection is closed. Writes are recorded and also
// published on the writes channel so tests can await them.
type scriptConn struct {
	*netstub.FuncConn

	// writes receives a copy of every successful write.
	writes chan []byte

	mu       sync.Mutex
	inbox    chan []byte
	closed   chan struct{}
	once     sync.Once
	pending  []byte
	deadline time.Time
	writeErr error
	written  [][]byte
}

func newScriptConn() *scriptConn {
	c := &scriptConn{
		writes: make(chan []byte, 64),
		inbox:  make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	c.FuncConn = &netstub.FuncConn{
		ReadFunc:  c.read,
		WriteFunc: c.write,
		CloseFunc: c.close,
		LocalAddrFunc: func() net.Addr {
			return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 54321}
		},
		RemoteAddrFunc: func() net.Addr {
			return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8080}
		},
		SetDeadlineFunc: func(t time.Time) error { return nil },
		SetReadDeadFunc: func(t time.Time) error {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.deadline = t
			return nil
		},
		SetWriteDeaFunc: func(t time.Time) error { return nil },
	}
	return c
}

// feed queues one chunk for the next read.
func (c *scriptConn) feed(data []byte) {
	c.inbox <- data
}

// feedEOF makes subsequent reads return [io.EOF] once the queued
// chunks are consumed.
func (c *scriptConn) feedEOF() {
	close(c.inbox)
}

// failWrites makes subsequent writes fail with err.
func (c *scriptConn) failWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// Written returns a snapshot of the recorded writes.
func (c *scriptConn) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

func (c *scriptConn) read(buf []byte) (int, error) {
	c.mu.Lock()
	if len(c.pending) > 0 {
		count := copy(buf, c.pending)
		c.pending = c.pending[count:]
		c.mu.Unlock()
		return count, nil
	}
	deadline := c.deadline
	c.mu.Unlock()
	var expired <-chan time.Time
	if !deadline.IsZero() {
		wait := time.Until(deadline)
		if wait <= 0 {
			return 0, os.ErrDeadlineExceeded
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case data, ok := <-c.inbox:
		if !ok {
			return 0, io.EOF
		}
		count := copy(buf, data)
		if count < len(data) {
			c.mu.Lock()
			c.pending = append(c.pending, data[count:]...)
			c.mu.Unlock()
		}
		return count, nil
	case <-c.closed:
		return 0, net.ErrClosed
	case <-expired:
		return 0, os.ErrDeadlineExceeded
	}
}

func (c *scriptConn) write(data []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	recorded := append([]byte(nil), data...)
	c.written = append(c.written, recorded)
	c.writes <- recorded
	return len(data), nil
}

func (c *scriptConn) close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// dialStep is one scripted connect attempt outcome.
type dialStep struct {
	conn net.Conn
	err  error
}

// scriptDialer scripts consecutive connect attempts: each attempt pops
// the next step and yields its conn or error. It records the local
// address requested by every attempt.
type scriptDialer struct {
	mu     sync.Mutex
	steps  []dialStep
	laddrs []*net.TCPAddr
}

func newScriptDialer(steps ...dialStep) *scriptDialer {
	return &scriptDialer{steps: steps}
}

// NewDialer is a [Config.NewDialer]-compatible factory.
func (d *scriptDialer) NewDialer(laddr *net.TCPAddr, options SocketOptions) Dialer {
	d.mu.Lock()
	d.laddrs = append(d.laddrs, laddr)
	d.mu.Unlock()
	return &netstub.FuncDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			d.mu.Lock()
			defer d.mu.Unlock()
			if len(d.steps) == 0 {
				return nil, net.ErrClosed
			}
			step := d.steps[0]
			d.steps = d.steps[1:]
			return step.conn, step.err
		},
	}
}

// Attempts returns how many connect attempts were made.
func (d *scriptDialer) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.laddrs)
}

// LocalAddrs returns the local address of each attempt, nil entries
// included.
func (d *scriptDialer) LocalAddrs() []*net.TCPAddr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*net.TCPAddr(nil), d.laddrs...)
}

// funcResolver adapts a function to the [Resolver] interface.
type funcResolver func(ctx context.Context, host string) (netip.Addr, error)

// Resolve implements [Resolver].
func (f funcResolver) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	return f(ctx, host)
}

// funcModule adapts a function to the [Module] interface. The engine
// invokes React from the driver goroutine only, and a test that
// inspects values captured by the function after Wait has returned
// observes them race-free.
type funcModule struct {
	name  string
	react func(cycle *Cycle) Verdict
}

// Name implements [Module].
func (m *funcModule) Name() string { return m.name }

// React implements [Module].
func (m *funcModule) React(cycle *Cycle) Verdict { return m.react(cycle) }

// newScriptProbeConfig returns a config resolving every hostname to
// 127.0.0.1 and dialing through the given script.
func newScriptProbeConfig(dialer *scriptDialer) *Config {
	cfg := NewConfig()
	cfg.NewDialer = dialer.NewDialer
	cfg.Resolver = funcResolver(func(ctx context.Context, host string) (netip.Addr, error) {
		return netip.MustParseAddr("127.0.0.1"), nil
	})
	return cfg
}

// newIdleProbe returns an unstarted probe whose driver-owned
// bookkeeping is initialized, for exercising single transitions
// without running the driver loop.
func newIdleProbe(cfg *Config, target string, port uint16, module Module) *Probe {
	probe := NewProbe(cfg, target, port, module, DefaultSLogger())
	probe.timer = time.NewTimer(time.Hour)
	probe.timer.Stop()
	probe.currentTarget = target
	probe.currentPort = port
	return probe
}

// startTCPServer starts a loopback listener whose accepted connections
// are each handled by handle on their own goroutine, and returns the
// listener host and port.
func startTCPServer(t *testing.T, handle func(conn net.Conn)) (string, uint16) {
	t.Helper()
	listener, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go handle(conn)
		}
	}()
	host, portString, err := net.SplitHostPort(listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.ParseUint(portString, 10, 16)
	require.NoError(t, err)
	return host, uint16(port)
}

// waitResult waits for the probe result, failing the test when it does
// not arrive in time.
func waitResult(t *testing.T, probe *Probe) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := probe.Wait(ctx)
	require.NoError(t, err)
	return result
}

// awaitWrite waits for the next payload written to conn, failing the
// test when none arrives in time.
func awaitWrite(t *testing.T, conn *scriptConn) []byte {
	t.Helper()
	select {
	case data := <-conn.writes:
		return data
	case <-time.After(10 * time.Second):
		t.Fatal("timed out awaiting a write")
		return nil
	}
}
