// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: bassosimone/nop's connect.go (Dialer interface, dial +
// classify-error flow) and cancelwatch.go (context.AfterFunc closing a
// conn on cancellation), generalized here into a reconnecting TCP client
// with capped exponential backoff (spec §4.2: "on-demand TCP connector").

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/basso-someip/someipyd/internal/errclass"
	"github.com/basso-someip/someipyd/internal/someiplog"
)

// Dialer abstracts *net.Dialer so tests can substitute a fake (grounded on
// the teacher's identical Dialer seam in connect.go).
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ErrUnavailable is returned by [TCPConnector.Get] while a connection is
// being (re)established, per spec §4.2: "the caller sees a fast
// 'service temporarily unavailable' failure, never a hang."
var ErrUnavailable = errors.New("transport: connection temporarily unavailable, reconnecting")

const (
	initialBackoff = 100 * time.Millisecond
	maxBackoff      = 10 * time.Second
)

// TCPConnector maintains one on-demand, auto-reconnecting TCP connection to
// a remote endpoint (spec §4.2). It is safe for concurrent use.
type TCPConnector struct {
	dialer      Dialer
	remote      netip.AddrPort
	logger      someiplog.Logger
	onConnected func(net.Conn)

	mu      sync.Mutex
	conn    net.Conn
	backoff time.Duration
	dialing bool
}

// NewTCPConnector returns a connector for remote using dialer. onConnected,
// if non-nil, is invoked with each newly established connection (once per
// successful dial, including reconnects); callers use this to start a
// per-connection reader loop without polling [TCPConnector.Get] (spec
// §4.2's on-demand connector feeding the Dispatcher/Method Correlator's
// read path).
func NewTCPConnector(dialer Dialer, remote netip.AddrPort, logger someiplog.Logger, onConnected func(net.Conn)) *TCPConnector {
	return &TCPConnector{dialer: dialer, remote: remote, logger: logger, onConnected: onConnected, backoff: initialBackoff}
}

// Get returns the current live connection, or [ErrUnavailable] if none is
// established yet. It never blocks: reconnection happens asynchronously via
// [TCPConnector.EnsureConnected].
func (c *TCPConnector) Get() (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrUnavailable
	}
	return c.conn, nil
}

// EnsureConnected starts (if not already running) a background dial loop
// with capped exponential backoff, and returns once the loop's first dial
// attempt has completed (successfully or not) or ctx is done. It returns at
// once if a connection exists or another goroutine is already dialing.
func (c *TCPConnector) EnsureConnected(ctx context.Context) {
	c.mu.Lock()
	if c.conn != nil || c.dialing {
		c.mu.Unlock()
		return
	}
	c.dialing = true
	c.mu.Unlock()

	firstAttempt := make(chan struct{})
	go c.dialLoop(ctx, firstAttempt)
	select {
	case <-firstAttempt:
	case <-ctx.Done():
	}
}

func (c *TCPConnector) dialLoop(ctx context.Context, firstAttempt chan struct{}) {
	defer func() {
		c.mu.Lock()
		c.dialing = false
		c.mu.Unlock()
	}()
	attempted := func() {
		if firstAttempt != nil {
			close(firstAttempt)
			firstAttempt = nil
		}
	}

	backoff := initialBackoff
	for {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		conn, err := c.dialer.DialContext(dialCtx, "tcp", c.remote.String())
		cancel()
		if err == nil {
			wc := &watchedConn{Conn: conn, onClose: c.forget}
			c.mu.Lock()
			c.conn = wc
			c.backoff = initialBackoff
			c.mu.Unlock()
			attempted()
			if c.onConnected != nil {
				c.onConnected(wc)
			}
			return
		}

		class := errclass.Classify(err)
		c.logger.Warn("tcp dial failed, backing off", "remote", c.remote.String(), "class", class, "backoff", backoff.String())
		attempted()

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// forget clears the cached connection so the next [TCPConnector.Get] call
// returns [ErrUnavailable] and the next [TCPConnector.EnsureConnected] call
// redials.
func (c *TCPConnector) forget() {
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
}

// Close tears down any live connection.
func (c *TCPConnector) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// watchedConn wraps a net.Conn so closing it (for any reason) notifies the
// owning [TCPConnector].
type watchedConn struct {
	net.Conn
	once    sync.Once
	onClose func()
}

func (c *watchedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.onClose)
	return err
}

// TCPListener accepts inbound TCP connections for a locally offered service
// instance (spec §4.2).
type TCPListener struct {
	ln net.Listener
}

// ListenTCP binds a TCP listener at addr.
func ListenTCP(addr netip.AddrPort) (*TCPListener, error) {
	ln, err := net.ListenTCP("tcp4", net.TCPAddrFromAddrPort(addr))
	if err != nil {
		return nil, fmt.Errorf("transport: listen tcp %s: %w", addr, err)
	}
	return &TCPListener{ln: ln}, nil
}

// Accept blocks for the next inbound connection.
func (l *TCPListener) Accept() (net.Conn, error) {
	return l.ln.Accept()
}

// Close stops accepting new connections.
func (l *TCPListener) Close() error {
	return l.ln.Close()
}

// Addr returns the listener's bound address.
func (l *TCPListener) Addr() net.Addr {
	return l.ln.Addr()
}
