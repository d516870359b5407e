// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: bassosimone/nop's use of github.com/bassosimone/netstub
// (FuncDialer, a net.Conn/Dialer test double built from function-valued
// fields). The real netstub module is DNS-flavored and not imported here;
// this package lifts the pattern for SOME/IP framing tests.

// Package nettest provides function-valued net.Conn and Dialer test
// doubles, in the shape of the teacher's netstub.FuncDialer / FuncConn.
package nettest

import (
	"bytes"
	"context"
	"net"
	"sync"
	"time"
)

// FuncDialer is a [net.Conn]-returning dialer built from a function field,
// mirroring netstub.FuncDialer.
type FuncDialer struct {
	DialContextFunc func(ctx context.Context, network, address string) (net.Conn, error)
}

// DialContext implements the Dialer interface used by internal/transport.
func (d *FuncDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return d.DialContextFunc(ctx, network, address)
}

// BufferConn is an in-memory [net.Conn] double: writes append to an
// internal outbound buffer (inspectable via Written) and reads are served
// from a preloaded inbound buffer (set via Feed), decoupled from any real
// socket. It is safe for one reader and one writer goroutine to use
// concurrently.
type BufferConn struct {
	mu       sync.Mutex
	inbound  bytes.Buffer
	outbound bytes.Buffer
	closed   bool

	LocalAddrValue  net.Addr
	RemoteAddrValue net.Addr

	CloseFunc func() error
}

var _ net.Conn = &BufferConn{}

// Feed appends data to the inbound buffer, available to the next Read calls.
func (c *BufferConn) Feed(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inbound.Write(data)
}

// Written returns a copy of everything written so far via Write.
func (c *BufferConn) Written() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, c.outbound.Len())
	copy(out, c.outbound.Bytes())
	return out
}

func (c *BufferConn) Read(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	return c.inbound.Read(b)
}

func (c *BufferConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	return c.outbound.Write(b)
}

func (c *BufferConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	if c.CloseFunc != nil {
		return c.CloseFunc()
	}
	return nil
}

func (c *BufferConn) LocalAddr() net.Addr  { return c.LocalAddrValue }
func (c *BufferConn) RemoteAddr() net.Addr { return c.RemoteAddrValue }

func (c *BufferConn) SetDeadline(t time.Time) error     { return nil }
func (c *BufferConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *BufferConn) SetWriteDeadline(t time.Time) error { return nil }
