// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: bassosimone/nop's connect.go (Dialer abstraction, error
// classification on I/O) applied here to long-lived UDP sockets instead of
// one-shot dials.

// Package transport is the Endpoint Manager (spec §4.2, C2): it owns every
// UDP and TCP socket the daemon uses, including the SD multicast socket, and
// is the only package in the daemon that touches net.Conn/net.PacketConn
// directly.
package transport

import (
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/basso-someip/someipyd/internal/metrics"
	"github.com/basso-someip/someipyd/internal/someiplog"
)

// MaxRecommendedDatagramSize is the UDP payload size above which spec §4.2
// requires logging a warning (oversized datagrams risk IP fragmentation).
const MaxRecommendedDatagramSize = 1400

// UDPSocket is one bound UDP endpoint shared by every local server/client
// instance whose spec-level endpoint resolves to the same local address
// (spec §4.2: "one UDP socket per unique local (address, port)").
type UDPSocket struct {
	conn    *net.UDPConn
	logger  someiplog.Logger
	metrics *metrics.Counters
}

// ListenUDP binds a UDP socket at addr.
func ListenUDP(addr netip.AddrPort, logger someiplog.Logger, m *metrics.Counters) (*UDPSocket, error) {
	conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp %s: %w", addr, err)
	}
	return &UDPSocket{conn: conn, logger: logger, metrics: m}, nil
}

// LocalAddrPort returns the socket's bound address.
func (s *UDPSocket) LocalAddrPort() netip.AddrPort {
	return s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// WriteTo sends buf to dst, logging (and counting) an oversized-datagram
// warning first when buf exceeds [MaxRecommendedDatagramSize] (spec §4.2);
// the datagram is still sent, since IP-layer fragmentation is the network's
// concern, not a reason to drop application data.
func (s *UDPSocket) WriteTo(buf []byte, dst netip.AddrPort) error {
	if len(buf) > MaxRecommendedDatagramSize {
		s.metrics.OversizedDatagrams.Add(1)
		s.logger.Warn("oversized datagram", "size", len(buf), "dst", dst.String())
	}
	_, err := s.conn.WriteToUDPAddrPort(buf, dst)
	return err
}

// ReadFrom reads one datagram into buf, returning its length and sender.
func (s *UDPSocket) ReadFrom(buf []byte) (int, netip.AddrPort, error) {
	n, src, err := s.conn.ReadFromUDPAddrPort(buf)
	return n, src, err
}

// Close releases the underlying socket.
func (s *UDPSocket) Close() error {
	return s.conn.Close()
}

// UDPPool hands out a shared [UDPSocket] per unique local address, matching
// spec §4.2's "one UDP socket per unique local endpoint" sharing rule across
// multiple local server/client instances bound to the same address.
type UDPPool struct {
	mu      sync.Mutex
	sockets map[netip.AddrPort]*UDPSocket
	logger  someiplog.Logger
	metrics *metrics.Counters
}

// NewUDPPool returns an empty pool.
func NewUDPPool(logger someiplog.Logger, m *metrics.Counters) *UDPPool {
	return &UDPPool{sockets: make(map[netip.AddrPort]*UDPSocket), logger: logger, metrics: m}
}

// Acquire returns the pool's socket for addr, binding one if this is the
// first caller to ask for it. A socket is found both under the address it
// was requested with and under the address it is bound to (which differ
// when the requested port is 0).
func (p *UDPPool) Acquire(addr netip.AddrPort) (*UDPSocket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sockets[addr]; ok {
		return s, nil
	}
	s, err := ListenUDP(addr, p.logger, p.metrics)
	if err != nil {
		return nil, err
	}
	p.sockets[addr] = s
	p.sockets[s.LocalAddrPort()] = s
	return s, nil
}

// CloseAll closes every socket the pool has opened.
func (p *UDPPool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, s := range p.sockets {
		s.Close()
		delete(p.sockets, addr)
	}
}
