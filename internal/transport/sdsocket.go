// SPDX-License-Identifier: GPL-3.0-or-later
//
// Grounded on: golang.org/x/net/ipv4's multicast group membership API, part
// of the rest-of-pack dependency surface bassosimone/nop's go.mod already
// pulls in transitively; wired here directly for SD multicast (spec §4.2).

package transport

import (
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"
)

// SDSocket is the single UDP multicast socket used for SOME/IP-SD traffic
// (spec §4.2: "exactly one SD multicast socket per daemon, joined to the
// configured SD multicast group on the configured interface").
type SDSocket struct {
	conn    *net.UDPConn
	pktConn *ipv4.PacketConn
	group   netip.Addr
	port    uint16
}

// JoinSDMulticast binds a socket to the SD port on every interface, joins
// groupAddr on iface, and returns the ready socket.
func JoinSDMulticast(groupAddr netip.Addr, port uint16, iface netip.Addr) (*SDSocket, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return nil, fmt.Errorf("transport: listen sd multicast port %d: %w", port, err)
	}

	pktConn := ipv4.NewPacketConn(conn)
	ifi, err := interfaceForAddr(iface)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: resolve sd interface %s: %w", iface, err)
	}

	group := &net.UDPAddr{IP: groupAddr.AsSlice()}
	if err := pktConn.JoinGroup(ifi, group); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: join sd multicast group %s: %w", groupAddr, err)
	}
	if err := pktConn.SetMulticastInterface(ifi); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: set sd multicast interface: %w", err)
	}
	_ = pktConn.SetMulticastLoopback(true)

	return &SDSocket{conn: conn, pktConn: pktConn, group: groupAddr, port: port}, nil
}

// interfaceForAddr finds the network interface owning addr. Binding SD
// multicast membership to a specific local interface (rather than the
// OS default route) matches spec §4.2's "configured interface" requirement.
func interfaceForAddr(addr netip.Addr) (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		ifi := &ifaces[i]
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ip, ok := netip.AddrFromSlice(ipNet.IP.To4()); ok && ip == addr {
				return ifi, nil
			}
		}
	}
	return nil, fmt.Errorf("no local interface has address %s", addr)
}

// GroupEndpoint returns the multicast (address, port) this socket sends
// Offer/Find/Subscribe traffic to.
func (s *SDSocket) GroupEndpoint() netip.AddrPort {
	return netip.AddrPortFrom(s.group, s.port)
}

// WriteToGroup sends buf to the joined multicast group.
func (s *SDSocket) WriteToGroup(buf []byte) error {
	_, err := s.conn.WriteToUDPAddrPort(buf, s.GroupEndpoint())
	return err
}

// WriteTo sends buf to a specific unicast destination (used for unicast SD
// responses, spec §4.3's Unicast flag semantics).
func (s *SDSocket) WriteTo(buf []byte, dst netip.AddrPort) error {
	_, err := s.conn.WriteToUDPAddrPort(buf, dst)
	return err
}

// ReadFrom reads one SD datagram.
func (s *SDSocket) ReadFrom(buf []byte) (int, netip.AddrPort, error) {
	return s.conn.ReadFromUDPAddrPort(buf)
}

// Close leaves the multicast group and closes the socket.
func (s *SDSocket) Close() error {
	return s.conn.Close()
}
