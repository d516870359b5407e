// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: bassosimone/nop's Config/NewConfig wiring style (config.go)
// and its context-threaded lifecycle conventions, generalized here from a
// one-shot composable pipeline into the daemon's long-running event loop
// (spec §5).

// Package daemon wires together the registry, transport, SD engine,
// dispatcher, method correlator, and IPC server into the single running
// process described by spec §5.
package daemon

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/basso-someip/someipyd/internal/config"
	"github.com/basso-someip/someipyd/internal/correlator"
	"github.com/basso-someip/someipyd/internal/dispatch"
	"github.com/basso-someip/someipyd/internal/ipc"
	"github.com/basso-someip/someipyd/internal/metrics"
	"github.com/basso-someip/someipyd/internal/registry"
	"github.com/basso-someip/someipyd/internal/sd"
	"github.com/basso-someip/someipyd/internal/someiplog"
	"github.com/basso-someip/someipyd/internal/transport"
	"github.com/basso-someip/someipyd/internal/wire"
)

// tickInterval drives the unified timer wheel (spec §4.3, §4.5, §4.6): one
// ticker sweeps SD TTL expiry, cyclic offers, subscribe retries, method-call
// timeouts, and request timeouts, rather than one timer per pending item. It
// is pinned to [sd.TickInterval] since the SD Engine's cyclic-offer jitter
// bound (spec §5/P4: "jitter ≤ 20 ms") is only as tight as the tick that
// drives it.
const tickInterval = sd.TickInterval

// Daemon is the running someipyd process.
type Daemon struct {
	cfg     *config.Config
	logger  someiplog.Logger
	metrics *metrics.Counters

	reg    *registry.Registry
	engine *sd.Engine
	corr   *correlator.Correlator
	disp   *dispatch.Dispatcher

	udpPool *transport.UDPPool
	sdSock  *transport.SDSocket
	ipcSrv  *ipc.Server

	// clientSock is the single UDP socket shared by every local client
	// instance's outbound REQUESTs and inbound RESPONSE/NOTIFICATION
	// traffic (spec §4.2's endpoint-sharing rule, applied here across the
	// whole client side rather than per remote instance, since a client
	// instance has no endpoint of its own to offer).
	clientSock *transport.UDPSocket

	pendingCallTags *callTagTable

	// runCtx is the context passed to [Daemon.Start], kept around so
	// on-demand TCP connectors started later (from a CallMethod arriving
	// after startup) share the daemon's own shutdown signal rather than
	// outliving it (spec §4.2: "active connector opened on demand per
	// remote endpoint").
	runCtx context.Context
	dialer transport.Dialer

	tcpMu          sync.Mutex
	tcpListeners   map[registry.ServerHandle]*transport.TCPListener
	tcpServerConns map[registry.ServerHandle]map[netip.Addr]net.Conn
	tcpClientLinks map[netip.AddrPort]*transport.TCPConnector

	mu    sync.Mutex
	conns map[*ipc.Conn]*ownership
}

// ownership tracks what one IPC connection registered, so it can all be
// torn down when the connection is lost (spec §4.7).
type ownership struct {
	servers []registry.ServerHandle
	clients []registry.ClientHandle
}

// New assembles a [Daemon] from cfg. It performs no I/O; call [Daemon.Start]
// to bind sockets and begin serving.
func New(cfg *config.Config, logger someiplog.Logger) *Daemon {
	if logger == nil {
		logger = someiplog.Default()
	}
	m := &metrics.Counters{}
	reg := registry.New()
	return &Daemon{
		cfg:             cfg,
		logger:          logger,
		metrics:         m,
		reg:             reg,
		engine:          sd.NewEngine(reg, logger, cfg.TimeNow),
		corr:            correlator.New(reg, cfg.TimeNow, correlator.DefaultTimeout),
		disp:            dispatch.New(reg, cfg.TimeNow),
		udpPool:         transport.NewUDPPool(logger, m),
		pendingCallTags: newCallTagTable(),
		dialer:          &net.Dialer{},
		tcpListeners:    make(map[registry.ServerHandle]*transport.TCPListener),
		tcpServerConns:  make(map[registry.ServerHandle]map[netip.Addr]net.Conn),
		tcpClientLinks:  make(map[netip.AddrPort]*transport.TCPConnector),
		conns:           make(map[*ipc.Conn]*ownership),
	}
}

// Start binds the SD multicast socket and the IPC listener, and launches the
// daemon's background goroutines. It returns once the SD socket, the IPC
// listener and the UDP client socket are bound; the daemon runs until ctx
// is cancelled, which initiates shutdown.
func (d *Daemon) Start(ctx context.Context) error {
	d.runCtx = ctx

	sdSock, err := transport.JoinSDMulticast(d.cfg.SDAddress, d.cfg.SDPort, d.cfg.Interface)
	if err != nil {
		return fmt.Errorf("daemon: join sd multicast: %w", err)
	}
	d.sdSock = sdSock

	ipcSrv, err := ipc.Listen(d.cfg.UDSPath, d, d.logger)
	if err != nil {
		sdSock.Close()
		return fmt.Errorf("daemon: listen ipc: %w", err)
	}
	d.ipcSrv = ipcSrv

	clientSock, err := transport.ListenUDP(netip.AddrPortFrom(d.cfg.Interface, 0), d.logger, d.metrics)
	if err != nil {
		sdSock.Close()
		ipcSrv.Close()
		return fmt.Errorf("daemon: bind client socket: %w", err)
	}
	d.clientSock = clientSock

	go d.readSDLoop(ctx)
	go d.tickLoop(ctx)
	go d.serveClientSocketLoop(ctx)
	go func() {
		if err := ipcSrv.Serve(); err != nil {
			d.logger.Error("ipc server stopped", "error", err.Error())
		}
	}()

	context.AfterFunc(ctx, func() {
		d.Stop()
	})

	d.logger.Info("daemon started", "uds_path", d.cfg.UDSPath, "sd_address", d.cfg.SDAddress.String(), "sd_port", d.cfg.SDPort)
	return nil
}

// Stop releases every socket the daemon holds. Safe to call more than once.
func (d *Daemon) Stop() {
	if d.ipcSrv != nil {
		d.ipcSrv.Close()
	}
	if d.sdSock != nil {
		d.sdSock.Close()
	}
	if d.clientSock != nil {
		d.clientSock.Close()
	}
	d.udpPool.CloseAll()

	d.tcpMu.Lock()
	for _, ln := range d.tcpListeners {
		ln.Close()
	}
	for _, conns := range d.tcpServerConns {
		for _, c := range conns {
			c.Close()
		}
	}
	for _, link := range d.tcpClientLinks {
		link.Close()
	}
	d.tcpMu.Unlock()
}

func (d *Daemon) readSDLoop(ctx context.Context) {
	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			return
		}
		n, src, err := d.sdSock.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Warn("sd socket read failed", "error", err.Error())
			continue
		}
		d.handleSDDatagram(buf[:n], src)
	}
}

func (d *Daemon) handleSDDatagram(buf []byte, src netip.AddrPort) {
	msg, err := wire.DecodeMessage(buf)
	if err != nil {
		d.metrics.WireDecodeErrors.Add(1)
		d.logger.Debug("dropped malformed sd datagram", "error", err.Error())
		return
	}
	sdMsg, err := wire.DecodeSD(msg)
	if err != nil {
		d.metrics.WireDecodeErrors.Add(1)
		d.logger.Debug("dropped malformed sd message", "error", err.Error())
		return
	}
	replies, changes := d.engine.ProcessEntries(sdMsg, src)
	for _, out := range replies {
		buf := wire.EncodeMessage(wire.EncodeSD(out))
		if err := d.sdSock.WriteTo(buf, src); err != nil {
			d.logger.Warn("failed to send sd reply", "error", err.Error())
		}
	}
	for _, ch := range changes {
		d.pushSubscriptionChanged(ch)
	}
}

func (d *Daemon) pushSubscriptionChanged(ch sd.SubscriptionChange) {
	conn := d.connForServer(ch.Server.Handle)
	if conn == nil {
		return
	}
	conn.Send(ipc.Encode(ipc.KindSubscriptionChanged, ipc.SubscriptionChangedPayload{
		Handle: uint64(ch.Server.Handle), EventGroupID: ch.EventGroupID, SubscriberCount: ch.Count,
	}))
}

func (d *Daemon) sendSD(sdMsg wire.SDMessage) {
	msg := wire.EncodeSD(sdMsg)
	buf := wire.EncodeMessage(msg)
	if err := d.sdSock.WriteToGroup(buf); err != nil {
		d.logger.Warn("failed to send sd message", "error", err.Error())
	}
}

func (d *Daemon) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runTick()
		}
	}
}

func (d *Daemon) runTick() {
	for _, out := range d.engine.Tick() {
		d.sendSD(out)
	}
	for _, timedOut := range d.corr.SweepTimeouts() {
		d.logger.Info("method call timed out", "session", timedOut.SessionID)
		if ct, ok := d.pendingCallTags.take(timedOut.Client.ClientID, timedOut.SessionID); ok {
			ct.conn.Send(ipc.Encode(ipc.KindMethodResponse, ipc.MethodResponsePayload{Tag: ct.tag, ErrorKind: correlator.ErrTimeout.Error()}))
		}
	}
	for _, timedOut := range d.disp.SweepRequestTimeouts() {
		d.logger.Info("request timed out waiting for application reply", "handle", timedOut.Handle)
	}
}

// serveUDPInstanceLoop reads datagrams from sock and routes REQUEST and
// REQUEST_NO_RETURN messages to the local server instance server; every
// other message type is ignored.
func (d *Daemon) serveUDPInstanceLoop(sock *transport.UDPSocket, server *registry.LocalServerInstance) {
	buf := make([]byte, 2048)
	for {
		n, src, err := sock.ReadFrom(buf)
		if err != nil {
			return
		}
		msg, err := wire.DecodeMessage(buf[:n])
		if err != nil {
			d.metrics.WireDecodeErrors.Add(1)
			continue
		}
		if msg.Header.MessageType != wire.MessageTypeRequest && msg.Header.MessageType != wire.MessageTypeRequestNoReturn {
			continue
		}
		handle, ok := d.disp.RouteRequest(server, msg, src, registry.UDP)
		if !ok {
			d.metrics.ProtocolViolations.Add(1)
			continue
		}
		d.pushIncomingRequest(server, handle, msg)
	}
}

func (d *Daemon) pushIncomingRequest(server *registry.LocalServerInstance, handle dispatch.RequestHandle, msg wire.Message) {
	conn := d.connForServer(server.Handle)
	if conn == nil {
		return
	}
	conn.Send(ipc.Encode(ipc.KindIncomingRequest, ipc.IncomingRequestPayload{
		Handle: uint64(server.Handle), RequestHandle: uint64(handle),
		MethodID: msg.Header.MethodID, Payload: msg.Payload,
	}))
}

// connForServer finds the IPC connection that owns serverHandle. Linear in
// the connection count, acceptable given a single host runs a small, fixed
// number of local applications.
func (d *Daemon) connForServer(h registry.ServerHandle) *ipc.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	for c, own := range d.conns {
		for _, sh := range own.servers {
			if sh == h {
				return c
			}
		}
	}
	return nil
}

// serveClientSocketLoop demultiplexes everything arriving on the shared
// client socket. SOME/IP message headers carry no instance id, so RESPONSE
// and ERROR are matched by client_id (spec §6.1's call correlation) and
// NOTIFICATION is matched by (service_id, source endpoint) via the offer
// that endpoint was last seen advertising (spec §4.5).
func (d *Daemon) serveClientSocketLoop(ctx context.Context) {
	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			return
		}
		n, src, err := d.clientSock.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		msg, err := wire.DecodeMessage(buf[:n])
		if err != nil {
			d.metrics.WireDecodeErrors.Add(1)
			continue
		}

		switch msg.Header.MessageType {
		case wire.MessageTypeResponse, wire.MessageTypeError:
			d.handleClientResponse(msg)
		case wire.MessageTypeNotification:
			d.handleClientNotification(msg, src)
		}
	}
}

func (d *Daemon) handleClientResponse(msg wire.Message) {
	client, ok := d.reg.ClientByClientID(msg.Header.ClientID)
	if !ok {
		d.metrics.UnknownSessionDrops.Add(1)
		return
	}
	payload, isError, ok := d.corr.HandleResponse(client, msg)
	if !ok {
		d.metrics.UnknownSessionDrops.Add(1)
		return
	}
	ct, ok := d.pendingCallTags.take(msg.Header.ClientID, msg.Header.SessionID)
	if !ok {
		return
	}
	resp := ipc.MethodResponsePayload{Tag: ct.tag, ReturnCode: msg.Header.ReturnCode, Payload: payload}
	if isError {
		resp.ErrorKind = "remote"
	}
	ct.conn.Send(ipc.Encode(ipc.KindMethodResponse, resp))
}

func (d *Daemon) handleClientNotification(msg wire.Message, src netip.AddrPort) {
	offer, ok := d.reg.RemoteOfferByEndpoint(msg.Header.ServiceID, src, d.cfg.TimeNow())
	if !ok {
		d.metrics.UnknownEventDrops.Add(1)
		return
	}
	for _, target := range d.disp.RouteNotification(msg.Header.ServiceID, offer.InstanceID, msg) {
		conn := d.connForClient(target.Client.Handle)
		if conn == nil {
			continue
		}
		conn.Send(ipc.Encode(ipc.KindIncomingEvent, ipc.IncomingEventPayload{
			Handle: uint64(target.Client.Handle), EventID: msg.Header.MethodID, Payload: msg.Payload,
		}))
	}
}

func (d *Daemon) connForClient(h registry.ClientHandle) *ipc.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	for c, own := range d.conns {
		for _, ch := range own.clients {
			if ch == h {
				return c
			}
		}
	}
	return nil
}
