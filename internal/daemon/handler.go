// SPDX-License-Identifier: GPL-3.0-or-later

package daemon

import (
	"fmt"

	"github.com/basso-someip/someipyd/internal/dispatch"
	"github.com/basso-someip/someipyd/internal/ipc"
	"github.com/basso-someip/someipyd/internal/registry"
	"github.com/basso-someip/someipyd/internal/transport"
	"github.com/basso-someip/someipyd/internal/wire"
)

var _ ipc.Handler = (*Daemon)(nil)

// OnConnect implements [ipc.Handler].
func (d *Daemon) OnConnect(conn *ipc.Conn) {
	conn.UserData = &ownership{}
	d.mu.Lock()
	d.conns[conn] = conn.UserData.(*ownership)
	d.mu.Unlock()
}

// OnDisconnect implements [ipc.Handler], tearing down everything the
// connection owned (spec §4.7: stop every owned offer, unsubscribe every
// owned client subscription, cancel every pending method call).
func (d *Daemon) OnDisconnect(conn *ipc.Conn) {
	d.mu.Lock()
	own, ok := d.conns[conn]
	delete(d.conns, conn)
	d.mu.Unlock()
	if !ok {
		return
	}

	for _, sh := range own.servers {
		inst, ok := d.reg.ServerByHandle(sh)
		if !ok {
			continue
		}
		if inst.State == registry.Offering {
			d.sendSD(d.engine.StopOffer(inst))
		}
		d.stopTCPServer(sh)
		d.reg.RemoveServer(sh)
	}
	for _, ch := range own.clients {
		inst, ok := d.reg.ClientByHandle(ch)
		if !ok {
			continue
		}
		for egid := range inst.ActiveSubscriptions {
			if msg, send := d.engine.Unsubscribe(inst, egid); send {
				d.sendSD(msg)
			}
		}
		for egid := range inst.PendingSubscriptions {
			d.engine.Unsubscribe(inst, egid)
		}
		d.corr.CancelAll(inst)
		d.reg.RemoveClient(ch)
	}
}

// HandleEnvelope implements [ipc.Handler].
func (d *Daemon) HandleEnvelope(conn *ipc.Conn, env ipc.Envelope) (ipc.Envelope, error) {
	switch env.Kind {
	case ipc.KindRegisterServer:
		return d.handleRegisterServer(conn, env)
	case ipc.KindStartOffer:
		return d.handleStartOffer(conn, env)
	case ipc.KindStopOffer:
		return d.handleStopOffer(conn, env)
	case ipc.KindRegisterClient:
		return d.handleRegisterClient(conn, env)
	case ipc.KindSubscribe:
		return d.handleSubscribe(conn, env)
	case ipc.KindUnsubscribe:
		return d.handleUnsubscribe(conn, env)
	case ipc.KindSendEvent:
		return d.handleSendEvent(conn, env)
	case ipc.KindCallMethod:
		return d.handleCallMethod(conn, env)
	case ipc.KindReplyRequest:
		return d.handleReplyRequest(conn, env)
	default:
		return ipc.Envelope{}, fmt.Errorf("unrecognized envelope kind %q", env.Kind)
	}
}

func own(conn *ipc.Conn) *ownership {
	return conn.UserData.(*ownership)
}

func parseEventGroups(raw map[string][]uint16) map[uint16][]uint16 {
	out := make(map[uint16][]uint16, len(raw))
	for k, v := range raw {
		var egid uint16
		fmt.Sscanf(k, "%d", &egid)
		out[egid] = v
	}
	return out
}

func (d *Daemon) handleRegisterServer(conn *ipc.Conn, env ipc.Envelope) (ipc.Envelope, error) {
	var req ipc.RegisterServerRequest
	if err := ipc.Decode(env, &req); err != nil {
		return ipc.Envelope{}, err
	}
	endpoint, err := ipc.ParseEndpoint(req.Endpoint)
	if err != nil {
		return ipc.Envelope{}, fmt.Errorf("invalid endpoint %q: %w", req.Endpoint, err)
	}
	transport := registry.UDP
	if req.Transport == "tcp" {
		transport = registry.TCP
	}

	svc := registry.NewService(req.ServiceID, req.Major, req.Minor, req.MethodIDs, req.EventIDs, parseEventGroups(req.EventGroups))
	inst, err := d.reg.RegisterServer(svc, req.InstanceID, endpoint, transport, req.TTLSeconds, req.CyclicOfferDelayMS)
	if err != nil {
		return ipc.Envelope{}, err
	}

	own(conn).servers = append(own(conn).servers, inst.Handle)

	if transport == registry.UDP {
		sock, err := d.udpPool.Acquire(endpoint)
		if err == nil {
			go d.serveUDPInstanceLoop(sock, inst)
		}
	} else if err := d.startTCPServer(inst); err != nil {
		d.reg.RemoveServer(inst.Handle)
		return ipc.Envelope{}, fmt.Errorf("daemon: start tcp listener: %w", err)
	}

	return ipc.Encode(ipc.KindRegisterServerOK, ipc.RegisterServerResponse{Handle: uint64(inst.Handle)}), nil
}

func (d *Daemon) handleStartOffer(conn *ipc.Conn, env ipc.Envelope) (ipc.Envelope, error) {
	var req ipc.HandleRequest
	if err := ipc.Decode(env, &req); err != nil {
		return ipc.Envelope{}, err
	}
	inst, ok := d.reg.ServerByHandle(registry.ServerHandle(req.Handle))
	if !ok {
		return ipc.Envelope{}, fmt.Errorf("unknown server handle %d", req.Handle)
	}
	d.sendSD(d.engine.StartOffer(inst))
	return ipc.Envelope{}, nil
}

func (d *Daemon) handleStopOffer(conn *ipc.Conn, env ipc.Envelope) (ipc.Envelope, error) {
	var req ipc.HandleRequest
	if err := ipc.Decode(env, &req); err != nil {
		return ipc.Envelope{}, err
	}
	inst, ok := d.reg.ServerByHandle(registry.ServerHandle(req.Handle))
	if !ok {
		return ipc.Envelope{}, fmt.Errorf("unknown server handle %d", req.Handle)
	}
	d.sendSD(d.engine.StopOffer(inst))
	return ipc.Envelope{}, nil
}

func (d *Daemon) handleRegisterClient(conn *ipc.Conn, env ipc.Envelope) (ipc.Envelope, error) {
	var req ipc.RegisterClientRequest
	if err := ipc.Decode(env, &req); err != nil {
		return ipc.Envelope{}, err
	}
	svc := registry.NewService(req.ServiceID, req.Major, req.Minor, req.MethodIDs, req.EventIDs, parseEventGroups(req.EventGroups))
	inst := d.reg.RegisterClient(svc, req.InstanceID, d.clientSock.LocalAddrPort())
	own(conn).clients = append(own(conn).clients, inst.Handle)
	return ipc.Encode(ipc.KindRegisterClientOK, ipc.RegisterClientResponse{Handle: uint64(inst.Handle)}), nil
}

func (d *Daemon) handleSubscribe(conn *ipc.Conn, env ipc.Envelope) (ipc.Envelope, error) {
	var req ipc.SubscribeRequest
	if err := ipc.Decode(env, &req); err != nil {
		return ipc.Envelope{}, err
	}
	inst, ok := d.reg.ClientByHandle(registry.ClientHandle(req.Handle))
	if !ok {
		return ipc.Envelope{}, fmt.Errorf("unknown client handle %d", req.Handle)
	}
	if msg, send := d.engine.RequestSubscribe(inst, req.EventGroupID); send {
		d.sendSD(msg)
	}
	return ipc.Envelope{}, nil
}

func (d *Daemon) handleUnsubscribe(conn *ipc.Conn, env ipc.Envelope) (ipc.Envelope, error) {
	var req ipc.SubscribeRequest
	if err := ipc.Decode(env, &req); err != nil {
		return ipc.Envelope{}, err
	}
	inst, ok := d.reg.ClientByHandle(registry.ClientHandle(req.Handle))
	if !ok {
		return ipc.Envelope{}, fmt.Errorf("unknown client handle %d", req.Handle)
	}
	if msg, send := d.engine.Unsubscribe(inst, req.EventGroupID); send {
		d.sendSD(msg)
	}
	return ipc.Envelope{}, nil
}

func (d *Daemon) handleSendEvent(conn *ipc.Conn, env ipc.Envelope) (ipc.Envelope, error) {
	var req ipc.SendEventRequest
	if err := ipc.Decode(env, &req); err != nil {
		return ipc.Envelope{}, err
	}
	inst, ok := d.reg.ServerByHandle(registry.ServerHandle(req.Handle))
	if !ok {
		return ipc.Envelope{}, fmt.Errorf("unknown server handle %d", req.Handle)
	}
	if !inst.Service.HasEvent(req.EventID) {
		return ipc.Envelope{}, fmt.Errorf("event 0x%04x not declared by service 0x%04x", req.EventID, inst.Service.ServiceID)
	}

	for egid := range eventGroupsContaining(inst, req.EventID) {
		for _, sub := range d.reg.SubscribersFor(inst, egid) {
			d.sendNotification(inst, req.EventID, req.Payload, sub)
		}
	}
	return ipc.Envelope{}, nil
}

// sendNotification emits one NOTIFICATION datagram from inst's own bound
// socket to sub's endpoint. Local client subscribers are reached this same
// way, over the loopback interface: the reply arrives back on
// [Daemon.clientSock] and is pushed over IPC from there
// ([Daemon.handleClientNotification]), so no separate local-delivery path is
// needed here.
func (d *Daemon) sendNotification(inst *registry.LocalServerInstance, eventID uint16, payload []byte, sub *registry.Subscription) {
	msg := wire.Message{
		Header: wire.Header{
			ServiceID: inst.Service.ServiceID, MethodID: eventID,
			ProtocolVersion: wire.ProtocolVersion, InterfaceVersion: inst.Service.Major,
			MessageType: wire.MessageTypeNotification, ReturnCode: wire.ReturnCodeOK,
		},
		Payload: payload,
	}
	buf := wire.EncodeMessage(msg)
	if sub.Transport == registry.TCP {
		d.writeTCPResponse(inst, sub.SubscriberEndpoint, buf)
		return
	}
	sock, err := d.udpPool.Acquire(inst.Endpoint)
	if err != nil {
		return
	}
	sock.WriteTo(buf, sub.SubscriberEndpoint)
}

// eventGroupsContaining returns the subset of inst's event-groups that
// bundle eventID, reusing [registry.Service.EventGroupContains] since the
// registry does not expose the raw map.
func eventGroupsContaining(inst *registry.LocalServerInstance, eventID uint16) map[uint16]struct{} {
	out := make(map[uint16]struct{})
	for egid := range inst.Subscribers {
		if inst.Service.EventGroupContains(egid, eventID) {
			out[egid] = struct{}{}
		}
	}
	return out
}

func (d *Daemon) handleCallMethod(conn *ipc.Conn, env ipc.Envelope) (ipc.Envelope, error) {
	var req ipc.CallMethodRequest
	if err := ipc.Decode(env, &req); err != nil {
		return ipc.Envelope{}, err
	}
	client, ok := d.reg.ClientByHandle(registry.ClientHandle(req.Handle))
	if !ok {
		return ipc.Envelope{}, fmt.Errorf("unknown client handle %d", req.Handle)
	}

	offer, hasOffer := d.reg.RemoteOffer(client.Service.ServiceID, client.InstanceID, d.cfg.TimeNow())
	var offerPtr *registry.RemoteOffer
	if hasOffer {
		offerPtr = offer
	}
	msg, err := d.corr.BeginCall(client, req.MethodID, req.Payload, offerPtr)
	if err != nil {
		conn.Send(ipc.Encode(ipc.KindMethodResponse, ipc.MethodResponsePayload{Tag: req.Tag, ErrorKind: err.Error()}))
		return ipc.Envelope{}, nil
	}

	d.pendingCallTags.store(client, msg.Header.SessionID, req.Tag, conn)
	buf := wire.EncodeMessage(msg)

	if offer.Transport == registry.TCP {
		link := d.acquireTCPClientLink(offer.Endpoint)
		tcpConn, dialErr := link.Get()
		if dialErr != nil {
			d.pendingCallTags.take(client.ClientID, msg.Header.SessionID)
			conn.Send(ipc.Encode(ipc.KindMethodResponse, ipc.MethodResponsePayload{Tag: req.Tag, ErrorKind: dialErr.Error()}))
			return ipc.Envelope{}, nil
		}
		transport.WriteFramedMessage(tcpConn, buf)
		return ipc.Envelope{}, nil
	}

	d.clientSock.WriteTo(buf, offer.Endpoint)
	return ipc.Envelope{}, nil
}

func (d *Daemon) handleReplyRequest(conn *ipc.Conn, env ipc.Envelope) (ipc.Envelope, error) {
	var req ipc.ReplyRequestPayload
	if err := ipc.Decode(env, &req); err != nil {
		return ipc.Envelope{}, err
	}
	msg, dst, transport, server, ok := d.disp.BuildResponse(dispatch.RequestHandle(req.RequestHandle), req.ReturnCode, req.Payload)
	if !ok {
		return ipc.Envelope{}, fmt.Errorf("unknown or already-answered request handle %d", req.RequestHandle)
	}
	buf := wire.EncodeMessage(msg)
	if transport == registry.UDP {
		sock, err := d.udpPool.Acquire(server.Endpoint)
		if err == nil {
			sock.WriteTo(buf, dst)
		}
	} else {
		d.writeTCPResponse(server, dst, buf)
	}
	return ipc.Envelope{}, nil
}
