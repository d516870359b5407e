// SPDX-License-Identifier: GPL-3.0-or-later
//
// Grounded on: bassosimone/nop's compose.go (small composable routing
// helpers) in spirit only; the actual routing rules here follow spec §4.5.

// Package dispatch is the Dispatcher (spec §4.5, C5): it routes inbound
// NOTIFICATIONs to subscribed local clients, inbound REQUESTs to the owning
// local server instance's application (with its own 30s response timer,
// distinct from the Method Correlator's outbound-call timer), and builds
// RESPONSE/ERROR messages that preserve the original client_id/session_id.
package dispatch

import (
	"net/netip"
	"sync"
	"time"

	"github.com/basso-someip/someipyd/internal/registry"
	"github.com/basso-someip/someipyd/internal/wire"
)

// RequestTimeout is how long the Dispatcher keeps a forwarded REQUEST
// pending for an application reply (spec §4.5). After that the request is
// dropped by [Dispatcher.SweepRequestTimeouts]; no ERROR response is sent.
const RequestTimeout = 30 * time.Second

// RequestHandle is an opaque, process-local identifier for one forwarded
// REQUEST awaiting an application reply (SPEC_FULL.md §C.2: IPC handles
// never cross the network).
type RequestHandle uint64

// PendingRequest is the context the Dispatcher needs to build a RESPONSE or
// ERROR once the application calls ReplyRequest, or once the request times out.
type PendingRequest struct {
	Server    *registry.LocalServerInstance
	MethodID  uint16
	ClientID  uint16
	SessionID uint16
	Requester netip.AddrPort
	Transport registry.Transport
	Deadline  time.Time
}

// Dispatcher routes application-layer traffic between the wire and the IPC
// layer.
type Dispatcher struct {
	reg *registry.Registry
	now func() time.Time

	mu      sync.Mutex
	pending map[RequestHandle]PendingRequest
	next    RequestHandle
}

// New returns a [Dispatcher] using now for its clock.
func New(reg *registry.Registry, now func() time.Time) *Dispatcher {
	return &Dispatcher{reg: reg, now: now, pending: make(map[RequestHandle]PendingRequest)}
}

// NotifyTarget pairs a local client instance with the NOTIFICATION message
// to deliver to it over IPC.
type NotifyTarget struct {
	Client  *registry.LocalClientInstance
	Message wire.Message
}

// RouteNotification returns every local client instance currently
// subscribed to the event-group containing msg's event id, matched against
// (serviceID, instanceID) (spec §4.5). A client with no active subscription
// covering this event does not receive it, even if it shares the
// (service, instance) pair.
func (d *Dispatcher) RouteNotification(serviceID, instanceID uint16, msg wire.Message) []NotifyTarget {
	var out []NotifyTarget
	for _, client := range d.reg.ClientsForService(serviceID, instanceID) {
		for egid := range client.ActiveSubscriptions {
			if client.Service.EventGroupContains(egid, msg.Header.MethodID) {
				out = append(out, NotifyTarget{Client: client, Message: msg})
				break
			}
		}
	}
	return out
}

// RouteRequest records a forwarded REQUEST's correlation context and returns
// a handle the application will echo back via ReplyRequest, or false if
// methodID is not part of the server's declared schema (the daemon drops
// such a REQUEST and counts it as a protocol violation; no ERROR is sent).
func (d *Dispatcher) RouteRequest(server *registry.LocalServerInstance, msg wire.Message, requester netip.AddrPort, transport registry.Transport) (RequestHandle, bool) {
	if !server.Service.HasMethod(msg.Header.MethodID) {
		return 0, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	h := d.next
	d.pending[h] = PendingRequest{
		Server: server, MethodID: msg.Header.MethodID,
		ClientID: msg.Header.ClientID, SessionID: msg.Header.SessionID,
		Requester: requester, Transport: transport,
		Deadline: d.now().Add(RequestTimeout),
	}
	return h, true
}

// BuildResponse constructs the wire.Message and destination for a reply,
// either a RESPONSE (returnCode wire.ReturnCodeOK with payload) or an ERROR
// (any other return code), preserving the original client_id/session_id,
// and forgets the pending request.
func (d *Dispatcher) BuildResponse(h RequestHandle, returnCode uint8, payload []byte) (wire.Message, netip.AddrPort, registry.Transport, *registry.LocalServerInstance, bool) {
	d.mu.Lock()
	pr, ok := d.pending[h]
	if ok {
		delete(d.pending, h)
	}
	d.mu.Unlock()
	if !ok {
		return wire.Message{}, netip.AddrPort{}, registry.UDP, nil, false
	}

	msgType := wire.MessageTypeResponse
	if returnCode != wire.ReturnCodeOK {
		msgType = wire.MessageTypeError
	}
	msg := wire.Message{
		Header: wire.Header{
			ServiceID: pr.Server.Service.ServiceID, MethodID: pr.MethodID,
			ClientID: pr.ClientID, SessionID: pr.SessionID,
			ProtocolVersion: wire.ProtocolVersion, InterfaceVersion: pr.Server.Service.Major,
			MessageType: msgType, ReturnCode: returnCode,
		},
		Payload: payload,
	}
	return msg, pr.Requester, pr.Transport, pr.Server, true
}

// TimedOutRequest is one forwarded REQUEST the application never answered.
type TimedOutRequest struct {
	Handle    RequestHandle
	Requester PendingRequest
}

// SweepRequestTimeouts removes and returns every pending request past its
// deadline (spec §4.5's 30s response timer). The daemon logs each one; no
// ERROR response is sent.
func (d *Dispatcher) SweepRequestTimeouts() []TimedOutRequest {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []TimedOutRequest
	for h, pr := range d.pending {
		if !now.Before(pr.Deadline) {
			delete(d.pending, h)
			out = append(out, TimedOutRequest{Handle: h, Requester: pr})
		}
	}
	return out
}
