// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: bassosimone/nop's ConnectFunc/HTTPConn ownership pattern
// (a wrapper type that owns its connection and exposes narrow, typed
// request methods over it), applied here to the daemon's IPC socket
// instead of a network connection.

// Package client is the thin Go binding applications use to talk to a
// running someipyd daemon over its local IPC socket (spec §6.3). It does
// not implement any SOME/IP semantics itself: every call is a direct,
// narrow translation of one [ipc.Kind] request/response pair.
package client

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/basso-someip/someipyd/internal/ipc"
)

// ServerHandle identifies a registered local server instance.
type ServerHandle uint64

// ClientHandle identifies a registered local client instance.
type ClientHandle uint64

// RequestHandle identifies one inbound method call awaiting a reply.
type RequestHandle uint64

// IncomingRequest is pushed to the owner of a server instance for every
// REQUEST/REQUEST_NO_RETURN the daemon routes to it (spec §4.6).
type IncomingRequest struct {
	Server   ServerHandle
	Request  RequestHandle
	MethodID uint16
	Payload  []byte
}

// IncomingEvent is pushed to the owner of a client instance for every
// NOTIFICATION matching one of its active subscriptions (spec §4.5).
type IncomingEvent struct {
	Client  ClientHandle
	EventID uint16
	Payload []byte
}

// SubscriptionChanged is pushed to the owner of a server instance when its
// subscriber count for one event-group changes (spec §6.3).
type SubscriptionChanged struct {
	Server          ServerHandle
	EventGroupID    uint16
	SubscriberCount int
}

// MethodError reports that a [Client.CallMethod] failed: locally (no route
// to the remote instance, unknown method), by timing out, or with a remote
// ERROR response (Kind "remote"; the ERROR's return code is returned
// alongside it).
type MethodError struct {
	Kind string
}

func (e *MethodError) Error() string { return "someipyd: method call failed: " + e.Kind }

// Client is one application's connection to the daemon's IPC socket. A
// Client owns the underlying connection; call [Client.Close] when done.
type Client struct {
	conn    net.Conn
	w       *bufio.Writer
	writeMu sync.Mutex

	nextTag atomic.Uint64

	// callMu serializes the request/reply control calls (RegisterServer,
	// RegisterClient) so the single background read loop can hand the one
	// outstanding reply to the one caller waiting for it.
	callMu  sync.Mutex
	replyCh chan ipc.Envelope

	mu      sync.Mutex
	pending map[uint64]chan ipc.MethodResponsePayload
	closed  bool

	// Requests receives every [IncomingRequest] pushed for any server
	// instance this connection owns. Buffered; the caller must drain it.
	Requests chan IncomingRequest
	// Events receives every [IncomingEvent] pushed for any client instance
	// this connection owns.
	Events chan IncomingEvent
	// SubscriptionChanges receives every [SubscriptionChanged] push.
	SubscriptionChanges chan SubscriptionChanged
}

// Dial connects to the daemon's IPC socket at path and starts its
// background read loop.
func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", path, err)
	}
	c := &Client{
		conn:                conn,
		w:                   bufio.NewWriter(conn),
		replyCh:             make(chan ipc.Envelope, 1),
		pending:             make(map[uint64]chan ipc.MethodResponsePayload),
		Requests:            make(chan IncomingRequest, 32),
		Events:              make(chan IncomingEvent, 32),
		SubscriptionChanges: make(chan SubscriptionChanged, 32),
	}
	go c.readLoop()
	return c, nil
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *Client) send(env ipc.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ipc.WriteEnvelope(c.w, env); err != nil {
		return err
	}
	return c.w.Flush()
}

func (c *Client) readLoop() {
	r := bufio.NewReader(c.conn)
	for {
		env, err := ipc.ReadEnvelope(r)
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				close(c.Requests)
				close(c.Events)
				close(c.SubscriptionChanges)
				close(c.replyCh)
			}
			return
		}
		switch env.Kind {
		case ipc.KindIncomingRequest:
			var p ipc.IncomingRequestPayload
			if ipc.Decode(env, &p) == nil {
				c.Requests <- IncomingRequest{
					Server: ServerHandle(p.Handle), Request: RequestHandle(p.RequestHandle),
					MethodID: p.MethodID, Payload: p.Payload,
				}
			}
		case ipc.KindIncomingEvent:
			var p ipc.IncomingEventPayload
			if ipc.Decode(env, &p) == nil {
				c.Events <- IncomingEvent{Client: ClientHandle(p.Handle), EventID: p.EventID, Payload: p.Payload}
			}
		case ipc.KindSubscriptionChanged:
			var p ipc.SubscriptionChangedPayload
			if ipc.Decode(env, &p) == nil {
				c.SubscriptionChanges <- SubscriptionChanged{
					Server: ServerHandle(p.Handle), EventGroupID: p.EventGroupID, SubscriberCount: p.SubscriberCount,
				}
			}
		case ipc.KindMethodResponse:
			var p ipc.MethodResponsePayload
			if ipc.Decode(env, &p) == nil {
				c.mu.Lock()
				ch, ok := c.pending[p.Tag]
				if ok {
					delete(c.pending, p.Tag)
				}
				c.mu.Unlock()
				if ok {
					ch <- p
				}
			}
		case ipc.KindRegisterServerOK, ipc.KindRegisterClientOK, ipc.KindError:
			c.replyCh <- env
		}
	}
}

// call sends a request envelope and waits for the single synchronous reply
// envelope the daemon sends back for it (register_server, register_client).
// Only one such call may be outstanding on a Client at a time; callMu
// enforces that.
func (c *Client) call(req ipc.Envelope) (ipc.Envelope, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()
	if err := c.send(req); err != nil {
		return ipc.Envelope{}, err
	}
	env, ok := <-c.replyCh
	if !ok {
		return ipc.Envelope{}, fmt.Errorf("someipyd: connection closed waiting for reply")
	}
	if env.Kind == ipc.KindError {
		var p ipc.ErrorPayload
		ipc.Decode(env, &p)
		return ipc.Envelope{}, fmt.Errorf("someipyd: %s", p.Message)
	}
	return env, nil
}

// ServiceSpec describes one service interface for registration: the method
// and event ids it exposes, and how events are bundled into event-groups
// (spec §3).
type ServiceSpec struct {
	ServiceID   uint16
	Major       uint8
	Minor       uint32
	MethodIDs   []uint16
	EventIDs    []uint16
	EventGroups map[uint16][]uint16
}

func stringifyEventGroups(m map[uint16][]uint16) map[string][]uint16 {
	out := make(map[string][]uint16, len(m))
	for k, v := range m {
		out[fmt.Sprintf("%d", k)] = v
	}
	return out
}

// RegisterServer registers a new local server instance and returns its
// handle. endpoint is "host:port"; transport is "udp" or "tcp".
func (c *Client) RegisterServer(svc ServiceSpec, instanceID uint16, endpoint, transport string, ttlSeconds, cyclicOfferDelayMS uint32) (ServerHandle, error) {
	req := ipc.RegisterServerRequest{
		ServiceID: svc.ServiceID, Major: svc.Major, Minor: svc.Minor,
		MethodIDs: svc.MethodIDs, EventIDs: svc.EventIDs, EventGroups: stringifyEventGroups(svc.EventGroups),
		InstanceID: instanceID, Endpoint: endpoint, Transport: transport,
		TTLSeconds: ttlSeconds, CyclicOfferDelayMS: cyclicOfferDelayMS,
	}
	env, err := c.call(ipc.Encode(ipc.KindRegisterServer, req))
	if err != nil {
		return 0, err
	}
	var resp ipc.RegisterServerResponse
	if err := ipc.Decode(env, &resp); err != nil {
		return 0, err
	}
	return ServerHandle(resp.Handle), nil
}

// RegisterClient registers a new local client instance for svc/instanceID
// and returns its handle.
func (c *Client) RegisterClient(svc ServiceSpec, instanceID uint16) (ClientHandle, error) {
	req := ipc.RegisterClientRequest{
		ServiceID: svc.ServiceID, Major: svc.Major, Minor: svc.Minor,
		MethodIDs: svc.MethodIDs, EventIDs: svc.EventIDs, EventGroups: stringifyEventGroups(svc.EventGroups),
		InstanceID: instanceID,
	}
	env, err := c.call(ipc.Encode(ipc.KindRegisterClient, req))
	if err != nil {
		return 0, err
	}
	var resp ipc.RegisterClientResponse
	if err := ipc.Decode(env, &resp); err != nil {
		return 0, err
	}
	return ClientHandle(resp.Handle), nil
}

// StartOffer begins cyclically offering h on the SD multicast group.
func (c *Client) StartOffer(h ServerHandle) error {
	return c.send(ipc.Encode(ipc.KindStartOffer, ipc.HandleRequest{Handle: uint64(h)}))
}

// StopOffer stops offering h and withdraws it from the network.
func (c *Client) StopOffer(h ServerHandle) error {
	return c.send(ipc.Encode(ipc.KindStopOffer, ipc.HandleRequest{Handle: uint64(h)}))
}

// Subscribe requests delivery of egid's events on h's remote instance.
func (c *Client) Subscribe(h ClientHandle, egid uint16) error {
	return c.send(ipc.Encode(ipc.KindSubscribe, ipc.SubscribeRequest{Handle: uint64(h), EventGroupID: egid}))
}

// Unsubscribe withdraws a prior [Client.Subscribe].
func (c *Client) Unsubscribe(h ClientHandle, egid uint16) error {
	return c.send(ipc.Encode(ipc.KindUnsubscribe, ipc.SubscribeRequest{Handle: uint64(h), EventGroupID: egid}))
}

// SendEvent publishes a NOTIFICATION for eventID to every current
// subscriber of h's owning event-group(s).
func (c *Client) SendEvent(h ServerHandle, eventID uint16, payload []byte) error {
	return c.send(ipc.Encode(ipc.KindSendEvent, ipc.SendEventRequest{Handle: uint64(h), EventID: eventID, Payload: payload}))
}

// ReplyRequest answers one [IncomingRequest] previously delivered on
// [Client.Requests].
func (c *Client) ReplyRequest(req RequestHandle, returnCode uint8, payload []byte) error {
	return c.send(ipc.Encode(ipc.KindReplyRequest, ipc.ReplyRequestPayload{
		RequestHandle: uint64(req), ReturnCode: returnCode, Payload: payload,
	}))
}

// CallMethod issues a REQUEST for methodID on h's remote instance and
// blocks until the RESPONSE/ERROR arrives, ctx is done, or the daemon
// rejects the call (no known route, unknown method, timeout). Rejections
// and remote ERROR responses are reported as a [*MethodError].
func (c *Client) CallMethod(ctx context.Context, h ClientHandle, methodID uint16, payload []byte) (respPayload []byte, returnCode uint8, err error) {
	tag := c.nextTag.Add(1)
	ch := make(chan ipc.MethodResponsePayload, 1)
	c.mu.Lock()
	c.pending[tag] = ch
	c.mu.Unlock()

	req := ipc.CallMethodRequest{Handle: uint64(h), MethodID: methodID, Tag: tag, Payload: payload}
	if err := c.send(ipc.Encode(ipc.KindCallMethod, req)); err != nil {
		c.mu.Lock()
		delete(c.pending, tag)
		c.mu.Unlock()
		return nil, 0, err
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, tag)
		c.mu.Unlock()
		return nil, 0, ctx.Err()
	case resp := <-ch:
		if resp.ErrorKind != "" {
			return nil, resp.ReturnCode, &MethodError{Kind: resp.ErrorKind}
		}
		return resp.Payload, resp.ReturnCode, nil
	}
}
