// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: bassosimone/nop's httpbody.go (length-aware body framing)
// and endpoint.go (a small closed set of typed messages), generalized here
// into the daemon's local IPC wire format (spec §4.7, §6.3, C7).

// Package ipc is the IPC Server (spec §4.7, C7): a Unix-domain-socket
// control plane that lets local applications register servers/clients,
// manage subscriptions, call methods, and exchange events with the daemon.
package ipc

import (
	"encoding/json"
	"net/netip"
)

// Kind discriminates an [Envelope]'s Payload (spec §6.3).
type Kind string

const (
	KindRegisterServer      Kind = "register_server"
	KindRegisterServerOK    Kind = "register_server_ok"
	KindStartOffer          Kind = "start_offer"
	KindStopOffer           Kind = "stop_offer"
	KindRegisterClient      Kind = "register_client"
	KindRegisterClientOK    Kind = "register_client_ok"
	KindSubscribe           Kind = "subscribe"
	KindUnsubscribe         Kind = "unsubscribe"
	KindSendEvent           Kind = "send_event"
	KindCallMethod          Kind = "call_method"
	KindMethodResponse      Kind = "method_response"
	KindIncomingEvent       Kind = "incoming_event"
	KindIncomingRequest     Kind = "incoming_request"
	KindReplyRequest        Kind = "reply_request"
	KindSubscriptionChanged Kind = "subscription_changed"
	KindError               Kind = "error"
)

// Envelope is the single framed unit exchanged over the IPC socket: a
// 4-byte big-endian length prefix followed by this struct JSON-encoded
// (spec §6.3: "a simple length-prefixed framed protocol, not SOME/IP
// itself — the wire codec is never exposed to applications").
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload is the Payload of a [KindError] envelope, sent when a
// request is malformed or violates a precondition the server enforces.
type ErrorPayload struct {
	Message string `json:"message"`
}

// RegisterServerRequest is [KindRegisterServer]'s Payload.
type RegisterServerRequest struct {
	ServiceID          uint16              `json:"service_id"`
	Major              uint8               `json:"major"`
	Minor              uint32              `json:"minor"`
	MethodIDs          []uint16            `json:"method_ids,omitempty"`
	EventIDs           []uint16            `json:"event_ids,omitempty"`
	EventGroups        map[string][]uint16 `json:"event_groups,omitempty"`
	InstanceID         uint16              `json:"instance_id"`
	Endpoint           string              `json:"endpoint"`
	Transport          string              `json:"transport"`
	TTLSeconds         uint32              `json:"ttl_seconds"`
	CyclicOfferDelayMS uint32              `json:"cyclic_offer_delay_ms"`
}

// RegisterServerResponse is [KindRegisterServerOK]'s Payload.
type RegisterServerResponse struct {
	Handle uint64 `json:"handle"`
}

// HandleRequest is the Payload shared by [KindStartOffer] and [KindStopOffer].
type HandleRequest struct {
	Handle uint64 `json:"handle"`
}

// RegisterClientRequest is [KindRegisterClient]'s Payload.
type RegisterClientRequest struct {
	ServiceID   uint16              `json:"service_id"`
	Major       uint8               `json:"major"`
	Minor       uint32              `json:"minor"`
	MethodIDs   []uint16            `json:"method_ids,omitempty"`
	EventIDs    []uint16            `json:"event_ids,omitempty"`
	EventGroups map[string][]uint16 `json:"event_groups,omitempty"`
	InstanceID  uint16              `json:"instance_id"`
}

// RegisterClientResponse is [KindRegisterClientOK]'s Payload.
type RegisterClientResponse struct {
	Handle uint64 `json:"handle"`
}

// SubscribeRequest is the Payload shared by [KindSubscribe]/[KindUnsubscribe].
type SubscribeRequest struct {
	Handle       uint64 `json:"handle"`
	EventGroupID uint16 `json:"event_group_id"`
}

// SendEventRequest is [KindSendEvent]'s Payload.
type SendEventRequest struct {
	Handle  uint64 `json:"handle"`
	EventID uint16 `json:"event_id"`
	Payload []byte `json:"payload,omitempty"`
}

// CallMethodRequest is [KindCallMethod]'s Payload.
type CallMethodRequest struct {
	Handle   uint64 `json:"handle"`
	MethodID uint16 `json:"method_id"`
	Tag      uint64 `json:"tag"`
	Payload  []byte `json:"payload,omitempty"`
}

// MethodResponsePayload is [KindMethodResponse]'s Payload, sent from the
// daemon to the calling application.
type MethodResponsePayload struct {
	Tag        uint64 `json:"tag"`
	ReturnCode uint8  `json:"return_code"`
	Payload    []byte `json:"payload,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty"`
}

// IncomingEventPayload is [KindIncomingEvent]'s Payload, pushed to a
// subscribed client.
type IncomingEventPayload struct {
	Handle  uint64 `json:"handle"`
	EventID uint16 `json:"event_id"`
	Payload []byte `json:"payload,omitempty"`
}

// IncomingRequestPayload is [KindIncomingRequest]'s Payload, pushed to the
// application owning a server instance.
type IncomingRequestPayload struct {
	Handle        uint64 `json:"handle"`
	RequestHandle uint64 `json:"request_handle"`
	MethodID      uint16 `json:"method_id"`
	Payload       []byte `json:"payload,omitempty"`
}

// ReplyRequestPayload is [KindReplyRequest]'s Payload.
type ReplyRequestPayload struct {
	RequestHandle uint64 `json:"request_handle"`
	ReturnCode    uint8  `json:"return_code"`
	Payload       []byte `json:"payload,omitempty"`
}

// SubscriptionChangedPayload is [KindSubscriptionChanged]'s Payload, pushed
// to the application owning a server instance when its subscriber set for
// one event-group changes.
type SubscriptionChangedPayload struct {
	Handle          uint64 `json:"handle"`
	EventGroupID    uint16 `json:"event_group_id"`
	SubscriberCount int    `json:"subscriber_count"`
}

// ParseEndpoint parses the "host:port" strings RegisterServerRequest and
// similar payloads use for endpoints.
func ParseEndpoint(s string) (netip.AddrPort, error) {
	return netip.ParseAddrPort(s)
}
