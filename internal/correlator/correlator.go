// SPDX-License-Identifier: GPL-3.0-or-later
//
// Grounded on: bassosimone/nop's dnsexchange.go (send a request, match the
// response by query id, fail the caller on timeout), generalized here from
// one-shot DNS exchanges to SOME/IP's per-client session id correlation
// (spec §4.6, C6).

// Package correlator is the Method Correlator (spec §4.6): it allocates
// session ids for outgoing REQUESTs, tracks them until a matching
// RESPONSE/ERROR arrives or the deadline elapses, and classifies failures
// per the daemon's error taxonomy (spec §7).
package correlator

import (
	"errors"
	"time"

	"github.com/basso-someip/someipyd/internal/registry"
	"github.com/basso-someip/someipyd/internal/wire"
)

// DefaultTimeout is the method-call deadline used when a caller does not
// specify one (spec §4.6).
const DefaultTimeout = 5 * time.Second

// ErrNotAvailable is returned when a method is called against a service
// instance with no live Remote-Offer (spec §7's NotAvailable error).
var ErrNotAvailable = errors.New("correlator: service instance not available")

// ErrUnknownMethod is returned when methodID is not part of the target
// service's schema.
var ErrUnknownMethod = errors.New("correlator: method not declared by service")

// ErrTimeout is the error the daemon reports to the caller of a method call
// reaped by [Correlator.SweepTimeouts]. A response that arrives after the
// sweep finds no pending entry, and [Correlator.HandleResponse] reports
// ok=false for it.
var ErrTimeout = errors.New("correlator: method call timed out")

// Correlator allocates and tracks pending method calls across every local
// client instance.
type Correlator struct {
	reg     *registry.Registry
	now     func() time.Time
	timeout time.Duration
}

// New returns a [Correlator] using now for its clock and timeout as the
// default per-call deadline.
func New(reg *registry.Registry, now func() time.Time, timeout time.Duration) *Correlator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Correlator{reg: reg, now: now, timeout: timeout}
}

// BeginCall allocates a session id for client's call to methodID and
// registers a pending entry with a deadline, returning the fully-formed
// REQUEST [wire.Message] to send.
func (c *Correlator) BeginCall(client *registry.LocalClientInstance, methodID uint16, payload []byte, offer *registry.RemoteOffer) (wire.Message, error) {
	if !client.Service.HasMethod(methodID) {
		return wire.Message{}, ErrUnknownMethod
	}
	if offer == nil {
		return wire.Message{}, ErrNotAvailable
	}

	session := c.reg.AllocateSession(client)
	now := c.now()
	client.PendingMethods[session] = registry.PendingMethod{SentAt: now, Deadline: now.Add(c.timeout)}

	msg := wire.Message{
		Header: wire.Header{
			ServiceID: client.Service.ServiceID, MethodID: methodID,
			ClientID: client.ClientID, SessionID: session,
			ProtocolVersion: wire.ProtocolVersion, InterfaceVersion: client.Service.Major,
			MessageType: wire.MessageTypeRequest, ReturnCode: wire.ReturnCodeOK,
		},
		Payload: payload,
	}
	return msg, nil
}

// HandleResponse matches an incoming RESPONSE/ERROR message to its pending
// call, clearing the pending entry and returning its payload and whether
// the message was of type ERROR. ok is false if no pending call matches
// (either it never existed, already timed out, or client_id mismatches).
func (c *Correlator) HandleResponse(client *registry.LocalClientInstance, msg wire.Message) (payload []byte, isError bool, ok bool) {
	if msg.Header.ClientID != client.ClientID {
		return nil, false, false
	}
	if _, pending := client.PendingMethods[msg.Header.SessionID]; !pending {
		return nil, false, false
	}
	delete(client.PendingMethods, msg.Header.SessionID)
	return msg.Payload, msg.Header.MessageType == wire.MessageTypeError, true
}

// TimedOutCall identifies one pending method call whose deadline has elapsed.
type TimedOutCall struct {
	Client    *registry.LocalClientInstance
	SessionID uint16
}

// SweepTimeouts scans every local client instance's pending calls and
// removes (and reports) any past its deadline, driven by the same unified
// timer wheel the SD Engine uses rather than a per-call timer goroutine
// (spec §4.6, consistent with §4.3's "single unified timer wheel").
func (c *Correlator) SweepTimeouts() []TimedOutCall {
	now := c.now()
	var out []TimedOutCall
	for _, client := range c.reg.AllLocalClients() {
		for session, pending := range client.PendingMethods {
			if !now.Before(pending.Deadline) {
				delete(client.PendingMethods, session)
				out = append(out, TimedOutCall{Client: client, SessionID: session})
			}
		}
	}
	return out
}

// CancelAll clears every pending call for client, used when its owning IPC
// connection is lost (spec §4.7: "cancel all pending method calls").
func (c *Correlator) CancelAll(client *registry.LocalClientInstance) {
	for session := range client.PendingMethods {
		delete(client.PendingMethods, session)
	}
}
