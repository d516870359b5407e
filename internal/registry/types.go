// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: bassosimone/nop's Config struct style (a plain struct of
// fields with a constructor), applied here to the data model of spec §3
// rather than to dialer configuration.

// Package registry is the in-memory directory of local offered instances,
// remotely known instances, and active subscriptions (spec §4.4, C4).
//
// All mutations go through [Registry] so invariant I1 (at most one Local
// Server Instance per (service_id, instance_id, transport)) is enforced at
// insertion. The registry performs no I/O and owns no timers: TTL eviction
// is driven by internal/sd's timer wheel calling into this package (spec
// §4.3: "the SD engine evicts on a single unified timer wheel — not on
// message arrival").
package registry

import (
	"net/netip"
	"time"

	"github.com/basso-someip/someipyd/internal/wire"
)

// Transport is reused directly from the wire codec's option transport
// values (TCP/UDP), since both describe the same wire concept.
type Transport = wire.Transport

const (
	TCP = wire.TransportTCP
	UDP = wire.TransportUDP
)

// InstanceState is a Local Server Instance's lifecycle state (spec §3).
type InstanceState int

const (
	Down InstanceState = iota
	Offering
)

func (s InstanceState) String() string {
	if s == Offering {
		return "offering"
	}
	return "down"
}

// Service is an immutable schema of methods and event-groups (spec §3).
// Construct via [NewService]; all exported accessors return copies or
// read-only views so a Service is safe to share across goroutines once built.
type Service struct {
	ServiceID   uint16
	Major       uint8
	Minor       uint32
	methodIDs   map[uint16]struct{}
	eventIDs    map[uint16]struct{}
	eventGroups map[uint16]map[uint16]struct{} // egid -> event ids
}

// NewService builds an immutable [Service]. methodIDs and eventIDs list the
// service's methods and events; eventGroups maps each event-group id to the
// event ids it bundles (spec §3).
func NewService(serviceID uint16, major uint8, minor uint32, methodIDs, eventIDs []uint16, eventGroups map[uint16][]uint16) *Service {
	s := &Service{
		ServiceID:   serviceID,
		Major:       major,
		Minor:       minor,
		methodIDs:   make(map[uint16]struct{}, len(methodIDs)),
		eventIDs:    make(map[uint16]struct{}, len(eventIDs)),
		eventGroups: make(map[uint16]map[uint16]struct{}, len(eventGroups)),
	}
	for _, m := range methodIDs {
		s.methodIDs[m] = struct{}{}
	}
	for _, e := range eventIDs {
		s.eventIDs[e] = struct{}{}
	}
	for egid, events := range eventGroups {
		set := make(map[uint16]struct{}, len(events))
		for _, e := range events {
			set[e] = struct{}{}
		}
		s.eventGroups[egid] = set
	}
	return s
}

// HasMethod reports whether methodID is one of this service's methods.
func (s *Service) HasMethod(methodID uint16) bool {
	_, ok := s.methodIDs[methodID]
	return ok
}

// HasEvent reports whether eventID is one of this service's events.
func (s *Service) HasEvent(eventID uint16) bool {
	_, ok := s.eventIDs[eventID]
	return ok
}

// EventGroupContains reports whether egid is a known event-group that
// bundles eventID (used by the Dispatcher, spec §4.5).
func (s *Service) EventGroupContains(egid, eventID uint16) bool {
	events, ok := s.eventGroups[egid]
	if !ok {
		return false
	}
	_, ok = events[eventID]
	return ok
}

// HasEventGroup reports whether egid is declared by this service (used by
// the SD Engine's server-side Subscribe validation, spec §4.3).
func (s *Service) HasEventGroup(egid uint16) bool {
	_, ok := s.eventGroups[egid]
	return ok
}

// ServerHandle is an opaque process-local handle to a [LocalServerInstance]
// (SPEC_FULL.md §C.2: IPC handles never cross the network).
type ServerHandle uint64

// ClientHandle is an opaque process-local handle to a [LocalClientInstance].
type ClientHandle uint64

// Subscription is one server-side event-group subscriber (spec §3).
type Subscription struct {
	EventGroupID       uint16
	SubscriberEndpoint netip.AddrPort
	Transport          Transport
	ExpiresAt          time.Time
}

// LocalServerInstance is a locally offered service instance (spec §3).
type LocalServerInstance struct {
	Handle             ServerHandle
	Service            *Service
	InstanceID         uint16
	Endpoint           netip.AddrPort
	Transport          Transport
	TTLSeconds         uint32
	CyclicOfferDelayMS uint32
	State              InstanceState

	// NextOfferDue is when this instance's next cyclic Offer-Service is due;
	// zero means none has been scheduled yet (e.g. before the first Offer).
	NextOfferDue time.Time

	// Subscribers maps event-group id to the set of current subscribers,
	// keyed by subscriber endpoint+transport so a renewed Subscribe
	// refreshes in place instead of duplicating.
	Subscribers map[uint16]map[subscriberKey]*Subscription
}

type subscriberKey struct {
	addr      netip.AddrPort
	transport Transport
}

// ActiveSubscription is a local client's live event-group subscription (spec §3).
type ActiveSubscription struct {
	RemoteEndpoint netip.AddrPort
	ExpiresAt      time.Time
}

// PendingMethod is one outstanding method call awaiting a response (spec §3, §4.6).
type PendingMethod struct {
	SentAt   time.Time
	Deadline time.Time
}

// LocalClientInstance is a local application's view of a remote service
// (spec §3).
type LocalClientInstance struct {
	Handle               ClientHandle
	Service              *Service
	InstanceID           uint16
	LocalEndpoint        netip.AddrPort
	ClientID             uint16
	PendingSubscriptions map[uint16]struct{}
	ActiveSubscriptions  map[uint16]ActiveSubscription
	PendingMethods       map[uint16]PendingMethod // keyed by session id
	nextSession          uint16
}

// RemoteOffer is a remote service instance observed via SD (spec §3).
type RemoteOffer struct {
	ServiceID  uint16
	InstanceID uint16
	Major      uint8
	Minor      uint32
	Endpoint   netip.AddrPort
	Transport  Transport
	ReceivedAt time.Time
	TTLSeconds uint32
}

// ExpiresAt returns the instant at which this offer becomes stale (spec §3
// invariant: "expires strictly at received_at + ttl").
func (r *RemoteOffer) ExpiresAt() time.Time {
	return r.ReceivedAt.Add(time.Duration(r.TTLSeconds) * time.Second)
}
