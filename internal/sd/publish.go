// SPDX-License-Identifier: GPL-3.0-or-later

package sd

import (
	"net/netip"
	"time"

	"github.com/basso-someip/someipyd/internal/registry"
	"github.com/basso-someip/someipyd/internal/wire"
)

// HandleSubscribeRequest validates and answers an incoming
// Subscribe-Eventgroup entry against a locally offered instance (spec
// §4.3's Publish state machine). It registers the subscription on success
// and always returns the Ack/Nack message to unicast back to the requester.
func (e *Engine) HandleSubscribeRequest(inst *registry.LocalServerInstance, egid uint16, subscriber netip.AddrPort, transport registry.Transport, ttlSeconds uint32) wire.SDMessage {
	b := wire.NewBuilder(wire.SDFlags{Unicast: true})

	if !inst.Service.HasEventGroup(egid) {
		entry := wire.NewEntry(wire.EntrySubscribeNack, inst.Service.ServiceID, inst.InstanceID, inst.Service.Major, 0)
		entry.EventGroupID = egid
		b.AddEntry(entry, nil, nil)
		return b.Build()
	}

	e.reg.UpsertSubscription(inst, egid, subscriber, transport, e.now().Add(time.Duration(ttlSeconds)*time.Second))

	entry := wire.NewEntry(wire.EntrySubscribeEventgroupAck, inst.Service.ServiceID, inst.InstanceID, inst.Service.Major, ttlSeconds)
	entry.EventGroupID = egid
	b.AddEntry(entry, nil, nil)
	return b.Build()
}

// HandleStopSubscribe removes a subscriber from a locally offered instance's
// event-group (spec §4.3).
func (e *Engine) HandleStopSubscribe(inst *registry.LocalServerInstance, egid uint16, subscriber netip.AddrPort, transport registry.Transport) {
	e.reg.RemoveSubscription(inst, egid, subscriber, transport)
}

// SubscriptionChange reports that a locally offered instance's subscriber
// set for one event-group changed size, so the owning application can be
// told (spec §6.3's subscription_changed push).
type SubscriptionChange struct {
	Server       *registry.LocalServerInstance
	EventGroupID uint16
	Count        int
}

// ProcessEntries applies every entry in an incoming SD message against the
// registry, driving the Remote-Offer, Subscribe, and Publish state machines,
// and returns any unicast/multicast replies that must be sent in response
// (spec §4.3), plus any subscriber-count changes local instances should be
// notified of. src is the datagram's sender, used as the unicast
// destination for Find-Service responses and as the subscriber endpoint
// when no IPv4Endpoint option accompanies a Subscribe entry.
func (e *Engine) ProcessEntries(sdMsg wire.SDMessage, src netip.AddrPort) ([]wire.SDMessage, []SubscriptionChange) {
	var out []wire.SDMessage
	var changes []SubscriptionChange
	now := e.now()

	for _, entry := range sdMsg.Entries {
		kind, err := entry.Kind()
		if err != nil {
			e.logger.Warn("sd entry with unrecognized type, skipped", "error", err.Error())
			continue
		}

		run1, _, err := sdMsg.ResolveRuns(entry)
		if err != nil {
			e.logger.Warn("sd entry option run out of bounds, skipped", "error", err.Error())
			continue
		}
		endpoint, transport := src, registry.UDP
		if len(run1) > 0 {
			endpoint = netip.AddrPortFrom(run1[0].Addr, run1[0].Port)
			transport = run1[0].Transport
		}

		switch kind {
		case wire.EntryFindService:
			out = append(out, e.answerFindService(entry, src)...)

		case wire.EntryOfferService:
			offer := &registry.RemoteOffer{
				ServiceID: entry.ServiceID, InstanceID: entry.InstanceID,
				Major: entry.Major, Minor: entry.Minor,
				Endpoint: endpoint, Transport: transport,
				ReceivedAt: now, TTLSeconds: entry.TTL,
			}
			e.reg.UpsertRemoteOffer(offer)
			out = append(out, e.OnOfferObserved(offer)...)

		case wire.EntryStopOffer:
			e.reg.RemoveRemoteOffer(entry.ServiceID, entry.InstanceID)

		case wire.EntrySubscribeEventgroup:
			for _, inst := range e.reg.AllLocalServers() {
				if inst.Service.ServiceID == entry.ServiceID && inst.InstanceID == entry.InstanceID {
					out = append(out, e.HandleSubscribeRequest(inst, entry.EventGroupID, endpoint, transport, entry.TTL))
					changes = append(changes, SubscriptionChange{Server: inst, EventGroupID: entry.EventGroupID, Count: len(e.reg.SubscribersFor(inst, entry.EventGroupID))})
				}
			}

		case wire.EntryStopSubscribe:
			for _, inst := range e.reg.AllLocalServers() {
				if inst.Service.ServiceID == entry.ServiceID && inst.InstanceID == entry.InstanceID {
					e.HandleStopSubscribe(inst, entry.EventGroupID, endpoint, transport)
					changes = append(changes, SubscriptionChange{Server: inst, EventGroupID: entry.EventGroupID, Count: len(e.reg.SubscribersFor(inst, entry.EventGroupID))})
				}
			}

		case wire.EntrySubscribeEventgroupAck:
			e.ackClientsFor(entry, endpoint, true)

		case wire.EntrySubscribeNack:
			e.ackClientsFor(entry, endpoint, false)
		}
	}
	return out, changes
}

// answerFindService replies to a Find-Service entry with an Offer-Service
// entry for every matching, currently-Offering local instance, unicast
// directly to the requester rather than waiting for the next cyclic offer
// (spec §4.3's Find/Offer handshake).
func (e *Engine) answerFindService(entry wire.Entry, requester netip.AddrPort) []wire.SDMessage {
	var matches []*registry.LocalServerInstance
	for _, inst := range e.reg.AllLocalServers() {
		if inst.State != registry.Offering {
			continue
		}
		if inst.Service.ServiceID != entry.ServiceID {
			continue
		}
		if entry.InstanceID != 0xFFFF && inst.InstanceID != entry.InstanceID {
			continue
		}
		matches = append(matches, inst)
	}
	if len(matches) == 0 {
		return nil
	}

	b := wire.NewBuilder(wire.SDFlags{Unicast: true})
	for _, inst := range matches {
		offerEntry := wire.NewEntry(wire.EntryOfferService, inst.Service.ServiceID, inst.InstanceID, inst.Service.Major, inst.TTLSeconds)
		offerEntry.Minor = inst.Service.Minor
		opt := wire.Option{Kind: wire.OptionIPv4Endpoint, Addr: inst.Endpoint.Addr(), Port: inst.Endpoint.Port(), Transport: inst.Transport}
		b.AddEntry(offerEntry, []wire.Option{opt}, nil)
	}
	_ = requester // unicast destination is the transport layer's concern
	return []wire.SDMessage{b.Build()}
}

// ackClientsFor resolves every local client subscribed to (ServiceID,
// InstanceID, EventGroupID) and applies the Ack/Nack outcome.
func (e *Engine) ackClientsFor(entry wire.Entry, remote netip.AddrPort, ok bool) {
	for key, st := range e.clients {
		if key.client.Service.ServiceID != entry.ServiceID || key.client.InstanceID != entry.InstanceID || key.egid != entry.EventGroupID {
			continue
		}
		if st.state != subSubscribing {
			continue
		}
		if ok {
			e.HandleSubscribeAck(key.client, key.egid, remote, entry.TTL)
		} else {
			e.HandleSubscribeNack(key.client, key.egid)
		}
	}
}
