// SPDX-License-Identifier: GPL-3.0-or-later

package sd

import (
	"net/netip"
	"time"

	"github.com/basso-someip/someipyd/internal/registry"
	"github.com/basso-someip/someipyd/internal/wire"
)

const (
	subscribeInitialBackoff = 100 * time.Millisecond
	subscribeMaxBackoff     = 2 * time.Second
)

// RequestSubscribe starts (or restarts) a local client's subscription to one
// event-group (spec §4.3's Subscribe state machine). If a live Remote-Offer
// already exists it returns the unicast Subscribe-Eventgroup message to send
// immediately; otherwise it parks the request in PendingOffer and returns
// ok=false, to be resumed from [Engine.ProcessEntries] once the matching
// Offer-Service arrives.
func (e *Engine) RequestSubscribe(client *registry.LocalClientInstance, egid uint16) (wire.SDMessage, bool) {
	client.PendingSubscriptions[egid] = struct{}{}
	key := clientSubKey{client, egid}
	st := &clientSubState{state: subPendingOffer}
	e.clients[key] = st

	offer, ok := e.reg.RemoteOffer(client.Service.ServiceID, client.InstanceID, e.now())
	if !ok {
		return wire.SDMessage{}, false
	}
	return e.beginSubscribing(client, egid, st, offer), true
}

func (e *Engine) beginSubscribing(client *registry.LocalClientInstance, egid uint16, st *clientSubState, offer *registry.RemoteOffer) wire.SDMessage {
	st.state = subSubscribing
	st.lastAttempt = e.now()
	st.backoff = subscribeInitialBackoff

	b := wire.NewBuilder(wire.SDFlags{Unicast: true})
	entry := wire.NewEntry(wire.EntrySubscribeEventgroup, client.Service.ServiceID, client.InstanceID, client.Service.Major, offer.TTLSeconds)
	entry.EventGroupID = egid
	opt := wire.Option{Kind: wire.OptionIPv4Endpoint, Addr: client.LocalEndpoint.Addr(), Port: client.LocalEndpoint.Port(), Transport: offer.Transport}
	b.AddEntry(entry, []wire.Option{opt}, nil)
	return b.Build()
}

// OnOfferObserved resumes any PendingOffer subscription waiting on this
// offer, returning the Subscribe messages to send.
func (e *Engine) OnOfferObserved(offer *registry.RemoteOffer) []wire.SDMessage {
	var out []wire.SDMessage
	for key, st := range e.clients {
		if key.client.Service.ServiceID != offer.ServiceID || key.client.InstanceID != offer.InstanceID {
			continue
		}
		if st.state != subPendingOffer {
			continue
		}
		out = append(out, e.beginSubscribing(key.client, key.egid, st, offer))
	}
	return out
}

// HandleSubscribeAck marks a subscription Subscribed, records it as an
// [registry.ActiveSubscription], and arms its refresh timer (spec §4.3: ack
// completes the handshake; "arm refresh at min(ttl, 0.5 × offer-period)").
func (e *Engine) HandleSubscribeAck(client *registry.LocalClientInstance, egid uint16, remote netip.AddrPort, ttlSeconds uint32) {
	key := clientSubKey{client, egid}
	st, ok := e.clients[key]
	if !ok || st.state != subSubscribing {
		return
	}
	now := e.now()
	st.state = subSubscribed
	st.ttlSeconds = ttlSeconds
	client.ActiveSubscriptions[egid] = registry.ActiveSubscription{
		RemoteEndpoint: remote,
		ExpiresAt:      now.Add(time.Duration(ttlSeconds) * time.Second),
	}
	delete(client.PendingSubscriptions, egid)

	offer, _ := e.reg.RemoteOffer(client.Service.ServiceID, client.InstanceID, now)
	st.refreshAt = now.Add(subscribeRefreshDelay(ttlSeconds, offer))
}

// subscribeRefreshDelay computes min(ttl, 0.5 × offer-period) (spec §4.3).
// The SD wire protocol carries no explicit "offer period" to a subscriber —
// cyclic_offer_delay_ms is a server-local config value, never transmitted —
// so the matching Remote-Offer's own TTL stands in for it: refreshing well
// inside that TTL keeps the subscription alive even if a cyclic Offer is
// missed, which is the property the spec's rule is protecting.
func subscribeRefreshDelay(ttlSeconds uint32, offer *registry.RemoteOffer) time.Duration {
	refresh := time.Duration(ttlSeconds) * time.Second
	if offer != nil {
		if half := time.Duration(offer.TTLSeconds) * time.Second / 2; half < refresh {
			refresh = half
		}
	}
	return refresh
}

// HandleSubscribeNack reverts a subscription to PendingOffer so the next
// matching Offer-Service restarts the handshake; Tick does not retry
// PendingOffer subscriptions. It grows the subscription's backoff by
// subscribeInitialBackoff (capped at subscribeMaxBackoff), but
// beginSubscribing resets the backoff when the handshake restarts, so no
// delay is applied between a Nack and the next Subscribe.
func (e *Engine) HandleSubscribeNack(client *registry.LocalClientInstance, egid uint16) {
	key := clientSubKey{client, egid}
	st, ok := e.clients[key]
	if !ok {
		return
	}
	st.state = subPendingOffer
	st.backoff += subscribeInitialBackoff
	if st.backoff > subscribeMaxBackoff {
		st.backoff = subscribeMaxBackoff
	}
}

// Unsubscribe removes a local client's subscription state and returns the
// Stop-Subscribe-Eventgroup message to send if one was active.
func (e *Engine) Unsubscribe(client *registry.LocalClientInstance, egid uint16) (wire.SDMessage, bool) {
	key := clientSubKey{client, egid}
	st, ok := e.clients[key]
	delete(e.clients, key)
	delete(client.PendingSubscriptions, egid)
	delete(client.ActiveSubscriptions, egid)
	if !ok || st.state == subIdle || st.state == subPendingOffer {
		return wire.SDMessage{}, false
	}

	offer, hasOffer := e.reg.RemoteOffer(client.Service.ServiceID, client.InstanceID, e.now())
	transport := registry.UDP
	if hasOffer {
		transport = offer.Transport
	}
	b := wire.NewBuilder(wire.SDFlags{Unicast: true})
	entry := wire.NewEntry(wire.EntryStopSubscribe, client.Service.ServiceID, client.InstanceID, client.Service.Major, 0)
	entry.EventGroupID = egid
	opt := wire.Option{Kind: wire.OptionIPv4Endpoint, Addr: client.LocalEndpoint.Addr(), Port: client.LocalEndpoint.Port(), Transport: transport}
	b.AddEntry(entry, []wire.Option{opt}, nil)
	return b.Build(), true
}

// RetryStaleSubscriptions is called from [Engine.Tick] to resend
// Subscribe-Eventgroup for any subscription still Subscribing past its
// response timeout (the larger of subscribeTimeout and its backoff), and to refresh
// any subscription that has reached Subscribed and is due for its refresh
// timer (spec §4.3: "On refresh timer: re-send Subscribe-Eventgroup and
// re-arm").
func (e *Engine) RetryStaleSubscriptions(now time.Time) []wire.SDMessage {
	var out []wire.SDMessage
	for key, st := range e.clients {
		switch st.state {
		case subSubscribing:
			if now.Sub(st.lastAttempt) < max(e.subscribeTimeout, st.backoff) {
				continue
			}
			offer, ok := e.reg.RemoteOffer(key.client.Service.ServiceID, key.client.InstanceID, now)
			if !ok {
				st.state = subPendingOffer
				continue
			}
			out = append(out, e.beginSubscribing(key.client, key.egid, st, offer))
		case subSubscribed:
			if now.Before(st.refreshAt) {
				continue
			}
			offer, ok := e.reg.RemoteOffer(key.client.Service.ServiceID, key.client.InstanceID, now)
			if !ok {
				// Remote-Offer expiry tears this subscription down
				// in [Engine.Tick] (spec §4.3: "On Remote-Offer expiry: tear
				// down without network traffic"); nothing to refresh.
				continue
			}
			out = append(out, e.refreshSubscribe(key.client, key.egid, st, offer, now))
		}
	}
	return out
}

// refreshSubscribe re-sends Subscribe-Eventgroup for an already-Subscribed
// client and re-arms its refresh timer, without leaving the Subscribed
// state (spec §4.3's refresh sub-state of Subscribed).
func (e *Engine) refreshSubscribe(client *registry.LocalClientInstance, egid uint16, st *clientSubState, offer *registry.RemoteOffer, now time.Time) wire.SDMessage {
	st.lastAttempt = now
	st.refreshAt = now.Add(subscribeRefreshDelay(st.ttlSeconds, offer))

	b := wire.NewBuilder(wire.SDFlags{Unicast: true})
	entry := wire.NewEntry(wire.EntrySubscribeEventgroup, client.Service.ServiceID, client.InstanceID, client.Service.Major, st.ttlSeconds)
	entry.EventGroupID = egid
	opt := wire.Option{Kind: wire.OptionIPv4Endpoint, Addr: client.LocalEndpoint.Addr(), Port: client.LocalEndpoint.Port(), Transport: offer.Transport}
	b.AddEntry(entry, []wire.Option{opt}, nil)
	return b.Build()
}
