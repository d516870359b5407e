// SPDX-License-Identifier: GPL-3.0-or-later

package registry

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"
)

// ErrDuplicateInstance is returned by RegisterServer when invariant I1
// (spec §3: "at most one Local Server Instance per (service_id,
// instance_id, transport)") would be violated.
var ErrDuplicateInstance = errors.New("registry: a local server instance already exists for this (service, instance, transport)")

// ErrNotFound is returned by handle-based lookups for an unknown or
// already-removed handle.
var ErrNotFound = errors.New("registry: not found")

type localServerKey struct {
	serviceID  uint16
	instanceID uint16
	transport  Transport
}

type localClientKey struct {
	serviceID  uint16
	instanceID uint16
}

// Registry is the daemon's single in-memory directory (spec §4.4, C4).
//
// Concurrency note (resolved Open Question, see DESIGN.md): spec §5
// describes a single cooperative event loop serializing all registry
// access. This implementation realizes that guarantee with a mutex rather
// than a literal single-goroutine channel loop, the idiomatic Go mapping
// for a server fielding one goroutine per connection — every exported
// method here is safe for concurrent use and the net effect (registry
// mutations appear serialized) is identical.
type Registry struct {
	mu sync.Mutex

	localServers    map[localServerKey]*LocalServerInstance
	serversByHandle map[ServerHandle]*LocalServerInstance
	nextServer      ServerHandle

	localClients    map[localClientKey]*LocalClientInstance
	clientsByHandle map[ClientHandle]*LocalClientInstance
	clientsByCID    map[uint16]*LocalClientInstance
	nextClient      ClientHandle
	nextClientID    uint16

	remoteOffers map[localClientKey]*RemoteOffer
}

// New returns an empty [Registry].
func New() *Registry {
	return &Registry{
		localServers:    make(map[localServerKey]*LocalServerInstance),
		serversByHandle: make(map[ServerHandle]*LocalServerInstance),
		localClients:    make(map[localClientKey]*LocalClientInstance),
		clientsByHandle: make(map[ClientHandle]*LocalClientInstance),
		clientsByCID:    make(map[uint16]*LocalClientInstance),
		remoteOffers:    make(map[localClientKey]*RemoteOffer),
		nextServer:      1,
		nextClient:      1,
		nextClientID:    1,
	}
}

// RegisterServer creates a new [LocalServerInstance] in the Down state,
// enforcing invariant I1.
func (r *Registry) RegisterServer(svc *Service, instanceID uint16, endpoint netip.AddrPort, transport Transport, ttlSeconds, cyclicOfferDelayMS uint32) (*LocalServerInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := localServerKey{svc.ServiceID, instanceID, transport}
	if _, exists := r.localServers[key]; exists {
		return nil, fmt.Errorf("%w: service=0x%04x instance=0x%04x transport=%v", ErrDuplicateInstance, svc.ServiceID, instanceID, transport)
	}
	inst := &LocalServerInstance{
		Handle:             r.nextServer,
		Service:            svc,
		InstanceID:         instanceID,
		Endpoint:           endpoint,
		Transport:          transport,
		TTLSeconds:         ttlSeconds,
		CyclicOfferDelayMS: cyclicOfferDelayMS,
		State:              Down,
		Subscribers:        make(map[uint16]map[subscriberKey]*Subscription),
	}
	r.localServers[key] = inst
	r.serversByHandle[inst.Handle] = inst
	r.nextServer++
	return inst, nil
}

// ServerByHandle looks up a [LocalServerInstance] by handle.
func (r *Registry) ServerByHandle(h ServerHandle) (*LocalServerInstance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.serversByHandle[h]
	return inst, ok
}

// RemoveServer deletes a local server instance entirely (on IPC disconnect,
// spec §4.7). Callers must have already sent its Stop-Offer.
func (r *Registry) RemoveServer(h ServerHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.serversByHandle[h]
	if !ok {
		return
	}
	delete(r.serversByHandle, h)
	delete(r.localServers, localServerKey{inst.Service.ServiceID, inst.InstanceID, inst.Transport})
}

// AllLocalServers returns a snapshot slice of every registered local server
// instance, used by the SD Engine's cyclic emission sweep.
func (r *Registry) AllLocalServers() []*LocalServerInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*LocalServerInstance, 0, len(r.localServers))
	for _, inst := range r.localServers {
		out = append(out, inst)
	}
	return out
}

// RegisterClient creates a new [LocalClientInstance] and mints it a unique
// client_id (spec §3).
func (r *Registry) RegisterClient(svc *Service, instanceID uint16, localEndpoint netip.AddrPort) *LocalClientInstance {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst := &LocalClientInstance{
		Handle:               r.nextClient,
		Service:              svc,
		InstanceID:           instanceID,
		LocalEndpoint:        localEndpoint,
		ClientID:             r.nextClientID,
		PendingSubscriptions: make(map[uint16]struct{}),
		ActiveSubscriptions:  make(map[uint16]ActiveSubscription),
		PendingMethods:       make(map[uint16]PendingMethod),
	}
	r.localClients[localClientKey{svc.ServiceID, instanceID}] = inst
	r.clientsByHandle[inst.Handle] = inst
	r.clientsByCID[inst.ClientID] = inst
	r.nextClient++
	r.nextClientID++
	if r.nextClientID == 0 {
		r.nextClientID = 1
	}
	return inst
}

// ClientByHandle looks up a [LocalClientInstance] by handle.
func (r *Registry) ClientByHandle(h ClientHandle) (*LocalClientInstance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.clientsByHandle[h]
	return inst, ok
}

// ClientByClientID looks up a [LocalClientInstance] by its wire-level
// client_id, used to demultiplex incoming RESPONSE/ERROR messages arriving
// on a socket shared by several local client instances (spec §4.2, §4.6).
func (r *Registry) ClientByClientID(clientID uint16) (*LocalClientInstance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.clientsByCID[clientID]
	return inst, ok
}

// RemoteOfferByEndpoint finds a live Remote-Offer for serviceID whose
// advertised endpoint matches endpoint, used to resolve which instance sent
// a NOTIFICATION arriving on a socket shared across instances.
func (r *Registry) RemoteOfferByEndpoint(serviceID uint16, endpoint netip.AddrPort, now time.Time) (*RemoteOffer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, offer := range r.remoteOffers {
		if offer.ServiceID == serviceID && offer.Endpoint == endpoint && now.Before(offer.ExpiresAt()) {
			return offer, true
		}
	}
	return nil, false
}

// ClientsForService returns the [LocalClientInstance] registered against
// (serviceID, instanceID), if any, used by the Dispatcher to fan out
// NOTIFICATIONs (spec §4.5). At most one is returned: a later RegisterClient
// for the same pair replaces the earlier one in this lookup.
func (r *Registry) ClientsForService(serviceID, instanceID uint16) []*LocalClientInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.localClients[localClientKey{serviceID, instanceID}]
	if !ok {
		return nil
	}
	return []*LocalClientInstance{inst}
}

// AllLocalClients returns a snapshot slice of every registered local client
// instance, used by the Method Correlator's deadline sweep.
func (r *Registry) AllLocalClients() []*LocalClientInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*LocalClientInstance, 0, len(r.localClients))
	for _, inst := range r.localClients {
		out = append(out, inst)
	}
	return out
}

// RemoveClient deletes a local client instance entirely (on IPC disconnect).
func (r *Registry) RemoveClient(h ClientHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.clientsByHandle[h]
	if !ok {
		return
	}
	delete(r.clientsByHandle, h)
	delete(r.clientsByCID, inst.ClientID)
	delete(r.localClients, localClientKey{inst.Service.ServiceID, inst.InstanceID})
}

// UpsertRemoteOffer inserts or refreshes a Remote-Offer record (spec §4.3's
// Remote-Offer state machine: "On Offer-Service ... upsert Remote-Offer").
func (r *Registry) UpsertRemoteOffer(offer *RemoteOffer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remoteOffers[localClientKey{offer.ServiceID, offer.InstanceID}] = offer
}

// RemoteOffer looks up a live Remote-Offer record. ok is false both when no
// record exists and when one exists but has expired as of now: eviction is
// driven by the SD Engine's timer wheel, but a stale-but-not-yet-evicted
// record must never read back as available (spec invariant I2).
func (r *Registry) RemoteOffer(serviceID, instanceID uint16, now time.Time) (*RemoteOffer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	offer, ok := r.remoteOffers[localClientKey{serviceID, instanceID}]
	if !ok {
		return nil, false
	}
	if !now.Before(offer.ExpiresAt()) {
		return nil, false
	}
	return offer, true
}

// RemoveRemoteOffer evicts a Remote-Offer record (on Stop-Offer or TTL
// expiry, spec §4.3).
func (r *Registry) RemoveRemoteOffer(serviceID, instanceID uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.remoteOffers, localClientKey{serviceID, instanceID})
}

// ExpiredRemoteOffers returns every Remote-Offer whose TTL has elapsed as
// of now, for the SD Engine's unified timer wheel to evict (spec §4.3,
// P2). It does not remove them; call [Registry.RemoveRemoteOffer] for each.
func (r *Registry) ExpiredRemoteOffers(now time.Time) []*RemoteOffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*RemoteOffer
	for _, offer := range r.remoteOffers {
		if !now.Before(offer.ExpiresAt()) {
			out = append(out, offer)
		}
	}
	return out
}

// UpsertSubscription refreshes or inserts a server-side subscription (spec
// §4.3's Publish state machine).
func (r *Registry) UpsertSubscription(inst *LocalServerInstance, egid uint16, subscriberEndpoint netip.AddrPort, transport Transport, expiresAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := inst.Subscribers[egid]
	if !ok {
		set = make(map[subscriberKey]*Subscription)
		inst.Subscribers[egid] = set
	}
	key := subscriberKey{subscriberEndpoint, transport}
	if sub, exists := set[key]; exists {
		sub.ExpiresAt = expiresAt
		return
	}
	set[key] = &Subscription{EventGroupID: egid, SubscriberEndpoint: subscriberEndpoint, Transport: transport, ExpiresAt: expiresAt}
}

// RemoveSubscription deletes one subscriber from one event-group (Stop-Subscribe or expiry).
func (r *Registry) RemoveSubscription(inst *LocalServerInstance, egid uint16, subscriberEndpoint netip.AddrPort, transport Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := inst.Subscribers[egid]
	if !ok {
		return
	}
	delete(set, subscriberKey{subscriberEndpoint, transport})
}

// RemoveSubscriptionsForPeer evicts every subscription inst holds over
// transport whose subscriber IP address is subscriberEndpoint's (any port)
// across all of its event-groups, returning the
// event-group ids that lost a subscriber. A TCP framing error or connection
// loss on that peer's connection must drop every subscription bound to it,
// not just one event-group (spec §4.2: "framing errors terminate the
// connection... and drop subscriptions bound to that peer").
func (r *Registry) RemoveSubscriptionsForPeer(inst *LocalServerInstance, subscriberEndpoint netip.AddrPort, transport Transport) []uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var affected []uint16
	for egid, set := range inst.Subscribers {
		removed := false
		for key := range set {
			if key.transport == transport && key.addr.Addr() == subscriberEndpoint.Addr() {
				delete(set, key)
				removed = true
			}
		}
		if removed {
			affected = append(affected, egid)
			if len(set) == 0 {
				delete(inst.Subscribers, egid)
			}
		}
	}
	return affected
}

// SubscribersFor returns a snapshot of an event-group's current subscribers.
func (r *Registry) SubscribersFor(inst *LocalServerInstance, egid uint16) []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := inst.Subscribers[egid]
	if !ok {
		return nil
	}
	out := make([]*Subscription, 0, len(set))
	for _, sub := range set {
		out = append(out, sub)
	}
	return out
}

// ExpireSubscriptions removes every subscription across every local server
// instance whose TTL has elapsed as of now (spec P6), returning the ones removed.
func (r *Registry) ExpireSubscriptions(now time.Time) []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []*Subscription
	for _, inst := range r.localServers {
		for egid, set := range inst.Subscribers {
			for key, sub := range set {
				if !now.Before(sub.ExpiresAt) {
					expired = append(expired, sub)
					delete(set, key)
				}
			}
			if len(set) == 0 {
				delete(inst.Subscribers, egid)
			}
		}
	}
	return expired
}

// AllocateSession mints the next session id for a [LocalClientInstance]
// (spec invariant I3: "session_id increments monotonically modulo 2^16
// skipping 0"), retrying past any id still present in PendingMethods.
func (r *Registry) AllocateSession(inst *LocalClientInstance) uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		inst.nextSession++
		if inst.nextSession == 0 {
			inst.nextSession = 1
		}
		if _, busy := inst.PendingMethods[inst.nextSession]; !busy {
			return inst.nextSession
		}
	}
}
