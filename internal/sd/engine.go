// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: bassosimone/nop's Config.TimeNow seam (config.go) for a
// fake-clock-friendly timer loop, generalized here into the SD Engine's
// unified timer wheel (spec §4.3).

// Package sd is the Service Discovery Engine (spec §4.3, C3): it runs the
// Offer, Remote-Offer, Subscribe and Publish state machines, packs outbound
// SD messages via internal/wire's Builder, and drives TTL expiry from one
// ticker instead of per-message timers.
package sd

import (
	"time"

	"github.com/basso-someip/someipyd/internal/registry"
	"github.com/basso-someip/someipyd/internal/someiplog"
	"github.com/basso-someip/someipyd/internal/wire"
)

// TickInterval is how often [Daemon.runTick]-equivalent callers must invoke
// [Engine.Tick] to keep cyclic-offer jitter within spec §5/P4's ≤20ms
// bound: cyclicOffers only checks due instances once per tick, so the tick
// resolution is itself part of the jitter budget.
const TickInterval = 20 * time.Millisecond

// Engine owns the registry, the TTL/cyclic-offer timer wheel, and the
// decision logic for every SD entry kind.
type Engine struct {
	reg    *registry.Registry
	logger someiplog.Logger
	now    func() time.Time

	subscribeTimeout time.Duration

	clients map[clientSubKey]*clientSubState
}

type clientSubKey struct {
	client *registry.LocalClientInstance
	egid   uint16
}

// clientSubState tracks one local client's subscribe state machine for one
// event-group (spec §4.3's Subscribe state machine: Idle, PendingOffer,
// Subscribing, Subscribed).
type clientSubState struct {
	state       subscribeState
	lastAttempt time.Time
	backoff     time.Duration

	// ttlSeconds and refreshAt are only meaningful once state is
	// subSubscribed: the granted subscription TTL and the time at which
	// the next refresh Subscribe-Eventgroup is due (spec §4.3: "arm
	// refresh at min(ttl, 0.5 × offer-period)").
	ttlSeconds uint32
	refreshAt  time.Time
}

type subscribeState int

const (
	subIdle subscribeState = iota
	subPendingOffer
	subSubscribing
	subSubscribed
)

// NewEngine returns an [Engine] using now for its clock (override in tests
// for determinism; production callers pass time.Now).
func NewEngine(reg *registry.Registry, logger someiplog.Logger, now func() time.Time) *Engine {
	return &Engine{
		reg:              reg,
		logger:           logger,
		now:              now,
		subscribeTimeout: 300 * time.Millisecond,
		clients:          make(map[clientSubKey]*clientSubState),
	}
}

// Tick runs one pass of the timer wheel: it evicts expired remote offers and
// subscriptions, and returns the cyclic-Offer and Subscribe retry/refresh
// messages that must be sent as a result (spec §4.3: "a single unified timer
// wheel — not on message arrival"). A local client subscription whose
// Remote-Offer expired is torn down without network traffic and parked in
// PendingOffer until the next Offer-Service.
func (e *Engine) Tick() []wire.SDMessage {
	now := e.now()
	var out []wire.SDMessage

	for _, offer := range e.reg.ExpiredRemoteOffers(now) {
		e.reg.RemoveRemoteOffer(offer.ServiceID, offer.InstanceID)
		e.logger.Info("remote offer expired", "service", offer.ServiceID, "instance", offer.InstanceID)
		for key, st := range e.clients {
			if key.client.Service.ServiceID != offer.ServiceID || key.client.InstanceID != offer.InstanceID {
				continue
			}
			delete(key.client.ActiveSubscriptions, key.egid)
			key.client.PendingSubscriptions[key.egid] = struct{}{}
			st.state = subPendingOffer
		}
	}
	for _, sub := range e.reg.ExpireSubscriptions(now) {
		e.logger.Info("subscription expired", "egid", sub.EventGroupID, "subscriber", sub.SubscriberEndpoint.String())
	}

	out = append(out, e.cyclicOffers(now)...)
	out = append(out, e.RetryStaleSubscriptions(now)...)
	return out
}

// cyclicOffers builds one packed SD message offering every currently-Offering
// local server instance whose cyclic period has elapsed. Packing every due
// instance into a single message, rather than one datagram per instance, is
// the behavior spec §4.3 calls "coalescing entries that would otherwise be
// sent within a short tolerance window into one message."
//
// Each due instance's NextOfferDue re-arms from its own previous ideal due
// time, not from now: re-arming from now would let a tick's slack (bounded
// by [TickInterval]) compound every cycle into unbounded drift, instead of
// the single-tick jitter spec §5/P4 allows ("jitter ≤ 20 ms" against the
// ideal periodic schedule). If an instance has fallen behind by more than a
// full period — e.g. the daemon was paused — its schedule resyncs to now
// instead of firing a burst of catch-up offers.
func (e *Engine) cyclicOffers(now time.Time) []wire.SDMessage {
	instances := e.reg.AllLocalServers()
	var due []*registry.LocalServerInstance
	for _, inst := range instances {
		if inst.State != registry.Offering || inst.CyclicOfferDelayMS == 0 {
			continue
		}
		if now.Before(inst.NextOfferDue) {
			continue
		}
		due = append(due, inst)
		period := time.Duration(inst.CyclicOfferDelayMS) * time.Millisecond
		next := inst.NextOfferDue.Add(period)
		if next.Before(now) {
			next = now.Add(period)
		}
		inst.NextOfferDue = next
	}
	if len(due) == 0 {
		return nil
	}
	b := wire.NewBuilder(wire.SDFlags{Unicast: true})
	for _, inst := range due {
		entry := wire.NewEntry(wire.EntryOfferService, inst.Service.ServiceID, inst.InstanceID, inst.Service.Major, inst.TTLSeconds)
		entry.Minor = inst.Service.Minor
		opt := wire.Option{
			Kind:      wire.OptionIPv4Endpoint,
			Addr:      inst.Endpoint.Addr(),
			Port:      inst.Endpoint.Port(),
			Transport: inst.Transport,
		}
		b.AddEntry(entry, []wire.Option{opt}, nil)
	}
	return []wire.SDMessage{b.Build()}
}

// StartOffer transitions a local server instance Down -> Offering and
// returns the immediate Offer-Service message to broadcast (spec §4.3's
// Offer state machine).
func (e *Engine) StartOffer(inst *registry.LocalServerInstance) wire.SDMessage {
	inst.State = registry.Offering
	inst.NextOfferDue = e.now().Add(time.Duration(inst.CyclicOfferDelayMS) * time.Millisecond)
	e.warnIfTTLBelowCyclicOfferPeriod(inst)
	b := wire.NewBuilder(wire.SDFlags{Unicast: true})
	entry := wire.NewEntry(wire.EntryOfferService, inst.Service.ServiceID, inst.InstanceID, inst.Service.Major, inst.TTLSeconds)
	entry.Minor = inst.Service.Minor
	opt := wire.Option{Kind: wire.OptionIPv4Endpoint, Addr: inst.Endpoint.Addr(), Port: inst.Endpoint.Port(), Transport: inst.Transport}
	b.AddEntry(entry, []wire.Option{opt}, nil)
	return b.Build()
}

// warnIfTTLBelowCyclicOfferPeriod surfaces I4: a Local Server Instance's
// subscription ttl_seconds should be at least its cyclic_offer_delay_ms,
// otherwise a subscriber can observe its Subscription record expire between
// two cyclic Offers. This is a user-visible misconfiguration, not a hard
// error (spec §8 scenario 6): the instance still offers normally.
func (e *Engine) warnIfTTLBelowCyclicOfferPeriod(inst *registry.LocalServerInstance) {
	ttlMS := uint64(inst.TTLSeconds) * 1000
	if ttlMS >= uint64(inst.CyclicOfferDelayMS) {
		return
	}
	e.logger.Warn("subscription ttl shorter than cyclic offer period, subscriptions may briefly expire",
		"service", inst.Service.ServiceID, "instance", inst.InstanceID,
		"ttl_seconds", inst.TTLSeconds, "cyclic_offer_delay_ms", inst.CyclicOfferDelayMS)
}

// StopOffer transitions Offering -> Down and returns the Stop-Offer message
// (TTL 0) that must be sent before the instance is considered gone (spec
// §4.3: "Stop-Offer must be sent, and observed as sent, before a fresh Offer
// for the same instance").
func (e *Engine) StopOffer(inst *registry.LocalServerInstance) wire.SDMessage {
	inst.State = registry.Down
	b := wire.NewBuilder(wire.SDFlags{Unicast: true})
	entry := wire.NewEntry(wire.EntryStopOffer, inst.Service.ServiceID, inst.InstanceID, inst.Service.Major, 0)
	opt := wire.Option{Kind: wire.OptionIPv4Endpoint, Addr: inst.Endpoint.Addr(), Port: inst.Endpoint.Port(), Transport: inst.Transport}
	b.AddEntry(entry, []wire.Option{opt}, nil)
	return b.Build()
}
