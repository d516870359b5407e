// SPDX-License-Identifier: GPL-3.0-or-later

package sd

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basso-someip/someipyd/internal/registry"
	"github.com/basso-someip/someipyd/internal/someiplog"
	"github.com/basso-someip/someipyd/internal/wire"
)

func testClock(start time.Time) func() time.Time {
	now := start
	return func() time.Time { return now }
}

// fakeClock is a mutable clock for tests that need to observe behavior
// across an advancing [Engine.Tick], unlike [testClock]'s frozen instant.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

// recordingLogger captures Warn calls for assertions; every other method is
// the discarding stub's.
type recordingLogger struct {
	someiplog.Logger
	warnings []string
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{Logger: someiplog.Default()}
}

func (l *recordingLogger) Warn(msg string, args ...any) {
	l.warnings = append(l.warnings, msg)
}

func testService() *registry.Service {
	return registry.NewService(0x1234, 1, 0, []uint16{0x0001}, []uint16{0x8001}, map[uint16][]uint16{0x0001: {0x8001}})
}

func TestStartStopOfferEntries(t *testing.T) {
	reg := registry.New()
	ep := netip.MustParseAddrPort("127.0.0.1:30509")
	inst, err := reg.RegisterServer(testService(), 1, ep, registry.UDP, 3, 1000)
	require.NoError(t, err)

	e := NewEngine(reg, someiplog.Default(), testClock(time.Now()))

	offerMsg := e.StartOffer(inst)
	require.Len(t, offerMsg.Entries, 1)
	kind, err := offerMsg.Entries[0].Kind()
	require.NoError(t, err)
	assert.Equal(t, wire.EntryOfferService, kind)
	assert.Equal(t, registry.Offering, inst.State)

	stopMsg := e.StopOffer(inst)
	require.Len(t, stopMsg.Entries, 1)
	kind, err = stopMsg.Entries[0].Kind()
	require.NoError(t, err)
	assert.Equal(t, wire.EntryStopOffer, kind)
	assert.Equal(t, registry.Down, inst.State)
}

func TestStartOfferWarnsWhenTTLBelowCyclicOfferPeriod(t *testing.T) {
	reg := registry.New()
	ep := netip.MustParseAddrPort("127.0.0.1:30509")
	// ttl=1s (1000ms) < cycle=2000ms: spec §8 scenario 6's misconfiguration.
	inst, err := reg.RegisterServer(testService(), 1, ep, registry.UDP, 1, 2000)
	require.NoError(t, err)

	logger := newRecordingLogger()
	e := NewEngine(reg, logger, testClock(time.Now()))
	e.StartOffer(inst)

	require.Len(t, logger.warnings, 1)
	assert.Equal(t, registry.Offering, inst.State, "misconfiguration is a warning, not a hard error")
}

func TestStartOfferDoesNotWarnWhenTTLCoversCyclicOfferPeriod(t *testing.T) {
	reg := registry.New()
	ep := netip.MustParseAddrPort("127.0.0.1:30509")
	inst, err := reg.RegisterServer(testService(), 1, ep, registry.UDP, 3, 1000)
	require.NoError(t, err)

	logger := newRecordingLogger()
	e := NewEngine(reg, logger, testClock(time.Now()))
	e.StartOffer(inst)

	assert.Empty(t, logger.warnings)
}

func TestCyclicOffersPackAllOfferingInstances(t *testing.T) {
	reg := registry.New()
	svcA := registry.NewService(0x1111, 1, 0, nil, nil, nil)
	svcB := registry.NewService(0x2222, 1, 0, nil, nil, nil)
	instA, err := reg.RegisterServer(svcA, 1, netip.MustParseAddrPort("127.0.0.1:30001"), registry.UDP, 3, 1000)
	require.NoError(t, err)
	instB, err := reg.RegisterServer(svcB, 1, netip.MustParseAddrPort("127.0.0.1:30002"), registry.UDP, 3, 1000)
	require.NoError(t, err)

	now := time.Now()
	e := NewEngine(reg, someiplog.Default(), testClock(now))
	instA.State = registry.Offering
	instB.State = registry.Offering

	out := e.Tick()
	require.Len(t, out, 1)
	assert.Len(t, out[0].Entries, 2)
}

// TestCyclicOffersStayWithinJitterBound drives the cyclic-offer schedule
// through many simulated [TickInterval] ticks and asserts every emission
// lands within spec §5/P4's ±20ms jitter bound of its ideal periodic
// schedule, rather than drifting cumulatively (as re-arming from the actual
// fire time would).
func TestCyclicOffersStayWithinJitterBound(t *testing.T) {
	reg := registry.New()
	ep := netip.MustParseAddrPort("127.0.0.1:30509")
	const periodMS = 100
	inst, err := reg.RegisterServer(testService(), 1, ep, registry.UDP, 3, periodMS)
	require.NoError(t, err)

	clock := &fakeClock{t: time.Now()}
	e := NewEngine(reg, someiplog.Default(), clock.now)
	e.StartOffer(inst)
	ideal := clock.t.Add(periodMS * time.Millisecond)

	const jitterBound = 20 * time.Millisecond
	const cyclesToObserve = 20
	observed := 0
	for observed < cyclesToObserve {
		clock.t = clock.t.Add(TickInterval)
		out := e.Tick()
		if len(out) == 0 {
			continue
		}
		drift := clock.t.Sub(ideal)
		assert.LessOrEqual(t, drift, jitterBound, "emission must not fire more than the jitter bound late")
		assert.GreaterOrEqual(t, drift, -jitterBound, "emission must not fire more than the jitter bound early")
		ideal = ideal.Add(periodMS * time.Millisecond)
		observed++
	}
}

func TestOfferServiceTriggersResumedSubscribe(t *testing.T) {
	reg := registry.New()
	svc := testService()
	client := reg.RegisterClient(svc, 1, netip.MustParseAddrPort("127.0.0.1:40000"))

	now := time.Now()
	e := NewEngine(reg, someiplog.Default(), testClock(now))

	_, immediate := e.RequestSubscribe(client, 0x0001)
	assert.False(t, immediate, "no offer known yet, subscribe must park as PendingOffer")

	offerEntry := wire.NewEntry(wire.EntryOfferService, svc.ServiceID, 1, 1, 3)
	b := wire.NewBuilder(wire.SDFlags{})
	opt := wire.Option{Kind: wire.OptionIPv4Endpoint, Addr: netip.MustParseAddr("10.0.0.5"), Port: 30509, Transport: registry.UDP}
	b.AddEntry(offerEntry, []wire.Option{opt}, nil)
	sdMsg := b.Build()

	out, _ := e.ProcessEntries(sdMsg, netip.MustParseAddrPort("10.0.0.5:30490"))
	require.Len(t, out, 1, "offer arrival must resume the parked subscribe")
	kind, err := out[0].Entries[0].Kind()
	require.NoError(t, err)
	assert.Equal(t, wire.EntrySubscribeEventgroup, kind)
}

func TestSubscribeAckMarksActive(t *testing.T) {
	reg := registry.New()
	svc := testService()
	client := reg.RegisterClient(svc, 1, netip.MustParseAddrPort("127.0.0.1:40000"))
	remote := netip.MustParseAddrPort("10.0.0.5:30509")

	reg.UpsertRemoteOffer(&registry.RemoteOffer{
		ServiceID: svc.ServiceID, InstanceID: 1, Major: 1,
		Endpoint: remote, Transport: registry.UDP,
		ReceivedAt: time.Now(), TTLSeconds: 3,
	})

	now := time.Now()
	e := NewEngine(reg, someiplog.Default(), testClock(now))
	msg, ok := e.RequestSubscribe(client, 0x0001)
	require.True(t, ok)
	require.Len(t, msg.Entries, 1)

	e.HandleSubscribeAck(client, 0x0001, remote, 3)
	active, ok := client.ActiveSubscriptions[0x0001]
	require.True(t, ok)
	assert.Equal(t, remote, active.RemoteEndpoint)
}

func TestSubscribeRefreshResendsBeforeTTLExpiry(t *testing.T) {
	reg := registry.New()
	svc := testService()
	client := reg.RegisterClient(svc, 1, netip.MustParseAddrPort("127.0.0.1:40000"))
	remote := netip.MustParseAddrPort("10.0.0.5:30509")

	clock := &fakeClock{t: time.Now()}
	reg.UpsertRemoteOffer(&registry.RemoteOffer{
		ServiceID: svc.ServiceID, InstanceID: 1, Major: 1,
		Endpoint: remote, Transport: registry.UDP,
		ReceivedAt: clock.t, TTLSeconds: 10,
	})

	e := NewEngine(reg, someiplog.Default(), clock.now)
	_, ok := e.RequestSubscribe(client, 0x0001)
	require.True(t, ok)

	const ttlSeconds = 4 // min(ttl=4s, 0.5*offer-ttl=5s) = 4s refresh delay
	e.HandleSubscribeAck(client, 0x0001, remote, ttlSeconds)

	clock.t = clock.t.Add(2 * time.Second)
	out := e.RetryStaleSubscriptions(clock.t)
	assert.Empty(t, out, "refresh must not fire before its delay elapses")

	clock.t = clock.t.Add(3 * time.Second) // now 5s past the ack, past the 4s refresh delay
	out = e.RetryStaleSubscriptions(clock.t)
	require.Len(t, out, 1, "refresh must fire once the TTL-derived delay elapses")
	kind, err := out[0].Entries[0].Kind()
	require.NoError(t, err)
	assert.Equal(t, wire.EntrySubscribeEventgroup, kind)

	key := clientSubKey{client, 0x0001}
	st := e.clients[key]
	require.NotNil(t, st)
	assert.Equal(t, subSubscribed, st.state, "a refresh must not leave the Subscribed state")

	clock.t = clock.t.Add(time.Millisecond)
	out = e.RetryStaleSubscriptions(clock.t)
	assert.Empty(t, out, "refresh must re-arm after firing, not fire again immediately")
}

func TestHandleSubscribeRequestRejectsUnknownEventGroup(t *testing.T) {
	reg := registry.New()
	svc := testService()
	ep := netip.MustParseAddrPort("127.0.0.1:30509")
	inst, err := reg.RegisterServer(svc, 1, ep, registry.UDP, 3, 1000)
	require.NoError(t, err)

	e := NewEngine(reg, someiplog.Default(), testClock(time.Now()))
	subscriber := netip.MustParseAddrPort("10.0.0.9:30500")
	msg := e.HandleSubscribeRequest(inst, 0x9999, subscriber, registry.UDP, 3)

	require.Len(t, msg.Entries, 1)
	kind, err := msg.Entries[0].Kind()
	require.NoError(t, err)
	assert.Equal(t, wire.EntrySubscribeNack, kind)
	assert.Empty(t, reg.SubscribersFor(inst, 0x9999))
}

func TestHandleSubscribeRequestAcksKnownEventGroup(t *testing.T) {
	reg := registry.New()
	svc := testService()
	ep := netip.MustParseAddrPort("127.0.0.1:30509")
	inst, err := reg.RegisterServer(svc, 1, ep, registry.UDP, 3, 1000)
	require.NoError(t, err)

	e := NewEngine(reg, someiplog.Default(), testClock(time.Now()))
	subscriber := netip.MustParseAddrPort("10.0.0.9:30500")
	msg := e.HandleSubscribeRequest(inst, 0x0001, subscriber, registry.UDP, 3)

	require.Len(t, msg.Entries, 1)
	kind, err := msg.Entries[0].Kind()
	require.NoError(t, err)
	assert.Equal(t, wire.EntrySubscribeEventgroupAck, kind)
	assert.Len(t, reg.SubscribersFor(inst, 0x0001), 1)
}
