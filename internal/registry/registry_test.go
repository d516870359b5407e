// SPDX-License-Identifier: GPL-3.0-or-later

package registry

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testService() *Service {
	return NewService(0x1234, 1, 0, []uint16{0x0001}, []uint16{0x8001}, map[uint16][]uint16{0x0001: {0x8001}})
}

func TestRegisterServerEnforcesI1(t *testing.T) {
	r := New()
	ep := netip.MustParseAddrPort("127.0.0.1:30509")
	svc := testService()

	_, err := r.RegisterServer(svc, 1, ep, TCP, 3, 1000)
	require.NoError(t, err)

	_, err = r.RegisterServer(svc, 1, ep, TCP, 3, 1000)
	require.ErrorIs(t, err, ErrDuplicateInstance)

	// Same (service, instance) but a different transport is a distinct key.
	_, err = r.RegisterServer(svc, 1, ep, UDP, 3, 1000)
	require.NoError(t, err)
}

func TestServerByHandleAndRemove(t *testing.T) {
	r := New()
	ep := netip.MustParseAddrPort("127.0.0.1:30509")
	inst, err := r.RegisterServer(testService(), 1, ep, TCP, 3, 1000)
	require.NoError(t, err)

	got, ok := r.ServerByHandle(inst.Handle)
	require.True(t, ok)
	assert.Same(t, inst, got)

	r.RemoveServer(inst.Handle)
	_, ok = r.ServerByHandle(inst.Handle)
	assert.False(t, ok)
	assert.Empty(t, r.AllLocalServers())
}

func TestRegisterClientAssignsDistinctClientIDs(t *testing.T) {
	r := New()
	svc := testService()
	c1 := r.RegisterClient(svc, 1, netip.MustParseAddrPort("127.0.0.1:0"))
	c2 := r.RegisterClient(svc, 2, netip.MustParseAddrPort("127.0.0.1:0"))
	assert.NotEqual(t, c1.ClientID, c2.ClientID)
	assert.NotEqual(t, c1.Handle, c2.Handle)

	got, ok := r.ClientByHandle(c1.Handle)
	require.True(t, ok)
	assert.Same(t, c1, got)

	clients := r.ClientsForService(svc.ServiceID, 1)
	require.Len(t, clients, 1)
	assert.Same(t, c1, clients[0])
}

func TestRemoteOfferExpiryIsInvisible(t *testing.T) {
	r := New()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.UpsertRemoteOffer(&RemoteOffer{
		ServiceID: 0x1234, InstanceID: 1, Major: 1,
		Endpoint: netip.MustParseAddrPort("10.0.0.5:30509"), Transport: UDP,
		ReceivedAt: now, TTLSeconds: 3,
	})

	_, ok := r.RemoteOffer(0x1234, 1, now.Add(2*time.Second))
	assert.True(t, ok)

	_, ok = r.RemoteOffer(0x1234, 1, now.Add(3*time.Second))
	assert.False(t, ok, "an offer must not be visible once its TTL has elapsed")

	expired := r.ExpiredRemoteOffers(now.Add(3 * time.Second))
	require.Len(t, expired, 1)
	r.RemoveRemoteOffer(0x1234, 1)
	assert.Empty(t, r.ExpiredRemoteOffers(now.Add(3*time.Second)))
}

func TestSubscriptionUpsertRefreshesInPlace(t *testing.T) {
	r := New()
	ep := netip.MustParseAddrPort("127.0.0.1:30509")
	inst, err := r.RegisterServer(testService(), 1, ep, UDP, 3, 1000)
	require.NoError(t, err)

	subscriber := netip.MustParseAddrPort("10.0.0.9:30500")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.UpsertSubscription(inst, 0x0001, subscriber, UDP, now.Add(10*time.Second))
	r.UpsertSubscription(inst, 0x0001, subscriber, UDP, now.Add(20*time.Second))

	subs := r.SubscribersFor(inst, 0x0001)
	require.Len(t, subs, 1, "renewing the same subscriber must refresh, not duplicate")
	assert.Equal(t, now.Add(20*time.Second), subs[0].ExpiresAt)

	r.RemoveSubscription(inst, 0x0001, subscriber, UDP)
	assert.Empty(t, r.SubscribersFor(inst, 0x0001))
}

func TestExpireSubscriptionsSweepsAllInstances(t *testing.T) {
	r := New()
	ep := netip.MustParseAddrPort("127.0.0.1:30509")
	inst, err := r.RegisterServer(testService(), 1, ep, UDP, 3, 1000)
	require.NoError(t, err)

	subscriber := netip.MustParseAddrPort("10.0.0.9:30500")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.UpsertSubscription(inst, 0x0001, subscriber, UDP, now.Add(-1*time.Second))

	expired := r.ExpireSubscriptions(now)
	require.Len(t, expired, 1)
	assert.Empty(t, r.SubscribersFor(inst, 0x0001))
}

func TestAllocateSessionSkipsZeroAndWraps(t *testing.T) {
	r := New()
	client := r.RegisterClient(testService(), 1, netip.MustParseAddrPort("127.0.0.1:0"))

	client.nextSession = 0xFFFE
	next := r.AllocateSession(client)
	assert.EqualValues(t, 0xFFFF, next)
	next = r.AllocateSession(client)
	assert.EqualValues(t, 1, next, "session ids must wrap to 1, never 0")
}

func TestAllocateSessionSkipsBusyIDs(t *testing.T) {
	r := New()
	client := r.RegisterClient(testService(), 1, netip.MustParseAddrPort("127.0.0.1:0"))
	client.nextSession = 0
	client.PendingMethods[1] = PendingMethod{}

	id := r.AllocateSession(client)
	assert.EqualValues(t, 2, id, "id 1 is busy so allocation must skip to the next free id")
}
