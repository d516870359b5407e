// SPDX-License-Identifier: GPL-3.0-or-later

package dispatch

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basso-someip/someipyd/internal/registry"
	"github.com/basso-someip/someipyd/internal/wire"
)

func testClock(start time.Time) func() time.Time {
	now := start
	return func() time.Time { return now }
}

func testService() *registry.Service {
	return registry.NewService(0x1234, 1, 0, []uint16{0x0001}, []uint16{0x8001}, map[uint16][]uint16{0x0001: {0x8001}})
}

func TestRouteNotificationOnlyToActiveSubscribers(t *testing.T) {
	reg := registry.New()
	svc := testService()
	client := reg.RegisterClient(svc, 1, netip.MustParseAddrPort("127.0.0.1:0"))
	d := New(reg, testClock(time.Now()))

	notif := wire.Message{Header: wire.Header{ServiceID: svc.ServiceID, MethodID: 0x8001, MessageType: wire.MessageTypeNotification}}

	assert.Empty(t, d.RouteNotification(svc.ServiceID, 1, notif), "no active subscription yet")

	client.ActiveSubscriptions[0x0001] = registry.ActiveSubscription{ExpiresAt: time.Now().Add(time.Minute)}
	targets := d.RouteNotification(svc.ServiceID, 1, notif)
	require.Len(t, targets, 1)
	assert.Same(t, client, targets[0].Client)
}

func TestRouteRequestRejectsUnknownMethod(t *testing.T) {
	reg := registry.New()
	svc := testService()
	inst, err := reg.RegisterServer(svc, 1, netip.MustParseAddrPort("127.0.0.1:30509"), registry.UDP, 3, 1000)
	require.NoError(t, err)
	d := New(reg, testClock(time.Now()))

	msg := wire.Message{Header: wire.Header{MethodID: 0x9999}}
	_, ok := d.RouteRequest(inst, msg, netip.MustParseAddrPort("10.0.0.5:40000"), registry.UDP)
	assert.False(t, ok)
}

func TestRouteRequestAndBuildResponsePreservesCorrelation(t *testing.T) {
	reg := registry.New()
	svc := testService()
	inst, err := reg.RegisterServer(svc, 1, netip.MustParseAddrPort("127.0.0.1:30509"), registry.UDP, 3, 1000)
	require.NoError(t, err)
	d := New(reg, testClock(time.Now()))

	msg := wire.Message{Header: wire.Header{MethodID: 0x0001, ClientID: 0x0a0b, SessionID: 0x0042}}
	requester := netip.MustParseAddrPort("10.0.0.5:40000")
	h, ok := d.RouteRequest(inst, msg, requester, registry.UDP)
	require.True(t, ok)

	resp, dst, transport, server, ok := d.BuildResponse(h, wire.ReturnCodeOK, []byte{7, 7})
	require.True(t, ok)
	assert.Equal(t, uint16(0x0a0b), resp.Header.ClientID)
	assert.Equal(t, uint16(0x0042), resp.Header.SessionID)
	assert.Equal(t, wire.MessageTypeResponse, resp.Header.MessageType)
	assert.Equal(t, requester, dst)
	assert.Equal(t, registry.UDP, transport)
	assert.Same(t, inst, server)

	_, _, _, _, ok = d.BuildResponse(h, wire.ReturnCodeOK, nil)
	assert.False(t, ok, "a handle must not be reusable after its response is built")
}

func TestBuildResponseErrorReturnCode(t *testing.T) {
	reg := registry.New()
	svc := testService()
	inst, err := reg.RegisterServer(svc, 1, netip.MustParseAddrPort("127.0.0.1:30509"), registry.UDP, 3, 1000)
	require.NoError(t, err)
	d := New(reg, testClock(time.Now()))

	msg := wire.Message{Header: wire.Header{MethodID: 0x0001, ClientID: 1, SessionID: 1}}
	h, ok := d.RouteRequest(inst, msg, netip.MustParseAddrPort("10.0.0.5:40000"), registry.UDP)
	require.True(t, ok)

	resp, _, _, _, ok := d.BuildResponse(h, 0x02, nil)
	require.True(t, ok)
	assert.Equal(t, wire.MessageTypeError, resp.Header.MessageType)
}

func TestSweepRequestTimeouts(t *testing.T) {
	reg := registry.New()
	svc := testService()
	inst, err := reg.RegisterServer(svc, 1, netip.MustParseAddrPort("127.0.0.1:30509"), registry.UDP, 3, 1000)
	require.NoError(t, err)

	start := time.Now()
	clock := start
	d := New(reg, func() time.Time { return clock })

	msg := wire.Message{Header: wire.Header{MethodID: 0x0001}}
	_, ok := d.RouteRequest(inst, msg, netip.MustParseAddrPort("10.0.0.5:40000"), registry.UDP)
	require.True(t, ok)

	clock = start.Add(RequestTimeout + time.Second)
	timedOut := d.SweepRequestTimeouts()
	require.Len(t, timedOut, 1)
	assert.Empty(t, d.pending)
}
