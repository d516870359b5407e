// SPDX-License-Identifier: GPL-3.0-or-later

package correlator

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
	return registry.NewService(0x1234, 1, 0, []uint16{0x0001}, nil, nil)
}

func TestBeginCallRejectsUnknownMethod(t *testing.T) {
	reg := registry.New()
	client := reg.RegisterClient(testService(), 1, netip.MustParseAddrPort("127.0.0.1:0"))
	c := New(reg, testClock(time.Now()), time.Second)

	offer := &registry.RemoteOffer{ServiceID: 0x1234, InstanceID: 1, Transport: registry.UDP, TTLSeconds: 3, ReceivedAt: time.Now()}
	_, err := c.BeginCall(client, 0x9999, nil, offer)
	assert.ErrorIs(t, err, ErrUnknownMethod)
}

func TestBeginCallRejectsWithoutOffer(t *testing.T) {
	reg := registry.New()
	client := reg.RegisterClient(testService(), 1, netip.MustParseAddrPort("127.0.0.1:0"))
	c := New(reg, testClock(time.Now()), time.Second)

	_, err := c.BeginCall(client, 0x0001, nil, nil)
	assert.ErrorIs(t, err, ErrNotAvailable)
}

func TestBeginCallAndHandleResponseRoundTrip(t *testing.T) {
	reg := registry.New()
	client := reg.RegisterClient(testService(), 1, netip.MustParseAddrPort("127.0.0.1:0"))
	c := New(reg, testClock(time.Now()), time.Second)

	offer := &registry.RemoteOffer{ServiceID: 0x1234, InstanceID: 1, Transport: registry.UDP, TTLSeconds: 3, ReceivedAt: time.Now()}
	req, err := c.BeginCall(client, 0x0001, []byte{1, 2}, offer)
	require.NoError(t, err)
	assert.Len(t, client.PendingMethods, 1)

	resp := wire.Message{
		Header: wire.Header{
			ServiceID: req.Header.ServiceID, MethodID: req.Header.MethodID,
			ClientID: req.Header.ClientID, SessionID: req.Header.SessionID,
			MessageType: wire.MessageTypeResponse, ReturnCode: wire.ReturnCodeOK,
		},
		Payload: []byte{9, 9},
	}
	payload, isError, ok := c.HandleResponse(client, resp)
	require.True(t, ok)
	assert.False(t, isError)
	assert.Equal(t, []byte{9, 9}, payload)
	assert.Empty(t, client.PendingMethods)
}

func TestHandleResponseRejectsUnknownSession(t *testing.T) {
	reg := registry.New()
	client := reg.RegisterClient(testService(), 1, netip.MustParseAddrPort("127.0.0.1:0"))
	c := New(reg, testClock(time.Now()), time.Second)

	resp := wire.Message{Header: wire.Header{ClientID: client.ClientID, SessionID: 42}}
	_, _, ok := c.HandleResponse(client, resp)
	assert.False(t, ok)
}

func TestSweepTimeoutsReapsExpiredCalls(t *testing.T) {
	reg := registry.New()
	client := reg.RegisterClient(testService(), 1, netip.MustParseAddrPort("127.0.0.1:0"))

	start := time.Now()
	clock := start
	c := New(reg, func() time.Time { return clock }, 100*time.Millisecond)

	offer := &registry.RemoteOffer{ServiceID: 0x1234, InstanceID: 1, Transport: registry.UDP, TTLSeconds: 3, ReceivedAt: start}
	_, err := c.BeginCall(client, 0x0001, nil, offer)
	require.NoError(t, err)

	clock = start.Add(200 * time.Millisecond)
	timedOut := c.SweepTimeouts()
	require.Len(t, timedOut, 1)
	assert.Same(t, client, timedOut[0].Client)
	assert.Empty(t, client.PendingMethods)
}

func TestCancelAllClearsPending(t *testing.T) {
	reg := registry.New()
	client := reg.RegisterClient(testService(), 1, netip.MustParseAddrPort("127.0.0.1:0"))
	c := New(reg, testClock(time.Now()), time.Second)

	offer := &registry.RemoteOffer{ServiceID: 0x1234, InstanceID: 1, Transport: registry.UDP, TTLSeconds: 3, ReceivedAt: time.Now()}
	_, err := c.BeginCall(client, 0x0001, nil, offer)
	require.NoError(t, err)

	c.CancelAll(client)
	assert.Empty(t, client.PendingMethods)
}
