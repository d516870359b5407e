// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basso-someip/someipyd/internal/metrics"
	"github.com/basso-someip/someipyd/internal/someiplog"
)

func TestUDPPoolSharesSocketPerAddress(t *testing.T) {
	pool := NewUDPPool(someiplog.Default(), &metrics.Counters{})
	defer pool.CloseAll()

	addr := netip.MustParseAddrPort("127.0.0.1:0")
	s1, err := pool.Acquire(addr)
	require.NoError(t, err)

	// Re-acquiring the socket's own bound address (not the wildcard ":0")
	// must return the same shared socket.
	s2, err := pool.Acquire(s1.LocalAddrPort())
	require.NoError(t, err)
	assert.Same(t, s1, s2)
}

func TestUDPRoundTripAndOversizedWarning(t *testing.T) {
	m := &metrics.Counters{}
	serverSock, err := ListenUDP(netip.MustParseAddrPort("127.0.0.1:0"), someiplog.Default(), m)
	require.NoError(t, err)
	defer serverSock.Close()

	clientSock, err := ListenUDP(netip.MustParseAddrPort("127.0.0.1:0"), someiplog.Default(), m)
	require.NoError(t, err)
	defer clientSock.Close()

	payload := []byte("someip-sd-test-payload")
	require.NoError(t, clientSock.WriteTo(payload, serverSock.LocalAddrPort()))

	buf := make([]byte, 2048)
	serverSock.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, src, err := serverSock.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf[:n])
	assert.Equal(t, clientSock.LocalAddrPort().Addr(), src.Addr())

	assert.EqualValues(t, 0, m.OversizedDatagrams.Load())

	oversized := make([]byte, MaxRecommendedDatagramSize+1)
	require.NoError(t, clientSock.WriteTo(oversized, serverSock.LocalAddrPort()))
	assert.EqualValues(t, 1, m.OversizedDatagrams.Load())
}
