// SPDX-License-Identifier: GPL-3.0-or-later

package ipc

import (
	"bufio"
	"bytes"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basso-someip/someipyd/internal/someiplog"
)

func TestEnvelopeFramingRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	env := Encode(KindRegisterServer, RegisterServerRequest{ServiceID: 0x1234, InstanceID: 1, Endpoint: "127.0.0.1:30509", Transport: "udp"})
	require.NoError(t, WriteEnvelope(&buf, env))

	decoded, err := ReadEnvelope(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, KindRegisterServer, decoded.Kind)

	var req RegisterServerRequest
	require.NoError(t, Decode(decoded, &req))
	assert.EqualValues(t, 0x1234, req.ServiceID)
	assert.Equal(t, "127.0.0.1:30509", req.Endpoint)
}

// echoHandler replies to register_server with a fixed handle and records
// connect/disconnect calls, for exercising the server's lifecycle plumbing.
type echoHandler struct {
	mu          sync.Mutex
	connects    int
	disconnects int
}

func (h *echoHandler) OnConnect(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connects++
}

func (h *echoHandler) OnDisconnect(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects++
}

func (h *echoHandler) HandleEnvelope(c *Conn, env Envelope) (Envelope, error) {
	switch env.Kind {
	case KindRegisterServer:
		return Encode(KindRegisterServerOK, RegisterServerResponse{Handle: 42}), nil
	default:
		return Envelope{}, assert.AnError
	}
}

func TestServerAcceptsAndDispatches(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "test.sock")
	h := &echoHandler{}
	srv, err := Listen(sockPath, h, someiplog.Default())
	require.NoError(t, err)
	go srv.Serve()
	defer srv.Close()

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	req := Encode(KindRegisterServer, RegisterServerRequest{ServiceID: 1, InstanceID: 1})
	require.NoError(t, WriteEnvelope(conn, req))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := ReadEnvelope(bufio.NewReader(conn))
	require.NoError(t, err)
	assert.Equal(t, KindRegisterServerOK, resp.Kind)

	var respPayload RegisterServerResponse
	require.NoError(t, Decode(resp, &respPayload))
	assert.EqualValues(t, 42, respPayload.Handle)

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.connects == 1
	}, time.Second, 10*time.Millisecond)
}

func TestServerClosesConnectionOnUnknownKind(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "test.sock")
	h := &echoHandler{}
	srv, err := Listen(sockPath, h, someiplog.Default())
	require.NoError(t, err)
	go srv.Serve()
	defer srv.Close()

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, WriteEnvelope(conn, Envelope{Kind: "not_a_real_kind"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(conn)
	// Server sends a KindError envelope before closing.
	resp, err := ReadEnvelope(r)
	require.NoError(t, err)
	assert.Equal(t, KindError, resp.Kind)

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.disconnects == 1
	}, time.Second, 10*time.Millisecond)
}
