// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basso-someip/someipyd/internal/nettest"
	"github.com/basso-someip/someipyd/internal/wire"
)

func sampleMessage(payload []byte) wire.Message {
	return wire.Message{
		Header: wire.Header{
			ServiceID: 0x1234, MethodID: 0x0001,
			ClientID: 0x0001, SessionID: 0x0001,
			ProtocolVersion: wire.ProtocolVersion, InterfaceVersion: 1,
			MessageType: wire.MessageTypeRequest, ReturnCode: wire.ReturnCodeOK,
		},
		Payload: payload,
	}
}

func TestReadWriteFramedMessageRoundTrip(t *testing.T) {
	conn := &nettest.BufferConn{}
	buf := wire.EncodeMessage(sampleMessage([]byte("hello")))
	require.NoError(t, WriteFramedMessage(conn, buf))

	conn.Feed(conn.Written())
	got, err := ReadFramedMessage(conn)
	require.NoError(t, err)
	assert.Equal(t, buf, got)

	msg, err := wire.DecodeMessage(got)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), msg.Payload)
}

func TestReadFramedMessageRejectsOversizedFrame(t *testing.T) {
	conn := &nettest.BufferConn{}
	// message-id (4 bytes) + a length field claiming more than maxFrameSize.
	prefix := []byte{0x00, 0x00, 0x00, 0x00, 0xFF, 0xFF, 0xFF, 0xFF}
	conn.Feed(prefix)

	_, err := ReadFramedMessage(conn)
	require.Error(t, err)
}

func TestReadFramedMessageReturnsErrorOnTruncatedStream(t *testing.T) {
	conn := &nettest.BufferConn{}
	buf := wire.EncodeMessage(sampleMessage(bytes.Repeat([]byte{0x42}, 16)))
	conn.Feed(buf[:len(buf)-4]) // drop the tail: the frame is short

	_, err := ReadFramedMessage(conn)
	require.Error(t, err)
}
