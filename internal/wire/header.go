// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: bassosimone/nop's treatment of protocol codecs as pure,
// I/O-free encode/decode pairs (dnscodec.Query/Response in dnsoverudp.go,
// dnsovertcp.go) — this package follows the same shape for SOME/IP instead
// of DNS: plain functions over []byte, no sockets, no logging.

// Package wire implements bit-exact SOME/IP and SOME/IP-SD encoding and
// decoding (spec §4.1). It performs no I/O: callers (internal/transport,
// internal/sd) own the sockets and hand this package whole messages.
package wire

import (
	"encoding/binary"
)

// ProtocolVersion is the constant SOME/IP protocol-version byte (spec §3).
const ProtocolVersion uint8 = 0x01

// Message types recognized by this codec (spec §4.1).
const (
	MessageTypeRequest         uint8 = 0x00
	MessageTypeRequestNoReturn uint8 = 0x01
	MessageTypeNotification    uint8 = 0x02
	MessageTypeResponse        uint8 = 0x80
	MessageTypeError           uint8 = 0x81
)

// ReturnCodeOK is the only return code this codec treats specially; all
// other values are opaque per spec §4.1.
const ReturnCodeOK uint8 = 0x00

// EventIDBit is the top bit of a method/event id that distinguishes an
// event from a method (spec §3: "1 = event").
const EventIDBit uint16 = 0x8000

// IsEvent reports whether id identifies an event rather than a method.
func IsEvent(id uint16) bool {
	return id&EventIDBit != 0
}

// headerSize is the fixed 16-byte SOME/IP header: message-id(4) +
// length(4) + client-id(2) + session-id(2) + protocol-version(1) +
// interface-version(1) + message-type(1) + return-code(1).
const headerSize = 16

// lengthFieldCovers is how many header bytes follow the length field
// itself and are therefore included in its value even with an empty payload.
const lengthFieldCovers = 8

// Header is the fixed 16-byte SOME/IP header (spec §3, §4.1).
type Header struct {
	ServiceID        uint16
	MethodID         uint16
	ClientID         uint16
	SessionID        uint16
	ProtocolVersion  uint8
	InterfaceVersion uint8
	MessageType      uint8
	ReturnCode       uint8
}

// Message is a full SOME/IP message: header plus opaque payload bytes
// (spec §1: "the core treats payloads as opaque byte strings with a length").
type Message struct {
	Header  Header
	Payload []byte
}

// EncodeMessage serializes m into a wire-format SOME/IP message.
func EncodeMessage(m Message) []byte {
	buf := make([]byte, headerSize+len(m.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(m.Header.ServiceID)<<16|uint32(m.Header.MethodID))
	binary.BigEndian.PutUint32(buf[4:8], uint32(lengthFieldCovers+len(m.Payload)))
	binary.BigEndian.PutUint16(buf[8:10], m.Header.ClientID)
	binary.BigEndian.PutUint16(buf[10:12], m.Header.SessionID)
	buf[12] = m.Header.ProtocolVersion
	buf[13] = m.Header.InterfaceVersion
	buf[14] = m.Header.MessageType
	buf[15] = m.Header.ReturnCode
	copy(buf[headerSize:], m.Payload)
	return buf
}

// DecodeMessage parses buf as a single SOME/IP message. buf must contain
// exactly one message: the caller (internal/transport) is responsible for
// framing (spec §4.2: UDP datagram boundary or TCP length-prefixed read).
func DecodeMessage(buf []byte) (Message, error) {
	if len(buf) < headerSize {
		return Message{}, newDecodeError(ErrTruncatedHeader, "fewer than 16 bytes available")
	}
	messageID := binary.BigEndian.Uint32(buf[0:4])
	length := binary.BigEndian.Uint32(buf[4:8])
	if int(length) < lengthFieldCovers {
		return Message{}, newDecodeError(ErrLengthMismatch, "length field smaller than the fixed fields it must cover")
	}
	wantTotal := 8 + int(length) // message-id(4) + length(4) + length.value() more bytes
	if wantTotal != len(buf) {
		return Message{}, newDecodeError(ErrLengthMismatch, "length field does not match buffer size")
	}
	h := Header{
		ServiceID:        uint16(messageID >> 16),
		MethodID:         uint16(messageID & 0xFFFF),
		ClientID:         binary.BigEndian.Uint16(buf[8:10]),
		SessionID:        binary.BigEndian.Uint16(buf[10:12]),
		ProtocolVersion:  buf[12],
		InterfaceVersion: buf[13],
		MessageType:      buf[14],
		ReturnCode:       buf[15],
	}
	if h.ProtocolVersion != ProtocolVersion {
		return Message{}, newDecodeError(ErrWrongProtocolVersion, "")
	}
	payload := make([]byte, len(buf)-headerSize)
	copy(payload, buf[headerSize:])
	return Message{Header: h, Payload: payload}, nil
}

// PeekLength reads the 32-bit length field from a buffer that contains at
// least the first 8 bytes of a message (message-id + length), without
// validating anything else. internal/transport's TCP framer uses this to
// know how many more bytes to read (spec §4.2: "reading the 8-byte prefix,
// extracting the 32-bit length, and reading exactly length+8 bytes").
func PeekLength(prefix []byte) (totalSize int, ok bool) {
	if len(prefix) < 8 {
		return 0, false
	}
	length := binary.BigEndian.Uint32(prefix[4:8])
	return 8 + int(length), true
}
