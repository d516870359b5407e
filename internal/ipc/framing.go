// SPDX-License-Identifier: GPL-3.0-or-later

package ipc

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxEnvelopeSize bounds a single framed envelope, guarding the daemon
// against a misbehaving application claiming an unbounded length prefix.
const MaxEnvelopeSize = 1 << 20

// WriteEnvelope frames env as a 4-byte big-endian length prefix followed by
// its JSON encoding, and writes it to w.
func WriteEnvelope(w io.Writer, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("ipc: encode envelope: %w", err)
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("ipc: write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("ipc: write envelope body: %w", err)
	}
	return nil
}

// ReadEnvelope reads one framed envelope from r.
func ReadEnvelope(r *bufio.Reader) (Envelope, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Envelope{}, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxEnvelopeSize {
		return Envelope{}, fmt.Errorf("ipc: envelope of %d bytes exceeds max size %d", n, MaxEnvelopeSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, fmt.Errorf("ipc: read envelope body: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("ipc: decode envelope: %w", err)
	}
	return env, nil
}

// Encode marshals payload and wraps it into an [Envelope] of the given kind.
func Encode(kind Kind, payload any) Envelope {
	if payload == nil {
		return Envelope{Kind: kind}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		// Every payload type in this package is a plain struct of JSON-safe
		// fields; a marshal failure here means a caller constructed one
		// wrong, a programming error rather than a runtime condition.
		panic(fmt.Sprintf("ipc: marshal %s payload: %v", kind, err))
	}
	return Envelope{Kind: kind, Payload: raw}
}

// Decode unmarshals env's Payload into dst.
func Decode(env Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("ipc: %s envelope has no payload", env.Kind)
	}
	return json.Unmarshal(env.Payload, dst)
}
