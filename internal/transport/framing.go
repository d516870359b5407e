// SPDX-License-Identifier: GPL-3.0-or-later
//
// Grounded on: bassosimone/nop's dnsovertcp.go (reading a length-prefixed
// message off a stream socket one frame at a time), generalized here from
// DNS-over-TCP's 2-byte length prefix to SOME/IP's own 32-bit length field.

package transport

import (
	"fmt"
	"io"

	"github.com/basso-someip/someipyd/internal/wire"
)

// maxFrameSize bounds one TCP-framed SOME/IP message, guarding against a
// peer claiming an unbounded length field (spec §4.2's framing-error rule:
// "framing errors terminate the connection").
const maxFrameSize = 1 << 20

// ReadFramedMessage reads exactly one SOME/IP message off r, using the
// message's own 32-bit length field as the frame boundary rather than any
// additional wrapper (spec §4.2: "reading the 8-byte prefix, extracting the
// 32-bit length, and reading exactly length+8 bytes"). TCP has no inherent
// message boundary the way a UDP datagram does, so the wire header supplies
// one. The returned bytes are a complete message ready for
// [wire.DecodeMessage].
func ReadFramedMessage(r io.Reader) ([]byte, error) {
	prefix := make([]byte, 8)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, err
	}
	total, ok := wire.PeekLength(prefix)
	if !ok || total < 8 {
		return nil, fmt.Errorf("transport: malformed frame prefix")
	}
	if total > maxFrameSize {
		return nil, fmt.Errorf("transport: frame of %d bytes exceeds max size %d", total, maxFrameSize)
	}
	buf := make([]byte, total)
	copy(buf, prefix)
	if _, err := io.ReadFull(r, buf[8:]); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteFramedMessage writes buf (a complete, already-encoded SOME/IP
// message) to w. TCP framing needs no additional wrapper beyond the
// message's own length field, so this is a direct write; the helper exists
// so call sites read symmetrically with [ReadFramedMessage].
func WriteFramedMessage(w io.Writer, buf []byte) error {
	_, err := w.Write(buf)
	return err
}
