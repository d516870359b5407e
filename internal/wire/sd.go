// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import "encoding/binary"

// ServiceDiscovery message-id (spec §4.1, §6.2): message_id = 0xFFFF8100.
const (
	ServiceIDSD uint16 = 0xFFFF
	MethodIDSD  uint16 = 0x8100
)

// sdFlagReboot / sdFlagUnicast are the two meaningful bits of the SD
// flags byte (spec §4.1); all other bits are reserved and must be zero.
const (
	sdFlagReboot  uint8 = 1 << 7
	sdFlagUnicast uint8 = 1 << 6
)

// SDFlags are the two meaningful bits of an SD message's flags byte.
type SDFlags struct {
	Reboot  bool
	Unicast bool
}

func encodeSDFlags(f SDFlags) uint8 {
	var b uint8
	if f.Reboot {
		b |= sdFlagReboot
	}
	if f.Unicast {
		b |= sdFlagUnicast
	}
	return b
}

func decodeSDFlags(b uint8) SDFlags {
	return SDFlags{
		Reboot:  b&sdFlagReboot != 0,
		Unicast: b&sdFlagUnicast != 0,
	}
}

// SDMessage is a decoded SD payload: flags plus the packed entries/options
// arrays of spec §4.1 ("packing of multiple entries with deduplicated
// options into a single SD message").
type SDMessage struct {
	Flags   SDFlags
	Entries []Entry
	Options []Option
}

// NewSDHeader returns the fixed SOME/IP header every SD message uses (spec
// §4.1): message_id = 0xFFFF8100, client_id = session_id = 0, message_type =
// NOTIFICATION, return_code = E_OK.
func NewSDHeader() Header {
	return Header{
		ServiceID:        ServiceIDSD,
		MethodID:         MethodIDSD,
		ClientID:         0,
		SessionID:        0,
		ProtocolVersion:  ProtocolVersion,
		InterfaceVersion: ProtocolVersion,
		MessageType:      MessageTypeNotification,
		ReturnCode:       ReturnCodeOK,
	}
}

// EncodeSD serializes sd into a full SOME/IP [Message] with the SD header.
func EncodeSD(sd SDMessage) Message {
	entriesBuf := EncodeEntriesArray(sd.Entries)
	optionsBuf := EncodeOptionsArray(sd.Options)

	payload := make([]byte, 0, 4+4+len(entriesBuf)+4+len(optionsBuf))
	payload = append(payload, encodeSDFlags(sd.Flags), 0, 0, 0) // flags + 24-bit reserved
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(entriesBuf)))
	payload = append(payload, lenBuf[:]...)
	payload = append(payload, entriesBuf...)
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(optionsBuf)))
	payload = append(payload, lenBuf[:]...)
	payload = append(payload, optionsBuf...)

	return Message{Header: NewSDHeader(), Payload: payload}
}

// DecodeSD parses m's payload as an SD message. m must already have passed
// [DecodeMessage]; DecodeSD additionally checks that m's header matches the
// SD message-id (spec §4.1's ErrWrongMessageID).
func DecodeSD(m Message) (SDMessage, error) {
	if m.Header.ServiceID != ServiceIDSD || m.Header.MethodID != MethodIDSD {
		return SDMessage{}, newDecodeError(ErrWrongMessageID, "")
	}
	buf := m.Payload
	if len(buf) < 8 {
		return SDMessage{}, newDecodeError(ErrTruncatedSDPayload, "shorter than flags+reserved+entries-length")
	}
	flags := decodeSDFlags(buf[0])
	entriesLen := binary.BigEndian.Uint32(buf[4:8])
	buf = buf[8:]
	if uint32(len(buf)) < entriesLen {
		return SDMessage{}, newDecodeError(ErrTruncatedSDPayload, "entries array truncated")
	}
	entries, err := DecodeEntriesArray(buf[:entriesLen])
	if err != nil {
		return SDMessage{}, err
	}
	buf = buf[entriesLen:]
	if len(buf) < 4 {
		return SDMessage{}, newDecodeError(ErrTruncatedSDPayload, "missing options-length field")
	}
	optionsLen := binary.BigEndian.Uint32(buf[0:4])
	buf = buf[4:]
	if uint32(len(buf)) < optionsLen {
		return SDMessage{}, newDecodeError(ErrTruncatedSDPayload, "options array truncated")
	}
	options, err := DecodeOptionsArray(buf[:optionsLen])
	if err != nil {
		return SDMessage{}, err
	}
	return SDMessage{Flags: flags, Entries: entries, Options: options}, nil
}

// ResolveRuns returns the two option runs e references ("first and second
// option run" of spec §4.1/§4.3), bounds-checked against sd.Options.
func (sd SDMessage) ResolveRuns(e Entry) (run1, run2 []Option, err error) {
	run1, err = sd.slice(e.Index1, e.Num1)
	if err != nil {
		return nil, nil, err
	}
	run2, err = sd.slice(e.Index2, e.Num2)
	if err != nil {
		return nil, nil, err
	}
	return run1, run2, nil
}

func (sd SDMessage) slice(index, num uint8) ([]Option, error) {
	if num == 0 {
		return nil, nil
	}
	start := int(index)
	end := start + int(num)
	if start < 0 || end > len(sd.Options) {
		return nil, newDecodeError(ErrOptionIndexOutOfBounds, "")
	}
	return sd.Options[start:end], nil
}
