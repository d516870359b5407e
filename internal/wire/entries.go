// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import "encoding/binary"

// Wire entry type bytes (spec §4.1). TTL distinguishes Offer from
// Stop-Offer, and Subscribe-Ack from Subscribe-Nack, within the same wire type.
const (
	entryTypeFind              uint8 = 0x00
	entryTypeOfferOrStop       uint8 = 0x01
	entryTypeSubscribeOrStop   uint8 = 0x06
	entryTypeSubscribeAckOrNak uint8 = 0x07
)

// EntryKind is the semantic entry kind after TTL disambiguation, the shape
// the SD Engine (spec §4.3) actually branches on.
type EntryKind int

const (
	EntryFindService EntryKind = iota
	EntryOfferService
	EntryStopOffer
	EntrySubscribeEventgroup
	EntryStopSubscribe
	EntrySubscribeEventgroupAck
	EntrySubscribeNack
)

// entrySize is the fixed 16-byte SD entry layout.
const entrySize = 16

// Entry is a decoded SD entry (spec §4.1, §4.3).
//
// Minor is valid for Find/Offer entries. EventGroupID and Counter are valid
// for Subscribe/SubscribeAck entries. Index1/Num1/Index2/Num2 are the raw
// "first and second option run" indices into the SD message's shared
// options array; use [SDMessage.ResolveRuns] to turn them into option slices.
type Entry struct {
	Type   uint8
	Index1 uint8
	Num1   uint8
	Index2 uint8
	Num2   uint8

	ServiceID  uint16
	InstanceID uint16
	Major      uint8
	TTL        uint32 // 24-bit on the wire

	Minor        uint32
	EventGroupID uint16
	Counter      uint8 // 4-bit "initial data requested" counter
}

// Kind classifies e using its Type byte and TTL (TTL==0 means Stop-*).
func (e Entry) Kind() (EntryKind, error) {
	switch e.Type {
	case entryTypeFind:
		return EntryFindService, nil
	case entryTypeOfferOrStop:
		if e.TTL == 0 {
			return EntryStopOffer, nil
		}
		return EntryOfferService, nil
	case entryTypeSubscribeOrStop:
		if e.TTL == 0 {
			return EntryStopSubscribe, nil
		}
		return EntrySubscribeEventgroup, nil
	case entryTypeSubscribeAckOrNak:
		if e.TTL == 0 {
			return EntrySubscribeNack, nil
		}
		return EntrySubscribeEventgroupAck, nil
	default:
		return 0, newDecodeError(ErrUnknownEntryType, "")
	}
}

// NewEntry builds an Entry for kind with the common fields, leaving the
// caller to set Minor or EventGroupID/Counter as appropriate, and the option
// run indices to be filled in by the encoder (see sdbuilder.go).
func NewEntry(kind EntryKind, serviceID, instanceID uint16, major uint8, ttl uint32) Entry {
	e := Entry{ServiceID: serviceID, InstanceID: instanceID, Major: major, TTL: ttl}
	switch kind {
	case EntryFindService:
		e.Type = entryTypeFind
	case EntryOfferService, EntryStopOffer:
		e.Type = entryTypeOfferOrStop
	case EntrySubscribeEventgroup, EntryStopSubscribe:
		e.Type = entryTypeSubscribeOrStop
	case EntrySubscribeEventgroupAck, EntrySubscribeNack:
		e.Type = entryTypeSubscribeAckOrNak
	}
	return e
}

// EncodeEntry serializes e into its fixed 16-byte wire layout.
func EncodeEntry(e Entry) []byte {
	buf := make([]byte, entrySize)
	buf[0] = e.Type
	buf[1] = e.Index1
	buf[2] = e.Index2
	buf[3] = (e.Num1 << 4) | (e.Num2 & 0x0F)
	binary.BigEndian.PutUint16(buf[4:6], e.ServiceID)
	binary.BigEndian.PutUint16(buf[6:8], e.InstanceID)
	buf[8] = e.Major
	buf[9] = byte(e.TTL >> 16)
	buf[10] = byte(e.TTL >> 8)
	buf[11] = byte(e.TTL)
	switch e.Type {
	case entryTypeFind, entryTypeOfferOrStop:
		binary.BigEndian.PutUint32(buf[12:16], e.Minor)
	case entryTypeSubscribeOrStop, entryTypeSubscribeAckOrNak:
		buf[12] = 0
		buf[13] = e.Counter & 0x0F
		binary.BigEndian.PutUint16(buf[14:16], e.EventGroupID)
	}
	return buf
}

// DecodeEntry parses one fixed-size 16-byte SD entry from the start of buf.
func DecodeEntry(buf []byte) (Entry, error) {
	if len(buf) < entrySize {
		return Entry{}, newDecodeError(ErrTruncatedSDPayload, "entry shorter than 16 bytes")
	}
	e := Entry{
		Type:       buf[0],
		Index1:     buf[1],
		Index2:     buf[2],
		Num1:       buf[3] >> 4,
		Num2:       buf[3] & 0x0F,
		ServiceID:  binary.BigEndian.Uint16(buf[4:6]),
		InstanceID: binary.BigEndian.Uint16(buf[6:8]),
		Major:      buf[8],
		TTL:        uint32(buf[9])<<16 | uint32(buf[10])<<8 | uint32(buf[11]),
	}
	switch e.Type {
	case entryTypeFind, entryTypeOfferOrStop:
		e.Minor = binary.BigEndian.Uint32(buf[12:16])
	case entryTypeSubscribeOrStop, entryTypeSubscribeAckOrNak:
		e.Counter = buf[13] & 0x0F
		e.EventGroupID = binary.BigEndian.Uint16(buf[14:16])
	default:
		return Entry{}, newDecodeError(ErrUnknownEntryType, "")
	}
	return e, nil
}

// DecodeEntriesArray decodes a flat run of fixed-size entries.
func DecodeEntriesArray(buf []byte) ([]Entry, error) {
	if len(buf)%entrySize != 0 {
		return nil, newDecodeError(ErrTruncatedSDPayload, "entries array is not a multiple of 16 bytes")
	}
	entries := make([]Entry, 0, len(buf)/entrySize)
	for len(buf) > 0 {
		e, err := DecodeEntry(buf[:entrySize])
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
		buf = buf[entrySize:]
	}
	return entries, nil
}

// EncodeEntriesArray serializes a slice of entries back-to-back.
func EncodeEntriesArray(entries []Entry) []byte {
	buf := make([]byte, 0, len(entries)*entrySize)
	for _, e := range entries {
		buf = append(buf, EncodeEntry(e)...)
	}
	return buf
}
