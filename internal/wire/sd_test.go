// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func udpEndpoint(addr string, port uint16) Option {
	return Option{Kind: OptionIPv4Endpoint, Addr: netip.MustParseAddr(addr), Port: port, Transport: TransportUDP}
}

func tcpEndpoint(addr string, port uint16) Option {
	return Option{Kind: OptionIPv4Endpoint, Addr: netip.MustParseAddr(addr), Port: port, Transport: TransportTCP}
}

// TestSDRoundTrip is the round-trip property P1 applied to a full SD message.
func TestSDRoundTrip(t *testing.T) {
	b := NewBuilder(SDFlags{Reboot: true, Unicast: true})
	offer := NewEntry(EntryOfferService, 0x1234, 0x5678, 1, 3)
	offer.Minor = 1
	b.AddEntry(offer, []Option{udpEndpoint("127.0.0.1", 3000)}, nil)

	sub := NewEntry(EntrySubscribeEventgroup, 0x1234, 0x5678, 1, 5)
	sub.EventGroupID = 0x0321
	b.AddEntry(sub, []Option{udpEndpoint("127.0.0.1", 3000)}, nil)

	msg := EncodeSD(b.Build())
	wire := EncodeMessage(msg)

	decodedMsg, err := DecodeMessage(wire)
	require.NoError(t, err)
	sd, err := DecodeSD(decodedMsg)
	require.NoError(t, err)

	assert.True(t, sd.Flags.Reboot)
	assert.True(t, sd.Flags.Unicast)
	require.Len(t, sd.Entries, 2)
	require.Len(t, sd.Options, 1) // same endpoint reused -> deduplicated

	kind, err := sd.Entries[0].Kind()
	require.NoError(t, err)
	assert.Equal(t, EntryOfferService, kind)

	run1, run2, err := sd.ResolveRuns(sd.Entries[0])
	require.NoError(t, err)
	require.Len(t, run1, 1)
	assert.Empty(t, run2)
	assert.Equal(t, "127.0.0.1", run1[0].Addr.String())
	assert.EqualValues(t, 3000, run1[0].Port)
}

// TestSDPacking is end-to-end scenario 5 of spec §8: two local server
// instances on the same endpoint address but different transports pack
// into one SD message with two entries and two (not four) options.
func TestSDPacking(t *testing.T) {
	b := NewBuilder(SDFlags{Unicast: true})
	udpOffer := NewEntry(EntryOfferService, 0x1111, 0x0001, 1, 3)
	b.AddEntry(udpOffer, []Option{udpEndpoint("127.0.0.1", 3000)}, nil)
	tcpOffer := NewEntry(EntryOfferService, 0x2222, 0x0001, 1, 3)
	b.AddEntry(tcpOffer, []Option{tcpEndpoint("127.0.0.1", 3000)}, nil)

	sd := b.Build()
	assert.Len(t, sd.Entries, 2)
	assert.Len(t, sd.Options, 2)
}

func TestStopOfferHasZeroTTL(t *testing.T) {
	e := NewEntry(EntryStopOffer, 1, 1, 1, 0)
	kind, err := e.Kind()
	require.NoError(t, err)
	assert.Equal(t, EntryStopOffer, kind)
}

func TestDecodeSDWrongMessageID(t *testing.T) {
	msg := Message{Header: Header{ServiceID: 0x1234, MethodID: 0x0001, ProtocolVersion: ProtocolVersion}}
	_, err := DecodeSD(msg)
	require.Error(t, err)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, ErrWrongMessageID, de.Kind)
}

func TestResolveRunsOutOfBounds(t *testing.T) {
	sd := SDMessage{Entries: []Entry{{Index1: 5, Num1: 1}}}
	_, _, err := sd.ResolveRuns(sd.Entries[0])
	require.Error(t, err)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, ErrOptionIndexOutOfBounds, de.Kind)
}

func TestUnknownOptionDecodedOpaque(t *testing.T) {
	raw := EncodeOption(Option{Kind: 0x7F, Opaque: []byte{0xAA, 0xBB}})
	opt, n, err := DecodeOption(raw)
	require.NoError(t, err)
	assert.Equal(t, len(raw), n)
	assert.Equal(t, OptionKind(0x7F), opt.Kind)
	assert.Equal(t, []byte{0xAA, 0xBB}, opt.Opaque)
}

func TestUnknownEntryTypeIsDecodeError(t *testing.T) {
	buf := EncodeEntry(Entry{Type: 0x42})
	_, err := DecodeEntry(buf)
	require.Error(t, err)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, ErrUnknownEntryType, de.Kind)
}
