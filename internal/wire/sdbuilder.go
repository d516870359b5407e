// SPDX-License-Identifier: GPL-3.0-or-later

package wire

// Builder accumulates entries and deduplicated options for one SD message
// (spec §4.1: "the codec maintains an options table keyed by (kind,
// address, port, transport) during one SD-message build; identical options
// must reference the same index"). Use [NewBuilder], then [Builder.AddEntry]
// once per entry, passing the primary and (optional) secondary endpoint
// options for that entry; finish with [Builder.Build].
type Builder struct {
	flags   SDFlags
	entries []Entry
	options []Option
	index   map[optionKey]uint8
}

// NewBuilder returns an empty [Builder] with the given SD flags.
func NewBuilder(flags SDFlags) *Builder {
	return &Builder{flags: flags, index: make(map[optionKey]uint8)}
}

// internOption returns the index of o in the shared options table,
// appending it only if an equal option has not already been added.
func (b *Builder) internOption(o Option) uint8 {
	key := keyOf(o)
	if idx, ok := b.index[key]; ok {
		return idx
	}
	idx := uint8(len(b.options))
	b.options = append(b.options, o)
	b.index[key] = idx
	return idx
}

// AddEntry appends e to the message, wiring its option-run fields to
// reference primary (run 1) and, if non-empty, secondary (run 2) options,
// deduplicating against every option already added to this builder.
//
// primary is nil for entries with no endpoint option (e.g. a bare
// Find-Service). secondary is used for an entry needing two endpoints
// (spec §4.3's example: separate TCP and UDP endpoints for one service).
func (b *Builder) AddEntry(e Entry, primary, secondary []Option) {
	if len(primary) > 0 {
		e.Index1 = b.internOption(primary[0])
		e.Num1 = uint8(len(primary))
		for _, o := range primary[1:] {
			b.internOption(o)
		}
	}
	if len(secondary) > 0 {
		e.Index2 = b.internOption(secondary[0])
		e.Num2 = uint8(len(secondary))
		for _, o := range secondary[1:] {
			b.internOption(o)
		}
	}
	b.entries = append(b.entries, e)
}

// Build returns the finished [SDMessage].
func (b *Builder) Build() SDMessage {
	return SDMessage{Flags: b.flags, Entries: b.entries, Options: b.options}
}
