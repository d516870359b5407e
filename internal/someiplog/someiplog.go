// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: bassosimone/nop's slogger.go (the SLogger interface and
// DefaultSLogger no-op stub) and spanid.go (UUIDv7 correlation ids).

// Package someiplog defines the daemon's structured-logging seam.
//
// Every component accepts a [Logger] rather than a concrete *slog.Logger so
// that tests can inject a discarding or recording stub, following the
// teacher's SLogger convention.
package someiplog

import (
	"log/slog"

	"github.com/google/uuid"
)

// Logger abstracts the *slog.Logger behavior this daemon relies on.
//
// This package uses two levels throughout the daemon:
//   - Info for lifecycle and protocol events (offer sent, subscription
//     acked, instance transitions)
//   - Debug for per-tick and per-I/O detail (datagram read, timer fired)
//
// The [*slog.Logger] type satisfies this interface.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) *slog.Logger
}

// Default returns the default [Logger] to use when none is configured: a
// discarding stub, consistent with the teacher's "no output unless
// configured" convention.
func Default() Logger {
	return discard{}
}

type discard struct{}

var _ Logger = discard{}

func (discard) Debug(msg string, args ...any) {}
func (discard) Info(msg string, args ...any)  {}
func (discard) Warn(msg string, args ...any)  {}
func (discard) Error(msg string, args ...any) {}
func (discard) With(args ...any) *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// NewSpanID returns a UUIDv7 identifier for correlating log lines across
// components for one logical operation (one SD exchange, one method call),
// the same way the teacher's NewSpanID correlates one DNS exchange.
//
// This function never returns an error: on the vanishingly rare failure of
// the system random source it falls back to UUIDv4, which is still unique
// for logging purposes even though it loses time-ordering.
func NewSpanID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.New().String()
}
