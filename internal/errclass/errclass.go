// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: bassosimone/nop's errclassifier.go and errclass/{unix,windows}.go,
// which classify raw socket errors into short strings for structured logging.

// Package errclass classifies transport errors into the daemon's error
// taxonomy (spec §7): Transient (retry with backoff) vs Fatal (surface and
// transition the owning instance to Down).
package errclass

import (
	"errors"
	"net"
	"os"
)

// Class is one member of the daemon's transport error taxonomy.
type Class string

const (
	// Transient covers would-block and connection-refused conditions that
	// a caller should retry, typically with backoff.
	Transient Class = "transient"

	// Fatal covers bind failures and similar conditions that cannot be
	// retried without operator intervention.
	Fatal Class = "fatal"

	// Unknown is returned for a nil error or one this package does not recognize.
	Unknown Class = ""
)

// Classify maps err to a [Class].
//
// Platform socket errno values are classified by classifyErrno, implemented
// separately for unix and windows (see errclass_unix.go, errclass_windows.go),
// mirroring the teacher's build-tag split for platform error constants.
//
// A nil error classifies as [Unknown]. An error this package does not
// recognize also classifies as [Unknown]; callers should treat Unknown as
// Fatal when in doubt, since silently retrying an unrecognized condition
// forever is worse than surfacing it.
func Classify(err error) Class {
	if err == nil {
		return Unknown
	}
	if errors.Is(err, net.ErrClosed) {
		return Fatal
	}
	if class, ok := classifyErrno(err); ok {
		return class
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial", "read", "write":
			return Transient
		case "listen":
			return Fatal
		}
	}
	return Unknown
}

// IsTimeout reports whether err is a deadline-exceeded-shaped timeout, used
// by the Method Correlator (spec §4.6) to produce a Timeout error distinct
// from a transport-level Transient error.
func IsTimeout(err error) bool {
	var timeouter interface{ Timeout() bool }
	if errors.As(err, &timeouter) {
		return timeouter.Timeout()
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}
