//go:build unix

//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/common/errclass/unix.go
// (as vendored in bassosimone/nop's errclass/unix.go)
//

package errclass

import (
	"errors"

	"golang.org/x/sys/unix"
)

// classifyErrno classifies a unix syscall.Errno-shaped error, returning
// false when err does not wrap one.
func classifyErrno(err error) (Class, bool) {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return Unknown, false
	}
	switch errno {
	case unix.ECONNREFUSED, unix.ETIMEDOUT, unix.ENETUNREACH, unix.EHOSTUNREACH,
		unix.ECONNRESET, unix.ECONNABORTED, unix.ENOBUFS, unix.EINTR, unix.ENOTCONN:
		return Transient, true
	case unix.EADDRINUSE, unix.EADDRNOTAVAIL, unix.EINVAL, unix.ENETDOWN, unix.EPROTONOSUPPORT:
		return Fatal, true
	default:
		return Unknown, true
	}
}
