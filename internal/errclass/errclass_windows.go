//go:build windows

//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/common/errclass/windows.go
// (as vendored in bassosimone/nop's errclass/windows.go)
//

package errclass

import (
	"errors"

	"golang.org/x/sys/windows"
)

// classifyErrno classifies a windows syscall.Errno-shaped error, returning
// false when err does not wrap one.
func classifyErrno(err error) (Class, bool) {
	var errno windows.Errno
	if !errors.As(err, &errno) {
		return Unknown, false
	}
	switch errno {
	case windows.WSAECONNREFUSED, windows.WSAETIMEDOUT, windows.WSAENETUNREACH, windows.WSAEHOSTUNREACH,
		windows.WSAECONNRESET, windows.WSAECONNABORTED, windows.WSAENOBUFS, windows.WSAEINTR, windows.WSAENOTCONN:
		return Transient, true
	case windows.WSAEADDRINUSE, windows.WSAEADDRNOTAVAIL, windows.WSAEINVAL, windows.WSAENETDOWN, windows.WSAEPROTONOSUPPORT:
		return Fatal, true
	default:
		return Unknown, true
	}
}
