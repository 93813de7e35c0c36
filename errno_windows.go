//go:build windows

//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/common/errclass/windows.go
//

package scannerl

import "golang.org/x/sys/windows"

const (
	errEACCES       = windows.WSAEACCES
	errEADDRINUSE   = windows.WSAEADDRINUSE
	errECONNREFUSED = windows.WSAECONNREFUSED
	errECONNRESET   = windows.WSAECONNRESET
)
