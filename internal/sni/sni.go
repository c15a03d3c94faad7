// Copyright (c) 2024 the waterfall5 authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package sni locates the server_name extension inside a TLS
// ClientHello record using the heuristic byte scan described in
// spec.md §4.1. It never panics and never allocates beyond what the
// caller already owns.
package sni

// Locate returns the half-open byte range [start, end) of the
// server_name value inside buf, or (0, 0) if none is found or buf
// does not look like a ClientHello.
func Locate(buf []byte) (start, end int) {
	n := len(buf)
	if n == 0 {
		return 0, 0
	}
	if buf[0] != 0x16 { // not a Handshake record
		return 0, 0
	}
	if n < 48 {
		return 0, 0
	}
	if buf[5] != 0x01 { // not ClientHello
		return 0, 0
	}

	for i := 0; i < n-8; i++ {
		if buf[i] != 0 || buf[i+1] != 0 {
			continue
		}
		if buf[i+7] != 0 {
			continue
		}
		if int16(buf[i+3])-int16(buf[i+5]) != 2 {
			continue
		}
		l := int(buf[i+8])
		if l <= 0 || l >= 256 {
			continue
		}
		if i+9+l > n {
			continue
		}
		return i + 9, i + 9 + l
	}
	return 0, 0
}
