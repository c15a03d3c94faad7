// Copyright (c) 2024 the waterfall5 authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package platform is the capability boundary for low-level socket
// manipulation the desync pipeline needs: hop-limit (TTL) control,
// out-of-band sends, device binding, and SACK suppression. Every
// operation degrades to a logged no-op on platforms that lack the
// primitive, per spec.md §4.6 "TTL/OOB platform contract".
package platform

import (
	"net"
	"syscall"
)

// Control is implemented per-OS; Linux gets the real syscalls, every
// other GOOS gets warn-once no-ops (see platform_other.go).
type Control interface {
	// SetTTL sets the IP (IPv4) or hop-limit (IPv6) field for the next
	// write on conn.
	SetTTL(conn *net.TCPConn, ttl int) error
	// SendOOB writes data as urgent/out-of-band data on conn.
	SendOOB(conn *net.TCPConn, data []byte) error
	// BindControl returns a Dialer.Control func that binds the socket
	// to a named interface (a no-op for "" or "default"): via
	// SO_BINDTODEVICE on Linux, and elsewhere by binding to the
	// interface's address.
	BindControl(iface string) func(network, address string, c syscall.RawConn) error
	// SuppressSACK attaches the classic BPF program ported from the
	// original disable_sack: it accepts a received segment only if its
	// TCP data offset indicates a long option list or its SACK-kind
	// marker byte is present at the expected offset, and rejects every
	// other segment at the socket. This mirrors the original's filter
	// exactly, quirks included; see internal/platform/platform_linux.go.
	SuppressSACK(conn *net.TCPConn) error
	// ReusePortControl returns a ListenConfig.Control func that sets
	// SO_REUSEPORT before bind, or nil where unsupported.
	ReusePortControl() func(network, address string, c syscall.RawConn) error
	// RelaxDualStack clears IPV6_V6ONLY on an IPv6 socket, mirroring
	// the original implementation's unconditional relaxation on every
	// IPv6 connect (SPEC_FULL.md §10 "IPv6 dual-stack relaxation").
	RelaxDualStack(network, address string, c syscall.RawConn) error
}

// Default is the process-wide platform implementation, selected at
// compile time by GOOS-suffixed files (platform_linux.go /
// platform_other.go).
var Default Control = newDefault()
