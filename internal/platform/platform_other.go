// Copyright (c) 2024 the waterfall5 authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build !linux

package platform

import (
	"net"
	"syscall"

	"github.com/waterfallproxy/waterfall5/internal/wlog"
)

type otherControl struct{}

func newDefault() Control { return otherControl{} }

func (otherControl) SetTTL(conn *net.TCPConn, ttl int) error {
	wlog.WarnOnce("platform-ttl", "platform: TTL control unsupported on this OS, proceeding without it")
	return nil
}

func (otherControl) SendOOB(conn *net.TCPConn, data []byte) error {
	wlog.WarnOnce("platform-oob", "platform: out-of-band send unsupported on this OS, proceeding without it")
	return nil
}

func (otherControl) BindControl(iface string) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		if iface == "" || iface == "default" {
			return nil
		}
		ip, err := ifaceAddr(iface)
		if err != nil {
			wlog.WarnOnce("platform-bindtodevice", "platform: SO_BINDTODEVICE unsupported on this OS, and resolving %q failed: %v", iface, err)
			return nil
		}
		wlog.WarnOnce("platform-bindtodevice", "platform: SO_BINDTODEVICE unsupported on this OS, binding to %s's address instead", iface)

		var ctlErr error
		err = c.Control(func(fd uintptr) {
			if v4 := ip.To4(); v4 != nil {
				var sa syscall.SockaddrInet4
				copy(sa.Addr[:], v4)
				ctlErr = syscall.Bind(int(fd), &sa)
			} else {
				var sa syscall.SockaddrInet6
				copy(sa.Addr[:], ip.To16())
				ctlErr = syscall.Bind(int(fd), &sa)
			}
		})
		if err != nil {
			return err
		}
		return ctlErr
	}
}

func ifaceAddr(name string) (net.IP, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, err
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok {
			return ipn.IP, nil
		}
	}
	return nil, net.InvalidAddrError("no address on interface " + name)
}

func (otherControl) SuppressSACK(conn *net.TCPConn) error {
	wlog.WarnOnce("platform-sack", "platform: SACK suppression unsupported on this OS, proceeding without it")
	return nil
}

func (otherControl) ReusePortControl() func(network, address string, c syscall.RawConn) error {
	return nil
}

func (otherControl) RelaxDualStack(network, address string, c syscall.RawConn) error {
	wlog.WarnOnce("platform-dualstack", "platform: IPv6 dual-stack relaxation unsupported on this OS, proceeding without it")
	return nil
}
