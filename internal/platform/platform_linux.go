// Copyright (c) 2024 the waterfall5 authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

package platform

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

type linuxControl struct{}

func newDefault() Control { return linuxControl{} }

func (linuxControl) SetTTL(conn *net.TCPConn, ttl int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	isV6 := conn.RemoteAddr().(*net.TCPAddr).IP.To4() == nil
	var ctlErr error
	err = raw.Control(func(fd uintptr) {
		if isV6 {
			ctlErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_UNICAST_HOPS, ttl)
		} else {
			ctlErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TTL, ttl)
		}
	})
	if err != nil {
		return err
	}
	return ctlErr
}

func (linuxControl) SendOOB(conn *net.TCPConn, data []byte) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var ctlErr error
	err = raw.Control(func(fd uintptr) {
		ctlErr = unix.Send(int(fd), data, unix.MSG_OOB)
	})
	if err != nil {
		return err
	}
	return ctlErr
}

func (linuxControl) BindControl(iface string) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		if iface == "" || iface == "default" {
			return nil
		}
		var ctlErr error
		err := c.Control(func(fd uintptr) {
			ctlErr = unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, iface)
		})
		if err != nil {
			return err
		}
		if ctlErr != nil {
			return fmt.Errorf("platform: SO_BINDTODEVICE %s: %w", iface, ctlErr)
		}
		return nil
	}
}

func (linuxControl) SuppressSACK(conn *net.TCPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	filter, err := dropSACKFilter()
	if err != nil {
		return err
	}
	var ctlErr error
	err = raw.Control(func(fd uintptr) {
		ctlErr = unix.SetsockoptSockFprog(int(fd), unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, filter)
	})
	if err != nil {
		return err
	}
	return ctlErr
}

// dropSACKFilter assembles the classic BPF program: load the TCP data
// offset at byte 12, accept outright if it indicates a long option
// list (>=11 words), else inspect the option byte at a fixed offset
// and accept only if it is kind 5 (SACK) there too; anything else is
// rejected at the socket.
func dropSACKFilter() (*unix.SockFprog, error) {
	raw := []bpf.Instruction{
		bpf.LoadAbsolute{Off: 12, Size: 1},
		bpf.ALUOpConstant{Op: bpf.ALUOpShiftRight, Val: 4},
		bpf.JumpIf{Cond: bpf.JumpGreaterOrEqual, Val: 11, SkipTrue: 3},
		bpf.LoadAbsolute{Off: 34, Size: 1},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 5, SkipTrue: 1},
		bpf.RetConstant{Val: 0},
		bpf.RetConstant{Val: 0x40000},
	}
	assembled, err := bpf.Assemble(raw)
	if err != nil {
		return nil, err
	}
	prog := make([]unix.SockFilter, len(assembled))
	for i, ins := range assembled {
		prog[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	return &unix.SockFprog{
		Len:    uint16(len(prog)),
		Filter: &prog[0],
	}, nil
}

func (linuxControl) RelaxDualStack(network, address string, c syscall.RawConn) error {
	if network != "tcp6" && network != "udp6" {
		return nil
	}
	var ctlErr error
	err := c.Control(func(fd uintptr) {
		ctlErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
	})
	if err != nil {
		return err
	}
	return ctlErr
}

func (linuxControl) ReusePortControl() func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var ctlErr error
		err := c.Control(func(fd uintptr) {
			ctlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		})
		if err != nil {
			return err
		}
		return ctlErr
	}
}
