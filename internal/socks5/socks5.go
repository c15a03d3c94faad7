// Copyright (c) 2024 the waterfall5 authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package socks5 implements the SOCKS5 front-end state machine of
// spec.md §4.10: greeting, request parsing, destination parsing, and
// reply synthesis. ATYP/CMD byte values come from
// github.com/txthinking/socks5; the handshake sequences themselves are
// written directly against net.Conn.
package socks5

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/txthinking/socks5"
)

// ErrUnsupportedATYP signals an address type outside {1,3,4}; the
// caller replies with [0x05,0x08,...] and closes.
var ErrUnsupportedATYP = errors.New("socks5: unsupported address type")

// Request is the parsed request of spec.md §3's IpParser, minus DNS
// resolution (host_raw is filled in later by the router/resolver).
type Request struct {
	Cmd      byte
	AddrType byte // 1=IPv4, 3=domain, 4=IPv6

	Domain string     // set when AddrType == ATYPDomain
	IP     netip.Addr // set when AddrType is IPv4/IPv6

	HostUnprocessed []byte // original wire bytes for the address field, for echoing in the reply
	Port            uint16
}

// IsUDP reports whether this request is a UDP ASSOCIATE.
func (r *Request) IsUDP() bool { return r.Cmd == socks5.CmdUDP }

// Greeting implements spec.md §4.10: read the 2-byte greeting header
// and its nmethods method bytes, reply [0x05,0x00] (no-auth) unconditionally since the
// front-end supports only the no-auth method.
func Greeting(conn net.Conn) error {
	head := make([]byte, 2)
	if _, err := readFull(conn, head); err != nil {
		return fmt.Errorf("socks5: read greeting header: %w", err)
	}
	if head[0] != 0x05 {
		return fmt.Errorf("socks5: unsupported protocol version 0x%02x", head[0])
	}
	nmethods := int(head[1])
	if nmethods > 0 {
		methods := make([]byte, nmethods)
		if _, err := readFull(conn, methods); err != nil {
			return fmt.Errorf("socks5: read greeting methods: %w", err)
		}
	}
	_, err := conn.Write([]byte{0x05, 0x00})
	return err
}

// ParseRequest reads the SOCKS5 request (VER CMD RSV ATYP ADDR PORT)
// and returns the parsed Request, without performing any DNS
// resolution.
func ParseRequest(conn net.Conn) (*Request, error) {
	head := make([]byte, 4)
	if _, err := readFull(conn, head); err != nil {
		return nil, fmt.Errorf("socks5: read request header: %w", err)
	}
	if head[0] != 0x05 {
		return nil, fmt.Errorf("socks5: unsupported protocol version 0x%02x", head[0])
	}

	req := &Request{Cmd: head[1], AddrType: head[3]}

	switch req.AddrType {
	case socks5.ATYPIPv4:
		raw := make([]byte, 4)
		if _, err := readFull(conn, raw); err != nil {
			return nil, fmt.Errorf("socks5: read IPv4 address: %w", err)
		}
		req.IP = netip.AddrFrom4([4]byte(raw))
		req.HostUnprocessed = raw
	case socks5.ATYPIPv6:
		raw := make([]byte, 16)
		if _, err := readFull(conn, raw); err != nil {
			return nil, fmt.Errorf("socks5: read IPv6 address: %w", err)
		}
		req.IP = netip.AddrFrom16([16]byte(raw))
		req.HostUnprocessed = raw
	case socks5.ATYPDomain:
		lb := make([]byte, 1)
		if _, err := readFull(conn, lb); err != nil {
			return nil, fmt.Errorf("socks5: read domain length: %w", err)
		}
		raw := make([]byte, int(lb[0]))
		if _, err := readFull(conn, raw); err != nil {
			return nil, fmt.Errorf("socks5: read domain: %w", err)
		}
		req.Domain = string(raw)
		req.HostUnprocessed = raw
	default:
		return nil, ErrUnsupportedATYP
	}

	portBytes := make([]byte, 2)
	if _, err := readFull(conn, portBytes); err != nil {
		return nil, fmt.Errorf("socks5: read port: %w", err)
	}
	req.Port = uint16(portBytes[0])<<8 | uint16(portBytes[1])
	return req, nil
}

// WriteConnectReply builds the synthetic CONNECT reply of spec.md
// §4.10: [0x05,0x00,0x00,ATYP,ADDR,PORT_BE], echoing the request's
// original (unresolved) address bytes.
func WriteConnectReply(conn net.Conn, req *Request) error {
	buf := make([]byte, 0, 4+1+len(req.HostUnprocessed)+2)
	buf = append(buf, 0x05, 0x00, 0x00, req.AddrType)
	if req.AddrType == socks5.ATYPDomain {
		buf = append(buf, byte(len(req.HostUnprocessed)))
	}
	buf = append(buf, req.HostUnprocessed...)
	buf = append(buf, byte(req.Port>>8), byte(req.Port))
	_, err := conn.Write(buf)
	return err
}

// WriteUDPAssociateReply implements spec.md §4.9: reply with
// [5,0,0,ATYP,IP,PORT] pointing at the bound relay socket.
func WriteUDPAssociateReply(conn net.Conn, relayAddr *net.UDPAddr) error {
	addr, ok := netip.AddrFromSlice(relayAddr.IP)
	if !ok {
		return fmt.Errorf("socks5: invalid relay address %v", relayAddr.IP)
	}
	addr = addr.Unmap()

	atyp := byte(socks5.ATYPIPv4)
	var raw []byte
	if addr.Is4() {
		b := addr.As4()
		raw = b[:]
	} else {
		atyp = socks5.ATYPIPv6
		b := addr.As16()
		raw = b[:]
	}

	buf := make([]byte, 0, 4+len(raw)+2)
	buf = append(buf, 0x05, 0x00, 0x00, atyp)
	buf = append(buf, raw...)
	buf = append(buf, byte(relayAddr.Port>>8), byte(relayAddr.Port))
	_, err := conn.Write(buf)
	return err
}

// WriteUnsupportedATYP implements spec.md §4.10's "unknown ATYP ->
// reply with [0x05,0x08,...] and close".
func WriteUnsupportedATYP(conn net.Conn) error {
	_, err := conn.Write([]byte{0x05, 0x08, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	return err
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		k, err := conn.Read(buf[n:])
		n += k
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

