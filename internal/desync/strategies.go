// Copyright (c) 2024 the waterfall5 authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package desync

import (
	"bytes"
	"fmt"

	"github.com/waterfallproxy/waterfall5/internal/admin"
	"github.com/waterfallproxy/waterfall5/internal/config"
	"github.com/waterfallproxy/waterfall5/internal/platform"
	"github.com/waterfallproxy/waterfall5/internal/wlog"
)

// sendDrop implements spec.md §4.6 "TTL envelope": set TTL to
// fake-packet TTL, write one byte (OOB if asOOB), restore TTL.
func sendDrop(conn Conn, data []byte, snap *config.Snapshot, asOOB bool) error {
	if err := platform.Default.SetTTL(conn, snap.FakePacketTTL); err != nil {
		wlog.WarnOnce("desync-ttl", "desync: set fake-packet TTL: %v", err)
	}
	defer restoreTTL(conn, snap)

	if len(data) == 0 {
		return nil
	}
	if asOOB {
		return platform.Default.SendOOB(conn, data[:1])
	}
	_, err := conn.Write(data[:1])
	return err
}

// sendDuplicate implements spec.md §4.6: TTL=1, write full data,
// restore TTL.
func sendDuplicate(conn Conn, data []byte, snap *config.Snapshot) error {
	if len(data) == 0 {
		return nil
	}
	if err := platform.Default.SetTTL(conn, 1); err != nil {
		wlog.WarnOnce("desync-ttl", "desync: set disorder TTL: %v", err)
	}
	defer restoreTTL(conn, snap)

	_, err := conn.Write(data)
	return err
}

func restoreTTL(conn Conn, snap *config.Snapshot) {
	if err := platform.Default.SetTTL(conn, snap.DefaultTTL); err != nil {
		wlog.WarnOnce("desync-ttl", "desync: restore default TTL: %v", err)
	}
}

// writeOOB sends data with the OOB (urgent) flag set; it does not
// alter TTL (spec.md §4.6 "write_oob_multi").
func writeOOB(conn Conn, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return platform.Default.SendOOB(conn, data)
}

// sendFakeClientHello sends the decoy preamble built from the
// configured fake-clienthello SNI, never the connection's real SNI,
// so the decoy carries no information about the actual destination.
func (p *Pipeline) sendFakeClientHello(conn Conn) error {
	hello := canonicalFakeClientHello(p.Snapshot.FakeClientHelloSNI)
	return sendDrop(conn, hello, p.Snapshot, p.Snapshot.FakeAsOOB)
}

// canonicalFakeClientHello builds a minimal-looking TLS 1.2 ClientHello
// record carrying host as its server_name extension, following the
// same byte layout sni.Locate expects so the preamble looks legitimate
// to a passive observer.
func canonicalFakeClientHello(host string) []byte {
	var ext bytes.Buffer
	ext.Write([]byte{0x00, 0x00})              // extension type: server_name
	ext.Write([]byte{0x00, 0x02})               // extension length (placeholder, matches scanner relation)
	ext.Write([]byte{0x00, 0x00})               // server name list length
	ext.WriteByte(0x00)                          // name type: host_name
	ext.WriteByte(0x00)                          // must-be-zero byte the scanner checks
	ext.WriteByte(byte(len(host)))
	ext.WriteString(host)

	buf := make([]byte, 9)
	buf[0] = 0x16 // handshake
	buf[1] = 0x03
	buf[2] = 0x01
	buf[5] = 0x01 // ClientHello
	buf = append(buf, ext.Bytes()...)
	for len(buf) < 48 {
		buf = append(buf, 0x00)
	}
	return buf
}

// dispatch runs one strategy against current, writing any raw bytes
// to conn now and returning the buffer that still needs to be sent.
func (p *Pipeline) dispatch(conn Conn, st config.Strategy, current []byte, sniStart, _ int) ([]byte, error) {
	admin.IncStrategyInvocation(st.Method)

	middle := splitPoint(st, sniStart)
	part0, part1 := split(current, middle)

	switch st.Method {
	case MethodNone, "":
		return current, nil

	case MethodSplit:
		if _, err := conn.Write(part0); err != nil {
			return nil, err
		}
		return part1, nil

	case MethodDisorder:
		if err := sendDuplicate(conn, part0, p.Snapshot); err != nil {
			return nil, err
		}
		return part1, nil

	case MethodDisorder2:
		if _, err := conn.Write(part0); err != nil {
			return nil, err
		}
		if err := sendDuplicate(conn, part1, p.Snapshot); err != nil {
			return nil, err
		}
		return nil, nil

	case MethodFake:
		partDst := part1
		if p.Snapshot.FakePacketReversed {
			partDst = part0
		}
		if err := sendDuplicate(conn, part0, p.Snapshot); err != nil {
			return nil, err
		}
		if err := sendDrop(conn, fakeified(partDst, p.Snapshot), p.Snapshot, p.Snapshot.FakeAsOOB); err != nil {
			return nil, err
		}
		return part1, nil

	case MethodFakeMD:
		partDst := part1
		if p.Snapshot.FakePacketReversed {
			partDst = part0
		}
		if _, err := conn.Write(part0); err != nil {
			return nil, err
		}
		if err := sendDrop(conn, fakeified(partDst, p.Snapshot), p.Snapshot, p.Snapshot.FakeAsOOB); err != nil {
			return nil, err
		}
		return part1, nil

	case MethodFake2Insert:
		if _, err := conn.Write(part0); err != nil {
			return nil, err
		}
		if err := sendDrop(conn, fakeified(part1, p.Snapshot), p.Snapshot, p.Snapshot.FakeAsOOB); err != nil {
			return nil, err
		}
		return part1, nil

	case MethodFake2Disorder:
		if _, err := conn.Write(part0); err != nil {
			return nil, err
		}
		if err := sendDrop(conn, fakeified(part1, p.Snapshot), p.Snapshot, p.Snapshot.FakeAsOOB); err != nil {
			return nil, err
		}
		if err := sendDuplicate(conn, part1, p.Snapshot); err != nil {
			return nil, err
		}
		return nil, nil

	case MethodFakeSurround:
		partDst := part1
		if p.Snapshot.FakePacketReversed {
			partDst = part0
		}
		if err := sendDrop(conn, fakeified(partDst, p.Snapshot), p.Snapshot, p.Snapshot.FakeAsOOB); err != nil {
			return nil, err
		}
		if _, err := conn.Write(part0); err != nil {
			return nil, err
		}
		if err := sendDrop(conn, fakeified(partDst, p.Snapshot), p.Snapshot, p.Snapshot.FakeAsOOB); err != nil {
			return nil, err
		}
		return part1, nil

	case MethodMeltdown:
		if err := sendDuplicate(conn, current, p.Snapshot); err != nil {
			return nil, err
		}
		return nil, nil

	case MethodOOB:
		payload := append(append([]byte(nil), part0...), p.Snapshot.OOBMarkerByte)
		if err := writeOOB(conn, payload); err != nil {
			return nil, err
		}
		return part1, nil

	case MethodOOB2:
		if err := platform.Default.SetTTL(conn, 1); err != nil {
			wlog.WarnOnce("desync-ttl", "desync: OOB2 TTL=1: %v", err)
		}
		payload := append(append([]byte(nil), part0...), p.Snapshot.OOBMarkerByte)
		oobErr := writeOOB(conn, payload)
		restoreTTL(conn, p.Snapshot)
		if oobErr != nil {
			return nil, oobErr
		}
		if err := sendDuplicate(conn, part1, p.Snapshot); err != nil {
			return nil, err
		}
		return nil, nil

	case MethodDisOOB:
		if err := platform.Default.SetTTL(conn, 1); err != nil {
			wlog.WarnOnce("desync-ttl", "desync: DISOOB TTL=1: %v", err)
		}
		payload := append(append([]byte(nil), part0...), p.Snapshot.OOBMarkerByte)
		oobErr := writeOOB(conn, payload)
		restoreTTL(conn, p.Snapshot)
		if oobErr != nil {
			return nil, oobErr
		}
		return part1, nil

	case MethodOOBStreamHell:
		if _, err := conn.Write(part0); err != nil {
			return nil, err
		}
		for _, b := range p.Snapshot.OOBStreamHellData {
			if err := writeOOB(conn, []byte{b}); err != nil {
				return nil, err
			}
		}
		return part1, nil

	case MethodFragTLS:
		return fragTLS(current, middle), nil

	case MethodTrail, MethodMeltdownUDP:
		wlog.WarnOnce("desync-"+st.Method, "desync: strategy %s is unimplemented upstream, treating as no-op", st.Method)
		return current, nil

	default:
		return nil, fmt.Errorf("unknown strategy method %q", st.Method)
	}
}

// fragTLS re-fragments a TLS record in place per spec.md §4.6: strip
// the 5-byte header, split the payload at middle, re-emit as two
// records sharing the original version.
func fragTLS(data []byte, middle int) []byte {
	if len(data) < 5 || data[0] != 0x16 || data[1] != 0x03 || data[2] != 0x01 {
		return data
	}
	version := data[1:3]
	payload := data[5:]
	if middle <= 0 || middle >= len(payload) {
		return data
	}
	p0, p1 := payload[:middle], payload[middle:]

	out := make([]byte, 0, len(data)+5)
	out = append(out, 0x16)
	out = append(out, version...)
	out = append(out, byte(len(p0)>>8), byte(len(p0)))
	out = append(out, p0...)
	out = append(out, 0x16)
	out = append(out, version...)
	out = append(out, byte(len(p1)>>8), byte(len(p1)))
	out = append(out, p1...)
	return out
}
