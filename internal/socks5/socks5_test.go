// Copyright (c) 2024 the waterfall5 authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package socks5

import (
	"net"
	"testing"

	"github.com/txthinking/socks5"
)

func pipePair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		acceptCh <- c
	}()
	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return c, <-acceptCh
}

func TestGreetingRepliesNoAuth(t *testing.T) {
	client, server := pipePair(t)
	defer client.Close()
	defer server.Close()

	go client.Write([]byte{0x05, 0x01, 0x00})

	if err := Greeting(server); err != nil {
		t.Fatalf("Greeting: %v", err)
	}

	reply := make([]byte, 2)
	if _, err := readFull(client, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[0] != 0x05 || reply[1] != 0x00 {
		t.Fatalf("expected [0x05,0x00], got %x", reply)
	}
}

func TestParseRequestIPv4Connect(t *testing.T) {
	client, server := pipePair(t)
	defer client.Close()
	defer server.Close()

	go client.Write([]byte{0x05, 0x01, 0x00, 0x01, 93, 184, 216, 34, 0x01, 0xBB})

	req, err := ParseRequest(server)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.Cmd != socks5.CmdConnect {
		t.Fatalf("expected CmdConnect, got %d", req.Cmd)
	}
	if req.AddrType != socks5.ATYPIPv4 {
		t.Fatalf("expected ATYPIPv4, got %d", req.AddrType)
	}
	if req.Port != 443 {
		t.Fatalf("expected port 443, got %d", req.Port)
	}
	if req.IP.String() != "93.184.216.34" {
		t.Fatalf("expected 93.184.216.34, got %s", req.IP)
	}
}

func TestParseRequestDomain(t *testing.T) {
	client, server := pipePair(t)
	defer client.Close()
	defer server.Close()

	domain := "example.com"
	pkt := append([]byte{0x05, 0x01, 0x00, 0x03, byte(len(domain))}, domain...)
	pkt = append(pkt, 0x01, 0xBB)
	go client.Write(pkt)

	req, err := ParseRequest(server)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.Domain != domain {
		t.Fatalf("expected domain %q, got %q", domain, req.Domain)
	}
}

func TestParseRequestUnsupportedATYP(t *testing.T) {
	client, server := pipePair(t)
	defer client.Close()
	defer server.Close()

	go client.Write([]byte{0x05, 0x01, 0x00, 0x7F})

	if _, err := ParseRequest(server); err == nil {
		t.Fatal("expected an error for an unsupported ATYP")
	}
}

func TestParseRequestUDPAssociate(t *testing.T) {
	client, server := pipePair(t)
	defer client.Close()
	defer server.Close()

	go client.Write([]byte{0x05, 0x03, 0x00, 0x01, 0, 0, 0, 0, 0, 0})

	req, err := ParseRequest(server)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if !req.IsUDP() {
		t.Fatal("expected IsUDP to be true for a UDP ASSOCIATE request")
	}
}

func TestWriteConnectReplyEchoesDomain(t *testing.T) {
	client, server := pipePair(t)
	defer client.Close()
	defer server.Close()

	req := &Request{AddrType: socks5.ATYPDomain, HostUnprocessed: []byte("example.com"), Port: 443}
	go WriteConnectReply(server, req)

	buf := make([]byte, 4+1+len(req.HostUnprocessed)+2)
	if _, err := readFull(client, buf); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if buf[0] != 0x05 || buf[1] != 0x00 {
		t.Fatalf("expected success reply header, got %x", buf[:2])
	}
	if buf[3] != socks5.ATYPDomain || buf[4] != byte(len(req.HostUnprocessed)) {
		t.Fatalf("expected domain ATYP with length prefix, got %x", buf[3:5])
	}
}

func TestWriteUnsupportedATYPSendsStatus8(t *testing.T) {
	client, server := pipePair(t)
	defer client.Close()
	defer server.Close()

	go WriteUnsupportedATYP(server)

	buf := make([]byte, 10)
	if _, err := readFull(client, buf); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if buf[1] != 0x08 {
		t.Fatalf("expected status 0x08, got 0x%02x", buf[1])
	}
}

func TestWriteUDPAssociateReply(t *testing.T) {
	client, server := pipePair(t)
	defer client.Close()
	defer server.Close()

	relayAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 40000}
	go WriteUDPAssociateReply(server, relayAddr)

	buf := make([]byte, 10)
	if _, err := readFull(client, buf); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if buf[0] != 0x05 || buf[1] != 0x00 || buf[3] != socks5.ATYPIPv4 {
		t.Fatalf("unexpected reply header: %x", buf[:4])
	}
	port := uint16(buf[8])<<8 | uint16(buf[9])
	if port != 40000 {
		t.Fatalf("expected port 40000, got %d", port)
	}
}
