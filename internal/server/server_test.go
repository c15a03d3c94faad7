// Copyright (c) 2024 the waterfall5 authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package server

import (
	"context"
	"net"
	"net/netip"
	"testing"

	"github.com/waterfallproxy/waterfall5/internal/blockmarker"
	"github.com/waterfallproxy/waterfall5/internal/config"
	"github.com/waterfallproxy/waterfall5/internal/doh"
	"github.com/waterfallproxy/waterfall5/internal/pattern"
	"github.com/waterfallproxy/waterfall5/internal/router"
	wsocks5 "github.com/waterfallproxy/waterfall5/internal/socks5"
)

func testServer(t *testing.T, snap *config.Snapshot) *Server {
	t.Helper()
	marker := blockmarker.New()
	var cache pattern.Cache
	patterns, err := cache.Rules(snap.PatternRules)
	if err != nil {
		t.Fatalf("compile patterns: %v", err)
	}
	return &Server{
		Snapshot: snap,
		Router:   router.New(snap, marker),
		Resolver: doh.New(false),
		Marker:   marker,
		Patterns: patterns,
	}
}

func TestResolveDestinationPrefersFakeDNSOverDoH(t *testing.T) {
	snap := config.Default()
	snap.RouterRules = []config.RouterRule{
		{Scope: router.ScopeDNSQuery, Type: router.TypeFakeDNS, Match: "fake.example", Exec: "10.0.0.9"},
	}
	s := testServer(t, snap)

	req := &wsocks5.Request{Domain: "fake.example", Port: 443}
	dest, err := s.resolveDestination(context.Background(), req)
	if err != nil {
		t.Fatalf("resolveDestination: %v", err)
	}
	if dest.Addr().String() != "10.0.0.9" {
		t.Fatalf("expected FakeDNS override 10.0.0.9, got %s", dest.Addr())
	}
}

func TestResolveDestinationPassesThroughRawIP(t *testing.T) {
	snap := config.Default()
	s := testServer(t, snap)

	req := &wsocks5.Request{IP: netip.MustParseAddr("93.184.216.34"), Port: 443}
	dest, err := s.resolveDestination(context.Background(), req)
	if err != nil {
		t.Fatalf("resolveDestination: %v", err)
	}
	if dest.Addr().String() != "93.184.216.34" || dest.Port() != 443 {
		t.Fatalf("unexpected dest: %s", dest)
	}
}

func TestHandleWritesUnsupportedATYPReply(t *testing.T) {
	snap := config.Default()
	s := testServer(t, snap)

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
	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	server := <-acceptCh

	go func() {
		client.Write([]byte{0x05, 0x01, 0x00})
		greet := make([]byte, 2)
		client.Read(greet)
		client.Write([]byte{0x05, 0x01, 0x00, 0x7F})
	}()

	s.handle(context.Background(), server)

	reply := make([]byte, 10)
	if _, err := readFullTest(client, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[1] != 0x08 {
		t.Fatalf("expected status 0x08, got 0x%02x", reply[1])
	}
}

func readFullTest(conn net.Conn, buf []byte) (int, error) {
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

