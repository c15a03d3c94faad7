// Copyright (c) 2024 the waterfall5 authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package relay

import (
	"errors"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/waterfallproxy/waterfall5/internal/blockmarker"
	"github.com/waterfallproxy/waterfall5/internal/config"
	"github.com/waterfallproxy/waterfall5/internal/desync"
)

func tcpPair(t *testing.T) (a, b *net.TCPConn) {
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
	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server := <-acceptCh
	return client.(*net.TCPConn), server.(*net.TCPConn)
}

func TestPipeCopiesBothDirections(t *testing.T) {
	clientSide, clientRemote := tcpPair(t)
	upstreamSide, upstreamRemote := tcpPair(t)
	defer clientRemote.Close()
	defer upstreamRemote.Close()

	snap := config.Default()
	snap.StallIdleMS = 50
	pipeline := desync.New(snap, nil, nil, "TCP", 443)
	tcp := &TCP{Snapshot: snap, Pipeline: pipeline, Marker: blockmarker.New()}

	done := make(chan error, 1)
	go func() { done <- tcp.Pipe(clientSide, upstreamSide, netip.MustParseAddrPort("1.2.3.4:443")) }()

	if _, err := clientRemote.Write([]byte("ping")); err != nil {
		t.Fatalf("write client->upstream: %v", err)
	}
	buf := make([]byte, 16)
	n, err := upstreamRemote.Read(buf)
	if err != nil {
		t.Fatalf("upstream read: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("expected upstream to observe %q, got %q", "ping", buf[:n])
	}

	if _, err := upstreamRemote.Write([]byte("pong")); err != nil {
		t.Fatalf("write upstream->client: %v", err)
	}
	n, err = clientRemote.Read(buf)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(buf[:n]) != "pong" {
		t.Fatalf("expected client to observe %q, got %q", "pong", buf[:n])
	}

	clientRemote.Close()
	upstreamRemote.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Pipe did not return after both sides closed")
	}
}

func TestDownloadDetectsStallWindow(t *testing.T) {
	clientSide, clientRemote := tcpPair(t)
	upstreamSide, upstreamRemote := tcpPair(t)
	defer clientSide.Close()
	defer clientRemote.Close()
	defer upstreamRemote.Close()

	snap := config.Default()
	snap.StallMinBytes = 4
	snap.StallMaxBytes = 4096
	snap.StallIdleMS = 50
	marker := blockmarker.New()
	tcp := &TCP{Snapshot: snap, Pipeline: desync.New(snap, nil, nil, "TCP", 443), Marker: marker}

	peer := netip.MustParseAddrPort("10.0.0.1:443")
	if _, err := upstreamRemote.Write([]byte("hello")); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	err := tcp.download(clientSide, upstreamSide, peer)
	if !errors.Is(err, ErrStallDetected) {
		t.Fatalf("expected ErrStallDetected, got %v", err)
	}
	if !marker.Contains(peer) {
		t.Fatal("expected the stalled peer to be added to the block marker")
	}
}

func TestDownloadReturnsNilOnCleanEOF(t *testing.T) {
	clientSide, clientRemote := tcpPair(t)
	upstreamSide, upstreamRemote := tcpPair(t)
	defer clientSide.Close()
	defer clientRemote.Close()

	snap := config.Default()
	marker := blockmarker.New()
	peer := netip.MustParseAddrPort("10.0.0.1:443")
	marker.Add(peer)
	tcp := &TCP{Snapshot: snap, Pipeline: desync.New(snap, nil, nil, "TCP", 443), Marker: marker}

	upstreamRemote.Close()
	err := tcp.download(clientSide, upstreamSide, peer)
	if err != nil {
		t.Fatalf("expected a clean EOF to return nil, got %v", err)
	}
	if marker.Contains(peer) {
		t.Fatal("expected a clean completion to remove the peer from the block marker")
	}
}

func TestUploadHalfClosesOnEOF(t *testing.T) {
	clientSide, clientRemote := tcpPair(t)
	upstreamSide, upstreamRemote := tcpPair(t)
	defer upstreamRemote.Close()

	snap := config.Default()
	tcp := &TCP{Snapshot: snap, Pipeline: desync.New(snap, nil, nil, "TCP", 443), Marker: blockmarker.New()}

	done := make(chan ioResult, 1)
	go tcp.upload(clientSide, upstreamSide, done)
	clientRemote.Close()

	res := <-done
	if res.err != nil {
		t.Fatalf("expected a clean EOF, got %v", res.err)
	}

	buf := make([]byte, 1)
	if _, err := upstreamRemote.Read(buf); err != io.EOF {
		t.Fatalf("expected upstream to observe EOF after CloseWrite, got %v", err)
	}
}
