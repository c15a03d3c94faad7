// Copyright (c) 2024 the waterfall5 authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package server wires the listener/accept loop together with the
// router, resolver, dialer, desync pipeline, and relay layers
// described across spec.md §4, plus the background block-marker purge
// task.
package server

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/waterfallproxy/waterfall5/internal/admin"
	"github.com/waterfallproxy/waterfall5/internal/blockmarker"
	"github.com/waterfallproxy/waterfall5/internal/config"
	"github.com/waterfallproxy/waterfall5/internal/desync"
	"github.com/waterfallproxy/waterfall5/internal/dialer"
	"github.com/waterfallproxy/waterfall5/internal/doh"
	"github.com/waterfallproxy/waterfall5/internal/pattern"
	"github.com/waterfallproxy/waterfall5/internal/relay"
	"github.com/waterfallproxy/waterfall5/internal/router"
	wsocks5 "github.com/waterfallproxy/waterfall5/internal/socks5"
	"github.com/waterfallproxy/waterfall5/internal/wlog"
)

// Server binds the SOCKS5 listener and dispatches each accepted
// connection to the CONNECT or UDP ASSOCIATE path.
type Server struct {
	Snapshot *config.Snapshot
	Router   *router.Router
	Resolver *doh.Resolver
	Marker   *blockmarker.Set
	Patterns []pattern.Rule
}

// New builds a Server from a loaded configuration snapshot.
func New(snap *config.Snapshot) (*Server, error) {
	marker := blockmarker.New()
	rt := router.New(snap, marker)

	var cache pattern.Cache
	patterns, err := cache.Rules(snap.PatternRules)
	if err != nil {
		return nil, fmt.Errorf("server: compile pattern rules: %w", err)
	}

	return &Server{
		Snapshot: snap,
		Router:   rt,
		Resolver: doh.New(snap.IntegratedDoH),
		Marker:   marker,
		Patterns: patterns,
	}, nil
}

// Run binds the listener and serves connections until ctx is
// cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	s.Resolver.Probe(ctx, s.Snapshot.DoHServers)

	clearEvery := time.Duration(s.Snapshot.BlockMarkerClearMinutes) * time.Minute
	if clearEvery <= 0 {
		clearEvery = 60 * time.Minute
	}
	go s.Marker.RunPeriodicClear(ctx, clearEvery)

	addr := fmt.Sprintf("%s:%d", s.Snapshot.BindHost, s.Snapshot.BindPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", addr, err)
	}
	wlog.I("server: listening on %s", addr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("server: accept: %w", err)
			}
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return
	}
	defer tcpConn.Close()

	if err := wsocks5.Greeting(tcpConn); err != nil {
		wlog.D("server: greeting from %s: %v", tcpConn.RemoteAddr(), err)
		return
	}

	req, err := wsocks5.ParseRequest(tcpConn)
	if err != nil {
		if err == wsocks5.ErrUnsupportedATYP {
			if werr := wsocks5.WriteUnsupportedATYP(tcpConn); werr != nil {
				wlog.D("server: write unsupported-atyp reply: %v", werr)
			}
		} else {
			wlog.D("server: parse request from %s: %v", tcpConn.RemoteAddr(), err)
		}
		return
	}

	if req.IsUDP() {
		admin.IncConnections("udp_associate")
		s.handleUDPAssociate(tcpConn, req)
		return
	}
	admin.IncConnections("connect")

	dest, err := s.resolveDestination(ctx, req)
	if err != nil {
		wlog.I("server: resolve %s: %v", requestHost(req), err)
		return
	}

	s.handleConnect(ctx, tcpConn, req, dest)
}

func requestHost(req *wsocks5.Request) string {
	if req.Domain != "" {
		return req.Domain
	}
	return req.IP.String()
}

// resolveDestination fills in the connect destination, consulting the
// router's FakeDNS interjection before falling back to the DoH
// resolver, per spec.md §4.4/§4.10.
func (s *Server) resolveDestination(ctx context.Context, req *wsocks5.Request) (netip.AddrPort, error) {
	if req.Domain == "" {
		return netip.AddrPortFrom(req.IP, req.Port), nil
	}

	if res, ok := s.Router.InterjectDNS(req.Domain); ok {
		addr, ok := netip.AddrFromSlice(res.HostRaw)
		if !ok {
			return netip.AddrPort{}, fmt.Errorf("fakedns rule produced an invalid address for %s", req.Domain)
		}
		return netip.AddrPortFrom(addr, res.Port), nil
	}

	ip, err := s.Resolver.Resolve(ctx, req.Domain, false)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("doh resolve %s: %w", req.Domain, err)
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("unparseable resolved address for %s", req.Domain)
	}
	return netip.AddrPortFrom(addr.Unmap(), req.Port), nil
}

func (s *Server) handleConnect(ctx context.Context, client *net.TCPConn, req *wsocks5.Request, dest netip.AddrPort) {
	upstream, err := dialer.Dial(ctx, s.Snapshot, s.Router, dest, "")
	if err != nil {
		wlog.I("server: connect to %s: %v", dest, err)
		return
	}
	defer upstream.Close()

	upstreamTCP, ok := upstream.(*net.TCPConn)
	if !ok {
		wlog.W("server: upstream connection to %s is not a *net.TCPConn", dest)
		return
	}

	if err := wsocks5.WriteConnectReply(client, req); err != nil {
		wlog.D("server: write connect reply: %v", err)
		return
	}

	pipeline := desync.New(s.Snapshot, s.Patterns, s.Router, "TCP", req.Port)
	tcp := &relay.TCP{Snapshot: s.Snapshot, Pipeline: pipeline, Marker: s.Marker}
	if err := tcp.Pipe(client, upstreamTCP, dest); err != nil {
		wlog.D("server: pipe %s -> %s: %v", client.RemoteAddr(), dest, err)
	}
}

func (s *Server) handleUDPAssociate(control *net.TCPConn, req *wsocks5.Request) {
	relayConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		wlog.W("server: bind udp relay socket: %v", err)
		return
	}
	defer relayConn.Close()

	if err := wsocks5.WriteUDPAssociateReply(control, relayConn.LocalAddr().(*net.UDPAddr)); err != nil {
		wlog.D("server: write udp associate reply: %v", err)
		return
	}

	udp := relay.NewUDP(s.Snapshot)
	if err := udp.Serve(control, relayConn); err != nil {
		wlog.D("server: udp associate for %s ended: %v", control.RemoteAddr(), err)
	}
}
