// Copyright (c) 2024 the waterfall5 authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package relay

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/txthinking/runnergroup"
	"github.com/txthinking/socks5"

	"github.com/waterfallproxy/waterfall5/internal/config"
	"github.com/waterfallproxy/waterfall5/internal/wlog"
)

// ErrNonZeroFragment describes a SOCKS UDP header with a nonzero FRAG
// byte. clientRelayLoop does not return it: it logs a warning and drops
// such datagrams.
var ErrNonZeroFragment = errors.New("relay: fragmented SOCKS UDP datagrams are unsupported")

type flowKey struct {
	client netip.AddrPort
	dest   netip.AddrPort
}

type upstreamFlow struct {
	conn *net.UDPConn

	mu       sync.Mutex
	lastUsed time.Time
}

func (f *upstreamFlow) touch() {
	f.mu.Lock()
	f.lastUsed = time.Now()
	f.mu.Unlock()
}

func (f *upstreamFlow) idleSince() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastUsed
}

// UDP implements the UDP associate relay of spec.md §4.9: one relay
// socket per SOCKS client, a flow table of per-destination upstream
// sockets, and an idle reaper.
type UDP struct {
	Snapshot *config.Snapshot

	mu    sync.Mutex
	flows map[flowKey]*upstreamFlow
}

// NewUDP builds a relay bound to snap's idle-timeout/reap-interval
// settings, empty of flows.
func NewUDP(snap *config.Snapshot) *UDP {
	return &UDP{Snapshot: snap, flows: make(map[flowKey]*upstreamFlow)}
}

// Serve runs the three-task loop of spec.md §4.9 until any task
// finishes, then tears the others down and closes relayConn.
func (u *UDP) Serve(control net.Conn, relayConn *net.UDPConn) error {
	stop := make(chan struct{})
	var stopOnce sync.Once
	closeStop := func() { stopOnce.Do(func() { close(stop) }) }

	g := runnergroup.New()
	g.Add(&runnergroup.Runner{
		Start: func() error { return watchControl(control) },
		Stop:  func() error { control.Close(); return nil },
	})
	g.Add(&runnergroup.Runner{
		Start: func() error { return u.clientRelayLoop(relayConn, stop) },
		Stop:  func() error { closeStop(); relayConn.Close(); return nil },
	})
	g.Add(&runnergroup.Runner{
		Start: func() error { return u.idleReapLoop(stop) },
		Stop:  func() error { closeStop(); return nil },
	})

	err := g.Run()
	u.closeAllFlows()
	return err
}

// watchControl implements spec.md §4.9 task 1: read one byte on the
// controlling TCP socket, returning on EOF or error.
func watchControl(control net.Conn) error {
	buf := make([]byte, 1)
	_, err := control.Read(buf)
	return err
}

// clientRelayLoop implements spec.md §4.9 task 2.
func (u *UDP) clientRelayLoop(relayConn *net.UDPConn, stop <-chan struct{}) error {
	buf := make([]byte, 65535)
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		n, clientAddr, err := relayConn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		dgram, err := socks5.NewDatagramFromBytes(append([]byte(nil), buf[:n]...))
		if err != nil {
			wlog.W("relay: udp: malformed datagram from %s: %v", clientAddr, err)
			continue
		}
		if dgram.Frag != 0x00 {
			wlog.W("relay: udp: dropping fragmented datagram from %s", clientAddr)
			continue
		}
		dest, err := datagramDestAddr(dgram)
		if err != nil {
			wlog.W("relay: udp: bad destination in datagram from %s: %v", clientAddr, err)
			continue
		}

		clientAP := netip.MustParseAddrPort(clientAddr.String())
		flow := u.findOrCreateFlow(clientAP, dest, relayConn, clientAddr)
		if flow == nil {
			continue
		}
		flow.touch()
		if _, err := flow.conn.Write(dgram.Data); err != nil {
			wlog.D("relay: udp: write to upstream %s failed: %v", dest, err)
		}
	}
}

func datagramDestAddr(d *socks5.Datagram) (netip.AddrPort, error) {
	port := uint16(d.DstPort[0])<<8 | uint16(d.DstPort[1])
	switch d.Atyp {
	case socks5.ATYPIPv4:
		if len(d.DstAddr) != 4 {
			return netip.AddrPort{}, fmt.Errorf("bad IPv4 length %d", len(d.DstAddr))
		}
		addr := netip.AddrFrom4([4]byte(d.DstAddr))
		return netip.AddrPortFrom(addr, port), nil
	case socks5.ATYPIPv6:
		if len(d.DstAddr) != 16 {
			return netip.AddrPort{}, fmt.Errorf("bad IPv6 length %d", len(d.DstAddr))
		}
		addr := netip.AddrFrom16([16]byte(d.DstAddr))
		return netip.AddrPortFrom(addr, port), nil
	default:
		ips, err := net.LookupIP(string(d.DstAddr))
		if err != nil || len(ips) == 0 {
			return netip.AddrPort{}, fmt.Errorf("resolve %s: %w", d.DstAddr, err)
		}
		addr, _ := netip.AddrFromSlice(ips[0])
		return netip.AddrPortFrom(addr.Unmap(), port), nil
	}
}

func (u *UDP) findOrCreateFlow(clientAddr, dest netip.AddrPort, relayConn *net.UDPConn, clientUDPAddr *net.UDPAddr) *upstreamFlow {
	key := flowKey{client: clientAddr, dest: dest}

	u.mu.Lock()
	if f, ok := u.flows[key]; ok {
		u.mu.Unlock()
		return f
	}
	u.mu.Unlock()

	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(dest))
	if err != nil {
		wlog.W("relay: udp: dial upstream %s failed: %v", dest, err)
		return nil
	}
	flow := &upstreamFlow{conn: conn, lastUsed: time.Now()}

	u.mu.Lock()
	if existing, ok := u.flows[key]; ok {
		u.mu.Unlock()
		conn.Close()
		return existing
	}
	u.flows[key] = flow
	u.mu.Unlock()

	go u.upstreamReceiveLoop(key, flow, relayConn, clientUDPAddr, dest)
	return flow
}

// maxConsecutiveReadErrs bounds how many back-to-back upstream read
// errors a flow tolerates before it is torn down, matching the
// reference relay's retry budget for a lossy upstream.
const maxConsecutiveReadErrs = 3

// upstreamReceiveLoop implements the per-flow receive task spec.md
// §4.9 describes inline within task 2: each reply is wrapped as
// [0,0,0,ATYP,IP,PORT,payload] and sent back to the SOCKS client. A
// read error only tears the flow down after maxConsecutiveReadErrs in
// a row; any successful read resets the counter.
func (u *UDP) upstreamReceiveLoop(key flowKey, flow *upstreamFlow, relayConn *net.UDPConn, clientUDPAddr *net.UDPAddr, dest netip.AddrPort) {
	buf := make([]byte, 65535)
	consecutiveErrs := 0
	for {
		n, err := flow.conn.Read(buf)
		if err != nil {
			consecutiveErrs++
			if consecutiveErrs >= maxConsecutiveReadErrs {
				wlog.D("relay: udp: upstream %s: %d consecutive read errors, tearing down flow: %v", dest, consecutiveErrs, err)
				u.mu.Lock()
				if u.flows[key] == flow {
					delete(u.flows, key)
				}
				u.mu.Unlock()
				flow.conn.Close()
				return
			}
			continue
		}
		consecutiveErrs = 0
		flow.touch()

		atyp := byte(socks5.ATYPIPv4)
		addr := dest.Addr().As4()
		addrBytes := addr[:]
		if dest.Addr().Is6() {
			atyp = socks5.ATYPIPv6
			a16 := dest.Addr().As16()
			addrBytes = a16[:]
		}
		port := []byte{byte(dest.Port() >> 8), byte(dest.Port())}
		reply, err := socks5.NewDatagram(atyp, addrBytes, port, append([]byte(nil), buf[:n]...))
		if err != nil {
			wlog.D("relay: udp: wrap reply from %s failed: %v", dest, err)
			continue
		}
		if _, err := relayConn.WriteToUDP(reply.Bytes(), clientUDPAddr); err != nil {
			wlog.D("relay: udp: send reply to client %s failed: %v", clientUDPAddr, err)
			return
		}
	}
}

// idleReapLoop implements spec.md §4.9 task 3.
func (u *UDP) idleReapLoop(stop <-chan struct{}) error {
	interval := time.Duration(u.Snapshot.UDPReapIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	idleTimeout := time.Duration(u.Snapshot.UDPIdleTimeoutSeconds) * time.Second
	if idleTimeout <= 0 {
		idleTimeout = 300 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return nil
		case <-ticker.C:
			u.reapIdle(idleTimeout)
		}
	}
}

func (u *UDP) reapIdle(idleTimeout time.Duration) {
	now := time.Now()
	var evicted []*upstreamFlow

	u.mu.Lock()
	for key, flow := range u.flows {
		if now.Sub(flow.idleSince()) > idleTimeout {
			delete(u.flows, key)
			evicted = append(evicted, flow)
		}
	}
	u.mu.Unlock()

	for _, flow := range evicted {
		flow.conn.Close()
	}
	if len(evicted) > 0 {
		wlog.D("relay: udp: reaped %d idle flow(s)", len(evicted))
	}
}

func (u *UDP) closeAllFlows() {
	u.mu.Lock()
	defer u.mu.Unlock()
	for key, flow := range u.flows {
		flow.conn.Close()
		delete(u.flows, key)
	}
}
