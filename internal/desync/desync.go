// Copyright (c) 2024 the waterfall5 authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package desync implements the client→server chunk transform
// pipeline of spec.md §4.6: L5 Host-header mangling, pattern rewrite,
// SNI location, and the 17 desync strategy methods, each built on a
// small TTL/OOB envelope over the platform capability layer.
package desync

import (
	"bytes"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/waterfallproxy/waterfall5/internal/config"
	"github.com/waterfallproxy/waterfall5/internal/pattern"
	"github.com/waterfallproxy/waterfall5/internal/platform"
	"github.com/waterfallproxy/waterfall5/internal/router"
	"github.com/waterfallproxy/waterfall5/internal/sni"
	"github.com/waterfallproxy/waterfall5/internal/wlog"
)

// Method names, matching the configured strategy's type string
// exactly (spec.md §4.6 "Strategy semantics").
const (
	MethodNone           = "NONE"
	MethodSplit          = "SPLIT"
	MethodDisorder       = "DISORDER"
	MethodDisorder2      = "DISORDER2"
	MethodFake           = "FAKE"
	MethodFakeMD         = "FAKEMD"
	MethodFake2Insert    = "FAKE2INSERT"
	MethodFake2Disorder  = "FAKE2DISORDER"
	MethodFakeSurround   = "FAKESURROUND"
	MethodMeltdown       = "MELTDOWN"
	MethodOOB            = "OOB"
	MethodOOB2           = "OOB2"
	MethodDisOOB         = "DISOOB"
	MethodOOBStreamHell  = "OOBSTREAMHELL"
	MethodFragTLS        = "FRAGTLS"
	MethodTrail          = "TRAIL"
	MethodMeltdownUDP    = "MELTDOWNUDP"
)

// Conn is the subset of *net.TCPConn the pipeline writes through; the
// TTL/OOB envelope needs the concrete type to reach platform.Default.
type Conn = *net.TCPConn

// ErrSNIBlocked is returned by Run when the located SNI is rejected by
// an SNI-scope router rule or fails an enabled whitelist check.
var ErrSNIBlocked = fmt.Errorf("desync: SNI blocked by router policy")

// Pipeline holds one connection's fixed inputs: the strategies to run,
// the compiled pattern rules, the router consulted at SNI-location
// time, and the connection metadata used by strategy filters.
type Pipeline struct {
	Snapshot   *config.Snapshot
	Strategies []config.Strategy
	Patterns   []pattern.Rule
	Router     *router.Router
	Protocol   string // "TCP" or "UDP"
	PeerPort   uint16
}

// New builds a Pipeline for one connection. rt may be nil, in which
// case SNI-scope policy and the whitelist are skipped.
func New(snap *config.Snapshot, patterns []pattern.Rule, rt *router.Router, protocol string, peerPort uint16) *Pipeline {
	return &Pipeline{Snapshot: snap, Strategies: snap.Strategies, Patterns: patterns, Router: rt, Protocol: protocol, PeerPort: peerPort}
}

// Run applies the full pipeline to one client→upstream chunk and
// writes the result (and any raw strategy writes) to conn.
func (p *Pipeline) Run(conn Conn, chunk []byte) error {
	buf := append([]byte(nil), chunk...)

	buf = mangleHost(buf, p.Snapshot)
	for _, rule := range p.Patterns {
		buf = pattern.Apply(rule, buf)
	}

	sniStart, sniEnd := sni.Locate(buf)
	observedSNI := ""
	if sniEnd > sniStart {
		observedSNI = string(buf[sniStart:sniEnd])
	}

	if observedSNI != "" && p.Router != nil {
		if p.Router.DecideForSNI(observedSNI).Block {
			return fmt.Errorf("%w: %s", ErrSNIBlocked, observedSNI)
		}
		if !p.Router.SNIAllowed(p.Snapshot.SNIWhitelistEnabled, observedSNI) {
			return fmt.Errorf("%w: %s not in whitelist", ErrSNIBlocked, observedSNI)
		}
	}

	if sniEnd > sniStart && p.Snapshot.FakeClientHello {
		if err := p.sendFakeClientHello(conn); err != nil {
			wlog.W("desync: fake clienthello preamble: %v", err)
		}
	}

	current := buf
	for _, st := range p.Strategies {
		if p.skip(st, sniStart, sniEnd, observedSNI) {
			continue
		}
		next, err := p.dispatch(conn, st, current, sniStart, sniEnd)
		if err != nil {
			return fmt.Errorf("desync: strategy %s: %w", st.Method, err)
		}
		current = next
	}

	if len(current) > 0 {
		if _, err := conn.Write(current); err != nil {
			return fmt.Errorf("desync: final write: %w", err)
		}
	}

	if p.Snapshot.DisableSACK {
		if err := platform.Default.SuppressSACK(conn); err != nil {
			wlog.WarnOnce("desync-sack", "desync: SACK suppression failed: %v", err)
		}
	}
	if p.Snapshot.FakePacketRandom {
		if err := p.sendRandomFakePacket(conn); err != nil {
			wlog.W("desync: random fake packet: %v", err)
		}
	}

	p.jitter()
	return nil
}

func (p *Pipeline) sendRandomFakePacket(conn Conn) error {
	payload := make([]byte, 32)
	if _, err := rand.Read(payload); err != nil {
		return err
	}
	return sendDrop(conn, payload, p.Snapshot, p.Snapshot.FakeAsOOB)
}

func (p *Pipeline) jitter() {
	max := p.Snapshot.L7JitterMaxMS
	if max <= 0 {
		return
	}
	n := lcgNext(uint64(time.Now().UnixNano())) % uint64(max+1)
	time.Sleep(time.Duration(n) * time.Millisecond)
}

// lcgNext is a minimal linear congruential generator seeded by wall
// clock, matching spec.md §4.6's "random(0..jitter_max_ms) drawn from
// an LCG seeded by wall clock" rather than pulling in crypto/rand for
// a non-adversarial timing jitter.
func lcgNext(seed uint64) uint64 {
	const (
		a = 6364136223846793005
		c = 1442695040888963407
	)
	return a*seed + c
}

// skip implements spec.md §4.6 step 5's per-strategy filter checks.
func (p *Pipeline) skip(st config.Strategy, sniStart, sniEnd int, observedSNI string) bool {
	if st.AddSNI && sniEnd <= sniStart {
		return true
	}
	if len(st.FilterSNI) > 0 {
		matched := false
		for _, want := range st.FilterSNI {
			if want != "" && bytes.Contains([]byte(observedSNI), []byte(want)) {
				matched = true
				break
			}
		}
		if !matched {
			return true
		}
	}
	if st.FilterProtocol != "" && st.FilterProtocol != p.Protocol {
		return true
	}
	if st.FilterPortRaw != "" {
		lo, hi, ok := parsePortRange(st.FilterPortRaw)
		if ok && (p.PeerPort < lo || (hi > 0 && p.PeerPort > hi)) {
			return true
		}
	}
	return false
}

func parsePortRange(raw string) (lo, hi uint16, ok bool) {
	var l, h int
	n, err := fmt.Sscanf(raw, "%d-%d", &l, &h)
	if err == nil && n == 2 {
		return uint16(l), uint16(h), true
	}
	n, err = fmt.Sscanf(raw, "%d", &l)
	if err == nil && n == 1 {
		return uint16(l), 0, true
	}
	return 0, 0, false
}

// splitPoint computes spec.md §4.6 "Split point calculation".
func splitPoint(st config.Strategy, sniStart int) int {
	middle := st.BaseIndex
	if st.Subtract {
		middle = -middle
	}
	if st.AddSNI {
		middle += int64(sniStart)
	}
	if st.AddHost {
		// add-host shares the same offset arithmetic as add-sni in
		// this port: both anchor the split to a located header start.
		middle += int64(sniStart)
	}
	return int(middle)
}

// split is the pure splitter the REDESIGN FLAG in spec.md §9 calls
// for: a function over (buffer, middle), independent of any strategy
// type.
func split(buf []byte, middle int) (part0, part1 []byte) {
	if middle <= 0 || middle >= len(buf) {
		return buf, nil
	}
	return buf[:middle], buf[middle:]
}

func mangleHost(buf []byte, snap *config.Snapshot) []byte {
	if !snap.HTTPMixCase && !snap.HTTPRemoveSpace && !snap.HTTPInsertSpace && !snap.HTTPDomainMixCase {
		return buf
	}
	idx := bytes.Index(buf, []byte("Host:"))
	if idx < 0 {
		return buf
	}

	out := append([]byte(nil), buf...)
	if snap.HTTPMixCase {
		if idx+3 < len(out) {
			out[idx+1] = toggleCase(out[idx+1])
		}
		if idx+3 < len(out) {
			out[idx+3] = toggleCase(out[idx+3])
		}
	}

	pos := idx + 5
	if snap.HTTPRemoveSpace && pos < len(out) && out[pos] == ' ' {
		out = append(out[:pos], out[pos+1:]...)
	} else if snap.HTTPInsertSpace {
		tail := append([]byte{' '}, out[pos:]...)
		out = append(out[:pos], tail...)
	}

	if snap.HTTPDomainMixCase {
		domainStart := pos
		for domainStart < len(out) && out[domainStart] == ' ' {
			domainStart++
		}
		if domainStart < len(out) {
			out[domainStart] = toggleCase(out[domainStart])
		}
	}
	return out
}

func toggleCase(b byte) byte {
	switch {
	case b >= 'a' && b <= 'z':
		return b - 32
	case b >= 'A' && b <= 'Z':
		return b + 32
	default:
		return b
	}
}

// fakeified implements spec.md §4.6 "fakeified(data)".
func fakeified(data []byte, snap *config.Snapshot) []byte {
	if len(snap.FakePacketOverride) > 0 {
		return snap.FakePacketOverride
	}
	if snap.FakePacketSendHTTP {
		return []byte("GET / HTTP/1.1\r\nHost: " + snap.FakePacketHost + "\r\nConnection: close\r\n\r\n")
	}
	cp := append([]byte(nil), data...)
	start, end := sni.Locate(cp)
	if end <= start {
		return cp
	}
	fake := []byte(snap.FakePacketSNI)
	n := end - start
	if len(fake) < n {
		n = len(fake)
	}
	copy(cp[start:start+n], fake[:n])
	return cp
}
