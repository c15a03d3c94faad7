// Copyright (c) 2024 the waterfall5 authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package router implements the rule matching described in spec.md
// §4.4: DNS-query interjection (FakeDNS), and the TCP-connect IP and
// SNI policy decisions.
package router

import (
	"fmt"
	"net/netip"
	"path"
	"strconv"
	"strings"

	"github.com/k-sone/critbitgo"

	"github.com/waterfallproxy/waterfall5/internal/blockmarker"
	"github.com/waterfallproxy/waterfall5/internal/config"
	"github.com/waterfallproxy/waterfall5/internal/wlog"
)

// Scope and Type mirror the router rule tuple's textual fields.
const (
	ScopeDNSQuery = "DnsQuery"
	ScopeSNI      = "SNI"
	ScopeIP       = "IP"

	TypeForward = "Forward"
	TypeFakeDNS = "FakeDNS"
)

// matchKind is the REDESIGN-FLAG enum computed once at load time from
// the textual match field's prefix, replacing a per-decision string
// prefix check.
type matchKind int

const (
	matchGlob matchKind = iota
	matchCIDR
	matchIf16kb
)

// Rule is a router rule compiled from config.RouterRule: the match
// field has been classified into matchKind once so every decision
// avoids re-parsing the string.
type Rule struct {
	Scope string
	Type  string
	Exec  string

	kind   matchKind
	cidr   netip.Prefix
	glob   string
	sniExempt []string
}

// compile classifies a raw router rule's match field into the
// REDESIGN-FLAG enum (spec.md §9 "Glob vs CIDR vs conditional").
func compile(r config.RouterRule) Rule {
	out := Rule{Scope: r.Scope, Type: r.Type, Exec: r.Exec}

	switch {
	case strings.HasPrefix(r.Match, "if16kb"):
		out.kind = matchIf16kb
		rest := strings.TrimPrefix(r.Match, "if16kb")
		rest = strings.TrimPrefix(rest, ":")
		if rest != "" {
			out.sniExempt = strings.Split(rest, ",")
		}
	case strings.HasPrefix(r.Match, "cidr"):
		out.kind = matchCIDR
		cidrStr := strings.TrimSpace(strings.TrimPrefix(r.Match, "cidr"))
		cidrStr = strings.TrimPrefix(cidrStr, ":")
		if p, err := netip.ParsePrefix(cidrStr); err == nil {
			out.cidr = p
		} else {
			wlog.W("router: bad cidr in rule match %q: %v", r.Match, err)
		}
	default:
		out.kind = matchGlob
		out.glob = r.Match
	}
	return out
}

// Router holds the compiled rule set for one configuration snapshot,
// plus a critbitgo trie of the SNI whitelist for fast membership
// checks.
type Router struct {
	rules   []Rule
	sniTrie *critbitgo.Trie
	marker  *blockmarker.Set
}

// New compiles a snapshot's router rules.
func New(snap *config.Snapshot, marker *blockmarker.Set) *Router {
	r := &Router{marker: marker, sniTrie: critbitgo.NewTrie()}
	for _, rr := range snap.RouterRules {
		r.rules = append(r.rules, compile(rr))
	}
	for _, s := range snap.SNIWhitelist {
		r.sniTrie.Insert([]byte(s), struct{}{})
	}
	return r
}

// Query returns the sublist of rules with the given type, in config
// order (spec.md §4.4 "query(rule_type)").
func (r *Router) Query(ruleType string) []Rule {
	var out []Rule
	for _, rule := range r.rules {
		if rule.Type == ruleType {
			out = append(out, rule)
		}
	}
	return out
}

// SNIAllowed reports whether sni passes the whitelist, when enabled.
// An empty sni always passes (nothing to filter on yet).
func (r *Router) SNIAllowed(enabled bool, sni string) bool {
	if !enabled || sni == "" {
		return true
	}
	_, ok := r.sniTrie.Get([]byte(sni))
	return ok
}

// Resolution is the outcome of interjecting a DNS query inside a
// CONNECT request, per spec.md §4.4.
type Resolution struct {
	AutoResolved bool
	HostRaw      []byte
	DestAddrType byte // 1 = IPv4, 4 = IPv6
	Port         uint16
}

// InterjectDNS checks domain against every FakeDNS/DnsQuery rule in
// order and, on first glob match, synthesizes a resolution from the
// rule's exec field (expected to be a literal IP string).
func (r *Router) InterjectDNS(domain string) (Resolution, bool) {
	for _, rule := range r.rules {
		if rule.Type != TypeFakeDNS || rule.Scope != ScopeDNSQuery {
			continue
		}
		ok, err := path.Match(rule.glob, domain)
		if err != nil {
			wlog.W("router: bad glob %q: %v", rule.glob, err)
			continue
		}
		if !ok {
			continue
		}
		ip, err := netip.ParseAddr(strings.TrimSpace(rule.Exec))
		if err != nil {
			wlog.W("router: FakeDNS rule exec %q is not a valid IP: %v", rule.Exec, err)
			continue
		}
		addrType := byte(1)
		if ip.Is6() && !ip.Is4In6() {
			addrType = 4
		}
		return Resolution{
			AutoResolved: true,
			HostRaw:      ip.AsSlice(),
			DestAddrType: addrType,
			Port:         443,
		}, true
	}
	return Resolution{}, false
}

// Decision is the outcome of an IP-scope Forward rule decision.
type Decision struct {
	Chain     bool   // chain through an upstream SOCKS5
	ChainAddr string // host:port of the upstream, when Chain is true
	Block     bool
}

// DecideForTCPConnect evaluates IP-scope Forward rules against addr
// (the resolved destination socket address) and the already-located
// SNI, per spec.md §4.4. CIDR and glob matches test addr.Addr() only;
// if16kb tests full addr against the block-marker set, which is keyed
// by SocketAddr.
func (r *Router) DecideForTCPConnect(addr netip.AddrPort, sni string) Decision {
	for _, rule := range r.rules {
		if rule.Scope != ScopeIP || rule.Type != TypeForward {
			continue
		}
		if !r.ipRuleApplies(rule, addr, sni) {
			continue
		}
		verb, arg, _ := strings.Cut(rule.Exec, " ")
		switch verb {
		case "socks5":
			return Decision{Chain: true, ChainAddr: strings.TrimSpace(arg)}
		case "block":
			return Decision{Block: true}
		default:
			wlog.W("router: unknown verb %q in rule exec %q", verb, rule.Exec)
		}
	}
	return Decision{}
}

func (r *Router) ipRuleApplies(rule Rule, addr netip.AddrPort, sni string) bool {
	switch rule.kind {
	case matchIf16kb:
		if !r.marker.Contains(addr) {
			return false
		}
		if len(rule.sniExempt) > 0 {
			for _, exempt := range rule.sniExempt {
				if strings.TrimSpace(exempt) == sni {
					return false
				}
			}
		}
		return true
	case matchCIDR:
		return rule.cidr.IsValid() && rule.cidr.Contains(addr.Addr())
	default:
		ok, err := path.Match(rule.glob, addr.Addr().String())
		if err != nil {
			wlog.W("router: bad glob %q: %v", rule.glob, err)
			return false
		}
		return ok
	}
}

// SNIDecision is the outcome of an SNI-scope rule check (spec.md §4.4
// "For SNI scope").
type SNIDecision struct {
	Block bool
}

// DecideForSNI evaluates SNI-scope rules (checked at strategy time).
func (r *Router) DecideForSNI(sni string) SNIDecision {
	for _, rule := range r.rules {
		if rule.Scope != ScopeSNI {
			continue
		}
		ok, err := path.Match(rule.glob, sni)
		if err != nil || !ok {
			continue
		}
		verb, _, _ := strings.Cut(rule.Exec, " ")
		if verb == "block" {
			return SNIDecision{Block: true}
		}
		wlog.W("router: sni rule verb %q treated as warning only", verb)
	}
	return SNIDecision{}
}

// ParsePort parses a single decimal port number.
func ParsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("router: bad port %q: %w", s, err)
	}
	return uint16(n), nil
}
