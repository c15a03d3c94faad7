// Copyright (c) 2024 the waterfall5 authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package doh implements the DNS-over-HTTPS resolver multiplexer of
// spec.md §4.3: a one-shot startup probe of configured endpoint
// templates, followed by per-query racing across the surviving
// endpoints with a bounded answer cache in front.
package doh

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/opencoff/go-sieve"
	"golang.org/x/sync/errgroup"

	"github.com/waterfallproxy/waterfall5/internal/admin"
	"github.com/waterfallproxy/waterfall5/internal/wlog"
)

// ErrNoResolution is surfaced to the caller when every DoH query (and,
// where applicable, system resolution) fails for a domain.
var ErrNoResolution = errors.New("doh: no resolution")

const probeDomain = "discord.com"

// Resolver races DNS-over-HTTPS queries across a working set of
// endpoint templates, probed once at startup.
type Resolver struct {
	client   *http.Client
	cache    *sieve.Sieve[string, net.IP]
	probeOnce sync.Once
	working  []string
	workingMu sync.RWMutex

	// Integrated controls whether DoH is tried before or after plain
	// system resolution, per spec.md §4.3's failure policy.
	Integrated bool
}

// New builds a Resolver. The DoH URL templates, each containing a
// literal "{}" placeholder for the base64url-encoded query, are passed
// to Probe; no probing happens until Probe is called.
func New(integrated bool) *Resolver {
	return &Resolver{
		client:     &http.Client{Timeout: 5 * time.Second},
		cache:      sieve.New[string, net.IP](4096),
		Integrated: integrated,
	}
}

// Probe issues one A-record lookup of probeDomain against every
// template and keeps the ones that answer with HTTP 2xx and a
// parseable DNS message. It runs at most once per Resolver, matching
// the process-wide "working DoH endpoint list... set exactly once
// after startup probing" invariant (spec.md §3).
func (r *Resolver) Probe(ctx context.Context, templates []string) {
	r.probeOnce.Do(func() {
		q := new(dns.Msg)
		q.SetQuestion(dns.Fqdn(probeDomain), dns.TypeA)
		wire, err := q.Pack()
		if err != nil {
			wlog.E("doh: probe query pack failed: %v", err)
			return
		}

		var mu sync.Mutex
		var alive []string
		g, gctx := errgroup.WithContext(ctx)
		for _, tmpl := range templates {
			tmpl := tmpl
			g.Go(func() error {
				if _, err := r.fetch(gctx, tmpl, wire); err != nil {
					wlog.W("doh: probe %s failed: %v", tmpl, err)
					return nil
				}
				mu.Lock()
				alive = append(alive, tmpl)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		r.workingMu.Lock()
		r.working = alive
		r.workingMu.Unlock()
		wlog.I("doh: %d/%d endpoints alive after probe", len(alive), len(templates))
	})
}

func (r *Resolver) workingSet() []string {
	r.workingMu.RLock()
	defer r.workingMu.RUnlock()
	out := make([]string, len(r.working))
	copy(out, r.working)
	return out
}

// Resolve returns an address for host. hasV6 indicates whether the
// local stack has a working IPv6 route, which decides whether an AAAA
// answer is preferred over an A answer (spec.md §4.3 "parsing").
func (r *Resolver) Resolve(ctx context.Context, host string, hasV6 bool) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}

	start := time.Now()

	cacheKey := host
	if ip, ok := r.cache.Get(cacheKey); ok {
		admin.ObserveDoHQuery("hit", time.Since(start).Seconds())
		return ip, nil
	}

	if !r.Integrated {
		if ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host); err == nil && len(ips) > 0 {
			ip := pickPreferred(ips, hasV6)
			r.cache.Add(cacheKey, ip)
			admin.ObserveDoHQuery("miss", time.Since(start).Seconds())
			return ip, nil
		}
	}

	ip, ttl, err := r.queryDoH(ctx, host, hasV6)
	if err != nil {
		if r.Integrated {
			if ips, serr := net.DefaultResolver.LookupIP(ctx, "ip", host); serr == nil && len(ips) > 0 {
				got := pickPreferred(ips, hasV6)
				r.cache.Add(cacheKey, got)
				admin.ObserveDoHQuery("miss", time.Since(start).Seconds())
				return got, nil
			}
		}
		admin.ObserveDoHQuery("error", time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: %s", ErrNoResolution, host)
	}

	if ttl > 0 {
		r.cache.Add(cacheKey, ip)
	}
	admin.ObserveDoHQuery("miss", time.Since(start).Seconds())
	return ip, nil
}

// queryDoH builds A and AAAA queries, races them across the working
// endpoint set, and returns the first answer that parses with at
// least one record.
func (r *Resolver) queryDoH(ctx context.Context, host string, hasV6 bool) (net.IP, uint32, error) {
	working := r.workingSet()
	if len(working) == 0 {
		return nil, 0, errors.New("doh: no working endpoints")
	}

	qA := new(dns.Msg)
	qA.SetQuestion(dns.Fqdn(host), dns.TypeA)
	wireA, err := qA.Pack()
	if err != nil {
		return nil, 0, err
	}
	qAAAA := new(dns.Msg)
	qAAAA.SetQuestion(dns.Fqdn(host), dns.TypeAAAA)
	wireAAAA, err := qAAAA.Pack()
	if err != nil {
		return nil, 0, err
	}

	type result struct {
		ip  net.IP
		ttl uint32
		v6  bool
	}
	resultCh := make(chan result, len(working)*2)

	gctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	launch := func(tmpl string, wire []byte, isV6 bool) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, err := r.fetch(gctx, tmpl, wire)
			if err != nil {
				return
			}
			for _, rr := range collectAddrs(msg) {
				select {
				case resultCh <- result{ip: rr.ip, ttl: rr.ttl, v6: isV6}:
				case <-gctx.Done():
				}
				return
			}
		}()
	}
	for _, tmpl := range working {
		launch(tmpl, wireA, false)
		if hasV6 {
			launch(tmpl, wireAAAA, true)
		}
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	var bestA, bestAAAA *result
	for res := range resultCh {
		res := res
		if res.v6 && bestAAAA == nil {
			bestAAAA = &res
		} else if !res.v6 && bestA == nil {
			bestA = &res
		}
		if hasV6 && bestAAAA != nil {
			cancel()
			return bestAAAA.ip, bestAAAA.ttl, nil
		}
		if !hasV6 && bestA != nil {
			cancel()
			return bestA.ip, bestA.ttl, nil
		}
	}

	if bestAAAA != nil {
		return bestAAAA.ip, bestAAAA.ttl, nil
	}
	if bestA != nil {
		return bestA.ip, bestA.ttl, nil
	}
	return nil, 0, fmt.Errorf("%w: %s", ErrNoResolution, host)
}

type addrTTL struct {
	ip  net.IP
	ttl uint32
}

func collectAddrs(msg *dns.Msg) []addrTTL {
	var out []addrTTL
	for _, rr := range msg.Answer {
		switch v := rr.(type) {
		case *dns.A:
			out = append(out, addrTTL{ip: v.A, ttl: v.Hdr.Ttl})
		case *dns.AAAA:
			out = append(out, addrTTL{ip: v.AAAA, ttl: v.Hdr.Ttl})
		}
	}
	return out
}

func pickPreferred(ips []net.IP, hasV6 bool) net.IP {
	if hasV6 {
		for _, ip := range ips {
			if ip.To4() == nil {
				return ip
			}
		}
	}
	for _, ip := range ips {
		if ip.To4() != nil {
			return ip
		}
	}
	return ips[0]
}

// fetch issues one GET against tmpl with wire base64url-encoded into
// the "{}" placeholder, and parses the response as a DNS message.
func (r *Resolver) fetch(ctx context.Context, tmpl string, wire []byte) (*dns.Msg, error) {
	enc := base64.RawURLEncoding.EncodeToString(wire)
	if !strings.Contains(tmpl, "{}") {
		return nil, fmt.Errorf("doh: template %q missing {} placeholder", tmpl)
	}
	url := strings.Replace(tmpl, "{}", enc, 1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("accept", "application/dns-message")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("doh: %s returned status %d", tmpl, resp.StatusCode)
	}

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("doh: read response from %s: %w", tmpl, err)
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(buf); err != nil {
		return nil, fmt.Errorf("doh: unpack response from %s: %w", tmpl, err)
	}
	return msg, nil
}
