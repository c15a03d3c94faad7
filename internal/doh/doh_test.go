// Copyright (c) 2024 the waterfall5 authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package doh

import (
	"context"
	"encoding/base64"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func dohServer(t *testing.T, ip net.IP, ttl uint32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		b64 := req.URL.Query().Get("dns")
		wire, err := base64.RawURLEncoding.DecodeString(b64)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		q := new(dns.Msg)
		if err := q.Unpack(wire); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		resp := new(dns.Msg)
		resp.SetReply(q)
		qtype := q.Question[0].Qtype
		if qtype == dns.TypeA && ip.To4() != nil {
			resp.Answer = append(resp.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
				A:   ip,
			})
		}
		if qtype == dns.TypeAAAA && ip.To4() == nil {
			resp.Answer = append(resp.Answer, &dns.AAAA{
				Hdr:  dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: ttl},
				AAAA: ip,
			})
		}

		out, err := resp.Pack()
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("content-type", "application/dns-message")
		w.Write(out)
	}))
}

func TestProbeKeepsAliveEndpoints(t *testing.T) {
	good := dohServer(t, net.ParseIP("93.184.216.34"), 300)
	defer good.Close()
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer dead.Close()

	r := New(true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.Probe(ctx, []string{good.URL + "?dns={}", dead.URL + "?dns={}"})

	working := r.workingSet()
	if len(working) != 1 {
		t.Fatalf("expected exactly one surviving endpoint, got %v", working)
	}
}

func TestProbeRunsOnce(t *testing.T) {
	good := dohServer(t, net.ParseIP("93.184.216.34"), 300)
	defer good.Close()

	r := New(true)
	ctx := context.Background()
	r.Probe(ctx, []string{good.URL + "?dns={}"})
	firstLen := len(r.workingSet())

	r.Probe(ctx, nil) // should be a no-op; second call must not clear the set
	if len(r.workingSet()) != firstLen {
		t.Fatalf("Probe must run exactly once: set changed from %d to %d entries", firstLen, len(r.workingSet()))
	}
}

func TestResolveReturnsAAAAWhenV6Preferred(t *testing.T) {
	v6 := net.ParseIP("2001:db8::1")
	srv := dohServer(t, v6, 60)
	defer srv.Close()

	r := New(true)
	ctx := context.Background()
	r.Probe(ctx, []string{srv.URL + "?dns={}"})

	ip, err := r.Resolve(ctx, "example.com", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ip.To4() != nil {
		t.Fatalf("expected an IPv6 answer, got %v", ip)
	}
}

func TestResolveNoWorkingEndpointsFails(t *testing.T) {
	r := New(true)
	_, err := r.Resolve(context.Background(), "example.invalid", false)
	if err == nil {
		t.Fatal("expected an error when no endpoints have been probed")
	}
}

func TestResolveLiteralIPShortCircuits(t *testing.T) {
	r := New(true)
	ip, err := r.Resolve(context.Background(), "203.0.113.9", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ip.String() != "203.0.113.9" {
		t.Fatalf("got %v want 203.0.113.9", ip)
	}
}

func TestResolveCachesAnswer(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits++
		b64 := req.URL.Query().Get("dns")
		wire, _ := base64.RawURLEncoding.DecodeString(b64)
		q := new(dns.Msg)
		q.Unpack(wire)
		resp := new(dns.Msg)
		resp.SetReply(q)
		if q.Question[0].Qtype == dns.TypeA {
			resp.Answer = append(resp.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
				A:   net.ParseIP("93.184.216.34"),
			})
		}
		out, _ := resp.Pack()
		w.Write(out)
	}))
	defer srv.Close()

	r := New(true)
	ctx := context.Background()
	r.Probe(ctx, []string{srv.URL + "?dns={}"})

	if _, err := r.Resolve(ctx, "cached.example", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.Resolve(ctx, "cached.example", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// probe itself issues one request per endpoint; the two Resolve
	// calls for the same host should add at most one more hit, not two.
	if hits > 2 {
		t.Fatalf("expected the second Resolve to hit cache, got %d total HTTP hits", hits)
	}
}
