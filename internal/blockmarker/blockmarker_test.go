// Copyright (c) 2024 the waterfall5 authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package blockmarker

import (
	"context"
	"net/netip"
	"testing"
	"time"
)

func TestAddContainsRemove(t *testing.T) {
	s := New()
	addr := netip.MustParseAddrPort("203.0.113.5:443")

	if s.Contains(addr) {
		t.Fatal("expected fresh set to not contain addr")
	}
	s.Add(addr)
	if !s.Contains(addr) {
		t.Fatal("expected set to contain addr after Add")
	}
	s.Remove(addr)
	if s.Contains(addr) {
		t.Fatal("expected set to not contain addr after Remove")
	}
}

func TestAddIsIdempotent(t *testing.T) {
	s := New()
	addr := netip.MustParseAddrPort("203.0.113.5:443")
	s.Add(addr)
	s.Add(addr)
	if s.Len() != 1 {
		t.Fatalf("expected exactly one entry, got %d", s.Len())
	}
}

func TestPeriodicClearEmptiesSet(t *testing.T) {
	s := New()
	s.Add(netip.MustParseAddrPort("203.0.113.5:443"))
	s.Add(netip.MustParseAddrPort("203.0.113.6:443"))

	ctx, cancel := context.WithCancel(context.Background())
	go s.RunPeriodicClear(ctx, 10*time.Millisecond)
	defer cancel()

	deadline := time.After(500 * time.Millisecond)
	for s.Len() != 0 {
		select {
		case <-deadline:
			t.Fatalf("expected set to be cleared, still has %d entries", s.Len())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestDistinctAddrsIndependent(t *testing.T) {
	s := New()
	a := netip.MustParseAddrPort("203.0.113.5:443")
	b := netip.MustParseAddrPort("203.0.113.6:443")
	s.Add(a)
	if s.Contains(b) {
		t.Fatal("unrelated address must not be marked")
	}
}
