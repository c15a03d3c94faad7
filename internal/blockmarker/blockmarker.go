// Copyright (c) 2024 the waterfall5 authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package blockmarker is the process-wide set of peer addresses that
// triggered the stall detector, per spec.md §4.7.
package blockmarker

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/waterfallproxy/waterfall5/internal/wlog"
)

// Set is a mutex-guarded membership set, cleared wholesale on a
// fixed interval rather than per-entry expiry: the router only ever
// needs "was this peer recently stalled", not a hit count.
type Set struct {
	mu sync.Mutex
	m  map[netip.AddrPort]struct{}
}

// New returns an empty Set.
func New() *Set {
	return &Set{m: make(map[netip.AddrPort]struct{})}
}

// Add inserts addr if absent.
func (s *Set) Add(addr netip.AddrPort) {
	s.mu.Lock()
	_, existed := s.m[addr]
	s.m[addr] = struct{}{}
	s.mu.Unlock()
	if !existed {
		wlog.I("blockmarker: added %s", addr)
	}
}

// Contains reports whether addr is currently marked.
func (s *Set) Contains(addr netip.AddrPort) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[addr]
	return ok
}

// Remove clears addr, used when a flow previously marked later
// succeeds normally.
func (s *Set) Remove(addr netip.AddrPort) {
	s.mu.Lock()
	delete(s.m, addr)
	s.mu.Unlock()
}

// Len reports the current set size, mostly for tests and admin status.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

func (s *Set) clear() {
	s.mu.Lock()
	n := len(s.m)
	s.m = make(map[netip.AddrPort]struct{})
	s.mu.Unlock()
	if n > 0 {
		wlog.D("blockmarker: cleared %d entries", n)
	}
}

// RunPeriodicClear blocks clearing the set every interval until ctx is
// canceled. Callers should run this in its own goroutine at startup.
func (s *Set) RunPeriodicClear(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.clear()
		}
	}
}
