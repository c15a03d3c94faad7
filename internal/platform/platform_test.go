// Copyright (c) 2024 the waterfall5 authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package platform

import "testing"

func TestDefaultIsSet(t *testing.T) {
	if Default == nil {
		t.Fatal("expected a non-nil Default platform.Control for this GOOS")
	}
}

func TestBindControlDefaultIsNoOp(t *testing.T) {
	ctl := Default.BindControl("default")
	if ctl == nil {
		t.Fatal("expected a non-nil control func even for the default interface")
	}
}

func TestReusePortControlDoesNotPanic(t *testing.T) {
	_ = Default.ReusePortControl()
}

func TestRelaxDualStackIgnoresIPv4(t *testing.T) {
	if err := Default.RelaxDualStack("tcp4", "1.2.3.4:443", nil); err != nil {
		t.Fatalf("expected IPv4 network to be ignored without touching the (nil) RawConn: %v", err)
	}
}
