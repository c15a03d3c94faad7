// Copyright (c) 2024 the waterfall5 authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package sni

import (
	"bytes"
	"testing"
)

// buildClientHello builds a minimal (not wire-accurate beyond what the
// heuristic scanner inspects) ClientHello record carrying host as its
// server_name extension value, padded to at least 48 bytes.
func buildClientHello(host string) []byte {
	buf := make([]byte, 9)
	buf[0] = 0x16 // handshake
	buf[1] = 0x03
	buf[2] = 0x01
	buf[5] = 0x01 // ClientHello

	// The scanner looks for: buf[i]=0, buf[i+1]=0, buf[i+7]=0, and
	// buf[i+3]-buf[i+5]==2; len_byte=buf[i+8]; host starts at i+9.
	ext := make([]byte, 0, 9+len(host))
	ext = append(ext, 0x00, 0x00) // i, i+1: extension type server_name
	ext = append(ext, 0x00, 0x02) // i+2, i+3: extension length
	ext = append(ext, 0x00, 0x00) // i+4, i+5: server name list length
	ext = append(ext, 0x00)       // i+6: name type (unchecked by the scanner)
	ext = append(ext, 0x00)       // i+7: must be zero
	ext = append(ext, byte(len(host))) // i+8: name length
	ext = append(ext, []byte(host)...)

	out := append(buf, ext...)
	for len(out) < 48 {
		out = append(out, 0x00)
	}
	return out
}

func TestLocateHappyPath(t *testing.T) {
	host := "google.com"
	buf := buildClientHello(host)
	// the extension block starts right after the 9-byte header prefix.
	start, end := Locate(buf)
	if start == 0 && end == 0 {
		t.Fatalf("expected a match, got (0,0) for buf=%x", buf)
	}
	got := string(buf[start:end])
	if got != host {
		t.Fatalf("got %q want %q", got, host)
	}
}

func TestLocateTooShort(t *testing.T) {
	buf := []byte{0x16, 0x03, 0x01}
	s, e := Locate(buf)
	if s != 0 || e != 0 {
		t.Fatalf("expected (0,0), got (%d,%d)", s, e)
	}
}

func TestLocateEmpty(t *testing.T) {
	s, e := Locate(nil)
	if s != 0 || e != 0 {
		t.Fatalf("expected (0,0), got (%d,%d)", s, e)
	}
}

func TestLocateNotHandshake(t *testing.T) {
	buf := bytes.Repeat([]byte{0x17}, 64)
	s, e := Locate(buf)
	if s != 0 || e != 0 {
		t.Fatalf("expected (0,0), got (%d,%d)", s, e)
	}
}

func TestLocateNotClientHello(t *testing.T) {
	buf := bytes.Repeat([]byte{0x00}, 64)
	buf[0] = 0x16
	buf[5] = 0x02 // ServerHello, not ClientHello
	s, e := Locate(buf)
	if s != 0 || e != 0 {
		t.Fatalf("expected (0,0), got (%d,%d)", s, e)
	}
}

func TestLocateNeverPanics(t *testing.T) {
	inputs := [][]byte{
		nil,
		{},
		{0x16},
		{0x16, 0x03, 0x01, 0x00, 0x00, 0x01},
		bytes.Repeat([]byte{0xff}, 5),
		bytes.Repeat([]byte{0x16}, 100),
	}
	for _, in := range inputs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("Locate panicked on %x: %v", in, r)
				}
			}()
			Locate(in)
		}()
	}
}
