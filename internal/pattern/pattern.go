// Copyright (c) 2024 the waterfall5 authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package pattern implements the hex/wildcard pattern lexer and the
// match-and-splice matcher described in spec.md §4.2.
package pattern

import (
	"errors"
	"strings"
	"sync"

	"github.com/waterfallproxy/waterfall5/internal/config"
)

var (
	// ErrBadPattern is returned for any pattern shorter than two
	// characters, with an odd trailing nibble, or an illegal character.
	// The compile step is allowed to treat this as fatal at startup.
	ErrBadPattern = errors.New("pattern: invalid token stream")
)

// Token is either a known byte or a wildcard matching any byte.
type Token struct {
	Known    bool
	Byte     byte
	Wildcard bool
}

func known(b byte) Token    { return Token{Known: true, Byte: b} }
func wildcard() Token       { return Token{Wildcard: true} }

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}

// Lex compiles a textual pattern into a token stream. Hex nibbles
// [0-9A-F] accumulate in pairs into Known(u8) tokens; 'x' emits a
// Wildcard and must fall on a pair boundary. Anything else, an odd
// trailing nibble, or a pattern shorter than two characters is a
// compile error.
func Lex(s string) ([]Token, error) {
	if len(s) < 2 {
		return nil, ErrBadPattern
	}

	var toks []Token
	var pending byte
	havePending := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == 'x' || c == 'X' {
			if havePending {
				return nil, ErrBadPattern // wildcard must be on a pair boundary
			}
			toks = append(toks, wildcard())
			continue
		}
		v, ok := hexVal(c)
		if !ok {
			return nil, ErrBadPattern
		}
		if !havePending {
			pending = v << 4
			havePending = true
		} else {
			toks = append(toks, known(pending|v))
			havePending = false
		}
	}
	if havePending {
		return nil, ErrBadPattern // odd trailing nibble
	}
	return toks, nil
}

// Rule is a compiled (pattern, replacement) pair ready for Apply.
type Rule struct {
	Pattern     []Token
	Replacement []Token
}

// Compile lexes both halves of a textual rule. It is meant to run once
// at startup; callers may choose to abort the process on error, per
// spec.md §4.2.
func Compile(pattern, replacement string) (Rule, error) {
	p, err := Lex(pattern)
	if err != nil {
		return Rule{}, err
	}
	r, err := Lex(replacement)
	if err != nil {
		return Rule{}, err
	}
	return Rule{Pattern: p, Replacement: r}, nil
}

func matchAt(pattern []Token, buf []byte, i int) bool {
	for k, tok := range pattern {
		if tok.Wildcard {
			continue
		}
		if buf[i+k] != tok.Byte {
			return false
		}
	}
	return true
}

// Apply scans buf for rule.Pattern and splices in rule.Replacement at
// every match, per spec.md §4.2: equal-length replacements overwrite
// known bytes only (wildcards pass through unchanged); longer
// replacements insert zero bytes before overwriting; shorter ones
// overwrite then drain the trailing bytes. Matching resumes at
// i+len(replacement) after a hit, i+1 after a miss — overlapping
// matches inside the replaced region are never re-checked.
func Apply(rule Rule, buf []byte) []byte {
	plen := len(rule.Pattern)
	if plen == 0 {
		return buf
	}
	rlen := len(rule.Replacement)

	i := 0
	for i+plen <= len(buf) {
		if !matchAt(rule.Pattern, buf, i) {
			i++
			continue
		}

		switch {
		case rlen == plen:
			for k, tok := range rule.Replacement {
				if tok.Wildcard {
					continue
				}
				buf[i+k] = tok.Byte
			}
		case rlen > plen:
			grow := rlen - plen
			buf = insertZeros(buf, i+plen, grow)
			for k, tok := range rule.Replacement {
				if tok.Wildcard {
					continue
				}
				buf[i+k] = tok.Byte
			}
		default: // rlen < plen
			for k, tok := range rule.Replacement {
				if tok.Wildcard {
					continue
				}
				buf[i+k] = tok.Byte
			}
			shrink := plen - rlen
			buf = drain(buf, i+rlen, shrink)
		}

		i += rlen
	}
	return buf
}

// insertZeros inserts n zero bytes into buf at position at.
func insertZeros(buf []byte, at, n int) []byte {
	buf = append(buf, make([]byte, n)...)
	copy(buf[at+n:], buf[at:len(buf)-n])
	for k := 0; k < n; k++ {
		buf[at+k] = 0
	}
	return buf
}

// drain removes n bytes from buf starting at position at.
func drain(buf []byte, at, n int) []byte {
	copy(buf[at:], buf[at+n:])
	return buf[:len(buf)-n]
}

// Cache is the process-wide compiled rule list, built once from the
// configuration's pattern-rules on first use (mirrors the teacher's
// sync.Once singleton idiom for process-lifetime derived state).
type Cache struct {
	once  sync.Once
	rules []Rule
	err   error
}

// Rules compiles (on first call only) and returns the configured
// pattern rules. A compile error anywhere aborts the whole batch, since
// a half-applied pattern list would silently drop rewrite rules the
// operator asked for.
func (c *Cache) Rules(rules []config.PatternRule) ([]Rule, error) {
	c.once.Do(func() {
		out := make([]Rule, 0, len(rules))
		for _, r := range rules {
			compiled, err := Compile(r.Pattern, r.Replacement)
			if err != nil {
				c.err = err
				return
			}
			out = append(out, compiled)
		}
		c.rules = out
	})
	return c.rules, c.err
}

// String renders a token stream back to its textual form, mainly for
// logging and tests.
func String(toks []Token) string {
	var b strings.Builder
	for _, t := range toks {
		if t.Wildcard {
			b.WriteByte('x')
			continue
		}
		const hexdig = "0123456789ABCDEF"
		b.WriteByte(hexdig[t.Byte>>4])
		b.WriteByte(hexdig[t.Byte&0xF])
	}
	return b.String()
}
