// Copyright (c) 2024 the waterfall5 authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package wlog is the process-wide structured logger. It mirrors the
// printf-style I/D/W/E/V calling convention used throughout this repo's
// teacher (firestack's intra/log), backed by zerolog instead of a
// hand-rolled writer.
package wlog

import (
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu  sync.RWMutex
	log zerolog.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		With().Timestamp().Logger().Level(zerolog.InfoLevel)
)

// SetLevelFromEnv configures the global level from a RUST_LOG-style
// environment variable: error|warn|info|debug|trace (case-insensitive).
// Unrecognized or empty values fall back to info.
func SetLevelFromEnv(envVar string) {
	SetLevel(os.Getenv(envVar))
}

// SetLevel parses and applies a single level string.
func SetLevel(s string) {
	lvl := levelFromString(s)
	mu.Lock()
	log = log.Level(lvl)
	mu.Unlock()
}

func levelFromString(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error":
		return zerolog.ErrorLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "info", "":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	case "trace":
		return zerolog.TraceLevel
	default:
		return zerolog.InfoLevel
	}
}

func get() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// E logs at error level.
func E(format string, args ...any) { get().Error().Msgf(format, args...) }

// W logs at warn level.
func W(format string, args ...any) { get().Warn().Msgf(format, args...) }

// I logs at info level.
func I(format string, args ...any) { get().Info().Msgf(format, args...) }

// D logs at debug level.
func D(format string, args ...any) { get().Debug().Msgf(format, args...) }

// V logs at trace (verbose) level.
func V(format string, args ...any) { get().Trace().Msgf(format, args...) }

var onceWarned sync.Map

// WarnOnce logs a warning exactly once per distinct key, for process-wide
// "platform unsupported" style notices that would otherwise spam every
// connection.
func WarnOnce(key, format string, args ...any) {
	if _, loaded := onceWarned.LoadOrStore(key, true); !loaded {
		W(format, args...)
	}
}
