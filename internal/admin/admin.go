// Copyright (c) 2024 the waterfall5 authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package admin mounts the loopback-only observability surface of
// spec.md's admin/metrics expansion: /metrics via promhttp and a
// /healthz liveness probe, gated by config.Snapshot.AdminEnabled.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/waterfallproxy/waterfall5/internal/config"
	"github.com/waterfallproxy/waterfall5/internal/wlog"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Server is the admin HTTP listener. A nil *Server (returned when the
// config disables it) is safe to Run: Run becomes a no-op.
type Server struct {
	addr      string
	mux       *chi.Mux
	startTime time.Time
}

// New builds an admin server from a snapshot. It returns nil if
// AdminEnabled is false, so callers can unconditionally call Run on
// the result.
func New(snap *config.Snapshot) *Server {
	if !snap.AdminEnabled {
		return nil
	}

	s := &Server{addr: snap.AdminAddr, startTime: time.Now()}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	s.mux = r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

// Run binds the admin listener to loopback and serves until ctx is
// cancelled. A nil Server returns nil immediately.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	host, _, err := net.SplitHostPort(s.addr)
	if err != nil {
		return fmt.Errorf("admin: parse addr %s: %w", s.addr, err)
	}
	if host != "127.0.0.1" && host != "localhost" && host != "::1" {
		return fmt.Errorf("admin: refusing to bind non-loopback address %s", s.addr)
	}

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	wlog.I("admin: listening on %s", s.addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin: serve: %w", err)
	}
	return nil
}
