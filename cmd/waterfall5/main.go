// Copyright (c) 2024 the waterfall5 authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/waterfallproxy/waterfall5/internal/admin"
	"github.com/waterfallproxy/waterfall5/internal/config"
	"github.com/waterfallproxy/waterfall5/internal/server"
	"github.com/waterfallproxy/waterfall5/internal/wlog"
)

// buildVersion is overridden at link time with -ldflags.
var buildVersion = "dev"

func main() {
	cmd := &cobra.Command{
		Use:   "waterfall5 [config.xml]",
		Short: "SOCKS5 proxy with DPI-evasion desync strategies",
		Long: `waterfall5 is a local SOCKS5 forward proxy that rewrites the
byte-, segment-, and record-level shape of client traffic so in-path
DPI middleboxes fail to correlate a flow with its true SNI or HTTP
host, while the remote peer still sees a semantically valid exchange.`,
		Example: "  waterfall5 config.xml",
		Args:    cobra.MaximumNArgs(1),
		Version: buildVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "config.xml"
			if len(args) == 1 {
				path = args[0]
			}
			return run(path)
		},
		SilenceUsage: true,
	}

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(path string) error {
	wlog.SetLevelFromEnv("WF_LOG")

	snap, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			wlog.I("waterfall5: wrote default configuration to %s", path)
			return nil
		}
		return fmt.Errorf("waterfall5: load config: %w", err)
	}

	srv, err := server.New(snap)
	if err != nil {
		return fmt.Errorf("waterfall5: build server: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- srv.Run(ctx) }()

	if adminSrv := admin.New(snap); adminSrv != nil {
		go func() { errCh <- adminSrv.Run(ctx) }()
	}

	select {
	case <-ctx.Done():
		<-errCh
		return nil
	case err := <-errCh:
		cancel()
		if err != nil {
			return fmt.Errorf("waterfall5: %w", err)
		}
		return nil
	}
}
